package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PlannerCollector exposes metrics for the charging-position planner.
type PlannerCollector struct {
	PlanDuration    prometheus.Histogram
	ChargingPoints  prometheus.Gauge
	WeightedSamples prometheus.Gauge
	ReclustersTotal prometheus.Counter
}

// NewPlannerCollector registers planner metrics against the provided registerer.
func NewPlannerCollector(reg prometheus.Registerer) (*PlannerCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	hist, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "wrsn_planner_duration_seconds",
		Help:    "Duration of k-means runs that produce the charging positions.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}), "wrsn_planner_duration_seconds")
	if err != nil {
		return nil, err
	}
	points, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wrsn_planner_charging_points",
		Help: "Charging positions in the current action list, depot included.",
	}), "wrsn_planner_charging_points")
	if err != nil {
		return nil, err
	}
	samples, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wrsn_planner_weighted_samples",
		Help: "Rate-weighted node samples fed to the last clustering run.",
	}), "wrsn_planner_weighted_samples")
	if err != nil {
		return nil, err
	}
	runs, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wrsn_planner_runs_total",
		Help: "Completed clustering runs.",
	}), "wrsn_planner_runs_total")
	if err != nil {
		return nil, err
	}

	return &PlannerCollector{
		PlanDuration:    hist,
		ChargingPoints:  points,
		WeightedSamples: samples,
		ReclustersTotal: runs,
	}, nil
}

// ObservePlan implements cluster.PlanRecorder.
func (c *PlannerCollector) ObservePlan(positions, samples int, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.PlanDuration.Observe(elapsed.Seconds())
	c.ChargingPoints.Set(float64(positions))
	c.WeightedSamples.Set(float64(samples))
	c.ReclustersTotal.Inc()
}
