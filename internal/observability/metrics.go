package observability

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/signalsfoundry/wrsn-simulator/core"
)

// SimCollector bundles the Prometheus metrics of a simulation run. It
// satisfies core.MetricsRecorder, core.ConnectionRecorder and
// optimizer.DecisionRecorder so one value can be handed to every layer.
type SimCollector struct {
	gatherer prometheus.Gatherer

	AliveNodes      prometheus.Gauge
	CoveredTargets  prometheus.Gauge
	PendingRequests prometheus.Gauge
	SimSeconds      prometheus.Gauge
	ChargerEnergy   *prometheus.GaugeVec

	NodeDeaths      prometheus.Counter
	EnergyDelivered prometheus.Counter
	Connections     *prometheus.CounterVec
	Decisions       *prometheus.CounterVec

	DecisionDurations *prometheus.HistogramVec
}

// NewSimCollector registers simulation metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
// Registering twice against the same registry reuses the existing
// collectors.
func NewSimCollector(reg prometheus.Registerer) (*SimCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &SimCollector{gatherer: gatherer}
	var err error

	if c.AliveNodes, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wrsn_alive_nodes",
		Help: "Sensor nodes above their energy threshold.",
	}), "wrsn_alive_nodes"); err != nil {
		return nil, err
	}
	if c.CoveredTargets, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wrsn_covered_targets",
		Help: "Targets monitored by a node with a route to the base station.",
	}), "wrsn_covered_targets"); err != nil {
		return nil, err
	}
	if c.PendingRequests, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wrsn_pending_requests",
		Help: "Charging requests collected in the last tick.",
	}), "wrsn_pending_requests"); err != nil {
		return nil, err
	}
	if c.SimSeconds, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wrsn_simulated_seconds",
		Help: "Virtual time elapsed since the start of the run.",
	}), "wrsn_simulated_seconds"); err != nil {
		return nil, err
	}
	if c.ChargerEnergy, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wrsn_charger_energy_joules",
		Help: "Battery level of each mobile charger.",
	}, []string{"charger"}), "wrsn_charger_energy_joules"); err != nil {
		return nil, err
	}

	if c.NodeDeaths, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wrsn_node_deaths_total",
		Help: "Sensor nodes that crossed their energy threshold.",
	}), "wrsn_node_deaths_total"); err != nil {
		return nil, err
	}
	if c.EnergyDelivered, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wrsn_energy_delivered_joules_total",
		Help: "Energy transferred from chargers to sensor nodes.",
	}), "wrsn_energy_delivered_joules_total"); err != nil {
		return nil, err
	}
	if c.Connections, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wrsn_charger_connections_total",
		Help: "Charger attach and detach events, labeled by event.",
	}, []string{"event"}), "wrsn_charger_connections_total"); err != nil {
		return nil, err
	}
	if c.Decisions, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wrsn_scheduler_decisions_total",
		Help: "Scheduler decisions, labeled by policy and decision kind.",
	}, []string{"policy", "kind"}), "wrsn_scheduler_decisions_total"); err != nil {
		return nil, err
	}
	if c.DecisionDurations, err = registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wrsn_scheduler_decision_duration_seconds",
		Help:    "Wall-clock time spent computing a scheduler decision.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"policy"}), "wrsn_scheduler_decision_duration_seconds"); err != nil {
		return nil, err
	}
	return c, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *SimCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// Handler exposes a ready-to-use /metrics handler.
func (c *SimCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ObserveTick implements core.MetricsRecorder.
func (c *SimCollector) ObserveTick(s core.TickStats) {
	if c == nil {
		return
	}
	c.AliveNodes.Set(float64(s.AliveNodes))
	c.CoveredTargets.Set(float64(s.CoveredTargets))
	c.PendingRequests.Set(float64(s.Requests))
	c.SimSeconds.Set(s.SimTime.Seconds())
	if s.NewDeaths > 0 {
		c.NodeDeaths.Add(float64(s.NewDeaths))
	}
	if s.EnergyDelivered > 0 {
		c.EnergyDelivered.Add(s.EnergyDelivered)
	}
	for _, mc := range s.Chargers {
		c.ChargerEnergy.WithLabelValues(strconv.Itoa(mc.ID)).Set(mc.Energy)
	}
}

// ObserveConnection implements core.ConnectionRecorder.
func (c *SimCollector) ObserveConnection(nodeID, chargerID int, connected bool) {
	if c == nil {
		return
	}
	event := "detach"
	if connected {
		event = "attach"
	}
	c.Connections.WithLabelValues(event).Inc()
}

// ObserveDecision implements optimizer.DecisionRecorder.
func (c *SimCollector) ObserveDecision(policy string, kind core.DecisionKind, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.Decisions.WithLabelValues(policy, string(kind)).Inc()
	c.DecisionDurations.WithLabelValues(policy).Observe(elapsed.Seconds())
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}
