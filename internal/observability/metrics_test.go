package observability

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"

	"github.com/signalsfoundry/wrsn-simulator/core"
)

func TestObserveTickSetsGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewSimCollector(reg)
	if err != nil {
		t.Fatalf("NewSimCollector: %v", err)
	}

	collector.ObserveTick(core.TickStats{
		SimTime:         42 * time.Second,
		AliveNodes:      7,
		NewDeaths:       2,
		CoveredTargets:  3,
		Requests:        4,
		EnergyDelivered: 12.5,
		Chargers:        []core.ChargerStats{{ID: 0, Energy: 900}, {ID: 1, Energy: 50}},
	})
	collector.ObserveTick(core.TickStats{AliveNodes: 6, NewDeaths: 1, EnergyDelivered: 2.5})

	if got := testutil.ToFloat64(collector.AliveNodes); got != 6 {
		t.Fatalf("wrsn_alive_nodes = %v, want 6", got)
	}
	if got := testutil.ToFloat64(collector.NodeDeaths); got != 3 {
		t.Fatalf("wrsn_node_deaths_total = %v, want 3", got)
	}
	if got := testutil.ToFloat64(collector.EnergyDelivered); got != 15 {
		t.Fatalf("wrsn_energy_delivered_joules_total = %v, want 15", got)
	}
	if got := testutil.ToFloat64(collector.ChargerEnergy.WithLabelValues("1")); got != 50 {
		t.Fatalf("charger 1 energy = %v, want 50", got)
	}
}

func TestObserveDecisionAndConnection(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewSimCollector(reg)
	if err != nil {
		t.Fatalf("NewSimCollector: %v", err)
	}

	collector.ObserveDecision("qlearning", core.DecisionPolicy, 3*time.Millisecond)
	collector.ObserveDecision("qlearning", core.DecisionPolicy, time.Millisecond)
	collector.ObserveDecision("qlearning", core.DecisionForcedDepot, time.Millisecond)
	collector.ObserveConnection(4, 0, true)
	collector.ObserveConnection(4, 0, false)
	collector.ObserveConnection(5, 0, true)

	if got := testutil.ToFloat64(collector.Decisions.WithLabelValues("qlearning", "policy")); got != 2 {
		t.Fatalf("policy decisions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.Connections.WithLabelValues("attach")); got != 2 {
		t.Fatalf("attach events = %v, want 2", got)
	}
	if count := histogramSampleCount(t, reg, "wrsn_scheduler_decision_duration_seconds", map[string]string{
		"policy": "qlearning",
	}); count != 3 {
		t.Fatalf("decision duration sample_count = %d, want 3", count)
	}
}

func TestCollectorReusesRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewSimCollector(reg)
	if err != nil {
		t.Fatalf("NewSimCollector: %v", err)
	}
	second, err := NewSimCollector(reg)
	if err != nil {
		t.Fatalf("second NewSimCollector: %v", err)
	}
	first.NodeDeaths.Inc()
	if got := testutil.ToFloat64(second.NodeDeaths); got != 1 {
		t.Fatalf("collectors not shared: %v", got)
	}

	if _, err := NewPlannerCollector(reg); err != nil {
		t.Fatalf("NewPlannerCollector: %v", err)
	}
}

func TestPlannerCollectorObservePlan(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewPlannerCollector(reg)
	if err != nil {
		t.Fatalf("NewPlannerCollector: %v", err)
	}
	collector.ObservePlan(31, 240, 20*time.Millisecond)

	if got := testutil.ToFloat64(collector.ChargingPoints); got != 31 {
		t.Fatalf("charging points = %v, want 31", got)
	}
	if got := testutil.ToFloat64(collector.ReclustersTotal); got != 1 {
		t.Fatalf("runs = %v, want 1", got)
	}
	if count := histogramSampleCount(t, reg, "wrsn_planner_duration_seconds", nil); count != 1 {
		t.Fatalf("planner duration sample_count = %d, want 1", count)
	}
}

func TestMetricsHandlerExposesSimulationMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewSimCollector(reg)
	if err != nil {
		t.Fatalf("NewSimCollector: %v", err)
	}
	collector.ObserveTick(core.TickStats{AliveNodes: 9, CoveredTargets: 2, Chargers: []core.ChargerStats{{ID: 0, Energy: 1}}})
	collector.ObserveDecision("greedy", core.DecisionIdle, time.Millisecond)
	collector.ObserveConnection(1, 0, true)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, metric := range []string{
		"wrsn_alive_nodes 9",
		"wrsn_covered_targets 2",
		"wrsn_charger_energy_joules",
		"wrsn_scheduler_decisions_total",
		"wrsn_scheduler_decision_duration_seconds",
		"wrsn_charger_connections_total",
	} {
		if !strings.Contains(body, metric) {
			t.Fatalf("expected %q in /metrics output", metric)
		}
	}
}

func TestTracingConfigFromEnv(t *testing.T) {
	t.Setenv("WRSN_TRACING_ENABLED", "TRUE")
	t.Setenv("WRSN_TRACING_EXPORTER", "OTLP")
	t.Setenv("WRSN_TRACING_SAMPLE_RATIO", "0.25")
	t.Setenv("WRSN_OTLP_ENDPOINT", "collector:4317")

	cfg := TracingConfigFromEnv()
	if !cfg.Enabled || cfg.Exporter != "otlp" || cfg.SampleRatio != 0.25 || cfg.Endpoint != "collector:4317" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.ServiceName != "wrsn-simulator" {
		t.Fatalf("service name = %q", cfg.ServiceName)
	}

	t.Setenv("WRSN_TRACING_SAMPLE_RATIO", "7")
	cfg = TracingConfigFromEnv()
	if cfg.SampleRatio >= 0 {
		t.Fatalf("out-of-range ratio should be ignored, got %v", cfg.SampleRatio)
	}
	if got := cfg.EffectiveSampleRatio(); got != 1 {
		t.Fatalf("ratio without a decision estimate = %v, want 1", got)
	}
}

func TestEffectiveSampleRatioFollowsRunLength(t *testing.T) {
	cfg := TracingConfig{SampleRatio: -1, Run: RunAttributes{Decisions: 10 * DefaultSpanBudget}}
	if got := cfg.EffectiveSampleRatio(); got != 0.1 {
		t.Fatalf("derived ratio = %v, want 0.1", got)
	}
	cfg.SampleRatio = 0.5
	if got := cfg.EffectiveSampleRatio(); got != 0.5 {
		t.Fatalf("explicit ratio = %v, want 0.5", got)
	}
}

func TestRunSpanCarriesRunAttributes(t *testing.T) {
	var out bytes.Buffer
	run := RunAttributes{RunID: "run-42", Scenario: "field.yaml", Policy: "qlearning", Seed: 3, Nodes: 20, Chargers: 1}
	shutdown, err := InitTracing(context.Background(), TracingConfig{
		Enabled:     true,
		Exporter:    "stdout",
		SampleRatio: 1,
		Output:      &out,
		Run:         run,
	}, nil)
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	t.Cleanup(func() { _, _ = InitTracing(context.Background(), TracingConfig{}, nil) })

	_, span := StartRunSpan(context.Background(), run)
	EndRunSpan(span, "horizon", 30*time.Second, true, nil)
	ShutdownWithTimeout(context.Background(), shutdown, nil)

	body := out.String()
	for _, want := range []string{"simulation.run", "run-42", "wrsn.policy", "wrsn.stop_reason", "horizon"} {
		if !strings.Contains(body, want) {
			t.Fatalf("exported span missing %q:\n%s", want, body)
		}
	}
}

func TestInitTracingDisabled(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TracingConfig{}, nil)
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	ShutdownWithTimeout(context.Background(), shutdown, nil)

	if _, err := InitTracing(context.Background(), TracingConfig{Enabled: true, Exporter: "zipkin"}, nil); err == nil {
		t.Fatalf("expected unsupported exporter error")
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
