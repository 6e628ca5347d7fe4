package core

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/signalsfoundry/wrsn-simulator/timectrl"
)

var testEpoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// idleParams drain exactly idle J/s regardless of routing role.
func idleParams(capacity, threshold, idle float64) NodeParams {
	return NodeParams{
		Capacity:   capacity,
		Threshold:  threshold,
		ComRange:   50,
		SenseRange: 20,
		IdleEnergy: idle,
	}
}

func newTestNetwork(t *testing.T, nodes []Point, targets []Point, params NodeParams, opts ...Option) *Network {
	t.Helper()
	ns := make([]*SensorNode, 0, len(nodes))
	for _, p := range nodes {
		ns = append(ns, NewSensorNode(p, params))
	}
	ts := make([]*Target, 0, len(targets))
	for _, p := range targets {
		ts = append(ts, &Target{Location: p})
	}
	net, err := NewNetwork(timectrl.NewClock(testEpoch, timectrl.Accelerated), NetworkConfig{
		Nodes:       ns,
		Targets:     ts,
		BaseStation: Point{},
	}, opts...)
	if err != nil {
		t.Fatalf("NewNetwork: %v", err)
	}
	return net
}

func TestNewNetworkRejectsEmptyTopology(t *testing.T) {
	clock := timectrl.NewClock(testEpoch, timectrl.Accelerated)
	_, err := NewNetwork(clock, NetworkConfig{Targets: []*Target{{}}})
	if !errors.Is(err, ErrEmptyTopology) {
		t.Fatalf("expected ErrEmptyTopology, got %v", err)
	}
	_, err = NewNetwork(clock, NetworkConfig{Nodes: []*SensorNode{NewSensorNode(Point{}, idleParams(10, 1, 1))}})
	if !errors.Is(err, ErrEmptyTopology) {
		t.Fatalf("expected ErrEmptyTopology without targets, got %v", err)
	}
}

func TestNewNetworkRejectsBadCharger(t *testing.T) {
	clock := timectrl.NewClock(testEpoch, timectrl.Accelerated)
	mc := NewMobileCharger(0, Point{}, ChargerParams{Capacity: 100, Velocity: -1})
	_, err := NewNetwork(clock, NetworkConfig{
		Nodes:    []*SensorNode{NewSensorNode(Point{X: 10}, idleParams(10, 1, 1))},
		Targets:  []*Target{{Location: Point{X: 10}}},
		Chargers: []*MobileCharger{mc},
	})
	if !errors.Is(err, ErrInvalidCharger) {
		t.Fatalf("expected ErrInvalidCharger, got %v", err)
	}
}

func TestSetLevelsChain(t *testing.T) {
	// 0 and 1 reach the base; 2 hops through 1; 3 is isolated.
	net := newTestNetwork(t,
		[]Point{{X: 30}, {X: 0, Y: 40}, {X: 0, Y: 85}, {X: 500, Y: 500}},
		[]Point{{X: 30}},
		idleParams(100, 1, 0.1))

	want := []int{1, 1, 2, -1}
	for i, node := range net.Nodes {
		if node.Level != want[i] {
			t.Fatalf("node %d level = %d, want %d", i, node.Level, want[i])
		}
	}

	net.SetLevels()
	for i, node := range net.Nodes {
		if node.Level != want[i] {
			t.Fatalf("rerun changed node %d level to %d", i, node.Level)
		}
	}

	next, ok := net.Nodes[2].Receiver()
	if !ok || next == nil || next.ID != 1 {
		t.Fatalf("node 2 receiver = %v, %v; want node 1", next, ok)
	}
	if _, ok := net.Nodes[3].Receiver(); ok {
		t.Fatalf("isolated node should have no receiver")
	}
}

func TestSetLevelsSkipsDeadRelays(t *testing.T) {
	net := newTestNetwork(t,
		[]Point{{X: 0, Y: 40}, {X: 0, Y: 85}},
		[]Point{{X: 0, Y: 85}},
		idleParams(100, 1, 0.1))
	if !net.CheckTargets() {
		t.Fatalf("target should start covered")
	}
	net.Nodes[0].Status = NodeDead
	net.SetLevels()
	if net.Nodes[0].Level != -1 || net.Nodes[1].Level != -1 {
		t.Fatalf("levels after relay death = %d, %d", net.Nodes[0].Level, net.Nodes[1].Level)
	}
	if net.CheckTargets() {
		t.Fatalf("target should be uncovered once its only route dies")
	}
}

func TestRelayLoadAccumulates(t *testing.T) {
	params := idleParams(100, 1, 0.1)
	params.PacketRate = 2
	net := newTestNetwork(t,
		[]Point{{X: 0, Y: 40}, {X: 0, Y: 85}, {X: 0, Y: 130}},
		[]Point{{X: 0, Y: 85}, {X: 0, Y: 130}},
		params)

	if got := net.Nodes[1].RelayLoad(); got != 2 {
		t.Fatalf("node 1 relay load = %v, want 2", got)
	}
	if got := net.Nodes[0].RelayLoad(); got != 4 {
		t.Fatalf("node 0 relay load = %v, want 4", got)
	}
}

func TestPathsReachBase(t *testing.T) {
	net := newTestNetwork(t,
		[]Point{{X: 0, Y: 40}, {X: 0, Y: 85}, {X: 500, Y: 500}},
		[]Point{{X: 0, Y: 85}},
		idleParams(100, 1, 0.1))

	paths := net.Paths()
	if len(paths) != 3 {
		t.Fatalf("len(paths) = %d", len(paths))
	}
	if !paths[1].ReachesBase || len(paths[1].Nodes) != 2 || !paths[1].Contains(0) {
		t.Fatalf("path from node 1 = %+v", paths[1])
	}
	if paths[2].ReachesBase {
		t.Fatalf("isolated node path should not reach base")
	}
}

func TestPathWalkStopsOnCycle(t *testing.T) {
	net := newTestNetwork(t,
		[]Point{{X: 200, Y: 0}, {X: 230, Y: 0}},
		[]Point{{X: 200, Y: 0}},
		idleParams(100, 1, 0.1))
	// Corrupt the routing tree into a two-node loop.
	net.Nodes[0].receiver = net.Nodes[1]
	net.Nodes[1].receiver = net.Nodes[0]

	p := net.pathFrom(net.Nodes[0])
	if p.ReachesBase || len(p.Nodes) != 2 {
		t.Fatalf("cyclic walk = %+v", p)
	}
}

// Two nodes monitor one target, both reach the base station directly; only
// the depleted one must request.
func TestRequestsContainOnlyDepletedNode(t *testing.T) {
	net := newTestNetwork(t,
		[]Point{{X: 10}, {X: 0, Y: 10}},
		[]Point{{X: 5, Y: 5}},
		idleParams(1000, 1, 0.1))
	net.Nodes[1].Energy = 20

	net.CollectRequests()
	reqs := net.Requests()
	if len(reqs) != 1 || reqs[0].NodeID != 1 {
		t.Fatalf("requests = %+v, want only node 1", reqs)
	}
	if net.Nodes[0].IsRequesting || !net.Nodes[1].IsRequesting {
		t.Fatalf("request flags = %v, %v", net.Nodes[0].IsRequesting, net.Nodes[1].IsRequesting)
	}
}

// A single node covering the only target dies with no charger; the loop must
// stop in the sense phase of that same tick.
func TestNetworkStopsWhenCoverageLost(t *testing.T) {
	net := newTestNetwork(t,
		[]Point{{X: 10}},
		[]Point{{X: 10}},
		idleParams(10, 1, 1))

	res, err := net.Run(context.Background(), 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if net.Alive() {
		t.Fatalf("network should be dead")
	}
	if res.Reason != timectrl.StopRequested {
		t.Fatalf("stop reason = %v", res.Reason)
	}
	if want := 9*time.Second + 100*time.Millisecond; res.Elapsed != want {
		t.Fatalf("stopped at %s, want %s", res.Elapsed, want)
	}
	if net.Nodes[0].Energy != 1 {
		t.Fatalf("dead node energy = %v, want clamped at threshold", net.Nodes[0].Energy)
	}
	if net.Clock().Pending() != 0 {
		t.Fatalf("pending activations survived Stop: %d", net.Clock().Pending())
	}
}

type countingPlanner struct{ calls int }

func (p *countingPlanner) Plan(ctx context.Context, nodes []*SensorNode, depot Point) ([]Point, error) {
	p.calls++
	return []Point{nodes[0].Location, depot}, nil
}

// With a charger and a planner configured, coverage loss during the
// clustering warm-up still stops the loop in that tick's sense phase.
func TestNetworkStopsWhenCoverageLostDuringWarmup(t *testing.T) {
	planner := &countingPlanner{}
	net := newTestNetwork(t,
		[]Point{{X: 10}},
		[]Point{{X: 10}},
		idleParams(10, 1, 1),
		WithScheduler(&scriptedScheduler{}),
		WithActionPlanner(planner))
	net.Chargers = []*MobileCharger{NewMobileCharger(0, Point{}, testChargerParams())}

	res, err := net.Run(context.Background(), 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if net.Alive() || res.Reason != timectrl.StopRequested {
		t.Fatalf("alive %v, reason %v", net.Alive(), res.Reason)
	}
	if want := 9*time.Second + 100*time.Millisecond; res.Elapsed != want {
		t.Fatalf("stopped at %s, want %s", res.Elapsed, want)
	}
	if planner.calls != 0 {
		t.Fatalf("planner ran %d times on a network that died before warm-up ended", planner.calls)
	}
}

func TestNetworkClustersAfterWarmup(t *testing.T) {
	planner := &countingPlanner{}
	net := newTestNetwork(t,
		[]Point{{X: 10}},
		[]Point{{X: 10}},
		idleParams(1000, 1, 0.1),
		WithScheduler(&scriptedScheduler{}),
		WithActionPlanner(planner),
		WithClusterWarmup(3*time.Second))
	net.Chargers = []*MobileCharger{NewMobileCharger(0, Point{}, testChargerParams())}

	if _, err := net.Run(context.Background(), 3*time.Second); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if planner.calls != 0 {
		t.Fatalf("planner ran before the warm-up ended")
	}
	if _, err := net.Run(context.Background(), 10*time.Second); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if planner.calls != 1 || len(net.Actions()) != 2 {
		t.Fatalf("planner calls %d, actions %d", planner.calls, len(net.Actions()))
	}
}

func TestEnergyAndLivenessMonotonic(t *testing.T) {
	params := idleParams(50, 1, 0.5)
	params.SenseEnergy = 0.25
	params.PacketRate = 1
	params.Radio = RadioParams{Elec: 50e-9, FreeSpace: 10e-12, Multipath: 0.0013e-12, PacketSize: 4000}
	net := newTestNetwork(t,
		[]Point{{X: 10}, {X: 0, Y: 40}, {X: 0, Y: 80}},
		[]Point{{X: 0, Y: 80}},
		params)
	net.Start()

	prev := make([]float64, len(net.Nodes))
	for i, n := range net.Nodes {
		prev[i] = n.Energy
	}
	wasDead := false
	for h := 1; h <= 200; h++ {
		if _, err := net.Clock().Run(context.Background(), time.Duration(h)*time.Second); err != nil {
			t.Fatalf("Run: %v", err)
		}
		for i, n := range net.Nodes {
			if n.Energy > prev[i] {
				t.Fatalf("node %d energy rose from %v to %v without a charger", i, prev[i], n.Energy)
			}
			prev[i] = n.Energy
		}
		if wasDead && net.Alive() {
			t.Fatalf("liveness recovered at %ds", h)
		}
		wasDead = !net.Alive()
		if net.Clock().Stopped() {
			break
		}
	}
	if net.Alive() {
		t.Fatalf("network should have died within the horizon")
	}
}

func TestNetworkDiagnosticsAndReset(t *testing.T) {
	net := newTestNetwork(t,
		[]Point{{X: 10}, {X: 0, Y: 10}, {X: 20}},
		[]Point{{X: 10}},
		idleParams(100, 1, 1))
	net.Nodes[0].Energy = 40
	net.Nodes[2].Energy = 1
	net.Nodes[2].Status = NodeDead

	if got := net.MinEnergyNode(); got.ID != 2 {
		t.Fatalf("MinEnergyNode = %d, want 2", got.ID)
	}
	if got := len(net.DeadNodes()); got != 1 {
		t.Fatalf("DeadNodes = %d, want 1", got)
	}
	if got := net.AverageEnergy(); math.Abs(got-47) > 1e-9 {
		t.Fatalf("AverageEnergy = %v, want 47", got)
	}

	net.alive = false
	net.Reset()
	if !net.Alive() || len(net.DeadNodes()) != 0 {
		t.Fatalf("Reset should revive the network")
	}
	for _, n := range net.Nodes {
		if n.Energy != 100 {
			t.Fatalf("node %d energy after reset = %v", n.ID, n.Energy)
		}
	}
}

type recordingSink struct{ snaps []*Snapshot }

func (r *recordingSink) Publish(s *Snapshot) { r.snaps = append(r.snaps, s) }

type recordingMetrics struct{ ticks []TickStats }

func (r *recordingMetrics) ObserveTick(s TickStats) { r.ticks = append(r.ticks, s) }

func TestSnapshotsAndMetricsPublished(t *testing.T) {
	sink := &recordingSink{}
	metrics := &recordingMetrics{}
	net := newTestNetwork(t,
		[]Point{{X: 10}},
		[]Point{{X: 10}},
		idleParams(100, 1, 1),
		WithSnapshotSink(sink),
		WithMetricsRecorder(metrics),
		WithSnapshotInterval(2*time.Second))

	if _, err := net.Run(context.Background(), 10*time.Second); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(metrics.ticks) != 10 {
		t.Fatalf("observed %d ticks, want 10", len(metrics.ticks))
	}
	if len(sink.snaps) != 5 {
		t.Fatalf("published %d snapshots, want 5", len(sink.snaps))
	}
	last := sink.snaps[len(sink.snaps)-1]
	if len(last.Nodes) != 1 || last.Nodes[0].Status != "alive" || !last.Targets[0].Covered {
		t.Fatalf("unexpected snapshot %+v", last)
	}
}
