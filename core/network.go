package core

import (
	"context"
	"fmt"
	"time"

	"github.com/signalsfoundry/wrsn-simulator/internal/logging"
	"github.com/signalsfoundry/wrsn-simulator/timectrl"
)

const (
	// DefaultTick is the orchestration period of the Network loop.
	DefaultTick = time.Second
	// DefaultClusterWarmup lets nodes accumulate consumption history before
	// charging positions are computed.
	DefaultClusterWarmup = 10 * time.Second
	// DefaultRequestFactor is the watermark multiple of a node's threshold
	// below which it asks for charge.
	DefaultRequestFactor = 30.0
)

// Request is a node's need for charge, rebuilt every tick.
type Request struct {
	NodeID          int
	ConsumptionRate float64
}

// ConnectionRecorder is an optional extension of MetricsRecorder that is
// told whenever a charger starts or stops feeding a node.
type ConnectionRecorder interface {
	ObserveConnection(nodeID, chargerID int, connected bool)
}

// NetworkConfig is the static topology of a run.
type NetworkConfig struct {
	Nodes       []*SensorNode
	Targets     []*Target
	BaseStation Point
	Chargers    []*MobileCharger
}

// Option configures a Network.
type Option func(*Network)

// WithScheduler installs the charging policy.
func WithScheduler(s Scheduler) Option {
	return func(n *Network) { n.scheduler = s }
}

// WithActionPlanner installs the component that computes charging positions.
func WithActionPlanner(p ActionPlanner) Option {
	return func(n *Network) { n.planner = p }
}

// WithLogger sets the logger; nil keeps the no-op default.
func WithLogger(l logging.Logger) Option {
	return func(n *Network) {
		if l != nil {
			n.log = l
		}
	}
}

// WithMetricsRecorder attaches a per-tick metrics sink.
func WithMetricsRecorder(r MetricsRecorder) Option {
	return func(n *Network) { n.metrics = r }
}

// WithSnapshotSink attaches a snapshot consumer.
func WithSnapshotSink(s SnapshotSink) Option {
	return func(n *Network) { n.sink = s }
}

// WithTick overrides DefaultTick.
func WithTick(d time.Duration) Option {
	return func(n *Network) {
		if d > 0 {
			n.tick = d
		}
	}
}

// WithClusterWarmup overrides DefaultClusterWarmup. Zero clusters in the
// first sense phase.
func WithClusterWarmup(d time.Duration) Option {
	return func(n *Network) {
		if d >= 0 {
			n.clusterWarmup = d
		}
	}
}

// WithRequestFactor overrides DefaultRequestFactor.
func WithRequestFactor(f float64) Option {
	return func(n *Network) {
		if f > 0 {
			n.requestFactor = f
		}
	}
}

// WithSnapshotInterval sets how often snapshots are published. It defaults
// to the tick.
func WithSnapshotInterval(d time.Duration) Option {
	return func(n *Network) { n.snapshotInterval = d }
}

// WithStatusInterval enables a periodic status log of every charger.
func WithStatusInterval(d time.Duration) Option {
	return func(n *Network) { n.statusInterval = d }
}

type networkPhase int

const (
	phaseStart networkPhase = iota
	phaseSense
	phaseAct
)

// Network owns the sensor field, base station and chargers and runs the
// per-tick orchestration loop as a timectrl.Process.
type Network struct {
	Nodes       []*SensorNode
	Targets     []*Target
	BaseStation *BaseStation
	Chargers    []*MobileCharger

	clock     *timectrl.Clock
	scheduler Scheduler
	planner   ActionPlanner
	log       logging.Logger
	metrics   MetricsRecorder
	sink      SnapshotSink

	tick             time.Duration
	clusterWarmup    time.Duration
	requestFactor    float64
	snapshotInterval time.Duration
	statusInterval   time.Duration

	actions  []Point
	requests []Request
	alive    bool
	err      error
	phase    networkPhase
	started  bool

	lastSnapshot      time.Duration
	deliveredThisTick float64
	deadSeen          int
}

// NewNetwork validates the topology, assigns IDs, builds the static neighbor
// and monitoring relations and probes the base station.
func NewNetwork(clock *timectrl.Clock, cfg NetworkConfig, opts ...Option) (*Network, error) {
	if clock == nil {
		return nil, fmt.Errorf("network requires a clock")
	}
	if len(cfg.Nodes) == 0 || len(cfg.Targets) == 0 {
		return nil, fmt.Errorf("%w: %d nodes, %d targets", ErrEmptyTopology, len(cfg.Nodes), len(cfg.Targets))
	}
	for i, node := range cfg.Nodes {
		if node == nil {
			return nil, fmt.Errorf("%w: node %d is nil", ErrInvalidNode, i)
		}
		p := node.Params
		if p.Capacity <= 0 || p.Threshold < 0 || p.Threshold >= p.Capacity || p.ComRange <= 0 {
			return nil, fmt.Errorf("%w: node %d: capacity %v, threshold %v, com range %v",
				ErrInvalidNode, i, p.Capacity, p.Threshold, p.ComRange)
		}
	}
	for i, mc := range cfg.Chargers {
		if mc == nil {
			return nil, fmt.Errorf("%w: charger %d is nil", ErrInvalidCharger, i)
		}
		if err := mc.Params.Validate(); err != nil {
			return nil, fmt.Errorf("charger %d: %w", i, err)
		}
	}

	n := &Network{
		Nodes:         cfg.Nodes,
		Targets:       cfg.Targets,
		BaseStation:   NewBaseStation(cfg.BaseStation),
		Chargers:      cfg.Chargers,
		clock:         clock,
		log:           logging.Noop(),
		tick:          DefaultTick,
		clusterWarmup: DefaultClusterWarmup,
		requestFactor: DefaultRequestFactor,
		alive:         true,
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.snapshotInterval <= 0 {
		n.snapshotInterval = n.tick
	}

	for i, t := range n.Targets {
		t.ID = i
	}
	for i, mc := range n.Chargers {
		mc.ID = i
	}
	for i, node := range n.Nodes {
		node.ID = i
		node.baseStation = n.BaseStation
		node.onConnection = n.connectionChanged
		node.neighbors = nil
		node.targets = nil
	}
	for i, a := range n.Nodes {
		for _, b := range n.Nodes[i+1:] {
			d := a.Location.DistanceTo(b.Location)
			if d <= a.Params.ComRange && d <= b.Params.ComRange {
				a.neighbors = append(a.neighbors, b)
				b.neighbors = append(b.neighbors, a)
			}
		}
		for _, t := range n.Targets {
			if a.Location.DistanceTo(t.Location) <= a.Params.SenseRange {
				a.targets = append(a.targets, t)
			}
		}
	}
	n.BaseStation.Probe(n.Nodes)
	n.SetLevels()
	return n, nil
}

// Clock returns the driving clock.
func (n *Network) Clock() *timectrl.Clock { return n.clock }

// Tick returns the orchestration period.
func (n *Network) Tick() time.Duration { return n.tick }

// Scheduler returns the installed policy, or nil.
func (n *Network) Scheduler() Scheduler { return n.scheduler }

// Alive reports whether every target has stayed covered. Once false it stays
// false until Reset.
func (n *Network) Alive() bool { return n.alive }

// Err returns the structural failure that aborted the run, if any.
func (n *Network) Err() error { return n.err }

// Requests returns the current tick's request set.
func (n *Network) Requests() []Request { return n.requests }

// Actions returns the charging positions; the final entry is the depot.
func (n *Network) Actions() []Point { return n.actions }

// DepotIndex is the action index of the depot, or StateUnassigned before
// clustering.
func (n *Network) DepotIndex() int {
	if len(n.actions) == 0 {
		return StateUnassigned
	}
	return len(n.actions) - 1
}

// SetActions installs a charging-position list and hands it to the
// scheduler. It is used by clustering and when restoring a checkpoint.
func (n *Network) SetActions(actions []Point) error {
	if len(actions) < 2 {
		return fmt.Errorf("%w: got %d positions including depot", ErrEmptyActionList, len(actions))
	}
	if n.scheduler != nil {
		if err := n.scheduler.SetActionList(actions); err != nil {
			return fmt.Errorf("install action list: %w", err)
		}
	}
	n.actions = append([]Point(nil), actions...)
	for _, mc := range n.Chargers {
		if mc.State == StateUnassigned || mc.State >= len(n.actions) {
			mc.State = len(n.actions) - 1
		}
	}
	return nil
}

// Recluster recomputes the charging positions from current consumption.
func (n *Network) Recluster(ctx context.Context) error {
	if n.planner == nil {
		return fmt.Errorf("%w: no action planner configured", ErrEmptyActionList)
	}
	actions, err := n.planner.Plan(ctx, n.Nodes, n.BaseStation.Location)
	if err != nil {
		return fmt.Errorf("plan charging positions: %w", err)
	}
	if err := n.SetActions(actions); err != nil {
		return err
	}
	for _, node := range n.Nodes {
		node.SetCheckpoint()
	}
	n.log.Info(ctx, "charging positions computed", logging.Int("actions", len(n.actions)))
	return nil
}

// Start registers every node, the orchestration loop and the optional
// status reporter on the clock. It is idempotent.
func (n *Network) Start() {
	if n.started {
		return
	}
	n.started = true
	for _, node := range n.Nodes {
		n.clock.Schedule(node.quantum, node)
	}
	n.clock.Spawn(n)
	if n.statusInterval > 0 {
		n.clock.Schedule(n.statusInterval, timectrl.ProcessFunc(n.reportStatus))
	}
}

// Run starts the network if needed and drives the clock until liveness is
// lost, the horizon passes or ctx ends.
func (n *Network) Run(ctx context.Context, horizon time.Duration) (timectrl.RunResult, error) {
	n.Start()
	res, err := n.clock.Run(ctx, horizon)
	if n.err != nil {
		return res, n.err
	}
	return res, err
}

// Step implements timectrl.Process for the orchestration loop.
func (n *Network) Step(ctx context.Context, now time.Time) (time.Duration, bool) {
	switch n.phase {
	case phaseStart:
		n.phase = phaseSense
		return n.tick / 10, false

	case phaseSense:
		n.SetLevels()
		n.alive = n.alive && n.CheckTargets()
		if !n.alive {
			n.log.Warn(ctx, "target coverage lost, stopping simulation",
				logging.Duration("sim_time", n.clock.Elapsed()),
				logging.Int("dead_nodes", len(n.DeadNodes())))
			n.observe()
			n.publish(true)
			n.clock.Stop()
			return 0, true
		}
		if n.clusterDue() {
			if err := n.Recluster(ctx); err != nil {
				return n.abort(ctx, err)
			}
		}
		n.phase = phaseAct
		return n.tick * 9 / 10, false

	default:
		n.act(ctx, now)
		if n.err != nil {
			return n.abort(ctx, n.err)
		}
		n.phase = phaseSense
		return n.tick / 10, false
	}
}

// clusterDue reports whether charging positions are still missing and the
// warm-up has passed. Sensing continues every tick until then.
func (n *Network) clusterDue() bool {
	return len(n.actions) == 0 && len(n.Chargers) > 0 && n.planner != nil &&
		n.clock.Elapsed() >= n.clusterWarmup
}

func (n *Network) abort(ctx context.Context, err error) (time.Duration, bool) {
	n.err = err
	n.log.Error(ctx, "simulation aborted", logging.Err(err))
	n.clock.Stop()
	return 0, true
}

func (n *Network) act(ctx context.Context, now time.Time) {
	n.CollectRequests()
	n.deliveredThisTick = 0
	if n.scheduler != nil && len(n.actions) >= 2 {
		dt := n.tick.Seconds()
		for _, mc := range n.Chargers {
			if err := mc.Step(ctx, n, now, dt); err != nil {
				n.err = err
				return
			}
		}
	}
	n.observe()
	n.publish(false)
}

// CollectRequests rebuilds the request set from every alive node at or
// below the watermark and returns it.
func (n *Network) CollectRequests() []Request {
	n.requests = n.requests[:0]
	for _, node := range n.Nodes {
		if node.Alive() && node.Energy <= node.Params.Threshold*n.requestFactor {
			node.IsRequesting = true
			n.requests = append(n.requests, Request{NodeID: node.ID, ConsumptionRate: node.ConsumptionRate()})
			continue
		}
		node.IsRequesting = false
	}
	return n.requests
}

func (n *Network) observe() {
	if n.metrics == nil {
		return
	}
	dead := 0
	for _, node := range n.Nodes {
		if !node.Alive() {
			dead++
		}
	}
	covered := 0
	for _, t := range n.Targets {
		if t.Covered {
			covered++
		}
	}
	stats := TickStats{
		SimTime:         n.clock.Elapsed(),
		AliveNodes:      len(n.Nodes) - dead,
		DeadNodes:       dead,
		NewDeaths:       dead - n.deadSeen,
		CoveredTargets:  covered,
		Targets:         len(n.Targets),
		Requests:        len(n.requests),
		EnergyDelivered: n.deliveredThisTick,
		Chargers:        make([]ChargerStats, 0, len(n.Chargers)),
	}
	n.deadSeen = dead
	for _, mc := range n.Chargers {
		stats.Chargers = append(stats.Chargers, ChargerStats{ID: mc.ID, Energy: mc.Energy, Mode: mc.Mode()})
	}
	n.metrics.ObserveTick(stats)
}

func (n *Network) publish(force bool) {
	if n.sink == nil {
		return
	}
	elapsed := n.clock.Elapsed()
	if !force && n.lastSnapshot > 0 && elapsed-n.lastSnapshot < n.snapshotInterval {
		return
	}
	n.lastSnapshot = elapsed
	n.sink.Publish(n.Snapshot())
}

func (n *Network) reportStatus(ctx context.Context, now time.Time) (time.Duration, bool) {
	if !n.alive || n.err != nil {
		return 0, true
	}
	for _, mc := range n.Chargers {
		n.log.Info(ctx, "charger status",
			logging.Int("charger", mc.ID),
			logging.String("mode", mc.Mode().String()),
			logging.Float("energy", mc.Energy),
			logging.Int("state", mc.State),
			logging.Float("x", mc.Current.X),
			logging.Float("y", mc.Current.Y))
	}
	n.log.Info(ctx, "network status",
		logging.Duration("sim_time", n.clock.Elapsed()),
		logging.Int("requests", len(n.requests)),
		logging.Int("dead_nodes", len(n.DeadNodes())),
		logging.Float("avg_energy", n.AverageEnergy()))
	return n.statusInterval, false
}

func (n *Network) connectionChanged(node *SensorNode, mc *MobileCharger, connected bool) {
	n.log.Debug(context.Background(), "charging connection changed",
		logging.Int("node", node.ID), logging.Int("charger", mc.ID), logging.Bool("connected", connected))
	if cr, ok := n.metrics.(ConnectionRecorder); ok {
		cr.ObserveConnection(node.ID, mc.ID, connected)
	}
}

// DeadNodes lists the nodes that have run out of energy.
func (n *Network) DeadNodes() []*SensorNode {
	var dead []*SensorNode
	for _, node := range n.Nodes {
		if !node.Alive() {
			dead = append(dead, node)
		}
	}
	return dead
}

// AverageEnergy is the mean residual energy over all nodes.
func (n *Network) AverageEnergy() float64 {
	if len(n.Nodes) == 0 {
		return 0
	}
	sum := 0.0
	for _, node := range n.Nodes {
		sum += node.Energy
	}
	return sum / float64(len(n.Nodes))
}

// MinEnergyNode returns the node with the least residual energy, lowest ID
// first on ties.
func (n *Network) MinEnergyNode() *SensorNode {
	var best *SensorNode
	for _, node := range n.Nodes {
		if best == nil || node.Energy < best.Energy {
			best = node
		}
	}
	return best
}

// Reset starts a new episode: nodes are refilled and revived, chargers
// return to the depot and liveness is restored. Pending activations are
// discarded and the next Run re-registers every process. The action list
// survives.
func (n *Network) Reset() {
	n.clock.Restart()
	n.started = false
	n.phase = phaseStart
	for _, node := range n.Nodes {
		node.ResetEnergy(node.Params.Capacity)
	}
	for _, mc := range n.Chargers {
		mc.Reset()
		if len(n.actions) > 0 {
			mc.State = n.DepotIndex()
		}
	}
	n.requests = n.requests[:0]
	n.alive = true
	n.err = nil
	n.deadSeen = 0
	n.SetLevels()
}
