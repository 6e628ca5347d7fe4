package core

import (
	"context"
	"sort"
	"time"
)

// NodeStatus is the liveness of a sensor node.
type NodeStatus int

const (
	NodeAlive NodeStatus = iota
	NodeDead
)

func (s NodeStatus) String() string {
	if s == NodeDead {
		return "dead"
	}
	return "alive"
}

// NodeParams are the physical constants shared by the sensor nodes of a
// scenario.
type NodeParams struct {
	Capacity   float64
	Threshold  float64
	ComRange   float64
	SenseRange float64
	// IdleEnergy is drained every second regardless of connectivity (J/s).
	IdleEnergy float64
	// SenseEnergy is drained every second by nodes monitoring a target (J/s).
	SenseEnergy float64
	// PacketRate is the number of packets a sensing node emits per second.
	PacketRate float64
	Radio      RadioParams
}

// SensorNode is a stationary, battery-powered sensor.
//
// Level, receiver and relay load are owned by the Network and recomputed
// every tick; the node itself only owns its energy and status.
type SensorNode struct {
	ID       int
	Location Point
	Energy   float64
	Params   NodeParams
	Status   NodeStatus

	// Level is the hop distance to the base station, or -1 if unreachable.
	Level        int
	IsRequesting bool

	neighbors []*SensorNode
	targets   []*Target

	// receiver is the next hop; nil with toBase set means the base station.
	receiver  *SensorNode
	toBase    bool
	relayLoad float64

	baseStation *BaseStation
	quantum     time.Duration

	// consumption bookkeeping since the last checkpoint
	consumed float64
	observed float64
	lastCost float64

	chargers     map[int]*MobileCharger
	onConnection func(n *SensorNode, mc *MobileCharger, connected bool)
}

// NewSensorNode constructs a node with full energy. IDs are reassigned by
// NewNetwork.
func NewSensorNode(location Point, params NodeParams) *SensorNode {
	return &SensorNode{
		Location: location,
		Energy:   params.Capacity,
		Params:   params,
		Status:   NodeAlive,
		Level:    -1,
		quantum:  time.Second,
		chargers: make(map[int]*MobileCharger),
	}
}

// Alive reports whether the node is still operating.
func (n *SensorNode) Alive() bool { return n.Status == NodeAlive }

// Neighbors returns the static set of nodes within mutual communication range.
func (n *SensorNode) Neighbors() []*SensorNode { return n.neighbors }

// Targets returns the targets this node monitors.
func (n *SensorNode) Targets() []*Target { return n.targets }

// Receiver returns the next hop toward the base station. ok is false when the
// node is unreachable; a nil node with ok=true means the base station itself.
func (n *SensorNode) Receiver() (next *SensorNode, ok bool) {
	if n.toBase {
		return nil, true
	}
	return n.receiver, n.receiver != nil
}

// RelayLoad is the number of packets per second this node forwards for others.
func (n *SensorNode) RelayLoad() float64 { return n.relayLoad }

// ConsumptionRate is the average energy drained per simulated second since
// the last checkpoint. Before any observation it falls back to the idle cost.
func (n *SensorNode) ConsumptionRate() float64 {
	if n.observed <= 0 {
		return n.Params.IdleEnergy
	}
	return n.consumed / n.observed
}

// SetCheckpoint restarts the consumption average.
func (n *SensorNode) SetCheckpoint() {
	n.consumed = 0
	n.observed = 0
}

// Step implements timectrl.Process: one depletion quantum.
func (n *SensorNode) Step(ctx context.Context, now time.Time) (time.Duration, bool) {
	if !n.Alive() {
		return 0, true
	}
	n.Deplete(n.quantum.Seconds())
	return n.quantum, !n.Alive()
}

// CostPerSecond is the node's current drain rate given its routing role.
// Unreachable nodes pay the idle cost only.
func (n *SensorNode) CostPerSecond() float64 {
	cost := n.Params.IdleEnergy
	if n.Level < 1 {
		return cost
	}
	packets := n.relayLoad
	if len(n.targets) > 0 {
		cost += n.Params.SenseEnergy
		packets += n.Params.PacketRate
	}
	d := n.distanceToReceiver()
	cost += packets * TransmitEnergy(n.Params.Radio, d)
	cost += n.relayLoad * ReceiveEnergy(n.Params.Radio)
	return cost
}

// Deplete drains dt seconds worth of energy. It returns true if the node died
// during this call. Energy never drops below Threshold.
func (n *SensorNode) Deplete(dt float64) bool {
	if !n.Alive() || dt <= 0 {
		return false
	}
	cost := n.CostPerSecond() * dt
	return n.drain(cost, dt)
}

func (n *SensorNode) drain(cost, dt float64) bool {
	n.lastCost = cost
	n.consumed += cost
	n.observed += dt
	n.Energy -= cost
	if n.Energy <= n.Params.Threshold {
		n.Energy = n.Params.Threshold
		n.Status = NodeDead
		n.IsRequesting = false
		n.releaseChargers()
		return true
	}
	return false
}

// Charge is called by a charging MobileCharger once per step. Nodes in range
// receive power·dt, bounded by capacity; the delivered energy is returned.
func (n *SensorNode) Charge(mc *MobileCharger, dt float64) float64 {
	if !n.Alive() || dt <= 0 {
		n.disconnect(mc)
		return 0
	}
	d := n.Location.DistanceTo(mc.Current)
	if d > mc.Params.ChargingRange {
		n.disconnect(mc)
		return 0
	}
	n.connect(mc)
	add := ChargingPower(mc.Params.Alpha, mc.Params.Beta, d) * dt
	if room := n.Params.Capacity - n.Energy; add > room {
		add = room
	}
	if add < 0 {
		add = 0
	}
	n.Energy += add
	return add
}

// ConnectedChargers returns how many chargers are currently feeding the node.
func (n *SensorNode) ConnectedChargers() int { return len(n.chargers) }

// ResetEnergy restores the node to energy e and revives it.
func (n *SensorNode) ResetEnergy(e float64) {
	if e > n.Params.Capacity {
		e = n.Params.Capacity
	}
	n.Energy = e
	n.Status = NodeAlive
	n.IsRequesting = false
	n.releaseChargers()
	n.SetCheckpoint()
}

func (n *SensorNode) connect(mc *MobileCharger) {
	if _, ok := n.chargers[mc.ID]; ok {
		return
	}
	n.chargers[mc.ID] = mc
	if n.onConnection != nil {
		n.onConnection(n, mc, true)
	}
}

func (n *SensorNode) disconnect(mc *MobileCharger) {
	if _, ok := n.chargers[mc.ID]; !ok {
		return
	}
	delete(n.chargers, mc.ID)
	if n.onConnection != nil {
		n.onConnection(n, mc, false)
	}
}

// releaseChargers disconnects every held charger in ID order.
func (n *SensorNode) releaseChargers() {
	ids := make([]int, 0, len(n.chargers))
	for id := range n.chargers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		n.disconnect(n.chargers[id])
	}
}

func (n *SensorNode) distanceToReceiver() float64 {
	if n.toBase && n.baseStation != nil {
		return n.Location.DistanceTo(n.baseStation.Location)
	}
	if n.receiver != nil {
		return n.Location.DistanceTo(n.receiver.Location)
	}
	return 0
}
