package core

import "time"

// Snapshot is a read-only copy of the simulation state for external
// consumers. It shares no memory with the live network.
type Snapshot struct {
	SimTime     time.Duration     `json:"sim_time"`
	Alive       bool              `json:"alive"`
	BaseStation Point             `json:"base_station"`
	Nodes       []NodeSnapshot    `json:"nodes"`
	Targets     []TargetSnapshot  `json:"targets"`
	Chargers    []ChargerSnapshot `json:"chargers"`
	Actions     []Point           `json:"actions"`
}

// NodeSnapshot is one sensor node in a Snapshot.
type NodeSnapshot struct {
	ID         int     `json:"id"`
	Location   Point   `json:"location"`
	Energy     float64 `json:"energy"`
	Level      int     `json:"level"`
	Status     string  `json:"status"`
	Requesting bool    `json:"requesting"`
	// ChargingRadius is the distance within which a charger out-supplies the
	// node's consumption.
	ChargingRadius float64 `json:"charging_radius"`
}

// TargetSnapshot is one target in a Snapshot.
type TargetSnapshot struct {
	ID       int   `json:"id"`
	Location Point `json:"location"`
	Covered  bool  `json:"covered"`
}

// ChargerSnapshot is one mobile charger in a Snapshot.
type ChargerSnapshot struct {
	ID          int     `json:"id"`
	Location    Point   `json:"location"`
	Destination Point   `json:"destination"`
	Energy      float64 `json:"energy"`
	Mode        string  `json:"mode"`
	State       int     `json:"state"`
	Halted      bool    `json:"halted"`
}

// Snapshot captures the current state.
func (n *Network) Snapshot() *Snapshot {
	s := &Snapshot{
		SimTime:     n.clock.Elapsed(),
		Alive:       n.alive,
		BaseStation: n.BaseStation.Location,
		Nodes:       make([]NodeSnapshot, 0, len(n.Nodes)),
		Targets:     make([]TargetSnapshot, 0, len(n.Targets)),
		Chargers:    make([]ChargerSnapshot, 0, len(n.Chargers)),
		Actions:     append([]Point(nil), n.actions...),
	}

	var alpha, beta float64
	if len(n.Chargers) > 0 {
		alpha, beta = n.Chargers[0].Params.Alpha, n.Chargers[0].Params.Beta
	}
	for _, node := range n.Nodes {
		s.Nodes = append(s.Nodes, NodeSnapshot{
			ID:             node.ID,
			Location:       node.Location,
			Energy:         node.Energy,
			Level:          node.Level,
			Status:         node.Status.String(),
			Requesting:     node.IsRequesting,
			ChargingRadius: ChargingRadius(alpha, beta, node.ConsumptionRate()),
		})
	}
	for _, t := range n.Targets {
		s.Targets = append(s.Targets, TargetSnapshot{ID: t.ID, Location: t.Location, Covered: t.Covered})
	}
	for _, mc := range n.Chargers {
		s.Chargers = append(s.Chargers, ChargerSnapshot{
			ID:          mc.ID,
			Location:    mc.Current,
			Destination: mc.End,
			Energy:      mc.Energy,
			Mode:        mc.Mode().String(),
			State:       mc.State,
			Halted:      mc.Status == ChargerHalted,
		})
	}
	return s
}
