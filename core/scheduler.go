package core

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrEmptyTopology indicates a scenario without nodes or targets.
	ErrEmptyTopology = errors.New("topology has no nodes or targets")
	// ErrInvalidCharger indicates charger constants that cannot drive a run.
	ErrInvalidCharger = errors.New("invalid mobile charger parameters")
	// ErrInvalidNode indicates sensor constants that cannot drive a run.
	ErrInvalidNode = errors.New("invalid sensor node parameters")
	// ErrEmptyActionList indicates the action planner produced no usable
	// charging positions.
	ErrEmptyActionList = errors.New("action list is empty")
)

// DecisionKind labels how a scheduler reached a decision.
type DecisionKind string

const (
	// DecisionIdle means no request was pending and nothing was dispatched.
	DecisionIdle DecisionKind = "idle"
	// DecisionPolicy is an exploit step of the policy.
	DecisionPolicy DecisionKind = "policy"
	// DecisionExplore is a random exploration step.
	DecisionExplore DecisionKind = "explore"
	// DecisionForcedDepot sends a low-energy charger home.
	DecisionForcedDepot DecisionKind = "forced_depot"
)

// Decision is a scheduler's answer for one charger.
type Decision struct {
	// Dispatch is false when no request is pending; the charger stays put.
	Dispatch     bool
	Action       int
	Destination  Point
	ChargingTime time.Duration
	Kind         DecisionKind
}

// Scheduler decides where a charger goes next and how long it charges there.
// Implementations are called from the single simulation goroutine.
type Scheduler interface {
	Name() string
	// SetActionList installs the candidate charging positions. The last
	// entry is the depot.
	SetActionList(actions []Point) error
	Decide(ctx context.Context, mc *MobileCharger, net *Network, now time.Time) (Decision, error)
}

// ActionPlanner turns the current node field into candidate charging
// positions, appending depot as the final entry.
type ActionPlanner interface {
	Plan(ctx context.Context, nodes []*SensorNode, depot Point) ([]Point, error)
}

// MetricsRecorder receives per-tick aggregates from the Network.
type MetricsRecorder interface {
	ObserveTick(stats TickStats)
}

// TickStats is the per-tick summary handed to a MetricsRecorder.
type TickStats struct {
	SimTime         time.Duration
	AliveNodes      int
	DeadNodes       int
	NewDeaths       int
	CoveredTargets  int
	Targets         int
	Requests        int
	EnergyDelivered float64
	Chargers        []ChargerStats
}

// ChargerStats describes one charger at the end of a tick.
type ChargerStats struct {
	ID     int
	Energy float64
	Mode   ChargerMode
}

// SnapshotSink receives read-only snapshots for external consumers.
type SnapshotSink interface {
	Publish(s *Snapshot)
}
