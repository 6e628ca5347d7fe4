package optimizer

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/signalsfoundry/wrsn-simulator/core"
	"github.com/signalsfoundry/wrsn-simulator/internal/logging"
)

// Greedy serves the request with the shortest remaining lifetime from the
// non-terminal action closest to it.
type Greedy struct {
	policyBase
	alpha     float64
	lowEnergy float64
}

// NewGreedy constructs a Greedy policy. alpha and lowEnergy have the same
// meaning as in Config.
func NewGreedy(alpha, lowEnergy float64, opts ...Option) *Greedy {
	return &Greedy{policyBase: newPolicyBase("greedy", opts), alpha: alpha, lowEnergy: lowEnergy}
}

// SetActionList implements core.Scheduler.
func (g *Greedy) SetActionList(actions []core.Point) error { return g.installActions(actions) }

// Decide implements core.Scheduler.
func (g *Greedy) Decide(ctx context.Context, mc *core.MobileCharger, net *core.Network, now time.Time) (core.Decision, error) {
	start := time.Now()
	if len(g.actions) < 2 {
		return core.Decision{}, fmt.Errorf("%w: no action list installed", core.ErrEmptyActionList)
	}
	reqs := net.Requests()
	if len(reqs) == 0 {
		g.observe(core.DecisionIdle, start)
		return g.idle(mc), nil
	}
	if mc.Energy < g.lowEnergy {
		dec := g.forcedDepot(ctx, mc)
		g.observe(dec.Kind, start)
		return dec, nil
	}

	urgent := reqs[0]
	best := math.Inf(1)
	for _, r := range reqs {
		node := net.Nodes[r.NodeID]
		life := math.Inf(1)
		if r.ConsumptionRate > 0 {
			life = (node.Energy - node.Params.Threshold) / r.ConsumptionRate
		}
		if life < best {
			best, urgent = life, r
		}
	}

	loc := net.Nodes[urgent.NodeID].Location
	action, nearest := 0, math.Inf(1)
	for i, p := range g.actions[:g.depot()] {
		if d := p.DistanceTo(loc); d < nearest {
			action, nearest = i, d
		}
	}
	dec := core.Decision{
		Dispatch:     true,
		Action:       action,
		Destination:  g.actions[action],
		ChargingTime: seconds(chargingTime(g.actions[action], reqs, net, mc, g.alpha)),
		Kind:         core.DecisionPolicy,
	}
	g.log.Debug(ctx, "charger dispatched",
		logging.Int("charger", mc.ID),
		logging.Int("node", urgent.NodeID),
		logging.Int("action", action),
		logging.Duration("charging_time", dec.ChargingTime))
	g.observe(dec.Kind, start)
	return dec, nil
}

// FixedRoute visits the non-terminal actions in a fixed cycle.
type FixedRoute struct {
	policyBase
	alpha     float64
	lowEnergy float64
	next      int
}

// NewFixedRoute constructs a FixedRoute policy.
func NewFixedRoute(alpha, lowEnergy float64, opts ...Option) *FixedRoute {
	return &FixedRoute{policyBase: newPolicyBase("fixed", opts), alpha: alpha, lowEnergy: lowEnergy}
}

// SetActionList implements core.Scheduler and restarts the cycle.
func (f *FixedRoute) SetActionList(actions []core.Point) error {
	if err := f.installActions(actions); err != nil {
		return err
	}
	f.next = 0
	return nil
}

// Decide implements core.Scheduler.
func (f *FixedRoute) Decide(ctx context.Context, mc *core.MobileCharger, net *core.Network, now time.Time) (core.Decision, error) {
	start := time.Now()
	if len(f.actions) < 2 {
		return core.Decision{}, fmt.Errorf("%w: no action list installed", core.ErrEmptyActionList)
	}
	if len(net.Requests()) == 0 {
		f.observe(core.DecisionIdle, start)
		return f.idle(mc), nil
	}
	if mc.Energy < f.lowEnergy {
		dec := f.forcedDepot(ctx, mc)
		f.observe(dec.Kind, start)
		return dec, nil
	}

	action := f.next
	f.next = (f.next + 1) % f.depot()
	dec := core.Decision{
		Dispatch:     true,
		Action:       action,
		Destination:  f.actions[action],
		ChargingTime: seconds(chargingTime(f.actions[action], net.Requests(), net, mc, f.alpha)),
		Kind:         core.DecisionPolicy,
	}
	f.observe(dec.Kind, start)
	return dec, nil
}

// New builds the named policy from cfg. Known names are "qlearning",
// "greedy" and "fixed".
func New(name string, cfg Config, opts ...Option) (core.Scheduler, error) {
	switch name {
	case "", "qlearning":
		return NewQLearning(cfg, opts...), nil
	case "greedy":
		return NewGreedy(cfg.Alpha, cfg.LowEnergy, opts...), nil
	case "fixed":
		return NewFixedRoute(cfg.Alpha, cfg.LowEnergy, opts...), nil
	default:
		return nil, fmt.Errorf("unknown policy %q", name)
	}
}
