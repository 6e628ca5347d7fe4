package core

import (
	"context"
	"fmt"
	"time"

	"github.com/signalsfoundry/wrsn-simulator/internal/logging"
)

// ChargerParams are the physical constants of a mobile charger.
type ChargerParams struct {
	Capacity  float64
	Threshold float64
	Velocity  float64
	// Pm is the movement energy per metre travelled.
	Pm float64
	// Alpha and Beta parameterise the alpha/(d+beta)² charging-power model.
	Alpha         float64
	Beta          float64
	ChargingRange float64
	// Epsilon is the arrival tolerance in metres.
	Epsilon float64
	// SelfChargeRate is the depot recharge rate (J/s); zero recharges
	// instantly.
	SelfChargeRate float64
}

// Validate checks the constants a run cannot recover from.
func (p ChargerParams) Validate() error {
	switch {
	case p.Capacity <= 0:
		return fmt.Errorf("%w: capacity %v must be positive", ErrInvalidCharger, p.Capacity)
	case p.Velocity <= 0:
		return fmt.Errorf("%w: velocity %v must be positive", ErrInvalidCharger, p.Velocity)
	case p.Threshold < 0 || p.Threshold >= p.Capacity:
		return fmt.Errorf("%w: threshold %v outside [0, capacity)", ErrInvalidCharger, p.Threshold)
	case p.Pm < 0 || p.ChargingRange < 0 || p.SelfChargeRate < 0:
		return fmt.Errorf("%w: negative pm, charging range or self-charge rate", ErrInvalidCharger)
	}
	return nil
}

// ChargerMode is the externally visible state of the charger state machine.
type ChargerMode int

const (
	ModeDeactivated ChargerMode = iota
	ModeMoving
	ModeCharging
	ModeSelfCharging
)

func (m ChargerMode) String() string {
	switch m {
	case ModeMoving:
		return "moving"
	case ModeCharging:
		return "charging"
	case ModeSelfCharging:
		return "self_charging"
	default:
		return "deactivated"
	}
}

// ChargerStatus reports whether the charger can still act.
type ChargerStatus int

const (
	ChargerOperational ChargerStatus = iota
	// ChargerHalted means the battery emptied away from the depot.
	ChargerHalted
)

// StateUnassigned is the charger state before an action list exists.
const StateUnassigned = -1

// MobileCharger travels between charging positions and recharges nodes.
type MobileCharger struct {
	ID     int
	Params ChargerParams
	Energy float64

	Current Point
	Start   Point
	End     Point

	// State indexes the scheduler's action list; the last index is the depot.
	State  int
	Status ChargerStatus

	isActive       bool
	isStanding     bool
	isSelfCharging bool

	home           Point
	chargingBudget float64
	delivered      float64
	lastDecision   Decision
}

// NewMobileCharger places a fully charged charger at the depot.
func NewMobileCharger(id int, depot Point, params ChargerParams) *MobileCharger {
	if params.Epsilon <= 0 {
		params.Epsilon = 1e-3
	}
	return &MobileCharger{
		ID:         id,
		Params:     params,
		Energy:     params.Capacity,
		Current:    depot,
		Start:      depot,
		End:        depot,
		State:      StateUnassigned,
		home:       depot,
		isStanding: true,
	}
}

// Mode derives the state-machine mode from the activity flags.
func (mc *MobileCharger) Mode() ChargerMode {
	switch {
	case !mc.isActive:
		return ModeDeactivated
	case !mc.isStanding:
		return ModeMoving
	case !mc.isSelfCharging:
		return ModeCharging
	default:
		return ModeSelfCharging
	}
}

// ChargingBudget is the charging time left at the current position.
func (mc *MobileCharger) ChargingBudget() time.Duration {
	return time.Duration(mc.chargingBudget * float64(time.Second))
}

// LastDecision returns the most recent scheduler decision.
func (mc *MobileCharger) LastDecision() Decision { return mc.lastDecision }

// EnergyDelivered is the cumulative energy handed to nodes.
func (mc *MobileCharger) EnergyDelivered() float64 { return mc.delivered }

// Reset returns the charger to the depot, full and deactivated.
func (mc *MobileCharger) Reset() {
	mc.Energy = mc.Params.Capacity
	mc.Current, mc.Start, mc.End = mc.home, mc.home, mc.home
	mc.Status = ChargerOperational
	mc.isActive, mc.isStanding, mc.isSelfCharging = false, true, false
	mc.chargingBudget = 0
	mc.lastDecision = Decision{}
}

// Step evaluates exactly one transition or per-tick effect of dt seconds.
func (mc *MobileCharger) Step(ctx context.Context, net *Network, now time.Time, dt float64) error {
	if mc.Status == ChargerHalted {
		return nil
	}

	if mc.Energy < mc.Params.Threshold && !mc.isSelfCharging {
		mc.returnToDepot(net)
		net.log.Warn(ctx, "charger energy low, returning to depot",
			logging.Int("charger", mc.ID), logging.Float("energy", mc.Energy))
		return nil
	}

	switch mc.Mode() {
	case ModeDeactivated:
		if len(net.requests) > 0 {
			return mc.decide(ctx, net, now)
		}
	case ModeMoving:
		mc.move(dt)
	case ModeCharging:
		if mc.chargingBudget <= 0 {
			mc.release(net)
			return mc.decide(ctx, net, now)
		}
		mc.chargeNodes(net, dt)
	case ModeSelfCharging:
		if mc.Energy >= mc.Params.Capacity {
			return mc.decide(ctx, net, now)
		}
		mc.recharge(dt)
	}
	return nil
}

func (mc *MobileCharger) decide(ctx context.Context, net *Network, now time.Time) error {
	if net.scheduler == nil {
		return nil
	}
	dec, err := net.scheduler.Decide(ctx, mc, net, now)
	if err != nil {
		return fmt.Errorf("charger %d: decide: %w", mc.ID, err)
	}
	mc.lastDecision = dec
	if !dec.Dispatch {
		mc.isActive = false
		mc.chargingBudget = 0
		return nil
	}
	mc.isActive = true
	mc.State = dec.Action
	mc.setCourse(dec.Destination)
	mc.chargingBudget = dec.ChargingTime.Seconds()
	return nil
}

func (mc *MobileCharger) returnToDepot(net *Network) {
	mc.release(net)
	mc.isActive = true
	mc.State = net.DepotIndex()
	mc.setCourse(net.BaseStation.Location)
	mc.chargingBudget = 0
}

func (mc *MobileCharger) setCourse(dest Point) {
	mc.Start = mc.Current
	mc.End = dest
	mc.isStanding = mc.Current.DistanceTo(dest) < mc.Params.Epsilon
	if mc.isStanding {
		mc.Current = dest
	}
	mc.isSelfCharging = dest.DistanceTo(mc.home) < mc.Params.Epsilon
}

func (mc *MobileCharger) move(dt float64) {
	next, moved, arrived := mc.Current.MoveToward(mc.End, mc.Params.Velocity*dt)
	mc.Current = next
	mc.Energy -= mc.Params.Pm * moved
	if mc.Energy <= 0 {
		mc.Energy = 0
		mc.Status = ChargerHalted
	}
	if arrived || mc.Current.DistanceTo(mc.End) < mc.Params.Epsilon {
		mc.Current = mc.End
		mc.isStanding = true
	}
}

func (mc *MobileCharger) chargeNodes(net *Network, dt float64) {
	if dt > mc.chargingBudget {
		dt = mc.chargingBudget
	}
	total := 0.0
	for _, n := range net.Nodes {
		total += n.Charge(mc, dt)
	}
	mc.Energy -= total
	if mc.Energy < 0 {
		mc.Energy = 0
	}
	mc.delivered += total
	net.deliveredThisTick += total
	mc.chargingBudget -= dt
}

func (mc *MobileCharger) recharge(dt float64) {
	if mc.Params.SelfChargeRate <= 0 {
		mc.Energy = mc.Params.Capacity
		return
	}
	mc.Energy += mc.Params.SelfChargeRate * dt
	if mc.Energy > mc.Params.Capacity {
		mc.Energy = mc.Params.Capacity
	}
}

// release drops every charging connection held by this charger.
func (mc *MobileCharger) release(net *Network) {
	for _, n := range net.Nodes {
		n.disconnect(mc)
	}
}
