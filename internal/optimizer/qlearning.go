// Package optimizer holds the charging policies that implement
// core.Scheduler: tabular Q-learning plus greedy and fixed-route baselines.
package optimizer

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/signalsfoundry/wrsn-simulator/core"
	"github.com/signalsfoundry/wrsn-simulator/internal/logging"
)

const tracerName = "github.com/signalsfoundry/wrsn-simulator/internal/optimizer"

// ErrActionListMismatch is returned when a Q-table is restored against an
// action list other than the one it was trained on.
var ErrActionListMismatch = errors.New("q-table action list mismatch")

// Variant selects the temporal-difference update rule.
type Variant string

const (
	// VariantFull bootstraps every column with the best value of the row it
	// leads to.
	VariantFull Variant = "full"
	// VariantSimple blends the reward in without bootstrapping.
	VariantSimple Variant = "simple"
)

// Config holds the Q-learning hyper-parameters.
type Config struct {
	// Alpha is the energy ratio a charged node should reach:
	// threshold + Alpha*capacity.
	Alpha   float64
	QAlpha  float64
	QGamma  float64
	Epsilon float64
	Variant Variant
	// LowEnergy forces the depot action when the charger holds less.
	LowEnergy float64
	Seed      uint64
}

// DefaultConfig returns the hyper-parameters used when a scenario leaves
// them unset.
func DefaultConfig() Config {
	return Config{
		Alpha:     0.5,
		QAlpha:    0.1,
		QGamma:    0.1,
		Epsilon:   0,
		Variant:   VariantFull,
		LowEnergy: 540,
		Seed:      1,
	}
}

// DecisionRecorder receives one observation per scheduler decision.
type DecisionRecorder interface {
	ObserveDecision(policy string, kind core.DecisionKind, elapsed time.Duration)
}

// Option configures a policy.
type Option func(*policyBase)

// WithLogger sets the policy logger.
func WithLogger(l logging.Logger) Option {
	return func(b *policyBase) {
		if l != nil {
			b.log = l
		}
	}
}

// WithDecisionRecorder attaches a metrics sink for decisions.
func WithDecisionRecorder(r DecisionRecorder) Option {
	return func(b *policyBase) { b.recorder = r }
}

// policyBase carries what every policy needs: the action list, logging and
// decision metrics.
type policyBase struct {
	name     string
	actions  []core.Point
	log      logging.Logger
	recorder DecisionRecorder
}

func newPolicyBase(name string, opts []Option) policyBase {
	b := policyBase{name: name, log: logging.Noop()}
	for _, opt := range opts {
		opt(&b)
	}
	b.log = b.log.With(logging.String("policy", name))
	return b
}

func (b *policyBase) Name() string { return b.name }

// Actions returns a copy of the installed action list.
func (b *policyBase) Actions() []core.Point { return append([]core.Point(nil), b.actions...) }

func (b *policyBase) installActions(actions []core.Point) error {
	if len(actions) < 2 {
		return fmt.Errorf("%w: got %d positions including depot", core.ErrEmptyActionList, len(actions))
	}
	b.actions = append([]core.Point(nil), actions...)
	return nil
}

func (b *policyBase) depot() int { return len(b.actions) - 1 }

func (b *policyBase) observe(kind core.DecisionKind, start time.Time) {
	if b.recorder != nil {
		b.recorder.ObserveDecision(b.name, kind, time.Since(start))
	}
}

func (b *policyBase) idle(mc *core.MobileCharger) core.Decision {
	return core.Decision{Action: mc.State, Destination: mc.End, Kind: core.DecisionIdle}
}

func (b *policyBase) forcedDepot(ctx context.Context, mc *core.MobileCharger) core.Decision {
	b.log.Info(ctx, "charger energy low, sending to depot",
		logging.Int("charger", mc.ID), logging.Float("energy", mc.Energy))
	return core.Decision{
		Dispatch:    true,
		Action:      b.depot(),
		Destination: b.actions[b.depot()],
		Kind:        core.DecisionForcedDepot,
	}
}

// QLearning is the online tabular Q-learning charging policy.
type QLearning struct {
	policyBase
	cfg Config
	rng *rand.Rand

	q           *mat.Dense
	fingerprint uint64
	last        rewardTerms
	pending     *Checkpoint
}

// NewQLearning constructs the policy. The Q-table is allocated when the
// action list is installed.
func NewQLearning(cfg Config, opts ...Option) *QLearning {
	if cfg.Variant == "" {
		cfg.Variant = VariantFull
	}
	return &QLearning{
		policyBase: newPolicyBase("qlearning", opts),
		cfg:        cfg,
		rng:        rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0xda942042e4dd58b5)),
	}
}

// SetActionList implements core.Scheduler. Re-installing the list the table
// was trained on keeps the table; any other list starts from zero.
func (ql *QLearning) SetActionList(actions []core.Point) error {
	if err := ql.installActions(actions); err != nil {
		return err
	}
	fp := Fingerprint(actions)
	n := len(actions)
	if ql.q != nil && fp == ql.fingerprint {
		if r, c := ql.q.Dims(); r == n && c == n {
			return nil
		}
	}
	ql.q = mat.NewDense(n, n, nil)
	ql.fingerprint = fp
	ql.last = rewardTerms{}
	if cp := ql.pending; cp != nil && cp.Fingerprint == fp {
		ql.pending = nil
		if err := ql.Restore(*cp); err != nil {
			ql.log.Warn(context.Background(), "discarding preloaded q-table", logging.Err(err))
		} else {
			ql.log.Info(context.Background(), "q-table restored from checkpoint",
				logging.Int("actions", n))
		}
	}
	return nil
}

// ResetPolicy zeroes the Q-table while keeping the action list.
func (ql *QLearning) ResetPolicy() {
	if ql.q != nil {
		ql.q.Zero()
	}
	ql.last = rewardTerms{}
}

// QTable returns a copy of the Q-table, or nil before an action list exists.
func (ql *QLearning) QTable() *mat.Dense {
	if ql.q == nil {
		return nil
	}
	return mat.DenseCopyOf(ql.q)
}

// Rewards returns copies of the last normalised reward terms.
func (ql *QLearning) Rewards() (first, second, third []float64) {
	cp := func(v []float64) []float64 { return append([]float64(nil), v...) }
	return cp(ql.last.first), cp(ql.last.second), cp(ql.last.third)
}

// ChargingTimes returns the per-action charging times from the last
// decision.
func (ql *QLearning) ChargingTimes() []time.Duration {
	out := make([]time.Duration, len(ql.last.chargingTime))
	for i, s := range ql.last.chargingTime {
		out[i] = seconds(s)
	}
	return out
}

// Decide implements core.Scheduler: score every action, apply the TD update
// to the charger's current row and pick the next action epsilon-greedily.
func (ql *QLearning) Decide(ctx context.Context, mc *core.MobileCharger, net *core.Network, now time.Time) (core.Decision, error) {
	start := time.Now()
	ctx, span := otel.Tracer(tracerName).Start(ctx, "optimizer.QLearning.Decide")
	defer span.End()
	span.SetAttributes(attribute.Int("charger.id", mc.ID))

	if ql.q == nil {
		err := fmt.Errorf("%w: no action list installed", core.ErrEmptyActionList)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return core.Decision{}, err
	}
	span.SetAttributes(attribute.Int("requests", len(net.Requests())))
	if len(net.Requests()) == 0 {
		ql.observe(core.DecisionIdle, start)
		return ql.idle(mc), nil
	}

	n := len(ql.actions)
	state := mc.State
	if state < 0 || state >= n {
		state = ql.depot()
	}

	ql.last = computeRewards(ql.actions, net, mc, ql.cfg.Alpha)
	ql.update(state, ql.last.total())

	var dec core.Decision
	if mc.Energy < ql.cfg.LowEnergy {
		dec = ql.forcedDepot(ctx, mc)
	} else {
		action, kind := ql.choose(state)
		dec = core.Decision{
			Dispatch:     true,
			Action:       action,
			Destination:  ql.actions[action],
			ChargingTime: seconds(ql.last.chargingTime[action]),
			Kind:         kind,
		}
	}

	span.SetAttributes(
		attribute.Int("decision.action", dec.Action),
		attribute.String("decision.kind", string(dec.Kind)),
		attribute.Float64("decision.charging_s", dec.ChargingTime.Seconds()),
	)
	ql.log.Debug(ctx, "charger dispatched",
		logging.Int("charger", mc.ID),
		logging.Int("from", state),
		logging.Int("action", dec.Action),
		logging.String("kind", string(dec.Kind)),
		logging.Duration("charging_time", dec.ChargingTime))
	ql.observe(dec.Kind, start)
	return dec, nil
}

// update applies the TD rule to row state. The full variant adds
// gamma*max(Q[a]) for every a != state, taking the maxima before the row is
// modified; the state's own column never bootstraps.
func (ql *QLearning) update(state int, reward []float64) {
	n := len(reward)
	row := ql.q.RawRowView(state)
	a, g := ql.cfg.QAlpha, ql.cfg.QGamma

	var bootstrap []float64
	if ql.cfg.Variant == VariantFull {
		bootstrap = make([]float64, n)
		for i := 0; i < n; i++ {
			if i != state {
				bootstrap[i] = g * floats.Max(ql.q.RawRowView(i))
			}
		}
	}
	for i := range row {
		target := reward[i]
		if bootstrap != nil {
			target += bootstrap[i]
		}
		row[i] = (1-a)*row[i] + a*target
	}
}

// choose picks epsilon-greedily from row state. The depot is never chosen
// here: exploration samples non-terminal actions and a greedy pick that
// lands on the depot falls back to the best non-terminal action.
func (ql *QLearning) choose(state int) (int, core.DecisionKind) {
	depot := ql.depot()
	if ql.cfg.Epsilon > 0 && ql.rng.Float64() < ql.cfg.Epsilon {
		return ql.rng.IntN(depot), core.DecisionExplore
	}
	row := ql.q.RawRowView(state)
	best := floats.MaxIdx(row)
	if best == depot {
		best = floats.MaxIdx(row[:depot])
	}
	return best, core.DecisionPolicy
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
