package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/signalsfoundry/wrsn-simulator/core"
	"github.com/signalsfoundry/wrsn-simulator/internal/api"
	"github.com/signalsfoundry/wrsn-simulator/internal/cluster"
	"github.com/signalsfoundry/wrsn-simulator/internal/logging"
	"github.com/signalsfoundry/wrsn-simulator/internal/observability"
	"github.com/signalsfoundry/wrsn-simulator/internal/optimizer"
	"github.com/signalsfoundry/wrsn-simulator/internal/persistence"
	"github.com/signalsfoundry/wrsn-simulator/timectrl"
)

// options is the parsed command line.
type options struct {
	scenario     string
	horizon      time.Duration
	budget       time.Duration
	tick         time.Duration
	seed         int64
	policy       string
	addr         string
	checkpointDB string
	snapshotRPS  float64
	realtime     bool
	keepServing  bool
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet("simulator", flag.ContinueOnError)
	fs.StringVar(&o.scenario, "scenario", "configs/scenario.yaml", "scenario file (YAML, or JSON by extension)")
	fs.DurationVar(&o.horizon, "horizon", 0, "simulated time limit; 0 keeps the scenario value (and 0 there means until coverage is lost)")
	fs.DurationVar(&o.budget, "budget", 0, "wall-clock budget for the run; 0 means unlimited")
	fs.DurationVar(&o.tick, "tick", 0, "network tick; 0 keeps the scenario value")
	fs.Int64Var(&o.seed, "seed", -1, "seed for clustering and exploration; negative keeps the scenario value")
	fs.StringVar(&o.policy, "policy", "", "charging policy: qlearning, greedy or fixed; empty keeps the scenario value")
	fs.StringVar(&o.addr, "addr", "", "HTTP address for /snapshot and /metrics; empty disables the API")
	fs.StringVar(&o.checkpointDB, "checkpoint-db", "", "SQLite file for Q-table checkpoints and run summaries; empty disables persistence")
	fs.Float64Var(&o.snapshotRPS, "snapshot-rps", 10, "maximum /snapshot requests per second")
	fs.BoolVar(&o.realtime, "realtime", false, "pace virtual time against the wall clock")
	fs.BoolVar(&o.keepServing, "serve", false, "keep the HTTP API up after the run until interrupted")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	return o, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx, log := logging.WithRunLogger(ctx, logging.NewFromEnv())
	if _, err := run(ctx, opts, log, os.Stdout); err != nil {
		log.Error(ctx, "simulation failed", logging.Err(err))
		os.Exit(1)
	}
}

// run executes one simulation and writes its summary as JSON to out.
func run(ctx context.Context, opts options, log logging.Logger, out io.Writer) (persistence.RunSummary, error) {
	ctx, runID := logging.EnsureRunID(ctx)
	started := time.Now().UTC()

	sc, err := core.LoadScenarioFile(opts.scenario)
	if err != nil {
		return persistence.RunSummary{}, err
	}
	applyOverrides(sc, opts)
	if err := sc.Validate(); err != nil {
		return persistence.RunSummary{}, fmt.Errorf("scenario after overrides: %w", err)
	}

	attrs := runAttributes(runID, opts.scenario, sc)
	tracing := observability.TracingConfigFromEnv()
	tracing.Run = attrs
	shutdownTracing, err := observability.InitTracing(ctx, tracing, log)
	if err != nil {
		return persistence.RunSummary{}, fmt.Errorf("tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	reg := prometheus.NewRegistry()
	collector, err := observability.NewSimCollector(reg)
	if err != nil {
		return persistence.RunSummary{}, fmt.Errorf("metrics: %w", err)
	}
	plannerMetrics, err := observability.NewPlannerCollector(reg)
	if err != nil {
		return persistence.RunSummary{}, fmt.Errorf("metrics: %w", err)
	}

	sched, err := optimizer.New(sc.Optimizer.Policy, optimizerConfig(sc.Optimizer),
		optimizer.WithLogger(log),
		optimizer.WithDecisionRecorder(collector))
	if err != nil {
		return persistence.RunSummary{}, err
	}
	builder := cluster.NewBuilder(cluster.Config{
		Clusters:    sc.Optimizer.Clusters,
		MaxReplicas: sc.Optimizer.MaxReplicas,
		Seed:        sc.Optimizer.Seed,
	}, log)
	builder.SetRecorder(plannerMetrics)

	var db *persistence.DB
	if opts.checkpointDB != "" {
		db, err = persistence.Open(opts.checkpointDB)
		if err != nil {
			return persistence.RunSummary{}, err
		}
		defer db.Close()
		preloadCheckpoint(ctx, db, sched, log)
	}

	mode := timectrl.Accelerated
	if opts.realtime {
		mode = timectrl.RealTime
	}
	clock := timectrl.NewClock(started, mode)
	store := &api.Store{}
	net, err := core.BuildNetwork(clock, sc,
		core.WithScheduler(sched),
		core.WithActionPlanner(builder),
		core.WithLogger(log),
		core.WithMetricsRecorder(collector),
		core.WithSnapshotSink(store))
	if err != nil {
		return persistence.RunSummary{}, err
	}

	var apiDone chan error
	if opts.addr != "" {
		srv := api.NewServer(store, rate.NewLimiter(rate.Limit(opts.snapshotRPS), int(opts.snapshotRPS)+1),
			api.WithMetricsHandler(collector.Handler()),
			api.WithLogger(log),
			withRuns(db))
		apiCtx, cancelAPI := context.WithCancel(ctx)
		defer cancelAPI()
		apiDone = make(chan error, 1)
		go func() { apiDone <- srv.ListenAndServe(apiCtx, opts.addr) }()
		defer func() {
			cancelAPI()
			if err := <-apiDone; err != nil {
				log.Warn(ctx, "http api exited", logging.Err(err))
			}
		}()
	}

	runCtx := ctx
	if opts.budget > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, opts.budget)
		defer cancel()
	}

	log.Info(ctx, "simulation starting",
		logging.String("scenario", opts.scenario),
		logging.String("policy", sched.Name()),
		logging.Int("nodes", len(net.Nodes)),
		logging.Int("targets", len(net.Targets)),
		logging.Int("chargers", len(net.Chargers)),
		logging.Duration("horizon", core.Seconds(sc.Simulation.Horizon)),
		logging.Duration("budget", opts.budget))

	runCtx, span := observability.StartRunSpan(runCtx, attrs)
	res, runErr := net.Run(runCtx, core.Seconds(sc.Simulation.Horizon))
	stopReason := res.Reason.String()
	switch {
	case runErr == nil:
	case errors.Is(runErr, context.DeadlineExceeded) && ctx.Err() == nil:
		stopReason = "budget"
		log.Info(ctx, "wall-clock budget exhausted", logging.Duration("sim_time", res.Elapsed))
	case errors.Is(runErr, context.Canceled):
		stopReason = "interrupted"
		log.Warn(ctx, "simulation interrupted", logging.Duration("sim_time", res.Elapsed))
	default:
		observability.EndRunSpan(span, "error", res.Elapsed, net.Alive(), runErr)
		return persistence.RunSummary{}, runErr
	}
	observability.EndRunSpan(span, stopReason, res.Elapsed, net.Alive(), nil)

	summary := persistence.RunSummary{
		ID:              runID,
		Scenario:        opts.scenario,
		Policy:          sched.Name(),
		Seed:            int64(sc.Optimizer.Seed),
		StartedAt:       started,
		FinishedAt:      time.Now().UTC(),
		SimSeconds:      res.Elapsed.Seconds(),
		StopReason:      stopReason,
		Alive:           net.Alive(),
		DeadNodes:       len(net.DeadNodes()),
		AvgEnergy:       net.AverageEnergy(),
		EnergyDelivered: energyDelivered(net),
	}
	log.Info(ctx, "simulation finished",
		logging.String("stop_reason", stopReason),
		logging.Duration("sim_time", res.Elapsed),
		logging.Int("activations", res.Activations),
		logging.Bool("alive", summary.Alive),
		logging.Int("dead_nodes", summary.DeadNodes),
		logging.Float("energy_delivered", summary.EnergyDelivered))

	if db != nil {
		saveCheckpoint(ctx, db, runID, sched, log)
		if err := db.SaveRun(summary); err != nil {
			log.Warn(ctx, "failed to record run", logging.Err(err))
		}
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return summary, fmt.Errorf("write summary: %w", err)
	}

	if opts.keepServing && apiDone != nil {
		log.Info(ctx, "run complete; serving until interrupted", logging.String("addr", opts.addr))
		<-ctx.Done()
	}
	return summary, nil
}

func applyOverrides(sc *core.Scenario, opts options) {
	if opts.horizon > 0 {
		sc.Simulation.Horizon = opts.horizon.Seconds()
	}
	if opts.tick > 0 {
		sc.Simulation.Tick = opts.tick.Seconds()
	}
	if opts.seed >= 0 {
		sc.Optimizer.Seed = uint64(opts.seed)
	}
	if opts.policy != "" {
		sc.Optimizer.Policy = opts.policy
	}
}

// runAttributes tags traces with the run. Decisions estimates one scheduler
// call per tick per charger.
func runAttributes(runID, scenario string, sc *core.Scenario) observability.RunAttributes {
	attrs := observability.RunAttributes{
		RunID:    runID,
		Scenario: scenario,
		Policy:   sc.Optimizer.Policy,
		Seed:     sc.Optimizer.Seed,
		Nodes:    len(sc.Nodes),
		Chargers: sc.Chargers,
	}
	if sc.Simulation.Horizon > 0 && sc.Simulation.Tick > 0 {
		attrs.Decisions = int(sc.Simulation.Horizon/sc.Simulation.Tick) * sc.Chargers
	}
	return attrs
}

func optimizerConfig(o core.OptimizerSpec) optimizer.Config {
	return optimizer.Config{
		Alpha:     o.Alpha,
		QAlpha:    o.QAlpha,
		QGamma:    o.QGamma,
		Epsilon:   o.Epsilon,
		Variant:   optimizer.Variant(o.Variant),
		LowEnergy: o.LowEnergy,
		Seed:      o.Seed,
	}
}

func preloadCheckpoint(ctx context.Context, db *persistence.DB, sched core.Scheduler, log logging.Logger) {
	ql, ok := sched.(*optimizer.QLearning)
	if !ok {
		return
	}
	cp, err := db.LatestCheckpoint(sched.Name())
	if errors.Is(err, persistence.ErrCheckpointNotFound) {
		log.Info(ctx, "no stored q-table; starting from zero")
		return
	}
	if err != nil {
		log.Warn(ctx, "failed to load checkpoint", logging.Err(err))
		return
	}
	ql.Preload(cp)
	log.Info(ctx, "q-table staged for restore",
		logging.String("fingerprint", fmt.Sprintf("%016x", cp.Fingerprint)),
		logging.Int("actions", len(cp.Actions)))
}

func saveCheckpoint(ctx context.Context, db *persistence.DB, runID string, sched core.Scheduler, log logging.Logger) {
	ql, ok := sched.(*optimizer.QLearning)
	if !ok {
		return
	}
	cp, err := ql.Checkpoint()
	if err != nil {
		log.Info(ctx, "no q-table to checkpoint", logging.Err(err))
		return
	}
	if err := db.SaveCheckpoint(runID, sched.Name(), cp); err != nil {
		log.Warn(ctx, "failed to save checkpoint", logging.Err(err))
		return
	}
	log.Info(ctx, "q-table checkpoint saved",
		logging.String("fingerprint", fmt.Sprintf("%016x", cp.Fingerprint)))
}

func withRuns(db *persistence.DB) api.Option {
	if db == nil {
		return func(*api.Server) {}
	}
	return api.WithRunLister(db)
}

func energyDelivered(net *core.Network) float64 {
	total := 0.0
	for _, mc := range net.Chargers {
		total += mc.EnergyDelivered()
	}
	return total
}
