// Package cluster computes candidate charging positions by weighted k-means
// over the sensor field.
package cluster

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gonum.org/v1/gonum/floats"

	"github.com/signalsfoundry/wrsn-simulator/core"
	"github.com/signalsfoundry/wrsn-simulator/internal/logging"
)

const tracerName = "github.com/signalsfoundry/wrsn-simulator/internal/cluster"

// Config controls the clustering run.
type Config struct {
	// Clusters is the number of charging positions, excluding the depot.
	Clusters int
	// MaxReplicas caps how many times one node is repeated; 0 means no cap.
	MaxReplicas   int
	MaxIterations int
	Seed          uint64
}

// DefaultConfig mirrors the scenario defaults.
func DefaultConfig() Config {
	return Config{Clusters: 30, MaxReplicas: 50, MaxIterations: 100, Seed: 1}
}

// PlanRecorder receives one observation per clustering run.
type PlanRecorder interface {
	ObservePlan(positions, samples int, elapsed time.Duration)
}

// Builder implements core.ActionPlanner.
type Builder struct {
	cfg      Config
	log      logging.Logger
	recorder PlanRecorder
}

// NewBuilder constructs a Builder. A nil logger disables logging.
func NewBuilder(cfg Config, log logging.Logger) *Builder {
	if cfg.Clusters <= 0 {
		cfg.Clusters = DefaultConfig().Clusters
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultConfig().MaxIterations
	}
	if log == nil {
		log = logging.Noop()
	}
	return &Builder{cfg: cfg, log: log}
}

// SetRecorder attaches a metrics sink for clustering runs.
func (b *Builder) SetRecorder(r PlanRecorder) { b.recorder = r }

// Plan weights every alive node by its consumption rate, runs k-means and
// appends depot as the final position. Nodes draining faster are repeated
// more often, so centroids drift toward hungry regions. The result is
// deterministic for a fixed seed.
func (b *Builder) Plan(ctx context.Context, nodes []*core.SensorNode, depot core.Point) ([]core.Point, error) {
	start := time.Now()
	ctx, span := otel.Tracer(tracerName).Start(ctx, "cluster.Plan")
	defer span.End()

	samples := weightedSamples(nodes, b.cfg.MaxReplicas)
	if len(samples) == 0 {
		err := fmt.Errorf("%w: no sensor nodes to cluster", core.ErrEmptyActionList)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	k := b.cfg.Clusters
	if distinct := countDistinct(samples); k > distinct {
		k = distinct
	}
	centers, iters := kmeans(samples, k, b.cfg.MaxIterations, b.cfg.Seed)

	actions := make([]core.Point, 0, len(centers)+1)
	for _, c := range centers {
		actions = append(actions, core.Point{X: c[0], Y: c[1]})
	}
	actions = append(actions, depot)

	span.SetAttributes(
		attribute.Int("cluster.nodes", len(nodes)),
		attribute.Int("cluster.samples", len(samples)),
		attribute.Int("cluster.k", k),
		attribute.Int("cluster.iterations", iters),
	)
	b.log.Debug(ctx, "k-means converged",
		logging.Int("samples", len(samples)),
		logging.Int("k", k),
		logging.Int("iterations", iters))
	if b.recorder != nil {
		b.recorder.ObservePlan(len(actions), len(samples), time.Since(start))
	}
	return actions, nil
}

// weightedSamples repeats each node floor(rate/minRate) times. When no alive
// node has a positive rate every alive node is used once; when no node is
// alive the dead ones stand in so the field still gets positions.
func weightedSamples(nodes []*core.SensorNode, maxReplicas int) [][]float64 {
	pool := make([]*core.SensorNode, 0, len(nodes))
	for _, n := range nodes {
		if n.Alive() {
			pool = append(pool, n)
		}
	}
	if len(pool) == 0 {
		pool = nodes
	}

	minRate := math.Inf(1)
	for _, n := range pool {
		if r := n.ConsumptionRate(); r > 0 && r < minRate {
			minRate = r
		}
	}

	var samples [][]float64
	for _, n := range pool {
		repeat := 1
		if !math.IsInf(minRate, 1) {
			repeat = int(n.ConsumptionRate() / minRate)
		}
		if maxReplicas > 0 && repeat > maxReplicas {
			repeat = maxReplicas
		}
		for i := 0; i < repeat; i++ {
			samples = append(samples, []float64{n.Location.X, n.Location.Y})
		}
	}
	return samples
}

func countDistinct(samples [][]float64) int {
	seen := make(map[[2]float64]struct{}, len(samples))
	for _, s := range samples {
		seen[[2]float64{s[0], s[1]}] = struct{}{}
	}
	return len(seen)
}

// kmeans runs Lloyd's algorithm from a k-means++ seeding and returns the
// centres and the number of iterations used.
func kmeans(samples [][]float64, k, maxIter int, seed uint64) ([][]float64, int) {
	rng := rand.New(rand.NewPCG(seed, seed^0x5851f42d4c957f2d))
	centers := seedPlusPlus(samples, k, rng)

	assign := make([]int, len(samples))
	for i := range assign {
		assign[i] = -1
	}
	iter := 0
	for iter < maxIter {
		iter++
		changed := false
		for i, s := range samples {
			best := nearest(centers, s)
			if best != assign[i] {
				assign[i] = best
				changed = true
			}
		}
		if !changed {
			break
		}

		sums := make([][]float64, k)
		counts := make([]float64, k)
		for c := range sums {
			sums[c] = make([]float64, 2)
		}
		for i, s := range samples {
			floats.Add(sums[assign[i]], s)
			counts[assign[i]]++
		}
		for c := range centers {
			// An empty cluster keeps its previous centre.
			if counts[c] == 0 {
				continue
			}
			floats.Scale(1/counts[c], sums[c])
			centers[c] = sums[c]
		}
	}
	return centers, iter
}

func seedPlusPlus(samples [][]float64, k int, rng *rand.Rand) [][]float64 {
	centers := make([][]float64, 0, k)
	first := samples[rng.IntN(len(samples))]
	centers = append(centers, append([]float64(nil), first...))

	d2 := make([]float64, len(samples))
	for len(centers) < k {
		for i, s := range samples {
			d := floats.Distance(s, centers[nearest(centers, s)], 2)
			d2[i] = d * d
		}
		total := floats.Sum(d2)
		if total == 0 {
			break
		}
		r := rng.Float64() * total
		pick := len(samples) - 1
		acc := 0.0
		for i, w := range d2 {
			acc += w
			if acc >= r && w > 0 {
				pick = i
				break
			}
		}
		centers = append(centers, append([]float64(nil), samples[pick]...))
	}
	return centers
}

// nearest returns the index of the closest centre, lowest index on ties.
func nearest(centers [][]float64, s []float64) int {
	best, bestD := 0, math.Inf(1)
	for c, ctr := range centers {
		if d := floats.Distance(s, ctr, 2); d < bestD {
			best, bestD = c, d
		}
	}
	return best
}
