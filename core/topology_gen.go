package core

import (
	"fmt"
	"math"
	"math/rand/v2"

	opensimplex "github.com/ojrac/opensimplex-go"
)

// TopologyConfig controls synthetic field generation.
type TopologyConfig struct {
	Width   float64
	Height  float64
	Nodes   int
	Targets int
	Seed    int64
	// Octaves and Frequency shape the node-density noise field.
	Octaves   int
	Frequency float64
	// MinDensity is the acceptance floor so sparse regions still get nodes.
	MinDensity float64
}

// DefaultTopologyConfig is a 1000x1000 m field with 100 nodes and 10 targets.
func DefaultTopologyConfig() TopologyConfig {
	return TopologyConfig{
		Width:      1000,
		Height:     1000,
		Nodes:      100,
		Targets:    10,
		Seed:       1,
		Octaves:    3,
		Frequency:  3,
		MinDensity: 0.2,
	}
}

// GenerateTopology places nodes by rejection sampling against layered
// simplex noise, so the field has dense clusters and sparse gaps. Targets
// are dropped within sensing range of random nodes so every target starts
// monitored. The base station sits at the field centre. Physical constants
// come from DefaultScenario.
func GenerateTopology(cfg TopologyConfig) (*Scenario, error) {
	if cfg.Nodes <= 0 || cfg.Targets <= 0 {
		return nil, fmt.Errorf("%w: %d nodes, %d targets", ErrEmptyTopology, cfg.Nodes, cfg.Targets)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("GenerateTopology: field %vx%v must be positive", cfg.Width, cfg.Height)
	}
	if cfg.Octaves <= 0 {
		cfg.Octaves = 1
	}
	if cfg.Frequency <= 0 {
		cfg.Frequency = 1
	}

	sc := DefaultScenario()
	noise := opensimplex.NewNormalized(cfg.Seed)
	rng := rand.New(rand.NewPCG(uint64(cfg.Seed), 0x9e3779b97f4a7c15))

	maxAttempts := cfg.Nodes * 1000
	for attempts := 0; len(sc.Nodes) < cfg.Nodes; attempts++ {
		x := rng.Float64() * cfg.Width
		y := rng.Float64() * cfg.Height
		density := octaveNoise(noise, x/cfg.Width, y/cfg.Height, cfg.Octaves, cfg.Frequency, 0.5)
		if attempts < maxAttempts && rng.Float64() > math.Max(density, cfg.MinDensity) {
			continue
		}
		sc.Nodes = append(sc.Nodes, Coord{X: round1(x), Y: round1(y)})
	}

	sense := sc.NodePhy.SenseRange
	for len(sc.Targets) < cfg.Targets {
		anchor := sc.Nodes[rng.IntN(len(sc.Nodes))]
		r := rng.Float64() * sense * 0.9
		theta := rng.Float64() * 2 * math.Pi
		x := clamp(anchor.X+r*math.Cos(theta), 0, cfg.Width)
		y := clamp(anchor.Y+r*math.Sin(theta), 0, cfg.Height)
		sc.Targets = append(sc.Targets, Coord{X: round1(x), Y: round1(y)})
	}

	sc.BaseStation = Coord{X: cfg.Width / 2, Y: cfg.Height / 2}
	return &sc, nil
}

// octaveNoise layers several noise frequencies into a value in [0, 1].
func octaveNoise(noise opensimplex.Noise, x, y float64, octaves int, frequency, persistence float64) float64 {
	total := 0.0
	amplitude := 1.0
	maxVal := 0.0
	for i := 0; i < octaves; i++ {
		total += noise.Eval2(x*frequency, y*frequency) * amplitude
		maxVal += amplitude
		amplitude *= persistence
		frequency *= 2
	}
	return total / maxVal
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
