// Command topogen writes a synthetic WRSN scenario with noise-clustered node
// placement.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/wrsn-simulator/core"
	"github.com/signalsfoundry/wrsn-simulator/internal/logging"
)

func main() {
	log := logging.NewFromEnv()
	ctx := context.Background()

	cfg, chargers, out, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	w := io.Writer(os.Stdout)
	if out != "" {
		f, err := os.Create(out)
		if err != nil {
			log.Error(ctx, "failed to create output", logging.String("path", out), logging.Err(err))
			os.Exit(1)
		}
		defer f.Close()
		w = f
	}

	sc, err := generate(cfg, chargers, w)
	if err != nil {
		log.Error(ctx, "topology generation failed", logging.Err(err))
		os.Exit(1)
	}
	log.Info(ctx, "scenario written",
		logging.String("path", out),
		logging.Int("nodes", len(sc.Nodes)),
		logging.Int("targets", len(sc.Targets)),
		logging.Int("chargers", sc.Chargers))
}

func parseFlags(args []string) (core.TopologyConfig, int, string, error) {
	cfg := core.DefaultTopologyConfig()
	fs := flag.NewFlagSet("topogen", flag.ContinueOnError)
	fs.Float64Var(&cfg.Width, "width", cfg.Width, "field width in metres")
	fs.Float64Var(&cfg.Height, "height", cfg.Height, "field height in metres")
	fs.IntVar(&cfg.Nodes, "nodes", cfg.Nodes, "number of sensor nodes")
	fs.IntVar(&cfg.Targets, "targets", cfg.Targets, "number of targets")
	fs.Int64Var(&cfg.Seed, "seed", cfg.Seed, "noise and placement seed")
	fs.IntVar(&cfg.Octaves, "octaves", cfg.Octaves, "noise octaves")
	fs.Float64Var(&cfg.Frequency, "frequency", cfg.Frequency, "base noise frequency across the field")
	chargers := fs.Int("chargers", 1, "number of mobile chargers")
	out := fs.String("out", "", "output file; empty writes to stdout")
	if err := fs.Parse(args); err != nil {
		return cfg, 0, "", err
	}
	return cfg, *chargers, *out, nil
}

func generate(cfg core.TopologyConfig, chargers int, w io.Writer) (*core.Scenario, error) {
	sc, err := core.GenerateTopology(cfg)
	if err != nil {
		return nil, err
	}
	sc.Chargers = chargers
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(sc); err != nil {
		return nil, fmt.Errorf("encode scenario: %w", err)
	}
	return sc, enc.Close()
}
