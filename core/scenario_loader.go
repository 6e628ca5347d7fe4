// core/scenario_loader.go
package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/wrsn-simulator/timectrl"
)

// Scenario is the on-disk description of a run: topology, physical
// constants, policy settings and simulation timing. Times are in seconds.
type Scenario struct {
	BaseStation Coord   `json:"base_station" yaml:"base_station"`
	Nodes       []Coord `json:"nodes" yaml:"nodes"`
	Targets     []Coord `json:"targets" yaml:"targets"`
	Chargers    int     `json:"chargers" yaml:"chargers"`

	NodePhy    NodePhySpec    `json:"node_phy_spe" yaml:"node_phy_spe"`
	ChargerPhy ChargerPhySpec `json:"mc_phy_spe" yaml:"mc_phy_spe"`
	Optimizer  OptimizerSpec  `json:"optimizer" yaml:"optimizer"`
	Simulation SimulationSpec `json:"simulation" yaml:"simulation"`
}

// NodePhySpec holds the sensor constants shared by every node.
type NodePhySpec struct {
	Capacity    float64 `json:"capacity" yaml:"capacity"`
	Threshold   float64 `json:"threshold" yaml:"threshold"`
	ComRange    float64 `json:"com_range" yaml:"com_range"`
	SenseRange  float64 `json:"sen_range" yaml:"sen_range"`
	IdleEnergy  float64 `json:"idle_energy" yaml:"idle_energy"`
	SenseEnergy float64 `json:"sense_energy" yaml:"sense_energy"`
	PacketRate  float64 `json:"package_rate" yaml:"package_rate"`
	RadioParams `yaml:",inline"`
}

// ChargerPhySpec holds the mobile charger constants.
type ChargerPhySpec struct {
	Capacity       float64 `json:"capacity" yaml:"capacity"`
	Threshold      float64 `json:"threshold" yaml:"threshold"`
	Velocity       float64 `json:"velocity" yaml:"velocity"`
	Pm             float64 `json:"pm" yaml:"pm"`
	Alpha          float64 `json:"alpha" yaml:"alpha"`
	Beta           float64 `json:"beta" yaml:"beta"`
	ChargingRange  float64 `json:"charging_range" yaml:"charging_range"`
	Epsilon        float64 `json:"epsilon" yaml:"epsilon"`
	SelfChargeRate float64 `json:"self_charge_rate" yaml:"self_charge_rate"`
}

// OptimizerSpec configures the charging policy and the clustering step.
type OptimizerSpec struct {
	// Policy is "qlearning", "greedy" or "fixed".
	Policy string `json:"policy" yaml:"policy"`
	// Clusters is the number of charging positions, excluding the depot.
	Clusters    int     `json:"clusters" yaml:"clusters"`
	MaxReplicas int     `json:"max_replicas" yaml:"max_replicas"`
	Alpha       float64 `json:"alpha" yaml:"alpha"`
	QAlpha      float64 `json:"q_alpha" yaml:"q_alpha"`
	QGamma      float64 `json:"q_gamma" yaml:"q_gamma"`
	Epsilon     float64 `json:"epsilon" yaml:"epsilon"`
	// Variant selects the TD update: "full" or "simple".
	Variant   string  `json:"variant" yaml:"variant"`
	LowEnergy float64 `json:"low_energy" yaml:"low_energy"`
	Seed      uint64  `json:"seed" yaml:"seed"`
}

// SimulationSpec holds the loop timing, all in seconds.
type SimulationSpec struct {
	Tick             float64 `json:"tick" yaml:"tick"`
	Horizon          float64 `json:"horizon" yaml:"horizon"`
	ClusterWarmup    float64 `json:"cluster_warmup" yaml:"cluster_warmup"`
	RequestFactor    float64 `json:"request_factor" yaml:"request_factor"`
	SnapshotInterval float64 `json:"snapshot_interval" yaml:"snapshot_interval"`
	StatusInterval   float64 `json:"status_interval" yaml:"status_interval"`
}

// Seconds converts a scenario time value to a Duration.
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Coord decodes either a [x, y] pair or an {x, y} mapping.
type Coord Point

// UnmarshalJSON implements json.Unmarshaler.
func (c *Coord) UnmarshalJSON(b []byte) error {
	var pair []float64
	if err := json.Unmarshal(b, &pair); err == nil {
		return c.fromPair(pair)
	}
	var p Point
	if err := json.Unmarshal(b, &p); err != nil {
		return fmt.Errorf("coordinate: %w", err)
	}
	*c = Coord(p)
	return nil
}

// MarshalJSON writes the compact pair form.
func (c Coord) MarshalJSON() ([]byte, error) {
	return json.Marshal([]float64{c.X, c.Y})
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (c *Coord) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.SequenceNode {
		var pair []float64
		if err := node.Decode(&pair); err != nil {
			return fmt.Errorf("coordinate at line %d: %w", node.Line, err)
		}
		return c.fromPair(pair)
	}
	var p Point
	if err := node.Decode(&p); err != nil {
		return fmt.Errorf("coordinate at line %d: %w", node.Line, err)
	}
	*c = Coord(p)
	return nil
}

// MarshalYAML writes the compact pair form.
func (c Coord) MarshalYAML() (any, error) {
	n := &yaml.Node{}
	if err := n.Encode([]float64{c.X, c.Y}); err != nil {
		return nil, err
	}
	n.Style = yaml.FlowStyle
	return n, nil
}

func (c *Coord) fromPair(pair []float64) error {
	if len(pair) != 2 {
		return fmt.Errorf("coordinate: want [x, y], got %d values", len(pair))
	}
	c.X, c.Y = pair[0], pair[1]
	return nil
}

// DefaultScenario returns the constants used for any field a scenario file
// leaves at zero.
func DefaultScenario() Scenario {
	return Scenario{
		Chargers: 1,
		NodePhy: NodePhySpec{
			Capacity:    10800,
			Threshold:   108,
			ComRange:    80,
			SenseRange:  40,
			IdleEnergy:  0.01,
			SenseEnergy: 0.05,
			PacketRate:  1,
			RadioParams: RadioParams{Elec: 50e-9, FreeSpace: 10e-12, Multipath: 0.0013e-12, PacketSize: 4000},
		},
		ChargerPhy: ChargerPhySpec{
			Capacity:      108000,
			Threshold:     540,
			Velocity:      5,
			Pm:            1,
			Alpha:         3600,
			Beta:          30,
			ChargingRange: 80,
			Epsilon:       1e-3,
		},
		Optimizer: OptimizerSpec{
			Policy:      "qlearning",
			Clusters:    30,
			MaxReplicas: 50,
			Alpha:       0.5,
			QAlpha:      0.1,
			QGamma:      0.1,
			Epsilon:     0,
			Variant:     "full",
			LowEnergy:   540,
			Seed:        1,
		},
		Simulation: SimulationSpec{
			Tick:           1,
			ClusterWarmup:  DefaultClusterWarmup.Seconds(),
			RequestFactor:  DefaultRequestFactor,
			StatusInterval: 50,
		},
	}
}

// LoadScenarioFile reads a scenario from path. Files ending in .json are
// decoded as JSON; everything else as YAML.
func LoadScenarioFile(path string) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("LoadScenarioFile: %w", err)
	}
	defer f.Close()
	format := "yaml"
	if strings.EqualFold(filepath.Ext(path), ".json") {
		format = "json"
	}
	return LoadScenario(f, format)
}

// LoadScenario decodes a scenario from r, fills defaults and validates it.
// Unknown fields are rejected so typos do not silently fall back to
// defaults.
func LoadScenario(r io.Reader, format string) (*Scenario, error) {
	sc := DefaultScenario()
	switch strings.ToLower(format) {
	case "json":
		dec := json.NewDecoder(r)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&sc); err != nil {
			return nil, fmt.Errorf("LoadScenario: decode json: %w", err)
		}
	case "yaml", "yml", "":
		raw, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("LoadScenario: read: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&sc); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("LoadScenario: decode yaml: %w", err)
		}
	default:
		return nil, fmt.Errorf("LoadScenario: unsupported format %q", format)
	}
	sc.applyDefaults()
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// applyDefaults restores defaults for fields a file explicitly zeroed where
// zero is never meaningful.
func (sc *Scenario) applyDefaults() {
	def := DefaultScenario()
	if sc.Simulation.Tick <= 0 {
		sc.Simulation.Tick = def.Simulation.Tick
	}
	if sc.Simulation.RequestFactor <= 0 {
		sc.Simulation.RequestFactor = def.Simulation.RequestFactor
	}
	if sc.Optimizer.Policy == "" {
		sc.Optimizer.Policy = def.Optimizer.Policy
	}
	if sc.Optimizer.Variant == "" {
		sc.Optimizer.Variant = def.Optimizer.Variant
	}
	if sc.Optimizer.Clusters <= 0 {
		sc.Optimizer.Clusters = def.Optimizer.Clusters
	}
	if sc.ChargerPhy.Epsilon <= 0 {
		sc.ChargerPhy.Epsilon = def.ChargerPhy.Epsilon
	}
}

// Validate checks the structural constraints a run cannot recover from.
func (sc *Scenario) Validate() error {
	if len(sc.Nodes) == 0 || len(sc.Targets) == 0 {
		return fmt.Errorf("%w: %d nodes, %d targets", ErrEmptyTopology, len(sc.Nodes), len(sc.Targets))
	}
	if sc.Chargers < 0 {
		return fmt.Errorf("%w: negative charger count %d", ErrInvalidCharger, sc.Chargers)
	}
	if sc.Chargers > 0 {
		if err := sc.chargerParams().Validate(); err != nil {
			return err
		}
		if sc.Optimizer.LowEnergy >= sc.ChargerPhy.Capacity {
			return fmt.Errorf("%w: low_energy %v must be below charger capacity %v",
				ErrInvalidCharger, sc.Optimizer.LowEnergy, sc.ChargerPhy.Capacity)
		}
	}
	np := sc.NodePhy
	if np.Capacity <= 0 || np.Threshold < 0 || np.Threshold >= np.Capacity || np.ComRange <= 0 {
		return fmt.Errorf("%w: capacity %v, threshold %v, com range %v",
			ErrInvalidNode, np.Capacity, np.Threshold, np.ComRange)
	}
	switch sc.Optimizer.Variant {
	case "full", "simple":
	default:
		return fmt.Errorf("optimizer: unknown variant %q", sc.Optimizer.Variant)
	}
	return nil
}

func (sc *Scenario) nodeParams() NodeParams {
	np := sc.NodePhy
	return NodeParams{
		Capacity:    np.Capacity,
		Threshold:   np.Threshold,
		ComRange:    np.ComRange,
		SenseRange:  np.SenseRange,
		IdleEnergy:  np.IdleEnergy,
		SenseEnergy: np.SenseEnergy,
		PacketRate:  np.PacketRate,
		Radio:       np.RadioParams,
	}
}

func (sc *Scenario) chargerParams() ChargerParams {
	cp := sc.ChargerPhy
	return ChargerParams{
		Capacity:       cp.Capacity,
		Threshold:      cp.Threshold,
		Velocity:       cp.Velocity,
		Pm:             cp.Pm,
		Alpha:          cp.Alpha,
		Beta:           cp.Beta,
		ChargingRange:  cp.ChargingRange,
		Epsilon:        cp.Epsilon,
		SelfChargeRate: cp.SelfChargeRate,
	}
}

// NetworkOptions translates the simulation section into Network options.
func (sc *Scenario) NetworkOptions() []Option {
	s := sc.Simulation
	return []Option{
		WithTick(Seconds(s.Tick)),
		WithClusterWarmup(Seconds(s.ClusterWarmup)),
		WithRequestFactor(s.RequestFactor),
		WithSnapshotInterval(Seconds(s.SnapshotInterval)),
		WithStatusInterval(Seconds(s.StatusInterval)),
	}
}

// BuildNetwork instantiates nodes, targets and chargers and wires them into
// a Network driven by clock. Extra options are applied after the scenario's
// own, so callers can override timing.
func BuildNetwork(clock *timectrl.Clock, sc *Scenario, opts ...Option) (*Network, error) {
	if sc == nil {
		return nil, fmt.Errorf("BuildNetwork: scenario is nil")
	}
	params := sc.nodeParams()
	nodes := make([]*SensorNode, 0, len(sc.Nodes))
	for _, c := range sc.Nodes {
		nodes = append(nodes, NewSensorNode(Point(c), params))
	}
	targets := make([]*Target, 0, len(sc.Targets))
	for _, c := range sc.Targets {
		targets = append(targets, &Target{Location: Point(c)})
	}
	depot := Point(sc.BaseStation)
	chargers := make([]*MobileCharger, 0, sc.Chargers)
	for i := 0; i < sc.Chargers; i++ {
		chargers = append(chargers, NewMobileCharger(i, depot, sc.chargerParams()))
	}
	all := append(sc.NetworkOptions(), opts...)
	return NewNetwork(clock, NetworkConfig{
		Nodes:       nodes,
		Targets:     targets,
		BaseStation: depot,
		Chargers:    chargers,
	}, all...)
}
