package core

// Target is a point of interest that must stay monitored.
type Target struct {
	ID       int
	Location Point
	// Covered is recomputed every tick by Network.SetLevels.
	Covered bool
}

// BaseStation is the fixed data sink and charger depot.
type BaseStation struct {
	Location Point
	// DirectNodes are the nodes that reach the base station in one hop.
	DirectNodes []*SensorNode
}

// NewBaseStation constructs a base station at location.
func NewBaseStation(location Point) *BaseStation {
	return &BaseStation{Location: location}
}

// Probe records every node whose communication range covers the base
// station. It replaces any previous result.
func (bs *BaseStation) Probe(nodes []*SensorNode) {
	bs.DirectNodes = bs.DirectNodes[:0]
	for _, n := range nodes {
		if bs.Location.DistanceTo(n.Location) <= n.Params.ComRange {
			bs.DirectNodes = append(bs.DirectNodes, n)
		}
	}
}
