package optimizer

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/signalsfoundry/wrsn-simulator/core"
)

// pathWeightFloor keeps nodes that lie on no path from getting zero weight.
const pathWeightFloor = 1e-3

// rewardTerms holds the three reward components and the charging time for
// every action, each component normalised to sum to 1 over the action list.
type rewardTerms struct {
	first        []float64
	second       []float64
	third        []float64
	chargingTime []float64 // seconds
}

func (r rewardTerms) total() []float64 {
	out := make([]float64, len(r.first))
	floats.Add(out, r.first)
	floats.Add(out, r.second)
	floats.Add(out, r.third)
	return out
}

// computeRewards evaluates every candidate action against the current
// request set. alpha is the target energy ratio used by chargingTime.
func computeRewards(actions []core.Point, net *core.Network, mc *core.MobileCharger, alpha float64) rewardTerms {
	n := len(actions)
	reqs := net.Requests()
	terms := rewardTerms{
		first:        make([]float64, n),
		second:       make([]float64, n),
		third:        make([]float64, n),
		chargingTime: make([]float64, n),
	}

	paths := net.Paths()
	weights := pathWeights(reqs, paths)

	origin := mc.Current
	if mc.State >= 0 && mc.State < n {
		origin = actions[mc.State]
	}
	numTargets := float64(len(net.Targets))

	p := make([]float64, len(reqs))
	for a, pos := range actions {
		for i, r := range reqs {
			d := pos.DistanceTo(net.Nodes[r.NodeID].Location)
			p[i] = core.ChargingPower(mc.Params.Alpha, mc.Params.Beta, d)
		}
		ct := chargingTime(pos, reqs, net, mc, alpha)
		terms.chargingTime[a] = ct

		first := 0.0
		for i, r := range reqs {
			if e := net.Nodes[r.NodeID].Energy; e > 0 {
				first += r.ConsumptionRate * p[i] / e
			}
		}
		terms.first[a] = first

		move := origin.DistanceTo(pos) / mc.Params.Velocity
		alive := survivingPaths(paths, reqs, net, p, move, ct)
		if numTargets > 0 {
			terms.second[a] = float64(alive*alive) / numTargets
		}

		terms.third[a] = floats.Dot(weights, normalizedCopy(p))
	}

	normalize(terms.first)
	normalize(terms.second)
	normalize(terms.third)
	return terms
}

// chargingTime is how long a charger parked at pos must stay so every
// request it can out-supply reaches threshold + alpha*capacity, accounting
// for the drain while the charger travels there. Requests the charger cannot
// out-supply from pos do not constrain the time.
func chargingTime(pos core.Point, reqs []core.Request, net *core.Network, mc *core.MobileCharger, alpha float64) float64 {
	travel := mc.Current.DistanceTo(pos) / mc.Params.Velocity
	t := 0.0
	for _, r := range reqs {
		node := net.Nodes[r.NodeID]
		d := pos.DistanceTo(node.Location)
		if d > mc.Params.ChargingRange {
			continue
		}
		gain := core.ChargingPower(mc.Params.Alpha, mc.Params.Beta, d) - r.ConsumptionRate
		if gain <= 0 {
			continue
		}
		target := node.Params.Threshold + alpha*node.Params.Capacity
		arrival := node.Energy - r.ConsumptionRate*travel
		if ti := (target - arrival) / gain; ti > t {
			t = ti
		}
	}
	return t
}

// survivingPaths counts the paths that reach the base station and contain no
// request node projected to run dry before the charger is done.
func survivingPaths(paths []core.Path, reqs []core.Request, net *core.Network, p []float64, move, ct float64) int {
	dead := make(map[int]struct{})
	for i, r := range reqs {
		e := net.Nodes[r.NodeID].Energy - move*r.ConsumptionRate + (p[i]-r.ConsumptionRate)*ct
		if e < 0 {
			dead[r.NodeID] = struct{}{}
		}
	}
	count := 0
	for _, path := range paths {
		if !path.ReachesBase {
			continue
		}
		ok := true
		for _, id := range path.Nodes {
			if _, d := dead[id]; d {
				ok = false
				break
			}
		}
		if ok {
			count++
		}
	}
	return count
}

// pathWeights is each request node's share of the relay paths it lies on.
func pathWeights(reqs []core.Request, paths []core.Path) []float64 {
	w := make([]float64, len(reqs))
	for i, r := range reqs {
		for _, path := range paths {
			if path.Contains(r.NodeID) {
				w[i]++
			}
		}
	}
	total := floats.Sum(w) + float64(len(w))*pathWeightFloor
	for i := range w {
		w[i] = (w[i] + pathWeightFloor) / total
	}
	return w
}

// normalize scales v in place to sum to 1. A zero or non-finite sum means no
// preference and yields the uniform distribution.
func normalize(v []float64) {
	if len(v) == 0 {
		return
	}
	s := floats.Sum(v)
	if s == 0 || math.IsNaN(s) || math.IsInf(s, 0) {
		for i := range v {
			v[i] = 1 / float64(len(v))
		}
		return
	}
	floats.Scale(1/s, v)
}

func normalizedCopy(v []float64) []float64 {
	out := append([]float64(nil), v...)
	normalize(out)
	return out
}
