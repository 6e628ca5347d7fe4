package core

import "sort"

// Path is the relay chain from a node toward the base station.
type Path struct {
	Nodes       []int
	ReachesBase bool
}

// Contains reports whether node id lies on the path.
func (p Path) Contains(id int) bool {
	for _, n := range p.Nodes {
		if n == id {
			return true
		}
	}
	return false
}

// SetLevels recomputes hop levels by breadth-first propagation from the base
// station's alive direct nodes, then rebuilds target coverage, the routing
// tree and relay loads. Dead nodes never receive a level.
func (n *Network) SetLevels() {
	for _, node := range n.Nodes {
		node.Level = -1
	}
	for _, t := range n.Targets {
		t.Covered = false
	}

	frontier := make([]*SensorNode, 0, len(n.BaseStation.DirectNodes))
	for _, node := range n.BaseStation.DirectNodes {
		if node.Alive() {
			node.Level = 1
			frontier = append(frontier, node)
		}
	}
	var next []*SensorNode
	for len(frontier) > 0 {
		for _, node := range frontier {
			for _, t := range node.targets {
				t.Covered = true
			}
			for _, nb := range node.neighbors {
				if nb.Alive() && nb.Level == -1 {
					nb.Level = node.Level + 1
					next = append(next, nb)
				}
			}
		}
		frontier, next = next, frontier[:0]
	}

	n.buildRoutes()
}

// CheckTargets reports whether every target is covered by a reachable node.
func (n *Network) CheckTargets() bool {
	for _, t := range n.Targets {
		if !t.Covered {
			return false
		}
	}
	return true
}

// buildRoutes picks each reachable node's next hop: level-1 nodes send to
// the base station, deeper nodes to the nearest alive neighbor one level up,
// ties broken by lowest ID. Relay loads are accumulated from the deepest
// level upward.
func (n *Network) buildRoutes() {
	order := make([]*SensorNode, 0, len(n.Nodes))
	for _, node := range n.Nodes {
		node.receiver = nil
		node.toBase = false
		node.relayLoad = 0
		if node.Level < 1 {
			continue
		}
		order = append(order, node)
		if node.Level == 1 {
			node.toBase = true
			continue
		}
		best := -1.0
		for _, nb := range node.neighbors {
			if !nb.Alive() || nb.Level != node.Level-1 {
				continue
			}
			d := node.Location.DistanceTo(nb.Location)
			if node.receiver == nil || d < best || (d == best && nb.ID < node.receiver.ID) {
				node.receiver = nb
				best = d
			}
		}
	}

	sort.SliceStable(order, func(i, j int) bool { return order[i].Level > order[j].Level })
	for _, node := range order {
		if node.receiver == nil {
			continue
		}
		out := node.relayLoad
		if len(node.targets) > 0 {
			out += node.Params.PacketRate
		}
		node.receiver.relayLoad += out
	}
}

// Paths walks every node's receiver chain. The walk is iterative and stops on
// a revisited node, so a malformed routing graph cannot loop.
func (n *Network) Paths() []Path {
	paths := make([]Path, 0, len(n.Nodes))
	for _, node := range n.Nodes {
		paths = append(paths, n.pathFrom(node))
	}
	return paths
}

func (n *Network) pathFrom(start *SensorNode) Path {
	visited := make(map[int]struct{}, len(n.Nodes))
	p := Path{}
	cur := start
	for steps := 0; cur != nil && steps <= len(n.Nodes); steps++ {
		if _, seen := visited[cur.ID]; seen {
			break
		}
		visited[cur.ID] = struct{}{}
		p.Nodes = append(p.Nodes, cur.ID)
		if cur.toBase {
			p.ReachesBase = true
			break
		}
		cur = cur.receiver
	}
	return p
}
