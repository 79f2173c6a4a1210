package graph

import (
	"fmt"
	"sort"

	"atomforge/internal/atom"
	"atomforge/internal/config"
	"atomforge/internal/logging"
)

// Graph is the normalized, acyclic dependency graph for one plan. Immutable
// once built; readable without locks.
type Graph struct {
	Nodes     []string
	Edges     []atom.DependencyEdge
	TopoOrder []string
	Waves     []atom.Wave

	Broken   []atom.DependencyEdge
	Degraded bool

	succ  map[string][]string
	pred  map[string][]string
	level map[string]int
}

// GraphError reports a cycle-break ratio beyond the abort threshold.
type GraphError struct {
	Broken int
	Total  int
	Ratio  float64
}

func (e *GraphError) Error() string {
	return fmt.Sprintf("cycle breaking removed %d of %d edges (%.0f%%), plan aborted",
		e.Broken, e.Total, e.Ratio*100)
}

// Build normalizes a raw multi-graph, breaks cycles, topologically sorts
// and partitions into waves. Given the same raw graph it yields
// byte-identical order and partition across runs.
func Build(nodes []string, raw []atom.DependencyEdge, cfg config.GraphConfig) (*Graph, error) {
	timer := logging.StartTimer(logging.CategoryGraph, "Build")
	defer timer.Stop()

	g := &Graph{
		Nodes: append([]string(nil), nodes...),
		level: make(map[string]int),
	}
	sort.Strings(g.Nodes)

	g.Edges = normalize(g.Nodes, raw)
	total := len(g.Edges)

	g.breakCycles()
	if total > 0 {
		ratio := float64(len(g.Broken)) / float64(total)
		if ratio > cfg.CycleBreakAbortRatio {
			return nil, &GraphError{Broken: len(g.Broken), Total: total, Ratio: ratio}
		}
		if ratio > cfg.CycleBreakWarnRatio {
			g.Degraded = true
			logging.Get(logging.CategoryGraph).Warn(
				"Plan degraded: %d of %d edges broken (%.1f%% > %.1f%%)",
				len(g.Broken), total, ratio*100, cfg.CycleBreakWarnRatio*100)
		}
	}

	g.rebuildAdjacency()
	if err := g.topoSort(); err != nil {
		return nil, err
	}
	g.partitionWaves()

	logging.GraphDebug("Graph built: %d nodes, %d edges, %d waves, %d broken",
		len(g.Nodes), len(g.Edges), len(g.Waves), len(g.Broken))
	return g, nil
}

// normalize drops self-loops, unknown endpoints and duplicate
// (from, to, kind) triples, and fixes canonical weights.
func normalize(nodes []string, raw []atom.DependencyEdge) []atom.DependencyEdge {
	known := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		known[n] = struct{}{}
	}

	seen := make(map[string]struct{}, len(raw))
	var edges []atom.DependencyEdge
	for _, e := range raw {
		if e.From == e.To {
			continue
		}
		if _, ok := known[e.From]; !ok {
			continue
		}
		if _, ok := known[e.To]; !ok {
			continue
		}
		e.Weight = e.Kind.Weight()
		key := e.Key()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		edges = append(edges, e)
	}
	sortEdges(edges)
	return edges
}

// sortEdges orders edges deterministically: (from, to, kind rank).
func sortEdges(edges []atom.DependencyEdge) {
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		if edges[i].To != edges[j].To {
			return edges[i].To < edges[j].To
		}
		return edges[i].Kind.Rank() < edges[j].Kind.Rank()
	})
}

// breakCycles removes minimum-weight edges inside strongly connected
// components until the graph is acyclic. Ties break by kind order
// (import > type > call > data), then lexicographic (from, to). Every
// removal is logged.
func (g *Graph) breakCycles() {
	for {
		g.rebuildAdjacency()
		components := g.stronglyConnected()

		var cyclic [][]string
		for _, comp := range components {
			if len(comp) > 1 {
				cyclic = append(cyclic, comp)
			}
		}
		if len(cyclic) == 0 {
			return
		}

		for _, comp := range cyclic {
			inComp := make(map[string]struct{}, len(comp))
			for _, n := range comp {
				inComp[n] = struct{}{}
			}

			victim := -1
			for i, e := range g.Edges {
				if _, ok := inComp[e.From]; !ok {
					continue
				}
				if _, ok := inComp[e.To]; !ok {
					continue
				}
				if victim < 0 || lessVictim(e, g.Edges[victim]) {
					victim = i
				}
			}
			if victim < 0 {
				continue
			}
			broken := g.Edges[victim]
			g.Edges = append(g.Edges[:victim], g.Edges[victim+1:]...)
			g.Broken = append(g.Broken, broken)
			logging.Get(logging.CategoryGraph).Warn(
				"Cycle break: removed %s edge %s -> %s (weight %.1f)",
				broken.Kind, broken.From, broken.To, broken.Weight)
			// Break one edge per pass so SCCs are recomputed before the
			// next removal.
			break
		}
	}
}

// lessVictim orders candidate edges for removal: lowest weight first, then
// kind order import > type > call > data, then lexicographic (from, to).
func lessVictim(a, b atom.DependencyEdge) bool {
	if a.Weight != b.Weight {
		return a.Weight < b.Weight
	}
	if a.Kind != b.Kind {
		return a.Kind.Rank() < b.Kind.Rank()
	}
	if a.From != b.From {
		return a.From < b.From
	}
	return a.To < b.To
}

func (g *Graph) rebuildAdjacency() {
	g.succ = make(map[string][]string, len(g.Nodes))
	g.pred = make(map[string][]string, len(g.Nodes))
	seen := make(map[string]struct{}, len(g.Edges))
	for _, e := range g.Edges {
		pair := e.From + "\x00" + e.To
		if _, dup := seen[pair]; dup {
			continue
		}
		seen[pair] = struct{}{}
		g.succ[e.From] = append(g.succ[e.From], e.To)
		g.pred[e.To] = append(g.pred[e.To], e.From)
	}
	for _, adj := range []map[string][]string{g.succ, g.pred} {
		for k := range adj {
			sort.Strings(adj[k])
		}
	}
}

// stronglyConnected returns Tarjan's SCCs over the current edge set.
func (g *Graph) stronglyConnected() [][]string {
	index := make(map[string]int, len(g.Nodes))
	low := make(map[string]int, len(g.Nodes))
	onStack := make(map[string]bool, len(g.Nodes))
	var stack []string
	var components [][]string
	counter := 0

	var strongconnect func(v string)
	strongconnect = func(v string) {
		index[v] = counter
		low[v] = counter
		counter++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range g.succ[v] {
			if _, visited := index[w]; !visited {
				strongconnect(w)
				if low[w] < low[v] {
					low[v] = low[w]
				}
			} else if onStack[w] && index[w] < low[v] {
				low[v] = index[w]
			}
		}

		if low[v] == index[v] {
			var comp []string
			for {
				n := len(stack) - 1
				w := stack[n]
				stack = stack[:n]
				onStack[w] = false
				comp = append(comp, w)
				if w == v {
					break
				}
			}
			components = append(components, comp)
		}
	}

	for _, v := range g.Nodes {
		if _, visited := index[v]; !visited {
			strongconnect(v)
		}
	}
	return components
}

// topoSort runs Kahn's algorithm with a deterministic lexicographic
// tie-break on atom ids.
func (g *Graph) topoSort() error {
	indegree := make(map[string]int, len(g.Nodes))
	for _, n := range g.Nodes {
		indegree[n] = len(g.pred[n])
	}

	var ready []string
	for _, n := range g.Nodes {
		if indegree[n] == 0 {
			ready = append(ready, n)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(g.Nodes))
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)

		var freed []string
		for _, m := range g.succ[n] {
			indegree[m]--
			if indegree[m] == 0 {
				freed = append(freed, m)
			}
		}
		if len(freed) > 0 {
			ready = append(ready, freed...)
			sort.Strings(ready)
		}
	}

	if len(order) != len(g.Nodes) {
		return fmt.Errorf("graph still cyclic after cycle breaking: %d of %d sorted",
			len(order), len(g.Nodes))
	}
	g.TopoOrder = order
	return nil
}

// partitionWaves level-assigns each node to 1 + max(level(pred)), 0 for
// sources, and groups nodes by level in ascending order. Members within a
// wave are sorted by id.
func (g *Graph) partitionWaves() {
	maxLevel := 0
	for _, n := range g.TopoOrder {
		level := 0
		for _, p := range g.pred[n] {
			if g.level[p]+1 > level {
				level = g.level[p] + 1
			}
		}
		g.level[n] = level
		if level > maxLevel {
			maxLevel = level
		}
	}

	g.Waves = make([]atom.Wave, maxLevel+1)
	for i := range g.Waves {
		g.Waves[i] = atom.Wave{Index: i, Status: atom.WavePending}
	}
	for _, n := range g.TopoOrder {
		w := g.level[n]
		g.Waves[w].AtomIDs = append(g.Waves[w].AtomIDs, n)
	}
	for i := range g.Waves {
		sort.Strings(g.Waves[i].AtomIDs)
	}
	if len(g.Nodes) == 0 {
		g.Waves = nil
	}
}

// Dependencies returns the direct predecessors of an atom, sorted.
func (g *Graph) Dependencies(id string) []string {
	return append([]string(nil), g.pred[id]...)
}

// Dependents returns the direct successors of an atom, sorted.
func (g *Graph) Dependents(id string) []string {
	return append([]string(nil), g.succ[id]...)
}

// TransitiveDependents returns every atom downstream of id.
func (g *Graph) TransitiveDependents(id string) []string {
	seen := make(map[string]struct{})
	var out []string
	var walk func(n string)
	walk = func(n string) {
		for _, m := range g.succ[n] {
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, m)
			walk(m)
		}
	}
	walk(id)
	sort.Strings(out)
	return out
}

// WaveOf returns the wave index for an atom, or -1.
func (g *Graph) WaveOf(id string) int {
	if level, ok := g.level[id]; ok {
		return level
	}
	return -1
}
