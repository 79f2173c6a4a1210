// Package graph computes dependency edges between atoms, repairs cycles,
// and partitions the resulting DAG into parallel execution waves.
package graph

import (
	"atomforge/internal/atom"
	"atomforge/internal/logging"
	"atomforge/internal/parser"
)

// Analyze computes the four edge classes (import, data, call, type) over
// the full atom set and returns a raw multi-graph. Duplicate (from, to,
// kind) triples and self-loops are the builder's problem, not ours.
func Analyze(units []*atom.AtomicUnit) []atom.DependencyEdge {
	timer := logging.StartTimer(logging.CategoryGraph, "Analyze")
	defer timer.Stop()

	// Symbol ownership: first declaring atom wins, matching the
	// decomposer's shared-declaration rule.
	owner := make(map[string]*atom.AtomicUnit)
	for _, u := range units {
		for _, decl := range u.Declares {
			if _, taken := owner[decl]; !taken {
				owner[decl] = u
			}
		}
	}

	imported := func(u *atom.AtomicUnit, symbol string) bool {
		if u.Context == nil {
			return false
		}
		for _, imp := range u.Context.Imports {
			if imp == symbol {
				return true
			}
		}
		return false
	}

	var edges []atom.DependencyEdge
	add := func(from, to *atom.AtomicUnit, kind atom.EdgeKind) {
		edges = append(edges, atom.DependencyEdge{
			From:   from.ID,
			To:     to.ID,
			Kind:   kind,
			Weight: kind.Weight(),
		})
	}

	for _, u := range units {
		for _, ref := range u.References {
			producer, ok := owner[ref]
			if !ok || producer.ID == u.ID {
				continue
			}
			// The edge direction is producer -> consumer: the producer must
			// be accepted before the consumer runs.
			if imported(u, ref) {
				add(producer, u, atom.EdgeImport)
			}
			switch producer.NodeKind {
			case string(parser.KindClass):
				add(producer, u, atom.EdgeType)
			case string(parser.KindFunction):
				add(producer, u, atom.EdgeCall)
			default:
				add(producer, u, atom.EdgeData)
			}
		}

		// Decomposer-declared sequencing (scaffold-less estimate slices,
		// intra-task ordering) surfaces as data-flow edges.
		for _, dep := range u.DependsOn {
			for _, producer := range units {
				if producer.ID == dep {
					add(producer, u, atom.EdgeData)
					break
				}
			}
		}
	}

	logging.GraphDebug("Analyzed %d atoms: %d raw edges", len(units), len(edges))
	return edges
}
