package kgraph

import (
	"fmt"
	"slices"
	"strings"

	"github.com/birdayz/kflow/knode"
)

// SortedNodes returns all nodes in topological order using Kahn's algorithm:
// every source of an edge comes before its target. Among nodes that become
// ready at the same time the order is not part of the contract.
//
// A graph with a cycle yields ErrCycleDetected and no partial result. The
// graph itself is never modified.
// Time complexity: O(V + E) where V is vertices and E is edges.
func (g *Graph) SortedNodes() ([]knode.Node, error) {
	inDegree := make(map[knode.Node]int, len(g.order))
	targets := make(map[knode.Node][]knode.Node, len(g.order))
	for _, n := range g.order {
		inDegree[n] = 0
	}
	for _, e := range g.edges {
		inDegree[e.Target]++
		targets[e.Source] = append(targets[e.Source], e.Target)
	}

	// Queue of nodes with no incoming edges
	queue := make([]knode.Node, 0, len(g.order))
	for _, n := range g.order {
		if inDegree[n] == 0 {
			queue = append(queue, n)
		}
	}

	result := make([]knode.Node, 0, len(g.order))
	remainingEdges := len(g.edges)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		result = append(result, n)

		for _, t := range targets[n] {
			remainingEdges--
			inDegree[t]--
			if inDegree[t] == 0 {
				queue = append(queue, t)
			}
		}
	}

	// If any edge is left, the remaining nodes form at least one cycle
	if remainingEdges > 0 {
		var stuck []string
		for _, n := range g.order {
			if inDegree[n] > 0 {
				stuck = append(stuck, g.names[n])
			}
		}
		slices.Sort(stuck) // Deterministic error message
		return nil, fmt.Errorf("%w: unresolved nodes: %s", ErrCycleDetected, strings.Join(stuck, ", "))
	}

	return result, nil
}
