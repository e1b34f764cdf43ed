// Package kgraph provides the node registry and edge set a stream is built
// from.
//
// # Basic Usage
//
//	g := kgraph.New()
//	src := g.MustAdd(&nodes.CSVSource{Path: "in.csv", Header: true}, "read")
//	agg := g.MustAdd(&nodes.Aggregate{Keys: []string{"type"}, Measures: []string{"v"}}, "")
//	_ = g.ConnectNames(src, agg)
//
//	order, err := g.SortedNodes()
//	if errors.Is(err, kgraph.ErrCycleDetected) {
//	    // the graph cannot be scheduled
//	}
//
// Nodes are identified by identity (they must be pointers) and by a unique
// name. Add generates a name of the form node<N> when none is given.
//
// # Edges
//
// Edges have set semantics: connecting the same pair twice is a no-op. The
// order in which edges are connected is preserved and defines the input
// order of multi-input nodes. Role checks happen at connection time: a
// target node cannot be the source of an edge and a source node cannot be
// its target (ErrInvalidTopology).
//
// # Validation
//
// Cycles are only detected when the graph is sorted (ErrCycleDetected), which
// happens when a stream starts and before any node runs.
//
// # Thread Safety
//
// IMPORTANT: Graph is NOT safe for concurrent use. Build it from a single
// goroutine and do not change it while a stream on top of it is running.
package kgraph
