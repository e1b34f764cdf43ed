package kgraph

import (
	"errors"
	"fmt"
	"strings"

	"github.com/birdayz/kflow/knode"
)

// Sentinel errors for common failure cases.
var (
	ErrNodeAlreadyExists = errors.New("node already exists")
	ErrNodeNotFound      = errors.New("node not found")
	ErrCycleDetected     = errors.New("cycle detected in graph")
	ErrInvalidNodeName   = errors.New("invalid node name")
	ErrInvalidTopology   = errors.New("invalid topology")
)

// Edge is a directed connection from Source to Target.
type Edge struct {
	Source knode.Node
	Target knode.Node
}

// Graph is a registry of named nodes and the directed edges between them.
//
// Graph is NOT safe for concurrent use and must not be modified while a
// stream built on it is running.
type Graph struct {
	nodes map[string]knode.Node
	names map[knode.Node]string

	// Deterministic node ordering (insertion order)
	order []knode.Node

	edges   []Edge
	edgeSet map[Edge]struct{}

	seq int
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		nodes:   make(map[string]knode.Node),
		names:   make(map[knode.Node]string),
		order:   make([]knode.Node, 0),
		edges:   make([]Edge, 0),
		edgeSet: make(map[Edge]struct{}),
	}
}

func validateName(name string) error {
	if strings.ContainsAny(name, " \t\n\r") {
		return fmt.Errorf("%w: %q cannot contain whitespace", ErrInvalidNodeName, name)
	}
	return nil
}

// Add registers a node under name and returns the name. An empty name is
// replaced by a generated one of the form node<N>.
func (g *Graph) Add(n knode.Node, name string) (string, error) {
	if n == nil {
		return "", fmt.Errorf("%w: nil node", ErrInvalidTopology)
	}
	if existing, ok := g.names[n]; ok {
		return "", fmt.Errorf("%w: node is already registered as %q", ErrNodeAlreadyExists, existing)
	}
	if name == "" {
		name = g.nextName()
	}
	if err := validateName(name); err != nil {
		return "", err
	}
	if _, exists := g.nodes[name]; exists {
		return "", fmt.Errorf("%w: %s", ErrNodeAlreadyExists, name)
	}

	g.nodes[name] = n
	g.names[n] = name
	g.order = append(g.order, n)
	return name, nil
}

// MustAdd is like Add but panics on error.
func (g *Graph) MustAdd(n knode.Node, name string) string {
	name, err := g.Add(n, name)
	if err != nil {
		panic(err)
	}
	return name
}

func (g *Graph) nextName() string {
	for {
		name := fmt.Sprintf("node%d", g.seq)
		g.seq++
		if _, taken := g.nodes[name]; !taken {
			return name
		}
	}
}

// Connect adds a directed edge. Connecting an already connected pair is a
// no-op.
func (g *Graph) Connect(source, target knode.Node) error {
	sourceName, ok := g.names[source]
	if !ok {
		return fmt.Errorf("%w: source %T is not registered", ErrNodeNotFound, source)
	}
	targetName, ok := g.names[target]
	if !ok {
		return fmt.Errorf("%w: target %T is not registered", ErrNodeNotFound, target)
	}

	if !source.Role().ProducesOutputs() {
		return fmt.Errorf("cannot connect %s -> %s: %w: %s nodes cannot have outputs",
			sourceName, targetName, ErrInvalidTopology, source.Role())
	}
	if !target.Role().AcceptsInputs() {
		return fmt.Errorf("cannot connect %s -> %s: %w: %s nodes cannot have inputs",
			sourceName, targetName, ErrInvalidTopology, target.Role())
	}

	e := Edge{Source: source, Target: target}
	if _, exists := g.edgeSet[e]; exists {
		return nil
	}
	g.edgeSet[e] = struct{}{}
	g.edges = append(g.edges, e)
	return nil
}

// ConnectNames is like Connect for registered node names.
func (g *Graph) ConnectNames(source, target string) error {
	s, ok := g.nodes[source]
	if !ok {
		return fmt.Errorf("%w: source %s", ErrNodeNotFound, source)
	}
	t, ok := g.nodes[target]
	if !ok {
		return fmt.Errorf("%w: target %s", ErrNodeNotFound, target)
	}
	return g.Connect(s, t)
}

// MustConnect is like Connect but panics on error.
func (g *Graph) MustConnect(source, target knode.Node) {
	if err := g.Connect(source, target); err != nil {
		panic(err)
	}
}

// Chain connects each node to the next one.
func (g *Graph) Chain(nodes ...knode.Node) error {
	for i := 1; i < len(nodes); i++ {
		if err := g.Connect(nodes[i-1], nodes[i]); err != nil {
			return err
		}
	}
	return nil
}

// Remove deletes a node and every edge touching it.
func (g *Graph) Remove(n knode.Node) error {
	name, ok := g.names[n]
	if !ok {
		return fmt.Errorf("%w: %T is not registered", ErrNodeNotFound, n)
	}

	delete(g.nodes, name)
	delete(g.names, n)
	for i, o := range g.order {
		if o == n {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}

	kept := g.edges[:0]
	for _, e := range g.edges {
		if e.Source == n || e.Target == n {
			delete(g.edgeSet, e)
			continue
		}
		kept = append(kept, e)
	}
	g.edges = kept
	return nil
}

// RemoveName is like Remove for a registered node name.
func (g *Graph) RemoveName(name string) error {
	n, ok := g.nodes[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, name)
	}
	return g.Remove(n)
}

// Node returns the node registered under name.
func (g *Graph) Node(name string) (knode.Node, bool) {
	n, ok := g.nodes[name]
	return n, ok
}

// NameOf returns the name a node is registered under.
func (g *Graph) NameOf(n knode.Node) (string, bool) {
	name, ok := g.names[n]
	return name, ok
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.order)
}

// Nodes returns all nodes in registration order.
func (g *Graph) Nodes() []knode.Node {
	out := make([]knode.Node, len(g.order))
	copy(out, g.order)
	return out
}

// Edges returns all edges in the order they were connected.
func (g *Graph) Edges() []Edge {
	out := make([]Edge, len(g.edges))
	copy(out, g.edges)
	return out
}

// Targets returns the direct successors of n in connection order.
func (g *Graph) Targets(n knode.Node) []knode.Node {
	var out []knode.Node
	for _, e := range g.edges {
		if e.Source == n {
			out = append(out, e.Target)
		}
	}
	return out
}

// Sources returns the direct predecessors of n in connection order.
func (g *Graph) Sources(n knode.Node) []knode.Node {
	var out []knode.Node
	for _, e := range g.edges {
		if e.Target == n {
			out = append(out, e.Source)
		}
	}
	return out
}
