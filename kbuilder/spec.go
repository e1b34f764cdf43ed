package kbuilder

import (
	"fmt"
	"io"
	"maps"
	"os"
	"slices"

	"github.com/birdayz/kflow/kgraph"
	"github.com/goccy/go-yaml"
)

// NodeSpec declares one node of a pipeline.
type NodeSpec struct {
	Type   string `yaml:"type"`
	Config Config `yaml:"config"`
}

// Spec is a declarative pipeline: named nodes and the connections between
// them. Each connection lists two or more node names and is connected as a
// chain.
//
//	nodes:
//	  read:  {type: csv_source, config: {path: in.csv, header: true}}
//	  write: {type: csv_target, config: {path: out.csv}}
//	connections:
//	  - [read, write]
type Spec struct {
	Nodes       map[string]NodeSpec `yaml:"nodes"`
	Connections [][]string          `yaml:"connections"`
}

// LoadSpec reads a YAML pipeline spec.
func LoadSpec(r io.Reader) (Spec, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return Spec{}, fmt.Errorf("read spec: %w", err)
	}

	var spec Spec
	if err := yaml.UnmarshalWithOptions(b, &spec, yaml.DisallowUnknownField()); err != nil {
		return Spec{}, fmt.Errorf("%w: %w", ErrInvalidSpec, err)
	}
	if err := spec.Validate(); err != nil {
		return Spec{}, err
	}
	return spec, nil
}

// LoadSpecFile is like LoadSpec for a file path.
func LoadSpecFile(path string) (Spec, error) {
	f, err := os.Open(path)
	if err != nil {
		return Spec{}, err
	}
	defer f.Close()
	return LoadSpec(f)
}

// Validate checks the spec for problems that do not need a registry.
func (s Spec) Validate() error {
	if len(s.Nodes) == 0 {
		return fmt.Errorf("%w: no nodes", ErrInvalidSpec)
	}
	for name, ns := range s.Nodes {
		if ns.Type == "" {
			return fmt.Errorf("%w: node %s has no type", ErrInvalidSpec, name)
		}
	}
	for i, c := range s.Connections {
		if len(c) < 2 {
			return fmt.Errorf("%w: connection #%d needs at least two nodes", ErrInvalidSpec, i)
		}
		for _, name := range c {
			if _, ok := s.Nodes[name]; !ok {
				return fmt.Errorf("%w: connection #%d references unknown node %s", ErrInvalidSpec, i, name)
			}
		}
	}
	return nil
}

// Build creates every node through reg and connects them. Nodes are added in
// name order.
func Build(reg *Registry, spec Spec) (*kgraph.Graph, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	g := kgraph.New()
	for _, name := range slices.Sorted(maps.Keys(spec.Nodes)) {
		ns := spec.Nodes[name]
		n, err := reg.New(ns.Type, ns.Config)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", name, err)
		}
		if _, err := g.Add(n, name); err != nil {
			return nil, err
		}
	}

	for _, c := range spec.Connections {
		for i := 1; i < len(c); i++ {
			if err := g.ConnectNames(c[i-1], c[i]); err != nil {
				return nil, err
			}
		}
	}
	return g, nil
}
