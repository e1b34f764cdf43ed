package kbuilder

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/alecthomas/assert/v2"
	"github.com/birdayz/kflow/kfield"
	"github.com/birdayz/kflow/knode"
)

type fakeSource struct {
	knode.Source
	Count int
}

func (f *fakeSource) OutputFields() (*kfield.FieldList, error) { return kfield.MustFromNames("n"), nil }
func (f *fakeSource) Run(ctx context.Context) error            { return nil }

type fakeSink struct {
	knode.Target
}

func (f *fakeSink) Run(ctx context.Context) error { return nil }

type passThrough struct {
	knode.Base
}

func (p *passThrough) Run(ctx context.Context) error { return nil }

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	reg.MustRegister("source", func(cfg Config) (knode.Node, error) {
		var c struct {
			Count int `yaml:"count"`
		}
		if err := cfg.Decode(&c); err != nil {
			return nil, err
		}
		return &fakeSource{Count: c.Count}, nil
	})
	reg.MustRegister("pass", func(Config) (knode.Node, error) { return &passThrough{}, nil })
	reg.MustRegister("sink", func(Config) (knode.Node, error) { return &fakeSink{}, nil })
	return reg
}

func TestRegistry(t *testing.T) {
	reg := testRegistry(t)
	assert.Equal(t, []string{"pass", "sink", "source"}, reg.Types())

	t.Run("duplicate type", func(t *testing.T) {
		err := reg.Register("sink", func(Config) (knode.Node, error) { return &fakeSink{}, nil })
		assert.True(t, errors.Is(err, ErrTypeRegistered))
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := reg.New("nope", nil)
		assert.True(t, errors.Is(err, ErrUnknownType))
	})

	t.Run("config is decoded", func(t *testing.T) {
		n, err := reg.New("source", Config{"count": 3})
		assert.NoError(t, err)
		assert.Equal(t, 3, n.(*fakeSource).Count)
	})

	t.Run("unknown config key", func(t *testing.T) {
		_, err := reg.New("source", Config{"cnt": 3})
		assert.Error(t, err)
	})
}

const pipeline = `
nodes:
  read:
    type: source
    config:
      count: 10
  a:
    type: pass
  b:
    type: pass
  write:
    type: sink
connections:
  - [read, a, write]
  - [read, b]
  - [b, write]
`

func TestBuild(t *testing.T) {
	spec, err := LoadSpec(strings.NewReader(pipeline))
	assert.NoError(t, err)
	assert.Equal(t, 4, len(spec.Nodes))

	g, err := Build(testRegistry(t), spec)
	assert.NoError(t, err)
	assert.Equal(t, 4, g.Len())
	assert.Equal(t, 4, len(g.Edges()))

	read, ok := g.Node("read")
	assert.True(t, ok)
	assert.Equal(t, 10, read.(*fakeSource).Count)

	write, _ := g.Node("write")
	a, _ := g.Node("a")
	b, _ := g.Node("b")
	assert.Equal(t, []knode.Node{a, b}, g.Sources(write))

	order, err := g.SortedNodes()
	assert.NoError(t, err)
	assert.Equal(t, read, order[0])
	assert.Equal(t, write, order[3])
}

func TestSpecErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "no nodes", yaml: "connections: []"},
		{name: "missing type", yaml: "nodes:\n  a: {}\n"},
		{name: "short connection", yaml: "nodes:\n  a: {type: pass}\nconnections:\n  - [a]\n"},
		{name: "unknown node", yaml: "nodes:\n  a: {type: pass}\nconnections:\n  - [a, b]\n"},
		{name: "unknown key", yaml: "nodes:\n  a: {type: pass}\nedges: []\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadSpec(strings.NewReader(tt.yaml))
			assert.True(t, errors.Is(err, ErrInvalidSpec), "%v", err)
		})
	}
}

func TestBuildErrors(t *testing.T) {
	reg := testRegistry(t)

	t.Run("unknown type", func(t *testing.T) {
		_, err := Build(reg, Spec{Nodes: map[string]NodeSpec{"x": {Type: "nope"}}})
		assert.True(t, errors.Is(err, ErrUnknownType))
	})

	t.Run("role violation", func(t *testing.T) {
		_, err := Build(reg, Spec{
			Nodes: map[string]NodeSpec{
				"w": {Type: "sink"},
				"p": {Type: "pass"},
			},
			Connections: [][]string{{"w", "p"}},
		})
		assert.Error(t, err)
	})
}
