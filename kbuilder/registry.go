package kbuilder

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/birdayz/kflow/knode"
	"github.com/goccy/go-yaml"
)

var (
	ErrTypeRegistered = errors.New("node type already registered")
	ErrUnknownType    = errors.New("unknown node type")
	ErrInvalidSpec    = errors.New("invalid pipeline spec")
)

// Config is the free-form configuration of one node as read from a pipeline
// file.
type Config map[string]any

// Decode fills out, usually a pointer to a struct with yaml tags, from the
// config. Unknown keys are rejected.
func (c Config) Decode(out any) error {
	if c == nil {
		c = Config{}
	}
	b, err := yaml.Marshal(map[string]any(c))
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := yaml.UnmarshalWithOptions(b, out, yaml.DisallowUnknownField()); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// Factory creates a node from its configuration.
type Factory func(cfg Config) (knode.Node, error)

// Registry maps node type names to factories. There is no global registry;
// callers build one and register the types they want to offer.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds a factory under typ.
func (r *Registry) Register(typ string, f Factory) error {
	if typ == "" || f == nil {
		return fmt.Errorf("%w: empty type or nil factory", ErrInvalidSpec)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[typ]; exists {
		return fmt.Errorf("%w: %s", ErrTypeRegistered, typ)
	}
	r.factories[typ] = f
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(typ string, f Factory) {
	if err := r.Register(typ, f); err != nil {
		panic(err)
	}
}

// New creates a node of type typ.
func (r *Registry) New(typ string, cfg Config) (knode.Node, error) {
	r.mu.RLock()
	f, ok := r.factories[typ]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, typ)
	}

	n, err := f(cfg)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", typ, err)
	}
	return n, nil
}

// Types returns the registered type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.factories))
}
