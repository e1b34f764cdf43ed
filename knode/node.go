package knode

import (
	"context"
	"errors"
	"fmt"

	"github.com/birdayz/kflow/kfield"
	"github.com/birdayz/kflow/kpipe"
)

// Sentinel errors for the node contract.
var (
	ErrOutputFieldsUndeclared = errors.New("output fields not declared")
	ErrTargetHasNoOutputs     = errors.New("target nodes have no outputs")
	ErrNoInput                = errors.New("node has no input")
)

// Role is the capability a node declares: whether it accepts inputs and
// whether it produces outputs.
type Role int

const (
	// RoleProcessor accepts inputs and produces outputs.
	RoleProcessor Role = iota
	// RoleSource produces outputs but never accepts inputs.
	RoleSource
	// RoleTarget accepts inputs but never produces outputs.
	RoleTarget
)

func (r Role) String() string {
	switch r {
	case RoleSource:
		return "Source"
	case RoleTarget:
		return "Target"
	case RoleProcessor:
		return "Processor"
	default:
		return "Unknown"
	}
}

// AcceptsInputs reports whether a node of this role may be the target of an
// edge.
func (r Role) AcceptsInputs() bool {
	return r != RoleSource
}

// ProducesOutputs reports whether a node of this role may be the source of an
// edge.
func (r Role) ProducesOutputs() bool {
	return r != RoleTarget
}

// Node is a unit of computation in a stream. Implementations embed Base,
// Source or Target, which supply the pipe wiring, and implement Run.
//
// Run consumes the input pipes and forwards results with Put. It must return
// once its inputs are exhausted or Put reports that no consumer is left.
type Node interface {
	Role() Role
	OutputFields() (*kfield.FieldList, error)
	Run(ctx context.Context) error

	base() *Base
}

// Initializer is implemented by nodes that need to prepare before any node
// runs. Initialize is called in topological order, after inputs are wired
// and their fields are known.
type Initializer interface {
	Initialize(ctx context.Context) error
}

// Finalizer is implemented by nodes that hold resources. Finalize is called
// once, after every node has finished running, whether the run failed or not.
type Finalizer interface {
	Finalize(ctx context.Context) error
}

// Configurable is implemented by nodes that expose their configuration. The
// snapshot is attached to failure reports.
type Configurable interface {
	Attributes() map[string]any
}

// Base provides the input and output pipes of a node. Embed it in plain
// processing nodes.
type Base struct {
	inputs  []*kpipe.Pipe
	outputs []*kpipe.Pipe
}

func (b *Base) base() *Base { return b }

// Role returns RoleProcessor.
func (b *Base) Role() Role { return RoleProcessor }

// OutputFields passes the fields of the single input through. Nodes that
// change the schema or have several inputs must override it.
func (b *Base) OutputFields() (*kfield.FieldList, error) {
	switch len(b.inputs) {
	case 0:
		return nil, fmt.Errorf("%w: cannot derive output fields", ErrNoInput)
	case 1:
		return b.inputs[0].Fields(), nil
	default:
		return nil, fmt.Errorf("%w: node has %d inputs", ErrOutputFieldsUndeclared, len(b.inputs))
	}
}

// Inputs returns the input pipes in declared order.
func (b *Base) Inputs() []*kpipe.Pipe { return b.inputs }

// Outputs returns the output pipes.
func (b *Base) Outputs() []*kpipe.Pipe { return b.outputs }

// Input returns the i-th input pipe.
func (b *Base) Input(i int) *kpipe.Pipe { return b.inputs[i] }

// InputFields returns the fields of the first input, or nil without inputs.
func (b *Base) InputFields() *kfield.FieldList {
	if len(b.inputs) == 0 {
		return nil
	}
	return b.inputs[0].Fields()
}

// Put sends a row to every open output. It returns false when no output is
// open anymore: no consumer wants more rows and Run should return.
func (b *Base) Put(row kpipe.Row) bool {
	active := false
	for _, out := range b.outputs {
		if out.Put(row) {
			active = true
		}
	}
	return active
}

// PutRecord is like Put for records keyed by field name.
func (b *Base) PutRecord(rec kpipe.Record) bool {
	active := false
	for _, out := range b.outputs {
		if out.PutRecord(rec) {
			active = true
		}
	}
	return active
}

// Source is embedded by nodes that only produce rows. Sources must override
// OutputFields.
type Source struct {
	Base
}

// Role returns RoleSource.
func (s *Source) Role() Role { return RoleSource }

// OutputFields fails; a source has no input to derive fields from.
func (s *Source) OutputFields() (*kfield.FieldList, error) {
	return nil, fmt.Errorf("%w: sources must declare their output fields", ErrOutputFieldsUndeclared)
}

// Target is embedded by nodes that only consume rows.
type Target struct {
	Base
}

// Role returns RoleTarget.
func (t *Target) Role() Role { return RoleTarget }

// OutputFields always fails for targets.
func (t *Target) OutputFields() (*kfield.FieldList, error) {
	return nil, ErrTargetHasNoOutputs
}

// Attach replaces the pipes of a node. It is called by the stream when a run
// starts; nodes never call it themselves.
func Attach(n Node, inputs, outputs []*kpipe.Pipe) {
	b := n.base()
	b.inputs = inputs
	b.outputs = outputs
}

// Detach drops all pipes of a node.
func Detach(n Node) {
	Attach(n, nil, nil)
}

// Inputs returns the input pipes of any node.
func Inputs(n Node) []*kpipe.Pipe { return n.base().inputs }

// Outputs returns the output pipes of any node.
func Outputs(n Node) []*kpipe.Pipe { return n.base().outputs }

// AttributesOf returns the configuration snapshot of n, or nil when the node
// does not expose one.
func AttributesOf(n Node) map[string]any {
	c, ok := n.(Configurable)
	if !ok {
		return nil
	}
	attrs := c.Attributes()
	snapshot := make(map[string]any, len(attrs))
	for k, v := range attrs {
		snapshot[k] = v
	}
	return snapshot
}
