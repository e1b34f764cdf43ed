package kflow

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/birdayz/kflow/kfield"
	"github.com/birdayz/kflow/knode"
)

// ErrStreamRunning is returned by Run while another Run of the same stream
// is in progress.
var ErrStreamRunning = errors.New("kflow: stream is already running")

// Phase is the node lifecycle hook a failure happened in.
type Phase string

const (
	PhaseInitialize Phase = "initialize"
	PhaseRun        Phase = "run"
	PhaseFinalize   Phase = "finalize"
)

// RuntimeError binds a node failure to everything needed to diagnose it
// without going back to the logs.
type RuntimeError struct {
	// RunID identifies the stream run.
	RunID string

	// Node is the failing node and NodeName its name in the graph.
	Node     knode.Node
	NodeName string

	// Phase is the lifecycle hook that failed.
	Phase Phase

	// Err is the underlying error and Trace its captured stack or detail.
	Err   error
	Trace string

	// InputFields holds the fields of each input pipe in input order.
	InputFields []*kfield.FieldList

	// OutputFields is the node's output schema, nil when it could not be
	// determined.
	OutputFields *kfield.FieldList

	// Attributes is a snapshot of the node configuration.
	Attributes map[string]any
}

func newRuntimeError(runID, name string, n knode.Node, phase Phase, err error, trace string) *RuntimeError {
	e := &RuntimeError{
		RunID:      runID,
		Node:       n,
		NodeName:   name,
		Phase:      phase,
		Err:        err,
		Trace:      trace,
		Attributes: knode.AttributesOf(n),
	}
	for _, in := range knode.Inputs(n) {
		e.InputFields = append(e.InputFields, in.Fields())
	}
	if n.Role().ProducesOutputs() {
		// Best effort; a node that failed early may not know its outputs.
		if fields, ferr := safeOutputFields(n); ferr == nil {
			e.OutputFields = fields
		}
	}
	return e
}

func safeOutputFields(n knode.Node) (fields *kfield.FieldList, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("output fields: %v", r)
		}
	}()
	return n.OutputFields()
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("%s failed in node %q (%T): %v", e.Phase, e.NodeName, e.Node, e.Err)
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// Diagnostic renders a multi-line report of the failure.
func (e *RuntimeError) Diagnostic() string {
	var b strings.Builder
	fmt.Fprintf(&b, "== %s ==\n", e.Error())
	fmt.Fprintf(&b, "run:   %s\n", e.RunID)
	fmt.Fprintf(&b, "node:  %s (%T)\n", e.NodeName, e.Node)
	fmt.Fprintf(&b, "phase: %s\n", e.Phase)

	if len(e.Attributes) > 0 {
		b.WriteString("attributes:\n")
		for _, k := range slices.Sorted(maps.Keys(e.Attributes)) {
			fmt.Fprintf(&b, "  %s: %v\n", k, e.Attributes[k])
		}
	}

	if len(e.InputFields) > 0 {
		b.WriteString("inputs:\n")
		for i, fields := range e.InputFields {
			fmt.Fprintf(&b, "  #%d: %s\n", i, describeFields(fields))
		}
	}
	if e.OutputFields != nil {
		fmt.Fprintf(&b, "outputs: %s\n", describeFields(e.OutputFields))
	}

	if e.Trace != "" {
		b.WriteString("trace:\n")
		for _, line := range strings.Split(strings.TrimRight(e.Trace, "\n"), "\n") {
			b.WriteString("  ")
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func describeFields(fields *kfield.FieldList) string {
	if fields == nil {
		return "<unknown>"
	}
	parts := make([]string, 0, fields.Len())
	for _, f := range fields.Fields() {
		parts = append(parts, fmt.Sprintf("%s(%s)", f.Name, f.StorageType))
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
