package execution

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/birdayz/kflow/knode"
)

// ErrNodePanicked marks a failure caused by a panic inside a node hook.
var ErrNodePanicked = errors.New("node panicked")

// Unit is one node scheduled for a run.
type Unit struct {
	Index int
	Name  string
	Node  knode.Node
}

// Result is the outcome of one node goroutine.
type Result struct {
	Unit     Unit
	Err      error
	Trace    string
	Duration time.Duration
}

// Failed reports whether the node ended with an error or a panic.
func (r Result) Failed() bool {
	return r.Err != nil
}

// Call invokes fn and captures its failure. A panic becomes an error wrapping
// ErrNodePanicked with the goroutine stack as trace; a returned error is
// traced with %+v so errors carrying a stack print it.
func Call(fn func() error) (trace string, err error) {
	defer func() {
		if r := recover(); r != nil {
			if rerr, ok := r.(error); ok {
				err = fmt.Errorf("%w: %w", ErrNodePanicked, rerr)
			} else {
				err = fmt.Errorf("%w: %v", ErrNodePanicked, r)
			}
			trace = string(debug.Stack())
		}
	}()

	if err := fn(); err != nil {
		return fmt.Sprintf("%+v", err), err
	}
	return "", nil
}

// RunUnit drives a node's Run. Whatever the outcome, every output pipe is
// closed and every input pipe is released, so neighbours blocked on this node
// are woken up.
func RunUnit(ctx context.Context, u Unit) Result {
	start := time.Now()
	defer func() {
		for _, out := range knode.Outputs(u.Node) {
			out.DoneSending()
		}
		for _, in := range knode.Inputs(u.Node) {
			in.DoneReceiving()
		}
	}()

	trace, err := Call(func() error { return u.Node.Run(ctx) })
	return Result{
		Unit:     u,
		Err:      err,
		Trace:    trace,
		Duration: time.Since(start),
	}
}
