package kflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/birdayz/kflow/internal/execution"
	"github.com/birdayz/kflow/internal/metrics"
	"github.com/birdayz/kflow/kgraph"
	"github.com/birdayz/kflow/knode"
	"github.com/birdayz/kflow/kpipe"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

// Stream is a graph that can be executed. Every run wires a fresh pipe per
// edge and drives each node in its own goroutine.
type Stream struct {
	*kgraph.Graph

	log          *slog.Logger
	bufferSize   int
	pollInterval time.Duration
	registerer   prometheus.Registerer
	metrics      *metrics.Metrics

	running atomic.Bool

	mu             sync.Mutex
	failures       []*RuntimeError
	finalizeErrors []*RuntimeError
}

// New creates a stream over an empty graph.
func New(opts ...Option) (*Stream, error) {
	return FromGraph(kgraph.New(), opts...)
}

// MustNew is like New but panics on error.
func MustNew(opts ...Option) *Stream {
	s, err := New(opts...)
	if err != nil {
		panic(err)
	}
	return s
}

// FromGraph creates a stream over an existing graph. The graph is shared, not
// copied.
func FromGraph(g *kgraph.Graph, opts ...Option) (*Stream, error) {
	s := &Stream{
		Graph:        g,
		log:          NullLogger(),
		bufferSize:   kpipe.DefaultBufferSize,
		pollInterval: execution.DefaultPollInterval,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.registerer != nil {
		m, err := metrics.New(s.registerer)
		if err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		s.metrics = m
	}
	return s, nil
}

// Failures returns every run-phase failure of the last run, in the order
// they were observed.
func (s *Stream) Failures() []*RuntimeError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*RuntimeError(nil), s.failures...)
}

// FinalizeErrors returns the finalize-phase failures of the last run.
func (s *Stream) FinalizeErrors() []*RuntimeError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*RuntimeError(nil), s.finalizeErrors...)
}

// edgePipe is the pipe allocated for one edge during a run.
type edgePipe struct {
	source, target string
	pipe           *kpipe.Pipe
}

// run holds the state of a single Run call.
type run struct {
	*Stream
	id    string
	log   *slog.Logger
	names map[knode.Node]string
	nodes []knode.Node
	pipes []edgePipe
}

// Run executes the stream and blocks until every node has returned and been
// finalized.
//
// Structural errors such as a cycle are returned before any node is touched.
// Otherwise the result is the first *RuntimeError of the run phase, or, if
// every node ran cleanly, the combined finalize failures. ctx is handed to
// every node hook; the stream itself never cancels a node.
func (s *Stream) Run(ctx context.Context) (err error) {
	if !s.running.CompareAndSwap(false, true) {
		return ErrStreamRunning
	}
	defer s.running.Store(false)

	s.mu.Lock()
	s.failures, s.finalizeErrors = nil, nil
	s.mu.Unlock()

	r := &run{
		Stream: s,
		id:     uuid.NewString(),
		names:  make(map[knode.Node]string, s.Len()),
	}
	r.log = s.log.With("run_id", r.id)

	start := time.Now()
	defer func() {
		status := metrics.StatusSuccess
		if err != nil {
			status = metrics.StatusFailure
		}
		s.metrics.RecordStreamRun(status, time.Since(start))
	}()

	r.nodes, err = s.SortedNodes()
	if err != nil {
		return err
	}
	for _, n := range r.nodes {
		name, _ := s.NameOf(n)
		r.names[n] = name
	}

	r.wire()
	defer r.release()

	r.log.Info("Starting stream", "nodes", len(r.nodes), "pipes", len(r.pipes))

	initialized, err := r.initialize(ctx)
	if err != nil {
		r.finalize(ctx, r.nodes[:initialized])
		return err
	}

	r.execute(ctx)
	r.finalize(ctx, r.nodes)

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.failures) > 0 {
		r.log.Error("Stream failed", "failures", len(s.failures), "duration", time.Since(start))
		return s.failures[0]
	}
	if len(s.finalizeErrors) > 0 {
		var combined error
		for _, ferr := range s.finalizeErrors {
			combined = multierr.Append(combined, ferr)
		}
		return combined
	}
	r.log.Info("Stream finished", "duration", time.Since(start))
	return nil
}

// wire allocates one pipe per edge. Edges are visited in connection order,
// which makes it the input order of every multi-input node.
func (r *run) wire() {
	inputs := make(map[knode.Node][]*kpipe.Pipe, len(r.nodes))
	outputs := make(map[knode.Node][]*kpipe.Pipe, len(r.nodes))

	for _, e := range r.Edges() {
		p := kpipe.New(r.bufferSize)
		outputs[e.Source] = append(outputs[e.Source], p)
		inputs[e.Target] = append(inputs[e.Target], p)
		r.pipes = append(r.pipes, edgePipe{
			source: r.names[e.Source],
			target: r.names[e.Target],
			pipe:   p,
		})
	}

	for _, n := range r.nodes {
		knode.Attach(n, inputs[n], outputs[n])
	}
}

// release reports pipe totals and detaches the run's pipes from the nodes.
func (r *run) release() {
	for _, ep := range r.pipes {
		dropped := ep.pipe.Dropped()
		if dropped > 0 {
			r.log.Debug("Rows dropped by early close",
				"source", ep.source,
				"target", ep.target,
				"dropped", dropped)
		}
		r.metrics.RecordPipe(ep.source, ep.target, ep.pipe.Transferred(), dropped)
	}
	for _, n := range r.nodes {
		knode.Detach(n)
	}
}

// initialize calls Initialize in topological order and stamps each node's
// output fields onto its outgoing pipes. It returns how many nodes were
// initialized before a failure.
func (r *run) initialize(ctx context.Context) (int, error) {
	for i, n := range r.nodes {
		name := r.names[n]

		if initializer, ok := n.(knode.Initializer); ok {
			if trace, err := execution.Call(func() error { return initializer.Initialize(ctx) }); err != nil {
				return i, r.initFailure(n, err, trace)
			}
		}

		outputs := knode.Outputs(n)
		if len(outputs) == 0 || !n.Role().ProducesOutputs() {
			continue
		}
		trace, err := execution.Call(func() error {
			fields, err := n.OutputFields()
			if err != nil {
				return err
			}
			if fields == nil {
				return fmt.Errorf("%w: node returned no fields", knode.ErrOutputFieldsUndeclared)
			}
			fields.Freeze()
			for _, out := range outputs {
				out.SetFields(fields)
			}
			return nil
		})
		if err != nil {
			// The node itself was initialized and needs finalizing.
			return i + 1, r.initFailure(n, fmt.Errorf("output fields: %w", err), trace)
		}
		r.log.Debug("Node initialized", "node", name, "outputs", len(outputs))
	}
	return len(r.nodes), nil
}

func (r *run) initFailure(n knode.Node, err error, trace string) *RuntimeError {
	rerr := newRuntimeError(r.id, r.names[n], n, PhaseInitialize, err, trace)
	r.log.Error("Node initialization failed", "node", rerr.NodeName, "error", err)
	r.mu.Lock()
	r.failures = append(r.failures, rerr)
	r.mu.Unlock()
	return rerr
}

// execute runs every node in its own goroutine and waits for all of them.
func (r *run) execute(ctx context.Context) {
	units := make([]execution.Unit, len(r.nodes))
	for i, n := range r.nodes {
		units[i] = execution.Unit{Index: i, Name: r.names[n], Node: n}
	}

	sup := execution.NewSupervisor(r.log, r.pollInterval)
	sup.OnResult = func(res execution.Result) {
		status := metrics.StatusSuccess
		if res.Failed() {
			status = metrics.StatusFailure
		}
		r.metrics.RecordNodeRun(res.Unit.Name, status, res.Duration)
	}

	failed := sup.Run(ctx, units)
	rerrs := make([]*RuntimeError, len(failed))
	for i, res := range failed {
		rerrs[i] = newRuntimeError(r.id, res.Unit.Name, res.Unit.Node, PhaseRun, res.Err, res.Trace)
	}

	r.mu.Lock()
	r.failures = append(r.failures, rerrs...)
	r.mu.Unlock()
}

// finalize calls Finalize on every given node in order. A failure never
// stops the remaining finalizers.
func (r *run) finalize(ctx context.Context, nodes []knode.Node) {
	for _, n := range nodes {
		fin, ok := n.(knode.Finalizer)
		if !ok {
			continue
		}
		trace, err := execution.Call(func() error { return fin.Finalize(ctx) })
		if err == nil {
			continue
		}
		rerr := newRuntimeError(r.id, r.names[n], n, PhaseFinalize, err, trace)
		r.log.Warn("Node finalization failed", "node", rerr.NodeName, "error", err)
		r.mu.Lock()
		r.finalizeErrors = append(r.finalizeErrors, rerr)
		r.mu.Unlock()
	}
}

// FirstFailure returns the *RuntimeError inside err, if any.
func FirstFailure(err error) (*RuntimeError, bool) {
	var rerr *RuntimeError
	if errors.As(err, &rerr) {
		return rerr, true
	}
	return nil, false
}
