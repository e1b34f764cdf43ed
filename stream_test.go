package kflow_test

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/birdayz/kflow"
	"github.com/birdayz/kflow/internal/execution"
	"github.com/birdayz/kflow/kfield"
	"github.com/birdayz/kflow/kgraph"
	"github.com/birdayz/kflow/knode"
	"github.com/birdayz/kflow/kpipe"
	"github.com/birdayz/kflow/nodes"
	"github.com/go-logr/logr/funcr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// passNode forwards its single input and counts lifecycle calls.
type passNode struct {
	knode.Base
	initialized atomic.Int32
	finalized   atomic.Int32
}

func (n *passNode) Initialize(ctx context.Context) error {
	n.initialized.Add(1)
	return nil
}

func (n *passNode) Run(ctx context.Context) error {
	for row := range n.Input(0).Rows() {
		if !n.Put(row) {
			return nil
		}
	}
	return nil
}

func (n *passNode) Finalize(ctx context.Context) error {
	n.finalized.Add(1)
	return nil
}

// failNode fails after reading `after` rows.
type failNode struct {
	knode.Base
	after     int
	err       error
	panics    bool
	finalized atomic.Int32
}

func (n *failNode) Run(ctx context.Context) error {
	i := 0
	for range n.Input(0).Rows() {
		if i == n.after {
			if n.panics {
				panic(n.err)
			}
			return n.err
		}
		i++
	}
	return nil
}

func (n *failNode) Finalize(ctx context.Context) error {
	n.finalized.Add(1)
	return nil
}

func (n *failNode) Attributes() map[string]any {
	return map[string]any{"after": n.after}
}

// countingSource produces limit rows, or rows until nobody listens anymore
// when limit is zero.
type countingSource struct {
	knode.Source
	limit     int
	finalized atomic.Int32
}

func (s *countingSource) OutputFields() (*kfield.FieldList, error) {
	return kfield.MustFromNames("i"), nil
}

func (s *countingSource) Run(ctx context.Context) error {
	for i := 0; s.limit == 0 || i < s.limit; i++ {
		if !s.Put(kpipe.Row{i}) {
			return nil
		}
	}
	return nil
}

func (s *countingSource) Finalize(ctx context.Context) error {
	s.finalized.Add(1)
	return nil
}

func numbers(n int) *nodes.ListSource {
	rows := make([]kpipe.Row, n)
	for i := range rows {
		rows[i] = kpipe.Row{i}
	}
	return &nodes.ListSource{Fields: kfield.MustFromNames("i"), Rows: rows}
}

func runWithTimeout(t *testing.T, s *kflow.Stream) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("stream did not finish")
		return nil
	}
}

func TestScenarioSample(t *testing.T) {
	s := kflow.MustNew(kflow.WithBufferSize(10))
	src := numbers(1000)
	sample := &nodes.Sample{Size: 5}
	sink := &nodes.ListTarget{}
	s.MustAdd(src, "source")
	s.MustAdd(sample, "sample")
	s.MustAdd(sink, "sink")
	assert.NoError(t, s.Chain(src, sample, sink))

	assert.NoError(t, runWithTimeout(t, s))
	assert.Equal(t, []kpipe.Row{{0}, {1}, {2}, {3}, {4}}, sink.Rows())
}

func TestScenarioAppend(t *testing.T) {
	s := kflow.MustNew()
	fields := kfield.MustFromNames("n", "s")
	a := &nodes.ListSource{Fields: fields, Rows: []kpipe.Row{{1, "x"}, {2, "y"}, {3, "z"}}}
	b := &nodes.ListSource{Fields: fields, Rows: []kpipe.Row{{4, "p"}, {5, "q"}, {6, "r"}}}
	app := &nodes.Append{}
	sink := &nodes.ListTarget{}

	// Registration order differs from input order on purpose.
	s.MustAdd(sink, "sink")
	s.MustAdd(b, "b")
	s.MustAdd(app, "append")
	s.MustAdd(a, "a")
	s.MustConnect(a, app)
	s.MustConnect(b, app)
	s.MustConnect(app, sink)

	assert.NoError(t, runWithTimeout(t, s))
	assert.Equal(t, []kpipe.Row{
		{1, "x"}, {2, "y"}, {3, "z"},
		{4, "p"}, {5, "q"}, {6, "r"},
	}, sink.Rows())
}

func TestScenarioAggregate(t *testing.T) {
	s := kflow.MustNew()
	fields := kfield.MustNew(
		kfield.NewField("type", kfield.StorageString),
		kfield.NewField("v", kfield.StorageInteger),
	)
	var rows []kpipe.Row
	for i, typ := range []string{"a", "a", "a", "b", "b", "b", "c", "c", "c"} {
		rows = append(rows, kpipe.Row{typ, i + 1})
	}
	src := &nodes.ListSource{Fields: fields, Rows: rows}
	agg := &nodes.Aggregate{Keys: []string{"type"}, Measures: []string{"v"}}
	sink := &nodes.ListTarget{}
	s.MustAdd(src, "")
	s.MustAdd(agg, "")
	s.MustAdd(sink, "")
	assert.NoError(t, s.Chain(src, agg, sink))

	assert.NoError(t, runWithTimeout(t, s))

	sums := map[string]any{}
	counts := map[string]any{}
	for _, rec := range sink.Records() {
		typ := rec["type"].(string)
		sums[typ] = rec["v_sum"]
		counts[typ] = rec["record_count"]
	}
	assert.Equal(t, 3, len(sink.Rows()))
	assert.Equal(t, map[string]any{"a": int64(6), "b": int64(15), "c": int64(24)}, sums)
	assert.Equal(t, map[string]any{"a": int64(3), "b": int64(3), "c": int64(3)}, counts)
}

func TestIdentityChain(t *testing.T) {
	for _, length := range []int{1, 2, 5} {
		for _, buffer := range []int{1, 3, 1000} {
			s := kflow.MustNew(kflow.WithBufferSize(buffer))
			src := numbers(257)
			sink := &nodes.ListTarget{}

			chain := []knode.Node{src}
			var passes []*passNode
			for range length {
				p := &passNode{}
				passes = append(passes, p)
				chain = append(chain, p)
			}
			chain = append(chain, sink)
			for _, n := range chain {
				s.MustAdd(n, "")
			}
			assert.NoError(t, s.Chain(chain...))

			assert.NoError(t, runWithTimeout(t, s))
			assert.Equal(t, src.Rows, sink.Rows())
			for _, p := range passes {
				assert.Equal(t, int32(1), p.initialized.Load())
				assert.Equal(t, int32(1), p.finalized.Load())
			}
		}
	}
}

func TestFailureReport(t *testing.T) {
	for _, panics := range []bool{false, true} {
		name := "error"
		if panics {
			name = "panic"
		}
		t.Run(name, func(t *testing.T) {
			s := kflow.MustNew(kflow.WithBufferSize(2), kflow.WithPollInterval(time.Millisecond))
			boom := errors.New("boom")
			src := &countingSource{limit: 500}
			pass := &passNode{}
			fail := &failNode{after: 3, err: boom, panics: panics}
			other := &passNode{}
			sink := &nodes.ListTarget{}

			s.MustAdd(src, "src")
			s.MustAdd(pass, "pass")
			s.MustAdd(fail, "fail")
			s.MustAdd(other, "other")
			s.MustAdd(sink, "sink")
			assert.NoError(t, s.Chain(src, pass, fail))
			assert.NoError(t, s.Chain(src, other, sink))

			err := runWithTimeout(t, s)
			assert.True(t, errors.Is(err, boom))

			var rerr *kflow.RuntimeError
			assert.True(t, errors.As(err, &rerr))
			assert.Equal(t, knode.Node(fail), rerr.Node)
			assert.Equal(t, "fail", rerr.NodeName)
			assert.Equal(t, kflow.PhaseRun, rerr.Phase)
			assert.Equal(t, map[string]any{"after": 3}, rerr.Attributes)
			assert.Equal(t, 1, len(rerr.InputFields))
			assert.Equal(t, []string{"i"}, rerr.InputFields[0].Names())
			assert.Equal(t, []string{"i"}, rerr.OutputFields.Names())
			assert.NotEqual(t, "", rerr.RunID)
			if panics {
				assert.True(t, errors.Is(err, execution.ErrNodePanicked))
				assert.Contains(t, rerr.Trace, "goroutine")
			}

			diag := rerr.Diagnostic()
			assert.Contains(t, diag, `node "fail"`)
			assert.Contains(t, diag, "after: 3")
			assert.Contains(t, diag, "#0: [i(unknown)]")

			assert.Equal(t, 1, len(s.Failures()))
			assert.Equal(t, 500, len(sink.Rows()))
			assert.Equal(t, int32(1), src.finalized.Load())
			assert.Equal(t, int32(1), pass.finalized.Load())
			assert.Equal(t, int32(1), fail.finalized.Load())
			assert.Equal(t, int32(1), other.finalized.Load())
		})
	}
}

func TestEarlyStopDoesNotHang(t *testing.T) {
	s := kflow.MustNew(kflow.WithBufferSize(1))
	src := &countingSource{}
	sample := &nodes.Sample{Size: 1}
	sink := &nodes.ListTarget{}
	s.MustAdd(src, "")
	s.MustAdd(sample, "")
	s.MustAdd(sink, "")
	assert.NoError(t, s.Chain(src, sample, sink))

	assert.NoError(t, runWithTimeout(t, s))
	assert.Equal(t, []kpipe.Row{{0}}, sink.Rows())
	assert.Equal(t, int32(1), src.finalized.Load())
}

func TestCycleFailsFast(t *testing.T) {
	s := kflow.MustNew()
	a, b := &passNode{}, &passNode{}
	s.MustAdd(a, "a")
	s.MustAdd(b, "b")
	s.MustConnect(a, b)
	s.MustConnect(b, a)

	err := s.Run(context.Background())
	assert.True(t, errors.Is(err, kgraph.ErrCycleDetected))
	assert.Equal(t, int32(0), a.initialized.Load())
	assert.Equal(t, int32(0), a.finalized.Load())
}

type initFailNode struct {
	passNode
}

func (n *initFailNode) Initialize(ctx context.Context) error {
	return errors.New("no config")
}

func TestInitializeFailure(t *testing.T) {
	s := kflow.MustNew()
	src := numbers(10)
	first := &passNode{}
	broken := &initFailNode{}
	last := &passNode{}
	sink := &nodes.ListTarget{}
	for _, n := range []knode.Node{src, first, broken, last, sink} {
		s.MustAdd(n, "")
	}
	assert.NoError(t, s.Chain(src, first, broken, last, sink))

	err := s.Run(context.Background())
	rerr, ok := kflow.FirstFailure(err)
	assert.True(t, ok)
	assert.Equal(t, kflow.PhaseInitialize, rerr.Phase)
	assert.Equal(t, knode.Node(broken), rerr.Node)

	// Only nodes initialized before the failure are finalized; nothing ran.
	assert.Equal(t, int32(1), first.finalized.Load())
	assert.Equal(t, int32(0), broken.finalized.Load())
	assert.Equal(t, int32(0), last.initialized.Load())
	assert.Equal(t, int32(0), last.finalized.Load())
	assert.Equal(t, 0, len(sink.Rows()))
}

type finalizeFailNode struct {
	passNode
	err error
}

func (n *finalizeFailNode) Finalize(ctx context.Context) error {
	n.finalized.Add(1)
	return n.err
}

func TestFinalizeErrors(t *testing.T) {
	t.Run("reported when the run succeeded", func(t *testing.T) {
		s := kflow.MustNew()
		errA, errB := errors.New("a"), errors.New("b")
		src := numbers(3)
		a := &finalizeFailNode{err: errA}
		b := &finalizeFailNode{err: errB}
		sink := &nodes.ListTarget{}
		for _, n := range []knode.Node{src, a, b, sink} {
			s.MustAdd(n, "")
		}
		assert.NoError(t, s.Chain(src, a, b, sink))

		err := s.Run(context.Background())
		assert.True(t, errors.Is(err, errA))
		assert.True(t, errors.Is(err, errB))
		assert.Equal(t, 2, len(s.FinalizeErrors()))
		assert.Equal(t, kflow.PhaseFinalize, s.FinalizeErrors()[0].Phase)
		assert.Equal(t, 3, len(sink.Rows()))
	})

	t.Run("never mask a run failure", func(t *testing.T) {
		s := kflow.MustNew()
		runErr, finErr := errors.New("run"), errors.New("finalize")
		src := numbers(3)
		fin := &finalizeFailNode{err: finErr}
		fail := &failNode{err: runErr}
		for _, n := range []knode.Node{src, fin, fail} {
			s.MustAdd(n, "")
		}
		assert.NoError(t, s.Chain(src, fin, fail))

		err := s.Run(context.Background())
		assert.True(t, errors.Is(err, runErr))
		assert.False(t, errors.Is(err, finErr))
		assert.Equal(t, 1, len(s.FinalizeErrors()))
		assert.Equal(t, int32(1), fin.finalized.Load())
		assert.Equal(t, int32(1), fail.finalized.Load())
	})
}

type blockingSource struct {
	knode.Source
	started chan struct{}
	release chan struct{}
}

func (s *blockingSource) OutputFields() (*kfield.FieldList, error) {
	return kfield.MustFromNames("i"), nil
}

func (s *blockingSource) Run(ctx context.Context) error {
	close(s.started)
	<-s.release
	return nil
}

func TestConcurrentRun(t *testing.T) {
	s := kflow.MustNew()
	src := &blockingSource{started: make(chan struct{}), release: make(chan struct{})}
	sink := &nodes.ListTarget{}
	s.MustAdd(src, "")
	s.MustAdd(sink, "")
	s.MustConnect(src, sink)

	var wg sync.WaitGroup
	wg.Add(1)
	var firstErr error
	go func() {
		defer wg.Done()
		firstErr = s.Run(context.Background())
	}()

	<-src.started
	assert.True(t, errors.Is(s.Run(context.Background()), kflow.ErrStreamRunning))
	close(src.release)
	wg.Wait()
	assert.NoError(t, firstErr)
}

func TestFieldsAreFrozen(t *testing.T) {
	s := kflow.MustNew()
	fields := kfield.MustFromNames("i")
	src := &nodes.ListSource{Fields: fields}
	sink := &nodes.ListTarget{}
	s.MustAdd(src, "")
	s.MustAdd(sink, "")
	s.MustConnect(src, sink)

	assert.NoError(t, s.Run(context.Background()))
	assert.True(t, fields.Frozen())
	assert.Equal(t, fields, sink.Fields())
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	s, err := kflow.New(kflow.WithMetrics(reg), kflow.WithBufferSize(1))
	assert.NoError(t, err)

	src := numbers(100)
	sample := &nodes.Sample{Size: 2}
	sink := &nodes.ListTarget{}
	s.MustAdd(src, "src")
	s.MustAdd(sample, "sample")
	s.MustAdd(sink, "sink")
	assert.NoError(t, s.Chain(src, sample, sink))
	assert.NoError(t, runWithTimeout(t, s))

	expected := `
# HELP kflow_stream_runs_total Total number of stream runs
# TYPE kflow_stream_runs_total counter
kflow_stream_runs_total{status="success"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "kflow_stream_runs_total"))

	pipes, err := testutil.GatherAndCount(reg, "kflow_pipe_rows_total")
	assert.NoError(t, err)
	assert.Equal(t, 2, pipes)
	nodeRuns, err := testutil.GatherAndCount(reg, "kflow_node_runs_total")
	assert.NoError(t, err)
	assert.Equal(t, 3, nodeRuns)
}

func TestWithLogr(t *testing.T) {
	var mu sync.Mutex
	var lines []string
	logger := funcr.New(func(prefix, args string) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, args)
	}, funcr.Options{})

	s := kflow.MustNew(kflow.WithLogr(logger))
	src := numbers(3)
	sink := &nodes.ListTarget{}
	s.MustAdd(src, "")
	s.MustAdd(sink, "")
	s.MustConnect(src, sink)
	assert.NoError(t, s.Run(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, strings.Join(lines, "\n"), "Stream finished")
}

func TestEveryFailureCollected(t *testing.T) {
	s := kflow.MustNew(kflow.WithPollInterval(time.Millisecond))
	errA, errB := errors.New("a"), errors.New("b")
	srcA, srcB := numbers(10), numbers(10)
	failA := &failNode{after: 1, err: errA}
	failB := &failNode{after: 2, err: errB}
	s.MustAdd(srcA, "src-a")
	s.MustAdd(failA, "fail-a")
	s.MustAdd(srcB, "src-b")
	s.MustAdd(failB, "fail-b")
	s.MustConnect(srcA, failA)
	s.MustConnect(srcB, failB)

	err := runWithTimeout(t, s)
	failures := s.Failures()
	assert.Equal(t, 2, len(failures))
	assert.True(t, errors.Is(err, failures[0].Err))

	names := []string{failures[0].NodeName, failures[1].NodeName}
	assert.True(t, slices.Contains(names, "fail-a"))
	assert.True(t, slices.Contains(names, "fail-b"))
	for _, f := range failures {
		assert.Equal(t, kflow.PhaseRun, f.Phase)
		assert.Equal(t, 1, len(f.InputFields))
	}
}
