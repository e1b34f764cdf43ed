package execution

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/birdayz/kflow/knode"
	"github.com/birdayz/kflow/kpipe"
)

type funcNode struct {
	knode.Base
	run func(n *funcNode) error
}

func (n *funcNode) Run(ctx context.Context) error { return n.run(n) }

func nullLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitOrFail(t *testing.T, done <-chan struct{}, msg string) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal(msg)
	}
}

func TestRunUnit(t *testing.T) {
	t.Run("returned error keeps trace", func(t *testing.T) {
		boom := errors.New("boom")
		n := &funcNode{run: func(*funcNode) error { return boom }}
		res := RunUnit(context.Background(), Unit{Name: "n", Node: n})
		assert.True(t, res.Failed())
		assert.True(t, errors.Is(res.Err, boom))
		assert.Equal(t, "boom", res.Trace)
	})

	t.Run("panic is captured", func(t *testing.T) {
		n := &funcNode{run: func(*funcNode) error { panic("kaputt") }}
		res := RunUnit(context.Background(), Unit{Name: "n", Node: n})
		assert.True(t, errors.Is(res.Err, ErrNodePanicked))
		assert.Contains(t, res.Err.Error(), "kaputt")
		assert.Contains(t, res.Trace, "goroutine")
	})

	t.Run("panic with error value unwraps", func(t *testing.T) {
		boom := errors.New("boom")
		n := &funcNode{run: func(*funcNode) error { panic(boom) }}
		res := RunUnit(context.Background(), Unit{Name: "n", Node: n})
		assert.True(t, errors.Is(res.Err, ErrNodePanicked))
		assert.True(t, errors.Is(res.Err, boom))
	})

	t.Run("pipes are closed on every outcome", func(t *testing.T) {
		for _, run := range []func(*funcNode) error{
			func(*funcNode) error { return nil },
			func(*funcNode) error { return errors.New("fail") },
			func(*funcNode) error { panic("panic") },
		} {
			in, out := kpipe.New(10), kpipe.New(10)
			n := &funcNode{run: func(n *funcNode) error {
				n.Put(kpipe.Row{1})
				return run(n)
			}}
			knode.Attach(n, []*kpipe.Pipe{in}, []*kpipe.Pipe{out})

			RunUnit(context.Background(), Unit{Name: "n", Node: n})
			assert.Equal(t, kpipe.StateReceiverClosed, in.State())
			assert.Equal(t, kpipe.StateSenderClosed, out.State())
			assert.Equal(t, int64(1), out.Transferred(), "staged rows are flushed")
		}
	})
}

func TestSupervisor(t *testing.T) {
	t.Run("all succeed", func(t *testing.T) {
		var ran atomic.Int32
		var units []Unit
		for i := range 5 {
			units = append(units, Unit{Index: i, Name: "n", Node: &funcNode{run: func(*funcNode) error {
				ran.Add(1)
				return nil
			}}})
		}

		var seen []Result
		s := NewSupervisor(nullLogger(), time.Millisecond)
		s.OnResult = func(r Result) { seen = append(seen, r) }

		failures := s.Run(context.Background(), units)
		assert.Equal(t, 0, len(failures))
		assert.Equal(t, int32(5), ran.Load())
		assert.Equal(t, 5, len(seen))
	})

	t.Run("failures in observed order", func(t *testing.T) {
		release := make(chan struct{})
		first := &funcNode{run: func(*funcNode) error { return errors.New("first") }}
		second := &funcNode{run: func(*funcNode) error {
			<-release
			return errors.New("second")
		}}
		ok := &funcNode{run: func(*funcNode) error { return nil }}

		s := NewSupervisor(nullLogger(), time.Millisecond)
		s.OnResult = func(r Result) {
			if r.Unit.Name == "first" {
				close(release)
			}
		}

		failures := s.Run(context.Background(), []Unit{
			{Index: 0, Name: "second", Node: second},
			{Index: 1, Name: "first", Node: first},
			{Index: 2, Name: "ok", Node: ok},
		})
		assert.Equal(t, 2, len(failures))
		assert.Equal(t, "first", failures[0].Unit.Name)
		assert.Equal(t, "second", failures[1].Unit.Name)
	})

	t.Run("failing consumer releases blocked producer", func(t *testing.T) {
		p := kpipe.New(1)
		producer := &funcNode{run: func(n *funcNode) error {
			for i := 0; ; i++ {
				if !n.Put(kpipe.Row{i}) {
					return nil
				}
			}
		}}
		consumer := &funcNode{run: func(n *funcNode) error {
			for range n.Input(0).Rows() {
				return errors.New("consumer failed")
			}
			return nil
		}}
		knode.Attach(producer, nil, []*kpipe.Pipe{p})
		knode.Attach(consumer, []*kpipe.Pipe{p}, nil)

		done := make(chan struct{})
		var failures []Result
		go func() {
			defer close(done)
			failures = NewSupervisor(nullLogger(), time.Millisecond).Run(context.Background(), []Unit{
				{Index: 0, Name: "producer", Node: producer},
				{Index: 1, Name: "consumer", Node: consumer},
			})
		}()
		waitOrFail(t, done, "supervisor did not return")

		assert.Equal(t, 1, len(failures))
		assert.Equal(t, "consumer", failures[0].Unit.Name)
	})
}
