// Package kpipe implements the bounded channel that carries rows from one
// node to the next.
//
// A Pipe has exactly one producer and one consumer. The producer appends rows
// to a private staging buffer; once the buffer holds BufferSize rows it is
// handed over as the single "ready" batch, blocking while the consumer has not
// yet taken the previous one. At most two batches exist per pipe at any time.
//
// Either side may close the pipe. DoneSending flushes what is staged and marks
// the end of the stream. DoneReceiving is an early exit by the consumer: it
// wakes a blocked producer and every later Put is dropped.
package kpipe

import (
	"iter"
	"sync"
	"sync/atomic"

	"github.com/birdayz/kflow/kfield"
)

// DefaultBufferSize is the batch size used when none is given.
const DefaultBufferSize = 1000

// Row is a sequence of values positionally aligned to a FieldList.
type Row = []any

// Record is a row keyed by field name.
type Record = map[string]any

// State is the observable close state of a pipe.
type State int

const (
	StateOpen State = iota
	StateSenderClosed
	StateReceiverClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateSenderClosed:
		return "sender-closed"
	case StateReceiverClosed:
		return "receiver-closed"
	default:
		return "unknown"
	}
}

// Pipe is a bounded, one-directional handoff of row batches.
type Pipe struct {
	bufferSize int
	fields     *kfield.FieldList

	// staging is touched only by the producer goroutine, pending only by the
	// consumer goroutine.
	staging []Row
	pending []Row

	mu       sync.Mutex
	notFull  *sync.Cond
	notEmpty *sync.Cond
	ready    []Row
	state    State

	closed      atomic.Bool
	transferred atomic.Int64
	dropped     atomic.Int64
}

// New creates an open pipe. A non-positive bufferSize selects
// DefaultBufferSize.
func New(bufferSize int) *Pipe {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	p := &Pipe{
		bufferSize: bufferSize,
		staging:    make([]Row, 0, bufferSize),
	}
	p.notFull = sync.NewCond(&p.mu)
	p.notEmpty = sync.NewCond(&p.mu)
	return p
}

// BufferSize returns the number of rows per batch.
func (p *Pipe) BufferSize() int {
	return p.bufferSize
}

// SetFields sets the schema of the rows carried by the pipe. It must be called
// before the producer and consumer start.
func (p *Pipe) SetFields(fields *kfield.FieldList) {
	p.fields = fields
}

// Fields returns the schema of the rows carried by the pipe.
func (p *Pipe) Fields() *kfield.FieldList {
	return p.fields
}

// State returns whether the pipe is open, or which side closed it first.
func (p *Pipe) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Closed reports whether either side has closed the pipe.
func (p *Pipe) Closed() bool {
	return p.closed.Load()
}

// Transferred returns the number of rows handed to the consumer side.
func (p *Pipe) Transferred() int64 {
	return p.transferred.Load()
}

// Dropped returns the number of rows discarded because the consumer closed
// the pipe before reading them.
func (p *Pipe) Dropped() int64 {
	return p.dropped.Load()
}

// Put stages a row, handing over a full batch when BufferSize is reached.
// It returns false once the pipe is closed; the row is discarded in that
// case and counted as dropped if the consumer closed the pipe.
func (p *Pipe) Put(row Row) bool {
	if p.closed.Load() {
		p.mu.Lock()
		p.dropLocked(1)
		p.mu.Unlock()
		return false
	}
	p.staging = append(p.staging, row)
	if len(p.staging) >= p.bufferSize {
		return p.flush()
	}
	return true
}

// PutRecord converts a record into a row using the pipe's fields and puts it.
// Fields missing from the record become nil.
func (p *Pipe) PutRecord(rec Record) bool {
	return p.Put(RecordToRow(p.fields, rec))
}

// flush moves the staging buffer into the ready slot, waiting until the
// consumer has taken the previous batch or the pipe is closed.
func (p *Pipe) flush() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.ready) > 0 && p.state == StateOpen {
		p.notFull.Wait()
	}
	if p.state != StateOpen {
		p.dropLocked(len(p.staging))
		p.staging = p.staging[:0]
		return false
	}

	p.ready = p.staging
	p.staging = make([]Row, 0, p.bufferSize)
	p.transferred.Add(int64(len(p.ready)))
	p.notEmpty.Signal()
	return true
}

// DoneSending flushes any staged rows and closes the pipe from the producer
// side. Calling it more than once is harmless.
func (p *Pipe) DoneSending() {
	if len(p.staging) > 0 {
		p.flush()
	}
	p.mu.Lock()
	p.closeLocked(StateSenderClosed)
	p.mu.Unlock()
}

// DoneReceiving closes the pipe from the consumer side. A producer blocked in
// Put is released, rows not yet read are discarded and every later Put is a
// no-op. It must be called from the consumer goroutine.
func (p *Pipe) DoneReceiving() {
	if n := len(p.pending); n > 0 {
		p.dropped.Add(int64(n))
		p.pending = nil
	}
	p.mu.Lock()
	if n := len(p.ready); n > 0 {
		p.dropped.Add(int64(n))
		p.ready = nil
	}
	p.closeLocked(StateReceiverClosed)
	p.mu.Unlock()
}

// dropLocked counts n discarded rows. Rows put after the producer's own
// DoneSending are not counted.
func (p *Pipe) dropLocked(n int) {
	if p.state == StateReceiverClosed {
		p.dropped.Add(int64(n))
	}
}

func (p *Pipe) closeLocked(by State) {
	if p.state == StateOpen {
		p.state = by
		p.closed.Store(true)
	}
	p.notFull.Broadcast()
	p.notEmpty.Broadcast()
}

// take blocks until a batch is ready or the pipe is closed. It returns nil
// when the pipe is closed and drained.
func (p *Pipe) take() []Row {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.ready) == 0 && p.state == StateOpen {
		p.notEmpty.Wait()
	}
	if len(p.ready) == 0 {
		return nil
	}
	batch := p.ready
	p.ready = nil
	p.notFull.Signal()
	return batch
}

// Rows iterates over every row until the producer is done. Breaking out of the
// loop leaves the pipe open and a later Rows call resumes with the next row;
// the consumer signals that it wants no more rows with DoneReceiving.
func (p *Pipe) Rows() iter.Seq[Row] {
	return func(yield func(Row) bool) {
		for {
			if len(p.pending) == 0 {
				if p.pending = p.take(); p.pending == nil {
					return
				}
			}
			row := p.pending[0]
			p.pending = p.pending[1:]
			if !yield(row) {
				return
			}
		}
	}
}

// Records is like Rows but yields each row keyed by field name.
func (p *Pipe) Records() iter.Seq[Record] {
	return func(yield func(Record) bool) {
		for row := range p.Rows() {
			if !yield(RowToRecord(p.fields, row)) {
				return
			}
		}
	}
}

// RowToRecord keys a row by the names of fields. Extra values are ignored.
func RowToRecord(fields *kfield.FieldList, row Row) Record {
	names := fields.Names()
	rec := make(Record, len(names))
	for i, name := range names {
		if i < len(row) {
			rec[name] = row[i]
		}
	}
	return rec
}

// RecordToRow orders the values of a record by fields.
func RecordToRow(fields *kfield.FieldList, rec Record) Row {
	names := fields.Names()
	row := make(Row, len(names))
	for i, name := range names {
		row[i] = rec[name]
	}
	return row
}
