package nodes

import (
	"context"
	"sync"

	"github.com/birdayz/kflow/kfield"
	"github.com/birdayz/kflow/knode"
	"github.com/birdayz/kflow/kpipe"
)

// ListSource emits a fixed list of rows.
type ListSource struct {
	knode.Source

	Fields *kfield.FieldList
	Rows   []kpipe.Row
}

func (s *ListSource) OutputFields() (*kfield.FieldList, error) {
	if s.Fields == nil {
		return s.Source.OutputFields()
	}
	return s.Fields, nil
}

func (s *ListSource) Run(ctx context.Context) error {
	for _, row := range s.Rows {
		if !s.Put(row) {
			return nil
		}
	}
	return nil
}

func (s *ListSource) Attributes() map[string]any {
	return map[string]any{
		"fields": s.Fields.Names(),
		"rows":   len(s.Rows),
	}
}

// ListTarget collects every row of all its inputs. Rows from several inputs
// are collected input after input.
type ListTarget struct {
	knode.Target

	mu     sync.Mutex
	rows   []kpipe.Row
	fields *kfield.FieldList
}

func (t *ListTarget) Initialize(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows = nil
	t.fields = t.InputFields()
	return nil
}

func (t *ListTarget) Run(ctx context.Context) error {
	for _, in := range t.Inputs() {
		for row := range in.Rows() {
			t.mu.Lock()
			t.rows = append(t.rows, row)
			t.mu.Unlock()
		}
	}
	return nil
}

// Rows returns the rows collected by the last run.
func (t *ListTarget) Rows() []kpipe.Row {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]kpipe.Row(nil), t.rows...)
}

// Records returns the collected rows keyed by the fields of the first input.
func (t *ListTarget) Records() []kpipe.Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]kpipe.Record, len(t.rows))
	for i, row := range t.rows {
		out[i] = kpipe.RowToRecord(t.fields, row)
	}
	return out
}

// Fields returns the fields of the first input of the last run.
func (t *ListTarget) Fields() *kfield.FieldList {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fields
}
