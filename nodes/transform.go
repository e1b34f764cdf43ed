package nodes

import (
	"context"
	"fmt"

	"github.com/birdayz/kflow/kfield"
	"github.com/birdayz/kflow/knode"
	"github.com/birdayz/kflow/kpipe"
)

// Filter passes the rows for which Predicate returns true.
type Filter struct {
	knode.Base

	Predicate func(rec kpipe.Record) bool
}

func (f *Filter) Initialize(ctx context.Context) error {
	if f.Predicate == nil {
		return fmt.Errorf("%w: filter predicate", ErrMissingSetting)
	}
	return requireInputs(f, 1)
}

func (f *Filter) Run(ctx context.Context) error {
	in := f.Input(0)
	for row := range in.Rows() {
		if !f.Predicate(kpipe.RowToRecord(in.Fields(), row)) {
			continue
		}
		if !f.Put(row) {
			return nil
		}
	}
	return nil
}

// Map replaces every row by the result of Func. Fields declares the output
// schema; without it the input schema is kept. A nil row from Func drops the
// row.
type Map struct {
	knode.Base

	Fields *kfield.FieldList
	Func   func(row kpipe.Row) (kpipe.Row, error)
}

func (m *Map) Initialize(ctx context.Context) error {
	if m.Func == nil {
		return fmt.Errorf("%w: map function", ErrMissingSetting)
	}
	return requireInputs(m, 1)
}

func (m *Map) OutputFields() (*kfield.FieldList, error) {
	if m.Fields != nil {
		return m.Fields, nil
	}
	return m.Base.OutputFields()
}

func (m *Map) Run(ctx context.Context) error {
	i := 0
	for row := range m.Input(0).Rows() {
		out, err := m.Func(row)
		if err != nil {
			return fmt.Errorf("map row %d: %w", i, err)
		}
		i++
		if out == nil {
			continue
		}
		if !m.Put(out) {
			return nil
		}
	}
	return nil
}

// FieldMap renames, drops and keeps fields. Rename is applied first; Drop and
// Keep refer to the renamed fields. Keep also defines the output order.
type FieldMap struct {
	knode.Base

	Rename map[string]string
	Drop   []string
	Keep   []string

	fields *kfield.FieldList
	proj   []int
}

func (m *FieldMap) Initialize(ctx context.Context) error {
	if err := requireInputs(m, 1); err != nil {
		return err
	}
	in := m.InputFields()

	renamed, err := in.Rename(m.Rename)
	if err != nil {
		return err
	}
	out := renamed
	if len(m.Drop) > 0 {
		if out, err = out.Drop(m.Drop...); err != nil {
			return err
		}
	}
	if len(m.Keep) > 0 {
		if out, err = out.Keep(m.Keep...); err != nil {
			return err
		}
	}

	// Renaming keeps positions, so indexes into the renamed list are indexes
	// into the input rows.
	m.proj, err = renamed.Indexes(out.Names()...)
	if err != nil {
		return err
	}
	m.fields = out
	return nil
}

func (m *FieldMap) OutputFields() (*kfield.FieldList, error) {
	if m.fields == nil {
		return nil, fmt.Errorf("%w: field map is not initialized", knode.ErrOutputFieldsUndeclared)
	}
	return m.fields, nil
}

func (m *FieldMap) Run(ctx context.Context) error {
	for row := range m.Input(0).Rows() {
		out := make(kpipe.Row, len(m.proj))
		for i, j := range m.proj {
			if j < len(row) {
				out[i] = row[j]
			}
		}
		if !m.Put(out) {
			return nil
		}
	}
	return nil
}

func (m *FieldMap) Attributes() map[string]any {
	return map[string]any{
		"rename": m.Rename,
		"drop":   m.Drop,
		"keep":   m.Keep,
	}
}
