package nodes

import (
	"context"
	"fmt"
	"slices"

	"github.com/birdayz/kflow/kfield"
	"github.com/birdayz/kflow/knode"
)

// Append concatenates its inputs in input order: every row of the first
// input, then every row of the second, and so on. All inputs must carry the
// same field names.
type Append struct {
	knode.Base
}

func (a *Append) Initialize(ctx context.Context) error {
	inputs := a.Inputs()
	if len(inputs) == 0 {
		return fmt.Errorf("%w: append needs at least one input", ErrWrongArity)
	}
	first := inputs[0].Fields().Names()
	for i, in := range inputs[1:] {
		if names := in.Fields().Names(); !slices.Equal(first, names) {
			return fmt.Errorf("%w: input #%d has %v, input #0 has %v", ErrInputMismatch, i+1, names, first)
		}
	}
	return nil
}

func (a *Append) OutputFields() (*kfield.FieldList, error) {
	if len(a.Inputs()) == 0 {
		return nil, knode.ErrNoInput
	}
	return a.InputFields(), nil
}

func (a *Append) Run(ctx context.Context) error {
	for _, in := range a.Inputs() {
		for row := range in.Rows() {
			if !a.Put(row) {
				return nil
			}
		}
	}
	return nil
}
