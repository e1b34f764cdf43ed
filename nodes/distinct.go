package nodes

import (
	"context"

	"github.com/birdayz/kflow/knode"
)

// Distinct passes the first row of every distinct key. With Discard set it
// passes the duplicates instead. Without Keys the whole row is the key.
type Distinct struct {
	knode.Base

	Keys    []string
	Discard bool

	keyIdx []int
}

func (d *Distinct) Initialize(ctx context.Context) error {
	if err := requireInputs(d, 1); err != nil {
		return err
	}
	fields := d.InputFields()
	if len(d.Keys) == 0 {
		d.keyIdx = make([]int, fields.Len())
		for i := range d.keyIdx {
			d.keyIdx[i] = i
		}
		return nil
	}

	var err error
	d.keyIdx, err = fields.Indexes(d.Keys...)
	return err
}

func (d *Distinct) Run(ctx context.Context) error {
	seen := make(map[string]struct{})
	for row := range d.Input(0).Rows() {
		key := groupKey(row, d.keyIdx)
		_, dup := seen[key]
		if !dup {
			seen[key] = struct{}{}
		}
		if dup != d.Discard {
			continue
		}
		if !d.Put(row) {
			return nil
		}
	}
	return nil
}

func (d *Distinct) Attributes() map[string]any {
	return map[string]any{
		"keys":    d.Keys,
		"discard": d.Discard,
	}
}
