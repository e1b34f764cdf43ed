package nodes

import (
	"context"
	"fmt"
	"math"

	"github.com/birdayz/kflow/kfield"
	"github.com/birdayz/kflow/knode"
	"github.com/birdayz/kflow/kpipe"
)

// Aggregation is an aggregate function applied to a measure.
type Aggregation string

const (
	AggSum Aggregation = "sum"
	AggMin Aggregation = "min"
	AggMax Aggregation = "max"
	AggAvg Aggregation = "avg"
)

// DefaultCountField is the name of the row count column of an Aggregate.
const DefaultCountField = "record_count"

// Aggregate groups its input by Keys and computes Aggregations over every
// measure. The output carries the key fields, one <measure>_<aggregation>
// field per measure and aggregation, and the row count of the group. Groups
// are emitted in the order they first appeared.
type Aggregate struct {
	knode.Base

	Keys         []string
	Measures     []string
	Aggregations []Aggregation
	CountField   string

	fields     *kfield.FieldList
	keyIdx     []int
	measureIdx []int
	integer    []bool
}

// aggState holds the accumulators of one group. Integer measures use the
// int64 slices, all others the float64 ones.
type aggState struct {
	keys  kpipe.Row
	count int64
	seen  []int64

	sum, min, max    []float64
	isum, imin, imax []int64
}

func (a *Aggregate) aggregations() []Aggregation {
	if len(a.Aggregations) == 0 {
		return []Aggregation{AggSum}
	}
	return a.Aggregations
}

func (a *Aggregate) Initialize(ctx context.Context) error {
	if err := requireInputs(a, 1); err != nil {
		return err
	}
	in := a.InputFields()

	var err error
	if a.keyIdx, err = in.Indexes(a.Keys...); err != nil {
		return err
	}
	if a.measureIdx, err = in.Indexes(a.Measures...); err != nil {
		return err
	}

	var out []kfield.Field
	for _, i := range a.keyIdx {
		out = append(out, in.Field(i))
	}

	a.integer = make([]bool, len(a.measureIdx))
	for m, i := range a.measureIdx {
		measure := in.Field(i)
		a.integer[m] = measure.StorageType == kfield.StorageInteger
		for _, agg := range a.aggregations() {
			st := kfield.StorageFloat
			switch agg {
			case AggSum, AggMin, AggMax:
				if a.integer[m] {
					st = kfield.StorageInteger
				}
			case AggAvg:
			default:
				return fmt.Errorf("unknown aggregation %q", agg)
			}
			out = append(out, kfield.NewField(measure.Name+"_"+string(agg), st))
		}
	}

	countField := a.CountField
	if countField == "" {
		countField = DefaultCountField
	}
	out = append(out, kfield.NewField(countField, kfield.StorageInteger))

	a.fields, err = kfield.New(out...)
	return err
}

func (a *Aggregate) OutputFields() (*kfield.FieldList, error) {
	if a.fields == nil {
		return nil, fmt.Errorf("%w: aggregate is not initialized", knode.ErrOutputFieldsUndeclared)
	}
	return a.fields, nil
}

func (a *Aggregate) Run(ctx context.Context) error {
	in := a.Input(0)
	measureFields := make([]kfield.Field, len(a.measureIdx))
	for i, j := range a.measureIdx {
		measureFields[i] = in.Fields().Field(j)
	}

	groups := make(map[string]*aggState)
	var order []*aggState

	for row := range in.Rows() {
		key := groupKey(row, a.keyIdx)
		g, ok := groups[key]
		if !ok {
			g = a.newState(row)
			groups[key] = g
			order = append(order, g)
		}

		g.count++
		for i, j := range a.measureIdx {
			v := row[j]
			if measureFields[i].IsMissing(v) {
				continue
			}
			var err error
			if a.integer[i] {
				err = g.addInt(i, v)
			} else {
				err = g.addFloat(i, v)
			}
			if err != nil {
				return fmt.Errorf("measure %s: %w", measureFields[i].Name, err)
			}
			g.seen[i]++
		}
	}

	for _, g := range order {
		if !a.Put(a.result(g)) {
			return nil
		}
	}
	return nil
}

func (a *Aggregate) newState(row kpipe.Row) *aggState {
	n := len(a.measureIdx)
	g := &aggState{
		keys: make(kpipe.Row, len(a.keyIdx)),
		seen: make([]int64, n),
		sum:  make([]float64, n),
		min:  make([]float64, n),
		max:  make([]float64, n),
		isum: make([]int64, n),
		imin: make([]int64, n),
		imax: make([]int64, n),
	}
	for i, j := range a.keyIdx {
		g.keys[i] = row[j]
	}
	return g
}

func (g *aggState) addFloat(i int, v any) error {
	f, err := toFloat(v)
	if err != nil {
		return err
	}
	if g.seen[i] == 0 {
		g.min[i], g.max[i] = f, f
	} else {
		g.min[i] = math.Min(g.min[i], f)
		g.max[i] = math.Max(g.max[i], f)
	}
	g.sum[i] += f
	return nil
}

func (g *aggState) addInt(i int, v any) error {
	n, err := toInt64(v)
	if err != nil {
		return err
	}
	if g.seen[i] == 0 {
		g.imin[i], g.imax[i] = n, n
	} else {
		g.imin[i] = min(g.imin[i], n)
		g.imax[i] = max(g.imax[i], n)
	}
	g.isum[i], err = addInt64(g.isum[i], n)
	return err
}

func (a *Aggregate) result(g *aggState) kpipe.Row {
	row := make(kpipe.Row, 0, a.fields.Len())
	row = append(row, g.keys...)

	for i := range a.measureIdx {
		for _, agg := range a.aggregations() {
			var v any
			if g.seen[i] > 0 {
				v = g.value(i, agg, a.integer[i])
			}
			row = append(row, v)
		}
	}
	return append(row, g.count)
}

func (g *aggState) value(i int, agg Aggregation, integer bool) any {
	if integer {
		switch agg {
		case AggSum:
			return g.isum[i]
		case AggMin:
			return g.imin[i]
		case AggMax:
			return g.imax[i]
		case AggAvg:
			return float64(g.isum[i]) / float64(g.seen[i])
		}
	}
	switch agg {
	case AggSum:
		return g.sum[i]
	case AggMin:
		return g.min[i]
	case AggMax:
		return g.max[i]
	case AggAvg:
		return g.sum[i] / float64(g.seen[i])
	}
	return nil
}

func (a *Aggregate) Attributes() map[string]any {
	return map[string]any{
		"keys":         a.Keys,
		"measures":     a.Measures,
		"aggregations": a.aggregations(),
	}
}
