package kfield

import (
	"errors"
	"testing"

	"github.com/alecthomas/assert/v2"
)

func TestNew(t *testing.T) {
	t.Run("keeps order and index", func(t *testing.T) {
		fl, err := New(NewField("id", StorageInteger), NewField("name", StorageString))
		assert.NoError(t, err)
		assert.Equal(t, 2, fl.Len())
		assert.Equal(t, []string{"id", "name"}, fl.Names())

		i, ok := fl.Index("name")
		assert.True(t, ok)
		assert.Equal(t, 1, i)

		_, ok = fl.Index("missing")
		assert.False(t, ok)
	})

	t.Run("duplicate name", func(t *testing.T) {
		_, err := FromNames("a", "b", "a")
		assert.Error(t, err)
		assert.True(t, errors.Is(err, ErrDuplicateField))
	})

	t.Run("empty name", func(t *testing.T) {
		_, err := FromNames("a", " ")
		assert.True(t, errors.Is(err, ErrInvalidName))
	})

	t.Run("analytical type follows storage type", func(t *testing.T) {
		assert.Equal(t, AnalyticalMeasure, NewField("v", StorageFloat).AnalyticalType)
		assert.Equal(t, AnalyticalFlag, NewField("b", StorageBoolean).AnalyticalType)
		assert.Equal(t, AnalyticalTypeless, NewField("s", StorageString).AnalyticalType)
	})
}

func TestFreeze(t *testing.T) {
	fl := MustFromNames("a", "b").Freeze()
	assert.True(t, fl.Frozen())

	err := fl.Append(NewField("c", StorageString))
	assert.True(t, errors.Is(err, ErrFrozen))
	assert.Equal(t, 2, fl.Len())

	clone := fl.Clone()
	assert.False(t, clone.Frozen())
	assert.NoError(t, clone.Append(NewField("c", StorageString)))
	assert.Equal(t, 2, fl.Len())
}

func TestFieldCopiesDoNotLeak(t *testing.T) {
	fl := MustNew(Field{Name: "a", MissingValues: []any{""}}).Freeze()

	f := fl.Field(0)
	f.Name = "changed"
	f.MissingValues[0] = "n/a"

	assert.Equal(t, "a", fl.Field(0).Name)
	assert.Equal(t, []any{""}, fl.Field(0).MissingValues)
}

func TestDerive(t *testing.T) {
	base := MustNew(
		NewField("id", StorageInteger),
		NewField("name", StorageString),
		NewField("amount", StorageFloat),
	).Freeze()

	t.Run("rename", func(t *testing.T) {
		fl, err := base.Rename(map[string]string{"name": "customer"})
		assert.NoError(t, err)
		assert.Equal(t, []string{"id", "customer", "amount"}, fl.Names())
		assert.Equal(t, []string{"id", "name", "amount"}, base.Names())
	})

	t.Run("rename unknown", func(t *testing.T) {
		_, err := base.Rename(map[string]string{"nope": "x"})
		assert.True(t, errors.Is(err, ErrFieldNotFound))
	})

	t.Run("rename into collision", func(t *testing.T) {
		_, err := base.Rename(map[string]string{"name": "id"})
		assert.True(t, errors.Is(err, ErrDuplicateField))
	})

	t.Run("drop", func(t *testing.T) {
		fl, err := base.Drop("name")
		assert.NoError(t, err)
		assert.Equal(t, []string{"id", "amount"}, fl.Names())
	})

	t.Run("keep reorders", func(t *testing.T) {
		fl, err := base.Keep("amount", "id")
		assert.NoError(t, err)
		assert.Equal(t, []string{"amount", "id"}, fl.Names())
		f, err := fl.FieldByName("amount")
		assert.NoError(t, err)
		assert.Equal(t, StorageFloat, f.StorageType)
	})

	t.Run("indexes", func(t *testing.T) {
		idx, err := base.Indexes("amount", "id")
		assert.NoError(t, err)
		assert.Equal(t, []int{2, 0}, idx)

		_, err = base.Indexes("id", "nope")
		assert.True(t, errors.Is(err, ErrFieldNotFound))
	})
}

func TestEqual(t *testing.T) {
	a := MustNew(NewField("x", StorageInteger), NewField("y", StorageString))
	b := MustNew(NewField("x", StorageInteger), NewField("y", StorageString))
	c := MustNew(NewField("x", StorageFloat), NewField("y", StorageString))

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.False(t, a.Equal(MustFromNames("x")))
}

func TestParseStorageType(t *testing.T) {
	for name, want := range map[string]StorageType{
		"string":  StorageString,
		"Integer": StorageInteger,
		"float":   StorageFloat,
		"bool":    StorageBoolean,
		"date":    StorageDate,
		"blob":    StorageUnknown,
	} {
		assert.Equal(t, want, ParseStorageType(name), name)
	}
}

func TestIsMissing(t *testing.T) {
	f := Field{Name: "v", MissingValues: []any{"", "n/a"}}
	assert.True(t, f.IsMissing(nil))
	assert.True(t, f.IsMissing("n/a"))
	assert.False(t, f.IsMissing("x"))
}
