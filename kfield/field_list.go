package kfield

import (
	"fmt"
	"strings"
)

// FieldList is the ordered schema of the rows carried by a pipe.
//
// A list is created by a node during initialization and then handed to every
// outgoing pipe. The stream freezes it at that point: a frozen list rejects
// mutation and derived lists (Rename, Drop, Keep) are always new, unfrozen
// lists.
type FieldList struct {
	fields []Field
	index  map[string]int
	frozen bool
}

// New creates a field list. Field names must be non-empty and unique.
func New(fields ...Field) (*FieldList, error) {
	fl := &FieldList{
		fields: make([]Field, 0, len(fields)),
		index:  make(map[string]int, len(fields)),
	}
	for _, f := range fields {
		if err := fl.Append(f); err != nil {
			return nil, err
		}
	}
	return fl, nil
}

// MustNew is like New but panics on error.
func MustNew(fields ...Field) *FieldList {
	fl, err := New(fields...)
	if err != nil {
		panic(err)
	}
	return fl
}

// FromNames creates a list of fields with unknown storage type.
func FromNames(names ...string) (*FieldList, error) {
	fields := make([]Field, len(names))
	for i, name := range names {
		fields[i] = NewField(name, StorageUnknown)
	}
	return New(fields...)
}

// MustFromNames is like FromNames but panics on error.
func MustFromNames(names ...string) *FieldList {
	fl, err := FromNames(names...)
	if err != nil {
		panic(err)
	}
	return fl
}

// Append adds a field to the end of the list.
func (fl *FieldList) Append(f Field) error {
	if fl.frozen {
		return fmt.Errorf("%w: cannot append %q", ErrFrozen, f.Name)
	}
	if strings.TrimSpace(f.Name) == "" {
		return fmt.Errorf("%w: field name cannot be empty", ErrInvalidName)
	}
	if _, exists := fl.index[f.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateField, f.Name)
	}
	if fl.index == nil {
		fl.index = make(map[string]int)
	}
	fl.index[f.Name] = len(fl.fields)
	fl.fields = append(fl.fields, f.clone())
	return nil
}

// Freeze makes the list immutable. Freezing twice is a no-op.
func (fl *FieldList) Freeze() *FieldList {
	fl.frozen = true
	return fl
}

// Frozen reports whether the list has been frozen.
func (fl *FieldList) Frozen() bool {
	return fl.frozen
}

// Len returns the number of fields.
func (fl *FieldList) Len() int {
	if fl == nil {
		return 0
	}
	return len(fl.fields)
}

// Field returns a copy of the field at position i.
func (fl *FieldList) Field(i int) Field {
	return fl.fields[i].clone()
}

// Fields returns copies of all fields in order.
func (fl *FieldList) Fields() []Field {
	out := make([]Field, len(fl.fields))
	for i, f := range fl.fields {
		out[i] = f.clone()
	}
	return out
}

// Names returns the field names in order.
func (fl *FieldList) Names() []string {
	if fl == nil {
		return nil
	}
	names := make([]string, len(fl.fields))
	for i, f := range fl.fields {
		names[i] = f.Name
	}
	return names
}

// Index returns the position of the named field.
func (fl *FieldList) Index(name string) (int, bool) {
	i, ok := fl.index[name]
	return i, ok
}

// Indexes resolves several names at once.
func (fl *FieldList) Indexes(names ...string) ([]int, error) {
	idx := make([]int, len(names))
	for i, name := range names {
		pos, ok := fl.index[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrFieldNotFound, name)
		}
		idx[i] = pos
	}
	return idx, nil
}

// FieldByName returns a copy of the named field.
func (fl *FieldList) FieldByName(name string) (Field, error) {
	i, ok := fl.index[name]
	if !ok {
		return Field{}, fmt.Errorf("%w: %s", ErrFieldNotFound, name)
	}
	return fl.fields[i].clone(), nil
}

// Clone returns an unfrozen copy of the list.
func (fl *FieldList) Clone() *FieldList {
	return MustNew(fl.fields...)
}

// Rename derives a list with fields renamed according to the mapping
// old name -> new name. Unknown old names are an error.
func (fl *FieldList) Rename(mapping map[string]string) (*FieldList, error) {
	for old := range mapping {
		if _, ok := fl.index[old]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrFieldNotFound, old)
		}
	}
	fields := make([]Field, len(fl.fields))
	for i, f := range fl.fields {
		if to, ok := mapping[f.Name]; ok {
			f.Name = to
		}
		fields[i] = f
	}
	return New(fields...)
}

// Drop derives a list without the named fields.
func (fl *FieldList) Drop(names ...string) (*FieldList, error) {
	drop := make(map[string]bool, len(names))
	for _, name := range names {
		if _, ok := fl.index[name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrFieldNotFound, name)
		}
		drop[name] = true
	}
	fields := make([]Field, 0, len(fl.fields))
	for _, f := range fl.fields {
		if !drop[f.Name] {
			fields = append(fields, f)
		}
	}
	return New(fields...)
}

// Keep derives a list with only the named fields, in the order of names.
func (fl *FieldList) Keep(names ...string) (*FieldList, error) {
	fields := make([]Field, 0, len(names))
	for _, name := range names {
		i, ok := fl.index[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrFieldNotFound, name)
		}
		fields = append(fields, fl.fields[i])
	}
	return New(fields...)
}

// Equal reports whether both lists have equal fields in the same order.
func (fl *FieldList) Equal(o *FieldList) bool {
	if fl.Len() != o.Len() {
		return false
	}
	for i := range fl.fields {
		if !fl.fields[i].Equal(o.fields[i]) {
			return false
		}
	}
	return true
}

func (fl *FieldList) String() string {
	if fl == nil {
		return "[]"
	}
	parts := make([]string, len(fl.fields))
	for i, f := range fl.fields {
		parts[i] = f.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
