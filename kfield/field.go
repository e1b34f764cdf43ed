package kfield

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for schema operations.
var (
	ErrDuplicateField = errors.New("duplicate field")
	ErrFieldNotFound  = errors.New("field not found")
	ErrFrozen         = errors.New("field list is frozen")
	ErrInvalidName    = errors.New("invalid field name")
)

// StorageType describes how values of a field are stored.
type StorageType int

const (
	StorageUnknown StorageType = iota
	StorageString
	StorageInteger
	StorageFloat
	StorageBoolean
	StorageDate
)

func (t StorageType) String() string {
	switch t {
	case StorageString:
		return "string"
	case StorageInteger:
		return "integer"
	case StorageFloat:
		return "float"
	case StorageBoolean:
		return "boolean"
	case StorageDate:
		return "date"
	default:
		return "unknown"
	}
}

// ParseStorageType maps a storage type name back to its tag. Unrecognized
// names map to StorageUnknown.
func ParseStorageType(s string) StorageType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "string", "text":
		return StorageString
	case "integer", "int":
		return StorageInteger
	case "float", "number":
		return StorageFloat
	case "boolean", "bool":
		return StorageBoolean
	case "date":
		return StorageDate
	default:
		return StorageUnknown
	}
}

// AnalyticalType describes how a field is meant to be used in analysis.
type AnalyticalType int

const (
	AnalyticalDefault AnalyticalType = iota
	AnalyticalTypeless
	AnalyticalFlag
	AnalyticalDiscrete
	AnalyticalMeasure
	AnalyticalNominal
	AnalyticalOrdinal
)

func (t AnalyticalType) String() string {
	switch t {
	case AnalyticalTypeless:
		return "typeless"
	case AnalyticalFlag:
		return "flag"
	case AnalyticalDiscrete:
		return "discrete"
	case AnalyticalMeasure:
		return "measure"
	case AnalyticalNominal:
		return "nominal"
	case AnalyticalOrdinal:
		return "ordinal"
	default:
		return "default"
	}
}

// DefaultAnalyticalType returns the analytical type implied by a storage type
// when none is given explicitly.
func DefaultAnalyticalType(st StorageType) AnalyticalType {
	switch st {
	case StorageInteger, StorageFloat:
		return AnalyticalMeasure
	case StorageBoolean:
		return AnalyticalFlag
	case StorageString:
		return AnalyticalTypeless
	default:
		return AnalyticalTypeless
	}
}

// Field describes one named column flowing through a pipe. Field is a value
// type; a FieldList hands out copies, so a shared list cannot be changed
// through its fields.
type Field struct {
	Name            string
	StorageType     StorageType
	AnalyticalType  AnalyticalType
	ConcreteStorage string
	MissingValues   []any
}

// NewField creates a field with the analytical type derived from the storage
// type.
func NewField(name string, st StorageType) Field {
	return Field{
		Name:           name,
		StorageType:    st,
		AnalyticalType: DefaultAnalyticalType(st),
	}
}

// IsMissing reports whether v is one of the field's missing-value markers.
// A nil value is always missing.
func (f Field) IsMissing(v any) bool {
	if v == nil {
		return true
	}
	for _, m := range f.MissingValues {
		if m == v {
			return true
		}
	}
	return false
}

func (f Field) clone() Field {
	if f.MissingValues != nil {
		f.MissingValues = append([]any(nil), f.MissingValues...)
	}
	return f
}

// Equal compares two fields by name and types. Missing-value markers are
// ignored.
func (f Field) Equal(o Field) bool {
	return f.Name == o.Name &&
		f.StorageType == o.StorageType &&
		f.AnalyticalType == o.AnalyticalType &&
		f.ConcreteStorage == o.ConcreteStorage
}

func (f Field) String() string {
	return fmt.Sprintf("%s(%s)", f.Name, f.StorageType)
}
