package nodes

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/birdayz/kflow/kfield"
	"github.com/birdayz/kflow/knode"
)

var (
	ErrNotNumeric     = errors.New("value is not numeric")
	ErrNotInteger     = errors.New("value is not an integer")
	ErrOverflow       = errors.New("integer overflow")
	ErrInputMismatch  = errors.New("input fields do not match")
	ErrWrongArity     = errors.New("wrong number of inputs")
	ErrMissingSetting = errors.New("missing setting")
)

// FieldSpec is the configuration form of a field.
type FieldSpec struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// FieldList builds a field list from specs.
func FieldList(specs []FieldSpec) (*kfield.FieldList, error) {
	fields := make([]kfield.Field, 0, len(specs))
	for _, s := range specs {
		fields = append(fields, kfield.NewField(s.Name, kfield.ParseStorageType(s.Type)))
	}
	return kfield.New(fields...)
}

func requireInputs(n knode.Node, want int) error {
	if got := len(knode.Inputs(n)); got != want {
		return fmt.Errorf("%w: %T needs %d, has %d", ErrWrongArity, n, want, got)
	}
	return nil
}

// toFloat converts numeric values and numeric strings.
func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case int:
		return float64(x), nil
	case int8:
		return float64(x), nil
	case int16:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint:
		return float64(x), nil
	case uint8:
		return float64(x), nil
	case uint16:
		return float64(x), nil
	case uint32:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case float32:
		return float64(x), nil
	case float64:
		return x, nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrNotNumeric, x)
		}
		return f, nil
	case []byte:
		return toFloat(string(x))
	default:
		return 0, fmt.Errorf("%w: %T", ErrNotNumeric, v)
	}
}

// toInt64 converts integral values and integer strings without going through
// float64, so values beyond 2^53 keep their precision.
func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint:
		return uintToInt64(uint64(x))
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		return uintToInt64(x)
	case float32:
		return floatToInt64(float64(x))
	case float64:
		return floatToInt64(x)
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case string:
		s := strings.TrimSpace(x)
		i, err := strconv.ParseInt(s, 10, 64)
		if err == nil {
			return i, nil
		}
		if errors.Is(err, strconv.ErrRange) {
			return 0, fmt.Errorf("%w: %q", ErrOverflow, x)
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrNotNumeric, x)
		}
		return floatToInt64(f)
	case []byte:
		return toInt64(string(x))
	default:
		return 0, fmt.Errorf("%w: %T", ErrNotNumeric, v)
	}
}

func uintToInt64(u uint64) (int64, error) {
	if u > math.MaxInt64 {
		return 0, fmt.Errorf("%w: %d", ErrOverflow, u)
	}
	return int64(u), nil
}

// floatToInt64 accepts only integral floats inside the int64 range.
func floatToInt64(f float64) (int64, error) {
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("%w: %v", ErrNotInteger, f)
	}
	// -2^63 is exact in float64; 2^63 is the first value out of range.
	if f < math.MinInt64 || f >= -math.MinInt64 {
		return 0, fmt.Errorf("%w: %v", ErrOverflow, f)
	}
	return int64(f), nil
}

// addInt64 adds with overflow detection.
func addInt64(a, b int64) (int64, error) {
	s := a + b
	if (b > 0 && s < a) || (b < 0 && s > a) {
		return 0, fmt.Errorf("%w: %d + %d", ErrOverflow, a, b)
	}
	return s, nil
}

// coerce converts v to the Go type conventionally used for a storage type.
// Values that do not convert are returned unchanged.
func coerce(st kfield.StorageType, v any) any {
	if v == nil {
		return nil
	}
	switch st {
	case kfield.StorageInteger:
		if i, err := toInt64(v); err == nil {
			return i
		}
	case kfield.StorageFloat:
		if f, err := toFloat(v); err == nil {
			return f
		}
	case kfield.StorageBoolean:
		switch x := v.(type) {
		case bool:
			return x
		case string:
			if b, err := strconv.ParseBool(strings.TrimSpace(x)); err == nil {
				return b
			}
		default:
			if f, err := toFloat(v); err == nil {
				return f != 0
			}
		}
	case kfield.StorageString:
		switch x := v.(type) {
		case string:
			return x
		case []byte:
			return string(x)
		case time.Time:
			return x.Format(time.RFC3339Nano)
		default:
			return fmt.Sprint(x)
		}
	case kfield.StorageDate:
		if s, ok := v.(string); ok {
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				return t
			}
			if t, err := time.Parse(time.DateOnly, s); err == nil {
				return t
			}
		}
	}
	return v
}

// groupKey builds a map key from the values at idx. %#v keeps 1 and "1"
// apart.
func groupKey(row []any, idx []int) string {
	var b strings.Builder
	for i, j := range idx {
		if i > 0 {
			b.WriteByte(0)
		}
		fmt.Fprintf(&b, "%#v", row[j])
	}
	return b.String()
}

// fieldNames returns the names of the fields at idx.
func fieldNames(fields *kfield.FieldList, idx []int) []string {
	names := make([]string, len(idx))
	for i, j := range idx {
		names[i] = fields.Field(j).Name
	}
	return names
}
