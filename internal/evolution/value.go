package evolution

import (
	"encoding/json"
	"math"
	"reflect"
)

// Value is a flat map of scalar, boolean or string configuration fields.
type Value map[string]any

// Clone returns a shallow copy. Fields are scalars, so this is a full copy.
func (v Value) Clone() Value {
	if v == nil {
		return nil
	}
	out := make(Value, len(v))
	for k, x := range v {
		out[k] = x
	}
	return out
}

// Equal compares two values field by field, treating numbers by magnitude.
func (v Value) Equal(o Value) bool {
	if len(v) != len(o) {
		return false
	}
	for k, a := range v {
		b, ok := o[k]
		if !ok {
			return false
		}
		fa, aNum := Number(a)
		fb, bNum := Number(b)
		if aNum && bNum {
			if fa != fb {
				return false
			}
			continue
		}
		if !reflect.DeepEqual(a, b) {
			return false
		}
	}
	return true
}

// Number returns x as float64 if it is numeric. Booleans are not numeric.
func Number(x any) (float64, bool) {
	switch n := x.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// IsInteger reports whether x is an integer type or an integral float.
func IsInteger(x any) bool {
	switch n := x.(type) {
	case int, int32, int64:
		return true
	case float64:
		return n == math.Trunc(n) && !math.IsInf(n, 0)
	case float32:
		return float64(n) == math.Trunc(float64(n))
	case json.Number:
		_, err := n.Int64()
		return err == nil
	default:
		return false
	}
}

// isIntType reports whether x is stored as a Go integer.
func isIntType(x any) bool {
	switch x.(type) {
	case int, int32, int64:
		return true
	}
	return false
}

// Blend moves base toward target: numeric fields by linear interpolation
// with factor t, other fields are replaced when replace is true. Integer
// fields of base stay integers.
func Blend(base, target Value, t float64, replace bool) Value {
	return mix(base, target, t, replace, true)
}

func mix(base, target Value, t float64, replace, keepInts bool) Value {
	out := base.Clone()
	if out == nil {
		out = Value{}
	}
	for k, tv := range target {
		bv, ok := out[k]
		if !ok {
			if replace {
				out[k] = tv
			}
			continue
		}
		fb, bNum := Number(bv)
		ft, tNum := Number(tv)
		if bNum && tNum {
			mixed := fb + t*(ft-fb)
			if keepInts && isIntType(bv) {
				out[k] = int(math.Round(mixed))
			} else {
				out[k] = mixed
			}
			continue
		}
		if replace {
			out[k] = tv
		}
	}
	return out
}
