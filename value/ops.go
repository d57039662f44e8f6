package value

import (
	"math"
	"reflect"
	"strings"

	"gitlab.com/tozd/go/errors"
)

var (
	// ErrDivisionByZero is returned by Div and Rem for a zero divisor.
	ErrDivisionByZero = errors.Base("division by zero")
	// ErrOverflow is returned when integer arithmetic overflows.
	ErrOverflow = errors.Base("integer overflow")
	// ErrInvalidOperation is returned when an operator does not support its
	// operand kinds.
	ErrInvalidOperation = errors.Base("invalid operation")
)

func invalid(op string, a, b Value) error {
	return errors.Errorf("%w: cannot %s %s and %s", ErrInvalidOperation, op, a.Kind(), b.Kind())
}

// Neg performs unary negation.
func (v Value) Neg() (Value, error) {
	switch d := v.data.(type) {
	case int64:
		if d == math.MinInt64 {
			return Undefined(), errors.WithStack(ErrOverflow)
		}
		return FromInt(-d), nil
	case float64:
		return FromFloat(-d), nil
	}
	return Undefined(), errors.Errorf("%w: cannot negate %s", ErrInvalidOperation, v.Kind())
}

// Add adds numbers and concatenates strings and sequences.
//
// The result of concatenating strings is safe only when both operands are.
func (v Value) Add(other Value) (Value, error) {
	if a, ok := v.data.(int64); ok {
		if b, ok := other.data.(int64); ok {
			sum := a + b
			if (sum > a) != (b > 0) {
				return Undefined(), errors.WithStack(ErrOverflow)
			}
			return FromInt(sum), nil
		}
	}
	if a, b, ok := floats(v, other); ok {
		return FromFloat(a + b), nil
	}

	if s1, ok := v.AsString(); ok {
		if s2, ok := other.AsString(); ok {
			if v.IsSafe() && other.IsSafe() {
				return FromSafeString(s1 + s2), nil
			}
			return FromString(s1 + s2), nil
		}
	}
	if s1, ok := v.AsSlice(); ok {
		if s2, ok := other.AsSlice(); ok {
			result := make([]Value, 0, len(s1)+len(s2))
			result = append(result, s1...)
			result = append(result, s2...)
			return FromSlice(result), nil
		}
	}
	return Undefined(), invalid("add", v, other)
}

// Sub performs subtraction.
func (v Value) Sub(other Value) (Value, error) {
	if a, ok := v.data.(int64); ok {
		if b, ok := other.data.(int64); ok {
			diff := a - b
			if (diff < a) != (b > 0) {
				return Undefined(), errors.WithStack(ErrOverflow)
			}
			return FromInt(diff), nil
		}
	}
	if a, b, ok := floats(v, other); ok {
		return FromFloat(a - b), nil
	}
	return Undefined(), invalid("subtract", v, other)
}

// Mul performs multiplication.
func (v Value) Mul(other Value) (Value, error) {
	if a, ok := v.data.(int64); ok {
		if b, ok := other.data.(int64); ok {
			if a == 0 || b == 0 {
				return FromInt(0), nil
			}
			prod := a * b
			if prod/b != a || (a == -1 && b == math.MinInt64) || (b == -1 && a == math.MinInt64) {
				return Undefined(), errors.WithStack(ErrOverflow)
			}
			return FromInt(prod), nil
		}
	}
	if a, b, ok := floats(v, other); ok {
		return FromFloat(a * b), nil
	}
	return Undefined(), invalid("multiply", v, other)
}

// Div performs true division. The result is always a float.
func (v Value) Div(other Value) (Value, error) {
	a, b, ok := floats(v, other)
	if !ok {
		return Undefined(), invalid("divide", v, other)
	}
	if b == 0 {
		return Undefined(), errors.WithStack(ErrDivisionByZero)
	}
	return FromFloat(a / b), nil
}

// Rem computes the remainder. The sign follows the divisor, so -7 % 3 is 2.
func (v Value) Rem(other Value) (Value, error) {
	if a, ok := v.data.(int64); ok {
		if b, ok := other.data.(int64); ok {
			if b == 0 {
				return Undefined(), errors.WithStack(ErrDivisionByZero)
			}
			r := a % b
			if r != 0 && (r < 0) != (b < 0) {
				r += b
			}
			return FromInt(r), nil
		}
	}
	a, b, ok := floats(v, other)
	if !ok {
		return Undefined(), invalid("take the remainder of", v, other)
	}
	if b == 0 {
		return Undefined(), errors.WithStack(ErrDivisionByZero)
	}
	r := math.Mod(a, b)
	if r != 0 && (r < 0) != (b < 0) {
		r += b
	}
	return FromFloat(r), nil
}

// floats returns both operands as floats if both are numeric and at least
// one of them is a float.
func floats(a, b Value) (float64, float64, bool) {
	if a.Kind() != KindFloat && b.Kind() != KindFloat {
		if a.Kind() != KindInt || b.Kind() != KindInt {
			return 0, 0, false
		}
	}
	fa, ok1 := a.AsFloat()
	fb, ok2 := b.AsFloat()
	return fa, fb, ok1 && ok2
}

// Equal reports whether two values are equal. Numbers compare across int and
// float, containers compare element-wise and objects compare by identity.
func (v Value) Equal(other Value) bool {
	switch a := v.data.(type) {
	case nil:
		return other.IsUndefined()
	case noneType:
		return other.IsNone()
	case bool:
		b, ok := other.data.(bool)
		return ok && a == b
	case int64, float64:
		fa, _ := v.AsFloat()
		fb, ok := other.AsFloat()
		if !ok {
			return false
		}
		if ia, ok := a.(int64); ok {
			if ib, ok := other.data.(int64); ok {
				return ia == ib
			}
		}
		return fa == fb
	case string, safeString:
		s1, _ := v.AsString()
		s2, ok := other.AsString()
		return ok && s1 == s2
	case []Value:
		b, ok := other.data.([]Value)
		if !ok || len(a) != len(b) {
			return false
		}
		for i := range a {
			if !a[i].Equal(b[i]) {
				return false
			}
		}
		return true
	case map[string]Value:
		b, ok := other.data.(map[string]Value)
		if !ok || len(a) != len(b) {
			return false
		}
		for k, va := range a {
			vb, exists := b[k]
			if !exists || !va.Equal(vb) {
				return false
			}
		}
		return true
	case ObjectWithCmp:
		if ob, ok := other.data.(Object); ok {
			if c, ok := a.ObjectCmp(ob); ok {
				return c == 0
			}
		}
	}
	return sameObject(v.data, other.data)
}

func sameObject(a, b any) bool {
	if a == nil || b == nil {
		return false
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}

// Compare orders two values. Numbers, strings, sequences (lexicographically)
// and comparable objects are ordered; anything else fails with
// ErrInvalidOperation.
func (v Value) Compare(other Value) (int, error) {
	if a, ok := v.data.(int64); ok {
		if b, ok := other.data.(int64); ok {
			return cmp3(a < b, a > b), nil
		}
	}
	if a, b, ok := floats(v, other); ok {
		return cmp3(a < b, a > b), nil
	}
	if s1, ok := v.AsString(); ok {
		if s2, ok := other.AsString(); ok {
			return strings.Compare(s1, s2), nil
		}
	}
	if a, ok := v.AsBool(); ok {
		if b, ok := other.AsBool(); ok {
			return cmp3(!a && b, a && !b), nil
		}
	}
	if s1, ok := v.AsSlice(); ok {
		if s2, ok := other.AsSlice(); ok {
			for i := 0; i < len(s1) && i < len(s2); i++ {
				c, err := s1[i].Compare(s2[i])
				if err != nil || c != 0 {
					return c, err
				}
			}
			return cmp3(len(s1) < len(s2), len(s1) > len(s2)), nil
		}
	}
	if a, ok := v.data.(ObjectWithCmp); ok {
		if b, ok := other.data.(Object); ok {
			if c, ok := a.ObjectCmp(b); ok {
				return c, nil
			}
		}
	}
	return 0, invalid("compare", v, other)
}

func cmp3(less, greater bool) int {
	switch {
	case less:
		return -1
	case greater:
		return 1
	default:
		return 0
	}
}
