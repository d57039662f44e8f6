// Package value provides the dynamic value type for the template engine.
//
// # Core Concepts
//
// The Value type is a closed variant over the kinds a template can observe:
//   - Undefined: a missing variable, attribute or item
//   - None: an explicit null
//   - Bool, Int, Float: scalars with explicit promotion rules (see ops.go)
//   - String: text, optionally marked safe so escaping leaves it alone
//   - Seq: ordered sequences
//   - Map: string-keyed mappings, always iterated in sorted key order
//   - Object: opaque host objects exposing attributes and, optionally,
//     iteration and length
//
// Values are immutable from the template's point of view. Nothing in the
// evaluator writes through a Value, so the same data may back any number of
// concurrent renders.
//
// # Example Usage
//
//	ctx := value.FromMap(map[string]value.Value{
//	    "name":  value.FromString("World"),
//	    "items": value.FromAny([]int{1, 2, 3}),
//	})
//
//	if name, ok := ctx.GetAttr("name").AsString(); ok {
//	    fmt.Println(name)
//	}
package value

import (
	"fmt"
	"iter"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Kind describes the variant held by a Value.
type Kind int

const (
	// KindUndefined is a missing value. It renders as an empty string.
	KindUndefined Kind = iota
	// KindNone is an explicit null.
	KindNone
	// KindBool is a boolean.
	KindBool
	// KindInt is a 64-bit signed integer.
	KindInt
	// KindFloat is a 64-bit float.
	KindFloat
	// KindString is a string, safe or not.
	KindString
	// KindSeq is an ordered sequence.
	KindSeq
	// KindMap is a string-keyed mapping.
	KindMap
	// KindObject is an opaque host object.
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindUndefined:
		return "undefined"
	case KindNone:
		return "none"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindSeq:
		return "sequence"
	case KindMap:
		return "map"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

// Value is a dynamically typed template value.
//
// The zero Value is undefined.
type Value struct {
	data any
}

type noneType struct{}

// safeString is a string that must not be escaped again.
type safeString string

// Undefined returns the undefined value.
//
// Host objects return it from GetAttr for attributes they do not have.
func Undefined() Value {
	return Value{}
}

// None returns the none value.
func None() Value {
	return Value{data: noneType{}}
}

// True returns the boolean true value.
func True() Value {
	return Value{data: true}
}

// False returns the boolean false value.
func False() Value {
	return Value{data: false}
}

// FromBool creates a Value from a boolean.
func FromBool(v bool) Value {
	return Value{data: v}
}

// FromInt creates a Value from an int64.
//
//	count := FromInt(42)
//	// In template: {{ count + 1 }}  -> 43
func FromInt(v int64) Value {
	return Value{data: v}
}

// FromFloat creates a Value from a float64.
//
//	price := FromFloat(19.5)
//	// In template: {{ price * 2 }}  -> 39.0
func FromFloat(v float64) Value {
	return Value{data: v}
}

// FromString creates a Value from a string.
//
// The string is escaped on output when escaping is active. For markup that is
// already escaped, use FromSafeString.
func FromString(v string) Value {
	return Value{data: v}
}

// FromSafeString creates a string Value that escaping passes through
// unchanged.
//
// Only use this for content that is known to be safe for the output context.
func FromSafeString(v string) Value {
	return Value{data: safeString(v)}
}

// FromSlice creates a sequence Value. The slice must not be modified
// afterwards.
func FromSlice(v []Value) Value {
	if v == nil {
		v = []Value{}
	}
	return Value{data: v}
}

// FromMap creates a mapping Value. The map must not be modified afterwards.
//
//	ctx := FromMap(map[string]Value{
//	    "name": FromString("Alice"),
//	    "age":  FromInt(30),
//	})
func FromMap(v map[string]Value) Value {
	if v == nil {
		v = map[string]Value{}
	}
	return Value{data: v}
}

// FromObject wraps a host object.
func FromObject(o Object) Value {
	if o == nil {
		return None()
	}
	return Value{data: o}
}

// FromTime wraps a time.Time as an opaque object.
//
// The object exposes year, month, day, hour, minute, second and weekday
// attributes and renders in RFC 3339 form.
func FromTime(t time.Time) Value {
	return Value{data: timeObject{t: t}}
}

// FromAny converts a Go value to a Value using reflection.
//
// Conversion rules:
//   - nil, nil pointers and nil interfaces -> None()
//   - bool -> FromBool()
//   - signed and unsigned integers -> FromInt(), or FromFloat() when an
//     unsigned value does not fit into int64
//   - floats -> FromFloat()
//   - string and []byte -> FromString()
//   - time.Time -> FromTime()
//   - slices and arrays -> FromSlice() (recursively)
//   - maps -> FromMap() with keys formatted as strings (recursively)
//   - structs -> FromMap() keyed by exported field name or json tag
//   - Object implementations are wrapped as they are
//
// A pointer, map or slice that refers back to a value still being
// converted becomes Undefined(). Any other type becomes an opaque object
// that renders with fmt.
func FromAny(v any) Value {
	switch d := v.(type) {
	case nil:
		return None()
	case Value:
		return d
	case Object:
		return FromObject(d)
	case time.Time:
		return FromTime(d)
	}
	c := converter{}
	return c.convert(reflect.ValueOf(v))
}

var timeType = reflect.TypeOf(time.Time{})

// visit identifies a reference being converted.
type visit struct {
	ptr uintptr
	typ reflect.Type
	len int
}

// converter tracks the references on the current conversion path.
type converter struct {
	active map[visit]struct{}
}

// enter marks a reference as being converted. It reports false when the
// reference is already on the path.
func (c *converter) enter(rv reflect.Value) (visit, bool) {
	key := visit{ptr: rv.Pointer(), typ: rv.Type()}
	if rv.Kind() == reflect.Slice {
		key.len = rv.Len()
	}
	if _, ok := c.active[key]; ok {
		return key, false
	}
	if c.active == nil {
		c.active = make(map[visit]struct{})
	}
	c.active[key] = struct{}{}
	return key, true
}

func (c *converter) leave(key visit) {
	delete(c.active, key)
}

func (c *converter) convert(rv reflect.Value) Value {
	if !rv.IsValid() {
		return None()
	}
	if rv.CanInterface() {
		switch d := rv.Interface().(type) {
		case Value:
			return d
		case time.Time:
			return FromTime(d)
		}
		if rv.Kind() != reflect.Ptr && rv.Kind() != reflect.Interface {
			if obj, ok := rv.Interface().(Object); ok {
				return FromObject(obj)
			}
		}
	}

	switch rv.Kind() {
	case reflect.Bool:
		return FromBool(rv.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return FromInt(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return FromFloat(float64(u))
		}
		return FromInt(int64(u))
	case reflect.Float32, reflect.Float64:
		return FromFloat(rv.Float())
	case reflect.String:
		return FromString(rv.String())
	case reflect.Slice:
		if rv.IsNil() {
			return None()
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return FromString(string(rv.Bytes()))
		}
		key, ok := c.enter(rv)
		if !ok {
			return Undefined()
		}
		defer c.leave(key)
		return c.convertSeq(rv)
	case reflect.Array:
		return c.convertSeq(rv)
	case reflect.Map:
		if rv.IsNil() {
			return None()
		}
		visitKey, ok := c.enter(rv)
		if !ok {
			return Undefined()
		}
		defer c.leave(visitKey)
		m := make(map[string]Value, rv.Len())
		it := rv.MapRange()
		for it.Next() {
			k := it.Key()
			var key string
			if k.Kind() == reflect.String {
				key = k.String()
			} else {
				key = fmt.Sprint(k.Interface())
			}
			m[key] = c.convert(it.Value())
		}
		return FromMap(m)
	case reflect.Struct:
		if rv.Type() == timeType {
			return FromTime(rv.Interface().(time.Time))
		}
		return c.convertStruct(rv)
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return None()
		}
		if rv.CanInterface() {
			if obj, ok := rv.Interface().(Object); ok {
				return FromObject(obj)
			}
		}
		if rv.Kind() == reflect.Ptr {
			key, ok := c.enter(rv)
			if !ok {
				return Undefined()
			}
			defer c.leave(key)
		}
		return c.convert(rv.Elem())
	}

	if rv.CanInterface() {
		return Value{data: opaque{v: rv.Interface()}}
	}
	return Undefined()
}

func (c *converter) convertSeq(rv reflect.Value) Value {
	slice := make([]Value, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		slice[i] = c.convert(rv.Index(i))
	}
	return FromSlice(slice)
}

func (c *converter) convertStruct(rv reflect.Value) Value {
	t := rv.Type()
	m := make(map[string]Value, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		name := field.Name
		if tag := field.Tag.Get("json"); tag != "" {
			tagName, _, _ := strings.Cut(tag, ",")
			if tagName == "-" {
				continue
			}
			if tagName != "" {
				name = tagName
			}
		}
		m[name] = c.convert(rv.Field(i))
	}
	return FromMap(m)
}

// Kind returns the variant held by the value.
func (v Value) Kind() Kind {
	switch v.data.(type) {
	case nil:
		return KindUndefined
	case noneType:
		return KindNone
	case bool:
		return KindBool
	case int64:
		return KindInt
	case float64:
		return KindFloat
	case string, safeString:
		return KindString
	case []Value:
		return KindSeq
	case map[string]Value:
		return KindMap
	default:
		return KindObject
	}
}

// IsUndefined reports whether the value is undefined.
func (v Value) IsUndefined() bool {
	return v.data == nil
}

// IsNone reports whether the value is none.
func (v Value) IsNone() bool {
	_, ok := v.data.(noneType)
	return ok
}

// IsSafe reports whether the value is a safe string.
func (v Value) IsSafe() bool {
	_, ok := v.data.(safeString)
	return ok
}

// IsTrue returns the truthiness of the value.
//
// Undefined, none, false, zero, NaN, the empty string and empty containers
// are false. Objects are true unless they report a zero length.
func (v Value) IsTrue() bool {
	switch d := v.data.(type) {
	case nil, noneType:
		return false
	case bool:
		return d
	case int64:
		return d != 0
	case float64:
		return d != 0 && !math.IsNaN(d)
	case string:
		return d != ""
	case safeString:
		return d != ""
	case []Value:
		return len(d) > 0
	case map[string]Value:
		return len(d) > 0
	case ObjectWithTruth:
		return d.ObjectIsTrue()
	case Object:
		if n := objectLen(d); n >= 0 {
			return n > 0
		}
		return true
	default:
		return true
	}
}

// String converts the value to text the way output tags render it.
func (v Value) String() string {
	switch d := v.data.(type) {
	case nil:
		return ""
	case noneType:
		return "none"
	case bool:
		if d {
			return "true"
		}
		return "false"
	case int64:
		return strconv.FormatInt(d, 10)
	case float64:
		return formatFloat(d)
	case string:
		return d
	case safeString:
		return string(d)
	case []Value:
		parts := make([]string, len(d))
		for i, item := range d {
			parts[i] = item.Repr()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case map[string]Value:
		keys := sortedKeys(d)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = strconv.Quote(k) + ": " + d[k].Repr()
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case fmt.Stringer:
		return d.String()
	default:
		return fmt.Sprintf("%v", d)
	}
}

// Repr returns a debug representation of the value. Strings are quoted.
func (v Value) Repr() string {
	switch d := v.data.(type) {
	case nil:
		return "undefined"
	case string:
		return strconv.Quote(d)
	case safeString:
		return strconv.Quote(string(d))
	default:
		return v.String()
	}
}

func formatFloat(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsNaN(f):
		return "nan"
	case f == math.Trunc(f) && math.Abs(f) < 1e15:
		return strconv.FormatFloat(f, 'f', 1, 64)
	default:
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
}

// AsString returns the string if the value is one.
func (v Value) AsString() (string, bool) {
	switch d := v.data.(type) {
	case string:
		return d, true
	case safeString:
		return string(d), true
	default:
		return "", false
	}
}

// AsInt returns the integer if the value is an int or an integral float.
func (v Value) AsInt() (int64, bool) {
	switch d := v.data.(type) {
	case int64:
		return d, true
	case float64:
		if d == math.Trunc(d) && d >= math.MinInt64 && d < math.MaxInt64 {
			return int64(d), true
		}
	}
	return 0, false
}

// AsFloat returns the value as a float if it is numeric.
func (v Value) AsFloat() (float64, bool) {
	switch d := v.data.(type) {
	case int64:
		return float64(d), true
	case float64:
		return d, true
	default:
		return 0, false
	}
}

// AsBool returns the boolean if the value is one.
func (v Value) AsBool() (bool, bool) {
	b, ok := v.data.(bool)
	return b, ok
}

// AsSlice returns the sequence if the value is one.
func (v Value) AsSlice() ([]Value, bool) {
	s, ok := v.data.([]Value)
	return s, ok
}

// AsMap returns the mapping if the value is one.
func (v Value) AsMap() (map[string]Value, bool) {
	m, ok := v.data.(map[string]Value)
	return m, ok
}

// AsObject returns the host object if the value wraps one.
func (v Value) AsObject() (Object, bool) {
	o, ok := v.data.(Object)
	return o, ok
}

// AsTime returns the time if the value was created by FromTime.
func (v Value) AsTime() (time.Time, bool) {
	if t, ok := v.data.(timeObject); ok {
		return t.t, true
	}
	return time.Time{}, false
}

// Len returns the length of strings (in runes), sequences, mappings and
// objects that know their length.
func (v Value) Len() (int, bool) {
	switch d := v.data.(type) {
	case string:
		return len([]rune(d)), true
	case safeString:
		return len([]rune(string(d))), true
	case []Value:
		return len(d), true
	case map[string]Value:
		return len(d), true
	case Object:
		if n := objectLen(d); n >= 0 {
			return n, true
		}
	}
	return 0, false
}

// GetAttr looks up a mapping key or an object attribute. It returns
// Undefined when the attribute does not exist.
func (v Value) GetAttr(name string) Value {
	switch d := v.data.(type) {
	case map[string]Value:
		if val, ok := d[name]; ok {
			return val
		}
	case Object:
		return d.GetAttr(name)
	}
	return Undefined()
}

// GetItem looks up an item by key. Sequences and strings accept integer
// indexes, negative ones counting from the end. Mappings accept any scalar
// key in its string form. It returns Undefined when there is no such item.
func (v Value) GetItem(key Value) Value {
	switch d := v.data.(type) {
	case []Value:
		if idx, ok := index(key, len(d)); ok {
			return d[idx]
		}
	case string:
		runes := []rune(d)
		if idx, ok := index(key, len(runes)); ok {
			return FromString(string(runes[idx]))
		}
	case safeString:
		runes := []rune(string(d))
		if idx, ok := index(key, len(runes)); ok {
			return FromSafeString(string(runes[idx]))
		}
	case map[string]Value:
		switch key.Kind() {
		case KindString, KindInt, KindFloat, KindBool:
			if val, ok := d[key.String()]; ok {
				return val
			}
		}
	case ItemGetter:
		return d.GetItem(key)
	case Object:
		if s, ok := key.AsString(); ok {
			return d.GetAttr(s)
		}
	}
	return Undefined()
}

func index(key Value, length int) (int, bool) {
	idx, ok := key.data.(int64)
	if !ok {
		return 0, false
	}
	if idx < 0 {
		idx += int64(length)
	}
	if idx < 0 || idx >= int64(length) {
		return 0, false
	}
	return int(idx), true
}

// Iterate returns the items a for loop visits. Mappings yield their keys in
// sorted order and strings yield their characters. It reports false when the
// value is not iterable.
func (v Value) Iterate() (iter.Seq[Value], bool) {
	switch d := v.data.(type) {
	case []Value:
		return func(yield func(Value) bool) {
			for _, item := range d {
				if !yield(item) {
					return
				}
			}
		}, true
	case map[string]Value:
		keys := sortedKeys(d)
		return func(yield func(Value) bool) {
			for _, k := range keys {
				if !yield(FromString(k)) {
					return
				}
			}
		}, true
	case string, safeString:
		s, _ := v.AsString()
		return func(yield func(Value) bool) {
			for _, r := range s {
				if !yield(FromString(string(r))) {
					return
				}
			}
		}, true
	case IterableObject:
		return d.Iterate(), true
	}
	return nil, false
}

// Keys returns the sorted keys of a mapping, or the keys a MapObject exposes.
func (v Value) Keys() ([]string, bool) {
	switch d := v.data.(type) {
	case map[string]Value:
		return sortedKeys(d), true
	case MapObject:
		keys := d.Keys()
		sort.Strings(keys)
		return keys, true
	}
	return nil, false
}

// Interface converts the value back into plain Go data: nil, bool, int64,
// float64, string, []any, map[string]any or the wrapped host object.
func (v Value) Interface() any {
	switch d := v.data.(type) {
	case nil, noneType:
		return nil
	case safeString:
		return string(d)
	case []Value:
		out := make([]any, len(d))
		for i, item := range d {
			out[i] = item.Interface()
		}
		return out
	case map[string]Value:
		out := make(map[string]any, len(d))
		for k, item := range d {
			out[k] = item.Interface()
		}
		return out
	case timeObject:
		return d.t
	case opaque:
		return d.v
	default:
		return d
	}
}

func sortedKeys(m map[string]Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
