package value

import (
	"fmt"
	"iter"
	"sync"
	"time"
)

// Object is an opaque host object exposed to templates.
//
// Templates can only read attributes through GetAttr; they can never call
// methods on it. Return Undefined() for unknown attributes.
//
//	type User struct {
//	    Username string
//	}
//
//	func (u *User) GetAttr(name string) Value {
//	    if name == "username" {
//	        return FromString(u.Username)
//	    }
//	    return Undefined()
//	}
type Object interface {
	GetAttr(name string) Value
}

// -----------------------------------------------------------------------------
// Optional Object Interfaces
// -----------------------------------------------------------------------------

// IterableObject can be used in for loops.
type IterableObject interface {
	Object
	// Iterate returns an iterator over the object's items. It is called
	// once per loop.
	Iterate() iter.Seq[Value]
}

// MapObject is an object with a known set of keys.
type MapObject interface {
	Object
	Keys() []string
}

// ItemGetter is an object that supports bracket indexing with non-string
// keys.
type ItemGetter interface {
	Object
	GetItem(key Value) Value
}

// ObjectWithLen provides the length of an object.
type ObjectWithLen interface {
	Object
	// ObjectLen returns the length, or -1 if it is unknown.
	ObjectLen() int
}

// ObjectWithTruth provides custom truthiness for an object.
// If not implemented, truthiness is based on length (empty = false).
type ObjectWithTruth interface {
	Object
	ObjectIsTrue() bool
}

// ObjectWithCmp provides ordering for objects of the same family.
type ObjectWithCmp interface {
	Object
	// ObjectCmp returns (cmp, true) when other is comparable with the
	// receiver and (0, false) otherwise.
	ObjectCmp(other Object) (cmp int, ok bool)
}

// objectLen returns the length of an object or -1 when it is unknown.
func objectLen(obj Object) int {
	switch o := obj.(type) {
	case ObjectWithLen:
		return o.ObjectLen()
	case MapObject:
		return len(o.Keys())
	}
	return -1
}

// -----------------------------------------------------------------------------
// MakeIterable
// -----------------------------------------------------------------------------

// iterableObject wraps a maker function as an iterable object.
type iterableObject struct {
	maker  func() iter.Seq[Value]
	length int
}

func (i *iterableObject) GetAttr(name string) Value { return Undefined() }
func (i *iterableObject) Iterate() iter.Seq[Value]  { return i.maker() }
func (i *iterableObject) ObjectLen() int            { return i.length }
func (i *iterableObject) String() string            { return "<iterator>" }

// MakeIterable creates a lazy iterable with unknown length. The maker is
// called for every loop over the value, so it can be iterated repeatedly.
//
//	val := MakeIterable(func() iter.Seq[Value] {
//	    return func(yield func(Value) bool) {
//	        for i := 0; i < 10; i++ {
//	            if !yield(FromInt(int64(i))) {
//	                return
//	            }
//	        }
//	    }
//	})
func MakeIterable(maker func() iter.Seq[Value]) Value {
	return FromObject(&iterableObject{maker: maker, length: -1})
}

// MakeSizedIterable is MakeIterable for iterables whose length is known up
// front. loop.length and loop.last are available for them.
func MakeSizedIterable(length int, maker func() iter.Seq[Value]) Value {
	return FromObject(&iterableObject{maker: maker, length: length})
}

// oneShotIterator can only be consumed once.
type oneShotIterator struct {
	mu   sync.Mutex
	next func() (Value, bool)
	stop func()
	done bool
}

func (o *oneShotIterator) GetAttr(name string) Value { return Undefined() }
func (o *oneShotIterator) ObjectLen() int            { return -1 }
func (o *oneShotIterator) String() string            { return "<iterator>" }

func (o *oneShotIterator) pull() (Value, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.done {
		return Undefined(), false
	}
	v, ok := o.next()
	if !ok {
		o.done = true
		o.stop()
		return Undefined(), false
	}
	return v, true
}

func (o *oneShotIterator) Iterate() iter.Seq[Value] {
	return func(yield func(Value) bool) {
		for {
			v, ok := o.pull()
			if !ok || !yield(v) {
				return
			}
		}
	}
}

// MakeOneShotIterator wraps a host iterator that can only be consumed once.
// It has no known length and yields nothing after it is exhausted.
func MakeOneShotIterator(seq iter.Seq[Value]) Value {
	next, stop := iter.Pull(seq)
	return FromObject(&oneShotIterator{next: next, stop: stop})
}

// -----------------------------------------------------------------------------
// Built-in opaque objects
// -----------------------------------------------------------------------------

// timeObject carries a time.Time through templates.
type timeObject struct {
	t time.Time
}

func (o timeObject) GetAttr(name string) Value {
	switch name {
	case "year":
		return FromInt(int64(o.t.Year()))
	case "month":
		return FromInt(int64(o.t.Month()))
	case "day":
		return FromInt(int64(o.t.Day()))
	case "hour":
		return FromInt(int64(o.t.Hour()))
	case "minute":
		return FromInt(int64(o.t.Minute()))
	case "second":
		return FromInt(int64(o.t.Second()))
	case "weekday":
		return FromString(o.t.Weekday().String())
	case "unix":
		return FromInt(o.t.Unix())
	}
	return Undefined()
}

func (o timeObject) String() string {
	return o.t.Format(time.RFC3339)
}

func (o timeObject) ObjectCmp(other Object) (int, bool) {
	ot, ok := other.(timeObject)
	if !ok {
		return 0, false
	}
	return o.t.Compare(ot.t), true
}

// opaque carries a host value FromAny could not map onto a variant.
type opaque struct {
	v any
}

func (o opaque) GetAttr(name string) Value { return Undefined() }
func (o opaque) String() string            { return fmt.Sprint(o.v) }
