package pyxm

import (
	"github.com/nexaweb/pyxm/value"
)

// LoopState is the `loop` variable of a for loop.
type LoopState struct {
	index  int
	length int
	known  bool
	last   bool
	depth  int
}

// Index returns the 0-based index of the current iteration.
func (l *LoopState) Index() int { return l.index }

// Length returns the number of items and whether it is known.
func (l *LoopState) Length() (int, bool) { return l.length, l.known }

// IsFirst reports whether this is the first iteration.
func (l *LoopState) IsFirst() bool { return l.index == 0 }

// IsLast reports whether this is the last iteration.
func (l *LoopState) IsLast() bool { return l.last }

// Depth returns the 1-based nesting depth of the loop.
func (l *LoopState) Depth() int { return l.depth }

// GetAttr implements value.Object.
func (l *LoopState) GetAttr(name string) value.Value {
	switch name {
	case "index":
		return value.FromInt(int64(l.index))
	case "position":
		return value.FromInt(int64(l.index + 1))
	case "is_first", "first":
		return value.FromBool(l.index == 0)
	case "is_last", "last":
		return value.FromBool(l.last)
	case "length":
		if !l.known {
			return value.Undefined()
		}
		return value.FromInt(int64(l.length))
	case "revindex":
		if !l.known {
			return value.Undefined()
		}
		return value.FromInt(int64(l.length - l.index - 1))
	case "depth":
		return value.FromInt(int64(l.depth))
	}
	return value.Undefined()
}

// Keys implements value.MapObject.
func (l *LoopState) Keys() []string {
	return []string{"index", "position", "is_first", "first", "is_last", "last", "length", "revindex", "depth"}
}

func (l *LoopState) String() string {
	return "<loop>"
}
