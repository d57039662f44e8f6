package pyxm

import (
	"math"
	"sync/atomic"
)

// stepBudget counts the steps a render may still take.
type stepBudget struct {
	initial   uint64
	remaining atomic.Int64
}

func newStepBudget(steps int) *stepBudget {
	if steps <= 0 {
		steps = math.MaxInt64
	}
	b := &stepBudget{initial: uint64(steps)}
	b.remaining.Store(int64(steps))
	return b
}

// consume takes amount steps and reports whether the budget was exceeded.
func (b *stepBudget) consume(amount int64) bool {
	return b.remaining.Add(-amount) < 0
}

func (b *stepBudget) used() uint64 {
	remaining := b.remaining.Load()
	if remaining <= 0 {
		return b.initial
	}
	return b.initial - uint64(remaining)
}
