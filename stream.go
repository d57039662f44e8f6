package pyxm

import (
	"gitlab.com/tozd/go/errors"
)

var errStopped = errors.Base("output consumer stopped")

// yieldWriter forwards every write as one chunk of a streaming render.
type yieldWriter struct {
	yield   func(string, error) bool
	stopped bool
}

func (w *yieldWriter) Write(p []byte) (int, error) {
	if w.stopped {
		return 0, errors.WithStack(errStopped)
	}
	if len(p) == 0 {
		return 0, nil
	}
	if !w.yield(string(p), nil) {
		w.stopped = true
		return 0, errors.WithStack(errStopped)
	}
	return len(p), nil
}
