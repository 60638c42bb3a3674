// Package lazyinit provides a container for process-wide state that is
// constructed exactly once at a defined boot point.
package lazyinit

import (
	"github.com/pingcap/errors"
	"go.uber.org/atomic"
)

var (
	// ErrAlreadyInit is raised when InitBy is called on an initialized value.
	ErrAlreadyInit = errors.New("lazyinit: already initialized")
	// ErrUninit is raised when Get is called before InitBy.
	ErrUninit = errors.New("lazyinit: use before initialization")
)

const (
	stateUninit uint32 = iota
	stateIniting
	stateReady
)

// Value holds a T that is installed once with InitBy and never torn down.
// The zero value is uninitialized.
type Value[T any] struct {
	state atomic.Uint32
	v     T
}

// InitBy installs v. It panics if the value was already initialized.
func (l *Value[T]) InitBy(v T) {
	if !l.state.CompareAndSwap(stateUninit, stateIniting) {
		panic(errors.Trace(ErrAlreadyInit))
	}
	l.v = v
	l.state.Store(stateReady)
}

// IsInit reports whether InitBy has completed.
func (l *Value[T]) IsInit() bool {
	return l.state.Load() == stateReady
}

// TryGet returns the value and true, or the zero T and false before init.
func (l *Value[T]) TryGet() (T, bool) {
	if !l.IsInit() {
		var zero T
		return zero, false
	}
	return l.v, true
}

// Get returns the value. It panics before init.
func (l *Value[T]) Get() T {
	if !l.IsInit() {
		panic(errors.Trace(ErrUninit))
	}
	return l.v
}
