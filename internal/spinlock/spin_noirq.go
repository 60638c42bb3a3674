// internal/spinlock/spin_noirq.go

// Package spinlock provides a spinlock that also masks interrupt delivery for
// the duration of the critical section.
package spinlock

import (
	"runtime"

	"go.uber.org/atomic"

	"tickrunq/internal/irq"
)

const (
	unlocked uint32 = iota
	locked
)

// SpinNoIrq guards a value of type T. Acquiring it first masks interrupts on the
// controller and then spins on the lock word, so an interrupt handler that takes
// the same lock can never preempt a holder on the same execution unit.
//
// T is normally a pointer type; Guard.Get returns it by value.
type SpinNoIrq[T any] struct {
	_     [0]func() // prevent accidental copying.
	irq   irq.Controller
	state atomic.Uint32
	data  T
}

// New returns an unlocked SpinNoIrq guarding v.
func New[T any](ctl irq.Controller, v T) *SpinNoIrq[T] {
	return &SpinNoIrq[T]{irq: ctl, data: v}
}

// Guard is proof of holding the lock. It must be released exactly once.
type Guard[T any] struct {
	lock     *SpinNoIrq[T]
	saved    irq.State
	released bool
}

// Lock masks interrupts and busy-waits until the lock is acquired. Any attempt
// to re-acquire a lock already held by the caller deadlocks.
func (l *SpinNoIrq[T]) Lock() *Guard[T] {
	s := l.irq.Disable()
	for !l.state.CompareAndSwap(unlocked, locked) {
		for l.state.Load() == locked {
			runtime.Gosched()
		}
	}
	return &Guard[T]{lock: l, saved: s}
}

// TryLock attempts to acquire the lock without spinning. On failure the
// interrupt state is restored before returning.
func (l *SpinNoIrq[T]) TryLock() (*Guard[T], bool) {
	s := l.irq.Disable()
	if !l.state.CompareAndSwap(unlocked, locked) {
		l.irq.Restore(s)
		return nil, false
	}
	return &Guard[T]{lock: l, saved: s}, true
}

// IsLocked reports whether some party currently holds the lock.
func (l *SpinNoIrq[T]) IsLocked() bool {
	return l.state.Load() == locked
}

// Do runs fn with the lock held.
func (l *SpinNoIrq[T]) Do(fn func(T)) {
	g := l.Lock()
	defer g.Unlock()
	fn(g.Get())
}

// UnsafeForceUnlock clears the lock word without running the release protocol.
//
// UNSAFE: this forfeits mutual exclusion. It exists for fault recovery, when the
// holder died inside the critical section and will never call Unlock. The caller
// must guarantee that nobody else believes it holds the lock. The abandoned
// guard's saved interrupt state is NOT restored, so the interrupt line stays
// masked by that guard.
func (l *SpinNoIrq[T]) UnsafeForceUnlock() {
	l.state.Store(unlocked)
}

// Get returns the guarded value.
func (g *Guard[T]) Get() T {
	if g.released {
		panic("spinlock: use of released guard")
	}
	return g.lock.data
}

// Unlock releases the lock and then restores the interrupt state saved by Lock.
func (g *Guard[T]) Unlock() {
	if g.released {
		panic("spinlock: double unlock")
	}
	g.released = true
	g.lock.state.Store(unlocked)
	g.lock.irq.Restore(g.saved)
}
