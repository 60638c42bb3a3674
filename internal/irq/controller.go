// internal/irq/controller.go

// Package irq models the interrupt masking primitive of one execution unit and
// the periodic timer that drives it.
package irq

import (
	"sync"

	"go.uber.org/atomic"
)

// State is the saved mask state returned by Disable and handed back to Restore.
type State uint32

// Controller masks and unmasks interrupt delivery on the current execution unit.
// Calls nest: every Disable must be paired with a Restore of the state it returned.
type Controller interface {
	Disable() State
	Restore(State)
}

// CPU simulates the interrupt line of a single execution unit.
//
// While any party holds the line masked, Raise latches the interrupt instead of
// running the handler. Latched interrupts are replayed in order once the mask
// depth drops back to zero, so a handler never observes state that a masked
// critical section is halfway through mutating. The handler itself runs masked.
type CPU struct {
	mu      sync.Mutex
	depth   uint32
	pending int
	handler func()

	delivered atomic.Uint64
}

// NewCPU returns an unmasked CPU with no handler installed.
func NewCPU() *CPU {
	return &CPU{}
}

var local = NewCPU()

// Local returns the process-wide simulated CPU.
func Local() *CPU {
	return local
}

// Handle installs the interrupt handler. Interrupts raised before a handler is
// installed stay pending.
func (c *CPU) Handle(fn func()) {
	c.mu.Lock()
	c.handler = fn
	c.mu.Unlock()
}

// Disable masks interrupt delivery and returns the previous state.
func (c *CPU) Disable() State {
	c.mu.Lock()
	s := State(c.depth)
	c.depth++
	c.mu.Unlock()
	return s
}

// Restore undoes the matching Disable. When the line becomes unmasked any
// pending interrupts are delivered on the calling goroutine.
//
// Goroutines sharing one CPU may release in any order, so only the depth is
// checked, not the saved state itself.
func (c *CPU) Restore(_ State) {
	c.mu.Lock()
	if c.depth == 0 {
		c.mu.Unlock()
		panic("irq: unbalanced Restore")
	}
	c.depth--
	c.drainLocked()
}

// Raise signals one interrupt. It reports whether the handler ran before Raise
// returned; false means the interrupt was latched.
func (c *CPU) Raise() bool {
	c.mu.Lock()
	c.pending++
	if c.depth > 0 || c.handler == nil {
		c.mu.Unlock()
		return false
	}
	c.drainLocked()
	return true
}

// drainLocked delivers pending interrupts while the line is unmasked.
// It is called with c.mu held and returns with it released.
func (c *CPU) drainLocked() {
	for c.depth == 0 && c.pending > 0 && c.handler != nil {
		c.pending--
		c.depth++ // interrupt entry masks the line
		fn := c.handler
		c.mu.Unlock()

		fn()
		c.delivered.Inc()

		c.mu.Lock()
		c.depth--
	}
	c.mu.Unlock()
}

// Masked reports whether delivery is currently masked.
func (c *CPU) Masked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.depth > 0
}

// Pending returns the number of latched interrupts.
func (c *CPU) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// Delivered returns the number of handler invocations so far.
func (c *CPU) Delivered() uint64 {
	return c.delivered.Load()
}
