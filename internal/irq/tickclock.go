// internal/irq/tickclock.go

package irq

import (
	"context"
	"time"

	"go.uber.org/atomic"
)

// TickClock is the periodic timer interrupt source. Every interval it counts
// one hardware tick and raises the CPU's interrupt line.
type TickClock struct {
	cpu   *CPU
	count atomic.Int64
	stop  chan struct{}
	done  chan struct{}
}

// NewTickClock creates a clock wired to cpu but does not start it.
func NewTickClock(cpu *CPU) *TickClock {
	return &TickClock{
		cpu:  cpu,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Start begins raising ticks at the given interval until ctx is done or Stop
// is called.
func (c *TickClock) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer close(c.done)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.count.Inc()
				c.cpu.Raise()
			case <-c.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop signals the clock to stop raising ticks and waits for its goroutine.
// It must be called at most once, after Start.
func (c *TickClock) Stop() {
	close(c.stop)
	<-c.done
}

// Done is closed once the clock goroutine has exited.
func (c *TickClock) Done() <-chan struct{} {
	return c.done
}

// Count returns the number of ticks raised so far.
func (c *TickClock) Count() int64 {
	return c.count.Load()
}
