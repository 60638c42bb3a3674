package job

import (
	"context"
	"fmt"
	"time"
)

// SleepRequest is returned by a task body that wants to be parked in the
// sleeping set for Ticks timer ticks.
type SleepRequest struct {
	Ticks uint64
}

func (r *SleepRequest) Error() string {
	return fmt.Sprintf("sleep for %d ticks", r.Ticks)
}

// BlockRequest is returned by a task body that waits on a simulated device for
// Ticks timer ticks. The task leaves the run queue entirely until the device
// completes.
type BlockRequest struct {
	Ticks uint64
}

func (r *BlockRequest) Error() string {
	return fmt.Sprintf("block on io for %d ticks", r.Ticks)
}

// burn consumes up to *remaining of wall time, returning ctx.Err() when the
// context is cancelled first. The unconsumed part stays in *remaining.
func burn(ctx context.Context, remaining *time.Duration) error {
	start := time.Now()
	select {
	case <-ctx.Done():
		*remaining -= time.Since(start)
		if *remaining < 0 {
			*remaining = 0
		}
		return ctx.Err()
	case <-time.After(*remaining):
		// If the time is up, we just return nil.
		*remaining = 0
		return nil
	}
}

// SleepWork returns a CPU-bound body that needs ms milliseconds in total and
// survives any number of preemptions.
func SleepWork(ms int64) func(context.Context) error {
	remaining := time.Duration(ms) * time.Millisecond
	return func(ctx context.Context) error {
		return burn(ctx, &remaining)
	}
}

// Napper returns a body that alternates bursts of burstMS milliseconds with
// naps of napTicks ticks, and finishes after rounds bursts.
func Napper(burstMS int64, napTicks uint64, rounds int) func(context.Context) error {
	burst := time.Duration(burstMS) * time.Millisecond
	remaining := burst
	return func(ctx context.Context) error {
		if err := burn(ctx, &remaining); err != nil {
			return err
		}
		rounds--
		if rounds <= 0 {
			return nil
		}
		remaining = burst
		return &SleepRequest{Ticks: napTicks}
	}
}

// IOBound returns a body that alternates bursts of burstMS milliseconds with
// device waits of waitTicks ticks, and finishes after rounds bursts.
func IOBound(burstMS int64, waitTicks uint64, rounds int) func(context.Context) error {
	burst := time.Duration(burstMS) * time.Millisecond
	remaining := burst
	return func(ctx context.Context) error {
		if err := burn(ctx, &remaining); err != nil {
			return err
		}
		rounds--
		if rounds <= 0 {
			return nil
		}
		remaining = burst
		return &BlockRequest{Ticks: waitTicks}
	}
}
