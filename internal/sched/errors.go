package sched

import (
	"github.com/pingcap/errors"
	"go.uber.org/zap"

	"tickrunq/internal/logutil"
)

// Usage violations. They are raised as panics by debug assertions and never
// returned to callers.
var (
	ErrAlreadyQueued = errors.New("task is already queued")
	ErrNotSleeping   = errors.New("task is not in the sleeping set")
	ErrNoCurrent     = errors.New("no current task")
	ErrCurrentBusy   = errors.New("current slot is occupied")
	ErrNotTracked    = errors.New("task is not tracked by the run queue")
)

// ErrCapacity is the cause of the abort raised when the run queue cannot track
// another task.
var ErrCapacity = errors.New("run queue capacity exhausted")

func debugAssert(cond bool, cause error, format string, args ...any) {
	if debugAssertions && !cond {
		panic(errors.Annotatef(cause, format, args...))
	}
}

// abort stops the kernel. A task that cannot be tracked cannot be scheduled, so
// there is nothing sensible to return to the caller.
func abort(cause error, fields ...zap.Field) {
	logutil.BgLogger().Error("run queue abort", append(fields, zap.Error(cause))...)
	panic(errors.Trace(cause))
}
