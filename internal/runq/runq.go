// Package runq is the process-wide access point to the run queue.
//
// Boot code calls Init exactly once before any scheduling activity. After that
// every access goes through the IRQ-safe lock returned by TaskRQ, and the timer
// interrupt handler calls OnTimerTick once per period.
package runq

import (
	"go.uber.org/zap"

	"tickrunq/internal/irq"
	"tickrunq/internal/lazyinit"
	"tickrunq/internal/logutil"
	"tickrunq/internal/sched"
	"tickrunq/internal/spinlock"
	"tickrunq/internal/taskctx"
)

// Queue is the locked run queue type handed out by TaskRQ.
type Queue = spinlock.SpinNoIrq[*sched.RunQueue]

var runQueue lazyinit.Value[*Queue]

// Init constructs the run queue with the default configuration on the local
// CPU. Calling it twice panics.
func Init() {
	InitWith(sched.DefaultConfig(), irq.Local())
}

// InitWith constructs the run queue with cfg, masking interrupts through ctl.
// Calling it twice panics.
func InitWith(cfg sched.Config, ctl irq.Controller) {
	rq := sched.NewRunQueue(cfg)
	runQueue.InitBy(spinlock.New(ctl, rq))
	eff := rq.Config()
	logutil.BgLogger().Info("run queue initialized",
		zap.Int("slice-ticks", eff.SliceTicks),
		zap.Int("priority-levels", eff.PriorityLevels),
		zap.Int("max-tasks", eff.MaxTasks))
}

// TaskRQ returns the locked run queue that owns, or would own, t. There is a
// single queue today; t is kept so a per-core scheduler can route without an
// interface change. It panics before Init.
func TaskRQ(_ *taskctx.Task) *Queue {
	return runQueue.Get()
}

// ForceUnlock clears the run queue lock without the release protocol.
//
// UNSAFE: only for fault recovery when the holder will never unlock, e.g. a
// panic inside the critical section. The caller must guarantee that no other
// party believes it holds the lock; mutual exclusion is lost otherwise.
func ForceUnlock() {
	logutil.BgLogger().Warn("forcing run queue unlock")
	runQueue.Get().UnsafeForceUnlock()
}

// OnTimerTick handles one periodic timer interrupt: it advances the scheduler
// state under the lock and reports whether a reschedule is pending. The context
// switch, if any, is up to the caller.
func OnTimerTick() bool {
	g := runQueue.Get().Lock()
	defer g.Unlock()
	return g.Get().SchedulerTimerTick()
}
