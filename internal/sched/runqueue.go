// internal/sched/runqueue.go

package sched

import (
	"fmt"

	"github.com/emirpasic/gods/trees/redblacktree"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"tickrunq/internal/logutil"
	"tickrunq/internal/metrics"
	"tickrunq/internal/taskctx"
)

// Location records which structure of the run queue owns a task.
type Location uint8

const (
	LocNone     Location = iota // tracked, but owned by the caller or a wait structure
	LocReady                    // in the ready sequence
	LocSleeping                 // in the sleeping set
	LocCurrent                  // in the current slot
)

func (l Location) String() string {
	switch l {
	case LocNone:
		return "none"
	case LocReady:
		return "ready"
	case LocSleeping:
		return "sleeping"
	case LocCurrent:
		return "current"
	default:
		return fmt.Sprintf("Location(%d)", uint8(l))
	}
}

// BlockReason says why the current task gave up the CPU.
type BlockReason int

const (
	BlockIO BlockReason = iota
	BlockWait
	BlockExternal
)

func (r BlockReason) String() string {
	switch r {
	case BlockIO:
		return "io"
	case BlockWait:
		return "wait"
	case BlockExternal:
		return "external"
	default:
		return "unknown"
	}
}

// entry is the run queue's bookkeeping for one tracked task.
type entry struct {
	task     *taskctx.Task
	loc      Location
	class    int
	slice    int    // remaining ticks while current
	deadline uint64 // valid while sleeping
	key      any    // readyKey or sleepKey, valid while in a tree
}

// RunQueue is the set of schedulable tasks of one execution unit.
//
// It is not safe for concurrent use: every method except Ticks must be called
// with the SpinNoIrq that owns the queue held.
type RunQueue struct {
	cfg Config

	entries  map[taskctx.TaskID]*entry
	ready    *redblacktree.Tree // readyKey -> *entry
	sleeping *redblacktree.Tree // sleepKey -> *entry
	current  *entry

	ticks     atomic.Uint64 // process-wide tick counter, only ever incremented
	accounted uint64        // last tick whose effects were applied
	seq       uint64        // insertion counter for stable ordering

	needResched bool
	trace       *eventTrace
}

// NewRunQueue creates an empty run queue.
func NewRunQueue(cfg Config) *RunQueue {
	cfg = cfg.clamped()
	return &RunQueue{
		cfg:      cfg,
		entries:  make(map[taskctx.TaskID]*entry, cfg.MaxTasks),
		ready:    redblacktree.NewWith(readyCmp),
		sleeping: redblacktree.NewWith(sleepCmp),
		trace:    newEventTrace(cfg.TraceDepth),
	}
}

// Config returns the effective configuration.
func (rq *RunQueue) Config() Config {
	return rq.cfg
}

// AddReady inserts t at the tail of its priority class. t must not be queued
// anywhere. The first admission takes a reference on t.
func (rq *RunQueue) AddReady(t *taskctx.Task) {
	e := rq.track(t)
	debugAssert(e.loc == LocNone, ErrAlreadyQueued, "add_ready %s: in %s", t, e.loc)
	if e.loc != LocNone {
		return
	}
	rq.pushReady(e)
	rq.record(EventEnqueue, e)
	logutil.BgLogger().Debug("task enqueued",
		zap.Uint64("task", uint64(t.ID)), zap.Int("class", e.class))
}

// PickNext removes and returns the head of the highest non-empty priority
// class, or nil when nothing is ready. The caller owns the returned task until
// it hands it back with SetCurrent, AddReady or SleepUntil.
func (rq *RunQueue) PickNext() *taskctx.Task {
	node := rq.ready.Left()
	if node == nil {
		return nil
	}
	e := node.Value.(*entry)
	rq.ready.Remove(node.Key)
	e.loc, e.key = LocNone, nil
	rq.updateGauges()
	return e.task
}

// SetCurrent installs t, which must not be queued, in the empty current slot
// with a fresh time slice.
func (rq *RunQueue) SetCurrent(t *taskctx.Task) {
	debugAssert(rq.current == nil, ErrCurrentBusy, "set_current %s: %s is current", t, rq.currentTask())
	if rq.current != nil {
		return
	}
	e := rq.track(t)
	debugAssert(e.loc == LocNone, ErrAlreadyQueued, "set_current %s: in %s", t, e.loc)
	if e.loc != LocNone {
		return
	}
	e.loc = LocCurrent
	e.slice = rq.sliceOf(t)
	rq.current = e
	rq.record(EventDispatch, e)
}

// Current returns the task in the current slot, or nil.
func (rq *RunQueue) Current() *taskctx.Task {
	return rq.currentTask()
}

// ScheduleNext makes the reschedule decision and clears the pending flag. The
// current task keeps running unless a strictly higher priority class has a
// ready task, in which case it goes back to the tail of its class. When the
// slot is empty the next ready task is installed. The returned task is the one
// the caller should switch to after releasing the lock; nil means idle.
func (rq *RunQueue) ScheduleNext() *taskctx.Task {
	rq.needResched = false
	if cur := rq.current; cur != nil {
		if !rq.outranked(cur.class) {
			return cur.task
		}
		rq.current = nil
		rq.pushReady(cur)
		rq.record(EventPreempt, cur)
	}
	next := rq.PickNext()
	if next == nil {
		return nil
	}
	rq.SetCurrent(next)
	return next
}

// YieldCurrent moves the current task to the tail of its class and marks a
// reschedule as pending.
func (rq *RunQueue) YieldCurrent() {
	cur := rq.current
	debugAssert(cur != nil, ErrNoCurrent, "yield_current")
	if cur == nil {
		return
	}
	rq.current = nil
	rq.pushReady(cur)
	rq.needResched = true
	rq.record(EventYield, cur)
}

// BlockCurrent vacates the current slot and returns the task, which is then
// tracked but queued nowhere. The caller takes ownership: it must park the task
// in its own wait structure and later hand it back with AddReady, or the task
// becomes unreachable.
func (rq *RunQueue) BlockCurrent(reason BlockReason) *taskctx.Task {
	cur := rq.current
	debugAssert(cur != nil, ErrNoCurrent, "block_current(%s)", reason)
	if cur == nil {
		return nil
	}
	rq.current = nil
	cur.loc = LocNone
	rq.needResched = true
	rq.record(EventBlock, cur)
	logutil.BgLogger().Debug("task blocked",
		zap.Uint64("task", uint64(cur.task.ID)), zap.Stringer("reason", reason))
	return cur.task
}

// SleepUntil parks t in the sleeping set until the tick counter reaches
// deadline. t is either unqueued or the current task; in the latter case the
// current slot is vacated and a reschedule is marked as pending. A deadline
// that has already passed fires on the next tick.
func (rq *RunQueue) SleepUntil(t *taskctx.Task, deadline uint64) {
	e := rq.track(t)
	switch e.loc {
	case LocCurrent:
		rq.current = nil
		rq.needResched = true
	case LocNone:
	default:
		debugAssert(false, ErrAlreadyQueued, "sleep_until %s: in %s", t, e.loc)
		return
	}
	rq.seq++
	e.loc = LocSleeping
	e.deadline = deadline
	e.key = sleepKey{deadline: deadline, seq: rq.seq}
	rq.sleeping.Put(e.key, e)
	rq.record(EventSleep, e)
	rq.updateGauges()
}

// Wake moves a sleeping task to the ready sequence before its deadline.
func (rq *RunQueue) Wake(t *taskctx.Task) {
	e, ok := rq.entries[t.ID]
	debugAssert(ok && e.loc == LocSleeping, ErrNotSleeping, "wake %s", t)
	if !ok || e.loc != LocSleeping {
		return
	}
	rq.sleeping.Remove(e.key)
	e.loc, e.key = LocNone, nil
	rq.pushReady(e)
	rq.record(EventWake, e)
}

// Unqueue detaches t from the ready sequence or the sleeping set and reports
// whether it was in either. The task stays tracked with LocNone.
func (rq *RunQueue) Unqueue(t *taskctx.Task) bool {
	e, ok := rq.entries[t.ID]
	if !ok {
		return false
	}
	switch e.loc {
	case LocReady:
		rq.ready.Remove(e.key)
	case LocSleeping:
		rq.sleeping.Remove(e.key)
	default:
		return false
	}
	e.loc, e.key = LocNone, nil
	rq.updateGauges()
	return true
}

// Exit detaches t from wherever it is, forgets it and drops the run queue's
// reference. Exiting the current task marks a reschedule as pending.
func (rq *RunQueue) Exit(t *taskctx.Task) {
	e, ok := rq.entries[t.ID]
	debugAssert(ok, ErrNotTracked, "exit %s", t)
	if !ok {
		return
	}
	if e.loc == LocCurrent {
		rq.current = nil
		rq.needResched = true
	} else {
		rq.Unqueue(t)
	}
	e.loc = LocNone
	rq.record(EventExit, e)
	delete(rq.entries, t.ID)
	metrics.TrackedGauge.Set(float64(len(rq.entries)))
	t.Put()
}

// SetPriority changes a tracked task's priority on the fly. A ready task is
// requeued at the tail of its new class; a current task keeps the slot but a
// reschedule is marked as pending if a ready task now outranks it.
func (rq *RunQueue) SetPriority(t *taskctx.Task, priority int) {
	e, ok := rq.entries[t.ID]
	debugAssert(ok, ErrNotTracked, "set_priority %s", t)
	if !ok {
		return
	}
	t.Priority = taskctx.ClampPriority(priority)
	e.class = rq.classOf(t)

	switch e.loc {
	case LocReady:
		rq.ready.Remove(e.key)
		rq.pushReady(e)
	case LocCurrent:
		if rq.outranked(e.class) {
			rq.needResched = true
		}
	}
	rq.record(EventPriority, e)
	logutil.BgLogger().Debug("task priority updated",
		zap.Uint64("task", uint64(t.ID)), zap.Int("priority", t.Priority), zap.Int("class", e.class))
}

// SchedulerTimerTick is the per-interrupt entry point. It increments the tick
// counter, moves every sleeper whose deadline has been reached to the ready
// sequence, and charges the tick to the current task's slice. When the slice
// runs out the current task goes to the tail of the ready sequence. The return
// value reports whether a reschedule is pending; the context switch itself is
// up to the caller, after the lock is released.
func (rq *RunQueue) SchedulerTimerTick() bool {
	rq.ticks.Inc()
	metrics.TickCounter.Inc()
	return rq.Advance()
}

// Advance applies the effects of every tick counted but not yet accounted.
// With no elapsed tick it changes nothing.
func (rq *RunQueue) Advance() bool {
	now := rq.ticks.Load()
	if now <= rq.accounted {
		return rq.needResched
	}
	elapsed := now - rq.accounted
	rq.accounted = now

	rq.wakeExpired(now)

	if cur := rq.current; cur != nil {
		if uint64(cur.slice) <= elapsed {
			cur.slice = 0
		} else {
			cur.slice -= int(elapsed)
		}
		if cur.slice == 0 {
			rq.current = nil
			rq.pushReady(cur)
			rq.needResched = true
			rq.record(EventPreempt, cur)
			logutil.BgLogger().Debug("time slice expired",
				zap.Uint64("task", uint64(cur.task.ID)), zap.Uint64("tick", now))
		}
	}
	return rq.needResched
}

// wakeExpired moves sleepers with deadline <= now to the ready sequence in
// (deadline, insertion) order.
func (rq *RunQueue) wakeExpired(now uint64) {
	for {
		node := rq.sleeping.Left()
		if node == nil {
			return
		}
		e := node.Value.(*entry)
		if e.deadline > now {
			return
		}
		rq.sleeping.Remove(node.Key)
		e.loc, e.key = LocNone, nil
		rq.pushReady(e)
		rq.record(EventWake, e)
	}
}

// Ticks returns the tick counter. It is safe to call without the lock.
func (rq *RunQueue) Ticks() uint64 {
	return rq.ticks.Load()
}

// NeedResched reports whether a reschedule is pending.
func (rq *RunQueue) NeedResched() bool {
	return rq.needResched
}

// Location reports where t is. Untracked tasks are LocNone.
func (rq *RunQueue) Location(t *taskctx.Task) Location {
	if e, ok := rq.entries[t.ID]; ok {
		return e.loc
	}
	return LocNone
}

// Tracked reports whether the run queue holds a reference to t.
func (rq *RunQueue) Tracked(t *taskctx.Task) bool {
	_, ok := rq.entries[t.ID]
	return ok
}

// RemainingSlice returns the ticks left in the current task's slice.
func (rq *RunQueue) RemainingSlice() int {
	if rq.current == nil {
		return 0
	}
	return rq.current.slice
}

// ReadyLen returns the number of ready tasks.
func (rq *RunQueue) ReadyLen() int {
	return rq.ready.Size()
}

// SleepingLen returns the number of sleeping tasks.
func (rq *RunQueue) SleepingLen() int {
	return rq.sleeping.Size()
}

// Ready returns the ready tasks in pick order.
func (rq *RunQueue) Ready() []*taskctx.Task {
	out := make([]*taskctx.Task, 0, rq.ready.Size())
	it := rq.ready.Iterator()
	for it.Next() {
		out = append(out, it.Value().(*entry).task)
	}
	return out
}

// Sleeping returns the sleeping tasks in wake order.
func (rq *RunQueue) Sleeping() []*taskctx.Task {
	out := make([]*taskctx.Task, 0, rq.sleeping.Size())
	it := rq.sleeping.Iterator()
	for it.Next() {
		out = append(out, it.Value().(*entry).task)
	}
	return out
}

// DrainEvents returns the recorded events, oldest first, and clears the trace.
func (rq *RunQueue) DrainEvents() []Event {
	return rq.trace.drain()
}

// DroppedEvents returns how many events were overwritten in the trace ring.
func (rq *RunQueue) DroppedEvents() uint64 {
	return rq.trace.dropped
}

// track returns t's entry, creating it on first admission.
func (rq *RunQueue) track(t *taskctx.Task) *entry {
	if e, ok := rq.entries[t.ID]; ok {
		debugAssert(e.task == t, ErrAlreadyQueued, "task id %d reused by %s", t.ID, t)
		return e
	}
	if len(rq.entries) >= rq.cfg.MaxTasks {
		abort(ErrCapacity,
			zap.Uint64("task", uint64(t.ID)), zap.Int("max_tasks", rq.cfg.MaxTasks))
	}
	e := &entry{task: t.Get(), class: rq.classOf(t)}
	rq.entries[t.ID] = e
	metrics.TrackedGauge.Set(float64(len(rq.entries)))
	return e
}

func (rq *RunQueue) pushReady(e *entry) {
	rq.seq++
	e.loc = LocReady
	e.key = readyKey{class: e.class, seq: rq.seq}
	rq.ready.Put(e.key, e)
	if cur := rq.current; cur != nil && e.class < cur.class {
		rq.needResched = true
	}
	rq.updateGauges()
}

// outranked reports whether a ready task belongs to a higher class than class.
func (rq *RunQueue) outranked(class int) bool {
	node := rq.ready.Left()
	return node != nil && node.Key.(readyKey).class < class
}

// classOf maps a task priority onto one of the configured classes, 0 first.
func (rq *RunQueue) classOf(t *taskctx.Task) int {
	span := taskctx.MaxPriority - taskctx.MinPriority + 1
	return (t.Priority - taskctx.MinPriority) * rq.cfg.PriorityLevels / span
}

func (rq *RunQueue) sliceOf(t *taskctx.Task) int {
	if t.TimeSlice > 0 {
		return t.TimeSlice
	}
	return rq.cfg.SliceTicks
}

func (rq *RunQueue) currentTask() *taskctx.Task {
	if rq.current == nil {
		return nil
	}
	return rq.current.task
}

func (rq *RunQueue) record(kind EventKind, e *entry) {
	rq.trace.record(Event{
		Tick:   rq.ticks.Load(),
		Kind:   kind,
		TaskID: e.task.ID,
		Slice:  e.slice,
	})
}

func (rq *RunQueue) updateGauges() {
	metrics.ReadyGauge.Set(float64(rq.ready.Size()))
	metrics.SleepingGauge.Set(float64(rq.sleeping.Size()))
}
