// internal/taskctx/task.go

package taskctx

import (
	"context"
	"fmt"

	"go.uber.org/atomic"
)

// TaskID uniquely identifies a task.
type TaskID uint64

// Priority bounds. 0 is the highest priority.
const (
	MinPriority = 0
	MaxPriority = 40
)

// Task is the handle of one schedulable unit of execution.
// The run queue treats it as opaque: it reads ID, Priority and TimeSlice and
// never calls Run.
type Task struct {
	ID        TaskID
	Name      string
	Priority  int                             // 0 - 40, where 0 is the highest priority
	TimeSlice int                             // ticks per slice, 0 = run queue default
	Run       func(ctx context.Context) error // work function, driven by the caller of the scheduler

	refs   atomic.Int32
	onDrop func(*Task)
}

// NewTask creates a task holding one reference owned by the caller.
func NewTask(id TaskID, priority int, work func(ctx context.Context) error) *Task {
	t := &Task{
		ID:       id,
		Name:     fmt.Sprintf("task-%d", id),
		Priority: ClampPriority(priority),
		Run:      work,
	}
	t.refs.Store(1)
	return t
}

// WithName sets a display name and returns the task.
func (t *Task) WithName(name string) *Task {
	t.Name = name
	return t
}

// WithTimeSlice overrides the default slice length, in ticks.
func (t *Task) WithTimeSlice(ticks int) *Task {
	if ticks < 0 {
		ticks = 0
	}
	t.TimeSlice = ticks
	return t
}

// OnDrop registers fn to run once the last reference is dropped. This is where
// the owner tears down stacks and saved register state.
func (t *Task) OnDrop(fn func(*Task)) {
	t.onDrop = fn
}

// Get takes an additional reference.
func (t *Task) Get() *Task {
	if t.refs.Inc() <= 1 {
		panic(fmt.Sprintf("taskctx: Get on dropped task %d", t.ID))
	}
	return t
}

// Put drops a reference and reports whether it was the last one.
func (t *Task) Put() bool {
	n := t.refs.Dec()
	switch {
	case n > 0:
		return false
	case n < 0:
		panic(fmt.Sprintf("taskctx: Put on dropped task %d", t.ID))
	}
	if t.onDrop != nil {
		t.onDrop(t)
	}
	return true
}

// Refs returns the current reference count.
func (t *Task) Refs() int32 {
	return t.refs.Load()
}

func (t *Task) String() string {
	return fmt.Sprintf("%s(%d)", t.Name, t.ID)
}

// ClampPriority clamps priority within the legal region.
func ClampPriority(priority int) int {
	if priority < MinPriority {
		return MinPriority
	} else if priority > MaxPriority {
		return MaxPriority
	}
	return priority
}
