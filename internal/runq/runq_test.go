package runq

import (
	"sync"
	"testing"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/goleak"

	"tickrunq/internal/irq"
	"tickrunq/internal/lazyinit"
	"tickrunq/internal/sched"
	"tickrunq/internal/taskctx"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func resetRunQueue() {
	runQueue = lazyinit.Value[*Queue]{}
}

func TestUseBeforeInitPanics(t *testing.T) {
	resetRunQueue()
	task := taskctx.NewTask(1, 0, nil)

	for _, fn := range []func(){
		func() { TaskRQ(task) },
		func() { OnTimerTick() },
		func() { ForceUnlock() },
	} {
		func() {
			defer func() {
				r := recover()
				require.NotNil(t, r)
				require.Equal(t, lazyinit.ErrUninit, errors.Cause(r.(error)))
			}()
			fn()
		}()
	}
}

func TestDoubleInitPanics(t *testing.T) {
	resetRunQueue()
	InitWith(sched.DefaultConfig(), irq.NewCPU())
	defer func() {
		r := recover()
		require.NotNil(t, r)
		require.Equal(t, lazyinit.ErrAlreadyInit, errors.Cause(r.(error)))
	}()
	Init()
}

func TestTaskRQIsTheSingleQueue(t *testing.T) {
	resetRunQueue()
	Init()
	a := taskctx.NewTask(1, 0, nil)
	b := taskctx.NewTask(2, 40, nil)
	require.Same(t, TaskRQ(a), TaskRQ(b))
	require.Same(t, TaskRQ(a), TaskRQ(nil))
}

func TestOnTimerTickSliceExpiry(t *testing.T) {
	resetRunQueue()
	InitWith(sched.DefaultConfig(), irq.NewCPU())
	a := taskctx.NewTask(1, 0, nil).WithTimeSlice(1)

	TaskRQ(a).Do(func(rq *sched.RunQueue) {
		rq.AddReady(a)
		require.Same(t, a, rq.ScheduleNext())
	})
	require.True(t, OnTimerTick())

	TaskRQ(a).Do(func(rq *sched.RunQueue) {
		require.EqualValues(t, 1, rq.Ticks())
		require.Nil(t, rq.Current())
		require.Same(t, a, rq.PickNext())
	})
}

func TestTimerInterruptIsDeferredWhileLocked(t *testing.T) {
	resetRunQueue()
	cpu := irq.NewCPU()
	InitWith(sched.DefaultConfig(), cpu)
	cpu.Handle(func() { OnTimerTick() })

	g := TaskRQ(nil).Lock()
	require.False(t, cpu.Raise())
	require.Zero(t, g.Get().Ticks())
	g.Unlock()

	require.Zero(t, cpu.Pending())
	TaskRQ(nil).Do(func(rq *sched.RunQueue) {
		require.EqualValues(t, 1, rq.Ticks())
	})
}

func TestForceUnlockRecovers(t *testing.T) {
	resetRunQueue()
	cpu := irq.NewCPU()
	InitWith(sched.DefaultConfig(), cpu)
	a := taskctx.NewTask(1, 0, nil)

	func() {
		defer func() { require.NotNil(t, recover()) }()
		g := TaskRQ(a).Lock()
		g.Get().AddReady(a)
		panic("fault while holding the run queue")
	}()
	q := TaskRQ(a)
	require.True(t, q.IsLocked())
	_, ok := q.TryLock()
	require.False(t, ok)

	ForceUnlock()
	require.False(t, q.IsLocked())
	g, ok := q.TryLock()
	require.True(t, ok)
	require.Equal(t, sched.LocReady, g.Get().Location(a))
	g.Unlock()
}

// TestTickNeverObservesPartialMutation runs task-management critical sections
// that move tasks through transient states while timer interrupts fire. With
// the IRQ-safe lock, the handler must never see a task in transit.
func TestTickNeverObservesPartialMutation(t *testing.T) {
	resetRunQueue()
	cpu := irq.NewCPU()
	cfg := sched.DefaultConfig()
	cfg.SliceTicks = 2
	cfg.PriorityLevels = 3
	InitWith(cfg, cpu)

	const (
		numTasks = 16
		workers  = 4
		rounds   = 3000
		raises   = 3000
	)
	tasks := make([]*taskctx.Task, numTasks)
	for i := range tasks {
		tasks[i] = taskctx.NewTask(taskctx.TaskID(i+1), i*3%41, nil)
	}
	TaskRQ(nil).Do(func(rq *sched.RunQueue) {
		for _, task := range tasks {
			rq.AddReady(task)
		}
	})

	var violations atomic.Int64
	cpu.Handle(func() {
		OnTimerTick()
		TaskRQ(nil).Do(func(rq *sched.RunQueue) {
			for _, task := range tasks {
				if rq.Location(task) == sched.LocNone {
					violations.Inc()
				}
			}
		})
	})

	var wg sync.WaitGroup
	wg.Add(workers + 1)
	for w := 0; w < workers; w++ {
		go func(w int) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				TaskRQ(nil).Do(func(rq *sched.RunQueue) {
					switch (i + w) % 4 {
					case 0:
						if next := rq.PickNext(); next != nil {
							rq.AddReady(next)
						}
					case 1:
						rq.ScheduleNext()
					case 2:
						if cur := rq.Current(); cur != nil {
							rq.SleepUntil(cur, rq.Ticks()+1)
						}
					case 3:
						if rq.Current() != nil {
							rq.YieldCurrent()
						}
					}
				})
			}
		}(w)
	}
	go func() {
		defer wg.Done()
		for i := 0; i < raises; i++ {
			cpu.Raise()
		}
	}()
	wg.Wait()
	cpu.Restore(cpu.Disable())

	require.Zero(t, violations.Load())
	require.EqualValues(t, raises, cpu.Delivered())
	TaskRQ(nil).Do(func(rq *sched.RunQueue) {
		require.EqualValues(t, raises, rq.Ticks())
		n := rq.ReadyLen() + rq.SleepingLen()
		if rq.Current() != nil {
			n++
		}
		require.Equal(t, numTasks, n)
	})
}
