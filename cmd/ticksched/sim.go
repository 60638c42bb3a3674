// cmd/ticksched/sim.go

package main

import (
	"context"
	"encoding/csv"
	goerrors "errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pingcap/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"tickrunq/internal/irq"
	"tickrunq/internal/job"
	"tickrunq/internal/logutil"
	"tickrunq/internal/runq"
	"tickrunq/internal/sched"
	"tickrunq/internal/spinlock"
	"tickrunq/internal/taskctx"
)

// waitQueue is the external wait structure for tasks blocked on simulated I/O.
type waitQueue struct {
	due map[*taskctx.Task]uint64 // task -> completion tick
}

// simulator plays the part of the task-context module: it owns the task
// bodies, performs the "context switch" by calling Run, and completes I/O.
type simulator struct {
	cpu      *irq.CPU
	interval time.Duration
	out      io.Writer

	// queue and tick reach the run queue; they default to the runq facade.
	queue func(t *taskctx.Task) *runq.Queue
	tick  func() bool

	kick  chan struct{}
	waitq *spinlock.SpinNoIrq[*waitQueue]
	live  atomic.Int64

	ranTotals map[taskctx.TaskID]int64

	// logging-related
	csvFile   *os.File
	csvWriter *csv.Writer
}

func newSimulator(cpu *irq.CPU, interval time.Duration, out io.Writer) *simulator {
	s := &simulator{
		cpu:       cpu,
		interval:  interval,
		out:       out,
		queue:     runq.TaskRQ,
		tick:      runq.OnTimerTick,
		kick:      make(chan struct{}, 1),
		waitq:     spinlock.New(cpu, &waitQueue{due: make(map[*taskctx.Task]uint64)}),
		ranTotals: make(map[taskctx.TaskID]int64),
	}
	cpu.Handle(s.onTimerInterrupt)
	return s
}

// EnableCSVLogging opens the given file path for CSV logging of events.
// Must be called before run().
func (s *simulator) EnableCSVLogging(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Trace(err)
	}
	w := csv.NewWriter(f)

	// write header
	if err := w.Write([]string{"tick", "event", "task_id", "slice", "ran_ticks"}); err != nil {
		f.Close()
		return errors.Trace(err)
	}
	w.Flush()
	s.csvFile = f
	s.csvWriter = w
	return nil
}

// admit hands a new task to the run queue, which becomes its only owner.
func (s *simulator) admit(t *taskctx.Task) {
	s.live.Inc()
	s.queue(t).Do(func(rq *sched.RunQueue) { rq.AddReady(t) })
	t.Put()
}

// onTimerInterrupt is the timer interrupt handler.
func (s *simulator) onTimerInterrupt() {
	resched := s.tick()

	var now uint64
	s.queue(nil).Do(func(rq *sched.RunQueue) { now = rq.Ticks() })

	var done []*taskctx.Task
	s.waitq.Do(func(wq *waitQueue) {
		for t, at := range wq.due {
			if at <= now {
				done = append(done, t)
				delete(wq.due, t)
			}
		}
	})
	if len(done) > 0 {
		s.queue(nil).Do(func(rq *sched.RunQueue) {
			for _, t := range done {
				rq.AddReady(t)
			}
			resched = resched || rq.NeedResched()
		})
	}
	if resched {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
}

// run is the dispatch loop of the single simulated CPU. It returns once every
// admitted task has exited or ctx is done.
func (s *simulator) run(ctx context.Context) error {
	defer s.closeCSV()

	for s.live.Load() > 0 {
		if ctx.Err() != nil {
			return nil
		}

		next, start := s.scheduleNext()
		s.flushEvents()

		if next == nil {
			// idle: wait for a tick that makes something ready
			select {
			case <-s.kick:
			case <-time.After(s.interval):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		err := s.switchTo(ctx, next)

		s.queue(next).Do(func(rq *sched.RunQueue) {
			s.ranTotals[next.ID] += int64(rq.Ticks() - start)
			s.settle(rq, next, err)
		})
	}
	s.flushEvents()
	return nil
}

// scheduleNext makes the reschedule decision. Kicks sent before it are
// answered by this decision; a kick latched while the lock is released
// afterwards stays pending and preempts the task it picked.
func (s *simulator) scheduleNext() (next *taskctx.Task, start uint64) {
	select {
	case <-s.kick:
	default:
	}
	s.queue(nil).Do(func(rq *sched.RunQueue) {
		next = rq.ScheduleNext()
		start = rq.Ticks()
	})
	return next, start
}

// switchTo runs t until it returns or a reschedule is signalled.
func (s *simulator) switchTo(ctx context.Context, t *taskctx.Task) error {
	runCtx, cancel := context.WithCancel(ctx)
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		select {
		case <-s.kick:
			cancel()
		case <-runCtx.Done():
		}
	}()

	err := t.Run(runCtx)
	cancel()
	<-watcherDone
	return err
}

// settle applies the outcome of one run of t. It is called with the run queue
// locked.
func (s *simulator) settle(rq *sched.RunQueue, t *taskctx.Task, err error) {
	var sleepReq *job.SleepRequest
	var blockReq *job.BlockRequest

	switch {
	case err == nil:
		rq.Exit(t)
		s.live.Dec()
	case goerrors.As(err, &sleepReq):
		rq.Unqueue(t)
		rq.SleepUntil(t, rq.Ticks()+sleepReq.Ticks)
	case goerrors.As(err, &blockReq):
		if rq.Current() == t {
			rq.BlockCurrent(sched.BlockIO)
		} else {
			rq.Unqueue(t)
		}
		at := rq.Ticks() + blockReq.Ticks
		s.waitq.Do(func(wq *waitQueue) { wq.due[t] = at })
	case goerrors.Is(err, context.Canceled):
		// preempted: the tick already requeued it, or ScheduleNext will
	default:
		logutil.BgLogger().Warn("task failed", zap.Stringer("task", t), zap.Error(err))
		rq.Exit(t)
		s.live.Dec()
	}
}

func (s *simulator) flushEvents() {
	var events []sched.Event
	s.queue(nil).Do(func(rq *sched.RunQueue) { events = rq.DrainEvents() })
	for _, ev := range events {
		s.handleEvent(ev)
	}
}

func (s *simulator) handleEvent(ev sched.Event) {
	// an auxiliary function to center the event kind in the output
	center := func(str string, width int) string {
		spaces := int(float64(width-len(str)) / 2)
		return strings.Repeat(" ", spaces) + str + strings.Repeat(" ", width-(spaces+len(str)))
	}

	fmt.Fprintf(s.out, "Tick: %07d [%s] => Task: %04d, Slice left: %02d, Total ran: %04d ticks\n",
		ev.Tick,
		center(ev.Kind.String(), 12),
		ev.TaskID,
		ev.Slice,
		s.ranTotals[ev.TaskID],
	)

	// CSV output
	if s.csvWriter != nil {
		rec := []string{
			strconv.FormatUint(ev.Tick, 10),
			ev.Kind.String(),
			strconv.FormatUint(uint64(ev.TaskID), 10),
			strconv.Itoa(ev.Slice),
			strconv.FormatInt(s.ranTotals[ev.TaskID], 10),
		}
		if err := s.csvWriter.Write(rec); err != nil {
			logutil.BgLogger().Warn("write csv record", zap.Error(err))
		}
		s.csvWriter.Flush()
	}
}

func (s *simulator) closeCSV() {
	if s.csvFile == nil {
		return
	}
	s.csvWriter.Flush()
	if err := s.csvFile.Close(); err != nil {
		logutil.BgLogger().Warn("close csv file", zap.Error(err))
	}
}
