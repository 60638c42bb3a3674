// internal/sched/schedulerEvent.go

package sched

import (
	"github.com/emirpasic/gods/queues/circularbuffer"

	"tickrunq/internal/metrics"
	"tickrunq/internal/taskctx"
)

// EventKind represents the type of scheduler event
type EventKind int

const (
	EventEnqueue EventKind = iota
	EventDispatch
	EventPreempt
	EventYield
	EventBlock
	EventSleep
	EventWake
	EventExit
	EventPriority
)

// Event is recorded on every queue membership change.
type Event struct {
	Tick   uint64
	Kind   EventKind
	TaskID taskctx.TaskID
	Slice  int // remaining slice when the event was recorded
}

func (k EventKind) String() string {
	switch k {
	case EventEnqueue:
		return "Enqueued"
	case EventDispatch:
		return "Dispatch"
	case EventPreempt:
		return "Preempt"
	case EventYield:
		return "Yield"
	case EventBlock:
		return "Block"
	case EventSleep:
		return "Sleep"
	case EventWake:
		return "Wake"
	case EventExit:
		return "Exit"
	case EventPriority:
		return "Priority"
	default:
		return "Unknown"
	}
}

func (k EventKind) label() string {
	switch k {
	case EventEnqueue:
		return metrics.LblEnqueue
	case EventDispatch:
		return metrics.LblDispatch
	case EventPreempt:
		return metrics.LblPreempt
	case EventYield:
		return metrics.LblYield
	case EventBlock:
		return metrics.LblBlock
	case EventSleep:
		return metrics.LblSleep
	case EventWake:
		return metrics.LblWake
	case EventExit:
		return metrics.LblExit
	case EventPriority:
		return metrics.LblPriority
	default:
		return "unknown"
	}
}

// eventTrace is a fixed-size ring; when full the oldest event is overwritten,
// so recording never allocates or blocks under the lock.
type eventTrace struct {
	ring    *circularbuffer.Queue
	dropped uint64
}

func newEventTrace(depth int) *eventTrace {
	return &eventTrace{ring: circularbuffer.New(depth)}
}

func (tr *eventTrace) record(ev Event) {
	if tr.ring.Full() {
		tr.dropped++
	}
	tr.ring.Enqueue(ev)
	metrics.SchedEventCounter.WithLabelValues(ev.Kind.label()).Inc()
}

// drain returns the buffered events oldest first and empties the ring.
func (tr *eventTrace) drain() []Event {
	vals := tr.ring.Values()
	out := make([]Event, 0, len(vals))
	for _, v := range vals {
		out = append(out, v.(Event))
	}
	tr.ring.Clear()
	return out
}
