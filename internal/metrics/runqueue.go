// Package metrics defines the prometheus collectors of the run queue.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "tickrunq"
	subsystem = "runqueue"
)

// Event type labels.
const (
	LblEnqueue  = "enqueue"
	LblDispatch = "dispatch"
	LblPreempt  = "preempt"
	LblYield    = "yield"
	LblBlock    = "block"
	LblSleep    = "sleep"
	LblWake     = "wake"
	LblExit     = "exit"
	LblPriority = "priority"
)

// run queue metrics.
var (
	TickCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "ticks_total",
			Help:      "Counter of timer ticks accounted by the run queue.",
		})

	SchedEventCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "events_total",
			Help:      "Counter of scheduling events by type.",
		}, []string{"type"})

	ReadyGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "ready_tasks",
			Help:      "Number of tasks in the ready sequence.",
		})

	SleepingGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sleeping_tasks",
			Help:      "Number of tasks in the sleeping set.",
		})

	TrackedGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tracked_tasks",
			Help:      "Number of tasks the run queue holds a reference to.",
		})
)

// RegisterMetrics registers the run queue collectors on reg.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(TickCounter)
	reg.MustRegister(SchedEventCounter)
	reg.MustRegister(ReadyGauge)
	reg.MustRegister(SleepingGauge)
	reg.MustRegister(TrackedGauge)
}
