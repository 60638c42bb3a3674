package sched

// readyKey orders the ready tree: lower class first, then insertion order.
type readyKey struct {
	class int
	seq   uint64
}

// sleepKey orders the sleeping set: earlier deadline first, then insertion order.
type sleepKey struct {
	deadline uint64
	seq      uint64
}

// readyCmp implements the Comparator interface for readyKey ordering.
func readyCmp(a, b any) int {
	ka, kb := a.(readyKey), b.(readyKey)
	switch {
	case ka.class < kb.class:
		return -1
	case ka.class > kb.class:
		return 1
	case ka.seq < kb.seq:
		return -1
	case ka.seq > kb.seq:
		return 1
	default:
		return 0
	}
}

// sleepCmp implements the Comparator interface for sleepKey ordering.
func sleepCmp(a, b any) int {
	ka, kb := a.(sleepKey), b.(sleepKey)
	switch {
	case ka.deadline < kb.deadline:
		return -1
	case ka.deadline > kb.deadline:
		return 1
	case ka.seq < kb.seq:
		return -1
	case ka.seq > kb.seq:
		return 1
	default:
		return 0
	}
}
