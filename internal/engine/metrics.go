package engine

import "sync/atomic"

// Metrics are lock-free counters updated from the RT path and read from
// the control plane; never logged from Render itself (spec.md §7 —
// starvation and drops are metrics, not errors).
type Metrics struct {
	eventsDropped   atomic.Int64
	notesDropped    atomic.Int64
	voicesStolen    atomic.Int64
	diskUnderruns   atomic.Int64
	sysexRejected   atomic.Int64
}

// Snapshot is a point-in-time read of Metrics' counters.
type Snapshot struct {
	EventsDropped int64
	NotesDropped  int64
	VoicesStolen  int64
	DiskUnderruns int64
	SysexRejected int64
}

// Snapshot reads all counters. Safe to call from any goroutine.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		EventsDropped: m.eventsDropped.Load(),
		NotesDropped:  m.notesDropped.Load(),
		VoicesStolen:  m.voicesStolen.Load(),
		DiskUnderruns: m.diskUnderruns.Load(),
		SysexRejected: m.sysexRejected.Load(),
	}
}
