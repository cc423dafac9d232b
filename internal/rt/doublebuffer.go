package rt

import "sync/atomic"

// DoubleBuffer holds two full copies of a configuration value T: a single
// writer mutates the "back" copy, then atomically flips which copy is
// "current". Readers acquire a stable snapshot via a lock-free seqlock-style
// guard and never block the writer, and the writer never blocks on readers.
//
// No other package uses it: MIDI routing, the sysex listener set and the
// device list are guarded by mutexes, and a channel publishes its bound
// instrument through an atomic.Pointer.
//
// T must hold its state in plain value fields (fixed-size arrays, scalars).
// A map or slice field would alias its backing storage across both copies
// on the initial struct assignment, silently defeating the "two full
// copies" guarantee; use a handle/pointer field pointing at an immutable
// value instead if a variable-size set must be published.
type DoubleBuffer[T any] struct {
	copies  [2]T
	current atomic.Uint32 // index of the readable copy
	seq     atomic.Uint64 // writer-side generation counter
}

// NewDoubleBuffer creates a DoubleBuffer with both copies initialized to
// the same starting value.
func NewDoubleBuffer[T any](initial T) *DoubleBuffer[T] {
	db := &DoubleBuffer[T]{}
	db.copies[0] = initial
	db.copies[1] = initial
	return db
}

// Snapshot returns a copy of the currently published value. Safe to call
// from the RT thread; performs no locking and no allocation beyond the
// value copy itself.
func (db *DoubleBuffer[T]) Snapshot() T {
	for {
		s := db.seq.Load()
		if s&1 == 0 {
			v := db.copies[db.current.Load()]
			if db.seq.Load() == s {
				return v
			}
		}
	}
}

// Update applies fn to the back (non-current) copy, then flips current to
// publish it, then applies fn to the now-back copy too, keeping both copies
// consistent for the next flip. This is the "double work" property from
// spec.md §4.1: skipping the second application would mean the copy about
// to become "back" silently reverts on the next Update.
//
// Writer-only. Must never be called from the RT thread.
func (db *DoubleBuffer[T]) Update(fn func(*T)) {
	cur := db.current.Load()
	back := cur ^ 1
	fn(&db.copies[back])
	db.seq.Add(1)
	db.current.Store(back)
	// Bring the old "current" copy (now back) up to date too, so both
	// sides agree and the next flip doesn't republish stale state. seq stays
	// odd until this is done, so a Snapshot that raced the flip retries.
	fn(&db.copies[cur])
	db.seq.Add(1)
}

// Generation reports the writer's update counter, useful for tests and
// metrics that want to detect whether a publish has happened since a
// previous observation.
func (db *DoubleBuffer[T]) Generation() uint64 {
	return db.seq.Load()
}
