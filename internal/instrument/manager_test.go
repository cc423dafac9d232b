package instrument

import (
	"errors"
	"testing"

	"github.com/google/uuid"
)

type fakeSource struct {
	loads int
	fail  bool
}

func (f *fakeSource) Load(path string, index int) (*Instrument, error) {
	f.loads++
	if f.fail {
		return nil, errors.New("boom")
	}
	return &Instrument{Key: Key{Path: path, Index: index}, Data: f.loads}, nil
}

func TestBorrowLoadsOnceAndSharesAcrossConsumers(t *testing.T) {
	src := &fakeSource{}
	m := NewManager(src)
	key := Key{Path: "a.gig", Index: 0}

	c1, c2 := uuid.New(), uuid.New()
	inst1, err := m.Borrow(key, c1)
	if err != nil {
		t.Fatalf("borrow 1: %v", err)
	}
	inst2, err := m.Borrow(key, c2)
	if err != nil {
		t.Fatalf("borrow 2: %v", err)
	}
	if inst1 != inst2 {
		t.Fatalf("expected both consumers to share the same instance")
	}
	if src.loads != 1 {
		t.Fatalf("expected exactly one load, got %d", src.loads)
	}
}

func TestBorrowPropagatesLoadError(t *testing.T) {
	src := &fakeSource{fail: true}
	m := NewManager(src)
	if _, err := m.Borrow(Key{Path: "bad.gig"}, uuid.New()); err == nil {
		t.Fatalf("expected load error to propagate")
	}
}

func TestReleaseOnDemandEvictsAtZeroRefcount(t *testing.T) {
	src := &fakeSource{}
	m := NewManager(src)
	key := Key{Path: "a.gig"}
	c1 := uuid.New()

	m.Borrow(key, c1)
	m.Release(key, c1)

	m.mu.Lock()
	_, resident := m.entries[key]
	m.mu.Unlock()
	if resident {
		t.Fatalf("expected OnDemand entry to be evicted at refcount zero")
	}

	m.Borrow(key, c1)
	if src.loads != 2 {
		t.Fatalf("expected a fresh load after eviction, got %d loads", src.loads)
	}
}

func TestReleaseOnDemandHoldSurvivesOneZeroTransition(t *testing.T) {
	src := &fakeSource{}
	m := NewManager(src)
	key := Key{Path: "a.gig"}
	c1 := uuid.New()

	m.Borrow(key, c1)
	m.SetAvailability(key, OnDemandHold)
	m.Release(key, c1)

	m.mu.Lock()
	_, resident := m.entries[key]
	m.mu.Unlock()
	if !resident {
		t.Fatalf("expected OnDemandHold entry to survive the first zero-refcount transition")
	}

	m.Borrow(key, c1)
	m.Release(key, c1)
	m.Release(key, c1) // no-op: the Release above was the second zero transition and already evicted the entry

	m.mu.Lock()
	_, resident = m.entries[key]
	m.mu.Unlock()
	if resident {
		t.Fatalf("expected OnDemandHold entry to be evicted on its second zero transition")
	}
}

func TestPersistentNeverEvicted(t *testing.T) {
	src := &fakeSource{}
	m := NewManager(src)
	key := Key{Path: "a.gig"}
	if err := m.Pin(key); err != nil {
		t.Fatalf("pin: %v", err)
	}
	c1 := uuid.New()
	m.Borrow(key, c1)
	m.Release(key, c1)

	m.mu.Lock()
	_, resident := m.entries[key]
	m.mu.Unlock()
	if !resident {
		t.Fatalf("expected Persistent entry to remain resident")
	}
}

func TestReplaceNotifiesObserversAndSwapsAtomically(t *testing.T) {
	src := &fakeSource{}
	m := NewManager(src)
	key := Key{Path: "a.gig"}
	m.Borrow(key, uuid.New())

	var preCalled, postCalled bool
	m.RegisterSwapObserver(
		func(k Key, old *Instrument) []byte {
			preCalled = true
			return []byte("carry")
		},
		func(k Key, old, next *Instrument, opaque []byte) {
			postCalled = true
			if string(opaque) != "carry" {
				t.Fatalf("expected opaque payload to round-trip, got %q", opaque)
			}
		},
	)

	next := &Instrument{Key: key, Data: "v2"}
	if err := m.Replace(key, next); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if !preCalled || !postCalled {
		t.Fatalf("expected both pre and post swap observers to run")
	}

	got, _ := m.Borrow(key, uuid.New())
	if got != next {
		t.Fatalf("expected borrow after replace to return the new instance")
	}
}

func TestReplaceUnknownKeyErrors(t *testing.T) {
	m := NewManager(&fakeSource{})
	if err := m.Replace(Key{Path: "missing"}, &Instrument{}); err == nil {
		t.Fatalf("expected error replacing an unloaded key")
	}
}

func TestRegionAndSampleRefcounting(t *testing.T) {
	m := NewManager(&fakeSource{})
	h := RegionHandle(1)

	m.AcquireRegion(h)
	m.AcquireRegion(h)
	if got := m.ReleaseRegion(h); got != 1 {
		t.Fatalf("expected refcount 1 after one release of two acquires, got %d", got)
	}
	if got := m.ReleaseRegion(h); got != 0 {
		t.Fatalf("expected refcount 0, got %d", got)
	}

	sh := SampleHandle(7)
	m.AcquireSample(sh)
	if got := m.ReleaseSample(sh); got != 0 {
		t.Fatalf("expected sample refcount 0, got %d", got)
	}
}
