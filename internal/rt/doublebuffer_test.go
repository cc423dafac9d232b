package rt

import "testing"

// cfg mirrors the shape of a real double-buffered config: fixed-size value
// fields only, no maps or slices, so a struct assignment genuinely makes an
// independent copy (the one invariant DoubleBuffer depends on — callers
// must not embed reference types whose backing storage would alias across
// both copies).
type cfg struct {
	route [4]int
	count int
}

func TestDoubleBufferUpdateIsVisibleAfterFlip(t *testing.T) {
	db := NewDoubleBuffer(cfg{})

	snap := db.Snapshot()
	if snap.count != 0 {
		t.Fatalf("expected zero-value initial snapshot, got %+v", snap)
	}

	db.Update(func(c *cfg) {
		c.route[1] = 2
		c.count = 1
	})

	snap = db.Snapshot()
	if snap.route[1] != 2 || snap.count != 1 {
		t.Fatalf("expected route[1]=2 count=1 after update, got %+v", snap)
	}
}

func TestDoubleBufferDoubleWorkKeepsBothCopiesConsistent(t *testing.T) {
	db := NewDoubleBuffer(cfg{})

	db.Update(func(c *cfg) { c.route[1] = 1 })
	db.Update(func(c *cfg) { c.route[1] = 2 })

	// A third update must not see stale state from two updates ago: if the
	// "double work" property were broken, one of the two copies would still
	// hold route[1]=1 and the flip after this update would republish it.
	db.Update(func(c *cfg) { c.route[2] = 99 })
	snap := db.Snapshot()
	if snap.route[1] != 2 || snap.route[2] != 99 {
		t.Fatalf("expected both mutations to survive, got %+v", snap)
	}
}

func TestDoubleBufferGenerationIncrementsPerUpdate(t *testing.T) {
	db := NewDoubleBuffer(cfg{})
	g0 := db.Generation()
	db.Update(func(c *cfg) {})
	g1 := db.Generation()
	if g1 <= g0 {
		t.Fatalf("expected generation to advance, got %d -> %d", g0, g1)
	}
}
