// Package instrument implements the reference-counted instrument cache: a
// single source of truth for loaded instruments shared across channels,
// with hot-swap support that never destroys a playing instrument instance
// out from under the voices still rendering from it.
package instrument

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Availability controls eviction policy for an entry once its refcount
// reaches zero.
type Availability int

const (
	// OnDemand releases the instrument immediately at refcount zero.
	OnDemand Availability = iota
	// OnDemandHold survives exactly one zero-refcount transition before
	// eviction, absorbing rapid borrow/release churn (e.g. a patch change
	// and change-back within one session).
	OnDemandHold
	// Persistent is loaded eagerly via Pin and never evicted.
	Persistent
)

// Key identifies one instrument within a file.
type Key struct {
	Path  string
	Index int
}

func (k Key) String() string { return fmt.Sprintf("%s#%d", k.Path, k.Index) }

// Instrument is an opaque handle to a loaded instrument. The core treats it
// as a black box; region/sample resolution happens through Source.Query.
type Instrument struct {
	Key  Key
	Data any // format-specific payload, e.g. a parsed region set
}

// Source is the instrument-accessor trait: format-agnostic loading. A
// concrete instrument format supplies the implementation.
type Source interface {
	Load(path string, index int) (*Instrument, error)
}

// PreSwapNotify is called on each registered consumer before Replace
// installs a new instrument instance, so the consumer can publish any
// per-region state it wants kept alive across the swap. The returned bytes
// are opaque to Manager and handed back verbatim to PostSwapNotify.
type PreSwapNotify func(key Key, old *Instrument) []byte

// PostSwapNotify is called on each registered consumer after Replace
// installs the new instance.
type PostSwapNotify func(key Key, old, next *Instrument, opaque []byte)

type entry struct {
	key      Key
	mode     Availability
	refcount int32
	survived bool // OnDemandHold: has this entry already survived one zero-refcount transition?

	current atomic.Pointer[Instrument] // RT-readable without the manager mutex
}

// ManagerOption configures a Manager at construction time.
type ManagerOption func(*managerConfig)

type managerConfig struct {
	log *slog.Logger
}

// WithLogger attaches a logger for hot-swap and eviction diagnostics.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(c *managerConfig) { c.log = l }
}

// Manager is the reference-counted instrument cache described in
// spec.md §4.4. All mutating methods are control-thread only and guarded
// by a mutex; the RT thread only ever does an atomic pointer load against
// an already-borrowed *Instrument.
type Manager struct {
	cfg managerConfig
	src Source

	mu      sync.Mutex
	entries map[Key]*entry

	preMu sync.Mutex
	pre   []PreSwapNotify
	post  []PostSwapNotify

	regionRef sync.Map // RegionHandle -> *int32 refcount
	sampleRef sync.Map // SampleHandle -> *int32 refcount
}

// NewManager constructs a Manager backed by src.
func NewManager(src Source, opts ...ManagerOption) *Manager {
	cfg := managerConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Manager{
		cfg:     cfg,
		src:     src,
		entries: make(map[Key]*entry),
	}
}

// RegisterSwapObserver adds callbacks invoked around every Replace. Safe
// to call concurrently with Replace: a Replace already in progress uses
// the observers registered when it started.
func (m *Manager) RegisterSwapObserver(pre PreSwapNotify, post PostSwapNotify) {
	m.preMu.Lock()
	defer m.preMu.Unlock()
	if pre != nil {
		m.pre = append(m.pre, pre)
	}
	if post != nil {
		m.post = append(m.post, post)
	}
}

// Borrow returns the instrument for key, loading it on first use and
// incrementing its refcount. consumer identifies the caller; Manager does
// not record or read it.
func (m *Manager) Borrow(key Key, consumer uuid.UUID) (*Instrument, error) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		inst, err := m.src.Load(key.Path, key.Index)
		if err != nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("instrument: load %s: %w", key, err)
		}
		e = &entry{key: key, mode: OnDemand}
		e.current.Store(inst)
		m.entries[key] = e
	}
	e.refcount++
	m.mu.Unlock()
	return e.current.Load(), nil
}

// Release decrements key's refcount and applies the entry's eviction
// policy if it reaches zero.
func (m *Manager) Release(key Key, consumer uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return
	}
	e.refcount--
	if e.refcount > 0 {
		return
	}
	switch e.mode {
	case Persistent:
		// never evicted
	case OnDemandHold:
		if !e.survived {
			e.survived = true
			return
		}
		delete(m.entries, key)
	case OnDemand:
		delete(m.entries, key)
	}
	if m.cfg.log != nil {
		m.cfg.log.Debug("instrument: refcount reached zero", "key", key.String(), "mode", e.mode)
	}
}

// Pin eagerly loads key as Persistent: it is never evicted regardless of
// refcount.
func (m *Manager) Pin(key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok {
		e.mode = Persistent
		return nil
	}
	inst, err := m.src.Load(key.Path, key.Index)
	if err != nil {
		return fmt.Errorf("instrument: pin %s: %w", key, err)
	}
	e := &entry{key: key, mode: Persistent}
	e.current.Store(inst)
	m.entries[key] = e
	return nil
}

// SetAvailability changes key's eviction policy for entries already
// resident. No-op if key is not loaded.
func (m *Manager) SetAvailability(key Key, mode Availability) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok {
		e.mode = mode
	}
}

// Replace performs the hot-swap: pre-notifies each registered observer,
// atomically installs next on key's entry, then post-notifies. The prior
// instance is never freed here — its region/sample refcounts (tracked
// separately) govern that, so voices still rendering from it keep working.
func (m *Manager) Replace(key Key, next *Instrument) error {
	m.mu.Lock()
	e, ok := m.entries[key]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("instrument: replace: %s not loaded", key)
	}
	old := e.current.Load()

	m.preMu.Lock()
	pres := append([]PreSwapNotify(nil), m.pre...)
	posts := append([]PostSwapNotify(nil), m.post...)
	m.preMu.Unlock()

	opaques := make([][]byte, len(pres))
	for i, pre := range pres {
		opaques[i] = pre(key, old)
	}

	e.current.Store(next)

	for i, post := range posts {
		var op []byte
		if i < len(opaques) {
			op = opaques[i]
		}
		post(key, old, next, op)
	}
	return nil
}

// RegionHandle and SampleHandle are opaque identifiers for the per-region
// and per-sample refcount tables; concrete instrument formats mint them.
type RegionHandle uint64
type SampleHandle uint64

// AcquireRegion increments a region's refcount, creating the counter on
// first use. A still-playing voice holds one of these for as long as it
// renders from the region, even across a Replace.
func (m *Manager) AcquireRegion(h RegionHandle) {
	m.bumpRef(&m.regionRef, uint64(h), 1)
}

// ReleaseRegion decrements a region's refcount; teardown of the
// region/sample objects is the caller's responsibility once the count
// reaches zero (Manager only tracks the count, it does not own region
// storage — that belongs to the concrete instrument format).
func (m *Manager) ReleaseRegion(h RegionHandle) int32 {
	return m.bumpRef(&m.regionRef, uint64(h), -1)
}

// AcquireSample increments a sample's refcount.
func (m *Manager) AcquireSample(h SampleHandle) {
	m.bumpRef(&m.sampleRef, uint64(h), 1)
}

// ReleaseSample decrements a sample's refcount, returning the resulting
// count so the caller can tear down the sample object at zero.
func (m *Manager) ReleaseSample(h SampleHandle) int32 {
	return m.bumpRef(&m.sampleRef, uint64(h), -1)
}

func (m *Manager) bumpRef(table *sync.Map, key uint64, delta int32) int32 {
	v, _ := table.LoadOrStore(key, new(int32))
	counter := v.(*int32)
	return atomic.AddInt32(counter, delta)
}
