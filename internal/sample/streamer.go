package sample

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/wavesampler/gosampler/internal/rt"
)

// frame is one decoded stereo frame, the Ring element type moved between
// the disk worker and the RT thread. A Ring[frame] is the only structure
// the two threads ever touch concurrently; everything else about a stream
// is owned by exactly one side.
type frame [2]float32

const refillChunkFrames = 1024

// StreamOption configures a Streamer at construction time.
type StreamOption func(*streamConfig)

type streamConfig struct {
	log                *slog.Logger
	preloadThreshold   int64
	maxSamplesPerCycle int
	pitchMax           float64
	ringCapacityFrames int
	maxStreams         int
	prepareConcurrency int64
}

func defaultConfig() streamConfig {
	return streamConfig{
		preloadThreshold:   int64(64 * 1024),
		maxSamplesPerCycle: 4096,
		pitchMax:           4.0,
		ringCapacityFrames: 16 * 1024,
		maxStreams:         256,
		prepareConcurrency: 4,
	}
}

// WithLogger attaches a logger used for non-RT diagnostic messages (never
// called from the RT path itself).
func WithLogger(l *slog.Logger) StreamOption {
	return func(c *streamConfig) { c.log = l }
}

// WithPreloadThreshold sets the frame-count cutoff below which a sample is
// cached entirely in RAM instead of streamed from disk.
func WithPreloadThreshold(frames int64) StreamOption {
	return func(c *streamConfig) { c.preloadThreshold = frames }
}

// WithCycleParams sets the audio parameters used to size the trailing
// silence pad appended to RAM-cached samples: pad = ceil(maxSamplesPerCycle
// * pitchMax) + a small epsilon, so a pitched interpolator never needs a
// bounds branch to read past the true end of the sample.
func WithCycleParams(maxSamplesPerCycle int, pitchMax float64) StreamOption {
	return func(c *streamConfig) {
		c.maxSamplesPerCycle = maxSamplesPerCycle
		c.pitchMax = pitchMax
	}
}

// WithMaxStreams bounds how many concurrent per-voice streaming binds the
// Streamer supports (mirrors the engine's voice pool capacity: one stream
// per playing, disk-backed voice).
func WithMaxStreams(n int) StreamOption {
	return func(c *streamConfig) { c.maxStreams = n }
}

// WithPrepareConcurrency bounds how many Source.LoadSampleData* calls
// Streamer.PrepareAll runs concurrently — a control-thread-only admission
// guard; the RT path never touches this semaphore.
func WithPrepareConcurrency(n int64) StreamOption {
	return func(c *streamConfig) { c.prepareConcurrency = n }
}

// streamKind distinguishes a fully RAM-resident stream from one actively
// fed by the disk worker.
type streamKind int

const (
	kindCached streamKind = iota
	kindDisk
)

// activeStream is the RT-owned pool entry. Only the RT thread ever reads
// or writes it, except for `ring`, which is also handed to the worker at
// creation time and is safe for concurrent SPSC use by construction.
type activeStream struct {
	id    int32
	kind  streamKind
	cache []float32 // frame-interleaved RAM cache, kindCached only

	cachedState PlaybackState // kindCached only; RT-local, never touched by the worker
	cachePos    int64

	ring *rt.Ring[frame] // kindDisk only

	// exhausted is set by the worker once it determines the source will
	// never deliver another frame for this stream (non-looping end, or a
	// finite play count run out) — distinct from the ring being
	// momentarily empty because the worker simply hasn't caught up yet.
	// A separate heap allocation, not an embedded value, for the same
	// reason ring is: the pointer outlives this slot being Free'd and
	// reused by a different stream (kindDisk only).
	exhausted *atomic.Bool
}

type streamRequest struct {
	id          int32
	source      Source
	ring        *rt.Ring[frame]
	exhausted   *atomic.Bool
	mode        LoopMode
	loopStart   int64
	loopEnd     int64
	playCount   int
	startOffset int64
}

type streamRelease struct {
	id int32
}

// Streamer is the asynchronous disk-streaming component: it owns one
// fixed-capacity pool of per-voice stream handles, refilled by a single
// dedicated worker goroutine, and guarantees the RT thread calling
// Trigger/Pull/Release never blocks on disk I/O.
type Streamer struct {
	cfg streamConfig
	sem *semaphore.Weighted

	mu       sync.Mutex // guards ramCache + nextID only; control-thread + Trigger callers
	ramCache map[Source][]float32
	nextID   int32

	pool    *rt.Pool[activeStream] // RT-owned only
	request *rt.Ring[streamRequest]
	release *rt.Ring[streamRelease]
	wake    chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewStreamer constructs a Streamer and starts its disk worker goroutine.
func NewStreamer(opts ...StreamOption) *Streamer {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Streamer{
		cfg:      cfg,
		sem:      semaphore.NewWeighted(cfg.prepareConcurrency),
		ramCache: make(map[Source][]float32),
		pool:     rt.NewPool[activeStream](cfg.maxStreams),
		request:  rt.NewRing[streamRequest](cfg.maxStreams * 2),
		release:  rt.NewRing[streamRelease](cfg.maxStreams * 2),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *Streamer) padFrames() int64 {
	return int64(math.Ceil(float64(s.cfg.maxSamplesPerCycle)*s.cfg.pitchMax)) + 8
}

// Prepare loads src's RAM cache (for a short sample) or its preload prefix
// (for a long one) ahead of any voice Trigger using it. Control-thread
// only; may block on disk I/O.
func (s *Streamer) Prepare(ctx context.Context, src Source) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.sem.Release(1)

	s.mu.Lock()
	_, already := s.ramCache[src]
	s.mu.Unlock()
	if already {
		return nil
	}

	if s.isShort(src) {
		data, err := src.LoadSampleDataWithNullSamplesExtension(s.padFrames())
		if err != nil {
			return fmt.Errorf("sample: prepare ram cache: %w", err)
		}
		s.mu.Lock()
		s.ramCache[src] = data
		s.mu.Unlock()
		return nil
	}
	prefix, err := src.LoadSampleData(s.cfg.preloadThreshold)
	if err != nil {
		return fmt.Errorf("sample: prepare prefix: %w", err)
	}
	s.mu.Lock()
	s.ramCache[src] = prefix
	s.mu.Unlock()
	return nil
}

// PrepareAll runs Prepare over sources concurrently, bounded by
// WithPrepareConcurrency. Used when loading an instrument with many
// regions at once.
func (s *Streamer) PrepareAll(ctx context.Context, sources []Source) error {
	var wg sync.WaitGroup
	errs := make([]error, len(sources))
	for i, src := range sources {
		wg.Add(1)
		go func(i int, src Source) {
			defer wg.Done()
			errs[i] = s.Prepare(ctx, src)
		}(i, src)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// isShort reports whether src is small enough to be fully RAM-resident —
// the §8 "Disk-streamer liveness" property depends on this decision never
// routing a short sample through the request ring.
func (s *Streamer) isShort(src Source) bool {
	return src.TotalFrames() <= s.cfg.preloadThreshold
}

// Trigger binds a new per-voice stream to src starting at startOffset with
// the given loop configuration. It does no disk I/O, but it takes s.mu
// briefly and, for a disk-backed stream, allocates that stream's ring. For
// a short, already-prepared sample it returns a pure RAM-cache cursor and
// never touches the request ring at all.
func (s *Streamer) Trigger(src Source, startOffset int64, mode LoopMode, loopStart, loopEnd int64, playCount int) (rt.Handle, error) {
	handle, ok := s.pool.AllocAppend()
	if !ok {
		return rt.Handle{}, fmt.Errorf("sample: stream pool exhausted")
	}
	as := s.pool.Get(handle)

	s.mu.Lock()
	cache := s.ramCache[src]
	s.mu.Unlock()

	if s.isShort(src) && cache != nil {
		as.kind = kindCached
		as.cache = cache
		as.cachePos = startOffset
		as.cachedState = PlaybackState{Mode: mode, LoopStart: loopStart, LoopEnd: loopEnd, PlayCount: playCount}
		return handle, nil
	}

	as.kind = kindDisk
	as.ring = rt.NewRing[frame](s.cfg.ringCapacityFrames)
	as.exhausted = new(atomic.Bool)

	seeded := int64(0)
	if cache != nil {
		total := int64(len(cache)) / 2
		pos := startOffset
		for pos < total && int(seeded) < as.ring.Cap() {
			as.ring.Push(frame{cache[pos*2], cache[pos*2+1]})
			pos++
			seeded++
		}
	}

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.mu.Unlock()
	as.id = id

	req := streamRequest{
		id: id, source: src, ring: as.ring, exhausted: as.exhausted,
		mode: mode, loopStart: loopStart, loopEnd: loopEnd, playCount: playCount,
		startOffset: startOffset + seeded,
	}
	if !s.request.Push(req) {
		if s.cfg.log != nil {
			s.cfg.log.Warn("sample: stream request ring full, new stream will render silence until retried")
		}
	} else {
		s.notifyWorker()
	}
	return handle, nil
}

func (s *Streamer) notifyWorker() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Pull copies up to n frames for handle into dst (stereo-interleaved,
// len(dst) >= n*2). Returns frames actually produced, whether the span is a
// transient underrun (the source has more to give but the disk worker
// hasn't kept up — rendered as silence for the shortfall, not an error or
// an end-of-stream signal), and whether the stream is exhausted (the source
// will never produce another frame: a non-looping region played to its end,
// or a finite play count ran out). RT-safe.
func (s *Streamer) Pull(handle rt.Handle, dst []float32, n int) (produced int, underrun bool, exhausted bool) {
	as := s.pool.Get(handle)
	if as == nil {
		return 0, false, true
	}
	if as.kind == kindCached {
		produced, exhausted = pullFromCache(as, dst, n)
		return produced, false, exhausted
	}
	got := 0
	for got < n {
		f, ok := as.ring.Pop()
		if !ok {
			break
		}
		dst[got*2] = f[0]
		dst[got*2+1] = f[1]
		got++
	}
	if got < n {
		if as.exhausted.Load() {
			return got, false, true
		}
		// Top up without blocking; the shortfall this call is a transient
		// underrun, rendered as silence by the caller, not end-of-stream.
		s.request.Push(streamRequest{id: as.id, ring: as.ring, exhausted: as.exhausted})
		s.notifyWorker()
		return got, true, false
	}
	return got, false, false
}

// pullFromCache reads from a fully RAM-resident stream, which can never
// suffer a transient underrun: the second return is always genuine
// end-of-stream (NoLoop reached its end, or a finite play count ran out).
func pullFromCache(as *activeStream, dst []float32, n int) (int, bool) {
	total := int64(len(as.cache)) / 2
	got := 0
	for got < n {
		idx, done := advanceLoop(&as.cachedState, as.cachePos, total)
		if done {
			break
		}
		as.cachePos = idx + int64(as.cachedState.direction)
		dst[got*2] = as.cache[idx*2]
		dst[got*2+1] = as.cache[idx*2+1]
		got++
	}
	return got, got < n
}

// advanceLoop resolves the next frame index for a RAM-cached playback
// cursor, honoring NoLoop/LoopForward/LoopPingPong and play-count limits.
// Returns (index, pastEnd).
func advanceLoop(state *PlaybackState, pos, total int64) (int64, bool) {
	state.ensureStarted()
	if state.Mode == NoLoop || (state.PlayCount != 0 && state.playsRemaining <= 0) {
		if pos >= total {
			return 0, true
		}
		return pos, false
	}
	end := state.LoopEnd
	if end <= 0 || end > total {
		end = total
	}
	if pos < state.LoopStart || pos >= end {
		pos = state.LoopStart
	}
	cur := pos
	switch state.Mode {
	case LoopForward:
		if pos+1 >= end && state.PlayCount != 0 {
			state.playsRemaining--
		}
	case LoopPingPong:
		if state.direction > 0 && pos+1 >= end && state.PlayCount != 0 {
			state.playsRemaining--
		}
		if state.direction < 0 && pos-1 < state.LoopStart && state.PlayCount != 0 {
			state.playsRemaining--
		}
	}
	if state.PlayCount != 0 && state.playsRemaining <= 0 && cur+1 >= end {
		return cur, false // deliver the final frame, then stop looping
	}
	switch state.Mode {
	case LoopPingPong:
		if state.direction > 0 {
			if cur+1 >= end {
				state.direction = -1
			}
		} else if cur-1 < state.LoopStart {
			state.direction = 1
		}
	}
	return cur, false
}

// FillLevel reports the ring's current occupancy as a fraction of capacity,
// for the disk-buffer-fill-% metric in §7. Disk-backed streams only; 1.0
// for RAM-cached streams (nothing to starve).
func (s *Streamer) FillLevel(handle rt.Handle) float64 {
	as := s.pool.Get(handle)
	if as == nil {
		return 0
	}
	if as.kind == kindCached || as.ring == nil {
		return 1.0
	}
	return float64(as.ring.Len()) / float64(as.ring.Cap())
}

// Release tears down handle's stream. RT-safe: frees the pool slot
// immediately and best-effort notifies the worker to drop its bookkeeping
// for this id; never blocks.
func (s *Streamer) Release(handle rt.Handle) {
	as := s.pool.Get(handle)
	if as == nil {
		return
	}
	if as.kind == kindDisk {
		s.release.Push(streamRelease{id: as.id})
		s.notifyWorker()
	}
	s.pool.Free(handle)
}

// Shutdown stops the disk worker and blocks until it exits. Requests still
// in the request ring are left unprocessed, and the pool slots of active
// streams stay allocated. Control-thread only.
func (s *Streamer) Shutdown() {
	close(s.done)
	s.wg.Wait()
}

type workerStream struct {
	source    Source
	ring      *rt.Ring[frame]
	exhausted *atomic.Bool
	playState PlaybackState
}

func (s *Streamer) run() {
	defer s.wg.Done()
	pending := make(map[int32]*workerStream)
	scratch := make([]float32, refillChunkFrames*2)
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
			s.absorbRequests(pending)
			s.absorbReleases(pending)
			for s.refillLeastHeadroom(pending, scratch) {
				// keep going until every known ring is topped up
			}
		}
	}
}

func (s *Streamer) absorbRequests(pending map[int32]*workerStream) {
	for {
		req, ok := s.request.Pop()
		if !ok {
			return
		}
		ws, known := pending[req.id]
		if !known {
			ws = &workerStream{
				source:    req.source,
				ring:      req.ring,
				exhausted: req.exhausted,
				playState: PlaybackState{
					Mode: req.mode, LoopStart: req.loopStart, LoopEnd: req.loopEnd, PlayCount: req.playCount,
				},
			}
			pending[req.id] = ws
		}
	}
}

func (s *Streamer) absorbReleases(pending map[int32]*workerStream) {
	for {
		rel, ok := s.release.Pop()
		if !ok {
			return
		}
		delete(pending, rel.id)
	}
}

// refillLeastHeadroom decodes one chunk for the pending stream with the
// least ring head-room (spec.md §4.3's stated priority), returning true if
// it did any work so the caller can loop until every stream is topped up.
func (s *Streamer) refillLeastHeadroom(pending map[int32]*workerStream, scratch []float32) bool {
	var worst *workerStream
	worstRoom := math.MaxInt64
	for _, ws := range pending {
		if ws.exhausted != nil && ws.exhausted.Load() {
			continue
		}
		room := ws.ring.Cap() - ws.ring.Len()
		if room > 0 && room < worstRoom {
			worstRoom = room
			worst = ws
		}
	}
	if worst == nil {
		return false
	}
	n := refillChunkFrames
	if n > worstRoom {
		n = worstRoom
	}
	if worst.source == nil {
		return false // top-up request for a ring whose source wasn't recorded yet
	}
	got, err := worst.source.ReadAndLoop(scratch, n, &worst.playState)
	if err != nil || got == 0 {
		// Either a decode error (won't self-heal) or the source legitimately
		// has nothing left to give (non-looping end, or play count run
		// out): mark exhausted so Pull stops waiting on a refill that will
		// never come.
		if worst.exhausted != nil {
			worst.exhausted.Store(true)
		}
		return true
	}
	for i := 0; i < got; i++ {
		if !worst.ring.Push(frame{scratch[i*2], scratch[i*2+1]}) {
			break
		}
	}
	return true
}
