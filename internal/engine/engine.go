// Package engine implements the real-time sampler core: per-cycle MIDI
// event ingestion, voice allocation with stealing, and the render loop
// that drives voice.Voice.Render across every bound channel.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wavesampler/gosampler/internal/event"
	"github.com/wavesampler/gosampler/internal/instrument"
	"github.com/wavesampler/gosampler/internal/rt"
	"github.com/wavesampler/gosampler/internal/voice"
)

// AudioOutputDevice is the trait an Engine renders into (spec.md §6).
// Reference adapter: internal/audiodevice.
type AudioOutputDevice interface {
	SampleRate() float64
	Channels() int
	// Buffers returns this cycle's non-owning stereo output slices for
	// engine channel idx, sized exactly n frames each.
	Buffers(idx, n int) (left, right []float32)
}

// StealMode selects the victim-picking policy when voice allocation fails
// with no free pool slot (spec.md §4.7 (a)/(b)/(c)).
type StealMode int

const (
	// StealKeyMask steals the oldest voice on the same key as the
	// triggering NoteOn, falling back to StealOldestKey if that key has
	// no voice left to steal (spec.md §4.7(a); gig::Engine::StealVoice's
	// voice_steal_algo_keymask case).
	StealKeyMask StealMode = iota
	// StealOldestKey steals the single oldest active voice engine-wide.
	StealOldestKey
	// StealNone disables stealing: allocation failure just drops the
	// NoteOn.
	StealNone
)

// pitchBendRangeSemitones is the symmetric pitch-bend range applied to a
// full-scale MIDI pitch-bend event (spec.md §8 scenario 6,
// PITCHBEND_SEMITONES): -8192 lowers pitch by exactly this many semitones,
// and the full-scale +8191 raises it by 8191/8192 of it (just under 2).
// Matches the GM/GS default bend range of +/-2 semitones.
const pitchBendRangeSemitones = 2.0

// pitchBendSemitones converts a raw 14-bit MIDI pitch-bend value (range
// [-8192, 8191]) into a signed semitone offset.
func pitchBendSemitones(bend int16) float64 {
	return (float64(bend) / 8192.0) * pitchBendRangeSemitones
}

type stealRequest struct {
	channel        *Channel
	ev             event.Event
	layer          int
	releaseTrigger bool
}

// InstrumentResolver resolves a (bank, program)-mapped instrument.Key to
// the voice-scoped query surface a Channel binds. Supplied by the façade,
// backed by instrument.Manager plus a format adapter.
type InstrumentResolver interface {
	Resolve(key instrument.Key) (voice.InstrumentQuerier, error)
}

// Engine is the real-time sampler core bound to one AudioOutputDevice.
// Render is the only method ever called from the RT thread; every other
// method is control-plane. Engine has no control-plane mutex of its own:
// Disable/Enable take stateMu, and PushSysex only pushes onto the SPSC
// sysex ring.
type Engine struct {
	log        *slog.Logger
	sampleRate float64

	pool      *rt.Pool[voice.Voice]
	streamer  voice.Streamer
	resolver  InstrumentResolver
	lifecycle voice.RegionLifecycle

	stealMode     StealMode
	maxFadeOutPos int

	channels []*Channel

	sysexQueue  *rt.Ring[sysexMessage]
	sysexReader *rt.Reader[sysexMessage]
	scaleTuning [12]int8

	metrics Metrics

	enabled      atomic.Bool
	stateMu      sync.Mutex
	stateCond    *sync.Cond
	lastStolen struct {
		handle rt.Handle
	}
}

// EngineOption configures an Engine at construction time.
type EngineOption func(*Engine)

// WithLogger attaches a logger for control-plane diagnostics.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.log = l }
}

// WithStealMode sets the voice-stealing policy.
func WithStealMode(m StealMode) EngineOption {
	return func(e *Engine) { e.stealMode = m }
}

// WithMaxFadeOutPos bounds how many samples a killed voice's fade-out may
// take.
func WithMaxFadeOutPos(n int) EngineOption {
	return func(e *Engine) { e.maxFadeOutPos = n }
}

// WithInstrumentResolver attaches the (bank,program) -> querier resolver
// used for ProgramChange-driven instrument swaps.
func WithInstrumentResolver(r InstrumentResolver) EngineOption {
	return func(e *Engine) { e.resolver = r }
}

// WithRegionLifecycle attaches the region/sample refcount tracker (normally
// an *instrument.Manager) that every launched voice acquires a hold on for
// its lifetime, so Manager.Replace never tears down storage a still-playing
// voice depends on (spec.md §4.4). Optional: nil means voices hold no
// back-reference.
func WithRegionLifecycle(l voice.RegionLifecycle) EngineOption {
	return func(e *Engine) { e.lifecycle = l }
}

// NewEngine constructs an Engine with polyphony voices and numChannels
// MIDI channels, rendering through streamer.
func NewEngine(sampleRate float64, polyphony, numChannels, channelQueueCapacity int, streamer voice.Streamer, opts ...EngineOption) *Engine {
	e := &Engine{
		sampleRate:    sampleRate,
		pool:          rt.NewPool[voice.Voice](polyphony),
		streamer:      streamer,
		stealMode:     StealKeyMask,
		maxFadeOutPos: 256,
		sysexQueue:    rt.NewRing[sysexMessage](64),
	}
	e.sysexReader = rt.NewReader(e.sysexQueue)
	e.stateCond = sync.NewCond(&e.stateMu)
	e.enabled.Store(true)
	for i := 0; i < numChannels; i++ {
		e.channels = append(e.channels, newChannel(i, channelQueueCapacity))
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Channel returns the channel at index idx.
func (e *Engine) Channel(idx int) (*Channel, error) {
	if idx < 0 || idx >= len(e.channels) {
		return nil, ErrChannelOutOfRange
	}
	return e.channels[idx], nil
}

// Metrics exposes the engine's lock-free counters.
func (e *Engine) Metrics() *Metrics { return &e.metrics }

// Enabled reports whether Render is currently doing work, observable
// lock-free from the RT thread.
func (e *Engine) Enabled() bool { return e.enabled.Load() }

// Disable stops Render from doing anything but the disabled-flag check.
// It publishes the flag and returns as soon as the flag reads back as
// disabled; it does not wait for a Render call to observe the flip, so a
// Render already in progress may still be running when Disable returns.
// timeout bounds only the read-back loop.
func (e *Engine) Disable(timeout time.Duration) error {
	return e.setEnabled(false, timeout)
}

// Enable resumes Render. Like Disable, it returns once the flag reads back
// as enabled and does not wait for a Render call to observe it.
func (e *Engine) Enable(timeout time.Duration) error {
	return e.setEnabled(true, timeout)
}

func (e *Engine) setEnabled(want bool, timeout time.Duration) error {
	e.stateMu.Lock()
	e.enabled.Store(want)
	e.stateCond.Broadcast()
	e.stateMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for {
		if e.enabled.Load() == want {
			return nil
		}
		select {
		case <-ctx.Done():
			return ErrEnableTimeout
		case <-time.After(time.Millisecond):
		}
	}
}

// PushSysex enqueues a raw sysex payload (the bytes between F0 and F7,
// exclusive) for engine-global dispatch at fragmentPos. Returns false if
// the queue is full or the payload exceeds the fixed embedded buffer;
// both cases increment Metrics.eventsDropped.
func (e *Engine) PushSysex(payload []byte, fragmentPos int) bool {
	if len(payload) > sysexPayloadCap {
		e.metrics.eventsDropped.Add(1)
		return false
	}
	var msg sysexMessage
	msg.FragmentPos = fragmentPos
	msg.Len = copy(msg.Payload[:], payload)
	if !e.sysexQueue.Push(msg) {
		e.metrics.eventsDropped.Add(1)
		return false
	}
	return true
}

// Render implements the eight-step per-cycle protocol of spec.md §4.7.
// It takes no engine or channel mutex. It is not allocation-free: the
// per-key bookkeeping (activeKeys, keyOrder, voicesByKey, the stealing
// queue) grows with append and map inserts, reclaimEmptyKeys copies the
// active-key list each cycle, a ProgramChange calls the InstrumentResolver
// synchronously, and a failed voice trigger is logged through slog, all
// from inside this call.
func (e *Engine) Render(n int, dev AudioOutputDevice) {
	// 1. disabled-flag check
	if !e.enabled.Load() {
		return
	}

	// 2. fragment time base update happens implicitly: every FragmentPos
	// below is already relative to this cycle's [0, n).

	// 3-4. import + dispatch engine-global sysex events in queue order; the
	// first message with FragmentPos >= n is left queued, with everything
	// behind it, and looked at again next cycle.
	for {
		msg, ok := e.sysexReader.Peek()
		if !ok {
			break
		}
		if msg.FragmentPos >= n {
			break
		}
		e.dispatchSysex(msg)
		e.sysexReader.Advance()
	}
	e.sysexReader.Release()

	for _, ch := range e.channels {
		left, right := dev.Buffers(ch.id, n)
		for i := 0; i < n && i < len(left) && i < len(right); i++ {
			left[i], right[i] = 0, 0
		}
		ch.outL, ch.outR = left, right
		e.renderChannel(ch, n)
	}
}

func (e *Engine) renderChannel(ch *Channel, n int) {
	ch.dest.Reset()
	e.importChannelEvents(ch, n)
	e.renderVoices(ch, n)
	e.retryStealingQueue(ch, n)
	e.reclaimEmptyKeys(ch)
}

func (e *Engine) importChannelEvents(ch *Channel, n int) {
	for {
		ev, ok := ch.input.Pop()
		if !ok {
			return
		}
		// Send* enqueue fragmentPos as given; clamp it to [0, n) here so
		// no event escapes this cycle's voice rendering.
		if ev.FragmentPos >= n {
			ev.FragmentPos = n - 1
		}
		if ev.FragmentPos < 0 {
			ev.FragmentPos = 0
		}
		e.dispatchChannelEvent(ch, ev)
	}
}

func (e *Engine) dispatchChannelEvent(ch *Channel, ev event.Event) {
	switch ev.Kind {
	case event.NoteOn:
		e.processNoteOn(ch, ev, 0, false, e.stealMode != StealNone)
	case event.NoteOff:
		e.processNoteOff(ch, ev)
	case event.PitchBend:
		ch.pitchBend = ev.Bend
		ch.dest.Append(event.DestPitch, event.SynthEvent{FragmentPos: ev.FragmentPos, Value: pitchBendSemitones(ev.Bend)})
	case event.ControlChange:
		e.processControlChange(ch, ev)
	case event.ProgramChange:
		e.processProgramChange(ch, ev)
	case event.BankSelectMsb:
		ch.controllers[0] = ev.BankByte
	case event.BankSelectLsb:
		ch.controllers[32] = ev.BankByte
	case event.ChannelPressure:
		ch.controllers[128] = ev.Pressure
	}
}

func (e *Engine) processControlChange(ch *Channel, ev event.Event) {
	ch.controllers[ev.Controller] = ev.Value
	switch ev.Controller {
	case ccSustain:
		down := ev.Value >= 64
		wasDown := ch.sustainPedal
		ch.sustainPedal = down
		if wasDown && !down {
			e.processPedalUp(ch, ev.FragmentPos)
		}
	case ccVolume:
		ch.dest.Append(event.DestVolume, event.SynthEvent{FragmentPos: ev.FragmentPos, Value: float64(ev.Value) / 127.0})
	case ccPan:
		// per-voice pan automation is out of scope for the engine-global
		// destination lists; regions set their own pan at Trigger time.
	}
}

// processPedalUp synthesizes a Release for every key whose physical key is
// no longer held (spec.md §4.5).
func (e *Engine) processPedalUp(ch *Channel, fragmentPos int) {
	for key, deferred := range ch.deferredRelease {
		if !deferred {
			continue
		}
		e.releaseKey(ch, key, fragmentPos)
		delete(ch.deferredRelease, key)
	}
}

func (e *Engine) processProgramChange(ch *Channel, ev event.Event) {
	if e.resolver == nil {
		return
	}
	bank := int(ch.controllers[0])<<7 | int(ch.controllers[32])
	key, ok := ch.programMap[programKey{bank: bank, program: int(ev.Program)}]
	if !ok {
		return // unmapped program change is a no-op, per spec.md §9(c)
	}
	q, err := e.resolver.Resolve(key)
	if err != nil {
		if e.log != nil {
			e.log.Warn("engine: instrument resolve failed", "key", key.String(), "err", err)
		}
		return
	}
	ch.BindInstrument(q)
}

func (e *Engine) processNoteOn(ch *Channel, ev event.Event, layer int, releaseTrigger bool, allowStealing bool) {
	q := ch.currentQuerier()
	if q == nil {
		return
	}
	// Peek with the current round-robin counter (not yet advanced: that
	// happens once, in launchVoice's actual Trigger call) purely to read
	// region.KeyGroup ahead of allocating a voice.
	region, ok := q.Query(ev.Key, ev.Velocity, layer, releaseTrigger, int(ch.roundRobin[ev.Key]))
	if !ok {
		return
	}
	// A re-press of a key clears any release deferred by a prior NoteOff
	// while sustain was down: the new voice just launched for this key must
	// not be released by the stale pedal-up later (spec.md §8).
	delete(ch.deferredRelease, ev.Key)
	// If a voice on this same key is still fading through its release
	// envelope and sustain isn't held, cancel that release so it doesn't
	// fight the envelope of the voice about to be launched (spec.md §4.5).
	if !ch.sustainPedal {
		e.cancelReleaseKey(ch, ev.Key)
	}
	if region.KeyGroup != 0 {
		if owner, exists := ch.keyGroupTable[region.KeyGroup]; exists && owner != ev.Key {
			e.killKey(ch, owner, ev.FragmentPos)
		}
		ch.keyGroupTable[region.KeyGroup] = ev.Key
	}

	if !e.launchVoice(ch, ev, layer, releaseTrigger) {
		if !allowStealing {
			e.metrics.notesDropped.Add(1)
			return
		}
		ch.stealingQueue = append(ch.stealingQueue, stealRequest{channel: ch, ev: ev, layer: layer, releaseTrigger: releaseTrigger})
	}
}

func (e *Engine) launchVoice(ch *Channel, ev event.Event, layer int, releaseTrigger bool) bool {
	h, ok := e.pool.AllocAppend()
	if !ok {
		if e.stealMode == StealNone || !e.stealVoice(ch, ev.Key) {
			return false
		}
		h, ok = e.pool.AllocAppend()
		if !ok {
			return false
		}
	}
	v := e.pool.Get(h)
	q := ch.currentQuerier()
	rrIndex := int(ch.roundRobin[ev.Key])
	ch.roundRobin[ev.Key]++
	err := v.Trigger(voice.TriggerContext{
		Event:           ev,
		Layer:           layer,
		ReleaseTrigger:  releaseTrigger,
		AllowStealing:   e.stealMode != StealNone,
		Querier:         q,
		Streamer:        e.streamer,
		Lifecycle:       e.lifecycle,
		SampleRate:      e.sampleRate,
		MaxFadeOutPos:   e.maxFadeOutPos,
		RoundRobinIndex: rrIndex,
	})
	if err != nil {
		e.pool.Free(h)
		if e.log != nil {
			e.log.Warn("engine: voice trigger failed", "err", err)
		}
		return false
	}
	ch.markKeyActive(ev.Key)
	ch.voicesByKey[ev.Key] = append(ch.voicesByKey[ev.Key], h)
	return true
}

// stealVoice frees one slot by killing a victim voice per e.stealMode,
// returning true if a victim was found and killed. key is the key of the
// NoteOn that needs the slot, used by StealKeyMask to prefer a voice on
// that same key before falling through to the oldest-voice-engine-wide
// scan (spec.md §4.7(a)/(b); gig::Engine::StealVoice).
func (e *Engine) stealVoice(ch *Channel, key byte) bool {
	var victim rt.Handle
	found := false

	if e.stealMode == StealKeyMask {
		for _, h := range ch.voicesByKey[key] {
			if h == e.lastStolen.handle {
				continue
			}
			if v := e.pool.Get(h); v != nil && (v.State == voice.Playing || v.State == voice.Releasing) {
				victim = h
				found = true
				break
			}
		}
	}

	if !found {
		// No voice left to steal on the triggering key (or the mode is
		// StealOldestKey outright): fall through to the oldest active
		// voice anywhere in the pool.
		e.pool.Iterate(func(h rt.Handle, v *voice.Voice) {
			if found {
				return
			}
			if h == e.lastStolen.handle {
				return
			}
			if v.State == voice.Playing || v.State == voice.Releasing {
				victim = h
				found = true
			}
		})
	}
	if !found {
		return false
	}
	v := e.pool.Get(victim)
	if v == nil {
		return false
	}
	v.Kill(0)
	e.lastStolen.handle = victim
	e.metrics.voicesStolen.Add(1)
	return true
}

func (e *Engine) processNoteOff(ch *Channel, ev event.Event) {
	if ch.sustainPedal {
		ch.deferredRelease[ev.Key] = true
		return
	}
	e.releaseKey(ch, ev.Key, ev.FragmentPos)
}

func (e *Engine) releaseKey(ch *Channel, key byte, fragmentPos int) {
	for _, h := range ch.voicesByKey[key] {
		if v := e.pool.Get(h); v != nil {
			v.Release()
		}
	}
}

// cancelReleaseKey reverts any releasing voice on key back to sustain,
// ahead of launching a fresh voice for a re-pressed key (spec.md §4.5).
func (e *Engine) cancelReleaseKey(ch *Channel, key byte) {
	for _, h := range ch.voicesByKey[key] {
		if v := e.pool.Get(h); v != nil {
			v.CancelRelease()
		}
	}
}

// killKey kills every voice on key except release-trigger voices, which
// must be left to play out their (usually short) release sample
// undisturbed (spec.md §4.5; gig::Engine::Engine.cpp's key-group handling
// guards the same way).
func (e *Engine) killKey(ch *Channel, key byte, fragmentPos int) {
	for _, h := range ch.voicesByKey[key] {
		if v := e.pool.Get(h); v != nil && v.Type != voice.ReleaseTrigger {
			v.Kill(fragmentPos)
		}
	}
}

func (e *Engine) retryStealingQueue(ch *Channel, n int) {
	if len(ch.stealingQueue) == 0 {
		return
	}
	pending := ch.stealingQueue[:0]
	for _, req := range ch.stealingQueue {
		if !e.launchVoice(ch, req.ev, req.layer, req.releaseTrigger) {
			pending = append(pending, req)
		}
	}
	ch.stealingQueue = pending
}

func (e *Engine) renderVoices(ch *Channel, n int) {
	ctx := channelRenderContext{ch: ch}
	for _, key := range ch.activeKeyList() {
		voices := ch.voicesByKey[key]
		live := voices[:0]
		for _, h := range voices {
			v := e.pool.Get(h)
			if v == nil {
				continue
			}
			res := v.Render(n, ch.outL, ch.outR, ctx)
			if res.Underrun {
				e.metrics.diskUnderruns.Add(1)
			}
			if res.Done {
				e.pool.Free(h)
				continue
			}
			live = append(live, h)
		}
		ch.voicesByKey[key] = live
	}
}

func (e *Engine) reclaimEmptyKeys(ch *Channel) {
	for _, key := range append([]byte(nil), ch.activeKeyList()...) {
		ch.removeKeyIfEmpty(key)
	}
}

// channelRenderContext adapts a Channel into the narrow RenderContext a
// Voice uses (spec.md §9's voice-scoped mutation surface).
type channelRenderContext struct {
	ch *Channel
}

func (c channelRenderContext) CycleParams() voice.CycleParams {
	return voice.CycleParams{Events: &c.ch.dest}
}

func (c channelRenderContext) Kill(fragmentPos int) {}

// EngineRegistry maps AudioOutputDevice identity to its acquired Engine,
// owned and injected by the sampler façade (spec.md §9 — no package-level
// global state).
type EngineRegistry struct {
	mu      sync.Mutex
	engines map[AudioOutputDevice]*engineRef
}

type engineRef struct {
	engine   *Engine
	refcount int
}

// NewEngineRegistry constructs an empty registry.
func NewEngineRegistry() *EngineRegistry {
	return &EngineRegistry{engines: make(map[AudioOutputDevice]*engineRef)}
}

// AcquireEngine returns the Engine bound to dev, constructing one via
// factory on first acquisition and incrementing a refcount thereafter.
func (r *EngineRegistry) AcquireEngine(dev AudioOutputDevice, factory func() *Engine) *Engine {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref, ok := r.engines[dev]
	if !ok {
		ref = &engineRef{engine: factory()}
		r.engines[dev] = ref
	}
	ref.refcount++
	return ref.engine
}

// FreeEngine decrements dev's engine refcount, removing it from the
// registry once the last channel detaches.
func (r *EngineRegistry) FreeEngine(dev AudioOutputDevice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref, ok := r.engines[dev]
	if !ok {
		return ErrUnknownDevice
	}
	ref.refcount--
	if ref.refcount <= 0 {
		delete(r.engines, dev)
	}
	return nil
}
