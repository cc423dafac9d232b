// Package voice implements the per-note synthesis unit: pitch/volume/pan
// envelope application over frames pulled from a bound disk stream,
// key-group exclusivity, and release/kill lifecycle transitions.
package voice

import (
	"math"

	"github.com/wavesampler/gosampler/internal/event"
	"github.com/wavesampler/gosampler/internal/instrument"
	"github.com/wavesampler/gosampler/internal/rt"
	"github.com/wavesampler/gosampler/internal/sample"
)

// State is the voice lifecycle state (spec.md §3 Lifecycle).
type State int

const (
	Idle State = iota
	Triggered
	Playing
	Releasing
	FadingOut
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Triggered:
		return "Triggered"
	case Playing:
		return "Playing"
	case Releasing:
		return "Releasing"
	case FadingOut:
		return "FadingOut"
	default:
		return "Unknown"
	}
}

// Type distinguishes the role a voice was launched to play.
type Type int

const (
	Normal Type = iota
	ReleaseTriggerRequired
	ReleaseTrigger
	Stolen
)

// Region is the resolved per-note synthesis parameter set a voice binds
// to at Trigger time. Concrete instrument formats populate one of these
// from their own region/zone representation; Voice only ever sees this
// narrow projection (it never holds a pointer into instrument internals).
type Region struct {
	Source         sample.Source
	KeyGroup       int
	PitchKeyCenter int
	Loop           sample.LoopMode
	LoopStart      int64
	LoopEnd        int64
	PlayCount      int
	Pan            float64 // -1..1
	Attack         float64 // seconds
	Decay          float64 // seconds
	Sustain        float64 // 0..1
	Release        float64 // seconds
	CutoffHz       float64 // 0 = disabled
	Resonance      float64
	ReleaseTrigger bool // this region is itself a release-trigger sample

	// RegionHandle/SampleHandle back-reference this region/sample's entry
	// in an instrument.Manager's refcount tables, zero if the concrete
	// instrument format doesn't mint one (spec.md §4.4). Voice acquires
	// both for its full lifetime when a RegionLifecycle is supplied.
	RegionHandle instrument.RegionHandle
	SampleHandle instrument.SampleHandle
}

// RegionLifecycle lets a voice hold a back-reference on the region/sample
// it renders from for as long as it is alive, so a concurrent
// instrument.Manager.Replace never tears down storage a still-playing
// voice depends on (spec.md §4.4). *instrument.Manager implements this
// directly.
type RegionLifecycle interface {
	AcquireRegion(h instrument.RegionHandle)
	ReleaseRegion(h instrument.RegionHandle) int32
	AcquireSample(h instrument.SampleHandle)
	ReleaseSample(h instrument.SampleHandle) int32
}

// InstrumentQuerier resolves a Region for a triggered key/velocity/layer
// combination. Implemented by a concrete instrument format package.
// roundRobinIndex is the triggering key's MidiKeyInfo.RoundRobinIndex
// (spec.md §3 [EXPANSION]), incremented by the engine on every NoteOn for
// that key; an implementation with more than one candidate region for the
// same key/velocity/layer resolves the tie by rotating through them with
// roundRobinIndex instead of always picking the first match.
type InstrumentQuerier interface {
	Query(key, velocity byte, layer int, releaseTrigger bool, roundRobinIndex int) (Region, bool)
}

// Streamer is the subset of sample.Streamer a voice needs, narrowed so the
// voice package depends only on stream lifecycle operations. underrun
// reports a transient disk-side stall (more frames are coming, the worker
// just hasn't kept up yet); exhausted reports the source has no more
// frames to ever give (a non-looping region played out, or a finite play
// count ran out). The two are never conflated: an underrun renders silence
// for the shortfall without disturbing voice state, only exhausted moves a
// voice toward Releasing/Idle.
type Streamer interface {
	Trigger(src sample.Source, startOffset int64, mode sample.LoopMode, loopStart, loopEnd int64, playCount int) (rt.Handle, error)
	Pull(handle rt.Handle, dst []float32, n int) (produced int, underrun bool, exhausted bool)
	Release(handle rt.Handle)
}

// StreamHandle identifies a voice's bound disk stream.
type StreamHandle = rt.Handle

// CycleParams exposes this cycle's classified synthesis events to a
// rendering voice.
type CycleParams struct {
	Events       *event.DestinationLists
	CycleSamples int
}

// RenderContext is the voice-scoped mutation surface (spec.md §9): the
// narrow interface a Voice uses instead of holding a back-pointer to its
// owning Engine/Channel.
type RenderContext interface {
	CycleParams() CycleParams
	Kill(fragmentPos int)
}

// TriggerContext carries everything Trigger needs to bind a new voice.
type TriggerContext struct {
	Event           event.Event
	Layer           int
	ReleaseTrigger  bool
	AllowStealing   bool
	Querier         InstrumentQuerier
	Streamer        Streamer
	Lifecycle       RegionLifecycle // optional; nil means no refcount back-reference is held
	SampleRate      float64
	MaxFadeOutPos   int
	RoundRobinIndex int
}

type envPhase int

const (
	envAttackPhase envPhase = iota
	envDecayPhase
	envSustainPhase
	envReleasePhase
	envOffPhase
)

// Voice is one allocated polyphonic voice. Zero value is not ready to
// render; always obtain one via a pool slot and call Trigger.
type Voice struct {
	State State
	Type  Type

	Key      byte
	Velocity byte
	Channel  int
	KeyGroup int

	region   Region
	stream   StreamHandle
	streamer Streamer

	lifecycle  RegionLifecycle // non-nil iff this voice holds region/sample refs
	heldRegion instrument.RegionHandle
	heldSample instrument.SampleHandle

	sampleRate float64
	pitchRatio float64
	pos        float64 // fractional stream read position within the current Pull buffer

	pan     float64
	volume  float64
	cutoff  float64
	reso    float64
	lpfL    float64
	lpfR    float64
	lpfAlph float64

	env      float64
	envPh    envPhase
	attackR  float64
	decayR   float64
	sustainL float64
	releaseR float64

	killAtFragment   int
	killed           bool
	remainingKill    int
	maxFadeOutPos    int
	streamBuf        []float32
}

// PitchRatio returns the voice's current pitch playback ratio, combining
// the region's key-center offset with any applied pitch-bend.
func (v *Voice) PitchRatio() float64 { return v.pitchRatio }

// Trigger binds region/stream state for key and transitions Idle -> Playing
// (or, for a release-trigger-required region that is itself still pending,
// Idle -> Triggered until the key's Release event actually arrives).
func (v *Voice) Trigger(ctx TriggerContext) error {
	region, ok := ctx.Querier.Query(ctx.Event.Key, ctx.Event.Velocity, ctx.Layer, ctx.ReleaseTrigger, ctx.RoundRobinIndex)
	if !ok {
		v.State = Idle
		return nil
	}
	v.region = region
	v.Key = ctx.Event.Key
	v.Velocity = ctx.Event.Velocity
	v.KeyGroup = region.KeyGroup
	v.sampleRate = ctx.SampleRate
	v.maxFadeOutPos = ctx.MaxFadeOutPos
	v.streamer = ctx.Streamer
	v.killed = false

	v.lifecycle = ctx.Lifecycle
	if v.lifecycle != nil {
		v.heldRegion = region.RegionHandle
		v.heldSample = region.SampleHandle
		v.lifecycle.AcquireRegion(v.heldRegion)
		v.lifecycle.AcquireSample(v.heldSample)
	}

	if ctx.ReleaseTrigger {
		v.Type = ReleaseTrigger
	} else if region.ReleaseTrigger {
		v.Type = ReleaseTriggerRequired
	} else {
		v.Type = Normal
	}

	handle, err := ctx.Streamer.Trigger(region.Source, 0, region.Loop, region.LoopStart, region.LoopEnd, region.PlayCount)
	if err != nil {
		v.State = Idle
		v.releaseLifecycleRefs()
		return err
	}
	v.stream = handle

	v.pitchRatio = semitoneRatio(float64(int(ctx.Event.Key) - region.PitchKeyCenter))
	v.pan = region.Pan
	v.volume = velocityGain(ctx.Event.Velocity)
	v.cutoff = region.CutoffHz
	v.reso = region.Resonance
	if v.cutoff > 0 && v.sampleRate > 0 {
		rc := 1.0 / (2 * math.Pi * v.cutoff)
		dt := 1.0 / v.sampleRate
		v.lpfAlph = dt / (rc + dt)
	}

	v.envPh = envAttackPhase
	v.env = 0
	v.attackR = rateFor(region.Attack, v.sampleRate)
	v.decayR = rateFor(region.Decay, v.sampleRate)
	v.sustainL = region.Sustain
	v.releaseR = rateFor(region.Release, v.sampleRate)

	if v.Type == ReleaseTriggerRequired {
		v.State = Triggered
		return nil
	}
	v.State = Playing
	return nil
}

// Kill starts the fade-out envelope so the voice silences within
// maxFadeOutPos samples of fragmentPos, per spec.md §4.5; a fade that
// outlasts the current cycle continues from the start of the next one.
func (v *Voice) Kill(fragmentPos int) {
	if v.State == Idle {
		return
	}
	v.State = FadingOut
	v.killed = true
	v.killAtFragment = fragmentPos
	v.remainingKill = v.maxFadeOutPos
	if v.remainingKill <= 0 {
		v.remainingKill = 1
	}
}

// Release transitions a playing/held voice toward its release envelope
// phase; for a non-looping region already past its sample end this is a
// no-op because end-of-sample already pushed the voice to Releasing.
func (v *Voice) Release() {
	if v.State != Playing && v.State != Triggered {
		return
	}
	v.State = Releasing
	v.envPh = envReleasePhase
}

// CancelRelease reverts a voice out of its release envelope phase back to
// sustain, for the case where the same key is re-pressed while the prior
// voice on that key is still releasing and sustain pedal is not held
// (spec.md §4.5; gig::Engine::ProcessNoteOn's type_cancel_release event).
// No-op unless the voice is actually Releasing.
func (v *Voice) CancelRelease() {
	if v.State != Releasing {
		return
	}
	v.State = Playing
	v.envPh = envSustainPhase
}

// RenderResult reports what Render actually produced.
type RenderResult struct {
	Frames   int
	Underrun bool
	Done     bool // voice reached Idle during this call
}

// Render synthesizes up to n frames and mixes them additively into left/
// right (len >= n each), applying the envelope, volume, pan and one-pole
// low-pass, then returns how many frames were produced. Pitch events update
// PitchRatio only: frames are mixed at the stream's own rate, without
// resampling. The low-pass coefficient is computed once at Trigger, so
// cutoff events only switch the filter on or off (cutoff > 0); resonance
// events are stored and not applied.
func (v *Voice) Render(n int, left, right []float32, ctx RenderContext) RenderResult {
	if v.State == Idle || n <= 0 {
		return RenderResult{}
	}
	if cap(v.streamBuf) < n*2 {
		v.streamBuf = make([]float32, n*2)
	}
	buf := v.streamBuf[:n*2]

	produced, underrun, exhausted := v.streamer.Pull(v.stream, buf, n)

	params := ctx.CycleParams()
	pitchEvents := params.Events.Events(event.DestPitch)
	volEvents := params.Events.Events(event.DestVolume)
	cutoffEvents := params.Events.Events(event.DestCutoff)
	resoEvents := params.Events.Events(event.DestResonance)
	pi, vi, ci, ri := 0, 0, 0, 0

	for i := 0; i < produced; i++ {
		for pi < len(pitchEvents) && pitchEvents[pi].FragmentPos <= i {
			v.pitchRatio = semitoneRatio(float64(int(v.Key)-v.region.PitchKeyCenter) + pitchEvents[pi].Value)
			pi++
		}
		for vi < len(volEvents) && volEvents[vi].FragmentPos <= i {
			v.volume = volEvents[vi].Value
			vi++
		}
		for ci < len(cutoffEvents) && cutoffEvents[ci].FragmentPos <= i {
			v.cutoff = cutoffEvents[ci].Value
			ci++
		}
		for ri < len(resoEvents) && resoEvents[ri].FragmentPos <= i {
			v.reso = resoEvents[ri].Value
			ri++
		}

		if v.killed && i >= v.killAtFragment {
			v.env *= killFadeGain(v.remainingKill, v.maxFadeOutPos)
			v.remainingKill--
			if v.remainingKill <= 0 {
				v.State = Idle
				produced = i + 1
				break
			}
		} else {
			v.stepEnvelope()
		}

		l := buf[i*2] * float32(v.env*v.volume)
		r := buf[i*2+1] * float32(v.env*v.volume)
		l, r = applyPan(l, r, v.pan)
		if v.cutoff > 0 {
			v.lpfL += float32(v.lpfAlph) * (l - v.lpfL)
			v.lpfR += float32(v.lpfAlph) * (r - v.lpfR)
			l, r = v.lpfL, v.lpfR
		}
		left[i] += l
		right[i] += r
	}
	if v.killed {
		v.killAtFragment = 0
	}

	if produced < n && !v.killed && exhausted {
		// stream genuinely ended (non-looping region, or a finite play
		// count ran out): move straight to Releasing, skipping the release
		// ramp, per spec.md §4.5. A transient disk underrun (exhausted ==
		// false) leaves v.State untouched: the missing frames render as
		// silence this cycle and the voice keeps playing once the disk
		// worker catches up, per spec.md §4.3.
		if v.State == Playing {
			v.State = Releasing
		}
		if v.envPh != envReleasePhase || v.env <= 0.0005 {
			v.State = Idle
		}
	}

	done := v.State == Idle
	if done {
		v.streamer.Release(v.stream)
		v.releaseLifecycleRefs()
	}
	return RenderResult{Frames: produced, Underrun: underrun, Done: done}
}

// releaseLifecycleRefs drops this voice's region/sample refcount holds, if
// any were acquired at Trigger time. Safe to call more than once: Trigger
// only sets v.lifecycle when a Lifecycle was supplied, and clears it here
// so a later Idle transition (e.g. Trigger failing then Render never
// running) can't double-release.
func (v *Voice) releaseLifecycleRefs() {
	if v.lifecycle == nil {
		return
	}
	v.lifecycle.ReleaseRegion(v.heldRegion)
	v.lifecycle.ReleaseSample(v.heldSample)
	v.lifecycle = nil
}

func (v *Voice) stepEnvelope() {
	switch v.envPh {
	case envAttackPhase:
		v.env += v.attackR
		if v.env >= 1 {
			v.env = 1
			v.envPh = envDecayPhase
		}
	case envDecayPhase:
		v.env -= v.decayR
		if v.env <= v.sustainL {
			v.env = v.sustainL
			v.envPh = envSustainPhase
		}
	case envSustainPhase:
		v.env = v.sustainL
	case envReleasePhase:
		v.env -= v.releaseR
		if v.env <= 0 {
			v.env = 0
			v.envPh = envOffPhase
			v.State = Idle
		}
	}
}

func rateFor(seconds, sampleRate float64) float64 {
	if seconds <= 0 || sampleRate <= 0 {
		return 1
	}
	return 1.0 / (seconds * sampleRate)
}

func semitoneRatio(semitones float64) float64 {
	return math.Pow(2, semitones/12.0)
}

func velocityGain(velocity byte) float64 {
	return float64(velocity) / 127.0
}

func killFadeGain(remaining, total int) float32 {
	if total <= 0 {
		return 0
	}
	return float32(remaining) / float32(total)
}

func applyPan(l, r float32, pan float64) (float32, float32) {
	if pan == 0 {
		return l, r
	}
	angle := (pan + 1) * (math.Pi / 4)
	lg := float32(math.Cos(angle))
	rg := float32(math.Sin(angle))
	return l * lg, r * rg
}
