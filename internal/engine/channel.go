package engine

import (
	"sync"
	"sync/atomic"

	"github.com/wavesampler/gosampler/internal/event"
	"github.com/wavesampler/gosampler/internal/instrument"
	"github.com/wavesampler/gosampler/internal/rt"
	"github.com/wavesampler/gosampler/internal/voice"
)

const (
	ccSustain = 64
	ccVolume  = 7
	ccPan     = 10
	numControllers = 129 // index 128 reserved for channel pressure, per spec
)

// programKey is a (bank, program) pair resolved to an instrument.Key by the
// control plane via Channel.MapProgram.
type programKey struct {
	bank    int
	program int
}

type querierHolder struct {
	q voice.InstrumentQuerier
}

// Channel is one MIDI-addressable engine channel: input event queue,
// controller state, active-key/voice bookkeeping, and the currently bound
// instrument. Mirrors spec.md §3 EngineChannel.
type Channel struct {
	id int

	input *rt.Ring[event.Event]

	controllers  [numControllers]byte
	pitchBend    int16
	sustainPedal bool

	activeKeys    map[byte]struct{}
	keyOrder      []byte // insertion order, for deterministic per-cycle iteration
	voicesByKey   map[byte][]rt.Handle
	keyGroupTable map[int]byte // group id -> the one key currently owning it
	roundRobin    [128]uint32  // per-key MidiKeyInfo.RoundRobinIndex (spec.md §3 [EXPANSION])

	deferredRelease map[byte]bool // NoteOff arrived while sustain was down

	querier    atomic.Pointer[querierHolder]
	programMap map[programKey]instrument.Key

	dest event.DestinationLists

	// outL/outR are non-owning slices into the bound AudioOutputDevice's
	// per-cycle buffer; Engine.Render re-slices them every cycle.
	outL, outR []float32

	stealingQueue []stealRequest

	mu sync.Mutex // guards MapProgram against concurrent control-plane callers; Send* and Render never take it
}

func newChannel(id int, queueCapacity int) *Channel {
	ch := &Channel{
		id:              id,
		input:           rt.NewRing[event.Event](queueCapacity),
		activeKeys:      make(map[byte]struct{}),
		voicesByKey:     make(map[byte][]rt.Handle),
		keyGroupTable:   make(map[int]byte),
		deferredRelease: make(map[byte]bool),
		programMap:      make(map[programKey]instrument.Key),
	}
	return ch
}

// SendNoteOn enqueues a NoteOn event at fragmentPos (enqueued as given;
// Render clamps it to [0, cycleSamples) on import).
func (c *Channel) SendNoteOn(key, velocity byte, fragmentPos int) {
	c.push(event.Event{Kind: event.NoteOn, Key: key, Velocity: velocity, FragmentPos: fragmentPos})
}

// SendNoteOff enqueues a NoteOff event.
func (c *Channel) SendNoteOff(key, velocity byte, fragmentPos int) {
	c.push(event.Event{Kind: event.NoteOff, Key: key, Velocity: velocity, FragmentPos: fragmentPos})
}

// SendPitchBend enqueues a 14-bit signed pitch bend event.
func (c *Channel) SendPitchBend(bend int16, fragmentPos int) {
	c.push(event.Event{Kind: event.PitchBend, Bend: bend, FragmentPos: fragmentPos})
}

// SendControlChange enqueues a CC event.
func (c *Channel) SendControlChange(controller, value byte, fragmentPos int) {
	c.push(event.Event{Kind: event.ControlChange, Controller: controller, Value: value, FragmentPos: fragmentPos})
}

// SendProgramChange enqueues a program change event.
func (c *Channel) SendProgramChange(program byte, fragmentPos int) {
	c.push(event.Event{Kind: event.ProgramChange, Program: program, FragmentPos: fragmentPos})
}

// SetBankMsb/SetBankLsb enqueue bank-select events; per spec.md §9(b) a
// bank select never itself triggers an instrument swap.
func (c *Channel) SetBankMsb(value byte, fragmentPos int) {
	c.push(event.Event{Kind: event.BankSelectMsb, BankByte: value, FragmentPos: fragmentPos})
}

func (c *Channel) SetBankLsb(value byte, fragmentPos int) {
	c.push(event.Event{Kind: event.BankSelectLsb, BankByte: value, FragmentPos: fragmentPos})
}

// SendChannelPressure enqueues a channel-pressure event.
func (c *Channel) SendChannelPressure(pressure byte, fragmentPos int) {
	c.push(event.Event{Kind: event.ChannelPressure, Pressure: pressure, FragmentPos: fragmentPos})
}

func (c *Channel) push(ev event.Event) bool {
	return c.input.Push(ev)
}

// MapProgram associates a (bank, program) pair with an instrument to load
// on the next matching ProgramChange. Control-plane only.
func (c *Channel) MapProgram(bank, program int, key instrument.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.programMap[programKey{bank: bank, program: program}] = key
}

// BindInstrument publishes q as the channel's instrument-query surface,
// read by the RT thread via an atomic pointer load (spec.md §4.6
// LoadInstrument). The façade resolves file+index to q via
// instrument.Manager plus a format-specific adapter before calling this.
func (c *Channel) BindInstrument(q voice.InstrumentQuerier) {
	c.querier.Store(&querierHolder{q: q})
}

func (c *Channel) currentQuerier() voice.InstrumentQuerier {
	h := c.querier.Load()
	if h == nil {
		return nil
	}
	return h.q
}

func (c *Channel) activeKeyList() []byte { return c.keyOrder }

func (c *Channel) markKeyActive(key byte) {
	if _, ok := c.activeKeys[key]; ok {
		return
	}
	c.activeKeys[key] = struct{}{}
	c.keyOrder = append(c.keyOrder, key)
}

func (c *Channel) removeKeyIfEmpty(key byte) {
	if len(c.voicesByKey[key]) > 0 {
		return
	}
	if _, ok := c.activeKeys[key]; !ok {
		return
	}
	delete(c.activeKeys, key)
	delete(c.voicesByKey, key)
	for i, k := range c.keyOrder {
		if k == key {
			c.keyOrder = append(c.keyOrder[:i], c.keyOrder[i+1:]...)
			break
		}
	}
	for g, owner := range c.keyGroupTable {
		if owner == key {
			delete(c.keyGroupTable, g)
		}
	}
}
