// Package event defines the POD event type events travel through the
// sampler as: MIDI-derived note/controller/sysex events tagged with a
// fragment-relative sample position, plus the per-destination synthesis
// event lists the engine classifies them into for voice rendering.
package event

import "log/slog"

// Kind identifies what an Event carries.
type Kind byte

const (
	NoteOn Kind = iota
	NoteOff
	ControlChange
	PitchBend
	ProgramChange
	BankSelectMsb
	BankSelectLsb
	ChannelPressure
	Sysex
	// CancelRelease and Release are never constructed as Event values: the
	// engine applies both directly as method calls against the voices on
	// the affected key (engine.cancelReleaseKey, engine.releaseKey) rather
	// than re-tagging and redispatching the triggering Event, the way
	// original_source/.../Engine.cpp's type_cancel_release/type_release
	// does. Kept in Kind so String() and any external code matching on the
	// full enum can still name them.
	CancelRelease
	Release
)

func (k Kind) String() string {
	switch k {
	case NoteOn:
		return "NoteOn"
	case NoteOff:
		return "NoteOff"
	case ControlChange:
		return "ControlChange"
	case PitchBend:
		return "PitchBend"
	case ProgramChange:
		return "ProgramChange"
	case BankSelectMsb:
		return "BankSelectMsb"
	case BankSelectLsb:
		return "BankSelectLsb"
	case ChannelPressure:
		return "ChannelPressure"
	case Sysex:
		return "Sysex"
	case CancelRelease:
		return "CancelRelease"
	case Release:
		return "Release"
	default:
		return "Unknown"
	}
}

// Event is a POD event with a fragment-relative timestamp. All payload
// fields are present regardless of Kind (Go has no tagged unions); only the
// fields relevant to Kind are meaningful.
type Event struct {
	Kind        Kind
	FragmentPos int // offset in samples within the current cycle, [0, cycleSamples)

	Key      byte  // NoteOn/NoteOff
	Velocity byte  // NoteOn/NoteOff
	Controller byte // ControlChange
	Value      byte  // ControlChange
	Bend       int16 // PitchBend, 14-bit signed range [-8192, 8191]
	Program    byte  // ProgramChange
	BankByte   byte  // BankSelectMsb/BankSelectLsb
	Pressure   byte  // ChannelPressure
	SysexLen   int   // Sysex: payload length; the engine receives sysex payloads through Engine.PushSysex, not as Events
}

const (
	maxMIDIKey      = 127
	maxMIDIVelocity = 127
	maxMIDIChannel  = 16
	minPitchBend    = -8192
	maxPitchBend    = 8191
)

// Validate enforces the dispatch-time bounds spec.md requires: key/velocity
// <= 127, 0 <= channel < maxChannel (exclusive upper bound, 16 for the
// standard 0..15 MIDI channel range), bend within [-8192, 8191]. It logs a
// warning and returns false for a malformed event, which the caller drops.
func Validate(ev Event, channel int, maxChannel int, log *slog.Logger) bool {
	if channel < 0 || channel >= maxChannel {
		warn(log, "event dropped: channel out of range", ev, "channel", channel)
		return false
	}
	switch ev.Kind {
	case NoteOn, NoteOff:
		if ev.Key > maxMIDIKey || ev.Velocity > maxMIDIVelocity {
			warn(log, "event dropped: key/velocity out of range", ev)
			return false
		}
	case PitchBend:
		if ev.Bend < minPitchBend || ev.Bend > maxPitchBend {
			warn(log, "event dropped: pitch bend out of range", ev)
			return false
		}
	}
	return true
}

func warn(log *slog.Logger, msg string, ev Event, extra ...any) {
	if log == nil {
		return
	}
	args := append([]any{"kind", ev.Kind.String(), "fragmentPos", ev.FragmentPos}, extra...)
	log.Warn(msg, args...)
}

// Destination identifies one of the four per-cycle synthesis event
// destinations a voice reads from while rendering.
type Destination int

const (
	DestPitch Destination = iota
	DestVolume
	DestCutoff
	DestResonance
	destCount
)

// SynthEvent is a scheduled parameter change targeting one Destination at
// a fragment position within the current cycle.
type SynthEvent struct {
	FragmentPos int
	Value       float64
}

// DestinationLists holds the four per-cycle synthesis event queues the
// engine classifies incoming Events into (spec.md §4.2). Backing slices are
// reused across cycles via truncation to avoid per-cycle allocation on the
// RT path.
type DestinationLists struct {
	lists [destCount][]SynthEvent
}

// Reset truncates all four lists to zero length, keeping their backing
// arrays, ready for the next cycle's classification pass.
func (d *DestinationLists) Reset() {
	for i := range d.lists {
		d.lists[i] = d.lists[i][:0]
	}
}

// Append schedules ev on destination dst.
func (d *DestinationLists) Append(dst Destination, ev SynthEvent) {
	d.lists[dst] = append(d.lists[dst], ev)
}

// Events returns the scheduled events for dst, in fragment-position order
// (classification always appends in arrival order, and arrival order is
// monotonic in fragment position per spec.md §3's invariant).
func (d *DestinationLists) Events(dst Destination) []SynthEvent {
	return d.lists[dst]
}
