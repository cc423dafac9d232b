// Package midiport is the reference MidiInputPort adapter: it opens a
// hardware/virtual MIDI input via gitlab.com/gomidi/midi/v2 and decodes
// incoming bytes into calls against a bound engine.Channel, the same way
// the teacher's internal/midiconnector package wraps gomidi for a single
// named device - inverted here from output delivery to input listening.
package midiport

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
	_ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv"
)

// ChannelSink is the subset of engine.Channel a Port dispatches decoded
// MIDI into. Narrowed so tests can substitute a fake.
type ChannelSink interface {
	SendNoteOn(key, velocity byte, fragmentPos int)
	SendNoteOff(key, velocity byte, fragmentPos int)
	SendPitchBend(bend int16, fragmentPos int)
	SendControlChange(controller, value byte, fragmentPos int)
	SendProgramChange(program byte, fragmentPos int)
	SetBankMsb(value byte, fragmentPos int)
	SetBankLsb(value byte, fragmentPos int)
	SendChannelPressure(pressure byte, fragmentPos int)
}

// SysexSink receives raw GS/Roland sysex payloads for an Engine to decode
// (internal/engine.Engine.PushSysex).
type SysexSink interface {
	PushSysex(payload []byte, fragmentPos int) bool
}

// Port listens on one MIDI input device and routes its 16 MIDI channels to
// bound ChannelSinks plus one shared SysexSink.
type Port struct {
	log *slog.Logger

	mu       sync.Mutex
	in       drivers.In
	stop     func()
	opened   bool
	channels [16]ChannelSink
	sysex    SysexSink
}

// Devices lists the names of every available MIDI input port.
func Devices() []string {
	var names []string
	for _, in := range midi.GetInPorts() {
		names = append(names, in.String())
	}
	return names
}

// Option configures a Port at construction.
type Option func(*Port)

// WithLogger overrides the default slog.Default().
func WithLogger(l *slog.Logger) Option { return func(p *Port) { p.log = l } }

// Open finds a MIDI input device by fuzzy name match (teacher's
// filterName pattern: exact, then prefix, then substring, case
// insensitive) and constructs a Port bound to it. The port is not yet
// listening; call Listen to start routing events.
func Open(name string, opts ...Option) (*Port, error) {
	in, err := findInPort(name)
	if err != nil {
		return nil, err
	}
	p := &Port{log: slog.Default(), in: in}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func findInPort(name string) (drivers.In, error) {
	ins := midi.GetInPorts()
	var names []string
	for _, in := range ins {
		names = append(names, in.String())
	}
	idx, ok := matchDeviceName(names, name)
	if !ok {
		return nil, fmt.Errorf("midiport: no input device matching %q", name)
	}
	return ins[idx], nil
}

// matchDeviceName implements the teacher's filterName fuzzy match: the
// requested name is truncated to its first 3 words, then matched against
// names by exact (case-insensitive), then prefix, then substring.
func matchDeviceName(names []string, name string) (int, bool) {
	words := strings.Fields(name)
	if len(words) > 3 {
		words = words[:3]
	}
	truncated := strings.Join(words, " ")

	pick := func(match func(string) bool) (int, bool) {
		for i, n := range names {
			if match(n) {
				return i, true
			}
		}
		return 0, false
	}

	if i, ok := pick(func(n string) bool { return strings.EqualFold(n, truncated) }); ok {
		return i, true
	}
	if i, ok := pick(func(n string) bool {
		return strings.HasPrefix(strings.ToLower(n), strings.ToLower(truncated))
	}); ok {
		return i, true
	}
	if i, ok := pick(func(n string) bool {
		return strings.Contains(strings.ToLower(n), strings.ToLower(truncated))
	}); ok {
		return i, true
	}
	return 0, false
}

// BindChannel routes MIDI channel midiCh (0-15) to sink. Control-plane
// only; it and Listen's dispatch both take p.mu, so it is safe to call
// while Listen is running.
func (p *Port) BindChannel(midiCh int, sink ChannelSink) error {
	if midiCh < 0 || midiCh >= len(p.channels) {
		return fmt.Errorf("midiport: channel %d out of range", midiCh)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channels[midiCh] = sink
	return nil
}

// BindSysex routes every GS/Roland sysex message received on this port to
// sink, regardless of MIDI channel (sysex has none).
func (p *Port) BindSysex(sink SysexSink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sysex = sink
}

// Listen opens the underlying device and starts decoding messages on a
// driver-owned goroutine, dispatching each into whatever ChannelSink is
// currently bound for its MIDI channel. fragmentPos is always 0: this
// reference adapter has no notion of audio-cycle alignment (a production
// host would timestamp against the RT callback's running sample clock
// instead).
func (p *Port) Listen() error {
	p.mu.Lock()
	if p.opened {
		p.mu.Unlock()
		return fmt.Errorf("midiport: already listening")
	}
	in := p.in
	p.mu.Unlock()

	if err := in.Open(); err != nil {
		return fmt.Errorf("midiport: open %s: %w", in.String(), err)
	}

	stop, err := midi.ListenTo(in, p.handle, midi.UseSysEx())
	if err != nil {
		in.Close()
		return fmt.Errorf("midiport: listen: %w", err)
	}

	p.mu.Lock()
	p.opened = true
	p.stop = stop
	p.mu.Unlock()
	return nil
}

// Close stops listening and closes the underlying device.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.opened {
		return nil
	}
	if p.stop != nil {
		p.stop()
	}
	p.opened = false
	return p.in.Close()
}

func (p *Port) handle(msg midi.Message, _ int32) {
	var ch, key, velocity uint8
	var value, cc, program uint8
	var bend int16
	var abs uint16

	switch {
	case msg.GetNoteOn(&ch, &key, &velocity):
		p.sinkFor(ch, func(s ChannelSink) { s.SendNoteOn(key, velocity, 0) })
	case msg.GetNoteOff(&ch, &key, &velocity):
		p.sinkFor(ch, func(s ChannelSink) { s.SendNoteOff(key, velocity, 0) })
	case msg.GetPitchBend(&ch, &bend, &abs):
		p.sinkFor(ch, func(s ChannelSink) { s.SendPitchBend(bend, 0) })
	case msg.GetControlChange(&ch, &cc, &value):
		p.dispatchControlChange(ch, cc, value)
	case msg.GetProgramChange(&ch, &program):
		p.sinkFor(ch, func(s ChannelSink) { s.SendProgramChange(program, 0) })
	case msg.GetAfterTouch(&ch, &value):
		p.sinkFor(ch, func(s ChannelSink) { s.SendChannelPressure(value, 0) })
	default:
		var sysex []byte
		if msg.GetSysEx(&sysex) {
			p.mu.Lock()
			sink := p.sysex
			p.mu.Unlock()
			if sink != nil && !sink.PushSysex(sysex, 0) {
				p.log.Warn("midiport: sysex dropped, engine queue full")
			}
		}
	}
}

// bankSelectMsb/Lsb are the standard CC numbers for (MSB, LSB) bank
// select, routed to SetBankMsb/SetBankLsb rather than the generic
// SendControlChange path (spec.md §9(b): bank select alone never swaps an
// instrument).
const (
	bankSelectMsb = 0
	bankSelectLsb = 32
)

func (p *Port) dispatchControlChange(ch, cc, value uint8) {
	switch cc {
	case bankSelectMsb:
		p.sinkFor(ch, func(s ChannelSink) { s.SetBankMsb(value, 0) })
	case bankSelectLsb:
		p.sinkFor(ch, func(s ChannelSink) { s.SetBankLsb(value, 0) })
	default:
		p.sinkFor(ch, func(s ChannelSink) { s.SendControlChange(cc, value, 0) })
	}
}

func (p *Port) sinkFor(midiCh uint8, fn func(ChannelSink)) {
	if int(midiCh) >= len(p.channels) {
		return
	}
	p.mu.Lock()
	sink := p.channels[midiCh]
	p.mu.Unlock()
	if sink != nil {
		fn(sink)
	}
}
