package midiport

import (
	"log/slog"
	"testing"

	"gitlab.com/gomidi/midi/v2"
)

func TestMatchDeviceNameExact(t *testing.T) {
	names := []string{"USB MIDI Keyboard", "IAC Driver Bus 1"}
	i, ok := matchDeviceName(names, "IAC Driver Bus 1")
	if !ok || names[i] != "IAC Driver Bus 1" {
		t.Fatalf("expected exact match, got %d,%v", i, ok)
	}
}

func TestMatchDeviceNamePrefixAfterTruncation(t *testing.T) {
	names := []string{"Arturia KeyLab Essential 49 MIDI 1"}
	i, ok := matchDeviceName(names, "Arturia KeyLab Essential")
	if !ok || i != 0 {
		t.Fatalf("expected prefix match, got %d,%v", i, ok)
	}
}

func TestMatchDeviceNameSubstringFallback(t *testing.T) {
	names := []string{"Port 1: Scarlett 2i2 USB"}
	i, ok := matchDeviceName(names, "Scarlett 2i2")
	if !ok || i != 0 {
		t.Fatalf("expected substring match, got %d,%v", i, ok)
	}
}

func TestMatchDeviceNameNoMatch(t *testing.T) {
	names := []string{"Foo", "Bar"}
	if _, ok := matchDeviceName(names, "Quux"); ok {
		t.Fatalf("expected no match")
	}
}

// fakeSink records every call a ChannelSink can receive.
type fakeSink struct {
	noteOn, noteOff             [2]byte
	noteOnCalled, noteOffCalled bool
	bend                        int16
	cc, ccVal                   byte
	program                     byte
	bankMsb, bankLsb            byte
	pressure                    byte
}

func (f *fakeSink) SendNoteOn(key, velocity byte, _ int) {
	f.noteOnCalled = true
	f.noteOn = [2]byte{key, velocity}
}
func (f *fakeSink) SendNoteOff(key, velocity byte, _ int) {
	f.noteOffCalled = true
	f.noteOff = [2]byte{key, velocity}
}
func (f *fakeSink) SendPitchBend(bend int16, _ int)              { f.bend = bend }
func (f *fakeSink) SendControlChange(cc, value byte, _ int)      { f.cc, f.ccVal = cc, value }
func (f *fakeSink) SendProgramChange(program byte, _ int)        { f.program = program }
func (f *fakeSink) SetBankMsb(value byte, _ int)                 { f.bankMsb = value }
func (f *fakeSink) SetBankLsb(value byte, _ int)                 { f.bankLsb = value }
func (f *fakeSink) SendChannelPressure(pressure byte, _ int)     { f.pressure = pressure }

type fakeSysex struct {
	payload []byte
	pushed  bool
}

func (f *fakeSysex) PushSysex(payload []byte, _ int) bool {
	f.payload = append([]byte(nil), payload...)
	f.pushed = true
	return true
}

func newTestPort() *Port {
	return &Port{log: slog.New(slog.NewTextHandler(testWriter{}, nil))}
}

// testWriter discards everything written to it.
type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestHandleNoteOnRoutesToBoundChannel(t *testing.T) {
	p := newTestPort()
	sink := &fakeSink{}
	if err := p.BindChannel(3, sink); err != nil {
		t.Fatalf("bind: %v", err)
	}
	p.handle(midi.Message([]byte{0x90 | 3, 60, 100}), 0)
	if !sink.noteOnCalled || sink.noteOn != [2]byte{60, 100} {
		t.Fatalf("expected NoteOn(60,100) routed, got %+v", sink)
	}
}

func TestHandleNoteOffRoutesToBoundChannel(t *testing.T) {
	p := newTestPort()
	sink := &fakeSink{}
	p.BindChannel(0, sink)
	p.handle(midi.Message([]byte{0x80, 64, 0}), 0)
	if !sink.noteOffCalled || sink.noteOff != [2]byte{64, 0} {
		t.Fatalf("expected NoteOff(64,0) routed, got %+v", sink)
	}
}

func TestHandleUnboundChannelIsDropped(t *testing.T) {
	p := newTestPort()
	// No panic, no crash, simply dropped.
	p.handle(midi.Message([]byte{0x90, 60, 100}), 0)
}

func TestHandleBankSelectMsbLsbRouteSeparately(t *testing.T) {
	p := newTestPort()
	sink := &fakeSink{}
	p.BindChannel(0, sink)
	p.handle(midi.Message([]byte{0xB0, 0, 5}), 0)
	p.handle(midi.Message([]byte{0xB0, 32, 9}), 0)
	if sink.bankMsb != 5 || sink.bankLsb != 9 {
		t.Fatalf("expected bank select msb=5 lsb=9, got msb=%d lsb=%d", sink.bankMsb, sink.bankLsb)
	}
}

func TestHandlePlainControlChangeRoutesGeneric(t *testing.T) {
	p := newTestPort()
	sink := &fakeSink{}
	p.BindChannel(0, sink)
	p.handle(midi.Message([]byte{0xB0, 64, 127}), 0)
	if sink.cc != 64 || sink.ccVal != 127 {
		t.Fatalf("expected cc=64 val=127, got cc=%d val=%d", sink.cc, sink.ccVal)
	}
}

func TestHandleProgramChangeRoutes(t *testing.T) {
	p := newTestPort()
	sink := &fakeSink{}
	p.BindChannel(0, sink)
	p.handle(midi.Message([]byte{0xC0, 12}), 0)
	if sink.program != 12 {
		t.Fatalf("expected program=12, got %d", sink.program)
	}
}

func TestHandleSysexRoutesToBoundSysexSink(t *testing.T) {
	p := newTestPort()
	sx := &fakeSysex{}
	p.BindSysex(sx)
	payload := []byte{0xF0, 0x41, 0x10, 0x42, 0x12, 0x40, 0x11, 0x40, 0xF7}
	p.handle(midi.Message(payload), 0)
	if !sx.pushed {
		t.Fatalf("expected sysex to be pushed")
	}
}
