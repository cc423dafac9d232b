package engine

import "testing"

func gsScaleTuneMessage(detune [12]int8, badChecksum bool) []byte {
	body := make([]byte, 0, 3+12+1)
	body = append(body, gsScaleTuneAddr[0], gsScaleTuneAddr[1], gsScaleTuneAddr[2])
	sum := int(gsScaleTuneAddr[0]) + int(gsScaleTuneAddr[1]) + int(gsScaleTuneAddr[2])
	for _, d := range detune {
		b := byte(int(d) + 64)
		body = append(body, b)
		sum += int(b)
	}
	checksum := byte((128 - (sum % 128)) % 128)
	if badChecksum {
		checksum++
	}
	body = append(body, checksum)
	return body
}

func TestParseGSScaleTuneAcceptsValidChecksum(t *testing.T) {
	var detune [12]int8
	for i := range detune {
		detune[i] = int8(i - 6)
	}
	body := gsScaleTuneMessage(detune, false)
	got, ok := parseGSScaleTune(body)
	if !ok {
		t.Fatalf("expected valid checksum to be accepted")
	}
	if got != detune {
		t.Fatalf("expected detune %v, got %v", detune, got)
	}
}

func TestParseGSScaleTuneRejectsBadChecksum(t *testing.T) {
	var detune [12]int8
	body := gsScaleTuneMessage(detune, true)
	if _, ok := parseGSScaleTune(body); ok {
		t.Fatalf("expected bad checksum to be rejected")
	}
}

func TestParseGSScaleTuneRejectsShortAddress(t *testing.T) {
	// Only two address bytes present: must be rejected outright rather
	// than indexing a phantom third/fourth address byte (spec.md §9(a)).
	body := []byte{0x40, 0x11, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	if _, ok := parseGSScaleTune(body); ok {
		t.Fatalf("expected a too-short address to be rejected")
	}
}

func TestDispatchSysexAppliesScaleTuning(t *testing.T) {
	e := NewEngine(48000, 4, 1, 16, nil)
	var detune [12]int8
	for i := range detune {
		detune[i] = int8(i - 3)
	}
	body := gsScaleTuneMessage(detune, false)
	payload := append([]byte{gsRolandID, 0x10, gsModelIDGS, gsCmdDT1}, body...)

	if !e.PushSysex(payload, 0) {
		t.Fatalf("expected sysex push to succeed")
	}
	e.Render(64, fakeDevice{})
	if e.scaleTuning != detune {
		t.Fatalf("expected scale tuning %v, got %v", detune, e.scaleTuning)
	}
}

func TestDispatchSysexRejectsUnrecognizedAddress(t *testing.T) {
	e := NewEngine(48000, 4, 1, 16, nil)
	body := make([]byte, 16)
	body[0], body[1], body[2] = 0x11, 0x22, 0x33 // not the scale-tune address
	payload := append([]byte{gsRolandID, 0x10, gsModelIDGS, gsCmdDT1}, body...)
	e.PushSysex(payload, 0)
	e.Render(64, fakeDevice{})
	if e.Metrics().Snapshot().SysexRejected == 0 {
		t.Fatalf("expected unrecognized address to be counted as rejected")
	}
}
