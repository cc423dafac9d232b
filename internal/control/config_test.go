package control

import (
	"os"
	"path/filepath"
	"testing"
)

const validYAML = `
polyphony: 32
audio:
  sample_rate: 48000
  channels: 2
  cycle_frames: 256
midi:
  device: "USB MIDI"
channels:
  - engine_channel: 0
    midi_channel: 0
    instrument:
      path: "/drums/kit1"
      index: 0
    program_map:
      - bank: 0
        program: 1
        instrument:
          path: "/drums/kit2"
          index: 0
`

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "gosampler.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadParsesValidConfig(t *testing.T) {
	path := writeTemp(t, validYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Audio.SampleRate != 48000 || cfg.Audio.Channels != 2 {
		t.Fatalf("unexpected audio config: %+v", cfg.Audio)
	}
	if len(cfg.Channels) != 1 || cfg.Channels[0].MIDIChannel != 0 {
		t.Fatalf("unexpected channels: %+v", cfg.Channels)
	}
	if len(cfg.Channels[0].ProgramMap) != 1 || cfg.Channels[0].ProgramMap[0].Program != 1 {
		t.Fatalf("unexpected program map: %+v", cfg.Channels[0].ProgramMap)
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected an error for a missing config file")
	}
}

func TestLoadRejectsZeroSampleRate(t *testing.T) {
	path := writeTemp(t, "polyphony: 8\naudio:\n  sample_rate: 0\n  channels: 2\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation to reject sample_rate 0")
	}
}

func TestLoadRejectsOutOfRangeEngineChannel(t *testing.T) {
	path := writeTemp(t, `
polyphony: 8
audio:
  sample_rate: 48000
  channels: 1
channels:
  - engine_channel: 5
    midi_channel: 0
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation to reject an out-of-range engine_channel")
	}
}

func TestLoadRejectsDuplicateEngineChannel(t *testing.T) {
	path := writeTemp(t, `
polyphony: 8
audio:
  sample_rate: 48000
  channels: 2
channels:
  - engine_channel: 0
    midi_channel: 0
  - engine_channel: 0
    midi_channel: 1
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation to reject a duplicate engine_channel")
	}
}

func TestInstrumentRefKeyDecodesLogicalPath(t *testing.T) {
	ref := InstrumentRef{LogicalPath: "/drums/kick%2fsnare", Index: 3}
	key := ref.Key()
	want := filepath.Join("drums", "kick/snare")
	if key.Path != want || key.Index != 3 {
		t.Fatalf("got %+v, want Path=%q Index=3", key, want)
	}
}
