package gosampler

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/wavesampler/gosampler/internal/control"
	"github.com/wavesampler/gosampler/internal/sample"
)

func writeSamplerTestWav(t *testing.T, path string, samples []int) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()
	enc := wav.NewEncoder(f, 44100, 16, 1, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: 44100},
		Data:           samples,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close %s: %v", path, err)
	}
}

func writeSamplerTestInstrument(t *testing.T, dir string) string {
	t.Helper()
	samples := make([]int, 2000)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = 12000
		} else {
			samples[i] = -12000
		}
	}
	writeSamplerTestWav(t, filepath.Join(dir, "tone.wav"), samples)

	yamlPath := filepath.Join(dir, "kit.yaml")
	contents := `
instruments:
  - regions:
      - sample: tone.wav
        low_key: 0
        high_key: 127
        low_velocity: 0
        high_velocity: 127
        pitch_key_center: 60
`
	if err := os.WriteFile(yamlPath, []byte(contents), 0o644); err != nil {
		t.Fatalf("write %s: %v", yamlPath, err)
	}
	return yamlPath
}

func newTestConfig(instrumentPath string) *control.Config {
	return &control.Config{
		Polyphony: 8,
		Audio: control.AudioConfig{
			SampleRate:  44100,
			Channels:    1,
			CycleFrames: 256,
		},
		Channels: []control.ChannelConfig{
			{
				EngineChannel: 0,
				MIDIChannel:   0,
				Instrument: control.InstrumentRef{
					LogicalPath: instrumentPath,
					Index:       0,
				},
			},
		},
	}
}

func TestSamplerNewWiresDefaultInstrumentAndRendersAudio(t *testing.T) {
	dir := t.TempDir()
	writeSamplerTestInstrument(t, dir)
	// InstrumentRef.LogicalPath is a logical path resolved (via
	// control.Path's POSIX decoding) relative to wherever the caller's
	// instrument root lives; for this test that root is the current
	// directory, so chdir into it and reference the file by name alone.
	t.Chdir(dir)
	cfg := newTestConfig("kit.yaml")

	streamer := sample.NewStreamer(sample.WithCycleParams(cfg.Audio.CycleFrames, 4.0))
	defer streamer.Shutdown()

	s, err := New(cfg, streamer)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	ch, err := s.Engine().Channel(0)
	if err != nil {
		t.Fatalf("Channel(0): %v", err)
	}
	ch.SendNoteOn(60, 100, 0)

	out := RenderOffline(s.Engine(), cfg.Audio.Channels, cfg.Audio.CycleFrames, 4096)

	silent := true
	for _, v := range out {
		if v != 0 {
			silent = false
			break
		}
	}
	if silent {
		t.Fatalf("expected non-silent output after triggering a NoteOn with a bound instrument")
	}
}

func TestSamplerNewRejectsUnknownEngineChannel(t *testing.T) {
	cfg := &control.Config{
		Polyphony: 4,
		Audio:     control.AudioConfig{SampleRate: 44100, Channels: 1, CycleFrames: 256},
		Channels: []control.ChannelConfig{
			{EngineChannel: 5, MIDIChannel: 0},
		},
	}
	streamer := sample.NewStreamer()
	defer streamer.Shutdown()

	if _, err := New(cfg, streamer); err == nil {
		t.Fatalf("expected New to fail for an out-of-range engine channel")
	}
}
