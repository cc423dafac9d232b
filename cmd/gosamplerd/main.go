package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/wavesampler/gosampler"
	"github.com/wavesampler/gosampler/internal/control"
	"github.com/wavesampler/gosampler/internal/sample"
)

func main() {
	var (
		configPath  = pflag.StringP("config", "c", "", "path to a gosampler.yaml config (default: search standard locations)")
		cacheFrames = pflag.Int64("preload-threshold", 64*1024, "frame count below which a sample is cached entirely in RAM instead of streamed")
		pitchMax    = pflag.Float64("pitch-max", 4.0, "maximum pitch ratio the disk streamer must buffer ahead for")
		logJSON     = pflag.Bool("log-json", false, "emit structured logs as JSON instead of text")
	)
	pflag.Parse()

	logger := newLogger(*logJSON)

	cfg, err := control.Load(*configPath)
	if err != nil {
		logger.Error("load config", "err", err)
		os.Exit(1)
	}

	streamer := sample.NewStreamer(
		sample.WithLogger(logger),
		sample.WithPreloadThreshold(*cacheFrames),
		sample.WithCycleParams(cfg.Audio.CycleFrames, *pitchMax),
	)
	defer streamer.Shutdown()

	s, err := gosampler.New(cfg, streamer, gosampler.WithLogger(logger))
	if err != nil {
		logger.Error("build sampler", "err", err)
		os.Exit(1)
	}
	defer s.Close()

	if err := s.Start(); err != nil {
		logger.Error("start sampler", "err", err)
		os.Exit(1)
	}
	defer s.Stop()

	logger.Info("gosampler running",
		"midi_device", cfg.MIDI.Device,
		"sample_rate", cfg.Audio.SampleRate,
		"channels", cfg.Audio.Channels,
		"polyphony", cfg.Polyphony,
	)

	wait := make(chan os.Signal, 1)
	signal.Notify(wait, os.Interrupt, syscall.SIGTERM)
	<-wait
	logger.Info("shutting down")
}

func newLogger(jsonFormat bool) *slog.Logger {
	if jsonFormat {
		return slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}
