// Package gosampler is the sampler façade: it wires a control.Config into
// a running instrument.Manager, engine.Engine, audiodevice.Device and
// midiport.Port, the same way the teacher's player.go wired a parsed MML
// Score into one synth engine and an Ebiten-backed audio.Player.
package gosampler

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/wavesampler/gosampler/internal/audiodevice"
	"github.com/wavesampler/gosampler/internal/control"
	"github.com/wavesampler/gosampler/internal/engine"
	"github.com/wavesampler/gosampler/internal/instrument"
	"github.com/wavesampler/gosampler/internal/midiport"
	"github.com/wavesampler/gosampler/internal/voice"
	"github.com/wavesampler/gosampler/internal/wavsample"
)

// Option configures a Sampler at construction time.
type Option func(*samplerConfig)

type samplerConfig struct {
	log       *slog.Logger
	stealMode engine.StealMode
}

func defaultSamplerConfig() samplerConfig {
	return samplerConfig{stealMode: engine.StealKeyMask}
}

// WithLogger attaches a logger for control-plane diagnostics across every
// wired component (engine, instrument manager, MIDI port).
func WithLogger(l *slog.Logger) Option {
	return func(c *samplerConfig) { c.log = l }
}

// WithStealMode overrides the engine's default voice-stealing policy.
func WithStealMode(m engine.StealMode) Option {
	return func(c *samplerConfig) { c.stealMode = m }
}

// Sampler is a complete running instance: one Engine bound to one
// AudioOutputDevice and one MIDI input, its channels configured from a
// control.Config.
type Sampler struct {
	cfg      *control.Config
	log      *slog.Logger
	resolver *managerResolver

	manager  *instrument.Manager
	registry *engine.EngineRegistry
	eng      *engine.Engine
	device   *audiodevice.Device
	player   *audiodevice.Player
	port     *midiport.Port
}

// managerResolver adapts instrument.Manager into the engine.InstrumentResolver
// the Engine calls on every mapped ProgramChange.
type managerResolver struct {
	manager  *instrument.Manager
	consumer uuid.UUID
}

func (r *managerResolver) Resolve(key instrument.Key) (voice.InstrumentQuerier, error) {
	inst, err := r.manager.Borrow(key, r.consumer)
	if err != nil {
		return nil, err
	}
	q, ok := inst.Data.(voice.InstrumentQuerier)
	if !ok {
		return nil, fmt.Errorf("gosampler: instrument %s does not implement voice.InstrumentQuerier", key)
	}
	return q, nil
}

// New builds a Sampler from cfg: an instrument.Manager over the reference
// wavsample.FormatAdapter, an Engine sized to cfg.Polyphony/cfg.Audio and
// rendering through streamer, an audiodevice.Device bound to it, and for
// every cfg.Channels entry its program map recorded and its default
// instrument pre-loaded.
func New(cfg *control.Config, streamer voice.Streamer, opts ...Option) (*Sampler, error) {
	sc := defaultSamplerConfig()
	for _, opt := range opts {
		opt(&sc)
	}

	manager := instrument.NewManager(wavsample.FormatAdapter{}, instrument.WithLogger(sc.log))
	resolver := &managerResolver{manager: manager, consumer: uuid.New()}

	device := audiodevice.New(cfg.Audio.SampleRate, cfg.Audio.Channels)
	registry := engine.NewEngineRegistry()
	eng := registry.AcquireEngine(device, func() *engine.Engine {
		engOpts := []engine.EngineOption{
			engine.WithStealMode(sc.stealMode),
			engine.WithInstrumentResolver(resolver),
			engine.WithRegionLifecycle(manager),
		}
		if sc.log != nil {
			engOpts = append(engOpts, engine.WithLogger(sc.log))
		}
		const channelQueueCapacity = 256 // per-channel event queue depth, unrelated to audio cycle size
		return engine.NewEngine(float64(cfg.Audio.SampleRate), cfg.Polyphony, cfg.Audio.Channels, channelQueueCapacity, streamer, engOpts...)
	})
	device.Bind(eng)

	s := &Sampler{
		cfg:      cfg,
		log:      sc.log,
		resolver: resolver,
		manager:  manager,
		registry: registry,
		eng:      eng,
		device:   device,
	}

	for _, chCfg := range cfg.Channels {
		if err := s.wireChannel(chCfg); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Sampler) wireChannel(chCfg control.ChannelConfig) error {
	ch, err := s.eng.Channel(chCfg.EngineChannel)
	if err != nil {
		return fmt.Errorf("gosampler: channel %d: %w", chCfg.EngineChannel, err)
	}
	for _, pm := range chCfg.ProgramMap {
		ch.MapProgram(pm.Bank, pm.Program, pm.Instrument.Key())
	}
	if chCfg.Instrument.LogicalPath != "" {
		q, err := s.resolver.Resolve(chCfg.Instrument.Key())
		if err != nil {
			return fmt.Errorf("gosampler: channel %d: default instrument: %w", chCfg.EngineChannel, err)
		}
		ch.BindInstrument(q)
	}
	return nil
}

// Engine returns the underlying Engine, e.g. for Metrics() or Disable().
func (s *Sampler) Engine() *engine.Engine { return s.eng }

// Start opens the configured MIDI input device and begins real-time
// audio playback through the bound AudioOutputDevice.
func (s *Sampler) Start() error {
	var portOpts []midiport.Option
	if s.log != nil {
		portOpts = append(portOpts, midiport.WithLogger(s.log))
	}
	port, err := midiport.Open(s.cfg.MIDI.Device, portOpts...)
	if err != nil {
		return fmt.Errorf("gosampler: open MIDI device: %w", err)
	}
	for _, chCfg := range s.cfg.Channels {
		ch, err := s.eng.Channel(chCfg.EngineChannel)
		if err != nil {
			port.Close()
			return err
		}
		if err := port.BindChannel(chCfg.MIDIChannel, ch); err != nil {
			port.Close()
			return fmt.Errorf("gosampler: bind MIDI channel %d: %w", chCfg.MIDIChannel, err)
		}
	}
	port.BindSysex(s.eng)
	if err := port.Listen(); err != nil {
		port.Close()
		return fmt.Errorf("gosampler: listen: %w", err)
	}
	s.port = port

	player, err := audiodevice.NewPlayer(s.cfg.Audio.SampleRate, s.device)
	if err != nil {
		port.Close()
		s.port = nil
		return fmt.Errorf("gosampler: audio player: %w", err)
	}
	s.player = player
	player.Play()
	return nil
}

// Stop closes the MIDI input and pauses/releases the audio player. The
// Engine itself remains constructed and queriable until Close.
func (s *Sampler) Stop() error {
	var err error
	if s.player != nil {
		err = s.player.Stop()
		s.player = nil
	}
	if s.port != nil {
		if cerr := s.port.Close(); cerr != nil && err == nil {
			err = cerr
		}
		s.port = nil
	}
	return err
}

// Close stops playback (if running) and releases this Sampler's Engine
// from the registry.
func (s *Sampler) Close() error {
	if err := s.Stop(); err != nil {
		return err
	}
	return s.registry.FreeEngine(s.device)
}
