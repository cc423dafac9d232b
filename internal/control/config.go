// Package control is the control-plane configuration surface: YAML config
// loading and the path-encoding helpers in path.go, neither of which is
// ever imported by internal/engine or internal/voice.
package control

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/wavesampler/gosampler/internal/instrument"
)

// InstrumentRef names an instrument by a percent-encoded POSIX logical
// path (path.go's ToPosix form) plus an instrument index within that file.
type InstrumentRef struct {
	LogicalPath string `yaml:"path"`
	Index       int    `yaml:"index"`
}

// Key decodes LogicalPath (see FromPosix) and joins its nodes into an
// OS-native file path, returning the instrument.Key the rest of the
// system keys its cache on.
func (r InstrumentRef) Key() instrument.Key {
	nodes := FromPosix(r.LogicalPath).Elements
	return instrument.Key{Path: filepath.Join(nodes...), Index: r.Index}
}

// ProgramMapEntry binds a (bank, program) MIDI program change to an
// instrument, mirroring engine.Channel.MapProgram's parameters.
type ProgramMapEntry struct {
	Bank       int           `yaml:"bank"`
	Program    int           `yaml:"program"`
	Instrument InstrumentRef `yaml:"instrument"`
}

// ChannelConfig binds one engine channel to a MIDI channel number, a
// default instrument, and its program-change map.
type ChannelConfig struct {
	EngineChannel int               `yaml:"engine_channel"`
	MIDIChannel   int               `yaml:"midi_channel"`
	Instrument    InstrumentRef     `yaml:"instrument"`
	ProgramMap    []ProgramMapEntry `yaml:"program_map"`
}

// AudioConfig describes the output device's shape.
type AudioConfig struct {
	SampleRate  int `yaml:"sample_rate"`
	Channels    int `yaml:"channels"`
	CycleFrames int `yaml:"cycle_frames"`
}

// MIDIConfig names the input device to open (fuzzy-matched, see
// internal/midiport.Open).
type MIDIConfig struct {
	Device string `yaml:"device"`
}

// Config is the complete top-level control-plane configuration.
type Config struct {
	Polyphony int             `yaml:"polyphony"`
	Audio     AudioConfig     `yaml:"audio"`
	MIDI      MIDIConfig      `yaml:"midi"`
	Channels  []ChannelConfig `yaml:"channels"`
}

// defaultSearchPaths mirrors the corpus's fixed-candidate-list config
// lookup convention (doismellburning-samoyed's deviceid.go
// search_locations) for when no explicit path is given.
var defaultSearchPaths = []string{
	"gosampler.yaml",
	"config/gosampler.yaml",
	"/etc/gosampler/gosampler.yaml",
}

// Load reads and validates a YAML config. If path is empty,
// defaultSearchPaths is tried in order and the first file found wins.
func Load(path string) (*Config, error) {
	data, resolved, err := readConfig(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("control: parse %s: %w", resolved, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("control: %s: %w", resolved, err)
	}
	return &cfg, nil
}

func readConfig(path string) (data []byte, resolved string, err error) {
	if path != "" {
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, path, fmt.Errorf("control: open %s: %w", path, err)
		}
		return data, path, nil
	}
	for _, candidate := range defaultSearchPaths {
		data, err = os.ReadFile(candidate)
		if err == nil {
			return data, candidate, nil
		}
	}
	return nil, "", fmt.Errorf("control: no config file found in %v", defaultSearchPaths)
}

func (c *Config) validate() error {
	if c.Audio.SampleRate <= 0 {
		return fmt.Errorf("audio.sample_rate must be > 0")
	}
	if c.Audio.Channels <= 0 {
		return fmt.Errorf("audio.channels must be > 0")
	}
	if c.Polyphony <= 0 {
		return fmt.Errorf("polyphony must be > 0")
	}
	seen := make(map[int]bool)
	for _, ch := range c.Channels {
		if ch.EngineChannel < 0 || ch.EngineChannel >= c.Audio.Channels {
			return fmt.Errorf("channel %d: engine_channel out of range [0,%d)", ch.EngineChannel, c.Audio.Channels)
		}
		if seen[ch.EngineChannel] {
			return fmt.Errorf("channel %d: duplicate engine_channel binding", ch.EngineChannel)
		}
		seen[ch.EngineChannel] = true
		if ch.MIDIChannel < 0 || ch.MIDIChannel > 15 {
			return fmt.Errorf("channel %d: midi_channel out of range [0,15]", ch.EngineChannel)
		}
	}
	return nil
}
