package wavsample

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/wavesampler/gosampler/internal/instrument"
	"github.com/wavesampler/gosampler/internal/sample"
	"github.com/wavesampler/gosampler/internal/voice"
)

// nextHandle mints process-wide unique instrument.RegionHandle/SampleHandle
// values. Package-level rather than per-Instrument so two loaded instances
// of the same instrument.Key (e.g. across a hot-swap Replace) never collide
// on the same refcount bucket in an instrument.Manager.
var nextHandle atomic.Uint64

func mintHandle() uint64 {
	return nextHandle.Add(1)
}

// RegionDef is one YAML-described key/velocity-zoned region: a key and
// velocity range, a layer index and release-trigger flag selecting which
// Query call it answers, and the playback parameters voice.Region carries.
type RegionDef struct {
	SamplePath     string  `yaml:"sample"`
	LowKey         byte    `yaml:"low_key"`
	HighKey        byte    `yaml:"high_key"`
	LowVelocity    byte    `yaml:"low_velocity"`
	HighVelocity   byte    `yaml:"high_velocity"`
	Layer          int     `yaml:"layer"`
	ReleaseTrigger bool    `yaml:"release_trigger"`
	KeyGroup       int     `yaml:"key_group"`
	PitchKeyCenter int     `yaml:"pitch_key_center"`
	Loop           string  `yaml:"loop"` // "none" (default), "forward", "pingpong"
	LoopStart      int64   `yaml:"loop_start"`
	LoopEnd        int64   `yaml:"loop_end"`
	PlayCount      int     `yaml:"play_count"`
	Pan            float64 `yaml:"pan"`
	Attack         float64 `yaml:"attack"`
	Decay          float64 `yaml:"decay"`
	Sustain        float64 `yaml:"sustain"`
	Release        float64 `yaml:"release"`
	CutoffHz       float64 `yaml:"cutoff_hz"`
	Resonance      float64 `yaml:"resonance"`
}

// InstrumentDef is one instrument's full region list, as parsed from YAML.
type InstrumentDef struct {
	Regions []RegionDef `yaml:"regions"`
}

// FileDef is the on-disk shape of a gosampler reference instrument file:
// an ordered list of instruments, selected by instrument.Key.Index.
type FileDef struct {
	Instruments []InstrumentDef `yaml:"instruments"`
}

type region struct {
	def    RegionDef
	source *Source

	// regionHandle/sampleHandle identify this region's entry in an
	// instrument.Manager's refcount tables (spec.md §4.4). This format
	// never de-duplicates samples across regions, so each region mints
	// its own pair 1:1.
	regionHandle instrument.RegionHandle
	sampleHandle instrument.SampleHandle
}

// Instrument is the reference voice.InstrumentQuerier: a flat list of
// key/velocity-zoned regions, each backed by its own decoded WAV Source.
type Instrument struct {
	regions []region
}

var _ voice.InstrumentQuerier = (*Instrument)(nil)

// Query implements voice.InstrumentQuerier: every region (in file order)
// whose key range, velocity range, layer and release-trigger flag match is
// a candidate; a single candidate wins outright, and two or more candidates
// are resolved by rotating through them with roundRobinIndex, mirroring a
// gig-format engine's round-robin dimension.
func (inst *Instrument) Query(key, velocity byte, layer int, releaseTrigger bool, roundRobinIndex int) (voice.Region, bool) {
	var candidates []*region
	for i := range inst.regions {
		d := &inst.regions[i].def
		if key < d.LowKey || key > d.HighKey {
			continue
		}
		if velocity < d.LowVelocity || velocity > d.HighVelocity {
			continue
		}
		if d.Layer != layer {
			continue
		}
		if d.ReleaseTrigger != releaseTrigger {
			continue
		}
		candidates = append(candidates, &inst.regions[i])
	}
	if len(candidates) == 0 {
		return voice.Region{}, false
	}
	idx := roundRobinIndex % len(candidates)
	if idx < 0 {
		idx += len(candidates)
	}
	r := candidates[idx]
	d := &r.def
	return voice.Region{
		Source:         r.source,
		KeyGroup:       d.KeyGroup,
		PitchKeyCenter: d.PitchKeyCenter,
		Loop:           parseLoopMode(d.Loop),
		LoopStart:      d.LoopStart,
		LoopEnd:        d.LoopEnd,
		PlayCount:      d.PlayCount,
		Pan:            d.Pan,
		Attack:         d.Attack,
		Decay:          d.Decay,
		Sustain:        d.Sustain,
		Release:        d.Release,
		CutoffHz:       d.CutoffHz,
		Resonance:      d.Resonance,
		ReleaseTrigger: d.ReleaseTrigger,
		RegionHandle:   r.regionHandle,
		SampleHandle:   r.sampleHandle,
	}, true
}

func parseLoopMode(s string) sample.LoopMode {
	switch s {
	case "forward":
		return sample.LoopForward
	case "pingpong":
		return sample.LoopPingPong
	default:
		return sample.NoLoop
	}
}

// FormatAdapter implements instrument.Source over gosampler's reference
// YAML+WAV instrument file format: instrument.Key.Path names the YAML
// file (region sample paths resolve relative to its directory unless
// absolute) and Key.Index selects which of the file's listed instruments
// to load.
type FormatAdapter struct{}

var _ instrument.Source = FormatAdapter{}

// Load reads and parses the instrument file at path and decodes every WAV
// sample referenced by the instrument at index.
func (FormatAdapter) Load(path string, index int) (*instrument.Instrument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("wavsample: read %s: %w", path, err)
	}
	var file FileDef
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("wavsample: parse %s: %w", path, err)
	}
	if index < 0 || index >= len(file.Instruments) {
		return nil, fmt.Errorf("wavsample: %s: instrument index %d out of range [0,%d)", path, index, len(file.Instruments))
	}
	def := file.Instruments[index]
	dir := filepath.Dir(path)
	inst := &Instrument{regions: make([]region, 0, len(def.Regions))}
	for _, rd := range def.Regions {
		samplePath := rd.SamplePath
		if !filepath.IsAbs(samplePath) {
			samplePath = filepath.Join(dir, samplePath)
		}
		src, err := Load(samplePath)
		if err != nil {
			return nil, fmt.Errorf("wavsample: load sample %s: %w", samplePath, err)
		}
		h := mintHandle()
		inst.regions = append(inst.regions, region{
			def:          rd,
			source:       src,
			regionHandle: instrument.RegionHandle(h),
			sampleHandle: instrument.SampleHandle(h),
		})
	}
	return &instrument.Instrument{
		Key:  instrument.Key{Path: path, Index: index},
		Data: inst,
	}, nil
}
