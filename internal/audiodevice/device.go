// Package audiodevice is the reference AudioOutputDevice adapter: it pulls
// engine.Engine.Render output through Ebiten's audio context, the same way
// the teacher's internal/audio package drove a single SampleSource, but
// fanned out across every bound engine channel and mixed down to one
// interleaved stereo stream.
package audiodevice

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync"

	ebitaudio "github.com/hajimehoshi/ebiten/v2/audio"

	"github.com/wavesampler/gosampler/internal/engine"
)

// Renderer is the subset of *engine.Engine this package needs, narrowed so
// tests can substitute a stub.
type Renderer interface {
	Render(n int, dev engine.AudioOutputDevice)
}

// Device implements engine.AudioOutputDevice by allocating a reusable,
// non-owning stereo buffer pair per engine channel, then implements
// Ebiten's audio.SampleSource (via Process) by rendering into those
// buffers and mixing them down to one interleaved output.
type Device struct {
	mu          sync.Mutex
	sampleRate  int
	numChannels int
	eng         Renderer
	chanBufs    [][2][]float32
}

// New constructs a Device for numChannels engine channels at sampleRate.
func New(sampleRate, numChannels int) *Device {
	return &Device{
		sampleRate:  sampleRate,
		numChannels: numChannels,
		chanBufs:    make([][2][]float32, numChannels),
	}
}

// Bind attaches the engine this device pulls audio from. Must be called
// before the device is driven (e.g. via NewPlayer).
func (d *Device) Bind(e Renderer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.eng = e
}

func (d *Device) SampleRate() float64 { return float64(d.sampleRate) }
func (d *Device) Channels() int       { return d.numChannels }

// Buffers satisfies engine.AudioOutputDevice: returns this cycle's
// non-owning stereo slices for engine channel idx, growing the backing
// arrays only when a larger cycle size is requested.
func (d *Device) Buffers(idx, n int) (left, right []float32) {
	buf := &d.chanBufs[idx]
	if cap(buf[0]) < n {
		buf[0] = make([]float32, n)
		buf[1] = make([]float32, n)
	}
	buf[0] = buf[0][:n]
	buf[1] = buf[1][:n]
	return buf[0], buf[1]
}

// Process implements the teacher's audio.SampleSource trait: render one
// cycle across every bound channel and mix down to dst (stereo
// interleaved float32, len(dst) = n*2).
func (d *Device) Process(dst []float32) {
	n := len(dst) / 2
	for i := range dst {
		dst[i] = 0
	}
	d.mu.Lock()
	eng := d.eng
	d.mu.Unlock()
	if eng == nil || n == 0 {
		return
	}
	eng.Render(n, d)
	for c := 0; c < d.numChannels; c++ {
		left, right := d.chanBufs[c][0], d.chanBufs[c][1]
		for i := 0; i < n && i < len(left) && i < len(right); i++ {
			dst[i*2] += left[i]
			dst[i*2+1] += right[i]
		}
	}
}

// StreamReader adapts Process to an io.Reader of little-endian float32
// PCM, exactly as the teacher's internal/audio.StreamReader does for a
// single SampleSource.
type StreamReader struct {
	mu  sync.Mutex
	dev *Device
	buf []float32
}

// NewStreamReader wraps dev for Ebiten's NewPlayerF32.
func NewStreamReader(dev *Device) *StreamReader {
	return &StreamReader{dev: dev}
}

func (r *StreamReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	frames := len(p) / 8
	if frames == 0 {
		return 0, nil
	}
	need := frames * 2
	if cap(r.buf) < need {
		r.buf = make([]float32, need)
	}
	r.buf = r.buf[:need]
	r.dev.Process(r.buf)
	for i := 0; i < need; i++ {
		u := math.Float32bits(r.buf[i])
		binary.LittleEndian.PutUint32(p[i*4:], u)
	}
	return frames * 8, nil
}

func (r *StreamReader) Close() error { return nil }

// Player drives a Device through Ebiten's shared audio context.
type Player struct {
	player *ebitaudio.Player
	reader io.ReadCloser
}

var (
	audioContextOnce sync.Once
	audioContext     *ebitaudio.Context
	audioContextErr  error
	audioSampleRate  int
)

func sharedAudioContext(sampleRate int) (*ebitaudio.Context, error) {
	audioContextOnce.Do(func() {
		audioSampleRate = sampleRate
		audioContext = ebitaudio.NewContext(sampleRate)
	})
	if audioContextErr != nil {
		return nil, audioContextErr
	}
	if audioSampleRate != sampleRate {
		return nil, fmt.Errorf("audio context already initialized at %d Hz (requested %d Hz)", audioSampleRate, sampleRate)
	}
	return audioContext, nil
}

// NewPlayer constructs a Player pulling PCM from dev through Ebiten's
// shared audio context at sampleRate.
func NewPlayer(sampleRate int, dev *Device) (*Player, error) {
	ctx, err := sharedAudioContext(sampleRate)
	if err != nil {
		return nil, err
	}
	reader := NewStreamReader(dev)
	pl, err := ctx.NewPlayerF32(reader)
	if err != nil {
		return nil, err
	}
	return &Player{player: pl, reader: reader}, nil
}

func (p *Player) Play()           { p.player.Play() }
func (p *Player) Pause()          { p.player.Pause() }
func (p *Player) IsPlaying() bool { return p.player.IsPlaying() }

func (p *Player) Stop() error {
	p.player.Pause()
	p.player.Close()
	return p.reader.Close()
}
