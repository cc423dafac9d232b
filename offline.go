package gosampler

import (
	"encoding/binary"
	"math"

	"github.com/wavesampler/gosampler/internal/engine"
)

// offlineDevice is a minimal in-memory engine.AudioOutputDevice, used by
// RenderOffline instead of the real-time internal/audiodevice adapter,
// which requires a live Ebiten audio context.
type offlineDevice struct {
	sampleRate int
	bufs       [][2][]float32
}

func newOfflineDevice(sampleRate, numChannels int) *offlineDevice {
	return &offlineDevice{sampleRate: sampleRate, bufs: make([][2][]float32, numChannels)}
}

func (d *offlineDevice) SampleRate() float64 { return float64(d.sampleRate) }
func (d *offlineDevice) Channels() int       { return len(d.bufs) }

func (d *offlineDevice) Buffers(idx, n int) (left, right []float32) {
	buf := &d.bufs[idx]
	if cap(buf[0]) < n {
		buf[0] = make([]float32, n)
		buf[1] = make([]float32, n)
	}
	buf[0] = buf[0][:n]
	buf[1] = buf[1][:n]
	return buf[0], buf[1]
}

// RenderOffline renders totalFrames of audio from eng's first numChannels
// engine channels, mixed down to one interleaved stereo buffer, cycling in
// blocks of cycleFrames the same way a real AudioOutputDevice would drive
// Render. This is the debug/test render-to-WAV path spec.md's Non-goals
// retain deliberately (it is not the primary mode).
func RenderOffline(eng *engine.Engine, numChannels, cycleFrames, totalFrames int) []float32 {
	dev := newOfflineDevice(0, numChannels) // sample rate is irrelevant to Render itself
	out := make([]float32, totalFrames*2)
	for pos := 0; pos < totalFrames; pos += cycleFrames {
		n := cycleFrames
		if pos+n > totalFrames {
			n = totalFrames - pos
		}
		eng.Render(n, dev)
		for c := 0; c < numChannels; c++ {
			left, right := dev.bufs[c][0], dev.bufs[c][1]
			for i := 0; i < n; i++ {
				out[(pos+i)*2] += left[i]
				out[(pos+i)*2+1] += right[i]
			}
		}
	}
	return out
}

// EncodeWAVFloat32LE packs interleaved float32 PCM samples into a 32-bit
// IEEE-float WAV container, the same hand-rolled encoder the teacher's
// offline.go used for its golden-file tests.
func EncodeWAVFloat32LE(samples []float32, sampleRate int, channels int) []byte {
	dataSize := len(samples) * 4
	byteRate := sampleRate * channels * 4
	blockAlign := channels * 4
	chunkSize := 36 + dataSize
	out := make([]byte, 44+dataSize)
	copy(out[0:], []byte("RIFF"))
	binary.LittleEndian.PutUint32(out[4:], uint32(chunkSize))
	copy(out[8:], []byte("WAVE"))
	copy(out[12:], []byte("fmt "))
	binary.LittleEndian.PutUint32(out[16:], 16)
	binary.LittleEndian.PutUint16(out[20:], 3)
	binary.LittleEndian.PutUint16(out[22:], uint16(channels))
	binary.LittleEndian.PutUint32(out[24:], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:], uint32(byteRate))
	binary.LittleEndian.PutUint16(out[32:], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:], 32)
	copy(out[36:], []byte("data"))
	binary.LittleEndian.PutUint32(out[40:], uint32(dataSize))
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[44+i*4:], math.Float32bits(s))
	}
	return out
}
