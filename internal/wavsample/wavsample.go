// Package wavsample is the reference sample.Source implementation: a
// single mono or stereo WAV file decoded wholesale into a float32 buffer
// at load time, serving both the disk streamer's RAM-cache path and, via
// a bounded window copy, its streaming path. It is deliberately minimal —
// no compressed WAV formats, no multi-file instrument formats.
package wavsample

import (
	"fmt"
	"os"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/wavesampler/gosampler/internal/sample"
)

// Source holds an entire WAV file decoded to stereo-interleaved float32 in
// [-1, 1]. Mono files are duplicated to both channels at load time so
// every downstream consumer only ever deals with stereo frames.
type Source struct {
	data      []float32 // stereo-interleaved, len == totalFrames*2
	total     int64
	cacheSize int64

	pos int64 // Read/SetPosition cursor; not used by ReadAndLoop

	// loopCursors tracks position/direction/remaining-plays per
	// *sample.PlaybackState pointer identity, since PlaybackState itself
	// exposes no position field: one Source instance backs every
	// concurrently playing voice of the same instrument, each with its own
	// state pointer (internal/sample.Streamer's workerStream.playState).
	loopMu      sync.Mutex
	loopCursors map[*sample.PlaybackState]*loopCursor
}

type loopCursor struct {
	pos            int64
	playsRemaining int
	direction      int8 // +1 forward, -1 reverse (ping-pong only)
	started        bool
}

// Load decodes path (a 16/24/32-bit PCM WAV) into a Source.
func Load(path string) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("wavsample: open %s: %w", path, err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("wavsample: %s is not a valid WAV file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("wavsample: decode %s: %w", path, err)
	}
	return fromIntBuffer(buf)
}

func fromIntBuffer(buf *audio.IntBuffer) (*Source, error) {
	channels := buf.Format.NumChannels
	if channels < 1 || channels > 2 {
		return nil, fmt.Errorf("wavsample: unsupported channel count %d", channels)
	}
	bitDepth := buf.SourceBitDepth
	if bitDepth <= 0 {
		bitDepth = 16
	}
	scale := float32(int64(1) << uint(bitDepth-1))

	frames := len(buf.Data) / channels
	data := make([]float32, frames*2)
	for i := 0; i < frames; i++ {
		var l, r int
		if channels == 1 {
			l = buf.Data[i]
			r = l
		} else {
			l = buf.Data[i*2]
			r = buf.Data[i*2+1]
		}
		data[i*2] = float32(l) / scale
		data[i*2+1] = float32(r) / scale
	}
	return &Source{
		data:        data,
		total:       int64(frames),
		loopCursors: make(map[*sample.PlaybackState]*loopCursor),
	}, nil
}

func (s *Source) TotalFrames() int64 { return s.total }
func (s *Source) Channels() int      { return 2 }
func (s *Source) FrameSize() int     { return 8 } // 2 channels * 4-byte float32

// Read decodes n frames from the internal cursor, advancing it.
func (s *Source) Read(buf []float32, n int) (int, error) {
	avail := s.total - s.pos
	if avail <= 0 {
		return 0, nil
	}
	if int64(n) > avail {
		n = int(avail)
	}
	copy(buf[:n*2], s.data[s.pos*2:(s.pos+int64(n))*2])
	s.pos += int64(n)
	return n, nil
}

func (s *Source) SetPosition(n int64) {
	if n < 0 {
		n = 0
	}
	if n > s.total {
		n = s.total
	}
	s.pos = n
}

// ReadAndLoop decodes n frames honoring state's loop configuration,
// wrapping at loop points (including play-count-limited, possibly
// reversing, loops). Position is tracked per state-pointer identity since
// one Source instance backs every concurrently playing voice of the same
// instrument (internal/sample/streamer.go's advanceLoop does the
// equivalent bookkeeping for the RAM-cache path, but keyed on its own
// private PlaybackState fields; this mirrors its state machine using the
// position/direction/play-count bookkeeping this package owns instead).
func (s *Source) ReadAndLoop(buf []float32, n int, state *sample.PlaybackState) (int, error) {
	cur := s.cursorFor(state)
	produced := 0
	for produced < n {
		idx, done := cur.advance(state, s.total)
		if done {
			break
		}
		buf[produced*2] = s.data[idx*2]
		buf[produced*2+1] = s.data[idx*2+1]
		produced++
	}
	return produced, nil
}

func (s *Source) cursorFor(state *sample.PlaybackState) *loopCursor {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()
	cur, ok := s.loopCursors[state]
	if !ok {
		cur = &loopCursor{}
		s.loopCursors[state] = cur
	}
	return cur
}

// advance resolves the next frame index for this cursor, honoring
// NoLoop/LoopForward/LoopPingPong and play-count limits. Returns
// (index, pastEnd).
func (c *loopCursor) advance(state *sample.PlaybackState, total int64) (int64, bool) {
	if !c.started {
		c.started = true
		c.direction = 1
		c.playsRemaining = state.PlayCount
	}
	if state.Mode == sample.NoLoop || (state.PlayCount != 0 && c.playsRemaining <= 0) {
		if c.pos >= total {
			return 0, true
		}
		idx := c.pos
		c.pos++
		return idx, false
	}

	end := state.LoopEnd
	if end <= 0 || end > total {
		end = total
	}
	if c.pos < state.LoopStart || c.pos >= end {
		c.pos = state.LoopStart
	}
	idx := c.pos

	switch state.Mode {
	case sample.LoopForward:
		if idx+1 >= end && state.PlayCount != 0 {
			c.playsRemaining--
		}
	case sample.LoopPingPong:
		if c.direction > 0 && idx+1 >= end && state.PlayCount != 0 {
			c.playsRemaining--
		}
		if c.direction < 0 && idx-1 < state.LoopStart && state.PlayCount != 0 {
			c.playsRemaining--
		}
	}

	if state.PlayCount != 0 && c.playsRemaining <= 0 && idx+1 >= end {
		c.pos = idx + 1 // deliver the final frame, then stop looping
		return idx, false
	}

	switch state.Mode {
	case sample.LoopPingPong:
		if c.direction > 0 {
			if idx+1 >= end {
				c.direction = -1
				c.pos = idx - 1
			} else {
				c.pos = idx + 1
			}
		} else {
			if idx-1 < state.LoopStart {
				c.direction = 1
				c.pos = idx + 1
			} else {
				c.pos = idx - 1
			}
		}
	default:
		c.pos = idx + 1
	}
	return idx, false
}

// LoadSampleData decodes the first n frames into a freshly allocated
// stereo-interleaved buffer (the streamer's RAM-cache/preload path).
func (s *Source) LoadSampleData(n int64) ([]float32, error) {
	if n > s.total {
		n = s.total
	}
	out := make([]float32, n*2)
	copy(out, s.data[:n*2])
	s.cacheSize = n
	return out, nil
}

func (s *Source) CacheSize() int64 { return s.cacheSize }

// LoadSampleDataWithNullSamplesExtension loads the whole sample into RAM
// with pad frames of trailing silence appended, letting a pitched
// interpolator read past the true end without a bounds branch.
func (s *Source) LoadSampleDataWithNullSamplesExtension(pad int64) ([]float32, error) {
	out := make([]float32, (s.total+pad)*2)
	copy(out, s.data)
	s.cacheSize = s.total + pad
	return out, nil
}

var _ sample.Source = (*Source)(nil)
