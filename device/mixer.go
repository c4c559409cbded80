package device

import (
	"sync"
	"time"

	"github.com/room4-2/voicelive/playback"
	"github.com/room4-2/voicelive/pcm"
)

// mixer renders scheduled voices by frame position. Its clock is the
// number of frames rendered so far.
type mixer struct {
	rate int

	mu       sync.Mutex
	rendered int64
	voices   []*voice
	closed   bool
}

type voice struct {
	m       *mixer
	samples []float32
	start   int64
	onEnded func()
}

func (v *voice) end() int64 {
	return v.start + int64(len(v.samples))
}

// Stop removes the voice without calling onEnded.
func (v *voice) Stop() {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()
	for i, other := range v.m.voices {
		if other == v {
			v.m.voices = append(v.m.voices[:i], v.m.voices[i+1:]...)
			return
		}
	}
}

func newMixer(rate int) *mixer {
	return &mixer{rate: rate}
}

func (m *mixer) Now() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return pcm.Duration(int(m.rendered), m.rate)
}

func (m *mixer) frameAt(at time.Duration) int64 {
	return (int64(at)*int64(m.rate) + int64(time.Second)/2) / int64(time.Second)
}

func (m *mixer) Play(samples []float32, at time.Duration, onEnded func()) (playback.Voice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	// A voice due before the render position keeps its schedule; render
	// skips the frames that already went out so its end stays put.
	v := &voice{
		m:       m,
		samples: samples,
		start:   m.frameAt(at),
		onEnded: onEnded,
	}
	m.voices = append(m.voices, v)
	return v, nil
}

// render fills out with the next len(out) frames and returns the
// completion callbacks of voices that finished inside them.
func (m *mixer) render(out []float32) []func() {
	clear(out)

	m.mu.Lock()
	defer m.mu.Unlock()

	base := m.rendered
	limit := base + int64(len(out))
	for _, v := range m.voices {
		from := max(v.start, base)
		to := min(v.end(), limit)
		for f := from; f < to; f++ {
			out[f-base] += v.samples[f-v.start]
		}
	}
	m.rendered = limit

	var ended []func()
	kept := m.voices[:0]
	for _, v := range m.voices {
		if v.end() <= m.rendered {
			if v.onEnded != nil {
				ended = append(ended, v.onEnded)
			}
			continue
		}
		kept = append(kept, v)
	}
	clear(m.voices[len(kept):])
	m.voices = kept
	return ended
}

func (m *mixer) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.voices = nil
}

func fire(callbacks []func()) {
	if len(callbacks) == 0 {
		return
	}
	// never block the device thread on a completion
	go func() {
		for _, f := range callbacks {
			f()
		}
	}()
}
