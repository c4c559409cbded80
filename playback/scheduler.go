// Package playback schedules decoded model speech back to back on an
// output device clock.
package playback

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/room4-2/voicelive/metrics"
	"github.com/room4-2/voicelive/pcm"
)

// ErrEmptyBuffer is returned when scheduling a buffer with no samples
var ErrEmptyBuffer = errors.New("playback: empty buffer")

// Output is a platform audio output. Now is the device clock. Play starts
// samples at the given device time and calls onEnded from another
// goroutine once the last sample has been rendered. Samples due before the
// current device time are skipped, so a voice always ends at at plus its
// duration. A stopped voice never calls onEnded.
type Output interface {
	Now() time.Duration
	Play(samples []float32, at time.Duration, onEnded func()) (Voice, error)
	Close() error
}

type Voice interface {
	Stop()
}

// Handle identifies one scheduled buffer.
type Handle struct {
	ID       uint64
	Start    time.Duration
	Duration time.Duration
}

// End is the device time at which the buffer finishes.
func (h Handle) End() time.Duration {
	return h.Start + h.Duration
}

type scheduled struct {
	handle Handle
	voice  Voice
}

// Scheduler keeps consecutive buffers from overlapping and tracks the
// ones still playing so they can be cancelled together.
type Scheduler struct {
	out     Output
	rate    int
	onEnded func(id uint64)
	metrics *metrics.Metrics

	mu        sync.Mutex
	nextStart time.Duration
	nextID    uint64
	active    map[uint64]scheduled
}

// NewScheduler creates a scheduler for mono audio at rate. onEnded
// receives the handle ID of every buffer that finishes naturally; callers
// pass it back to Complete.
func NewScheduler(out Output, rate int, onEnded func(id uint64)) *Scheduler {
	if rate <= 0 {
		rate = pcm.OutputSampleRate
	}
	if onEnded == nil {
		onEnded = func(uint64) {}
	}
	return &Scheduler{
		out:     out,
		rate:    rate,
		onEnded: onEnded,
		metrics: metrics.Default,
		active:  make(map[uint64]scheduled),
	}
}

// WithMetrics replaces the metrics sink
func (s *Scheduler) WithMetrics(m *metrics.Metrics) *Scheduler {
	if m != nil {
		s.metrics = m
	}
	return s
}

// Schedule plays samples at max(nextStart, now) and advances nextStart by
// the buffer duration.
func (s *Scheduler) Schedule(samples []float32) (Handle, error) {
	if len(samples) == 0 {
		return Handle{}, ErrEmptyBuffer
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.out.Now()
	start := max(s.nextStart, now)

	s.nextID++
	h := Handle{
		ID:       s.nextID,
		Start:    start,
		Duration: pcm.Duration(len(samples), s.rate),
	}

	id := h.ID
	voice, err := s.out.Play(samples, start, func() { s.onEnded(id) })
	if err != nil {
		return Handle{}, fmt.Errorf("failed to schedule buffer: %w", err)
	}

	s.active[id] = scheduled{handle: h, voice: voice}
	s.nextStart = h.End()

	s.metrics.BuffersScheduled.Inc()
	s.metrics.PlaybackLag.Observe((start - now).Seconds())
	return h, nil
}

// Complete removes a naturally finished buffer and reports whether it was
// the last active one. Unknown or cancelled IDs return false.
func (s *Scheduler) Complete(id uint64) (drained bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.active[id]; !ok {
		return false
	}
	delete(s.active, id)
	return len(s.active) == 0
}

// Cancel stops every active buffer immediately and resets the cursor so
// the next buffer plays as soon as possible.
func (s *Scheduler) Cancel() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.active)
	for id, sc := range s.active {
		sc.voice.Stop()
		delete(s.active, id)
	}
	s.nextStart = 0
	s.metrics.BuffersCancelled.Add(float64(n))
	return n
}

// Active returns the number of buffers scheduled or playing
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Handles returns the active handles ordered by start time
func (s *Scheduler) Handles() []Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Handle, 0, len(s.active))
	for _, sc := range s.active {
		out = append(out, sc.handle)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// NextStart returns the cursor. Zero means as soon as possible.
func (s *Scheduler) NextStart() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextStart
}
