// Package playbacktest provides a simulated playback.Output driven by a
// manual clock.
package playbacktest

import (
	"errors"
	"sync"
	"time"

	"github.com/room4-2/voicelive/playback"
	"github.com/room4-2/voicelive/pcm"
)

var ErrClosed = errors.New("playbacktest: output closed")

// Voice is one buffer handed to Output.Play.
type Voice struct {
	Samples  int
	At       time.Duration
	Duration time.Duration

	out     *Output
	onEnded func()
	stopped bool
	ended   bool
}

func (v *Voice) Stop() {
	v.out.mu.Lock()
	defer v.out.mu.Unlock()
	v.stopped = true
}

// Stopped reports whether the voice was cancelled
func (v *Voice) Stopped() bool {
	v.out.mu.Lock()
	defer v.out.mu.Unlock()
	return v.stopped
}

// Output renders nothing. Its clock only moves on Advance, which fires
// the completion callbacks of voices that have finished.
type Output struct {
	Rate int

	mu     sync.Mutex
	now    time.Duration
	voices []*Voice
	closes int
}

var _ playback.Output = (*Output)(nil)

func NewOutput() *Output {
	return &Output{Rate: pcm.OutputSampleRate}
}

func (o *Output) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

func (o *Output) Play(samples []float32, at time.Duration, onEnded func()) (playback.Voice, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closes > 0 {
		return nil, ErrClosed
	}
	v := &Voice{
		Samples:  len(samples),
		At:       at,
		Duration: pcm.Duration(len(samples), o.Rate),
		out:      o,
		onEnded:  onEnded,
	}
	o.voices = append(o.voices, v)
	return v, nil
}

// Advance moves the clock forward and fires onEnded, in end-time order,
// for every live voice that has finished.
func (o *Output) Advance(d time.Duration) {
	o.mu.Lock()
	o.now += d
	var fire []func()
	for _, v := range o.voices {
		if v.stopped || v.ended || v.At+v.Duration > o.now {
			continue
		}
		v.ended = true
		if v.onEnded != nil {
			fire = append(fire, v.onEnded)
		}
	}
	o.mu.Unlock()

	for _, f := range fire {
		f()
	}
}

// Voices returns every voice played so far
func (o *Output) Voices() []*Voice {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*Voice(nil), o.voices...)
}

func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closes++
	return nil
}

// Closes returns how many times Close was called
func (o *Output) Closes() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closes
}
