// Package capture turns a microphone stream into fixed-size 16 kHz PCM
// frames and forwards them, in order, to a remote channel.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/room4-2/voicelive/live"
	"github.com/room4-2/voicelive/metrics"
	"github.com/room4-2/voicelive/pcm"
)

// DefaultBlockSize is the number of samples per outbound frame
const DefaultBlockSize = 4096

var (
	// ErrPermission is returned when the microphone is denied or unavailable
	ErrPermission = errors.New("microphone permission denied")
	// ErrStopped is returned by operations on a stopped pipeline
	ErrStopped = errors.New("capture pipeline stopped")
)

// Microphone is a platform capture stream. Start delivers mono samples at
// SampleRate to onSamples from the device thread until Stop.
type Microphone interface {
	SampleRate() int
	Start(ctx context.Context, onSamples func(samples []float32)) error
	Stop() error
}

// Sink receives encoded frames. live.Channel satisfies it.
type Sink interface {
	Send(ctx context.Context, chunk live.EncodedChunk) error
}

type Option func(*Pipeline)

func WithBlockSize(samples int) Option {
	return func(p *Pipeline) {
		if samples > 0 {
			p.blockSize = samples
		}
	}
}

func WithQueueFrames(frames int) Option {
	return func(p *Pipeline) {
		p.queue = NewQueue(frames)
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) {
		if m != nil {
			p.metrics = m
		}
	}
}

// Pipeline owns one microphone for the lifetime of a session.
type Pipeline struct {
	mic       Microphone
	blockSize int
	queue     *Queue
	metrics   *metrics.Metrics
	mimeType  string

	streaming atomic.Bool

	mu         sync.Mutex
	pending    []float32
	acquired   bool
	stopped    bool
	cancel     context.CancelFunc
	senderDone chan struct{}
}

func NewPipeline(mic Microphone, opts ...Option) *Pipeline {
	p := &Pipeline{
		mic:       mic,
		blockSize: DefaultBlockSize,
		metrics:   metrics.Default,
		mimeType:  pcm.MIMEType(pcm.InputSampleRate),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.queue == nil {
		p.queue = NewQueue(DefaultQueueFrames)
	}
	return p
}

// Acquire starts the microphone. Samples are discarded until Stream is
// called. If Stop runs while Acquire is in flight, the device is released
// as soon as it becomes available and ErrStopped is returned.
func (p *Pipeline) Acquire(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrStopped
	}
	if p.acquired {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if err := p.mic.Start(ctx, p.onSamples); err != nil {
		if errors.Is(err, ErrPermission) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrPermission, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		if err := p.mic.Stop(); err != nil {
			logger.Warn("failed to release late microphone", "error", err)
		}
		return ErrStopped
	}
	p.acquired = true
	return nil
}

// Stream starts forwarding frames to sink in capture order. Sends run on a
// dedicated goroutine so a slow channel never stalls the device callback.
func (p *Pipeline) Stream(ctx context.Context, sink Sink) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrStopped
	}
	if p.cancel != nil {
		return fmt.Errorf("capture pipeline already streaming")
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.senderDone = make(chan struct{})
	go p.sendLoop(ctx, sink, p.senderDone)

	p.streaming.Store(true)
	return nil
}

func (p *Pipeline) onSamples(samples []float32) {
	if !p.streaming.Load() || len(samples) == 0 {
		return
	}
	samples = pcm.Resample(samples, p.mic.SampleRate(), pcm.InputSampleRate)

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.streaming.Load() {
		return
	}

	p.pending = append(p.pending, samples...)
	for len(p.pending) >= p.blockSize {
		chunk := live.EncodedChunk{
			Data:     pcm.EncodeFloat32(p.pending[:p.blockSize]),
			MIMEType: p.mimeType,
		}
		p.pending = append(p.pending[:0], p.pending[p.blockSize:]...)

		p.metrics.FramesCaptured.Inc()
		if p.queue.Push(chunk) {
			p.metrics.FramesDropped.Inc()
		}
		p.metrics.QueueDepth.Set(float64(p.queue.Len()))
	}
}

func (p *Pipeline) sendLoop(ctx context.Context, sink Sink, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.queue.Ready():
		}

		for {
			if ctx.Err() != nil {
				return
			}
			chunk, ok := p.queue.Pop()
			if !ok {
				break
			}
			if err := sink.Send(ctx, chunk); err != nil {
				if ctx.Err() != nil || errors.Is(err, live.ErrClosed) {
					return
				}
				p.metrics.SendErrors.Inc()
				logger.Warn("failed to send audio frame", "bytes", len(chunk.Data), "error", err)
				continue
			}
			p.metrics.FramesSent.Inc()
		}
		p.metrics.QueueDepth.Set(float64(p.queue.Len()))
	}
}

// Detach stops forwarding frames and drops anything queued. The
// microphone stays open until Stop.
func (p *Pipeline) Detach() {
	p.streaming.Store(false)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.detachLocked()
}

func (p *Pipeline) detachLocked() chan struct{} {
	if p.cancel != nil {
		p.cancel()
	}
	p.pending = nil
	p.queue.Clear()
	p.metrics.QueueDepth.Set(0)
	return p.senderDone
}

// Stop releases the microphone. It is idempotent and safe to call before
// Acquire returns.
func (p *Pipeline) Stop() error {
	p.streaming.Store(false)

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	done := p.detachLocked()
	acquired := p.acquired
	p.acquired = false
	p.mu.Unlock()

	if done != nil {
		<-done
	}
	if !acquired {
		return nil
	}
	if err := p.mic.Stop(); err != nil {
		return fmt.Errorf("failed to release microphone: %w", err)
	}
	return nil
}

// Streaming reports whether frames are currently forwarded
func (p *Pipeline) Streaming() bool {
	return p.streaming.Load()
}
