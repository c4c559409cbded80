// Package session drives one voice conversation: it wires the capture
// pipeline and the playback scheduler to a remote channel and publishes
// the resulting state and transcripts.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/room4-2/voicelive/capture"
	"github.com/room4-2/voicelive/live"
	"github.com/room4-2/voicelive/metrics"
	"github.com/room4-2/voicelive/pcm"
	"github.com/room4-2/voicelive/playback"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// DefaultDecodeErrorLimit is the number of consecutive malformed audio
// deltas tolerated before the session fails
const DefaultDecodeErrorLimit = 5

var (
	ErrClosed      = errors.New("session closed")
	ErrAlreadyOpen = errors.New("session already opened")
)

const (
	msgRemoteClosed = "connection closed by remote"
	msgDecodeFailed = "repeated audio decode failures"
	endedBuffer     = 64
)

type Option func(*Session)

func WithID(id string) Option {
	return func(s *Session) { s.ID = id }
}

// WithConfig sets the remote channel configuration
func WithConfig(cfg live.Config) Option {
	return func(s *Session) { s.cfg = cfg }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) {
		if m != nil {
			s.metrics = m
		}
	}
}

func WithDecodeErrorLimit(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.decodeErrorLimit = n
		}
	}
}

// WithCaptureOptions tunes the capture pipeline
func WithCaptureOptions(opts ...capture.Option) Option {
	return func(s *Session) { s.captureOpts = append(s.captureOpts, opts...) }
}

// Session owns one microphone, one output and at most one remote channel.
// All inbound events and playback completions are handled by a single
// loop goroutine.
type Session struct {
	ID string

	dialer           live.Dialer
	cfg              live.Config
	out              playback.Output
	pipeline         *capture.Pipeline
	scheduler        *playback.Scheduler
	metrics          *metrics.Metrics
	decodeErrorLimit int
	captureOpts      []capture.Option

	ended     chan uint64
	done      chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc

	mu              sync.Mutex
	state           State
	userTranscript  string
	modelTranscript string
	lastError       string
	decodeErrors    int
	channel         live.Channel
	cancelOpen      context.CancelFunc
	loopDone        chan struct{}
	createdAt       time.Time
	lastActivity    time.Time
	subscribers     map[int]chan struct{}
	nextSubscriber  int
}

// New builds an idle session. Nothing is acquired until Open.
func New(dialer live.Dialer, mic capture.Microphone, out playback.Output, opts ...Option) *Session {
	now := time.Now()
	s := &Session{
		ID:               uuid.New().String(),
		dialer:           dialer,
		cfg:              live.DefaultConfig(),
		out:              out,
		metrics:          metrics.Default,
		decodeErrorLimit: DefaultDecodeErrorLimit,
		ended:            make(chan uint64, endedBuffer),
		done:             make(chan struct{}),
		createdAt:        now,
		lastActivity:     now,
		subscribers:      make(map[int]chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.runCtx, s.runCancel = context.WithCancel(context.Background())
	s.pipeline = capture.NewPipeline(mic, append([]capture.Option{capture.WithMetrics(s.metrics)}, s.captureOpts...)...)
	s.scheduler = playback.NewScheduler(out, pcm.OutputSampleRate, s.onPlaybackEnded).WithMetrics(s.metrics)
	return s
}

func (s *Session) short() string {
	if len(s.ID) > 8 {
		return s.ID[:8]
	}
	return s.ID
}

// Open acquires the microphone and the remote channel concurrently and
// starts streaming once both are ready. On failure the session moves to
// Error and the error is returned. Open can only be called once.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case Idle:
	case Closed:
		s.mu.Unlock()
		return ErrClosed
	default:
		s.mu.Unlock()
		return ErrAlreadyOpen
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancelOpen = cancel
	s.touchLocked()
	s.setStateLocked(Initializing)
	s.mu.Unlock()
	defer cancel()

	ctx, span := tracer.Start(ctx, "open voice session",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("session.id", s.ID),
			attribute.String("session.model", s.cfg.Model),
		),
	)
	defer span.End()

	var ch live.Channel
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.pipeline.Acquire(gctx)
	})
	g.Go(func() error {
		c, err := s.dialer.Open(gctx, s.cfg)
		if err != nil {
			if !errors.Is(err, live.ErrOpen) {
				err = fmt.Errorf("%w: %w", live.ErrOpen, err)
			}
			return err
		}
		ch = c
		return nil
	})
	err := g.Wait()

	s.mu.Lock()
	if s.state == Closed {
		// closed while acquiring: results are discarded
		s.mu.Unlock()
		if ch != nil {
			_ = ch.Close()
		}
		_ = s.pipeline.Stop()
		span.SetStatus(codes.Error, ErrClosed.Error())
		return ErrClosed
	}

	if err != nil {
		msg, cause := describeOpenError(err)
		s.metrics.OpenFailures.WithLabelValues(cause).Inc()
		s.failLocked(msg)
		s.mu.Unlock()
		if ch != nil {
			_ = ch.Close()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, msg)
		logger.Error("failed to open session", "session", s.short(), "error", err)
		return err
	}

	if err := s.pipeline.Stream(s.runCtx, ch); err != nil {
		s.failLocked(err.Error())
		s.mu.Unlock()
		_ = ch.Close()
		return err
	}
	s.channel = ch
	s.loopDone = make(chan struct{})
	go s.run(ch, s.loopDone)
	s.setStateLocked(Listening)
	s.mu.Unlock()

	logger.Info("session open", "session", s.short(), "model", s.cfg.Model)
	return nil
}

func describeOpenError(err error) (msg, cause string) {
	if errors.Is(err, capture.ErrPermission) {
		return err.Error(), "permission"
	}
	if errors.Is(err, capture.ErrStopped) {
		return err.Error(), "stopped"
	}
	return "connection error: " + err.Error(), "channel"
}

func (s *Session) run(ch live.Channel, done chan struct{}) {
	defer close(done)

	events := ch.Events()
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.safely(func() { s.handleEvent(ev) })
		case id := <-s.ended:
			s.safely(func() { s.handlePlaybackEnded(id) })
		}
	}
}

// safely keeps a handler panic from taking down the host
func (s *Session) safely(f func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("session handler panicked", "session", s.short(), "panic", fmt.Sprint(r))
			s.mu.Lock()
			s.failLocked(fmt.Sprintf("internal error: %v", r))
			s.mu.Unlock()
		}
	}()
	f()
}

func (s *Session) handleEvent(ev live.Event) {
	switch e := ev.(type) {
	case live.InputTranscriptDelta:
		s.appendTranscript(&s.userTranscript, e.Text)
	case live.OutputTranscriptDelta:
		s.appendTranscript(&s.modelTranscript, e.Text)
	case live.AudioDelta:
		s.handleAudio(e.Data)
	case live.TextDelta:
		logger.Debug("ignoring model text", "session", s.short(), "chars", len(e.Text))
	case live.TurnComplete:
		s.mu.Lock()
		if s.state.active() {
			s.userTranscript = ""
			s.modelTranscript = ""
			s.touchLocked()
			s.notifyLocked()
		}
		s.mu.Unlock()
	case live.ChannelError:
		s.mu.Lock()
		s.failLocked("connection error: " + e.Message)
		s.mu.Unlock()
	case live.ChannelClosed:
		s.mu.Lock()
		if s.state.active() {
			s.failLocked(msgRemoteClosed)
		}
		s.mu.Unlock()
	}
}

func (s *Session) appendTranscript(buf *string, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.active() || text == "" {
		return
	}
	*buf += text
	s.touchLocked()
	s.notifyLocked()
}

func (s *Session) handleAudio(data string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.active() {
		return
	}
	s.touchLocked()

	raw, err := pcm.DecodeTransport(data)
	if err != nil {
		s.decodeErrors++
		s.metrics.DecodeErrors.Inc()
		logger.Warn("dropping malformed audio delta", "session", s.short(), "consecutive", s.decodeErrors, "error", err)
		if s.decodeErrors >= s.decodeErrorLimit {
			s.failLocked(msgDecodeFailed)
		}
		return
	}
	s.decodeErrors = 0

	samples := pcm.DecodeMono(raw)
	if len(samples) == 0 {
		return
	}
	if _, err := s.scheduler.Schedule(samples); err != nil {
		logger.Warn("failed to schedule audio", "session", s.short(), "error", err)
		return
	}
	if s.state == Listening {
		s.setStateLocked(Speaking)
	}
}

func (s *Session) onPlaybackEnded(id uint64) {
	select {
	case s.ended <- id:
	case <-s.done:
	}
}

func (s *Session) handlePlaybackEnded(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scheduler.Complete(id) && s.state == Speaking {
		s.setStateLocked(Listening)
	}
}

// failLocked moves to Error, stops forwarding capture and silences
// playback. Devices and the channel stay held until Close.
func (s *Session) failLocked(msg string) {
	if s.state == Error || s.state == Closed {
		return
	}
	s.lastError = msg
	s.setStateLocked(Error)
	s.pipeline.Detach()
	s.scheduler.Cancel()
	logger.Warn("session failed", "session", s.short(), "error", msg)
}

// Close releases capture, playback and the channel. It is safe from any
// state, including while Open is in flight, and only releases once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return nil
	}
	s.setStateLocked(Closed)
	ch := s.channel
	s.channel = nil
	cancelOpen := s.cancelOpen
	loopDone := s.loopDone
	close(s.done)
	s.scheduler.Cancel()
	s.mu.Unlock()

	s.runCancel()
	if cancelOpen != nil {
		cancelOpen()
	}

	var errs []error
	if ch != nil {
		if err := ch.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close channel: %w", err))
		}
	}
	if err := s.pipeline.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := s.out.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close output: %w", err))
	}
	if loopDone != nil {
		<-loopDone
	}

	logger.Info("session closed", "session", s.short())
	return errors.Join(errs...)
}

// Snapshot returns the current observable state
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:              s.ID,
		State:           s.state,
		UserTranscript:  s.userTranscript,
		ModelTranscript: s.modelTranscript,
		LastError:       s.lastError,
		CreatedAt:       s.createdAt,
		LastActivity:    s.lastActivity,
	}
}

// State returns the current lifecycle state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastActivity is the time of the last command or inbound event
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// ActivePlayback returns the number of scheduled buffers still playing
func (s *Session) ActivePlayback() int {
	return s.scheduler.Active()
}

// Subscribe returns a signal that fires after observable state changes.
// Signals coalesce; read Snapshot after each one.
func (s *Session) Subscribe() (<-chan struct{}, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSubscriber
	s.nextSubscriber++
	ch := make(chan struct{}, 1)
	s.subscribers[id] = ch

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subscribers, id)
	}
}

func (s *Session) notifyLocked() {
	for _, ch := range s.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (s *Session) touchLocked() {
	s.lastActivity = time.Now()
}

func (s *Session) setStateLocked(state State) {
	if s.state == state {
		return
	}
	logger.Info("session state changed", "session", s.short(), "from", s.state.String(), "to", state.String())
	s.state = state
	s.metrics.StateTransitions.WithLabelValues(state.String()).Inc()
	s.notifyLocked()
}
