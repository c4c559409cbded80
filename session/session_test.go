package session

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/room4-2/voicelive/capture"
	"github.com/room4-2/voicelive/live"
	"github.com/room4-2/voicelive/metrics"
	"github.com/room4-2/voicelive/pcm"
	"github.com/room4-2/voicelive/playback/playbacktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

type fakeMic struct {
	startErr error
	gate     chan struct{}
	entered  chan struct{}

	mu     sync.Mutex
	starts int
	stops  int
}

func (m *fakeMic) SampleRate() int { return pcm.InputSampleRate }

func (m *fakeMic) Start(ctx context.Context, _ func([]float32)) error {
	if m.entered != nil {
		close(m.entered)
	}
	if m.gate != nil {
		select {
		case <-m.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if m.startErr != nil {
		return m.startErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.starts++
	return nil
}

func (m *fakeMic) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
	return nil
}

func (m *fakeMic) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.starts, m.stops
}

type fakeChannel struct {
	events chan live.Event

	mu     sync.Mutex
	sent   int
	closes int
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{events: make(chan live.Event, 16)}
}

func (c *fakeChannel) Send(_ context.Context, _ live.EncodedChunk) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent++
	return nil
}

func (c *fakeChannel) Events() <-chan live.Event { return c.events }

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

func (c *fakeChannel) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent, c.closes
}

type fakeDialer struct {
	channel *fakeChannel
	err     error
	opens   int
	cfg     live.Config
}

func (d *fakeDialer) Open(ctx context.Context, cfg live.Config) (live.Channel, error) {
	d.opens++
	d.cfg = cfg
	if d.err != nil {
		return nil, d.err
	}
	return d.channel, nil
}

type harness struct {
	session *Session
	mic     *fakeMic
	channel *fakeChannel
	dialer  *fakeDialer
	out     *playbacktest.Output
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		mic:     &fakeMic{},
		channel: newFakeChannel(),
		out:     playbacktest.NewOutput(),
	}
	h.dialer = &fakeDialer{channel: h.channel}
	opts = append([]Option{WithMetrics(metrics.New(prometheus.NewRegistry()))}, opts...)
	h.session = New(h.dialer, h.mic, h.out, opts...)
	t.Cleanup(func() { _ = h.session.Close() })
	return h
}

func (h *harness) open(t *testing.T) {
	t.Helper()
	require.NoError(t, h.session.Open(context.Background()))
	require.Equal(t, Listening, h.session.State())
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.session.State() == want }, waitFor, tick,
		"state never became %s, last %s", want, h.session.State())
}

// audioDelta builds a transport-encoded delta of d at the output rate
func audioDelta(d time.Duration) live.AudioDelta {
	n := int(d.Seconds() * pcm.OutputSampleRate)
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = float32(0.25 * math.Sin(float64(i)/8))
	}
	return live.AudioDelta{Data: pcm.EncodeTransport(pcm.EncodeFloat32(samples))}
}

func TestSession_HappyPath(t *testing.T) {
	h := newHarness(t)
	h.open(t)

	h.channel.events <- live.InputTranscriptDelta{Text: "hel"}
	h.channel.events <- live.InputTranscriptDelta{Text: "lo"}
	h.channel.events <- audioDelta(500 * time.Millisecond)
	h.channel.events <- live.OutputTranscriptDelta{Text: "hi "}
	h.channel.events <- live.OutputTranscriptDelta{Text: "there"}
	h.waitState(t, Speaking)

	require.Eventually(t, func() bool {
		snap := h.session.Snapshot()
		return snap.UserTranscript == "hello" && snap.ModelTranscript == "hi there"
	}, waitFor, tick)

	voices := h.out.Voices()
	require.Len(t, voices, 1)
	assert.Equal(t, 12000, voices[0].Samples)
	assert.Equal(t, 500*time.Millisecond, voices[0].Duration)

	h.out.Advance(499 * time.Millisecond)
	assert.Never(t, func() bool { return h.session.State() != Speaking }, 50*time.Millisecond, tick)

	h.out.Advance(time.Millisecond)
	h.waitState(t, Listening)

	h.channel.events <- live.TurnComplete{}
	require.Eventually(t, func() bool {
		snap := h.session.Snapshot()
		return snap.UserTranscript == "" && snap.ModelTranscript == ""
	}, waitFor, tick)
	assert.Equal(t, Listening, h.session.State())
}

func TestSession_SendsConfiguredChannel(t *testing.T) {
	cfg := live.DefaultConfig()
	cfg.SystemPrompt = "be brief"
	h := newHarness(t, WithConfig(cfg))
	h.open(t)

	assert.Equal(t, 1, h.dialer.opens)
	assert.Equal(t, "be brief", h.dialer.cfg.SystemPrompt)
	assert.Equal(t, live.ModalityAudio, h.dialer.cfg.ResponseModality)
	assert.True(t, h.dialer.cfg.InputTranscription)
	assert.True(t, h.dialer.cfg.OutputTranscription)
}

func TestSession_PermissionDenied(t *testing.T) {
	h := newHarness(t)
	h.mic.startErr = errors.New("NotAllowedError")

	err := h.session.Open(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, capture.ErrPermission)

	snap := h.session.Snapshot()
	assert.Equal(t, Error, snap.State)
	assert.Contains(t, snap.LastError, "permission")

	sent, _ := h.channel.counts()
	assert.Zero(t, sent)
	assert.False(t, h.session.pipeline.Streaming())
}

func TestSession_ChannelOpenFailure(t *testing.T) {
	h := newHarness(t)
	h.dialer.err = errors.New("dial tcp: connection refused")

	err := h.session.Open(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, live.ErrOpen)

	snap := h.session.Snapshot()
	assert.Equal(t, Error, snap.State)
	assert.Contains(t, snap.LastError, "connection refused")

	// the microphone is held until Close
	require.NoError(t, h.session.Close())
	starts, stops := h.mic.counts()
	assert.Equal(t, starts, stops)
}

func TestSession_OpenTwice(t *testing.T) {
	h := newHarness(t)
	h.open(t)
	assert.ErrorIs(t, h.session.Open(context.Background()), ErrAlreadyOpen)

	require.NoError(t, h.session.Close())
	assert.ErrorIs(t, h.session.Open(context.Background()), ErrClosed)
}

func TestSession_MidSessionChannelError(t *testing.T) {
	h := newHarness(t)
	h.open(t)

	h.channel.events <- audioDelta(200 * time.Millisecond)
	h.channel.events <- audioDelta(200 * time.Millisecond)
	require.Eventually(t, func() bool { return h.session.ActivePlayback() == 2 }, waitFor, tick)
	assert.Equal(t, Speaking, h.session.State())

	h.channel.events <- live.ChannelError{Message: "network lost"}
	h.waitState(t, Error)
	assert.Contains(t, h.session.Snapshot().LastError, "network lost")

	voices := h.out.Voices()
	require.Len(t, voices, 2)
	for _, v := range voices {
		assert.True(t, v.Stopped())
	}
	assert.Zero(t, h.session.ActivePlayback())
	assert.False(t, h.session.pipeline.Streaming())

	h.channel.events <- audioDelta(200 * time.Millisecond)
	h.channel.events <- live.InputTranscriptDelta{Text: "late"}
	assert.Never(t, func() bool { return len(h.out.Voices()) != 2 }, 50*time.Millisecond, tick)
	assert.Empty(t, h.session.Snapshot().UserTranscript)
}

func TestSession_RemoteCloseWhileActive(t *testing.T) {
	h := newHarness(t)
	h.open(t)

	h.channel.events <- live.ChannelClosed{}
	close(h.channel.events)
	h.waitState(t, Error)
	assert.Equal(t, msgRemoteClosed, h.session.Snapshot().LastError)
}

func TestSession_DecodeErrorsEscalate(t *testing.T) {
	h := newHarness(t, WithDecodeErrorLimit(3))
	h.open(t)

	h.channel.events <- live.AudioDelta{Data: "!!not base64"}
	h.channel.events <- live.AudioDelta{Data: "@@"}
	h.channel.events <- audioDelta(10 * time.Millisecond)
	h.channel.events <- live.AudioDelta{Data: "%%"}
	h.channel.events <- live.AudioDelta{Data: "%%"}
	require.Eventually(t, func() bool { return len(h.out.Voices()) == 1 }, waitFor, tick)
	assert.NotEqual(t, Error, h.session.State())

	h.channel.events <- live.AudioDelta{Data: "%%"}
	h.waitState(t, Error)
	assert.Equal(t, msgDecodeFailed, h.session.Snapshot().LastError)
}

func TestSession_TranscriptUpdatesAreAtomic(t *testing.T) {
	h := newHarness(t)
	h.open(t)

	updates, cancel := h.session.Subscribe()
	defer cancel()

	done := make(chan struct{})
	var torn []string
	go func() {
		defer close(done)
		for {
			select {
			case <-updates:
				snap := h.session.Snapshot()
				for i := 0; i < len(snap.UserTranscript); i += 3 {
					if snap.UserTranscript[i:min(i+3, len(snap.UserTranscript))] != "abc" {
						torn = append(torn, snap.UserTranscript)
						break
					}
				}
				if len(snap.UserTranscript) == 300 {
					return
				}
			case <-time.After(waitFor):
				return
			}
		}
	}()

	for i := 0; i < 100; i++ {
		h.channel.events <- live.InputTranscriptDelta{Text: "abc"}
	}
	<-done
	assert.Empty(t, torn)
	assert.Len(t, h.session.Snapshot().UserTranscript, 300)
}

func TestSession_TurnCompleteClearsBothTranscripts(t *testing.T) {
	const turns, deltas = 20, 5

	h := newHarness(t)
	h.open(t)

	updates, cancel := h.session.Subscribe()
	defer cancel()

	// Each turn sends an input delta before its output delta, so a
	// consistent snapshot never holds more model text than user text.
	stop := make(chan struct{})
	done := make(chan struct{})
	var bad []Snapshot
	go func() {
		defer close(done)
		for {
			select {
			case <-updates:
				snap := h.session.Snapshot()
				if len(snap.ModelTranscript) > len(snap.UserTranscript) ||
					len(snap.UserTranscript) > 2*deltas {
					bad = append(bad, snap)
				}
			case <-stop:
				return
			}
		}
	}()

	wantUser := strings.Repeat("ab", deltas)
	wantModel := strings.Repeat("xy", deltas)
	for turn := 0; turn < turns; turn++ {
		for i := 0; i < deltas; i++ {
			h.channel.events <- live.InputTranscriptDelta{Text: "ab"}
			h.channel.events <- live.OutputTranscriptDelta{Text: "xy"}
		}
		require.Eventually(t, func() bool {
			snap := h.session.Snapshot()
			return snap.UserTranscript == wantUser && snap.ModelTranscript == wantModel
		}, waitFor, tick, "turn %d transcripts incomplete", turn)

		h.channel.events <- live.TurnComplete{}
		require.Eventually(t, func() bool {
			snap := h.session.Snapshot()
			return snap.UserTranscript == "" && snap.ModelTranscript == ""
		}, waitFor, tick, "turn %d transcripts not cleared", turn)
	}

	close(stop)
	<-done
	assert.Empty(t, bad)
	assert.Equal(t, Listening, h.session.State())
}

func TestSession_CloseFromEveryState(t *testing.T) {
	setups := map[State]func(t *testing.T, h *harness){
		Idle: func(t *testing.T, h *harness) {},
		Listening: func(t *testing.T, h *harness) {
			h.open(t)
		},
		Speaking: func(t *testing.T, h *harness) {
			h.open(t)
			h.channel.events <- audioDelta(100 * time.Millisecond)
			h.waitState(t, Speaking)
		},
		Error: func(t *testing.T, h *harness) {
			h.open(t)
			h.channel.events <- live.ChannelError{Message: "boom"}
			h.waitState(t, Error)
		},
	}

	for state, setup := range setups {
		t.Run(state.String(), func(t *testing.T) {
			h := newHarness(t)
			setup(t, h)

			require.NoError(t, h.session.Close())
			require.NoError(t, h.session.Close())
			assert.Equal(t, Closed, h.session.State())

			starts, stops := h.mic.counts()
			assert.Equal(t, starts, stops)
			assert.LessOrEqual(t, stops, 1)
			_, closes := h.channel.counts()
			assert.Equal(t, starts, closes)
			assert.Equal(t, 1, h.out.Closes())
		})
	}
}

func TestSession_CloseDuringInitializing(t *testing.T) {
	h := newHarness(t)
	h.mic.gate = make(chan struct{})
	h.mic.entered = make(chan struct{})

	result := make(chan error, 1)
	go func() { result <- h.session.Open(context.Background()) }()

	<-h.mic.entered
	assert.Equal(t, Initializing, h.session.State())
	require.NoError(t, h.session.Close())

	select {
	case err := <-result:
		assert.Error(t, err)
	case <-time.After(waitFor):
		t.Fatal("Open did not return after Close")
	}

	assert.Equal(t, Closed, h.session.State())
	starts, stops := h.mic.counts()
	assert.Equal(t, starts, stops)
	sent, _ := h.channel.counts()
	assert.Zero(t, sent)
}

func TestSession_SubscribeSignalsStateChanges(t *testing.T) {
	h := newHarness(t)
	updates, cancel := h.session.Subscribe()
	defer cancel()

	h.open(t)
	select {
	case <-updates:
	case <-time.After(waitFor):
		t.Fatal("no update after open")
	}
	assert.Equal(t, Listening, h.session.Snapshot().State)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "initializing", Initializing.String())
	assert.Equal(t, "listening", Listening.String())
	assert.Equal(t, "speaking", Speaking.String())
	assert.Equal(t, "error", Error.String())
	assert.Equal(t, "closed", Closed.String())
}
