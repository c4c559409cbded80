package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/room4-2/voicelive/capture"
	"github.com/room4-2/voicelive/config"
	"github.com/room4-2/voicelive/live"
	"github.com/room4-2/voicelive/messages"
	"github.com/room4-2/voicelive/metrics"
	"github.com/room4-2/voicelive/pcm"
	"github.com/room4-2/voicelive/playback"
	"github.com/room4-2/voicelive/playback/playbacktest"
	"github.com/room4-2/voicelive/relay"
	"github.com/room4-2/voicelive/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubMic struct{}

func (stubMic) SampleRate() int                              { return pcm.InputSampleRate }
func (stubMic) Start(context.Context, func([]float32)) error { return nil }
func (stubMic) Stop() error                                  { return nil }

type stubChannel struct {
	events chan live.Event

	mu        sync.Mutex
	sent      []live.EncodedChunk
	endAudio  int
	closeOnce sync.Once
}

func newStubChannel() *stubChannel {
	return &stubChannel{events: make(chan live.Event, 16)}
}

func (c *stubChannel) Send(_ context.Context, chunk live.EncodedChunk) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, chunk)
	return nil
}

func (c *stubChannel) EndAudioStream() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endAudio++
	return nil
}

func (c *stubChannel) Events() <-chan live.Event { return c.events }

func (c *stubChannel) Close() error {
	c.closeOnce.Do(func() { close(c.events) })
	return nil
}

func (c *stubChannel) snapshot() ([]live.EncodedChunk, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]live.EncodedChunk(nil), c.sent...), c.endAudio
}

type stubDialer struct {
	mu       sync.Mutex
	channels []*stubChannel
}

func (d *stubDialer) Open(context.Context, live.Config) (live.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch := newStubChannel()
	d.channels = append(d.channels, ch)
	return ch, nil
}

func (d *stubDialer) channel(i int) *stubChannel {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.channels) {
		return nil
	}
	return d.channels[i]
}

func newTestServer(t *testing.T, maxRelay int, tweaks ...func(*config.Config)) (*httptest.Server, *stubDialer, *session.Manager) {
	t.Helper()
	cfg := config.Default()
	cfg.RedisURL = miniredis.RunT(t).Addr()
	cfg.MaxRelaySessions = maxRelay
	for _, tweak := range tweaks {
		tweak(cfg)
	}

	dialer := &stubDialer{}
	m, err := session.NewManager(cfg, dialer, func() (capture.Microphone, playback.Output, error) {
		return stubMic{}, playbacktest.NewOutput(), nil
	})
	require.NoError(t, err)
	m.WithMetrics(metrics.New(prometheus.NewRegistry()))

	srv := httptest.NewServer(NewServer(cfg, m, dialer, WithGatherer(prometheus.NewRegistry())).Handler())
	t.Cleanup(func() {
		srv.Close()
		m.Shutdown()
	})
	return srv, dialer, m
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func sendControl(t *testing.T, conn *websocket.Conn, action string) {
	t.Helper()
	msg, err := messages.NewControlMessage(action)
	require.NoError(t, err)
	data, err := messages.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func readEnvelope(t *testing.T, conn *websocket.Conn) messages.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env messages.Envelope
	require.NoError(t, messages.Decode(data, &env))
	return env
}

// awaitState reads until a state message with want arrives
func awaitState(t *testing.T, conn *websocket.Conn, want string) messages.StatePayload {
	t.Helper()
	for {
		env := readEnvelope(t, conn)
		if env.Type != messages.TypeState {
			continue
		}
		var state messages.StatePayload
		require.NoError(t, env.DecodePayload(&state))
		if state.State == want {
			return state
		}
	}
}

func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer(t, 1)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Status   string `json:"status"`
		Sessions int    `json:"sessions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Zero(t, body.Sessions)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t, 1)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
}

func TestControl_OpenStreamCloseSession(t *testing.T) {
	srv, dialer, m := newTestServer(t, 1)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws"), nil)
	require.NoError(t, err)
	defer conn.Close()

	env := readEnvelope(t, conn)
	assert.Equal(t, messages.TypeStatus, env.Type)
	awaitState(t, conn, "idle")

	sendControl(t, conn, messages.ActionPing)
	env = readEnvelope(t, conn)
	var status messages.StatusPayload
	require.NoError(t, env.DecodePayload(&status))
	assert.Equal(t, messages.StatusPong, status.Status)

	sendControl(t, conn, messages.ActionOpen)
	awaitState(t, conn, "listening")
	assert.Equal(t, 1, m.GetActiveSessionCount())

	ch := dialer.channel(0)
	require.NotNil(t, ch)
	ch.events <- live.InputTranscriptDelta{Text: "which seeds"}
	state := awaitState(t, conn, "listening")
	for state.UserTranscript != "which seeds" {
		state = awaitState(t, conn, "listening")
	}

	ch.events <- live.ChannelError{Message: "network lost"}
	state = awaitState(t, conn, "error")
	assert.Contains(t, state.LastError, "network lost")

	sendControl(t, conn, messages.ActionClose)
	awaitState(t, conn, "closed")
	require.Eventually(t, func() bool { return m.GetActiveSessionCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestControl_DisconnectClosesSession(t *testing.T) {
	srv, _, m := newTestServer(t, 1)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws"), nil)
	require.NoError(t, err)

	sendControl(t, conn, messages.ActionOpen)
	awaitState(t, conn, "listening")
	conn.Close()

	require.Eventually(t, func() bool { return m.GetActiveSessionCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestRelay_EndToEnd(t *testing.T) {
	srv, dialer, _ := newTestServer(t, 1)

	ch, err := relay.NewDialer(wsURL(srv, "/relay")).Open(context.Background(), live.DefaultConfig())
	require.NoError(t, err)
	defer ch.Close()

	upstream := dialer.channel(0)
	require.NotNil(t, upstream)

	frame := pcm.EncodeFloat32([]float32{0.25, -0.25, 0.5})
	require.NoError(t, ch.Send(context.Background(), live.EncodedChunk{Data: frame, MIMEType: pcm.MIMEType(pcm.InputSampleRate)}))
	require.NoError(t, ch.(*relay.Channel).EndAudioStream())
	require.Eventually(t, func() bool {
		sent, ends := upstream.snapshot()
		return len(sent) == 1 && ends == 1
	}, 2*time.Second, 10*time.Millisecond)
	sent, _ := upstream.snapshot()
	assert.Equal(t, frame, sent[0].Data)

	audio := pcm.EncodeTransport(pcm.EncodeFloat32([]float32{0.1}))
	upstream.events <- live.InputTranscriptDelta{Text: "hello"}
	upstream.events <- live.AudioDelta{Data: audio}
	upstream.events <- live.TextDelta{Text: "soch raha hoon"}
	upstream.events <- live.OutputTranscriptDelta{Text: "namaste"}
	upstream.events <- live.TurnComplete{}
	upstream.events <- live.ChannelClosed{}

	var got []live.Event
	timeout := time.After(2 * time.Second)
	for done := false; !done; {
		select {
		case ev, ok := <-ch.Events():
			if !ok {
				done = true
				continue
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatal("relay events did not finish")
		}
	}
	assert.Equal(t, []live.Event{
		live.InputTranscriptDelta{Text: "hello"},
		live.AudioDelta{Data: audio},
		live.TextDelta{Text: "soch raha hoon"},
		live.OutputTranscriptDelta{Text: "namaste"},
		live.TurnComplete{},
		live.ChannelClosed{},
	}, got)
}

func TestRelay_SessionLimit(t *testing.T) {
	srv, _, _ := newTestServer(t, 1)

	first, err := relay.NewDialer(wsURL(srv, "/relay")).Open(context.Background(), live.DefaultConfig())
	require.NoError(t, err)
	defer first.Close()

	_, err = relay.NewDialer(wsURL(srv, "/relay")).Open(context.Background(), live.DefaultConfig())
	require.Error(t, err)
	assert.ErrorIs(t, err, live.ErrOpen)
	assert.Contains(t, err.Error(), "maximum sessions reached")
}

func TestRelay_IdleClientIsDisconnected(t *testing.T) {
	srv, dialer, _ := newTestServer(t, 1, func(cfg *config.Config) {
		cfg.SessionTimeout = 100 * time.Millisecond
	})

	ch, err := relay.NewDialer(wsURL(srv, "/relay")).Open(context.Background(), live.DefaultConfig())
	require.NoError(t, err)
	defer ch.Close()

	var got []live.Event
	timeout := time.After(2 * time.Second)
	for done := false; !done; {
		select {
		case ev, ok := <-ch.Events():
			if !ok {
				done = true
				continue
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatal("idle relay was never closed")
		}
	}
	assert.Equal(t, []live.Event{
		live.ChannelError{Message: "idle timeout"},
		live.ChannelClosed{},
	}, got)

	upstream := dialer.channel(0)
	require.NotNil(t, upstream)
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-upstream.events:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRelay_ActiveClientStaysConnected(t *testing.T) {
	srv, _, _ := newTestServer(t, 1, func(cfg *config.Config) {
		cfg.SessionTimeout = 200 * time.Millisecond
	})

	ch, err := relay.NewDialer(wsURL(srv, "/relay")).Open(context.Background(), live.DefaultConfig())
	require.NoError(t, err)
	defer ch.Close()

	frame := live.EncodedChunk{Data: pcm.EncodeFloat32([]float32{0.1}), MIMEType: pcm.MIMEType(pcm.InputSampleRate)}
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		require.NoError(t, ch.Send(context.Background(), frame))
		select {
		case ev := <-ch.Events():
			t.Fatalf("unexpected event %#v while streaming", ev)
		case <-time.After(20 * time.Millisecond):
		}
	}
}
