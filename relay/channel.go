package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/room4-2/voicelive/live"
	"github.com/room4-2/voicelive/messages"
	"github.com/room4-2/voicelive/pcm"
)

const (
	writeTimeout = 10 * time.Second
	eventBuffer  = 64
	maxReadSize  = 4 * 1024 * 1024
)

// Channel is a live.Channel carried over a relay websocket
type Channel struct {
	conn      *websocket.Conn
	sessionID string
	events    *live.Emitter

	writeMu sync.Mutex
	mu      sync.RWMutex
	closed  bool
	ended   bool
}

var _ live.Channel = (*Channel)(nil)

func newChannel(conn *websocket.Conn, sessionID string) *Channel {
	conn.SetReadLimit(maxReadSize)
	ch := &Channel{
		conn:      conn,
		sessionID: sessionID,
		events:    live.NewEmitter(eventBuffer),
	}
	go ch.receive()
	return ch
}

// SessionID is the relay-side session identifier
func (c *Channel) SessionID() string {
	return c.sessionID
}

func (c *Channel) Events() <-chan live.Event {
	return c.events.Events()
}

func (c *Channel) receive() {
	errMsg := ""
	defer func() {
		c.mu.Lock()
		c.ended = true
		c.mu.Unlock()
		c.events.Finish(errMsg)
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.RLock()
			closed := c.closed
			c.mu.RUnlock()
			if !closed && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				logger.Error("relay read error", "session", shortID(c.sessionID), "error", err)
				errMsg = err.Error()
			}
			return
		}

		var env messages.Envelope
		if err := messages.Decode(data, &env); err != nil {
			logger.Warn("dropping malformed relay message", "session", shortID(c.sessionID), "error", err)
			continue
		}

		ev, done, fatal := c.translate(&env)
		if fatal != "" {
			errMsg = fatal
			return
		}
		if ev != nil && !c.events.Emit(ev) {
			return
		}
		if done {
			return
		}
	}
}

// translate maps a relay message onto an inbound event. done reports a
// clean remote shutdown; fatal carries a terminal error message.
func (c *Channel) translate(env *messages.Envelope) (ev live.Event, done bool, fatal string) {
	switch env.Type {
	case messages.TypeAudio:
		var payload messages.AudioResponsePayload
		if err := env.DecodePayload(&payload); err != nil {
			logger.Warn("dropping audio message", "session", shortID(c.sessionID), "error", err)
			return nil, false, ""
		}
		// transport text is decoded by the session
		return live.AudioDelta{Data: payload.Data}, false, ""

	case messages.TypeText:
		var payload messages.TextResponsePayload
		if err := env.DecodePayload(&payload); err != nil || payload.Text == "" {
			return nil, false, ""
		}
		return live.TextDelta{Text: payload.Text}, false, ""

	case messages.TypeTranscript:
		var payload messages.TranscriptPayload
		if err := env.DecodePayload(&payload); err != nil {
			return nil, false, ""
		}
		if payload.Text == "" {
			return nil, false, ""
		}
		if payload.Role == messages.RoleUser {
			return live.InputTranscriptDelta{Text: payload.Text}, false, ""
		}
		return live.OutputTranscriptDelta{Text: payload.Text}, false, ""

	case messages.TypeStatus:
		var payload messages.StatusPayload
		if err := env.DecodePayload(&payload); err != nil {
			return nil, false, ""
		}
		switch payload.Status {
		case messages.StatusTurnComplete:
			return live.TurnComplete{}, false, ""
		case messages.StatusDisconnected:
			return nil, true, ""
		}
		return nil, false, ""

	case messages.TypeError:
		var payload messages.ErrorPayload
		if err := env.DecodePayload(&payload); err != nil {
			return nil, false, "relay error"
		}
		if payload.Code == messages.ErrCodeInvalidMessage {
			logger.Warn("relay rejected message", "session", shortID(c.sessionID), "message", payload.Message)
			return nil, false, ""
		}
		return nil, false, payload.Message
	}
	return nil, false, ""
}

func (c *Channel) usable() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed || c.ended {
		return live.ErrClosed
	}
	return nil
}

func (c *Channel) write(ctx context.Context, msg any) error {
	data, err := messages.Encode(msg)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Send forwards one frame as an audio message
func (c *Channel) Send(ctx context.Context, chunk live.EncodedChunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.usable(); err != nil {
		return err
	}

	msg, err := messages.NewAudioClientMessage(pcm.EncodeTransport(chunk.Data), chunk.MIMEType)
	if err != nil {
		return err
	}
	if err := c.write(ctx, msg); err != nil {
		return fmt.Errorf("failed to send audio: %w", err)
	}
	return nil
}

// EndAudioStream asks the relay to signal a pause in the microphone stream
func (c *Channel) EndAudioStream() error {
	if err := c.usable(); err != nil {
		return err
	}
	msg, err := messages.NewControlMessage(messages.ActionEndAudio)
	if err != nil {
		return err
	}
	return c.write(context.Background(), msg)
}

// Close sends a close frame and drops the connection
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.events.Stop()

	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	return c.conn.Close()
}
