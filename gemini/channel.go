package gemini

import (
	"context"
	"fmt"
	"sync"

	"github.com/room4-2/voicelive/live"
	"github.com/room4-2/voicelive/pcm"
	"google.golang.org/genai"
)

const eventBuffer = 64

// liveSession is the part of *genai.Session a channel uses
type liveSession interface {
	Receive() (*genai.LiveServerMessage, error)
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	SendClientContent(input genai.LiveSendClientContentParameters) error
	Close() error
}

// Channel is an open Gemini Live session exposed as a live.Channel
type Channel struct {
	session liveSession
	events  *live.Emitter

	mu     sync.RWMutex
	closed bool
	ended  bool
}

var _ live.Channel = (*Channel)(nil)

func newChannel(session liveSession) *Channel {
	ch := &Channel{
		session: session,
		events:  live.NewEmitter(eventBuffer),
	}
	go ch.receive()
	return ch
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
		resp, err := c.session.Receive()
		if err != nil {
			c.mu.RLock()
			closed := c.closed
			c.mu.RUnlock()

			if !closed {
				logger.Error("gemini receive error", "error", err)
				errMsg = err.Error()
			}
			return
		}

		for _, ev := range translate(resp) {
			if !c.events.Emit(ev) {
				return
			}
		}
	}
}

// translate maps one server message onto inbound events
func translate(resp *genai.LiveServerMessage) []live.Event {
	if resp == nil {
		return nil
	}
	if resp.GoAway != nil {
		logger.Warn("gemini requested disconnect")
	}

	sc := resp.ServerContent
	if sc == nil {
		return nil
	}

	var events []live.Event
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		events = append(events, live.InputTranscriptDelta{Text: sc.InputTranscription.Text})
	}
	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part == nil {
				continue
			}
			if part.InlineData != nil && len(part.InlineData.Data) > 0 {
				// SDK provides raw bytes in InlineData.Data
				events = append(events, live.AudioDelta{Data: pcm.EncodeTransport(part.InlineData.Data)})
			} else if part.Text != "" {
				events = append(events, live.TextDelta{Text: part.Text})
			}
		}
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		events = append(events, live.OutputTranscriptDelta{Text: sc.OutputTranscription.Text})
	}
	if sc.Interrupted {
		logger.Debug("model turn interrupted")
	}
	if sc.TurnComplete {
		events = append(events, live.TurnComplete{})
	}
	return events
}

func (c *Channel) usable() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed || c.ended {
		return live.ErrClosed
	}
	return nil
}

// Send forwards one audio frame as realtime input
func (c *Channel) Send(ctx context.Context, chunk live.EncodedChunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.usable(); err != nil {
		return err
	}

	mimeType := chunk.MIMEType
	if mimeType == "" {
		mimeType = pcm.MIMEType(pcm.InputSampleRate)
	}
	err := c.session.SendRealtimeInput(genai.LiveRealtimeInput{
		Media: &genai.Blob{
			MIMEType: mimeType,
			Data:     chunk.Data,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to send audio: %w", err)
	}
	return nil
}

// EndAudioStream tells the model the microphone stream has paused so it
// can respond without waiting for trailing silence
func (c *Channel) EndAudioStream() error {
	if err := c.usable(); err != nil {
		return err
	}
	if err := c.session.SendRealtimeInput(genai.LiveRealtimeInput{AudioStreamEnd: true}); err != nil {
		return fmt.Errorf("failed to send audio stream end: %w", err)
	}
	return nil
}

// SendText sends a complete user turn as text (useful for testing)
func (c *Channel) SendText(text string) error {
	if err := c.usable(); err != nil {
		return err
	}

	turnComplete := true
	err := c.session.SendClientContent(genai.LiveSendClientContentParameters{
		Turns: []*genai.Content{
			{
				Role:  "user",
				Parts: []*genai.Part{{Text: text}},
			},
		},
		TurnComplete: &turnComplete,
	})
	if err != nil {
		return fmt.Errorf("failed to send text: %w", err)
	}
	return nil
}

// Close terminates the Live session
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.events.Stop()
	return c.session.Close()
}
