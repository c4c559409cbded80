package server

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/room4-2/voicelive/live"
	"github.com/room4-2/voicelive/messages"
	"github.com/room4-2/voicelive/pcm"
	"github.com/room4-2/voicelive/session"
)

// audioStreamEnder is implemented by channels that can mark a pause in
// the outbound microphone stream
type audioStreamEnder interface {
	EndAudioStream() error
}

// handleRelay bridges one remote client to its own model channel. Audio
// and transcripts pass through untouched; the engine runs client side.
func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	rc := newClientConn(uuid.New().String(), conn)
	defer rc.Close()

	if n := s.relaySessions.Add(1); int(n) > s.config.MaxRelaySessions {
		s.relaySessions.Add(-1)
		rc.queueMessage(messages.NewErrorMessage("", messages.ErrCodeSessionFailed, session.ErrMaxSessions.Error()))
		return
	}
	defer s.relaySessions.Add(-1)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch, err := s.dialer.Open(ctx, session.ChannelConfig(s.config))
	if err != nil {
		logger.Warn("failed to open relay channel", "error", err)
		rc.queueMessage(messages.NewErrorMessage("", messages.ErrCodeSessionFailed, err.Error()))
		return
	}
	defer ch.Close()

	logger.Info("relay session opened", "session", rc.short())
	rc.queueMessage(messages.NewStatusMessage(rc.id, messages.StatusConnected, "Session established"))

	go rc.expireIdle(ctx, s.config.SessionTimeout)

	eventsDone := make(chan struct{})
	go func() {
		defer close(eventsDone)
		if rc.forwardEvents(ch) {
			// upstream ended: unblock the read loop
			rc.Close()
		}
	}()

	rc.relayClientMessages(ctx, ch)
	ch.Close()
	<-eventsDone
	logger.Info("relay session closed", "session", rc.short())
}

// forwardEvents copies channel events to the client and reports whether
// the upstream ended on its own
func (rc *clientConn) forwardEvents(ch live.Channel) bool {
	for ev := range ch.Events() {
		switch e := ev.(type) {
		case live.InputTranscriptDelta:
			rc.queueMessage(messages.NewTranscriptMessage(rc.id, messages.RoleUser, e.Text))
		case live.OutputTranscriptDelta:
			rc.queueMessage(messages.NewTranscriptMessage(rc.id, messages.RoleModel, e.Text))
		case live.AudioDelta:
			rc.queueMessage(messages.NewAudioMessage(rc.id, e.Data))
		case live.TextDelta:
			rc.queueMessage(messages.NewTextMessage(rc.id, e.Text))
		case live.TurnComplete:
			rc.queueMessage(messages.NewStatusMessage(rc.id, messages.StatusTurnComplete, ""))
		case live.ChannelError:
			logger.Warn("relay channel error", "session", rc.short(), "error", e.Message)
			rc.queueMessage(messages.NewErrorMessage(rc.id, messages.ErrCodeChannelError, e.Message))
		case live.ChannelClosed:
			rc.queueMessage(messages.NewStatusMessage(rc.id, messages.StatusDisconnected, ""))
		}
	}
	return !rc.closed()
}

func (rc *clientConn) relayClientMessages(ctx context.Context, ch live.Channel) {
	mimeType := pcm.MIMEType(pcm.InputSampleRate)
	for {
		msg, err := rc.readMessage()
		if err != nil {
			return
		}
		if msg == nil {
			continue
		}

		switch msg.Type {
		case messages.TypeAudio:
			var audio messages.AudioPayload
			if err := msg.DecodePayload(&audio); err != nil {
				rc.queueMessage(messages.NewErrorMessage(rc.id, messages.ErrCodeInvalidMessage, "invalid audio payload"))
				continue
			}
			data, err := pcm.DecodeTransport(audio.Data)
			if err != nil {
				rc.queueMessage(messages.NewErrorMessage(rc.id, messages.ErrCodeDecodeFailed, err.Error()))
				continue
			}
			chunk := live.EncodedChunk{Data: data, MIMEType: audio.MimeType}
			if chunk.MIMEType == "" {
				chunk.MIMEType = mimeType
			}
			if err := ch.Send(ctx, chunk); err != nil {
				logger.Warn("failed to relay audio", "session", rc.short(), "error", err)
				return
			}

		case messages.TypeControl:
			var control messages.ControlPayload
			if err := msg.DecodePayload(&control); err != nil {
				rc.queueMessage(messages.NewErrorMessage(rc.id, messages.ErrCodeInvalidMessage, "invalid control payload"))
				continue
			}
			switch control.Action {
			case messages.ActionPing:
				rc.queueMessage(messages.NewStatusMessage(rc.id, messages.StatusPong, ""))
			case messages.ActionEndAudio:
				if ender, ok := ch.(audioStreamEnder); ok {
					if err := ender.EndAudioStream(); err != nil {
						logger.Warn("failed to end audio stream", "session", rc.short(), "error", err)
					}
				}
			case messages.ActionClose:
				return
			default:
				rc.queueMessage(messages.NewErrorMessage(rc.id, messages.ErrCodeInvalidMessage, "unknown action: "+control.Action))
			}

		default:
			rc.queueMessage(messages.NewErrorMessage(rc.id, messages.ErrCodeInvalidMessage, "unsupported message type: "+msg.Type))
		}
	}
}
