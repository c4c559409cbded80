package server

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/room4-2/voicelive/messages"
	"github.com/room4-2/voicelive/session"
)

// controlConn binds one UI connection to at most one voice session
type controlConn struct {
	*clientConn
	server *Server

	mu      sync.Mutex
	session *session.Session
	stop    func()
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	// Upgrade HTTP to WebSocket
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	cc := &controlConn{
		clientConn: newClientConn(uuid.New().String(), conn),
		server:     s,
	}
	logger.Info("control client connected", "conn", cc.short())

	cc.queueMessage(messages.NewStatusMessage("", messages.StatusConnected, "Control channel established"))
	cc.queueMessage(messages.NewStateMessage("", messages.StatePayload{State: session.Idle.String()}))

	cc.readLoop()

	cc.closeSession()
	cc.Close()
	logger.Info("control client disconnected", "conn", cc.short())
}

func (cc *controlConn) readLoop() {
	for {
		msg, err := cc.readMessage()
		if err != nil {
			return
		}
		if msg == nil {
			continue
		}

		if msg.Type != messages.TypeControl {
			cc.queueMessage(messages.NewErrorMessage("", messages.ErrCodeInvalidMessage, "unsupported message type: "+msg.Type))
			continue
		}

		var control messages.ControlPayload
		if err := msg.DecodePayload(&control); err != nil {
			cc.queueMessage(messages.NewErrorMessage("", messages.ErrCodeInvalidMessage, "invalid control payload"))
			continue
		}

		switch control.Action {
		case messages.ActionOpen:
			cc.openSession()
		case messages.ActionClose:
			cc.closeSession()
		case messages.ActionPing:
			cc.queueMessage(messages.NewStatusMessage("", messages.StatusPong, ""))
		default:
			cc.queueMessage(messages.NewErrorMessage("", messages.ErrCodeInvalidMessage, "unknown action: "+control.Action))
		}
	}
}

// openSession creates a session and opens it in the background so a close
// can arrive while it is still initializing
func (cc *controlConn) openSession() {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	if cc.session != nil {
		state := cc.session.State()
		if state != session.Closed && state != session.Error {
			cc.queueMessage(messages.NewErrorMessage(cc.session.ID, messages.ErrCodeInvalidMessage, "session already open"))
			return
		}
		// a failed session must be recreated
		cc.releaseLocked()
	}

	sess, err := cc.server.sessionManager.CreateSession(context.Background())
	if err != nil {
		logger.Warn("failed to create session", "conn", cc.short(), "error", err)
		cc.queueMessage(messages.NewErrorMessage("", messages.ErrCodeSessionFailed, err.Error()))
		return
	}

	updates, cancel := sess.Subscribe()
	done := make(chan struct{})
	cc.session = sess
	cc.stop = func() {
		cancel()
		close(done)
	}
	go cc.forwardState(sess, updates, done)

	go func() {
		if err := sess.Open(context.Background()); err != nil && !errors.Is(err, session.ErrClosed) {
			logger.Warn("session open failed", "session", sess.ID[:8], "error", err)
		}
	}()
}

// forwardState pushes a state message for every observed change
func (cc *controlConn) forwardState(sess *session.Session, updates <-chan struct{}, done <-chan struct{}) {
	last := messages.StatePayload{}
	final := false
	for {
		snap := sess.Snapshot()
		payload := statePayload(snap)
		if payload != last {
			cc.queueMessage(messages.NewStateMessage(sess.ID, payload))
			last = payload
		}
		if final || snap.State == session.Closed {
			return
		}

		select {
		case <-updates:
		case <-done:
			final = true
		case <-cc.closeChan:
			return
		}
	}
}

func statePayload(snap session.Snapshot) messages.StatePayload {
	return messages.StatePayload{
		State:           snap.State.String(),
		UserTranscript:  snap.UserTranscript,
		ModelTranscript: snap.ModelTranscript,
		LastError:       snap.LastError,
	}
}

func (cc *controlConn) closeSession() {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.releaseLocked()
}

func (cc *controlConn) releaseLocked() {
	if cc.session == nil {
		return
	}
	sess := cc.session
	cc.session = nil

	if err := cc.server.sessionManager.RemoveSession(context.Background(), sess.ID); err != nil {
		logger.Warn("failed to close session", "session", sess.ID[:8], "error", err)
	}
	cc.stop()
	cc.stop = nil
}
