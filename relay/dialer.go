// Package relay implements live.Dialer over a websocket relay that holds
// the model credentials server side.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/room4-2/voicelive/live"
	"github.com/room4-2/voicelive/messages"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const handshakeTimeout = 15 * time.Second

// Dialer connects to a relay endpoint such as ws://host:8080/relay
type Dialer struct {
	URL    string
	Header http.Header

	ws *websocket.Dialer
}

var _ live.Dialer = (*Dialer)(nil)

func NewDialer(url string) *Dialer {
	return &Dialer{
		URL: url,
		ws: &websocket.Dialer{
			Proxy:             http.ProxyFromEnvironment,
			HandshakeTimeout:  handshakeTimeout,
			ReadBufferSize:    64 * 1024,
			WriteBufferSize:   64 * 1024,
			EnableCompression: true,
		},
	}
}

// Open dials the relay and waits for its connected status. The relay
// applies its own model configuration; cfg only contributes the model
// name to the trace.
func (d *Dialer) Open(ctx context.Context, cfg live.Config) (live.Channel, error) {
	ctx, span := tracer.Start(ctx, "connect relay")
	defer span.End()
	span.SetAttributes(attribute.String("relay.url", d.URL), attribute.String("relay.model", cfg.Model))

	ch, err := d.connect(ctx)
	if err != nil {
		err = fmt.Errorf("%w: %w", live.ErrOpen, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return ch, nil
}

func (d *Dialer) connect(ctx context.Context) (*Channel, error) {
	conn, _, err := d.ws.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial relay: %w", err)
	}

	sessionID, err := awaitConnected(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	logger.Info("connected to relay", "url", d.URL, "session", shortID(sessionID))
	return newChannel(conn, sessionID), nil
}

// awaitConnected reads until the relay reports the upstream channel open
func awaitConnected(ctx context.Context, conn *websocket.Conn) (string, error) {
	deadline := time.Now().Add(handshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return "", err
	}
	defer conn.SetReadDeadline(time.Time{})

	stop := context.AfterFunc(ctx, func() { conn.SetReadDeadline(time.Now()) })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("relay handshake failed: %w", err)
		}

		var env messages.Envelope
		if err := messages.Decode(data, &env); err != nil {
			return "", err
		}

		switch env.Type {
		case messages.TypeStatus:
			var status messages.StatusPayload
			if err := env.DecodePayload(&status); err != nil {
				return "", err
			}
			if status.Status == messages.StatusConnected {
				return env.SessionID, nil
			}
		case messages.TypeError:
			var payload messages.ErrorPayload
			if err := env.DecodePayload(&payload); err != nil {
				return "", err
			}
			return "", errors.New(payload.Message)
		}
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
