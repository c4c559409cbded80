package server

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/room4-2/voicelive/messages"
)

const (
	writeBufferSize = 256
	writeTimeout    = 10 * time.Second
	maxMessageSize  = 512 * 1024

	idleCheckInterval = 30 * time.Second
)

// clientConn serializes all writes to one websocket through writePump
type clientConn struct {
	id   string
	conn *websocket.Conn

	writeChan chan any
	closeChan chan struct{}
	pumpDone  chan struct{}
	closeOnce sync.Once

	mu           sync.RWMutex
	lastActivity time.Time
}

func newClientConn(id string, conn *websocket.Conn) *clientConn {
	conn.SetReadLimit(maxMessageSize)
	conn.EnableWriteCompression(true)
	_ = conn.SetCompressionLevel(6)

	c := &clientConn{
		id:           id,
		conn:         conn,
		writeChan:    make(chan any, writeBufferSize),
		closeChan:    make(chan struct{}),
		pumpDone:     make(chan struct{}),
		lastActivity: time.Now(),
	}
	go c.writePump()
	return c
}

func (c *clientConn) short() string {
	if len(c.id) > 8 {
		return c.id[:8]
	}
	return c.id
}

// writePump handles all outgoing messages in a single goroutine
func (c *clientConn) writePump() {
	defer close(c.pumpDone)
	defer func() {
		// Send close message before exiting
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		c.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
	}()

	for {
		select {
		case <-c.closeChan:
			c.flush()
			return
		case msg := <-c.writeChan:
			if err := c.write(msg); err != nil {
				logger.Warn("websocket write failed", "conn", c.short(), "error", err)
				return
			}
		}
	}
}

// flush writes whatever was queued before close
func (c *clientConn) flush() {
	for {
		select {
		case msg := <-c.writeChan:
			if err := c.write(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *clientConn) write(msg any) error {
	data, err := messages.Encode(msg)
	if err != nil {
		logger.Error("failed to encode message", "conn", c.short(), "error", err)
		return nil
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// queueMessage adds a message to the write queue (non-blocking)
func (c *clientConn) queueMessage(msg any) {
	select {
	case <-c.closeChan:
		return
	default:
	}
	select {
	case c.writeChan <- msg:
	default:
		logger.Warn("write queue full, dropping message", "conn", c.short())
	}
}

func (c *clientConn) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// idleFor is the time since the client last sent anything
func (c *clientConn) idleFor() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Since(c.lastActivity)
}

// expireIdle closes the connection once the client has been silent for
// timeout. It returns when ctx ends or the connection closes.
func (c *clientConn) expireIdle(ctx context.Context, timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	ticker := time.NewTicker(max(min(timeout/4, idleCheckInterval), time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closeChan:
			return
		case <-ticker.C:
			if idle := c.idleFor(); idle >= timeout {
				logger.Info("closing idle connection", "conn", c.short(), "idle", idle.Round(time.Second))
				c.queueMessage(messages.NewErrorMessage(c.id, messages.ErrCodeConnectionClosed, "idle timeout"))
				c.Close()
				return
			}
		}
	}
}

// readMessage blocks for the next client message
func (c *clientConn) readMessage() (*messages.ClientMessage, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	c.touch()

	var msg messages.ClientMessage
	if err := messages.Decode(data, &msg); err != nil {
		c.queueMessage(messages.NewErrorMessage(c.id, messages.ErrCodeInvalidMessage, "malformed message"))
		return nil, nil
	}
	return &msg, nil
}

func (c *clientConn) closed() bool {
	select {
	case <-c.closeChan:
		return true
	default:
		return false
	}
}

// Close stops the write pump after flushing and drops the connection
func (c *clientConn) Close() {
	c.closeOnce.Do(func() {
		close(c.closeChan)
		<-c.pumpDone
		c.conn.Close()
	})
}
