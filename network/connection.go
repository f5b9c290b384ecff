package network

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	// ErrConnectionClosed indicates a send on a closed connection.
	ErrConnectionClosed = errors.New("network: connection closed")
	// ErrSendBufferFull indicates the peer stopped draining its outbound queue.
	ErrSendBufferFull = errors.New("network: send buffer full")
)

// ConnectionOptions controls runtime behavior of a hub-side Connection.
type ConnectionOptions struct {
	SendBuffer   int
	PingInterval time.Duration
	WriteTimeout time.Duration
}

func (o ConnectionOptions) withDefaults() ConnectionOptions {
	if o.SendBuffer <= 0 {
		o.SendBuffer = DefaultSendBuffer
	}
	if o.PingInterval <= 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	return o
}

// Connection is one authenticated websocket on the hub. Outbound frames go
// through a buffered queue drained by a single writer goroutine; a client
// that lets the queue fill up is disconnected.
type Connection struct {
	ID     string
	UserID string

	ws   *websocket.Conn
	send chan []byte

	pingInterval time.Duration
	writeTimeout time.Duration

	closeOnce sync.Once
	closed    chan struct{}
}

func newConnection(userID string, ws *websocket.Conn, options ConnectionOptions) *Connection {
	opts := options.withDefaults()
	return &Connection{
		ID:           uuid.NewString(),
		UserID:       userID,
		ws:           ws,
		send:         make(chan []byte, opts.SendBuffer),
		pingInterval: opts.PingInterval,
		writeTimeout: opts.WriteTimeout,
		closed:       make(chan struct{}),
	}
}

func (c *Connection) start() {
	go c.writeLoop()
}

// Send enqueues payload for delivery.
func (c *Connection) Send(payload []byte) error {
	select {
	case <-c.closed:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.send <- payload:
		return nil
	case <-c.closed:
		return ErrConnectionClosed
	default:
		c.Close(websocket.ClosePolicyViolation, ErrorCodeSlowConnection)
		return ErrSendBufferFull
	}
}

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}

// Close sends a close control frame and tears down the socket.
func (c *Connection) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		deadline := time.Now().Add(c.writeTimeout)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = c.ws.Close()
	})
}

func (c *Connection) writeLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case payload := <-c.send:
			if err := c.write(websocket.TextMessage, payload); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

func (c *Connection) write(messageType int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, payload)
}
