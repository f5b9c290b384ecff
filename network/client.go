package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrNotConnected indicates an operation that needs an open channel.
var ErrNotConnected = errors.New("network: not connected")

// ConnState is the lifecycle state of the client channel.
type ConnState string

const (
	StateDisconnected ConnState = "DISCONNECTED"
	StateConnecting   ConnState = "CONNECTING"
	StateConnected    ConnState = "CONNECTED"
	StateError        ConnState = "ERROR"
)

// StateChange is published on every lifecycle transition. Err carries the
// reason for StateError.
type StateChange struct {
	State ConnState
	Err   error
}

// Handler receives the raw data of one inbound event. Handlers run on the
// client's read goroutine in arrival order and must not block.
type Handler func(data json.RawMessage)

// ClientOptions configures a Client.
type ClientOptions struct {
	// URL is the websocket endpoint, e.g. ws://host:port/ws.
	URL string
	// Token returns the session token presented on connect.
	Token        func() string
	Dialer       *websocket.Dialer
	Logger       *slog.Logger
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func (o ClientOptions) withDefaults() ClientOptions {
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Token == nil {
		o.Token = func() string { return "" }
	}
	if o.PingInterval <= 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	return o
}

// Client is the single shared live channel of an application session. It is
// not connected until Connect is called and never reconnects on its own.
// Subscriptions survive a reconnect; room joins do not.
type Client struct {
	opts ClientOptions

	mu      sync.Mutex
	ws      *websocket.Conn
	done    chan struct{}
	state   ConnState
	lastErr error
	closing bool

	writeMu sync.Mutex

	handlersMu  sync.RWMutex
	nextID      uint64
	handlers    map[string]map[uint64]Handler
	stateSubs   map[uint64]func(StateChange)
	stateNotify sync.Mutex
}

// NewClient builds a disconnected Client.
func NewClient(opts ClientOptions) *Client {
	return &Client{
		opts:      opts.withDefaults(),
		state:     StateDisconnected,
		handlers:  make(map[string]map[uint64]Handler),
		stateSubs: make(map[uint64]func(StateChange)),
	}
}

// Connect opens the channel. It is a no-op while already connected. A failed
// dial is returned and published as StateError; it is not retried.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.ws != nil {
		c.mu.Unlock()
		return nil
	}
	if c.state == StateConnecting {
		c.mu.Unlock()
		return errors.New("connect already in progress")
	}
	if strings.TrimSpace(c.opts.URL) == "" {
		c.mu.Unlock()
		return errors.New("channel url is required")
	}
	c.state = StateConnecting
	c.mu.Unlock()
	c.publish(StateChange{State: StateConnecting})

	header := http.Header{}
	if token := c.opts.Token(); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	ws, resp, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("dial %q: %w (status %d)", c.opts.URL, err, resp.StatusCode)
		} else {
			err = fmt.Errorf("dial %q: %w", c.opts.URL, err)
		}
		c.mu.Lock()
		c.state = StateError
		c.lastErr = err
		c.mu.Unlock()
		c.publish(StateChange{State: StateError, Err: err})
		return err
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.ws = ws
	c.done = done
	c.closing = false
	c.state = StateConnected
	c.lastErr = nil
	c.mu.Unlock()

	ws.SetReadLimit(MaxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	})

	c.publish(StateChange{State: StateConnected})
	go c.readLoop(ws, done)
	go c.pingLoop(ws, done)
	return nil
}

// Disconnect closes the channel and returns once the final state change has
// been published. It is safe to call when not connected, but not from a
// Handler or state subscriber.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	ws := c.ws
	done := c.done
	if ws == nil {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.mu.Unlock()

	deadline := time.Now().Add(c.opts.WriteTimeout)
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), deadline)
	err := ws.Close()
	<-done
	return err
}

// State returns the current lifecycle state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError returns the reason of the last StateError, if any.
func (c *Client) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// OnStateChange subscribes fn to lifecycle transitions and returns its disposer.
func (c *Client) OnStateChange(fn func(StateChange)) (off func()) {
	c.handlersMu.Lock()
	c.nextID++
	id := c.nextID
	c.stateSubs[id] = fn
	c.handlersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.handlersMu.Lock()
			delete(c.stateSubs, id)
			c.handlersMu.Unlock()
		})
	}
}

// On subscribes handler to event and returns its disposer.
func (c *Client) On(event string, handler Handler) (off func()) {
	c.handlersMu.Lock()
	c.nextID++
	id := c.nextID
	subs := c.handlers[event]
	if subs == nil {
		subs = make(map[uint64]Handler)
		c.handlers[event] = subs
	}
	subs[id] = handler
	c.handlersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.handlersMu.Lock()
			delete(c.handlers[event], id)
			if len(c.handlers[event]) == 0 {
				delete(c.handlers, event)
			}
			c.handlersMu.Unlock()
		})
	}
}

// Emit sends one event frame.
func (c *Client) Emit(event string, payload any) error {
	frame, err := EncodeFrame(event, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}

// JoinRoom subscribes the channel to a conversation's room.
func (c *Client) JoinRoom(conversationID string) error {
	return c.Emit(EventJoinRoom, conversationID)
}

// LeaveRoom unsubscribes the channel from a conversation's room.
func (c *Client) LeaveRoom(conversationID string) error {
	return c.Emit(EventLeaveRoom, conversationID)
}

func (c *Client) readLoop(ws *websocket.Conn, done chan struct{}) {
	var readErr error
	defer func() {
		c.mu.Lock()
		deliberate := c.closing
		if c.ws == ws {
			c.ws = nil
			c.done = nil
		}
		change := StateChange{State: StateDisconnected}
		if !deliberate && readErr != nil {
			change = StateChange{State: StateError, Err: readErr}
			c.lastErr = readErr
		}
		c.state = change.State
		c.mu.Unlock()

		_ = ws.Close()
		c.publish(change)
		close(done)
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			readErr = fmt.Errorf("channel closed: %w", err)
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))

		frame, err := DecodeFrame(data)
		if err != nil {
			c.opts.Logger.Debug("inbound frame dropped", slog.Any("error", err))
			continue
		}
		c.dispatch(frame)
	}
}

func (c *Client) pingLoop(ws *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(c.opts.WriteTimeout)
			if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (c *Client) dispatch(frame Frame) {
	c.handlersMu.RLock()
	subs := c.handlers[frame.Event]
	handlers := make([]Handler, 0, len(subs))
	ids := make([]uint64, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		handlers = append(handlers, subs[id])
	}
	c.handlersMu.RUnlock()

	for _, handler := range handlers {
		handler(frame.Data)
	}
}

func (c *Client) publish(change StateChange) {
	c.stateNotify.Lock()
	defer c.stateNotify.Unlock()

	c.handlersMu.RLock()
	ids := make([]uint64, 0, len(c.stateSubs))
	for id := range c.stateSubs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	subs := make([]func(StateChange), 0, len(ids))
	for _, id := range ids {
		subs = append(subs, c.stateSubs[id])
	}
	c.handlersMu.RUnlock()

	for _, fn := range subs {
		fn(change)
	}
}
