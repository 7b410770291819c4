package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tradedeck/config"
	"tradedeck/logger"
)

// State is the lifecycle state of a stream connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Conn owns exactly one physical websocket connection to the venue. It carries
// no business logic: subscription bookkeeping and payload interpretation live
// in the feed adapter.
type Conn struct {
	cfg config.VenueStreamConfig
	log *logger.Log

	mu    sync.Mutex
	ws    *websocket.Conn
	state State
}

func NewConn(cfg config.VenueStreamConfig) *Conn {
	return &Conn{
		cfg: cfg,
		log: logger.GetLogger(),
	}
}

// State reports the current connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Dial establishes the physical connection. Any previous connection must have
// been closed first; Dial refuses to open a second one.
func (c *Conn) Dial(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return fmt.Errorf("connection already %s", c.state)
	}
	c.state = StateConnecting
	c.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return fmt.Errorf("websocket dial %s: %w", c.cfg.URL, err)
	}

	c.mu.Lock()
	c.ws = ws
	c.state = StateConnected
	c.mu.Unlock()

	c.log.WithComponent("stream_conn").WithFields(logger.Fields{
		"url": c.cfg.URL,
	}).Info("websocket connection established")
	return nil
}

// ReadMessage blocks until the next raw frame arrives or the connection dies.
// It must only be called from the single read loop.
func (c *Conn) ReadMessage() ([]byte, error) {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return nil, fmt.Errorf("read on %s connection", c.State())
	}

	_, msg, err := ws.ReadMessage()
	if err != nil {
		c.mu.Lock()
		if c.state == StateConnected {
			c.state = StateDisconnected
		}
		c.mu.Unlock()
		return nil, err
	}
	return msg, nil
}

// WriteJSON marshals v and writes it as a text frame. Writes are serialized by
// the connection mutex; gorilla allows one concurrent writer only.
func (c *Conn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil || c.state != StateConnected {
		return fmt.Errorf("write on %s connection", c.state)
	}
	if c.cfg.WriteTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	return c.ws.WriteJSON(v)
}

// Ping writes a websocket ping control frame.
func (c *Conn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil || c.state != StateConnected {
		return fmt.Errorf("ping on %s connection", c.state)
	}
	deadline := time.Now().Add(c.cfg.WriteTimeout)
	return c.ws.WriteControl(websocket.PingMessage, nil, deadline)
}

// Close tears the connection down. When normal is true a close frame with
// CloseNormalClosure is sent first so the peer does not treat the drop as a
// failure.
func (c *Conn) Close(normal bool) {
	c.mu.Lock()
	ws := c.ws
	c.ws = nil
	c.state = StateClosing
	c.mu.Unlock()

	if ws != nil {
		if normal {
			deadline := time.Now().Add(time.Second)
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = ws.WriteControl(websocket.CloseMessage, msg, deadline)
		}
		_ = ws.Close()
	}

	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
}

// UnexpectedClose reports whether a read error represents an abnormal
// connection termination. Normal closure and going-away are the two codes a
// venue uses for orderly shutdown; everything else should trigger reconnection.
func UnexpectedClose(err error) bool {
	if err == nil {
		return false
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return false
	}
	return true
}
