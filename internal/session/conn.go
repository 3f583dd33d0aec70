// Package session owns the WebSocket connection to the agent backend:
// connection lifecycle, bounded fixed-delay reconnection and fan-out of
// decoded frames to observers.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/coder/websocket"
)

// State is the lifecycle state of the physical connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Closing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ReconnectPolicy bounds automatic reconnection. AttemptsMade is reset on
// every successful connect and never exceeds MaxAttempts.
type ReconnectPolicy struct {
	MaxAttempts  int
	Delay        time.Duration
	AttemptsMade int
}

// Exhausted reports whether no further retries are allowed.
func (p ReconnectPolicy) Exhausted() bool {
	return p.AttemptsMade >= p.MaxAttempts
}

// Conn is the subset of *websocket.Conn the transport uses.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Dialer opens a physical connection.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, url string) (Conn, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context, url string) (Conn, error) {
	return f(ctx, url)
}

// WebSocketDialer dials with github.com/coder/websocket.
type WebSocketDialer struct {
	// ReadLimit caps a single inbound frame. Tool results carry inline
	// screenshots, so the library default of 32 KiB is too small.
	ReadLimit int64
}

// Dial implements Dialer.
func (d WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	if d.ReadLimit > 0 {
		c.SetReadLimit(d.ReadLimit)
	}
	return c, nil
}

// ConnectError is returned by Connect when the connection cannot be opened.
type ConnectError struct {
	URL string
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.URL, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }
