// Package relayclient is the peer-side counterpart to internal/relay: it
// dials the relay's WebSocket endpoint, performs the authenticate handshake,
// and exposes a simple send/receive surface the requester and provider
// flows drive their state machines from.
package relayclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"hokipoki/internal/wire"
)

// Conn is one authenticated relay connection. Reads must come from a single
// goroutine (gorilla/websocket's own requirement); writes are serialized
// here so a worker reporting a task outcome can safely race a concurrent
// Send from another goroutine.
type Conn struct {
	ws     *websocket.Conn
	PeerID string

	writeMu sync.Mutex
}

// Dial connects to url, sends the mandatory first authenticate frame with
// token, and waits for connection_confirmed.
func Dial(ctx context.Context, url, token string) (*Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("relayclient: dial: %w", err)
	}
	c := &Conn{ws: ws}
	if err := c.Send(wire.AuthenticateFrame{Type: "authenticate", Token: token}); err != nil {
		_ = ws.Close()
		return nil, err
	}
	t, raw, err := c.ReadFrame()
	if err != nil {
		_ = ws.Close()
		return nil, err
	}
	if t != "connection_confirmed" {
		_ = ws.Close()
		return nil, fmt.Errorf("relayclient: expected connection_confirmed, got %q", t)
	}
	var confirmed wire.ConnectionConfirmedFrame
	if err := json.Unmarshal(raw, &confirmed); err != nil {
		_ = ws.Close()
		return nil, err
	}
	c.PeerID = confirmed.PeerID
	return c, nil
}

// Send marshals and writes v as a single text frame. Safe for concurrent
// use by multiple goroutines.
func (c *Conn) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// ReadFrame blocks for the next frame and returns its type plus raw bytes
// for the caller to unmarshal into the concrete struct it expects.
func (c *Conn) ReadFrame() (string, []byte, error) {
	_, raw, err := c.ws.ReadMessage()
	if err != nil {
		return "", nil, err
	}
	var t wire.TypeOnly
	if err := json.Unmarshal(raw, &t); err != nil {
		return "", nil, err
	}
	return t.Type, raw, nil
}

// ReadFrameContext applies a deadline to the next ReadFrame call, used for
// the 5-second confirmation_ack and similar bounded waits.
func (c *Conn) ReadFrameContext(ctx context.Context) (string, []byte, error) {
	deadline, ok := ctx.Deadline()
	if ok {
		_ = c.ws.SetReadDeadline(deadline)
	} else {
		_ = c.ws.SetReadDeadline(time.Time{})
	}
	return c.ReadFrame()
}

func (c *Conn) Close() error {
	return c.ws.Close()
}
