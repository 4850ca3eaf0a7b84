package wire

import (
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// Conn wraps a WebSocket connection with a write mutex. gorilla/websocket
// connections do not support concurrent writers, so every write from every
// caller (RPC replies, broadcast events, forwarded frames) must be
// serialized per connection — generalizing the teacher's peerConn from
// internal/dht/transport.go.
type Conn struct {
	ws        *websocket.Conn
	wmu       sync.Mutex
	RemoteURL string // empty for inbound connections
}

func newConn(ws *websocket.Conn, remoteURL string) *Conn {
	ws.SetReadLimit(MaxFrameBytes)
	return &Conn{ws: ws, RemoteURL: remoteURL}
}

// WriteFrame sends a single frame. Safe for concurrent use.
func (c *Conn) WriteFrame(f Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.ws.WriteJSON(f); err != nil {
		return fmt.Errorf("wire: write frame: %w", err)
	}
	return nil
}

// ReadFrame blocks until the next frame arrives, or returns an error if the
// connection is closed.
func (c *Conn) ReadFrame() (Frame, error) {
	var f Frame
	if err := c.ws.ReadJSON(&f); err != nil {
		return Frame{}, fmt.Errorf("wire: read frame: %w", err)
	}
	return f, nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.ws.Close()
}
