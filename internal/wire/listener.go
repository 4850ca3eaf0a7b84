package wire

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	// Any origin is allowed: this is a P2P mesh, not a browser client, so
	// there is no same-origin policy to enforce (same rationale as the
	// teacher's internal/dht/transport.go upgrader).
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Listener accepts inbound WebSocket connections on /ws and hands each
// accepted Conn to the registered OnAccept callback. It deliberately does
// not try to learn the remote peer's identity itself — per spec.md's design
// note, the raw Conn is passed explicitly to whatever handshake/handler
// code runs next, rather than stashed behind an ambient field.
type Listener struct {
	listener net.Listener
	server   *http.Server
	onAccept func(*Conn)
}

// NewListener starts listening on the given address (host:port, or
// ":0"/"host:0" for a random available port) and serves the WebSocket
// upgrade endpoint at /ws.
func NewListener(addr string, onAccept func(*Conn)) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("wire: listen: %w", err)
	}

	l := &Listener{listener: ln, onAccept: onAccept}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", l.handleWS)
	l.server = &http.Server{Handler: mux}

	go l.server.Serve(ln) //nolint:errcheck

	return l, nil
}

func (l *Listener) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := newConn(ws, "")
	if l.onAccept != nil {
		l.onAccept(conn)
	}
}

// Addr returns the listener's network address (e.g. "127.0.0.1:54321").
func (l *Listener) Addr() string {
	if l.listener == nil {
		return ""
	}
	return l.listener.Addr().String()
}

// Close shuts down the HTTP server and stops accepting new connections.
// It does not close already-accepted Conns; callers own those.
func (l *Listener) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return l.server.Shutdown(ctx)
}

// Dial establishes an outbound WebSocket connection to a remote node at
// the given "ws://host:port/ws" or "host:port" address.
func Dial(ctx context.Context, address string) (*Conn, error) {
	url := address
	if !hasScheme(url) {
		url = "ws://" + url + "/ws"
	}
	dialer := websocket.Dialer{}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("wire: dial %s: %w", address, err)
	}
	return newConn(ws, address), nil
}

func hasScheme(s string) bool {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case ':':
			return i+2 < len(s) && s[i+1] == '/' && s[i+2] == '/'
		case '/':
			return false
		}
	}
	return false
}
