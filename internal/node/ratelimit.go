package node

import (
	"sync"
	"time"
)

// defaultRequestRate and defaultRequestWindow bound how many requests a
// single peer's readLoop may dispatch before being throttled, protecting
// the method dispatch table from a single misbehaving or compromised peer.
const (
	defaultRequestRate   = 200
	defaultRequestWindow = time.Second
)

// peerWindow is a fixed-window rate limiter for one peer's inbound
// requests, generalizing the teacher's per-IP visitor map
// (internal/server/ratelimit.go) to a single mesh session.
type peerWindow struct {
	mu          sync.Mutex
	count       int
	windowStart time.Time
	rate        int
	window      time.Duration
}

func newPeerWindow(rate int, window time.Duration) *peerWindow {
	return &peerWindow{rate: rate, window: window, windowStart: time.Now()}
}

// allow returns true if the request falls within the window's rate,
// rolling the window over once it has elapsed.
func (w *peerWindow) allow() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	if now.Sub(w.windowStart) > w.window {
		w.count = 0
		w.windowStart = now
	}
	w.count++
	return w.count <= w.rate
}

// peerLimiters owns one peerWindow per connected peer, keyed by deviceId,
// created lazily on first use and torn down when the peer disconnects.
type peerLimiters struct {
	mu       sync.Mutex
	limiters map[string]*peerWindow
}

func newPeerLimiters() *peerLimiters {
	return &peerLimiters{limiters: make(map[string]*peerWindow)}
}

func (p *peerLimiters) allow(deviceID string) bool {
	p.mu.Lock()
	w, ok := p.limiters[deviceID]
	if !ok {
		w = newPeerWindow(defaultRequestRate, defaultRequestWindow)
		p.limiters[deviceID] = w
	}
	p.mu.Unlock()
	return w.allow()
}

func (p *peerLimiters) remove(deviceID string) {
	p.mu.Lock()
	delete(p.limiters, deviceID)
	p.mu.Unlock()
}
