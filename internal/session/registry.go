package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ssd-technologies/clawmesh/internal/wire"
	"github.com/ssd-technologies/clawmesh/internal/wireerr"
)

// DefaultInvokeTimeout is the default RPC timeout when none is given.
const DefaultInvokeTimeout = 30 * time.Second

type pendingCall struct {
	deviceID string
	method   string
	ch       chan wire.Frame
}

// Registry is the live peer session registry. No two sessions share a
// deviceId or a connId; a session with connId=c exists iff the underlying
// socket is open and c is reachable from both indexes.
type Registry struct {
	mu       sync.Mutex
	byDevice map[string]*Session
	byConn   map[string]string // connId -> deviceId
	pending  map[string]*pendingCall
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{
		byDevice: make(map[string]*Session),
		byConn:   make(map[string]string),
		pending:  make(map[string]*pendingCall),
	}
}

// Register installs a session, evicting and tearing down any existing
// session for the same deviceId first (closing its socket and failing its
// pending RPCs with PEER_DISCONNECTED) before atomically installing the
// new mapping.
func (r *Registry) Register(s *Session) {
	r.mu.Lock()
	existing, hadExisting := r.byDevice[s.DeviceID]
	if hadExisting {
		delete(r.byConn, existing.ConnID)
		delete(r.byDevice, s.DeviceID)
	}
	r.mu.Unlock()

	if hadExisting {
		existing.Conn.Close()
		r.failPendingForDevice(s.DeviceID, wireerr.CodePeerDisconnected, "peer reconnected from a new connection")
	}

	r.mu.Lock()
	r.byDevice[s.DeviceID] = s
	r.byConn[s.ConnID] = s.DeviceID
	r.mu.Unlock()
}

// Unregister removes connId from the registry. It only removes the
// deviceId->session mapping if the stored session's connId still matches
// connId, avoiding a race with a reconnect that already installed a new
// session for the same peer. Pending RPCs for the removed peer fail with
// PEER_DISCONNECTED.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	deviceID, ok := r.byConn[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byConn, connID)

	var deviceRemoved bool
	if stored, ok := r.byDevice[deviceID]; ok && stored.ConnID == connID {
		delete(r.byDevice, deviceID)
		deviceRemoved = true
	}
	r.mu.Unlock()

	if deviceRemoved {
		r.failPendingForDevice(deviceID, wireerr.CodePeerDisconnected, "peer disconnected")
	}
}

// Get returns the current session for a deviceId, if any.
func (r *Registry) Get(deviceID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byDevice[deviceID]
	return s, ok
}

// ListConnected returns a snapshot of all currently connected sessions.
func (r *Registry) ListConnected() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.byDevice))
	for _, s := range r.byDevice {
		out = append(out, s.snapshot())
	}
	return out
}

// Invoke sends a request to deviceId's session and waits for the matching
// response. It fails fast with NOT_CONNECTED if no session exists, with
// SEND_FAILED if the transport rejects the frame synchronously, and with
// TIMEOUT if no response arrives within timeout (default 30s). A timer is
// never left armed once Invoke returns.
func (r *Registry) Invoke(ctx context.Context, deviceID, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = DefaultInvokeTimeout
	}

	r.mu.Lock()
	sess, ok := r.byDevice[deviceID]
	r.mu.Unlock()
	if !ok {
		return nil, wireerr.New(wireerr.CodeNotConnected, fmt.Sprintf("no session for peer %s", deviceID))
	}

	reqID := uuid.New().String()
	frame, err := wire.NewRequest(reqID, method, params)
	if err != nil {
		return nil, wireerr.New(wireerr.CodeInvalidParams, err.Error())
	}

	ch := make(chan wire.Frame, 1)
	r.mu.Lock()
	r.pending[reqID] = &pendingCall{deviceID: deviceID, method: method, ch: ch}
	r.mu.Unlock()

	cleanup := func() {
		r.mu.Lock()
		delete(r.pending, reqID)
		r.mu.Unlock()
	}

	if err := sess.Conn.WriteFrame(frame); err != nil {
		cleanup()
		return nil, wireerr.New(wireerr.CodeSendFailed, err.Error())
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.Error != nil {
			return nil, res.Error
		}
		return res.Payload, nil
	case <-timer.C:
		cleanup()
		return nil, wireerr.New(wireerr.CodeTimeout, fmt.Sprintf("rpc %s to %s timed out after %s", method, deviceID, timeout))
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	}
}

// HandleRPCResult matches an incoming response frame to a pending request
// by id. It returns false for an unknown id, which callers may safely
// ignore.
func (r *Registry) HandleRPCResult(res wire.Frame) bool {
	r.mu.Lock()
	call, ok := r.pending[res.ID]
	if ok {
		delete(r.pending, res.ID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	call.ch <- res
	return true
}

// failPendingForDevice fails every pending RPC bound to deviceID with the
// given error code, without leaving any timer armed.
func (r *Registry) failPendingForDevice(deviceID, code, message string) {
	r.mu.Lock()
	var toFail []*pendingCall
	for id, call := range r.pending {
		if call.deviceID == deviceID {
			toFail = append(toFail, call)
			delete(r.pending, id)
		}
	}
	r.mu.Unlock()

	for _, call := range toFail {
		call.ch <- wire.NewResponseError("", wireerr.New(code, message))
	}
}

// BroadcastEvent sends an event frame to every connected session,
// best-effort — transport errors are swallowed.
func (r *Registry) BroadcastEvent(event string, payload any) {
	frame, err := wire.NewEvent(event, payload)
	if err != nil {
		return
	}
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.byDevice))
	for _, s := range r.byDevice {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		_ = s.Conn.WriteFrame(frame)
	}
}

// BroadcastEventExcept is like BroadcastEvent but skips one deviceId — used
// by the context propagator's gossip re-emission to avoid echoing a frame
// straight back to the peer it arrived from.
func (r *Registry) BroadcastEventExcept(event string, payload any, exceptDeviceID string) {
	frame, err := wire.NewEvent(event, payload)
	if err != nil {
		return
	}
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.byDevice))
	for id, s := range r.byDevice {
		if id == exceptDeviceID {
			continue
		}
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		_ = s.Conn.WriteFrame(frame)
	}
}

// SendEvent sends an event frame to a single peer, best-effort.
func (r *Registry) SendEvent(deviceID, event string, payload any) {
	r.mu.Lock()
	sess, ok := r.byDevice[deviceID]
	r.mu.Unlock()
	if !ok {
		return
	}
	frame, err := wire.NewEvent(event, payload)
	if err != nil {
		return
	}
	_ = sess.Conn.WriteFrame(frame)
}
