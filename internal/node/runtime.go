// Package node wires every mesh component into a single running peer:
// the listening socket, outbound peer connections, the method dispatch
// table, and the four registries (trust, sessions, capabilities, world
// model). It generalizes the teacher's dht.Node (internal/dht/node.go),
// whose handleMessage is a type switch over a fixed DHT message set, into
// a method-name-keyed dispatch table so host applications can extend the
// method set without touching the runtime itself.
package node

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	clawcontext "github.com/ssd-technologies/clawmesh/internal/context"
	"github.com/ssd-technologies/clawmesh/internal/capability"
	"github.com/ssd-technologies/clawmesh/internal/discovery"
	"github.com/ssd-technologies/clawmesh/internal/forward"
	"github.com/ssd-technologies/clawmesh/internal/handshake"
	"github.com/ssd-technologies/clawmesh/internal/identity"
	"github.com/ssd-technologies/clawmesh/internal/session"
	"github.com/ssd-technologies/clawmesh/internal/trust"
	"github.com/ssd-technologies/clawmesh/internal/wire"
	"github.com/ssd-technologies/clawmesh/internal/wireerr"
)

// State is a runtime lifecycle state.
type State string

const (
	StateInit     State = "init"
	StateListening State = "listening"
	StateServing   State = "serving"
	StateStopping  State = "stopping"
	StateStopped   State = "stopped"
)

// MethodHandler processes one request frame's params and returns either a
// success payload or a typed error. conn is passed explicitly rather than
// stashed in an ambient field, per the wire listener's own design note.
type MethodHandler func(ctx context.Context, conn *wire.Conn, params json.RawMessage) (any, *wireerr.Error)

// PeerConfig is one statically configured peer to connect to at startup.
type PeerConfig struct {
	URL            string
	DeviceID       string
	TLSFingerprint string
}

// Config configures a Runtime.
type Config struct {
	Identity     *identity.Identity
	TrustStore   trust.Store
	ListenAddr   string
	DisplayName  string
	Capabilities []string
	Peers        []PeerConfig
	Discovery    *discovery.Manager
	Persister    clawcontext.Persister
	ForwardSink  forward.ForwardSink
	Logger       *log.Logger
}

// Runtime is one running mesh peer: listening socket, outbound peers,
// method dispatch table, and the trust/session/capability/world-model
// registries.
type Runtime struct {
	identity     *identity.Identity
	trustStore   trust.Store
	listenAddr   string
	displayName  string
	capabilities []string
	peers        []PeerConfig
	discoveryMgr *discovery.Manager
	forwardSink  forward.ForwardSink
	logger       *log.Logger

	sessions      *session.Registry
	capabilityReg *capability.Registry
	worldModel    *clawcontext.WorldModel
	propagator    *clawcontext.Propagator
	limiters      *peerLimiters

	mu      sync.RWMutex
	state   State
	methods map[string]MethodHandler

	listener *wire.Listener
	wg       sync.WaitGroup
}

// NewRuntime builds a Runtime and installs the standard method set. Call
// Handle to register additional methods before Start.
func NewRuntime(cfg Config) (*Runtime, error) {
	if cfg.Identity == nil {
		return nil, fmt.Errorf("node: Identity is required")
	}
	if cfg.TrustStore == nil {
		return nil, fmt.Errorf("node: TrustStore is required")
	}
	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("node: ListenAddr is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	sink := cfg.ForwardSink
	if sink == nil {
		sink = func(ctx context.Context, payload forward.ForwardPayload) (string, error) {
			return uuid.New().String(), nil
		}
	}

	r := &Runtime{
		identity:      cfg.Identity,
		trustStore:    cfg.TrustStore,
		listenAddr:    cfg.ListenAddr,
		displayName:   cfg.DisplayName,
		capabilities:  cfg.Capabilities,
		peers:         cfg.Peers,
		discoveryMgr:  cfg.Discovery,
		forwardSink:   sink,
		logger:        logger,
		sessions:      session.NewRegistry(),
		capabilityReg: capability.NewRegistry(),
		worldModel:    clawcontext.NewWorldModel(cfg.Persister),
		limiters:      newPeerLimiters(),
		state:         StateInit,
		methods:       make(map[string]MethodHandler),
	}
	r.propagator = clawcontext.NewPropagator(r.identity.DeviceID, r.sessions, r.worldModel)
	r.installStandardMethods()
	return r, nil
}

// Handle registers a method handler, overwriting any existing handler for
// the same name. Intended to be called before Start.
func (r *Runtime) Handle(method string, h MethodHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods[method] = h
}

// State returns the runtime's current lifecycle state.
func (r *Runtime) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *Runtime) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// DeviceID returns the local node's deviceId.
func (r *Runtime) DeviceID() string { return r.identity.DeviceID }

// Addr returns the listener's bound network address. Only meaningful
// after Start has returned successfully.
func (r *Runtime) Addr() string {
	if r.listener == nil {
		return ""
	}
	return r.listener.Addr()
}

// Sessions exposes the peer session registry for host applications that
// need to invoke RPCs or broadcast events directly.
func (r *Runtime) Sessions() *session.Registry { return r.sessions }

// Capabilities exposes the capability registry.
func (r *Runtime) Capabilities() *capability.Registry { return r.capabilityReg }

// WorldModel exposes the context world model.
func (r *Runtime) WorldModel() *clawcontext.WorldModel { return r.worldModel }

// Propagator exposes the context propagator, for host applications that
// want to broadcast their own context frames.
func (r *Runtime) Propagator() *clawcontext.Propagator { return r.propagator }

// Start opens the listening socket and connects every configured static
// peer, applying the handshake direction tiebreak so steady state
// converges to exactly one session per pair.
func (r *Runtime) Start(ctx context.Context) error {
	if r.worldModel != nil {
		if err := r.worldModel.LoadFromPersister(); err != nil {
			r.logger.Printf("node: world model persister load failed: %v", err)
		}
	}

	ln, err := wire.NewListener(r.listenAddr, r.handleInboundConn)
	if err != nil {
		return fmt.Errorf("node: start listener: %w", err)
	}
	r.listener = ln
	r.setState(StateListening)

	if r.discoveryMgr != nil {
		if err := r.discoveryMgr.Start(ctx); err != nil {
			r.logger.Printf("node: discovery manager failed to start: %v", err)
		} else {
			r.wg.Add(1)
			go r.pumpDiscovery(ctx)
		}
	}

	for _, p := range r.peers {
		p := p
		go func() {
			if !handshake.ShouldInitiate(r.identity.DeviceID, p.DeviceID) {
				return
			}
			if err := r.connectPeer(ctx, p.URL, p.DeviceID, p.TLSFingerprint); err != nil {
				r.logger.Printf("node: connect to static peer %s failed: %v", p.URL, err)
			}
		}()
	}

	return nil
}

// pumpDiscovery attempts a connection to every newly discovered peer that
// this node should initiate toward, per the handshake direction tiebreak.
func (r *Runtime) pumpDiscovery(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-r.discoveryMgr.Discovered():
			if !ok {
				return
			}
			if !handshake.ShouldInitiate(r.identity.DeviceID, p.DeviceID) {
				continue
			}
			if _, connected := r.sessions.Get(p.DeviceID); connected {
				continue
			}
			addr := fmt.Sprintf("%s:%d", p.Host, p.Port)
			go func(addr, deviceID, fp string) {
				if err := r.connectPeer(ctx, addr, deviceID, fp); err != nil {
					r.logger.Printf("node: connect to discovered peer %s failed: %v", addr, err)
				}
			}(addr, p.DeviceID, p.TLSFingerprint)
		case <-r.discoveryMgr.Lost():
			// Session teardown is driven by the socket closing, not by
			// discovery losing the beacon; nothing to do here.
		}
	}
}

// Stop closes every session (failing their pending RPCs with
// PEER_DISCONNECTED), stops discovery, and shuts down the listener.
func (r *Runtime) Stop(ctx context.Context) error {
	r.setState(StateStopping)

	if r.discoveryMgr != nil {
		_ = r.discoveryMgr.Stop()
	}

	for _, s := range r.sessions.ListConnected() {
		if sess, ok := r.sessions.Get(s.DeviceID); ok {
			sess.Conn.Close()
		}
	}

	if r.listener != nil {
		if err := r.listener.Close(); err != nil {
			r.logger.Printf("node: listener close: %v", err)
		}
	}

	r.wg.Wait()
	r.setState(StateStopped)
	return nil
}

func (r *Runtime) updateServingState() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateListening && r.state != StateServing {
		return
	}
	if len(r.sessions.ListConnected()) > 0 {
		r.state = StateServing
	} else {
		r.state = StateListening
	}
}

// handleInboundConn runs the server side of the mesh.connect handshake on
// a freshly accepted connection, then hands off to the shared per-session
// read loop on success.
func (r *Runtime) handleInboundConn(conn *wire.Conn) {
	nonce := handshake.NewNonce()
	challenge, err := wire.NewEvent("mesh.challenge", map[string]string{"nonce": nonce})
	if err != nil {
		conn.Close()
		return
	}
	if err := conn.WriteFrame(challenge); err != nil {
		conn.Close()
		return
	}

	reqFrame, err := conn.ReadFrame()
	if err != nil || reqFrame.Type != wire.TypeRequest || reqFrame.Method != "mesh.connect" {
		conn.Close()
		return
	}

	var payload handshake.AuthPayload
	if err := json.Unmarshal(reqFrame.Params, &payload); err != nil {
		_ = conn.WriteFrame(wire.NewResponseError(reqFrame.ID, wireerr.New(wireerr.CodeInvalidParams, "malformed auth payload")))
		conn.Close()
		return
	}

	if err := handshake.Verify(r.trustStore, payload, "", ""); err != nil {
		werr, _ := err.(*wireerr.Error)
		if werr == nil {
			werr = wireerr.New(wireerr.CodeAuthFailed, err.Error())
		}
		_ = conn.WriteFrame(wire.NewResponseError(reqFrame.ID, werr))
		conn.Close()
		return
	}

	serverPayload := handshake.Build(r.identity, payload.Nonce, r.displayName, r.capabilities)
	resp, err := wire.NewResponseOK(reqFrame.ID, serverPayload)
	if err != nil {
		conn.Close()
		return
	}
	if err := conn.WriteFrame(resp); err != nil {
		conn.Close()
		return
	}

	r.establishSession(payload.DeviceID, payload.DisplayName, payload.PublicKey, payload.Capabilities, conn, false)
}

// connectPeer runs the client side of the mesh.connect handshake against
// a remote address, then hands off to the shared per-session read loop on
// success.
func (r *Runtime) connectPeer(ctx context.Context, address, expectedDeviceID, tlsFingerprint string) error {
	conn, err := wire.Dial(ctx, address)
	if err != nil {
		return fmt.Errorf("node: dial %s: %w", address, err)
	}

	challengeFrame, err := conn.ReadFrame()
	if err != nil {
		conn.Close()
		return fmt.Errorf("node: read challenge from %s: %w", address, err)
	}
	var nonce string
	if challengeFrame.Type == wire.TypeEvent && challengeFrame.Event == "mesh.challenge" {
		var c struct {
			Nonce string `json:"nonce"`
		}
		_ = json.Unmarshal(challengeFrame.Payload, &c)
		nonce = c.Nonce
	}

	payload := handshake.Build(r.identity, nonce, r.displayName, r.capabilities)
	reqID := uuid.New().String()
	reqFrame, err := wire.NewRequest(reqID, "mesh.connect", payload)
	if err != nil {
		conn.Close()
		return err
	}
	if err := conn.WriteFrame(reqFrame); err != nil {
		conn.Close()
		return fmt.Errorf("node: send mesh.connect to %s: %w", address, err)
	}

	respFrame, err := conn.ReadFrame()
	if err != nil {
		conn.Close()
		return fmt.Errorf("node: read mesh.connect response from %s: %w", address, err)
	}
	if !respFrame.Succeeded() {
		conn.Close()
		if respFrame.Error != nil {
			return respFrame.Error
		}
		return fmt.Errorf("node: mesh.connect to %s refused", address)
	}

	var serverPayload handshake.AuthPayload
	if err := json.Unmarshal(respFrame.Payload, &serverPayload); err != nil {
		conn.Close()
		return fmt.Errorf("node: malformed mesh.connect response from %s: %w", address, err)
	}
	if expectedDeviceID != "" && serverPayload.DeviceID != expectedDeviceID {
		conn.Close()
		return fmt.Errorf("node: %s responded as deviceId %s, expected %s", address, serverPayload.DeviceID, expectedDeviceID)
	}
	if err := handshake.Verify(r.trustStore, serverPayload, "", tlsFingerprint); err != nil {
		conn.Close()
		return err
	}

	r.establishSession(serverPayload.DeviceID, serverPayload.DisplayName, serverPayload.PublicKey, serverPayload.Capabilities, conn, true)
	return nil
}

func (r *Runtime) establishSession(deviceID, displayName string, publicKey ed25519.PublicKey, capabilities []string, conn *wire.Conn, outbound bool) {
	connID := uuid.New().String()
	sess := session.NewSession(deviceID, connID, publicKey, conn, outbound, displayName, capabilities)
	r.sessions.Register(sess)
	r.capabilityReg.UpdatePeer(deviceID, capabilities)
	r.updateServingState()

	r.wg.Add(1)
	go r.readLoop(deviceID, connID, conn)
}

// readLoop dispatches frames from one session's connection until the
// connection closes, at which point the session is unregistered and its
// capabilities cleared.
func (r *Runtime) readLoop(deviceID, connID string, conn *wire.Conn) {
	defer r.wg.Done()
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			r.sessions.Unregister(connID)
			r.capabilityReg.RemovePeer(deviceID)
			r.limiters.remove(deviceID)
			r.updateServingState()
			return
		}

		switch frame.Type {
		case wire.TypeRequest:
			if !r.limiters.allow(deviceID) {
				_ = conn.WriteFrame(wire.NewResponseError(frame.ID, wireerr.New(wireerr.CodeRateLimited, "request rate limit exceeded")))
				continue
			}
			go r.dispatchRequest(deviceID, conn, frame)
		case wire.TypeResponse:
			r.sessions.HandleRPCResult(frame)
		case wire.TypeEvent:
			if frame.Event == "context.frame" {
				var f clawcontext.Frame
				if err := json.Unmarshal(frame.Payload, &f); err == nil {
					r.propagator.HandleInbound(f, deviceID)
				}
			}
		}
	}
}

func (r *Runtime) dispatchRequest(deviceID string, conn *wire.Conn, frame wire.Frame) {
	r.mu.RLock()
	handler, ok := r.methods[frame.Method]
	r.mu.RUnlock()

	if !ok {
		_ = conn.WriteFrame(wire.NewResponseError(frame.ID, wireerr.New(wireerr.CodeUnknownMethod, "no handler for method "+frame.Method)))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	payload, werr := handler(ctx, conn, frame.Params)
	if werr != nil {
		_ = conn.WriteFrame(wire.NewResponseError(frame.ID, werr))
		return
	}
	resp, err := wire.NewResponseOK(frame.ID, payload)
	if err != nil {
		_ = conn.WriteFrame(wire.NewResponseError(frame.ID, wireerr.New(wireerr.CodeInternalError, err.Error())))
		return
	}
	_ = conn.WriteFrame(resp)
}
