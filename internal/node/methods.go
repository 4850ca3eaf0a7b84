package node

import (
	"context"
	"encoding/json"

	"github.com/ssd-technologies/clawmesh/internal/forward"
	"github.com/ssd-technologies/clawmesh/internal/session"
	"github.com/ssd-technologies/clawmesh/internal/trust"
	"github.com/ssd-technologies/clawmesh/internal/wire"
	"github.com/ssd-technologies/clawmesh/internal/wireerr"
)

// installStandardMethods installs the standard method set. mesh.connect is
// not among them: it is handled entirely by the handshake phase before a
// session (and therefore the dispatch loop) exists.
func (r *Runtime) installStandardMethods() {
	r.methods["mesh.peers"] = r.handleMeshPeers
	r.methods["mesh.status"] = r.handleMeshStatus
	r.methods["mesh.trust.list"] = r.handleTrustList
	r.methods["mesh.trust.add"] = r.handleTrustAdd
	r.methods["mesh.trust.remove"] = r.handleTrustRemove
	r.methods["mesh.message.forward"] = r.handleMessageForward
}

type peersResponse struct {
	Peers []session.Snapshot `json:"peers"`
}

func (r *Runtime) handleMeshPeers(ctx context.Context, conn *wire.Conn, params json.RawMessage) (any, *wireerr.Error) {
	return peersResponse{Peers: r.sessions.ListConnected()}, nil
}

type statusResponse struct {
	LocalDeviceID  string             `json:"localDeviceId"`
	ConnectedPeers int                `json:"connectedPeers"`
	Peers          []session.Snapshot `json:"peers"`
}

func (r *Runtime) handleMeshStatus(ctx context.Context, conn *wire.Conn, params json.RawMessage) (any, *wireerr.Error) {
	peers := r.sessions.ListConnected()
	return statusResponse{
		LocalDeviceID:  r.identity.DeviceID,
		ConnectedPeers: len(peers),
		Peers:          peers,
	}, nil
}

type trustListResponse struct {
	Peers []trust.TrustedPeer `json:"peers"`
}

func (r *Runtime) handleTrustList(ctx context.Context, conn *wire.Conn, params json.RawMessage) (any, *wireerr.Error) {
	return trustListResponse{Peers: r.trustStore.List()}, nil
}

type trustMutationParams struct {
	DeviceID    string `json:"deviceId"`
	DisplayName string `json:"displayName,omitempty"`
	PublicKey   []byte `json:"publicKey,omitempty"`
}

type trustMutationResponse struct {
	Added    bool   `json:"added,omitempty"`
	Removed  bool   `json:"removed,omitempty"`
	DeviceID string `json:"deviceId"`
}

func (r *Runtime) handleTrustAdd(ctx context.Context, conn *wire.Conn, params json.RawMessage) (any, *wireerr.Error) {
	var p trustMutationParams
	if err := json.Unmarshal(params, &p); err != nil || p.DeviceID == "" {
		return nil, wireerr.New(wireerr.CodeInvalidParams, "deviceId is required")
	}
	peer := trust.TrustedPeer{DeviceID: p.DeviceID, DisplayName: p.DisplayName, PublicKey: p.PublicKey}
	if err := r.trustStore.Add(peer); err != nil {
		return nil, wireerr.New(wireerr.CodeInternalError, err.Error())
	}
	return trustMutationResponse{Added: true, DeviceID: p.DeviceID}, nil
}

func (r *Runtime) handleTrustRemove(ctx context.Context, conn *wire.Conn, params json.RawMessage) (any, *wireerr.Error) {
	var p trustMutationParams
	if err := json.Unmarshal(params, &p); err != nil || p.DeviceID == "" {
		return nil, wireerr.New(wireerr.CodeInvalidParams, "deviceId is required")
	}
	if err := r.trustStore.Remove(p.DeviceID); err != nil {
		return nil, wireerr.New(wireerr.CodeInternalError, err.Error())
	}
	return trustMutationResponse{Removed: true, DeviceID: p.DeviceID}, nil
}

func (r *Runtime) handleMessageForward(ctx context.Context, conn *wire.Conn, params json.RawMessage) (any, *wireerr.Error) {
	var payload forward.ForwardPayload
	if err := json.Unmarshal(params, &payload); err != nil {
		return nil, wireerr.New(wireerr.CodeInvalidParams, "malformed forward payload")
	}
	raw, werr := forward.HandleMessageForward(ctx, r.identity.DeviceID, payload, r.forwardSink)
	if werr != nil {
		return nil, werr
	}
	return json.RawMessage(raw), nil
}
