// Package session holds the live peer session registry: the dual index of
// deviceId->session and connId->deviceId, plus the per-peer pending-RPC
// table, generalizing the teacher's mesh.Tracker (internal/mesh/tracker.go)
// and dht.Node's pending-RPC map (internal/dht/node.go).
package session

import (
	"crypto/ed25519"
	"time"

	"github.com/ssd-technologies/clawmesh/internal/wire"
)

// Session is a live connection to a peer, created on successful handshake
// and destroyed on socket close or reconnection from the same peer.
type Session struct {
	DeviceID      string
	ConnID        string
	DisplayName   string
	PublicKey     ed25519.PublicKey
	Conn          *wire.Conn
	Outbound      bool
	Capabilities  []string
	ConnectedAtMs int64
}

// Snapshot is the read-only view of a Session returned by ListConnected,
// matching the mesh.peers response shape of spec.md §6.
type Snapshot struct {
	DeviceID      string   `json:"deviceId"`
	DisplayName   string   `json:"displayName,omitempty"`
	Outbound      bool     `json:"outbound"`
	Capabilities  []string `json:"capabilities"`
	ConnectedAtMs int64    `json:"connectedAtMs"`
}

func (s *Session) snapshot() Snapshot {
	caps := make([]string, len(s.Capabilities))
	copy(caps, s.Capabilities)
	return Snapshot{
		DeviceID:      s.DeviceID,
		DisplayName:   s.DisplayName,
		Outbound:      s.Outbound,
		Capabilities:  caps,
		ConnectedAtMs: s.ConnectedAtMs,
	}
}

// NewSession builds a Session with ConnectedAtMs set to now.
func NewSession(deviceID, connID string, pub ed25519.PublicKey, conn *wire.Conn, outbound bool, displayName string, caps []string) *Session {
	return &Session{
		DeviceID:      deviceID,
		ConnID:        connID,
		DisplayName:   displayName,
		PublicKey:     pub,
		Conn:          conn,
		Outbound:      outbound,
		Capabilities:  caps,
		ConnectedAtMs: time.Now().UnixMilli(),
	}
}
