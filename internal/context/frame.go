// Package context implements the hop-limited gossip propagator and the
// convergent world model it feeds, generalizing the teacher's
// dht.Gossiper (internal/dht/gossip.go) from a fixed safety-critical
// gossip-type set to the mesh's ContextFrame kinds, and its TTL-based
// seen-set expiry to a bounded-count trim rule.
package context

import (
	"encoding/json"
)

// Kind enumerates the shapes of a context frame.
type Kind string

const (
	KindObservation      Kind = "observation"
	KindEvent            Kind = "event"
	KindHumanInput       Kind = "human_input"
	KindInference        Kind = "inference"
	KindCapabilityUpdate Kind = "capability_update"
)

// FrameTrust is the minimal trust metadata carried by a context frame.
type FrameTrust struct {
	EvidenceSources   []string `json:"evidence_sources,omitempty"`
	EvidenceTrustTier string   `json:"evidence_trust_tier,omitempty"`
}

// Frame is one gossip unit: an observation, event, human input, inference,
// or capability update, with trust metadata.
type Frame struct {
	Kind              Kind            `json:"kind"`
	FrameID           string          `json:"frameId"`
	SourceDeviceID    string          `json:"sourceDeviceId"`
	SourceDisplayName string          `json:"sourceDisplayName,omitempty"`
	Timestamp         int64           `json:"timestamp"`
	Data              json.RawMessage `json:"data"`
	Trust             FrameTrust      `json:"trust"`
	Note              string          `json:"note,omitempty"`
	Hops              int             `json:"hops"`
}
