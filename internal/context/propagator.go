package context

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MaxGossipHops bounds re-broadcast depth: a frame arriving with
// Hops == MaxGossipHops is ingested but not re-propagated.
const MaxGossipHops = 3

// maxSeenIds is the seen-set's bounded capacity; on overflow it is trimmed
// to the most recent 75%.
const maxSeenIds = 5000

// EventBroadcaster is the subset of the session registry the propagator
// needs: emit an event to every session, optionally excluding one peer.
type EventBroadcaster interface {
	BroadcastEvent(event string, payload any)
	BroadcastEventExcept(event string, payload any, exceptDeviceID string)
}

// Propagator implements hop-limited gossip of context frames: dedup by
// frameId, self-origin loop detection, and re-broadcast to every session
// except the one a frame arrived from.
type Propagator struct {
	selfDeviceID string
	broadcaster  EventBroadcaster
	worldModel   *WorldModel

	mu        sync.Mutex
	seenSet   map[string]struct{}
	seenOrder []string
}

// NewPropagator builds a propagator for selfDeviceID, emitting events
// through broadcaster and ingesting into worldModel.
func NewPropagator(selfDeviceID string, broadcaster EventBroadcaster, worldModel *WorldModel) *Propagator {
	return &Propagator{
		selfDeviceID: selfDeviceID,
		broadcaster:  broadcaster,
		worldModel:   worldModel,
		seenSet:      make(map[string]struct{}),
	}
}

// Broadcast stamps a fresh frameId/sourceDeviceId/timestamp/hops=0 onto f,
// records it in the seen-set, and emits it to every connected session.
func (p *Propagator) Broadcast(f Frame) Frame {
	f.FrameID = uuid.New().String()
	f.SourceDeviceID = p.selfDeviceID
	f.Timestamp = time.Now().UnixMilli()
	f.Hops = 0

	p.markSeen(f.FrameID)
	p.broadcaster.BroadcastEvent("context.frame", f)
	return f
}

// HandleInbound processes a frame received from fromDeviceID: duplicate
// frameIds and self-originated frames are dropped; otherwise the frame is
// ingested into the world model and, if under the hop limit, re-emitted to
// every session except fromDeviceID with Hops incremented.
func (p *Propagator) HandleInbound(f Frame, fromDeviceID string) {
	if p.hasSeen(f.FrameID) {
		return
	}
	if f.SourceDeviceID == p.selfDeviceID {
		p.markSeen(f.FrameID)
		return
	}

	p.markSeen(f.FrameID)
	p.worldModel.Ingest(f)

	if f.Hops < MaxGossipHops {
		next := f
		next.Hops = f.Hops + 1
		p.broadcaster.BroadcastEventExcept("context.frame", next, fromDeviceID)
	}
}

func (p *Propagator) markSeen(frameID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.seenSet[frameID]; ok {
		return
	}
	p.seenSet[frameID] = struct{}{}
	p.seenOrder = append(p.seenOrder, frameID)

	if len(p.seenOrder) > maxSeenIds {
		keepFrom := len(p.seenOrder) - (maxSeenIds * 3 / 4)
		for _, id := range p.seenOrder[:keepFrom] {
			delete(p.seenSet, id)
		}
		p.seenOrder = append([]string(nil), p.seenOrder[keepFrom:]...)
	}
}

func (p *Propagator) hasSeen(frameID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.seenSet[frameID]
	return ok
}

// BroadcastObservation builds and broadcasts an observation frame,
// pre-filling trust metadata to the conventional values for observations
// (evidence_sources=["sensor"], evidence_trust_tier=T2).
func (p *Propagator) BroadcastObservation(data json.RawMessage, note string) Frame {
	return p.Broadcast(Frame{
		Kind: KindObservation,
		Data: data,
		Note: note,
		Trust: FrameTrust{
			EvidenceSources:   []string{"sensor"},
			EvidenceTrustTier: "T2_operational_observation",
		},
	})
}

// BroadcastHumanInput builds and broadcasts a human_input frame, pre-filled
// with evidence_sources=["human"], evidence_trust_tier=T3.
func (p *Propagator) BroadcastHumanInput(data json.RawMessage, note string) Frame {
	return p.Broadcast(Frame{
		Kind: KindHumanInput,
		Data: data,
		Note: note,
		Trust: FrameTrust{
			EvidenceSources:   []string{"human"},
			EvidenceTrustTier: "T3_verified_action_evidence",
		},
	})
}

// BroadcastInference builds and broadcasts an inference frame, pre-filled
// with evidence_sources=["llm"], evidence_trust_tier=T0.
func (p *Propagator) BroadcastInference(data json.RawMessage, note string) Frame {
	return p.Broadcast(Frame{
		Kind: KindInference,
		Data: data,
		Note: note,
		Trust: FrameTrust{
			EvidenceSources:   []string{"llm"},
			EvidenceTrustTier: "T0_planning_inference",
		},
	})
}
