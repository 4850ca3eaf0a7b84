// Package forward implements one-hop message delivery over the mesh:
// materializing a command envelope, deriving and reconciling trust
// metadata, invoking mesh.message.forward on the target peer via the
// session registry, and — on the receiving side — the loop-prevention and
// trust-gate checks a receiver runs before invoking its local sink.
// Grounded on the teacher's dht.Node.Ping (fresh-correlator, stamp then
// send-and-await shape, internal/dht/node.go) and dht's manifest-then-store
// pipeline in filedist.go (materialize, then side effect, then report).
package forward

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ssd-technologies/clawmesh/internal/envelope"
	"github.com/ssd-technologies/clawmesh/internal/session"
	"github.com/ssd-technologies/clawmesh/internal/wireerr"
)

// DefaultForwardTimeout is the default RPC timeout for mesh.message.forward.
const DefaultForwardTimeout = 30 * time.Second

// CommandDraft is a not-yet-materialized envelope: everything but the
// version/kind/commandId/createdAtMs fields the forwarder stamps in.
type CommandDraft struct {
	Source    envelope.Source
	Target    envelope.Target
	Operation envelope.Operation
	Trust     *envelope.Trust
	Note      string
}

// ForwardRequest is the input to ForwardMessageToPeer.
type ForwardRequest struct {
	PeerDeviceID    string
	Channel         string
	To              string
	Message         string
	MediaURL        string
	AccountID       string
	OriginGatewayID string
	IdempotencyKey  string
	CommandDraft    *CommandDraft
	Command         *envelope.Envelope
	Trust           *envelope.Trust
}

// ForwardResult is the outcome of ForwardMessageToPeer.
type ForwardResult struct {
	OK        bool
	MessageID string
	Err       *wireerr.Error
}

// ForwardPayload is the wire wrapper around an envelope for one-hop
// delivery.
type ForwardPayload struct {
	Channel         string             `json:"channel"`
	To              string             `json:"to"`
	Message         string             `json:"message,omitempty"`
	MediaURL        string             `json:"mediaUrl,omitempty"`
	AccountID       string             `json:"accountId,omitempty"`
	OriginGatewayID string             `json:"originGatewayId"`
	IdempotencyKey  string             `json:"idempotencyKey"`
	Command         *envelope.Envelope `json:"command,omitempty"`
	Trust           *envelope.Trust    `json:"trust,omitempty"`
}

// forwardResponse is the receiver's success payload.
type forwardResponse struct {
	MessageID string `json:"messageId"`
	Channel   string `json:"channel"`
}

// ForwardMessageToPeer materializes the envelope, derives and fills in
// missing trust/idempotency fields, evaluates the trust policy pre-send,
// and — if accepted — invokes mesh.message.forward on the peer via the
// registry.
func ForwardMessageToPeer(ctx context.Context, registry *session.Registry, req ForwardRequest) ForwardResult {
	var command *envelope.Envelope
	if req.CommandDraft != nil {
		command = &envelope.Envelope{
			Version:     1,
			Kind:        "command",
			CommandID:   uuid.New().String(),
			CreatedAtMs: time.Now().UnixMilli(),
			Source:      req.CommandDraft.Source,
			Target:      req.CommandDraft.Target,
			Operation:   req.CommandDraft.Operation,
			Trust:       req.CommandDraft.Trust,
			Note:        req.CommandDraft.Note,
		}
	} else {
		command = req.Command
	}

	topLevelTrust := req.Trust
	if topLevelTrust == nil && command != nil {
		topLevelTrust = command.Trust
	}

	idempotencyKey := req.IdempotencyKey
	if idempotencyKey == "" {
		idempotencyKey = uuid.New().String()
	}

	payload := ForwardPayload{
		Channel:         req.Channel,
		To:              req.To,
		Message:         req.Message,
		MediaURL:        req.MediaURL,
		AccountID:       req.AccountID,
		OriginGatewayID: req.OriginGatewayID,
		IdempotencyKey:  idempotencyKey,
		Command:         command,
		Trust:           topLevelTrust,
	}

	// Evaluate the same trust policy the receiver will evaluate, before
	// transmission, so a denial fails fast instead of burning a round
	// trip. This must refuse the same inputs for the same reasons as
	// HandleMessageForward's receiver-side check.
	var envelopeTrust *envelope.Trust
	if command != nil {
		if err := envelope.ValidateEnvelope(command); err != nil {
			if werr, ok := err.(*wireerr.Error); ok {
				return ForwardResult{OK: false, Err: werr}
			}
			return ForwardResult{OK: false, Err: wireerr.New(wireerr.CodeInvalidCommandEnvelope, err.Error())}
		}
		envelopeTrust = command.Trust
	}

	resolvedTrust, werr := envelope.ResolveForwardTrust(envelopeTrust, topLevelTrust)
	if werr != nil {
		return ForwardResult{OK: false, Err: werr}
	}
	if werr := envelope.EvaluateForwardTrust(resolvedTrust); werr != nil {
		return ForwardResult{OK: false, Err: werr}
	}

	raw, err := registry.Invoke(ctx, req.PeerDeviceID, "mesh.message.forward", payload, DefaultForwardTimeout)
	if err != nil {
		if werr, ok := err.(*wireerr.Error); ok {
			return ForwardResult{OK: false, Err: werr}
		}
		return ForwardResult{OK: false, Err: wireerr.New(wireerr.CodeInternalError, err.Error())}
	}

	var resp forwardResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return ForwardResult{OK: false, Err: wireerr.New(wireerr.CodeInternalError, "malformed forward response")}
	}
	return ForwardResult{OK: true, MessageID: resp.MessageID}
}

// ForwardSink performs the local side effect for an accepted forward and
// returns a messageId, or an error if delivery fails.
type ForwardSink func(ctx context.Context, payload ForwardPayload) (messageID string, err error)

// HandleMessageForward is the mesh.message.forward receiver handler: it
// validates required fields, rejects loops, reconciles and evaluates
// trust, and — if accepted — invokes sink.
func HandleMessageForward(ctx context.Context, localDeviceID string, payload ForwardPayload, sink ForwardSink) (json.RawMessage, *wireerr.Error) {
	if payload.Channel == "" || payload.To == "" || payload.OriginGatewayID == "" {
		return nil, wireerr.New(wireerr.CodeInvalidParams, "channel, to, and originGatewayId are required")
	}
	if payload.OriginGatewayID == localDeviceID {
		return nil, wireerr.New(wireerr.CodeLoopDetected, "originGatewayId matches this node; refusing to forward a message that originated here")
	}

	var envelopeTrust *envelope.Trust
	if payload.Command != nil {
		if err := envelope.ValidateEnvelope(payload.Command); err != nil {
			if werr, ok := err.(*wireerr.Error); ok {
				return nil, werr
			}
			return nil, wireerr.New(wireerr.CodeInvalidCommandEnvelope, err.Error())
		}
		envelopeTrust = payload.Command.Trust
	}

	resolvedTrust, werr := envelope.ResolveForwardTrust(envelopeTrust, payload.Trust)
	if werr != nil {
		return nil, werr
	}

	if werr := envelope.EvaluateForwardTrust(resolvedTrust); werr != nil {
		return nil, werr
	}

	messageID, err := sink(ctx, payload)
	if err != nil {
		return nil, wireerr.New(wireerr.CodeDeliveryFailed, err.Error())
	}

	raw, err := json.Marshal(forwardResponse{MessageID: messageID, Channel: payload.Channel})
	if err != nil {
		return nil, wireerr.New(wireerr.CodeInternalError, err.Error())
	}
	return raw, nil
}
