package forward

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ssd-technologies/clawmesh/internal/envelope"
	"github.com/ssd-technologies/clawmesh/internal/session"
	"github.com/ssd-technologies/clawmesh/internal/wire"
	"github.com/ssd-technologies/clawmesh/internal/wireerr"
)

func boolPtr(b bool) *bool { return &b }

func verifiedActuationDraft() *CommandDraft {
	return &CommandDraft{
		Target:    envelope.Target{Kind: envelope.TargetCapability, Ref: "actuator:mock:valve-1"},
		Operation: envelope.Operation{Name: "open"},
		Trust: &envelope.Trust{
			ActionType:            envelope.ActionActuation,
			EvidenceTrustTier:     envelope.T3VerifiedActionEvidence,
			MinimumTrustTier:      envelope.T2OperationalObservation,
			VerificationRequired:  envelope.VerificationHuman,
			VerificationSatisfied: boolPtr(true),
			EvidenceSources:       []envelope.EvidenceSource{envelope.EvidenceSensor, envelope.EvidenceHuman},
		},
	}
}

func TestHandleMessageForward_S1_VerifiedActuationInvokesSink(t *testing.T) {
	payload := ForwardPayload{
		Channel:         "actuator:mock",
		To:              "valve-1",
		OriginGatewayID: "node-a",
		IdempotencyKey:  "key-1",
		Command: &envelope.Envelope{
			Version:     1,
			Kind:        "command",
			CommandID:   "cmd-1",
			CreatedAtMs: 1000,
			Target:      envelope.Target{Kind: envelope.TargetCapability, Ref: "actuator:mock:valve-1"},
			Operation:   envelope.Operation{Name: "open"},
			Trust: &envelope.Trust{
				ActionType:            envelope.ActionActuation,
				EvidenceTrustTier:     envelope.T3VerifiedActionEvidence,
				MinimumTrustTier:      envelope.T2OperationalObservation,
				VerificationRequired:  envelope.VerificationHuman,
				VerificationSatisfied: boolPtr(true),
				EvidenceSources:       []envelope.EvidenceSource{envelope.EvidenceSensor, envelope.EvidenceHuman},
			},
		},
	}

	var sinkCalled bool
	sink := func(ctx context.Context, p ForwardPayload) (string, error) {
		sinkCalled = true
		return "msg-1", nil
	}

	raw, werr := HandleMessageForward(context.Background(), "node-b", payload, sink)
	if werr != nil {
		t.Fatalf("expected ok, got %v", werr)
	}
	if !sinkCalled {
		t.Fatal("expected sink to be invoked for accepted actuation")
	}
	if len(raw) == 0 {
		t.Fatal("expected a response payload")
	}
}

func TestHandleMessageForward_S2_LLMOnlyBlocked(t *testing.T) {
	payload := ForwardPayload{
		Channel:         "actuator:mock",
		To:              "valve-1",
		OriginGatewayID: "node-a",
		Command: &envelope.Envelope{
			Version:     1,
			Kind:        "command",
			CommandID:   "cmd-2",
			CreatedAtMs: 1000,
			Target:      envelope.Target{Kind: envelope.TargetCapability, Ref: "actuator:mock:valve-1"},
			Operation:   envelope.Operation{Name: "open"},
			Trust: &envelope.Trust{
				ActionType:           envelope.ActionActuation,
				EvidenceTrustTier:    envelope.T1UnverifiedObservation,
				MinimumTrustTier:     envelope.T1UnverifiedObservation,
				VerificationRequired: envelope.VerificationNone,
				EvidenceSources:      []envelope.EvidenceSource{envelope.EvidenceLLM},
			},
		},
	}

	sinkCalled := false
	sink := func(ctx context.Context, p ForwardPayload) (string, error) {
		sinkCalled = true
		return "msg-2", nil
	}

	_, werr := HandleMessageForward(context.Background(), "node-b", payload, sink)
	if werr == nil || werr.Code != wireerr.CodeLLMOnlyActuationBlocked {
		t.Fatalf("expected LLM_ONLY_ACTUATION_BLOCKED, got %v", werr)
	}
	if sinkCalled {
		t.Fatal("sink must not run when trust evaluation denies the forward")
	}
}

func TestHandleMessageForward_S3_LoopDetected(t *testing.T) {
	payload := ForwardPayload{
		Channel:         "channel:telegram",
		To:              "user-1",
		OriginGatewayID: "node-b",
	}

	sinkCalled := false
	sink := func(ctx context.Context, p ForwardPayload) (string, error) {
		sinkCalled = true
		return "msg-3", nil
	}

	_, werr := HandleMessageForward(context.Background(), "node-b", payload, sink)
	if werr == nil || werr.Code != wireerr.CodeLoopDetected {
		t.Fatalf("expected LOOP_DETECTED, got %v", werr)
	}
	if sinkCalled {
		t.Fatal("onForward must not be invoked when a loop is detected")
	}
}

func TestHandleMessageForward_S6_EnvelopeTopLevelMismatch(t *testing.T) {
	payload := ForwardPayload{
		Channel:         "actuator:mock",
		To:              "valve-1",
		OriginGatewayID: "node-a",
		Command: &envelope.Envelope{
			Version:     1,
			Kind:        "command",
			CommandID:   "cmd-4",
			CreatedAtMs: 1000,
			Target:      envelope.Target{Kind: envelope.TargetCapability, Ref: "actuator:mock:valve-1"},
			Operation:   envelope.Operation{Name: "open"},
			Trust: &envelope.Trust{
				ActionType:           envelope.ActionActuation,
				EvidenceTrustTier:    envelope.T3VerifiedActionEvidence,
				MinimumTrustTier:     envelope.T2OperationalObservation,
				VerificationRequired: envelope.VerificationNone,
			},
		},
		Trust: &envelope.Trust{
			ActionType:           envelope.ActionActuation,
			EvidenceTrustTier:    envelope.T3VerifiedActionEvidence,
			MinimumTrustTier:     envelope.T3VerifiedActionEvidence,
			VerificationRequired: envelope.VerificationNone,
		},
	}

	_, werr := HandleMessageForward(context.Background(), "node-b", payload, func(ctx context.Context, p ForwardPayload) (string, error) {
		return "msg-6", nil
	})
	if werr == nil || werr.Code != wireerr.CodeTrustEnvelopeMismatch {
		t.Fatalf("expected TRUST_ENVELOPE_MISMATCH, got %v", werr)
	}
}

func TestHandleMessageForward_MissingRequiredFields(t *testing.T) {
	_, werr := HandleMessageForward(context.Background(), "node-b", ForwardPayload{}, nil)
	if werr == nil || werr.Code != wireerr.CodeInvalidParams {
		t.Fatalf("expected INVALID_PARAMS, got %v", werr)
	}
}

func TestHandleMessageForward_SinkFailureBecomesDeliveryFailed(t *testing.T) {
	payload := ForwardPayload{
		Channel:         "channel:telegram",
		To:              "user-1",
		OriginGatewayID: "node-a",
	}
	sink := func(ctx context.Context, p ForwardPayload) (string, error) {
		return "", errors.New("downstream channel unreachable")
	}
	_, werr := HandleMessageForward(context.Background(), "node-b", payload, sink)
	if werr == nil || werr.Code != wireerr.CodeDeliveryFailed {
		t.Fatalf("expected DELIVERY_FAILED, got %v", werr)
	}
}

func TestForwardMessageToPeer_MaterializesAndInvokes(t *testing.T) {
	r := session.NewRegistry()
	accepted := make(chan *wire.Conn, 1)
	l, err := wire.NewListener("127.0.0.1:0", func(c *wire.Conn) { accepted <- c })
	if err != nil {
		t.Fatalf("NewListener: %v", err)
	}
	defer l.Close()

	dialCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	client, err := wire.Dial(dialCtx, l.Addr())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	var server *wire.Conn
	select {
	case server = <-accepted:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for accepted connection")
	}
	defer server.Close()

	r.Register(session.NewSession("peer-b", "conn-1", nil, client, true, "", nil))

	go func() {
		req, err := server.ReadFrame()
		if err != nil {
			return
		}
		var payload ForwardPayload
		if err := json.Unmarshal(req.Params, &payload); err != nil {
			return
		}
		if payload.Command == nil || payload.Command.CommandID == "" {
			return
		}
		if payload.IdempotencyKey == "" {
			return
		}
		resp, err := wire.NewResponseOK(req.ID, forwardResponse{MessageID: "msg-materialized", Channel: payload.Channel})
		if err != nil {
			return
		}
		server.WriteFrame(resp)
	}()

	// The session registry does not read its sessions' connections; stand in
	// for the node runtime's read loop, which hands response frames to
	// HandleRPCResult.
	go func() {
		res, err := client.ReadFrame()
		if err != nil {
			return
		}
		r.HandleRPCResult(res)
	}()

	req := ForwardRequest{
		PeerDeviceID:    "peer-b",
		Channel:         "actuator:mock",
		To:              "valve-1",
		OriginGatewayID: "node-a",
		CommandDraft:    verifiedActuationDraft(),
	}
	result := ForwardMessageToPeer(context.Background(), r, req)
	if !result.OK {
		t.Fatalf("expected ok, got %+v", result)
	}
	if result.MessageID != "msg-materialized" {
		t.Fatalf("got messageId %q", result.MessageID)
	}
}
