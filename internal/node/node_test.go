package node

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/ssd-technologies/clawmesh/internal/envelope"
	"github.com/ssd-technologies/clawmesh/internal/forward"
	"github.com/ssd-technologies/clawmesh/internal/identity"
	"github.com/ssd-technologies/clawmesh/internal/trust"
)

func testRuntime(t *testing.T, displayName string) *Runtime {
	t.Helper()
	dir := t.TempDir()

	id, err := identity.LoadOrCreate(filepath.Join(dir, "device.key"))
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	store, err := trust.NewFileStore(filepath.Join(dir, "trusted-peers.json"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	rt, err := NewRuntime(Config{
		Identity:    id,
		TrustStore:  store,
		ListenAddr:  "127.0.0.1:0",
		DisplayName: displayName,
	})
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	return rt
}

func trustEachOther(t *testing.T, a, b *Runtime) {
	t.Helper()
	aStore := a.trustStore
	bStore := b.trustStore
	if err := aStore.Add(trust.TrustedPeer{DeviceID: b.identity.DeviceID, PublicKey: b.identity.PublicKey}); err != nil {
		t.Fatalf("trust a->b: %v", err)
	}
	if err := bStore.Add(trust.TrustedPeer{DeviceID: a.identity.DeviceID, PublicKey: a.identity.PublicKey}); err != nil {
		t.Fatalf("trust b->a: %v", err)
	}
}

func startedPair(t *testing.T) (a, b *Runtime, ctx context.Context) {
	t.Helper()
	a = testRuntime(t, "node-a")
	b = testRuntime(t, "node-b")
	trustEachOther(t, a, b)

	ctx = context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("a.Start: %v", err)
	}
	if err := b.Start(ctx); err != nil {
		t.Fatalf("b.Start: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		a.Stop(stopCtx)
		b.Stop(stopCtx)
	})

	if err := a.connectPeer(ctx, b.Addr(), b.DeviceID(), ""); err != nil {
		t.Fatalf("connectPeer: %v", err)
	}

	waitForSession(t, b, a.DeviceID())
	return a, b, ctx
}

func waitForSession(t *testing.T, rt *Runtime, deviceID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := rt.sessions.Get(deviceID); ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for session %s to appear", deviceID)
}

func TestHandshake_EstablishesSessionsBothSides(t *testing.T) {
	a, b, _ := startedPair(t)

	if _, ok := a.sessions.Get(b.DeviceID()); !ok {
		t.Fatal("expected a to have a session for b")
	}
	if _, ok := b.sessions.Get(a.DeviceID()); !ok {
		t.Fatal("expected b to have a session for a")
	}
	if a.State() != StateServing || b.State() != StateServing {
		t.Fatalf("expected both runtimes serving, got a=%s b=%s", a.State(), b.State())
	}
}

func TestHandshake_RejectsUntrustedPeer(t *testing.T) {
	a := testRuntime(t, "node-a")
	b := testRuntime(t, "node-b")
	// Deliberately skip trustEachOther.

	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("a.Start: %v", err)
	}
	if err := b.Start(ctx); err != nil {
		t.Fatalf("b.Start: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		a.Stop(stopCtx)
		b.Stop(stopCtx)
	})

	err := a.connectPeer(ctx, b.Addr(), b.DeviceID(), "")
	if err == nil {
		t.Fatal("expected untrusted peer to fail handshake")
	}
}

func TestMeshPeers_ReflectsBothDirections(t *testing.T) {
	a, b, ctx := startedPair(t)

	raw, err := a.sessions.Invoke(ctx, b.DeviceID(), "mesh.peers", nil, 5*time.Second)
	if err != nil {
		t.Fatalf("Invoke mesh.peers: %v", err)
	}
	var resp peersResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Peers) != 1 || resp.Peers[0].DeviceID != a.DeviceID() {
		t.Fatalf("got %+v", resp)
	}
}

func TestMeshStatus_ReportsLocalDeviceAndPeers(t *testing.T) {
	a, b, ctx := startedPair(t)

	raw, err := a.sessions.Invoke(ctx, b.DeviceID(), "mesh.status", nil, 5*time.Second)
	if err != nil {
		t.Fatalf("Invoke mesh.status: %v", err)
	}
	var resp statusResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.LocalDeviceID != b.DeviceID() || resp.ConnectedPeers != 1 {
		t.Fatalf("got %+v", resp)
	}
}

func TestMeshTrustAddListRemove(t *testing.T) {
	a, b, ctx := startedPair(t)

	_, err := a.sessions.Invoke(ctx, b.DeviceID(), "mesh.trust.add", trustMutationParams{DeviceID: "device-x", DisplayName: "X"}, 5*time.Second)
	if err != nil {
		t.Fatalf("trust.add: %v", err)
	}

	raw, err := a.sessions.Invoke(ctx, b.DeviceID(), "mesh.trust.list", nil, 5*time.Second)
	if err != nil {
		t.Fatalf("trust.list: %v", err)
	}
	var listResp trustListResponse
	json.Unmarshal(raw, &listResp)
	found := false
	for _, p := range listResp.Peers {
		if p.DeviceID == "device-x" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected device-x in trust list, got %+v", listResp)
	}

	_, err = a.sessions.Invoke(ctx, b.DeviceID(), "mesh.trust.remove", trustMutationParams{DeviceID: "device-x"}, 5*time.Second)
	if err != nil {
		t.Fatalf("trust.remove: %v", err)
	}
	if b.trustStore.Contains("device-x") {
		t.Fatal("expected device-x removed from trust store")
	}
}

func TestMessageForward_RoundTripSuccess(t *testing.T) {
	a, b, ctx := startedPair(t)

	result := forward.ForwardMessageToPeer(ctx, a.sessions, forward.ForwardRequest{
		PeerDeviceID:    b.DeviceID(),
		Channel:         "telegram",
		To:              "user-1",
		OriginGatewayID: a.DeviceID(),
		CommandDraft: &forward.CommandDraft{
			Source:    envelope.Source{NodeID: a.DeviceID()},
			Target:    envelope.Target{Kind: envelope.TargetDevice, Ref: "device-1"},
			Operation: envelope.Operation{Name: "send_message"},
		},
	})

	if !result.OK || result.MessageID == "" {
		t.Fatalf("expected success, got %+v", result)
	}
}

func TestMessageForward_LoopDetected(t *testing.T) {
	a, b, ctx := startedPair(t)

	result := forward.ForwardMessageToPeer(ctx, a.sessions, forward.ForwardRequest{
		PeerDeviceID:    b.DeviceID(),
		Channel:         "telegram",
		To:              "user-1",
		OriginGatewayID: b.DeviceID(),
		CommandDraft: &forward.CommandDraft{
			Source:    envelope.Source{NodeID: a.DeviceID()},
			Target:    envelope.Target{Kind: envelope.TargetDevice, Ref: "device-1"},
			Operation: envelope.Operation{Name: "send_message"},
		},
	})

	if result.OK || result.Err == nil || result.Err.Code != "LOOP_DETECTED" {
		t.Fatalf("expected LOOP_DETECTED, got %+v", result)
	}
}

func TestContextFrame_PropagatesToPeer(t *testing.T) {
	a, b, _ := startedPair(t)

	a.Propagator().BroadcastObservation(json.RawMessage(`{"zone":"kitchen","metric":"temp","value":21}`), "")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.WorldModel().Size() > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if b.WorldModel().Size() != 1 {
		t.Fatalf("expected b's world model to have ingested the broadcast frame, size=%d", b.WorldModel().Size())
	}
}

func TestStop_ClosesSessionsAndListener(t *testing.T) {
	a, b, _ := startedPair(t)

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if a.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", a.State())
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := b.sessions.Get(a.DeviceID()); !ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected b to observe a's session close")
}
