package handshake

import (
	"encoding/hex"
	"path/filepath"
	"testing"
	"time"

	"github.com/ssd-technologies/clawmesh/internal/identity"
	"github.com/ssd-technologies/clawmesh/internal/trust"
)

func testIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.LoadOrCreate(filepath.Join(t.TempDir(), "device.json"))
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	return id
}

func testTrustedStore(t *testing.T, id *identity.Identity) trust.Store {
	t.Helper()
	s, err := trust.NewFileStore(filepath.Join(t.TempDir(), "trusted-peers.json"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := s.Add(trust.TrustedPeer{DeviceID: id.DeviceID, PublicKey: id.PublicKey}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	return s
}

func TestBuildThenVerify(t *testing.T) {
	id := testIdentity(t)
	store := testTrustedStore(t, id)

	payload := Build(id, "", "node-a", []string{"channel:telegram"})
	if err := Verify(store, payload, "", ""); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestBuildThenVerify_WithNonce(t *testing.T) {
	id := testIdentity(t)
	store := testTrustedStore(t, id)

	nonce := NewNonce()
	payload := Build(id, nonce, "", nil)
	if err := Verify(store, payload, "", ""); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerify_UntrustedPeer(t *testing.T) {
	id := testIdentity(t)
	store, err := trust.NewFileStore(filepath.Join(t.TempDir(), "trusted-peers.json"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	payload := Build(id, "", "", nil)
	err = Verify(store, payload, "", "")
	if err == nil {
		t.Fatal("expected error for untrusted peer")
	}
}

func TestVerify_TamperedSignatureFails(t *testing.T) {
	id := testIdentity(t)
	store := testTrustedStore(t, id)

	payload := Build(id, "", "", nil)
	payload.Signature = payload.Signature[:len(payload.Signature)-2] + "00"

	if err := Verify(store, payload, "", ""); err == nil {
		t.Fatal("expected error for tampered signature")
	}
}

func TestVerify_DriftBoundary(t *testing.T) {
	id := testIdentity(t)
	store := testTrustedStore(t, id)

	// Exactly at 5 minutes of drift: reject.
	at5min := Build(id, "", "", nil)
	at5min.SignedAtMs = time.Now().Add(-5 * time.Minute).UnixMilli()
	at5min.Signature = signFor(id, at5min)
	if err := Verify(store, at5min, "", ""); err == nil {
		t.Error("expected rejection exactly at 5 minutes of drift")
	}

	// At 4 minutes of drift: accept.
	at4min := Build(id, "", "", nil)
	at4min.SignedAtMs = time.Now().Add(-4 * time.Minute).UnixMilli()
	at4min.Signature = signFor(id, at4min)
	if err := Verify(store, at4min, "", ""); err != nil {
		t.Errorf("expected acceptance at 4 minutes of drift, got: %v", err)
	}
}

func signFor(id *identity.Identity, p AuthPayload) string {
	msg := CanonicalPayload(p.DeviceID, p.SignedAtMs, p.Nonce)
	sig := id.Sign(msg)
	return hex.EncodeToString(sig)
}

func TestVerify_TLSFingerprintMismatch(t *testing.T) {
	id := testIdentity(t)
	store := testTrustedStore(t, id)

	payload := Build(id, "", "", nil)
	if err := Verify(store, payload, "observed-fp", "expected-fp"); err == nil {
		t.Fatal("expected TLS fingerprint mismatch error")
	}
}

func TestVerify_TLSFingerprintMatch(t *testing.T) {
	id := testIdentity(t)
	store := testTrustedStore(t, id)

	payload := Build(id, "", "", nil)
	if err := Verify(store, payload, "same-fp", "same-fp"); err != nil {
		t.Fatalf("expected match to pass, got: %v", err)
	}
}

func TestShouldInitiate(t *testing.T) {
	if !ShouldInitiate("aaa", "bbb") {
		t.Error("smaller deviceId should initiate")
	}
	if ShouldInitiate("bbb", "aaa") {
		t.Error("larger deviceId should not initiate")
	}
}
