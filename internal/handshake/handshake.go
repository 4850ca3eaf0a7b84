// Package handshake implements mutual Ed25519 authentication over an
// already-accepted wire connection, generalizing the teacher's HTTP
// request-signing scheme (internal/agent/auth.go) to the wire frame
// payload used by the mesh's mesh.connect method.
package handshake

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/ssd-technologies/clawmesh/internal/identity"
	"github.com/ssd-technologies/clawmesh/internal/trust"
	"github.com/ssd-technologies/clawmesh/internal/wireerr"
)

// TimestampWindow is the maximum age of a signed handshake payload before
// it is rejected — the clock-drift window, reused verbatim from the
// teacher's agent.TimestampWindow since the invariant is identical.
const TimestampWindow = 5 * time.Minute

// AuthPayload is the signed mutual-authentication message exchanged during
// mesh.connect, both client->server and server->client.
type AuthPayload struct {
	DeviceID     string            `json:"deviceId"`
	PublicKey    ed25519.PublicKey `json:"publicKey"`
	Signature    string            `json:"signature"` // hex-encoded Ed25519 signature
	SignedAtMs   int64             `json:"signedAtMs"`
	Nonce        string            `json:"nonce,omitempty"`
	DisplayName  string            `json:"displayName,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
}

// CanonicalPayload builds the pipe-delimited string that is signed:
//
//	mesh.connect | v1 | deviceId | signedAtMs [ | nonce ]
//
// The nonce segment is omitted entirely when nonce is empty, since the
// source (and this spec, deliberately) accepts v1 payloads without a
// nonce challenge.
func CanonicalPayload(deviceID string, signedAtMs int64, nonce string) []byte {
	s := "mesh.connect | v1 | " + deviceID + " | " + strconv.FormatInt(signedAtMs, 10)
	if nonce != "" {
		s += " | " + nonce
	}
	return []byte(s)
}

// NewNonce generates a random 16-byte hex-encoded challenge, the same
// shape as the teacher's dht.randomMsgID.
func NewNonce() string {
	b := make([]byte, 16)
	rand.Read(b) //nolint:errcheck
	return hex.EncodeToString(b)
}

// Build signs a handshake payload for id, optionally against a
// server-issued nonce.
func Build(id *identity.Identity, nonce string, displayName string, capabilities []string) AuthPayload {
	now := time.Now().UnixMilli()
	msg := CanonicalPayload(id.DeviceID, now, nonce)
	sig := id.Sign(msg)
	return AuthPayload{
		DeviceID:     id.DeviceID,
		PublicKey:    id.PublicKey,
		Signature:    hex.EncodeToString(sig),
		SignedAtMs:   now,
		Nonce:        nonce,
		DisplayName:  displayName,
		Capabilities: capabilities,
	}
}

// Verify runs the four checks of the handshake protocol, in order:
//
//  1. deviceId must be in the trust set.
//  2. the signature must be valid under the provided public key.
//  3. |now - signedAtMs| must be within TimestampWindow.
//  4. if the peer was discovered with a TLS fingerprint, the observed
//     certificate fingerprint must match it exactly.
//
// discoveredFingerprint is empty when discovery recorded none, in which
// case check 4 is skipped.
func Verify(store trust.Store, payload AuthPayload, observedFingerprint, discoveredFingerprint string) error {
	entry, ok := store.Get(payload.DeviceID)
	if !ok {
		return wireerr.New(wireerr.CodeUntrustedPeer, fmt.Sprintf("deviceId %s is not trusted", payload.DeviceID))
	}
	if len(entry.PublicKey) > 0 && !ed25519EqualKey(entry.PublicKey, payload.PublicKey) {
		return wireerr.New(wireerr.CodeAuthFailed, "public key does not match trusted record")
	}

	sig, err := hex.DecodeString(payload.Signature)
	if err != nil {
		return wireerr.New(wireerr.CodeInvalidParams, "invalid signature encoding")
	}
	msg := CanonicalPayload(payload.DeviceID, payload.SignedAtMs, payload.Nonce)
	if !identity.Verify(payload.PublicKey, msg, sig) {
		return wireerr.New(wireerr.CodeAuthFailed, "signature verification failed")
	}

	drift := time.Since(time.UnixMilli(payload.SignedAtMs))
	if drift < 0 {
		drift = -drift
	}
	if drift >= TimestampWindow {
		return wireerr.New(wireerr.CodeAuthFailed, "signed timestamp outside clock-drift window")
	}

	if discoveredFingerprint != "" && !constantTimeEqual(observedFingerprint, discoveredFingerprint) {
		return wireerr.New(wireerr.CodeTLSFingerprintMismatch, "observed certificate fingerprint does not match discovery record")
	}

	return nil
}

func ed25519EqualKey(a, b ed25519.PublicKey) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// FingerprintCert returns the hex-encoded SHA3-256 digest of a raw DER
// certificate, the fingerprint form compared during handshake verification
// and recorded by discovery — grounded on the teacher's use of
// golang.org/x/crypto/sha3 in internal/crypto/noctis.go.
func FingerprintCert(certDER []byte) string {
	sum := sha3.Sum256(certDER)
	return hex.EncodeToString(sum[:])
}

// ShouldInitiate implements the connection-direction tiebreak: when both
// peers discover each other concurrently, only the one with the
// lexicographically smaller deviceId initiates. This makes steady state
// converge to exactly one session per pair.
func ShouldInitiate(localDeviceID, remoteDeviceID string) bool {
	return localDeviceID < remoteDeviceID
}
