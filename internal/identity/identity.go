// Package identity manages the node's long-lived Ed25519 keypair and the
// deviceId derived from it.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
)

// Identity is a node's long-lived signing keypair and derived deviceId.
// Immutable for the life of the node.
type Identity struct {
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
	DeviceID   string
}

// DeviceIDFromPublicKey computes the hex-encoded SHA-256 of a raw Ed25519
// public key. This is the node's stable long-lived identity.
func DeviceIDFromPublicKey(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

// LoadOrCreate loads an Ed25519 keypair from path, or generates and persists
// a new one if the file doesn't exist. The file format is the raw 64-byte
// Ed25519 private key (the public key is its last 32 bytes), written with
// owner-only permissions.
func LoadOrCreate(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("identity: invalid key file: expected %d bytes, got %d", ed25519.PrivateKeySize, len(data))
		}
		priv := ed25519.PrivateKey(data)
		pub := priv.Public().(ed25519.PublicKey)
		return &Identity{PrivateKey: priv, PublicKey: pub, DeviceID: DeviceIDFromPublicKey(pub)}, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("identity: read key file: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate keypair: %w", err)
	}
	if err := os.WriteFile(path, []byte(priv), 0o600); err != nil {
		return nil, fmt.Errorf("identity: write key file: %w", err)
	}
	return &Identity{PrivateKey: priv, PublicKey: pub, DeviceID: DeviceIDFromPublicKey(pub)}, nil
}

// Sign signs message with the identity's private key.
func (id *Identity) Sign(message []byte) []byte {
	return ed25519.Sign(id.PrivateKey, message)
}

// Verify checks a signature against an arbitrary public key. It is a
// free-standing primitive so handshake code can verify a remote peer's
// signature without holding a local Identity for them.
func Verify(pub ed25519.PublicKey, message, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, message, sig)
}
