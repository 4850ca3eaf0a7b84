package identity

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/argon2"
)

// Passphrase key-derivation parameters, matching the teacher's argon2id
// profile for wrapping secrets at rest.
const (
	argonTime    = 3
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
	argonKeyLen  = 32 // 256 bits (AES-256 key)
	saltLen      = 32
)

// deriveWrapKey derives a symmetric key from a passphrase and salt using
// Argon2id, the same profile the teacher uses for its own secret-at-rest
// wrapping in internal/crypto/kdf.go.
func deriveWrapKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

// LoadOrCreateWithPassphrase is like LoadOrCreate but wraps the Ed25519 seed
// at rest with an Argon2id-derived AES-GCM key. Disabled by default — callers
// opt in explicitly; when no passphrase is configured, LoadOrCreate's
// clear-text file format remains the default, matching the teacher.
func LoadOrCreateWithPassphrase(path, passphrase string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return unwrapIdentity(data, passphrase)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("identity: read key file: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate keypair: %w", err)
	}

	wrapped, err := wrapSeed(priv.Seed(), passphrase)
	if err != nil {
		return nil, fmt.Errorf("identity: wrap seed: %w", err)
	}
	if err := os.WriteFile(path, wrapped, 0o600); err != nil {
		return nil, fmt.Errorf("identity: write key file: %w", err)
	}
	return &Identity{PrivateKey: priv, PublicKey: pub, DeviceID: DeviceIDFromPublicKey(pub)}, nil
}

// wrapSeed encrypts an Ed25519 seed with AES-256-GCM under an Argon2id key,
// laying out the file as salt || nonce || ciphertext.
func wrapSeed(seed []byte, passphrase string) ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	key := deriveWrapKey(passphrase, salt)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	ciphertext := gcm.Seal(nil, nonce, seed, nil)

	out := make([]byte, 0, saltLen+len(nonce)+len(ciphertext))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return out, nil
}

func unwrapIdentity(data []byte, passphrase string) (*Identity, error) {
	if len(data) < saltLen+12 {
		return nil, fmt.Errorf("identity: wrapped key file too short")
	}
	salt := data[:saltLen]
	rest := data[saltLen:]

	key := deriveWrapKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonceSize := gcm.NonceSize()
	if len(rest) < nonceSize {
		return nil, fmt.Errorf("identity: wrapped key file too short")
	}
	nonce, ciphertext := rest[:nonceSize], rest[nonceSize:]

	seed, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("identity: decrypt key file: wrong passphrase or corrupt file")
	}

	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return &Identity{PrivateKey: priv, PublicKey: pub, DeviceID: DeviceIDFromPublicKey(pub)}, nil
}
