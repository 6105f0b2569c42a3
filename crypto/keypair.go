package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// ErrInvalidSecretKey is returned for an all-zero or malformed secret key.
var ErrInvalidSecretKey = errors.New("invalid secret key")

// KeyPair is a Curve25519 static key pair identifying a node.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a new random key pair.
func GenerateKeyPair() (*KeyPair, error) {
	publicKey, privateKey, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key pair: %w", err)
	}

	keyPair := &KeyPair{
		Public:  *publicKey,
		Private: *privateKey,
	}
	NewLogger("GenerateKeyPair").WithFields(SecureFieldHash(keyPair.Public[:], "public_key")).Debug("Generated key pair")
	return keyPair, nil
}

// FromSecretKey derives the key pair for an existing private key.
func FromSecretKey(secretKey [32]byte) (*KeyPair, error) {
	if isZeroKey(secretKey) {
		return nil, fmt.Errorf("%w: all zeros", ErrInvalidSecretKey)
	}

	pub, err := curve25519.X25519(secretKey[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSecretKey, err)
	}

	kp := &KeyPair{Private: secretKey}
	copy(kp.Public[:], pub)
	return kp, nil
}

// ParseSecretKey decodes a hex encoded private key, as stored in
// configuration files, and derives its key pair.
func ParseSecretKey(s string) (*KeyPair, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSecretKey, err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("%w: want 32 bytes, got %d", ErrInvalidSecretKey, len(raw))
	}
	var sk [32]byte
	copy(sk[:], raw)
	ZeroBytes(raw)
	return FromSecretKey(sk)
}

// PublicKeyString returns the hex form of the public key.
func (kp *KeyPair) PublicKeyString() string {
	return hex.EncodeToString(kp.Public[:])
}

// isZeroKey checks if a key consists of all zeros.
func isZeroKey(key [32]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
