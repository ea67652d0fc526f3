// Package secure implements the SLS/SFP crypto module: ephemeral
// X25519 key agreement, HKDF-SHA256 session key derivation bound to both
// peers' public keys, and ChaCha20-Poly1305 chunk encryption with the
// segment/chunk-derived nonce the wire format mandates.
package secure

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// KeyPair is an ephemeral X25519 keypair, generated fresh for one session and
// discarded when the session ends.
type KeyPair struct {
	PublicKey  [32]byte
	PrivateKey [32]byte
}

// GenerateKeyPair creates a new ephemeral X25519 keypair.
func GenerateKeyPair() (*KeyPair, error) {
	var kp KeyPair
	if _, err := rand.Read(kp.PrivateKey[:]); err != nil {
		return nil, fmt.Errorf("secure: generate X25519 private key: %w", err)
	}
	curve25519.ScalarBaseMult(&kp.PublicKey, &kp.PrivateKey)
	return &kp, nil
}

// ErrInvalidPublicKey is returned when an ECDH exchange produces an all-zero
// shared secret, which indicates the peer sent a degenerate public key.
var ErrInvalidPublicKey = errors.New("secure: X25519 exchange produced all-zero shared secret")

// SharedSecret performs the X25519 ECDH computation.
func SharedSecret(ourPrivate, theirPublic *[32]byte) ([32]byte, error) {
	var secret [32]byte
	curve25519.ScalarMult(&secret, ourPrivate, theirPublic)

	allZero := true
	for _, b := range secret {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return secret, ErrInvalidPublicKey
	}
	return secret, nil
}
