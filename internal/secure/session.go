package secure

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	sessionInfoString = "sls-session-v1"
	sessionKeyLength  = 32
)

// SessionKey is the single ChaCha20-Poly1305 key used for all chunk
// encryption within a session.
type SessionKey [sessionKeyLength]byte

// DeriveSessionKey runs HKDF-SHA256 over the X25519 shared secret, salted
// with the two peers' public keys sorted into a canonical order so both
// sides derive the identical salt regardless of which is client or server.
func DeriveSessionKey(ourPrivate *[32]byte, ourPublic, theirPublic [32]byte) (SessionKey, error) {
	secret, err := SharedSecret(ourPrivate, &theirPublic)
	if err != nil {
		return SessionKey{}, fmt.Errorf("secure: derive session key: %w", err)
	}

	salt := sortedPublicKeys(ourPublic, theirPublic)
	reader := hkdf.New(sha256.New, secret[:], salt, []byte(sessionInfoString))

	var key SessionKey
	if _, err := io.ReadFull(reader, key[:]); err != nil {
		return SessionKey{}, fmt.Errorf("secure: HKDF session key derivation: %w", err)
	}
	return key, nil
}

// sortedPublicKeys concatenates pub_a and pub_b in the lexicographically
// smaller-first order, so DeriveSessionKey is commutative in (ourPublic,
// theirPublic) regardless of call side.
func sortedPublicKeys(a, b [32]byte) []byte {
	salt := make([]byte, 64)
	if bytes.Compare(a[:], b[:]) <= 0 {
		copy(salt[0:32], a[:])
		copy(salt[32:64], b[:])
	} else {
		copy(salt[0:32], b[:])
		copy(salt[32:64], a[:])
	}
	return salt
}
