package secure

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// NonceSize is the ChaCha20-Poly1305 nonce length.
const NonceSize = chacha20poly1305.NonceSize // 12 bytes / 96 bits

// ErrAeadFailed is returned when AEAD tag verification fails on Open. Callers
// must drop the chunk silently and increment a crypto_failures counter
// rather than propagate this as a fatal error.
var ErrAeadFailed = errors.New("secure: AEAD tag verification failed")

// Nonce builds the 96-bit nonce: segment_id (u64 LE) followed
// by chunk_id (u32 LE). It is monotonic and unique per (session, segment,
// chunk), which is all ChaCha20-Poly1305 requires for nonce uniqueness.
func Nonce(segmentID uint64, chunkID uint32) [NonceSize]byte {
	var n [NonceSize]byte
	binary.LittleEndian.PutUint64(n[0:8], segmentID)
	binary.LittleEndian.PutUint32(n[8:12], chunkID)
	return n
}

// Seal encrypts and authenticates plaintext in place, appending the 16-byte
// Poly1305 tag. aad must be the chunk header bytes (wire.Chunk.AAD()).
func Seal(key SessionKey, segmentID uint64, chunkID uint32, aad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("secure: init ChaCha20-Poly1305: %w", err)
	}
	nonce := Nonce(segmentID, chunkID)
	return aead.Seal(nil, nonce[:], plaintext, aad), nil
}

// Open verifies and decrypts ciphertext (which includes the trailing tag).
// On tag mismatch it returns ErrAeadFailed; callers must treat this as a
// silent per-chunk drop, not a session-fatal error, up to crypto_failure_threshold.
func Open(key SessionKey, segmentID uint64, chunkID uint32, aad, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("secure: init ChaCha20-Poly1305: %w", err)
	}
	nonce := Nonce(segmentID, chunkID)
	plaintext, err := aead.Open(nil, nonce[:], ciphertext, aad)
	if err != nil {
		return nil, ErrAeadFailed
	}
	return plaintext, nil
}
