// Package wire implements the SLS/SFP framing: the fixed-width chunk and
// control message headers that cross the UDP socket, and their encode/decode
// pairs. Every multi-byte integer on the wire is little-endian.
package wire

import (
	"encoding/binary"
	"fmt"
)

// Magic + version identify the protocol on the wire.
var magic = [3]byte{0x53, 0x4C, 0x53}

const protocolVersion = 1

// HeaderSize is the fixed common header: magic(3) + version(1).
const HeaderSize = 4

// MessageType identifies the control-plane or data-plane message that
// follows the common header.
type MessageType uint8

const (
	TypeInit            MessageType = 1
	TypeInitAck         MessageType = 2
	TypeChunk           MessageType = 3
	TypeNack            MessageType = 4
	TypeSegmentComplete MessageType = 5
	TypeFlowControl     MessageType = 6
	TypeHeartbeat       MessageType = 7
	TypeClose           MessageType = 8
)

func (t MessageType) String() string {
	switch t {
	case TypeInit:
		return "Init"
	case TypeInitAck:
		return "InitAck"
	case TypeChunk:
		return "Chunk"
	case TypeNack:
		return "Nack"
	case TypeSegmentComplete:
		return "SegmentComplete"
	case TypeFlowControl:
		return "FlowControl"
	case TypeHeartbeat:
		return "Heartbeat"
	case TypeClose:
		return "Close"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
}

// Chunk flag bits.
const (
	FlagEncrypted uint8 = 1 << 0
	FlagRedundant uint8 = 1 << 1
	// FlagErasure marks a chunk carrying a Reed-Solomon parity shard rather
	// than original segment data (the erasure-coded redundancy tier).
	FlagErasure uint8 = 1 << 2
)

// DecodeError enumerates the codec's decode failure modes.
type DecodeError struct {
	Kind string
}

func (e *DecodeError) Error() string { return "wire: decode error: " + e.Kind }

var (
	ErrShortBuffer      = &DecodeError{Kind: "ShortBuffer"}
	ErrBadMagic         = &DecodeError{Kind: "BadMagic"}
	ErrUnknownType      = &DecodeError{Kind: "UnknownType"}
	ErrVersionMismatch  = &DecodeError{Kind: "VersionMismatch"}
	ErrLengthMismatch   = &DecodeError{Kind: "LengthMismatch"}
)

// ChunkHeaderSize is the fixed portion of a Chunk body before the payload:
// segment_id(8) + chunk_id(4) + chunk_count(4) + flags(1) + payload_len(2).
const ChunkHeaderSize = 19

// AuthTagSize is the Poly1305 tag length appended when FlagEncrypted is set.
const AuthTagSize = 16

// Chunk is the decoded representation of a Chunk message.
type Chunk struct {
	SegmentID   uint64
	ChunkID     uint32
	ChunkCount  uint32
	Flags       uint8
	Payload     []byte // ciphertext (with trailing tag) if encrypted, plaintext otherwise
}

func (c *Chunk) Encrypted() bool { return c.Flags&FlagEncrypted != 0 }
func (c *Chunk) Redundant() bool { return c.Flags&FlagRedundant != 0 }
func (c *Chunk) Erasure() bool   { return c.Flags&FlagErasure != 0 }

// AAD returns the associated data bound into the AEAD tag: segment_id,
// chunk_id, chunk_count, and the flags byte with FlagRedundant masked out.
// A forward-redundancy duplicate is the identical sealed chunk re-sent with
// only that framing bit flipped, so the bit cannot be part of the tag.
func (c *Chunk) AAD() []byte {
	aad := make([]byte, 17)
	binary.LittleEndian.PutUint64(aad[0:8], c.SegmentID)
	binary.LittleEndian.PutUint32(aad[8:12], c.ChunkID)
	binary.LittleEndian.PutUint32(aad[12:16], c.ChunkCount)
	aad[16] = c.Flags &^ FlagRedundant
	return aad
}

func writeHeader(buf []byte, t MessageType) {
	copy(buf[0:3], magic[:])
	buf[3] = protocolVersion
	buf[4] = uint8(t)
}

// EncodeChunk serialises a Chunk into a new wire datagram. chunkSize bounds
// the accepted payload length on the decode side, not the encode side.
func EncodeChunk(c *Chunk) []byte {
	out := make([]byte, HeaderSize+1+ChunkHeaderSize+len(c.Payload))
	writeHeader(out, TypeChunk)
	body := out[HeaderSize+1:]
	binary.LittleEndian.PutUint64(body[0:8], c.SegmentID)
	binary.LittleEndian.PutUint32(body[8:12], c.ChunkID)
	binary.LittleEndian.PutUint32(body[12:16], c.ChunkCount)
	body[16] = c.Flags
	binary.LittleEndian.PutUint16(body[17:19], uint16(len(c.Payload)))
	copy(body[19:], c.Payload)
	return out
}

// DecodeChunk parses a wire datagram as a Chunk, rejecting any declared
// payload_len that exceeds the remaining buffer or chunkSize.
func DecodeChunk(buf []byte, chunkSize int) (*Chunk, error) {
	t, body, err := decodeHeader(buf)
	if err != nil {
		return nil, err
	}
	if t != TypeChunk {
		return nil, ErrUnknownType
	}
	if len(body) < ChunkHeaderSize {
		return nil, ErrShortBuffer
	}
	c := &Chunk{
		SegmentID:  binary.LittleEndian.Uint64(body[0:8]),
		ChunkID:    binary.LittleEndian.Uint32(body[8:12]),
		ChunkCount: binary.LittleEndian.Uint32(body[12:16]),
		Flags:      body[16],
	}
	payloadLen := int(binary.LittleEndian.Uint16(body[17:19]))
	rest := body[19:]
	if payloadLen > len(rest) {
		return nil, ErrLengthMismatch
	}
	maxAllowed := chunkSize
	if c.Encrypted() {
		maxAllowed += AuthTagSize
	}
	if maxAllowed > 0 && payloadLen > maxAllowed {
		return nil, ErrLengthMismatch
	}
	c.Payload = append([]byte(nil), rest[:payloadLen]...)
	return c, nil
}

func decodeHeader(buf []byte) (MessageType, []byte, error) {
	if len(buf) < HeaderSize+1 {
		return 0, nil, ErrShortBuffer
	}
	if buf[0] != magic[0] || buf[1] != magic[1] || buf[2] != magic[2] {
		return 0, nil, ErrBadMagic
	}
	if buf[3] != protocolVersion {
		return 0, nil, ErrVersionMismatch
	}
	return MessageType(buf[4]), buf[HeaderSize+1:], nil
}

// PeekType reports the message type of a datagram without fully decoding
// its body, for control-stream dispatch.
func PeekType(buf []byte) (MessageType, error) {
	t, _, err := decodeHeader(buf)
	return t, err
}
