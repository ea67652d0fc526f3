package wire

import (
	"encoding/binary"
	"math"
)

// Init is the client->server handshake opener.
type Init struct {
	ClientPublicKey    [32]byte
	Flags              uint8 // bit0: encrypt requested
	NICCount           uint8
	ChunkSize          uint16 // 0 = accept server default
	SegmentSize        uint32
	BufferSize         uint32
	ClientTimestampUs  uint64
}

const initBodySize = 32 + 1 + 1 + 2 + 4 + 4 + 8

func (i *Init) WantsEncryption() bool { return i.Flags&0x01 != 0 }

func EncodeInit(i *Init) []byte {
	out := make([]byte, HeaderSize+1+initBodySize)
	writeHeader(out, TypeInit)
	b := out[HeaderSize+1:]
	copy(b[0:32], i.ClientPublicKey[:])
	b[32] = i.Flags
	b[33] = i.NICCount
	binary.LittleEndian.PutUint16(b[34:36], i.ChunkSize)
	binary.LittleEndian.PutUint32(b[36:40], i.SegmentSize)
	binary.LittleEndian.PutUint32(b[40:44], i.BufferSize)
	binary.LittleEndian.PutUint64(b[44:52], i.ClientTimestampUs)
	return out
}

func DecodeInit(buf []byte) (*Init, error) {
	t, body, err := decodeHeader(buf)
	if err != nil {
		return nil, err
	}
	if t != TypeInit {
		return nil, ErrUnknownType
	}
	if len(body) < initBodySize {
		return nil, ErrShortBuffer
	}
	i := &Init{}
	copy(i.ClientPublicKey[:], body[0:32])
	i.Flags = body[32]
	i.NICCount = body[33]
	i.ChunkSize = binary.LittleEndian.Uint16(body[34:36])
	i.SegmentSize = binary.LittleEndian.Uint32(body[36:40])
	i.BufferSize = binary.LittleEndian.Uint32(body[40:44])
	i.ClientTimestampUs = binary.LittleEndian.Uint64(body[44:52])
	return i, nil
}

// InitAck is the server->client handshake reply, with one optional
// trailing TLV extension carrying the whole-transfer Merkle root. A
// zero-length TLV block means absent.
type InitAck struct {
	ServerPublicKey   [32]byte
	Flags             uint8
	ChunkSize         uint16
	SegmentSize       uint32
	RedundancyRatio   float32
	TotalFileSize     uint64
	TotalSegments     uint64
	ChunksPerSegment  uint32
	ClientTimestampUs uint64
	ServerTimestampUs uint64
	ManifestRoot      []byte // 0 or 32 bytes
}

const initAckFixedSize = 32 + 1 + 2 + 4 + 4 + 8 + 8 + 4 + 8 + 8

func (a *InitAck) EncryptionEnabled() bool { return a.Flags&0x01 != 0 }

const tlvManifestRoot = 1

func EncodeInitAck(a *InitAck) []byte {
	tlvLen := 0
	if len(a.ManifestRoot) == 32 {
		tlvLen = 2 + 32 // type(1)+len(1)+value(32)
	}
	out := make([]byte, HeaderSize+1+initAckFixedSize+tlvLen)
	writeHeader(out, TypeInitAck)
	b := out[HeaderSize+1:]
	copy(b[0:32], a.ServerPublicKey[:])
	b[32] = a.Flags
	binary.LittleEndian.PutUint16(b[33:35], a.ChunkSize)
	binary.LittleEndian.PutUint32(b[35:39], a.SegmentSize)
	binary.LittleEndian.PutUint32(b[39:43], float32bits(a.RedundancyRatio))
	binary.LittleEndian.PutUint64(b[43:51], a.TotalFileSize)
	binary.LittleEndian.PutUint64(b[51:59], a.TotalSegments)
	binary.LittleEndian.PutUint32(b[59:63], a.ChunksPerSegment)
	binary.LittleEndian.PutUint64(b[63:71], a.ClientTimestampUs)
	binary.LittleEndian.PutUint64(b[71:79], a.ServerTimestampUs)
	if tlvLen > 0 {
		tlv := b[initAckFixedSize:]
		tlv[0] = tlvManifestRoot
		tlv[1] = 32
		copy(tlv[2:34], a.ManifestRoot)
	}
	return out
}

func DecodeInitAck(buf []byte) (*InitAck, error) {
	t, body, err := decodeHeader(buf)
	if err != nil {
		return nil, err
	}
	if t != TypeInitAck {
		return nil, ErrUnknownType
	}
	if len(body) < initAckFixedSize {
		return nil, ErrShortBuffer
	}
	a := &InitAck{}
	copy(a.ServerPublicKey[:], body[0:32])
	a.Flags = body[32]
	a.ChunkSize = binary.LittleEndian.Uint16(body[33:35])
	a.SegmentSize = binary.LittleEndian.Uint32(body[35:39])
	a.RedundancyRatio = float32frombits(binary.LittleEndian.Uint32(body[39:43]))
	a.TotalFileSize = binary.LittleEndian.Uint64(body[43:51])
	a.TotalSegments = binary.LittleEndian.Uint64(body[51:59])
	a.ChunksPerSegment = binary.LittleEndian.Uint32(body[59:63])
	a.ClientTimestampUs = binary.LittleEndian.Uint64(body[63:71])
	a.ServerTimestampUs = binary.LittleEndian.Uint64(body[71:79])
	tail := body[initAckFixedSize:]
	if len(tail) >= 2 && tail[0] == tlvManifestRoot && int(tail[1]) == 32 && len(tail) >= 34 {
		a.ManifestRoot = append([]byte(nil), tail[2:34]...)
	}
	return a, nil
}

// Nack carries up to 64 missing chunk_ids for one segment.
type Nack struct {
	SegmentID uint64
	ChunkIDs  []uint32
}

const MaxNackChunkIDs = 64

func EncodeNack(n *Nack) []byte {
	ids := n.ChunkIDs
	if len(ids) > MaxNackChunkIDs {
		ids = ids[:MaxNackChunkIDs]
	}
	out := make([]byte, HeaderSize+1+8+2+4*len(ids))
	writeHeader(out, TypeNack)
	b := out[HeaderSize+1:]
	binary.LittleEndian.PutUint64(b[0:8], n.SegmentID)
	binary.LittleEndian.PutUint16(b[8:10], uint16(len(ids)))
	for i, id := range ids {
		binary.LittleEndian.PutUint32(b[10+4*i:14+4*i], id)
	}
	return out
}

func DecodeNack(buf []byte) (*Nack, error) {
	t, body, err := decodeHeader(buf)
	if err != nil {
		return nil, err
	}
	if t != TypeNack {
		return nil, ErrUnknownType
	}
	if len(body) < 10 {
		return nil, ErrShortBuffer
	}
	n := &Nack{SegmentID: binary.LittleEndian.Uint64(body[0:8])}
	count := int(binary.LittleEndian.Uint16(body[8:10]))
	if len(body) < 10+4*count {
		return nil, ErrLengthMismatch
	}
	n.ChunkIDs = make([]uint32, count)
	for i := 0; i < count; i++ {
		n.ChunkIDs[i] = binary.LittleEndian.Uint32(body[10+4*i : 14+4*i])
	}
	return n, nil
}

// SegmentComplete acknowledges full receipt of one segment.
type SegmentComplete struct {
	SegmentID uint64
}

func EncodeSegmentComplete(s *SegmentComplete) []byte {
	out := make([]byte, HeaderSize+1+8)
	writeHeader(out, TypeSegmentComplete)
	binary.LittleEndian.PutUint64(out[HeaderSize+1:], s.SegmentID)
	return out
}

func DecodeSegmentComplete(buf []byte) (*SegmentComplete, error) {
	t, body, err := decodeHeader(buf)
	if err != nil {
		return nil, err
	}
	if t != TypeSegmentComplete {
		return nil, ErrUnknownType
	}
	if len(body) < 8 {
		return nil, ErrShortBuffer
	}
	return &SegmentComplete{SegmentID: binary.LittleEndian.Uint64(body[0:8])}, nil
}

// FlowControl is the receiver's periodic feedback message.
type FlowControl struct {
	BufferAvailable     uint32
	LastCompletedSegment uint64
	SegmentsInProgress  uint32
	LossRate            float32
	ProcessingRate      float32 // segments/sec
	SuggestedRate       float32 // bytes/sec
}

const flowControlBodySize = 4 + 8 + 4 + 4 + 4 + 4

func EncodeFlowControl(f *FlowControl) []byte {
	out := make([]byte, HeaderSize+1+flowControlBodySize)
	writeHeader(out, TypeFlowControl)
	b := out[HeaderSize+1:]
	binary.LittleEndian.PutUint32(b[0:4], f.BufferAvailable)
	binary.LittleEndian.PutUint64(b[4:12], f.LastCompletedSegment)
	binary.LittleEndian.PutUint32(b[12:16], f.SegmentsInProgress)
	binary.LittleEndian.PutUint32(b[16:20], float32bits(f.LossRate))
	binary.LittleEndian.PutUint32(b[20:24], float32bits(f.ProcessingRate))
	binary.LittleEndian.PutUint32(b[24:28], float32bits(f.SuggestedRate))
	return out
}

func DecodeFlowControl(buf []byte) (*FlowControl, error) {
	t, body, err := decodeHeader(buf)
	if err != nil {
		return nil, err
	}
	if t != TypeFlowControl {
		return nil, ErrUnknownType
	}
	if len(body) < flowControlBodySize {
		return nil, ErrShortBuffer
	}
	return &FlowControl{
		BufferAvailable:      binary.LittleEndian.Uint32(body[0:4]),
		LastCompletedSegment: binary.LittleEndian.Uint64(body[4:12]),
		SegmentsInProgress:   binary.LittleEndian.Uint32(body[12:16]),
		LossRate:             float32frombits(binary.LittleEndian.Uint32(body[16:20])),
		ProcessingRate:       float32frombits(binary.LittleEndian.Uint32(body[20:24])),
		SuggestedRate:        float32frombits(binary.LittleEndian.Uint32(body[24:28])),
	}, nil
}

// Heartbeat keeps the session alive absent other traffic.
type Heartbeat struct {
	TimestampUs uint64
}

func EncodeHeartbeat(h *Heartbeat) []byte {
	out := make([]byte, HeaderSize+1+8)
	writeHeader(out, TypeHeartbeat)
	binary.LittleEndian.PutUint64(out[HeaderSize+1:], h.TimestampUs)
	return out
}

func DecodeHeartbeat(buf []byte) (*Heartbeat, error) {
	t, body, err := decodeHeader(buf)
	if err != nil {
		return nil, err
	}
	if t != TypeHeartbeat {
		return nil, ErrUnknownType
	}
	if len(body) < 8 {
		return nil, ErrShortBuffer
	}
	return &Heartbeat{TimestampUs: binary.LittleEndian.Uint64(body[0:8])}, nil
}

// Close terminates the session with a reason code.
type Close struct {
	Reason uint8
}

// Close reason codes, mirroring the error kinds that can end a session.
const (
	ReasonNormal                uint8 = 0
	ReasonHandshakeFailed       uint8 = 1
	ReasonNegotiationMismatch   uint8 = 2
	ReasonSessionTimeout        uint8 = 3
	ReasonCryptoFailureExceeded uint8 = 4
	ReasonPayloadSourceFailed   uint8 = 5
	ReasonPayloadSinkFailed     uint8 = 6
	ReasonManifestVerification  uint8 = 7
)

func EncodeClose(c *Close) []byte {
	out := make([]byte, HeaderSize+1+1)
	writeHeader(out, TypeClose)
	out[HeaderSize+1] = c.Reason
	return out
}

func DecodeClose(buf []byte) (*Close, error) {
	t, body, err := decodeHeader(buf)
	if err != nil {
		return nil, err
	}
	if t != TypeClose {
		return nil, ErrUnknownType
	}
	if len(body) < 1 {
		return nil, ErrShortBuffer
	}
	return &Close{Reason: body[0]}, nil
}

func float32bits(f float32) uint32 {
	return math.Float32bits(f)
}

func float32frombits(u uint32) float32 {
	return math.Float32frombits(u)
}
