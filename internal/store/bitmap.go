package store

import "encoding/binary"

// encodeSegmentState serialises a SegmentState as chunk_count(4) +
// chunk_size(4) + total_len(8) + bitmap_len(4) + bitmap bytes + data bytes.
// The snapshot carries the in-flight payload bytes alongside the bitmap,
// since the sink only receives a segment once it is fully assembled rather
// than writing each chunk straight to disk as it arrives.
func encodeSegmentState(st *SegmentState) []byte {
	bitmapBytes := packBits(st.Received)
	out := make([]byte, 4+4+8+4+len(bitmapBytes)+len(st.Data))
	binary.BigEndian.PutUint32(out[0:4], st.ChunkCount)
	binary.BigEndian.PutUint32(out[4:8], st.ChunkSize)
	binary.BigEndian.PutUint64(out[8:16], uint64(st.TotalLen))
	binary.BigEndian.PutUint32(out[16:20], uint32(len(bitmapBytes)))
	copy(out[20:20+len(bitmapBytes)], bitmapBytes)
	copy(out[20+len(bitmapBytes):], st.Data)
	return out
}

func decodeSegmentState(buf []byte) (*SegmentState, error) {
	if len(buf) < 20 {
		return nil, ErrCorrupt
	}
	chunkCount := binary.BigEndian.Uint32(buf[0:4])
	chunkSize := binary.BigEndian.Uint32(buf[4:8])
	totalLen := int(binary.BigEndian.Uint64(buf[8:16]))
	bitmapLen := int(binary.BigEndian.Uint32(buf[16:20]))
	if len(buf) < 20+bitmapLen {
		return nil, ErrCorrupt
	}
	bitmapBytes := buf[20 : 20+bitmapLen]
	data := append([]byte(nil), buf[20+bitmapLen:]...)
	return &SegmentState{
		ChunkCount: chunkCount,
		ChunkSize:  chunkSize,
		TotalLen:   totalLen,
		Received:   unpackBits(bitmapBytes, int(chunkCount)),
		Data:       data,
	}, nil
}

// packBits bit-packs a received[] slice: byteIndex = i/8, bitIndex = i%8.
func packBits(received []bool) []byte {
	out := make([]byte, (len(received)+7)/8)
	for i, got := range received {
		if got {
			out[i/8] |= 1 << uint(i%8)
		}
	}
	return out
}

func unpackBits(buf []byte, count int) []bool {
	out := make([]bool, count)
	for i := 0; i < count; i++ {
		byteIndex := i / 8
		if byteIndex < len(buf) && buf[byteIndex]&(1<<uint(i%8)) != 0 {
			out[i] = true
		}
	}
	return out
}
