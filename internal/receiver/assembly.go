package receiver

import "time"

// assemblyBuffer is one in-flight segment's receive state: the byte buffer
// plus a received[] bitmap, and the
// bookkeeping the NACK scheduler needs.
type assemblyBuffer struct {
	data          []byte
	received      []bool
	receivedCount uint32
	chunkCount    uint32
	chunkSize     uint32
	totalLen      int // trimmed length once the tail chunk (chunkID == chunkCount-1) has arrived

	lastProgress time.Time
	firstArrival time.Time
	hasArrived   bool

	nackInterval     time.Duration
	nextNackDeadline time.Time

	// erasureShards holds Reed-Solomon parity shards received so far,
	// keyed by parity index (chunk_id - chunkCount), for the erasure-coded
	// redundancy tier. erasureTotal is k+r as declared by those shards'
	// own ChunkCount field; zero means no erasure shard has arrived yet.
	erasureShards map[uint32][]byte
	erasureTotal  uint32
}

// recordErasureShard stores one parity shard, first-write-wins per index.
func (b *assemblyBuffer) recordErasureShard(parityIndex uint32, total uint32, payload []byte) {
	if b.erasureShards == nil {
		b.erasureShards = make(map[uint32][]byte)
	}
	if _, exists := b.erasureShards[parityIndex]; exists {
		return
	}
	b.erasureShards[parityIndex] = payload
	if total > b.erasureTotal {
		b.erasureTotal = total
	}
}

func newAssemblyBuffer(chunkCount uint32, chunkSize uint32, now time.Time) *assemblyBuffer {
	return &assemblyBuffer{
		data:         make([]byte, int(chunkCount)*int(chunkSize)),
		received:     make([]bool, chunkCount),
		chunkCount:   chunkCount,
		chunkSize:    chunkSize,
		totalLen:     int(chunkCount) * int(chunkSize),
		lastProgress: now,
	}
}

// recordChunk is a no-op if the chunk id was already received (idempotent
// duplicate; a bit flips 0->1 at most once). It reports whether this
// call was the one that actually recorded new data.
func (b *assemblyBuffer) recordChunk(chunkID uint32, payload []byte, now time.Time) bool {
	if b.received[chunkID] {
		return false
	}
	b.received[chunkID] = true
	b.receivedCount++
	offset := int(chunkID) * int(b.chunkSize)
	copy(b.data[offset:], payload)
	if chunkID == b.chunkCount-1 {
		b.totalLen = offset + len(payload)
	}
	b.lastProgress = now
	return true
}

func (b *assemblyBuffer) complete() bool { return b.receivedCount == b.chunkCount }

func (b *assemblyBuffer) bytes() []byte { return b.data[:b.totalLen] }

// missingChunkIDs returns up to limit missing chunk ids, smallest first.
func (b *assemblyBuffer) missingChunkIDs(limit int) []uint32 {
	var missing []uint32
	for id, got := range b.received {
		if !got {
			missing = append(missing, uint32(id))
			if len(missing) >= limit {
				break
			}
		}
	}
	return missing
}

