// Package fec implements the erasure-coded redundancy tier: Reed-Solomon
// parity computed over one segment's equal-length data chunks and framed as
// ordinary Chunk messages with FlagErasure set, plus the loss-driven policy
// deciding when that tier earns its bandwidth.
package fec

import (
	"fmt"

	"github.com/klauspost/reedsolomon"

	"github.com/slstransfer/sls/internal/wire"
)

// maxShards is the GF(2^8) shard-count ceiling of the underlying codec.
const maxShards = 256

// EncodeSegment computes parityCount Reed-Solomon parity shards over one
// segment's data chunks and frames them as Chunk messages. Parity chunk ids
// continue directly after the last data chunk_id and chunk_count carries
// k+parityCount, so a receiver can tell an erasure shard apart from a
// duplicate-redundancy copy by flag bit alone. All data chunks must have
// equal length; a segment with a short tail chunk cannot use this tier.
func EncodeSegment(segmentID uint64, dataChunks [][]byte, parityCount int) ([]*wire.Chunk, error) {
	k := len(dataChunks)
	if k < 1 || parityCount < 1 || k+parityCount > maxShards {
		return nil, fmt.Errorf("fec: unsupported shard counts k=%d parity=%d", k, parityCount)
	}
	shardSize := len(dataChunks[0])
	for i, c := range dataChunks {
		if len(c) != shardSize {
			return nil, fmt.Errorf("fec: chunk %d length %d, want %d", i, len(c), shardSize)
		}
	}

	rs, err := reedsolomon.New(k, parityCount)
	if err != nil {
		return nil, fmt.Errorf("fec: segment %d: %w", segmentID, err)
	}
	shards := make([][]byte, k+parityCount)
	copy(shards, dataChunks)
	for i := k; i < len(shards); i++ {
		shards[i] = make([]byte, shardSize)
	}
	if err := rs.Encode(shards); err != nil {
		return nil, fmt.Errorf("fec: encode segment %d: %w", segmentID, err)
	}

	total := uint32(k + parityCount)
	out := make([]*wire.Chunk, parityCount)
	for i, shard := range shards[k:] {
		out[i] = &wire.Chunk{
			SegmentID:  segmentID,
			ChunkID:    uint32(k + i),
			ChunkCount: total,
			Flags:      wire.FlagErasure,
			Payload:    shard,
		}
	}
	return out, nil
}

// ReconstructSegment fills the nil entries of shards (indexed by chunk_id,
// length k+parityCount) in place from the surviving data and parity shards.
func ReconstructSegment(k, parityCount int, shards [][]byte) error {
	if k < 1 || parityCount < 1 || len(shards) != k+parityCount {
		return fmt.Errorf("fec: reconstruct wants %d shards, got %d", k+parityCount, len(shards))
	}
	missing := 0
	for _, s := range shards {
		if s == nil {
			missing++
		}
	}
	if missing == 0 {
		return nil
	}
	if missing > parityCount {
		return fmt.Errorf("fec: %d shards missing, only %d recoverable", missing, parityCount)
	}
	rs, err := reedsolomon.New(k, parityCount)
	if err != nil {
		return fmt.Errorf("fec: reconstruct: %w", err)
	}
	if err := rs.Reconstruct(shards); err != nil {
		return fmt.Errorf("fec: reconstruct: %w", err)
	}
	return nil
}
