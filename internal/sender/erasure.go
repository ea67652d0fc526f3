package sender

import (
	"github.com/slstransfer/sls/internal/fec"
	"github.com/slstransfer/sls/internal/wire"
)

// encodeErasure frames and enqueues Reed-Solomon parity shards for a
// segment's data chunks when the loss-driven fec.Policy has the tier
// engaged, in place of the duplicate-redundancy scheme. It reports whether
// erasure coding was actually engaged; callers fall back to
// enqueueSegment's duplicate scheme when it returns false.
func (s *Sender) encodeErasure(segmentID uint64, chunkCount uint32, dataChunks [][]byte) bool {
	if s.fecPolicy == nil || chunkCount < minErasureChunks {
		return false
	}
	parityCount, engaged := s.fecPolicy.Parameters()
	if !engaged || parityCount < 1 {
		return false
	}
	shardSize := len(dataChunks[0])
	for _, c := range dataChunks {
		if len(c) != shardSize {
			// Reed-Solomon requires equal-length shards; a short tail chunk
			// (segment size not an exact multiple of chunk size) can't be
			// erasure-coded without padding, so fall back to duplication.
			return false
		}
	}

	parity, err := fec.EncodeSegment(segmentID, dataChunks, parityCount)
	if err != nil {
		return false
	}

	for _, pc := range parity {
		if err := s.sealAndCache(segmentID, pc.ChunkID, pc.ChunkCount, wire.FlagErasure, pc.Payload); err != nil {
			return false
		}
		b, ok := s.cache.Get(segmentID, pc.ChunkID)
		if !ok {
			continue
		}
		s.queue.Enqueue(queuedChunk{segmentID: segmentID, chunkID: pc.ChunkID, wire: b})
	}
	return true
}
