package receiver

import (
	"testing"

	"github.com/slstransfer/sls/internal/fec"
	"github.com/slstransfer/sls/internal/wire"
)

func encodeErasureChunk(segmentID uint64, chunkID, chunkCount uint32, payload []byte) []byte {
	c := &wire.Chunk{SegmentID: segmentID, ChunkID: chunkID, ChunkCount: chunkCount, Flags: wire.FlagErasure, Payload: payload}
	return wire.EncodeChunk(c)
}

// buildErasureSegment fills k equal-size data shards with a byte pattern and
// returns both the data chunk payloads and the Reed-Solomon parity shards
// for them.
func buildErasureSegment(t *testing.T, k, r int, shardSize int) (dataChunks [][]byte, parity []*wire.Chunk) {
	t.Helper()
	dataChunks = make([][]byte, k)
	for i := 0; i < k; i++ {
		shard := make([]byte, shardSize)
		for j := range shard {
			shard[j] = byte(i*shardSize + j)
		}
		dataChunks[i] = shard
	}
	var err error
	parity, err = fec.EncodeSegment(0, dataChunks, r)
	if err != nil {
		t.Fatalf("EncodeSegment: %v", err)
	}
	return dataChunks, parity
}

func TestAttemptReconstructFillsMissingDataChunkFromParity(t *testing.T) {
	r, _, clock := newTestReceiver(t)
	sink := newFakeSink()
	r.SetSink(sink)

	const k, fecR, shardSize = 4, 2, 16
	dataChunks, parity := buildErasureSegment(t, k, fecR, shardSize)

	now := clock.Now()
	// Deliver every data chunk except chunk 2, plus all parity shards.
	for id, shard := range dataChunks {
		if id == 2 {
			continue
		}
		r.handleChunk(encodeUnencrypted(0, uint32(id), uint32(k), shard), now)
	}
	for _, pc := range parity {
		r.handleChunk(wire.EncodeChunk(pc), now)
	}

	got, ok := sink.segments[0]
	if !ok {
		t.Fatal("expected segment 0 delivered via Reed-Solomon reconstruction")
	}
	want := make([]byte, 0, k*shardSize)
	for _, shard := range dataChunks {
		want = append(want, shard...)
	}
	if len(got) != len(want) {
		t.Fatalf("delivered length = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d mismatch: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestAttemptReconstructStagesParityBeforeDataChunkArrives(t *testing.T) {
	r, _, clock := newTestReceiver(t)
	sink := newFakeSink()
	r.SetSink(sink)

	const k, fecR, shardSize = 4, 2, 16
	dataChunks, parity := buildErasureSegment(t, k, fecR, shardSize)

	now := clock.Now()
	// Parity arrives first, before any data chunk has created the segment's
	// assembly buffer.
	for _, pc := range parity {
		r.handleChunk(wire.EncodeChunk(pc), now)
	}
	r.mu.Lock()
	if _, exists := r.buffers[0]; exists {
		r.mu.Unlock()
		t.Fatal("assembly buffer must not exist before any data chunk arrives")
	}
	if len(r.pendingErasure[0]) != fecR {
		r.mu.Unlock()
		t.Fatalf("pendingErasure[0] len = %d, want %d", len(r.pendingErasure[0]), fecR)
	}
	r.mu.Unlock()

	for id, shard := range dataChunks {
		if id == 0 {
			continue
		}
		r.handleChunk(encodeUnencrypted(0, uint32(id), uint32(k), shard), now)
	}

	got, ok := sink.segments[0]
	if !ok {
		t.Fatal("expected segment 0 delivered after draining staged parity shards")
	}
	if got[0] != dataChunks[0][0] {
		t.Fatalf("reconstructed chunk 0 first byte = %d, want %d", got[0], dataChunks[0][0])
	}
}

func TestAttemptReconstructNoOpWithoutEnoughParity(t *testing.T) {
	r, _, clock := newTestReceiver(t)
	sink := newFakeSink()
	r.SetSink(sink)

	const k, fecR, shardSize = 4, 1, 16
	dataChunks, parity := buildErasureSegment(t, k, fecR, shardSize)

	now := clock.Now()
	// Two data chunks missing but only one parity shard available: not
	// enough redundancy to reconstruct.
	for id, shard := range dataChunks {
		if id == 1 || id == 2 {
			continue
		}
		r.handleChunk(encodeUnencrypted(0, uint32(id), uint32(k), shard), now)
	}
	r.handleChunk(wire.EncodeChunk(parity[0]), now)

	if _, ok := sink.segments[0]; ok {
		t.Fatal("segment should not be deliverable with 2 holes and only 1 parity shard")
	}
}
