package sender

import (
	"testing"
	"time"

	"github.com/slstransfer/sls/internal/ratecontrol"
	"github.com/slstransfer/sls/internal/secure"
	"github.com/slstransfer/sls/internal/session"
	"github.com/slstransfer/sls/internal/stats"
	"github.com/slstransfer/sls/internal/wire"
)

func newTestSender(t *testing.T, encrypt bool) *Sender {
	t.Helper()
	now := time.Unix(0, 0)
	cfg := Config{
		ChunkSize:           16,
		SegmentSize:         64,
		BaseRedundancyRatio: 0.25,
		MaxCachedSegments:   8,
		QueueCapacity:       1000,
		MinCapacitySlack:    100,
		ResumeCapacitySlack: 50,
		EncryptionEnabled:   encrypt,
	}
	sess := session.New(now)
	rate := ratecontrol.New(now)
	st := stats.NewSession(nil)

	var key secure.SessionKey
	if encrypt {
		a, _ := secure.GenerateKeyPair()
		b, _ := secure.GenerateKeyPair()
		k, err := secure.DeriveSessionKey(&a.PrivateKey, a.PublicKey, b.PublicKey)
		if err != nil {
			t.Fatalf("DeriveSessionKey: %v", err)
		}
		key = k
	}

	return New(cfg, nil, nil, sess, key, rate, st, 42)
}

func TestRedundancyRatioForLossBuckets(t *testing.T) {
	cases := []struct {
		loss float64
		want float32
	}{
		{0.0, 0.1},
		{0.05, 0.20},
		{0.15, 0.40},
		{0.30, 0.70},
	}
	for _, c := range cases {
		if got := redundancyRatioForLoss(0.1, c.loss); got != c.want {
			t.Errorf("redundancyRatioForLoss(0.1, %v) = %v, want %v", c.loss, got, c.want)
		}
	}
}

func TestFrameSegmentUnencrypted(t *testing.T) {
	s := newTestSender(t, false)
	data := make([]byte, 40) // 40 bytes / 16 chunk_size = 3 chunks (16,16,8)
	for i := range data {
		data[i] = byte(i)
	}

	chunkCount, _, err := s.frameSegment(7, data)
	if err != nil {
		t.Fatalf("frameSegment: %v", err)
	}
	if chunkCount != 3 {
		t.Fatalf("chunkCount = %d, want 3", chunkCount)
	}

	for id := uint32(0); id < chunkCount; id++ {
		b, ok := s.cache.Get(7, id)
		if !ok {
			t.Fatalf("chunk %d not cached", id)
		}
		decoded, err := wire.DecodeChunk(b, int(s.cfg.ChunkSize))
		if err != nil {
			t.Fatalf("DecodeChunk(%d): %v", id, err)
		}
		if decoded.Encrypted() {
			t.Errorf("chunk %d should not be encrypted", id)
		}
	}
}

func TestFrameSegmentEncrypted(t *testing.T) {
	s := newTestSender(t, true)
	data := make([]byte, 32)

	chunkCount, _, err := s.frameSegment(1, data)
	if err != nil {
		t.Fatalf("frameSegment: %v", err)
	}

	b, ok := s.cache.Get(1, 0)
	if !ok {
		t.Fatal("chunk 0 not cached")
	}
	decoded, err := wire.DecodeChunk(b, int(s.cfg.ChunkSize))
	if err != nil {
		t.Fatalf("DecodeChunk: %v", err)
	}
	if !decoded.Encrypted() {
		t.Error("expected encrypted chunk")
	}
	if chunkCount != 2 {
		t.Errorf("chunkCount = %d, want 2", chunkCount)
	}
}

func TestEnqueueSegmentAddsRedundantCopies(t *testing.T) {
	s := newTestSender(t, false)
	data := make([]byte, 64) // 4 chunks of 16 bytes
	chunkCount, _, err := s.frameSegment(3, data)
	if err != nil {
		t.Fatalf("frameSegment: %v", err)
	}

	s.enqueueSegment(3, chunkCount, 0.5) // ceil(4*0.5) = 2 redundant

	if got := s.queue.Len(); got != int(chunkCount)+2 {
		t.Errorf("queue.Len() = %d, want %d", got, int(chunkCount)+2)
	}

	total := int(chunkCount) + 2
	redundantCount := 0
	for i := 0; i < total; i++ {
		item, ok := s.queue.Dequeue()
		if !ok {
			t.Fatalf("expected %d items, ran out after %d", total, i)
		}
		if item.redundant {
			redundantCount++
		}
	}
	if redundantCount != 2 {
		t.Errorf("redundantCount = %d, want 2", redundantCount)
	}
}

func TestMarkRedundantSetsFlagWithoutMutatingOriginal(t *testing.T) {
	s := newTestSender(t, false)
	data := make([]byte, 16)
	s.frameSegment(9, data)
	original, _ := s.cache.Get(9, 0)

	marked := markRedundant(original)
	decodedOriginal, _ := wire.DecodeChunk(original, int(s.cfg.ChunkSize))
	decodedMarked, _ := wire.DecodeChunk(marked, int(s.cfg.ChunkSize))

	if decodedOriginal.Redundant() {
		t.Error("original chunk bytes must not be mutated")
	}
	if !decodedMarked.Redundant() {
		t.Error("marked copy should have FlagRedundant set")
	}
}
