package receiver

import (
	"testing"
	"time"

	"github.com/slstransfer/sls/internal/netio"
	"github.com/slstransfer/sls/internal/secure"
	"github.com/slstransfer/sls/internal/session"
	"github.com/slstransfer/sls/internal/stats"
	"github.com/slstransfer/sls/internal/wire"
)

type fakeSink struct {
	segments map[uint64][]byte
	order    []uint64
}

func newFakeSink() *fakeSink {
	return &fakeSink{segments: make(map[uint64][]byte)}
}

func (f *fakeSink) WriteSegment(segmentID uint64, data []byte) error {
	cp := append([]byte(nil), data...)
	f.segments[segmentID] = cp
	f.order = append(f.order, segmentID)
	return nil
}

func newTestReceiver(t *testing.T) (*Receiver, *netio.SimEndpoint, *netio.VirtualClock) {
	t.Helper()
	now := time.Unix(0, 0)
	clock := netio.NewVirtualClock(now)
	a, b := netio.NewSimulatedPair(clock, 0, 0, 7)

	sess := session.New(now)
	if err := sess.TransitionTo(session.StateHandshaking); err != nil {
		t.Fatalf("TransitionTo Handshaking: %v", err)
	}
	if err := sess.TransitionTo(session.StateEstablished); err != nil {
		t.Fatalf("TransitionTo Established: %v", err)
	}

	cfg := Config{
		ChunkSize:              16,
		SegmentSize:            64,
		CryptoFailureThreshold: 64,
		SegmentStaleTimeout:    10 * time.Second,
		FlowControlInterval:    200 * time.Millisecond,
		BufferCapacity:         64,
	}
	st := stats.NewSession(nil)
	r := New(cfg, a, b.LocalAddr(), sess, secure.SessionKey{}, st, 20*time.Millisecond, now)
	return r, b, clock
}

func encodeUnencrypted(segmentID uint64, chunkID, chunkCount uint32, payload []byte) []byte {
	c := &wire.Chunk{SegmentID: segmentID, ChunkID: chunkID, ChunkCount: chunkCount, Payload: payload}
	return wire.EncodeChunk(c)
}

func TestHandleChunkAssemblesAndDeliversInOrder(t *testing.T) {
	r, peer, clock := newTestReceiver(t)
	sink := newFakeSink()
	r.SetSink(sink)

	data := make([]byte, 40) // 3 chunks: 16, 16, 8
	for i := range data {
		data[i] = byte(i)
	}

	now := clock.Now()
	// Deliver out of order: chunk 2, then 0, then 1.
	r.handleChunk(encodeUnencrypted(0, 2, 3, data[32:40]), now)
	r.handleChunk(encodeUnencrypted(0, 0, 3, data[0:16]), now)
	r.handleChunk(encodeUnencrypted(0, 1, 3, data[16:32]), now)

	got, ok := sink.segments[0]
	if !ok {
		t.Fatal("expected segment 0 delivered")
	}
	if len(got) != 40 {
		t.Fatalf("delivered length = %d, want 40", len(got))
	}
	for i := range got {
		if got[i] != byte(i) {
			t.Fatalf("byte %d = %d, want %d", i, got[i], byte(i))
		}
	}

	dg, err := peer.Recv()
	if err != nil {
		t.Fatalf("expected SegmentComplete on peer, got err: %v", err)
	}
	msgType, err := wire.PeekType(dg.Data)
	if err != nil || msgType != wire.TypeSegmentComplete {
		t.Fatalf("expected SegmentComplete, got %v err=%v", msgType, err)
	}
}

func TestHandleChunkDuplicateIsDroppedIdempotently(t *testing.T) {
	r, _, clock := newTestReceiver(t)
	now := clock.Now()
	data := make([]byte, 16)

	r.handleChunk(encodeUnencrypted(9, 0, 2, data), now)
	if r.st.ChunksReceived.Load() != 1 {
		t.Fatalf("ChunksReceived = %d, want 1", r.st.ChunksReceived.Load())
	}

	r.handleChunk(encodeUnencrypted(9, 0, 2, data), now)
	if r.st.ChunksReceived.Load() != 1 {
		t.Fatalf("duplicate should not increment ChunksReceived, got %d", r.st.ChunksReceived.Load())
	}
	if r.st.ChunksDroppedDuplicate.Load() != 1 {
		t.Fatalf("ChunksDroppedDuplicate = %d, want 1", r.st.ChunksDroppedDuplicate.Load())
	}
}

func TestHandleChunkOutOfRangeChunkIDDropped(t *testing.T) {
	r, _, clock := newTestReceiver(t)
	now := clock.Now()
	r.handleChunk(encodeUnencrypted(1, 5, 3, []byte("x")), now)
	if r.st.ChunksDroppedDecode.Load() != 1 {
		t.Fatalf("expected decode drop for out-of-range chunk id, got %d", r.st.ChunksDroppedDecode.Load())
	}
}

func TestRunNackSchedulerFiresAfterGrace(t *testing.T) {
	r, peer, clock := newTestReceiver(t)
	now := clock.Now()

	r.handleChunk(encodeUnencrypted(3, 0, 4, make([]byte, 16)), now)

	clock.Advance(25 * time.Millisecond) // grace = max(1.5*20ms, 20ms) = 30ms... advance past it below
	clock.Advance(10 * time.Millisecond)
	r.runNackScheduler(clock.Now())

	dg, err := peer.Recv()
	if err != nil {
		t.Fatalf("expected Nack, got err: %v", err)
	}
	n, err := wire.DecodeNack(dg.Data)
	if err != nil {
		t.Fatalf("DecodeNack: %v", err)
	}
	if n.SegmentID != 3 {
		t.Fatalf("SegmentID = %d, want 3", n.SegmentID)
	}
	if len(n.ChunkIDs) != 3 {
		t.Fatalf("expected 3 missing chunk ids, got %d", len(n.ChunkIDs))
	}
}

func TestRunNackSchedulerDoesNotFireBeforeAnyArrival(t *testing.T) {
	r, peer, clock := newTestReceiver(t)
	r.mu.Lock()
	r.buffers[2] = newAssemblyBuffer(4, 16, clock.Now())
	r.mu.Unlock()

	clock.Advance(time.Second)
	r.runNackScheduler(clock.Now())

	if _, err := peer.Recv(); err == nil {
		t.Error("expected no Nack for a segment with zero chunks arrived")
	}
}

func TestRunNackSchedulerAbandonsStaleSegment(t *testing.T) {
	r, peer, clock := newTestReceiver(t)
	now := clock.Now()
	r.handleChunk(encodeUnencrypted(1, 0, 4, make([]byte, 16)), now)

	clock.Advance(10 * time.Second)
	r.runNackScheduler(clock.Now())

	r.mu.Lock()
	_, stillBuffered := r.buffers[1]
	r.mu.Unlock()
	if stillBuffered {
		t.Error("expected stale segment to be abandoned and freed")
	}

	sawNack := false
	for {
		dg, err := peer.Recv()
		if err != nil {
			break
		}
		if mt, _ := wire.PeekType(dg.Data); mt == wire.TypeNack {
			sawNack = true
		}
	}
	if !sawNack {
		t.Error("expected a Nack for the abandoned segment's entire range")
	}
}

func TestSendFlowControlReflectsBufferState(t *testing.T) {
	r, peer, clock := newTestReceiver(t)
	now := clock.Now()
	r.handleChunk(encodeUnencrypted(1, 0, 2, make([]byte, 16)), now)

	r.sendFlowControl(clock.Now())

	dg, err := peer.Recv()
	if err != nil {
		t.Fatalf("expected FlowControl, got err: %v", err)
	}
	fc, err := wire.DecodeFlowControl(dg.Data)
	if err != nil {
		t.Fatalf("DecodeFlowControl: %v", err)
	}
	if fc.SegmentsInProgress != 1 {
		t.Errorf("SegmentsInProgress = %d, want 1", fc.SegmentsInProgress)
	}
}

func TestSendFlowControlRateUnits(t *testing.T) {
	r, peer, clock := newTestReceiver(t)

	// Two segments delivered over half a second: 4 segments/sec.
	r.mu.Lock()
	r.deliveredWindow = 2
	r.mu.Unlock()
	clock.Advance(500 * time.Millisecond)

	r.sendFlowControl(clock.Now())

	dg, err := peer.Recv()
	if err != nil {
		t.Fatalf("expected FlowControl, got err: %v", err)
	}
	fc, err := wire.DecodeFlowControl(dg.Data)
	if err != nil {
		t.Fatalf("DecodeFlowControl: %v", err)
	}
	if fc.ProcessingRate < 3.99 || fc.ProcessingRate > 4.01 {
		t.Errorf("ProcessingRate = %v segments/sec, want 4", fc.ProcessingRate)
	}
	wantSuggested := float32(4) * float32(r.cfg.SegmentSize) * 0.9
	if fc.SuggestedRate < wantSuggested*0.999 || fc.SuggestedRate > wantSuggested*1.001 {
		t.Errorf("SuggestedRate = %v bytes/sec, want %v", fc.SuggestedRate, wantSuggested)
	}
}
