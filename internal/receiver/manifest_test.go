package receiver

import (
	"testing"

	"github.com/slstransfer/sls/internal/manifest"
	"github.com/slstransfer/sls/internal/wire"
)

func TestManifestVerificationSucceedsOnMatchingRoot(t *testing.T) {
	r, peer, clock := newTestReceiver(t)
	sink := newFakeSink()
	r.SetSink(sink)

	segments := [][]byte{
		append([]byte(nil), make([]byte, 16)...),
		append([]byte(nil), make([]byte, 16)...),
	}
	segments[0][0] = 0xAA
	segments[1][0] = 0xBB

	r.SetManifestVerification(manifest.BuildRoot(segments), uint64(len(segments)))

	now := clock.Now()
	r.handleChunk(encodeUnencrypted(0, 0, 1, segments[0]), now)
	r.handleChunk(encodeUnencrypted(1, 0, 1, segments[1]), now)

	if len(sink.segments) != 2 {
		t.Fatalf("expected both segments delivered, got %d", len(sink.segments))
	}

	// A matching root must not trigger a Close; only the two SegmentComplete
	// acks are on the wire.
	for {
		dg, err := peer.Recv()
		if err != nil {
			break
		}
		if msgType, _ := wire.PeekType(dg.Data); msgType == wire.TypeClose {
			t.Fatal("did not expect a Close datagram on successful manifest verification")
		}
	}
}

func TestManifestVerificationFailsOnMismatchedRoot(t *testing.T) {
	r, peer, clock := newTestReceiver(t)
	sink := newFakeSink()
	r.SetSink(sink)

	wrongRoot := manifest.LeafHash([]byte("not the real root"))
	r.SetManifestVerification(wrongRoot, 1)

	now := clock.Now()
	r.handleChunk(encodeUnencrypted(0, 0, 1, make([]byte, 16)), now)

	if len(sink.segments) != 1 {
		t.Fatalf("segment should still be delivered before verification runs, got %d", len(sink.segments))
	}

	dg, err := peer.Recv()
	if err != nil {
		t.Fatalf("expected a Close datagram on manifest mismatch, got err: %v", err)
	}
	msgType, err := wire.PeekType(dg.Data)
	if err == nil && msgType == wire.TypeSegmentComplete {
		// The delivered segment's SegmentComplete goes out before the Close.
		dg, err = peer.Recv()
		if err != nil {
			t.Fatalf("expected a Close datagram on manifest mismatch, got err: %v", err)
		}
		msgType, err = wire.PeekType(dg.Data)
	}
	if err != nil || msgType != wire.TypeClose {
		t.Fatalf("expected Close, got %v err=%v", msgType, err)
	}
	closed, err := wire.DecodeClose(dg.Data)
	if err != nil {
		t.Fatalf("DecodeClose: %v", err)
	}
	if closed.Reason != wire.ReasonManifestVerification {
		t.Errorf("Close.Reason = %d, want %d", closed.Reason, wire.ReasonManifestVerification)
	}
}
