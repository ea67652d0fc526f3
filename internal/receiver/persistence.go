package receiver

import (
	"time"

	"github.com/slstransfer/sls/internal/store"
)

// SetPersistence installs a crash-resumable bitmap store keyed by the
// session's identity token. Once installed, every recorded chunk is
// write-behind persisted so a restarted process can resume an in-flight
// segment instead of waiting out a full NACK/retransmit cycle for chunks it
// had already recorded.
func (r *Receiver) SetPersistence(st *store.Store, sessionNonce [16]byte) {
	r.persist = st
	r.sessionNonce = sessionNonce
}

// resumeBuffer looks up a persisted snapshot for segmentID and, if present,
// rebuilds an assemblyBuffer from it instead of starting empty.
func (r *Receiver) resumeBuffer(segmentID uint64, chunkCount uint32, chunkSize uint32, now time.Time) *assemblyBuffer {
	buf := newAssemblyBuffer(chunkCount, chunkSize, now)
	if r.persist == nil {
		return buf
	}
	snap, err := r.persist.Load(r.sessionNonce, segmentID)
	if err != nil {
		return buf
	}
	if snap.ChunkCount != chunkCount || snap.ChunkSize != chunkSize {
		// Negotiated parameters changed since the snapshot was written;
		// discard it rather than risk misaligned offsets.
		r.persist.Delete(r.sessionNonce, segmentID)
		return buf
	}
	copy(buf.data, snap.Data)
	buf.totalLen = snap.TotalLen
	for id, got := range snap.Received {
		if got && !buf.received[id] {
			buf.received[id] = true
			buf.receivedCount++
		}
	}
	buf.lastProgress = now
	return buf
}

// persistBuffer write-behinds buf's current state for segmentID.
func (r *Receiver) persistBuffer(segmentID uint64, buf *assemblyBuffer) {
	if r.persist == nil {
		return
	}
	r.persist.Save(r.sessionNonce, segmentID, &store.SegmentState{
		ChunkCount: buf.chunkCount,
		ChunkSize:  buf.chunkSize,
		TotalLen:   buf.totalLen,
		Received:   append([]bool(nil), buf.received...),
		Data:       append([]byte(nil), buf.data...),
	})
}

// forgetPersisted removes a segment's snapshot once it has been delivered or
// abandoned.
func (r *Receiver) forgetPersisted(segmentID uint64) {
	if r.persist == nil {
		return
	}
	r.persist.Delete(r.sessionNonce, segmentID)
}
