// Package receiver implements the SLS/SFP receiver core: chunk
// decrypt/assemble/deliver, the per-segment NACK scheduler, and the periodic
// FlowControl/Heartbeat ticker.
package receiver

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/slstransfer/sls/internal/fec"
	"github.com/slstransfer/sls/internal/manifest"
	"github.com/slstransfer/sls/internal/netio"
	"github.com/slstransfer/sls/internal/observability"
	"github.com/slstransfer/sls/internal/secure"
	"github.com/slstransfer/sls/internal/session"
	"github.com/slstransfer/sls/internal/sfperr"
	"github.com/slstransfer/sls/internal/stats"
	"github.com/slstransfer/sls/internal/store"
	"github.com/slstransfer/sls/internal/wire"
)

// erasureShard is a parity shard staged before its segment's assembly
// buffer exists yet.
type erasureShard struct {
	total   uint32 // k+r as declared by the shard's own ChunkCount field
	payload []byte
}

// noSegmentCompleted is the FlowControl last_completed_segment value before
// any segment has been delivered, so the sender can tell "nothing yet" from
// "segment 0 done" when it uses the field to heal lost SegmentComplete acks.
const noSegmentCompleted = ^uint64(0)

// PayloadSink consumes segments in the strict ascending order the receiver
// delivers them.
type PayloadSink interface {
	WriteSegment(segmentID uint64, data []byte) error
}

// Config holds the receiver's tunables.
type Config struct {
	ChunkSize              uint32
	SegmentSize            uint32
	EncryptionEnabled      bool
	CryptoFailureThreshold uint32
	SegmentStaleTimeout    time.Duration
	FlowControlInterval    time.Duration
	BufferCapacity         uint32 // assembly slots reported as buffer_available headroom
}

// DefaultConfig fills in the constants not already carried by the
// negotiated session Params.
func DefaultConfig() Config {
	return Config{
		CryptoFailureThreshold: 64,
		SegmentStaleTimeout:    10 * time.Second,
		FlowControlInterval:    200 * time.Millisecond,
		BufferCapacity:         64,
	}
}

// Receiver drives one established session's inbound half.
type Receiver struct {
	cfg        Config
	ep         netio.Endpoint
	peer       net.Addr
	sess       *session.Session
	sessionKey secure.SessionKey
	st         *stats.Session
	loss       *stats.LossEstimator
	sink       PayloadSink
	log        *observability.Logger
	metrics    *observability.Metrics

	persist      *store.Store
	sessionNonce [16]byte

	manifestEnabled       bool
	manifestExpectedRoot  [32]byte
	manifestTotalSegments uint64
	manifestBuilder       *manifest.Builder

	cryptoFailures *secure.FailureTracker

	mu                   sync.Mutex
	rtt                  time.Duration
	buffers              map[uint64]*assemblyBuffer
	pendingErasure       map[uint64]map[uint32]erasureShard
	nextDeliverID        uint64
	lastCompletedSegment uint64
	cryptoExceeded       bool

	windowStart     time.Time
	deliveredWindow int
}

// New constructs a Receiver bound to an already-established session. rtt is
// the round trip estimate computed at handshake time.
func New(cfg Config, ep netio.Endpoint, peer net.Addr, sess *session.Session, sessionKey secure.SessionKey, st *stats.Session, rtt time.Duration, startedAt time.Time) *Receiver {
	return &Receiver{
		cfg:         cfg,
		ep:          ep,
		peer:        peer,
		sess:        sess,
		sessionKey:  sessionKey,
		st:          st,
		loss:           stats.NewLossEstimator(time.Second, startedAt),
		cryptoFailures: secure.NewFailureTracker(int(cfg.CryptoFailureThreshold)),
		buffers:        make(map[uint64]*assemblyBuffer),
		pendingErasure: make(map[uint64]map[uint32]erasureShard),
		rtt:            rtt,
		windowStart:    startedAt,

		lastCompletedSegment: noSegmentCompleted,
	}
}

// SetSink installs the payload sink segments are delivered to.
func (r *Receiver) SetSink(sink PayloadSink) { r.sink = sink }

// SetLogger installs the structured logger used for session lifecycle
// events. Nil is safe and simply disables these events.
func (r *Receiver) SetLogger(log *observability.Logger) { r.log = log }

// SetMetrics installs the Prometheus metrics recorder used for FEC
// reconstruction and manifest verification counters. Nil is safe.
func (r *Receiver) SetMetrics(m *observability.Metrics) { r.metrics = m }

// SetManifestVerification enables whole-transfer BLAKE3 Merkle verification
// against the root negotiated at handshake time. totalSegments is the
// count at which every segment has been delivered and the root can be
// checked.
func (r *Receiver) SetManifestVerification(expectedRoot [32]byte, totalSegments uint64) {
	r.manifestEnabled = true
	r.manifestExpectedRoot = expectedRoot
	r.manifestTotalSegments = totalSegments
	r.manifestBuilder = manifest.NewBuilder(int(totalSegments))
}

// SetRTT updates the round-trip estimate the NACK scheduler's grace/backoff
// formulas are derived from.
func (r *Receiver) SetRTT(rtt time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rtt = rtt
}

func (r *Receiver) currentRTT() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rtt
}

// Run drives the receiver until Close arrives, ctx is cancelled, or a
// session-level error occurs. The receiver runs two cooperative
// tasks: the datagram receiver+assembler+NACK scheduler, and the
// FlowControl/Heartbeat ticker.
func (r *Receiver) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		// The datagram task owns session end: when it returns (peer Close,
		// crypto threshold, or error) the ticker has nothing left to do.
		err := r.receiveLoop(ctx)
		cancel()
		errCh <- err
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		errCh <- r.tickerLoop(ctx)
	}()

	var firstErr error
	go func() {
		wg.Wait()
		close(errCh)
	}()
	for err := range errCh {
		if err != nil && firstErr == nil {
			firstErr = err
			cancel()
		}
	}
	if r.log != nil {
		reason := "closed"
		if firstErr != nil {
			reason = firstErr.Error()
		}
		r.log.SessionTerminated(r.sess.ID().String(), reason)
	}
	return firstErr
}

// receiveLoop reads datagrams, assembles Chunks into segments, delivers
// completed segments in order, and runs the per-segment NACK scheduler after
// every iteration (co-located with assembly since both touch the same
// buffer table).
func (r *Receiver) receiveLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		dg, err := r.ep.Recv()
		now := r.ep.Now()
		if errors.Is(err, netio.ErrNoDatagram) {
			r.runNackScheduler(now)
			time.Sleep(time.Millisecond)
			continue
		}
		if err != nil {
			return sfperr.ErrSocketRecvFailed
		}

		r.sess.ObserveDatagram(now)

		msgType, err := wire.PeekType(dg.Data)
		if err == nil {
			switch msgType {
			case wire.TypeChunk:
				r.handleChunk(dg.Data, now)
			case wire.TypeClose:
				return closeReasonError(dg.Data)
			}
		}

		r.runNackScheduler(now)
		r.mu.Lock()
		exceeded := r.cryptoExceeded
		r.mu.Unlock()
		if exceeded {
			r.sendClose(wire.ReasonCryptoFailureExceeded)
			return sfperr.ErrHandshakeFailed
		}
	}
}

// closeReasonError maps a peer Close to the session-level error it carries;
// a normal Close is a clean end of stream.
func closeReasonError(data []byte) error {
	c, err := wire.DecodeClose(data)
	if err != nil {
		return nil
	}
	return sfperr.FromCloseReason(c.Reason)
}

// handleChunk decodes, decrypts, range-checks, and assembles one Chunk,
// then delivers any now-complete prefix of segments.
func (r *Receiver) handleChunk(data []byte, now time.Time) {
	c, err := wire.DecodeChunk(data, int(r.cfg.ChunkSize))
	if err != nil {
		r.st.RecordChunkDroppedDecode()
		return
	}
	if c.ChunkCount == 0 || c.ChunkID >= c.ChunkCount {
		r.st.RecordChunkDroppedDecode()
		return
	}

	r.mu.Lock()
	if c.SegmentID < r.nextDeliverID {
		r.mu.Unlock()
		// Already delivered and freed; a late duplicate or redundant
		// retransmit for a segment this side has already moved past.
		r.st.RecordChunkDroppedDuplicate()
		r.loss.Observe(true, now)
		return
	}
	r.mu.Unlock()

	var payload []byte
	if c.Encrypted() {
		p, err := secure.Open(r.sessionKey, c.SegmentID, c.ChunkID, c.AAD(), c.Payload)
		if err != nil {
			exceeded := r.cryptoFailures.Record(now)
			r.mu.Lock()
			if exceeded {
				r.cryptoExceeded = true
			}
			r.mu.Unlock()
			r.st.RecordChunkDroppedDecode()
			return
		}
		payload = p
	} else {
		payload = c.Payload
	}

	if c.Erasure() {
		r.handleErasureChunk(c, payload, now)
		return
	}

	r.mu.Lock()
	buf, ok := r.buffers[c.SegmentID]
	if !ok {
		buf = r.resumeBuffer(c.SegmentID, c.ChunkCount, r.cfg.ChunkSize, now)
		r.buffers[c.SegmentID] = buf
		r.drainPendingErasureLocked(c.SegmentID, buf)
	}
	r.mu.Unlock()

	if int(c.ChunkID) >= len(buf.received) {
		r.st.RecordChunkDroppedDecode()
		return
	}

	redundant := c.Redundant()
	if !buf.recordChunk(c.ChunkID, payload, now) {
		r.st.RecordChunkDroppedDuplicate()
		r.loss.Observe(true, now)
		return
	}
	buf.onChunkArrival(now, nackGrace(r.currentRTT()))
	r.persistBuffer(c.SegmentID, buf)

	r.loss.Observe(redundant, now)
	r.st.RecordChunkReceived(len(payload))

	if buf.complete() {
		r.deliverReady(now)
	} else {
		r.attemptReconstruct(c.SegmentID, buf, now)
	}
}

// handleErasureChunk records a decrypted Reed-Solomon parity shard, staging
// it until the segment's real assembly buffer exists (its data chunk count
// k is not knowable from a parity chunk's own k+r ChunkCount field), then
// attempts reconstruction of any missing data chunks.
func (r *Receiver) handleErasureChunk(c *wire.Chunk, payload []byte, now time.Time) {
	r.mu.Lock()
	buf, ok := r.buffers[c.SegmentID]
	if !ok {
		if r.pendingErasure[c.SegmentID] == nil {
			r.pendingErasure[c.SegmentID] = make(map[uint32]erasureShard)
		}
		r.pendingErasure[c.SegmentID][c.ChunkID] = erasureShard{total: c.ChunkCount, payload: payload}
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	if buf.complete() {
		return
	}
	buf.recordErasureShard(c.ChunkID-buf.chunkCount, c.ChunkCount, payload)
	r.attemptReconstruct(c.SegmentID, buf, now)
}

// drainPendingErasureLocked transfers any parity shards staged before buf
// existed into buf. Callers must hold r.mu.
func (r *Receiver) drainPendingErasureLocked(segmentID uint64, buf *assemblyBuffer) {
	pending, ok := r.pendingErasure[segmentID]
	if !ok {
		return
	}
	for chunkID, shard := range pending {
		buf.recordErasureShard(chunkID-buf.chunkCount, shard.total, shard.payload)
	}
	delete(r.pendingErasure, segmentID)
}

// attemptReconstruct uses any accumulated parity shards to fill in missing
// data chunks via Reed-Solomon reconstruction (internal/fec), once enough
// shards have arrived to cover every hole.
func (r *Receiver) attemptReconstruct(segmentID uint64, buf *assemblyBuffer, now time.Time) {
	if buf.complete() || buf.erasureTotal == 0 {
		return
	}
	k := int(buf.chunkCount)
	rShards := int(buf.erasureTotal) - k
	if rShards <= 0 {
		return
	}
	missing := buf.missingChunkIDs(k)
	if len(missing) == 0 || len(missing) > len(buf.erasureShards) {
		return
	}

	shards := make([][]byte, k+rShards)
	for id := 0; id < k; id++ {
		if buf.received[id] {
			offset := id * int(buf.chunkSize)
			shards[id] = buf.data[offset : offset+int(buf.chunkSize)]
		}
	}
	for idx, shard := range buf.erasureShards {
		if int(idx) < rShards {
			shards[k+int(idx)] = shard
		}
	}

	if err := fec.ReconstructSegment(k, rShards, shards); err != nil {
		if r.metrics != nil {
			r.metrics.RecordFECReconstruction(false)
		}
		return
	}
	for _, id := range missing {
		buf.recordChunk(id, shards[id], now)
	}
	if r.metrics != nil {
		r.metrics.RecordFECReconstruction(true)
	}
	r.persistBuffer(segmentID, buf)
	if buf.complete() {
		r.deliverReady(now)
	}
}

// deliverReady emits every already-complete segment starting at
// nextDeliverID in strict ascending order, sending
// SegmentComplete and freeing each buffer as it is delivered.
func (r *Receiver) deliverReady(now time.Time) {
	for {
		r.mu.Lock()
		buf, ok := r.buffers[r.nextDeliverID]
		if !ok || !buf.complete() {
			r.mu.Unlock()
			return
		}
		segmentID := r.nextDeliverID
		body := append([]byte(nil), buf.bytes()...)
		delete(r.buffers, segmentID)
		r.nextDeliverID++
		r.lastCompletedSegment = segmentID
		r.deliveredWindow++
		r.mu.Unlock()

		if r.sink != nil {
			if err := r.sink.WriteSegment(segmentID, body); err != nil {
				r.sendClose(wire.ReasonPayloadSinkFailed)
				return
			}
		}
		r.forgetPersisted(segmentID)
		r.st.RecordSegmentDelivered()
		if r.log != nil {
			r.log.SegmentDelivered(r.sess.ID().String(), segmentID, len(body))
		}
		r.sendSegmentComplete(segmentID)

		if r.manifestEnabled {
			r.manifestBuilder.AddSegment(body)
			if r.nextDeliverID == r.manifestTotalSegments {
				if !r.verifyManifest() {
					return
				}
			}
		}
	}
}

// verifyManifest compares the Merkle root built from every delivered
// segment against the root negotiated at handshake time, closing the
// session with ReasonManifestVerification on mismatch. Reports whether
// verification passed.
func (r *Receiver) verifyManifest() bool {
	got := r.manifestBuilder.Root()
	ok := got == r.manifestExpectedRoot
	if r.metrics != nil {
		r.metrics.RecordMerkleVerification(ok)
	}
	if !ok {
		r.sendClose(wire.ReasonManifestVerification)
	}
	return ok
}

// runNackScheduler sends a NACK for every buffered segment whose timer has
// fired, and abandons segments that have gone stale with no lower-id hole
// blocking them.
func (r *Receiver) runNackScheduler(now time.Time) {
	rtt := r.currentRTT()
	backoffCap := nackBackoffCap(rtt)

	r.mu.Lock()
	type due struct {
		segmentID uint64
		missing   []uint32
	}
	var dues []due
	minIncomplete := ^uint64(0)
	for id, buf := range r.buffers {
		if !buf.complete() && id < minIncomplete {
			minIncomplete = id
		}
	}
	var stale uint64
	var staleMissing []uint32
	staleFound := false
	for id, buf := range r.buffers {
		if buf.dueForNack(now) {
			missing := buf.missingChunkIDs(wire.MaxNackChunkIDs)
			buf.scheduleNextNack(now, backoffCap)
			dues = append(dues, due{segmentID: id, missing: missing})
		}
		if id == minIncomplete && now.Sub(buf.lastProgress) >= r.cfg.SegmentStaleTimeout {
			stale = id
			staleMissing = buf.missingChunkIDs(wire.MaxNackChunkIDs)
			staleFound = true
		}
	}
	if staleFound {
		delete(r.buffers, stale)
	}
	r.mu.Unlock()

	for _, d := range dues {
		if r.log != nil {
			r.log.NackScheduled(r.sess.ID().String(), d.segmentID, len(d.missing), backoffCap)
		}
		r.sendNack(d.segmentID, d.missing)
	}
	if staleFound {
		r.forgetPersisted(stale)
		r.sendNack(stale, staleMissing)
	}
}

func (r *Receiver) sendNack(segmentID uint64, chunkIDs []uint32) {
	n := &wire.Nack{SegmentID: segmentID, ChunkIDs: chunkIDs}
	r.ep.Send(r.peer, wire.EncodeNack(n))
}

func (r *Receiver) sendSegmentComplete(segmentID uint64) {
	sc := &wire.SegmentComplete{SegmentID: segmentID}
	r.ep.Send(r.peer, wire.EncodeSegmentComplete(sc))
}

func (r *Receiver) sendClose(reason uint8) {
	r.ep.Send(r.peer, wire.EncodeClose(&wire.Close{Reason: reason}))
}

// tickerLoop emits FlowControl at cfg.FlowControlInterval, sends Heartbeats
// when due, and checks session liveness.
func (r *Receiver) tickerLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.FlowControlInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			now := r.ep.Now()
			if r.sess.CheckLiveness(now) {
				r.sendClose(wire.ReasonSessionTimeout)
				return sfperr.ErrSessionTimeout
			}
			r.sendFlowControl(now)
			if r.sess.DueForHeartbeat(now) {
				r.ep.Send(r.peer, wire.EncodeHeartbeat(&wire.Heartbeat{TimestampUs: uint64(now.UnixMicro())}))
				r.sess.RecordHeartbeatSent(now)
			}
		}
	}
}

func (r *Receiver) sendFlowControl(now time.Time) {
	r.mu.Lock()
	inProgress := uint32(len(r.buffers))
	lastCompleted := r.lastCompletedSegment
	bufferAvailable := uint32(0)
	if r.cfg.BufferCapacity > inProgress {
		bufferAvailable = r.cfg.BufferCapacity - inProgress
	}
	elapsed := now.Sub(r.windowStart).Seconds()
	delivered := r.deliveredWindow
	if elapsed >= 1.0 {
		r.windowStart = now
		r.deliveredWindow = 0
	}
	r.mu.Unlock()

	// processing_rate travels in segments/sec; suggested_rate converts it
	// to bytes/sec with 10% headroom.
	processingRate := float32(0)
	if elapsed > 0 {
		processingRate = float32(float64(delivered) / elapsed)
	}

	fc := &wire.FlowControl{
		BufferAvailable:      bufferAvailable,
		LastCompletedSegment: lastCompleted,
		SegmentsInProgress:   inProgress,
		LossRate:             float32(r.loss.Rate()),
		ProcessingRate:       processingRate,
		SuggestedRate:        processingRate * float32(r.cfg.SegmentSize) * 0.9,
	}
	r.ep.Send(r.peer, wire.EncodeFlowControl(fc))
	r.st.SetLossRate(float64(fc.LossRate))
}
