// Package sender implements the SLS/SFP sender core: the per-segment
// framing loop, the paced redundant-chunk dispatcher, and concurrent control
// handling (NACK, FlowControl, SegmentComplete, Heartbeat, Close).
package sender

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/slstransfer/sls/internal/fec"
	"github.com/slstransfer/sls/internal/netio"
	"github.com/slstransfer/sls/internal/observability"
	"github.com/slstransfer/sls/internal/pathmgr"
	"github.com/slstransfer/sls/internal/ratecontrol"
	"github.com/slstransfer/sls/internal/secure"
	"github.com/slstransfer/sls/internal/session"
	"github.com/slstransfer/sls/internal/sfperr"
	"github.com/slstransfer/sls/internal/stats"
	"github.com/slstransfer/sls/internal/wire"
)

// Redundancy modes for Config.RedundancyMode: the duplicate-chunk scheme,
// or the erasure-coded tier adapted from internal/fec.
const (
	RedundancyModeDuplicate = "duplicate"
	RedundancyModeErasure   = "erasure"
)

// minErasureChunks is the smallest data-chunk-count segment erasure coding
// is worth engaging for; below it the duplicate scheme's overhead is
// already comparable.
const minErasureChunks = 4

// PayloadSource produces successive segments of at most SegmentSize bytes.
// NextSegment returns io.EOF once the payload is exhausted.
type PayloadSource interface {
	NextSegment() ([]byte, error)
}

// Path binds a path manager identity to the concrete endpoint used to send
// on it (one per sender NIC).
type Path struct {
	ID       string
	Endpoint netio.Endpoint
}

// Config holds the negotiated and tunable parameters the sender core needs.
type Config struct {
	ChunkSize           uint32
	SegmentSize         uint32
	BaseRedundancyRatio float32
	MaxCachedSegments   int
	QueueCapacity       int
	MinCapacitySlack    int
	ResumeCapacitySlack int
	EncryptionEnabled   bool

	// RedundancyMode selects the forward-redundancy scheme: "duplicate"
	// (default) or "erasure" (Reed-Solomon parity shards, mutually
	// exclusive with duplicate redundancy per segment).
	RedundancyMode     string
	ErasureParityRatio float32
}

// Sender drives one established session's outbound half.
type Sender struct {
	cfg   Config
	peer  net.Addr
	paths *pathmgr.Manager
	eps   map[string]netio.Endpoint

	sess       *session.Session
	sessionKey secure.SessionKey
	rate       *ratecontrol.Controller
	st         *stats.Session

	cache *chunkCache
	queue *sendQueue

	// clockEp supplies the session clock; every endpoint of one session
	// shares a clock, so any path's works.
	clockEp netio.Endpoint

	fecPolicy *fec.Policy
	log       *observability.Logger

	rng *rand.Rand

	mu              sync.Mutex
	redundancyRatio float32
	nextRatio       float32

	nextSegmentID    uint64
	inFlightSegments int64

	// segLastSent tracks when each in-flight segment's most recent chunk
	// went out; SegmentComplete arrival against it yields the RTT and
	// delivery-rate samples the rate controller consumes.
	segLastSent     map[uint64]time.Time
	lastCompletedAt time.Time
}

// New constructs a Sender bound to the given set of NIC paths, all of which
// address the same peer (the receiver's 4-tuple established at handshake).
func New(cfg Config, paths []Path, peer net.Addr, sess *session.Session, sessionKey secure.SessionKey, rate *ratecontrol.Controller, st *stats.Session, seed uint64) *Sender {
	ids := make([]string, len(paths))
	eps := make(map[string]netio.Endpoint, len(paths))
	for i, p := range paths {
		ids[i] = p.ID
		eps[p.ID] = p.Endpoint
	}
	var clockEp netio.Endpoint
	if len(paths) > 0 {
		clockEp = paths[0].Endpoint
	}
	s := &Sender{
		cfg:             cfg,
		clockEp:         clockEp,
		peer:            peer,
		paths:           pathmgr.NewManager(ids),
		eps:             eps,
		sess:            sess,
		sessionKey:      sessionKey,
		rate:            rate,
		st:              st,
		cache:           newChunkCache(cfg.MaxCachedSegments),
		queue:           newSendQueue(cfg.QueueCapacity, cfg.MinCapacitySlack, cfg.ResumeCapacitySlack),
		rng:             rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		segLastSent:     make(map[uint64]time.Time),
		redundancyRatio: cfg.BaseRedundancyRatio,
		nextRatio:       cfg.BaseRedundancyRatio,
	}
	if cfg.RedundancyMode == RedundancyModeErasure {
		base := fec.DefaultParity
		if cfg.ErasureParityRatio > 0 {
			base = maxInt(1, int(cfg.ErasureParityRatio*8))
		}
		s.fecPolicy = fec.NewPolicy(base, maxInt(base, fec.MaxParity))
	}
	return s
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// SetLogger installs the structured logger used for session lifecycle
// events. Nil is safe and simply disables these events.
func (s *Sender) SetLogger(log *observability.Logger) { s.log = log }

// redundancyRatioForLoss maps the receiver's reported loss rate onto the
// forward-redundancy ratio, floored at the configured base.
func redundancyRatioForLoss(base float32, loss float64) float32 {
	switch {
	case loss < 0.02:
		return base
	case loss < 0.10:
		return maxF32(base, 0.20)
	case loss < 0.25:
		return maxF32(base, 0.40)
	default:
		return maxF32(base, 0.70)
	}
}

func maxF32(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}

// Run drives the sender until the payload source is exhausted and every
// chunk has been dispatched, or until ctx is cancelled or a session-level
// error occurs. It spawns the session's three cooperative tasks: the
// payload-pull+framer, the paced dispatcher, and the control receiver.
func (s *Sender) Run(ctx context.Context, source PayloadSource) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 3+len(s.eps))
	var wg sync.WaitGroup

	// Cancellation must unblock the queue's condvars (framer parked on
	// backpressure, dispatcher parked on empty) within one tick.
	go func() {
		<-ctx.Done()
		s.queue.Close()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		errCh <- s.framerLoop(ctx, source)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		// The dispatcher owns transfer completion: when it returns the
		// remaining tasks have nothing left to do, clean exit or not.
		err := s.dispatchLoop(ctx)
		cancel()
		errCh <- err
	}()

	for _, p := range s.eps {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			// A control task returning means the peer closed (or the
			// socket died): nothing left for the other tasks either.
			err := s.controlLoop(ctx, p)
			cancel()
			errCh <- err
		}()
	}

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
	if s.log != nil {
		reason := "closed"
		if firstErr != nil {
			reason = firstErr.Error()
		}
		s.log.SessionTerminated(s.sess.ID().String(), reason)
	}
	return firstErr
}

// framerLoop pulls segments from the payload source, frames and encrypts
// each into chunks, and enqueues originals plus redundant duplicates.
func (s *Sender) framerLoop(ctx context.Context, source PayloadSource) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		s.queue.WaitForRoom()

		data, err := source.NextSegment()
		if errors.Is(err, io.EOF) {
			s.queue.Close()
			return nil
		}
		if err != nil {
			return sfperr.ErrPayloadSourceFailed
		}

		segmentID := s.nextSegmentID
		s.nextSegmentID++
		s.mu.Lock()
		s.redundancyRatio = s.nextRatio
		ratio := s.redundancyRatio
		s.mu.Unlock()

		chunkCount, dataChunks, err := s.frameSegment(segmentID, data)
		if err != nil {
			return err
		}

		if s.encodeErasure(segmentID, chunkCount, dataChunks) {
			s.enqueueDataChunks(segmentID, chunkCount)
		} else {
			s.enqueueSegment(segmentID, chunkCount, ratio)
		}
		s.mu.Lock()
		s.inFlightSegments++
		s.mu.Unlock()
		if s.st != nil {
			s.st.SetInFlightSegments(s.inFlightSegments)
		}
	}
}

// frameSegment splits data into ceil(len/chunk_size) chunks, encrypts each
// if enabled, and stores the wire-ready bytes in the chunk cache. It also
// returns the plaintext chunks so the caller can optionally feed them to the
// erasure-coded redundancy tier before they go out of scope.
func (s *Sender) frameSegment(segmentID uint64, data []byte) (uint32, [][]byte, error) {
	chunkSize := int(s.cfg.ChunkSize)
	chunkCount := uint32((len(data) + chunkSize - 1) / chunkSize)
	if chunkCount == 0 {
		chunkCount = 1
	}
	s.cache.Put(segmentID, chunkCount)

	dataChunks := make([][]byte, chunkCount)
	for chunkID := uint32(0); chunkID < chunkCount; chunkID++ {
		start := int(chunkID) * chunkSize
		end := start + chunkSize
		if end > len(data) {
			end = len(data)
		}
		payload := data[start:end]
		dataChunks[chunkID] = payload

		if err := s.sealAndCache(segmentID, chunkID, chunkCount, 0, payload); err != nil {
			return 0, nil, err
		}
	}
	return chunkCount, dataChunks, nil
}

// sealAndCache builds a Chunk header around payload, encrypts it if enabled,
// and stores the wire-ready bytes in the chunk cache. Shared by data chunks
// and erasure parity shards, which differ only in their flag bits.
func (s *Sender) sealAndCache(segmentID uint64, chunkID, chunkCount uint32, extraFlags uint8, payload []byte) error {
	c := &wire.Chunk{SegmentID: segmentID, ChunkID: chunkID, ChunkCount: chunkCount, Flags: extraFlags}
	if s.cfg.EncryptionEnabled {
		c.Flags |= wire.FlagEncrypted
		aad := c.AAD()
		ciphertext, err := secure.Seal(s.sessionKey, segmentID, chunkID, aad, payload)
		if err != nil {
			return err
		}
		c.Payload = ciphertext
	} else {
		c.Payload = payload
	}
	s.cache.StoreChunk(segmentID, chunkID, wire.EncodeChunk(c))
	return nil
}

// enqueueDataChunks enqueues every original chunk with no redundancy, used
// when the erasure-coded tier is carrying forward redundancy instead of
// duplicate chunks.
func (s *Sender) enqueueDataChunks(segmentID uint64, chunkCount uint32) {
	for chunkID := uint32(0); chunkID < chunkCount; chunkID++ {
		b, _ := s.cache.Get(segmentID, chunkID)
		s.queue.Enqueue(queuedChunk{segmentID: segmentID, chunkID: chunkID, wire: b})
	}
}

// enqueueSegment enqueues every original chunk plus redundant_chunk_count
// pseudo-randomly chosen duplicates without replacement.
func (s *Sender) enqueueSegment(segmentID uint64, chunkCount uint32, ratio float32) {
	s.enqueueDataChunks(segmentID, chunkCount)

	redundantCount := int(float32(chunkCount)*ratio + 0.999999)
	if redundantCount > int(chunkCount) {
		redundantCount = int(chunkCount)
	}
	if redundantCount <= 0 {
		return
	}
	order := s.rng.Perm(int(chunkCount))
	for i := 0; i < redundantCount; i++ {
		chunkID := uint32(order[i])
		b, ok := s.cache.Get(segmentID, chunkID)
		if !ok {
			continue
		}
		s.queue.Enqueue(queuedChunk{segmentID: segmentID, chunkID: chunkID, redundant: true, wire: markRedundant(b)})
	}
}

// markRedundant flips the FlagRedundant bit in an already-encoded wire
// Chunk's flags byte (offset HeaderSize+1+16, the flags field of the chunk
// body) without needing to re-frame or re-encrypt, since FlagRedundant is
// not part of the AEAD's AAD for forward-redundancy duplicates: it is the
// identical ciphertext sent twice; the AAD only binds the fields that
// must not be tampered with in flight, not the wire framing bit a sender
// flips before re-transmitting an already-sealed chunk.
func markRedundant(original []byte) []byte {
	out := make([]byte, len(original))
	copy(out, original)
	flagsOffset := wire.HeaderSize + 1 + 16
	out[flagsOffset] |= wire.FlagRedundant
	return out
}

// dispatchLoop drains the send queue one chunk at a time, gated by the rate
// controller, picking a path per chunk.
func (s *Sender) dispatchLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		item, ok := s.queue.Dequeue()
		if !ok {
			// Queue drained after EOF. Stay alive to answer late NACKs
			// (the control task re-enqueues cached chunks at the front)
			// until every in-flight segment is acknowledged, then send
			// the final Close.
			s.mu.Lock()
			inFlight := s.inFlightSegments
			s.mu.Unlock()
			if inFlight == 0 {
				s.sendClose(wire.ReasonNormal)
				return nil
			}
			if s.sess.CheckLiveness(s.now()) {
				return sfperr.ErrSessionTimeout
			}
			time.Sleep(time.Millisecond)
			continue
		}

		ep, pathID := s.pickEndpoint()
		if ep == nil {
			return sfperr.ErrSocketSendFailed
		}

		now := ep.Now()
		for len(item.wire) > s.rate.AllowedBytes(now) {
			time.Sleep(time.Millisecond)
			now = ep.Now()
			select {
			case <-ctx.Done():
				return nil
			default:
			}
		}

		if err := ep.Send(s.peer, item.wire); err != nil {
			s.paths.RecordSendFailure(pathID, now)
			if s.log != nil && s.paths.Parked(pathID) {
				s.log.PathParked(s.sess.ID().String(), pathID, s.paths.ConsecutiveFailures(pathID))
			}
			continue
		}
		s.paths.RecordSendSuccess(pathID)
		s.rate.OnPacketSent(len(item.wire), now)
		s.rate.Tick(now)
		s.mu.Lock()
		s.segLastSent[item.segmentID] = now
		s.mu.Unlock()
		if s.st != nil {
			s.st.RecordChunkSent(len(item.wire), item.redundant)
		}
	}
}

// sendClose emits a best-effort Close and walks the session to its terminal
// state. Close rides an unacknowledged datagram, so a few copies go out to
// survive the loss rates the protocol is built for.
func (s *Sender) sendClose(reason uint8) {
	frame := wire.EncodeClose(&wire.Close{Reason: reason})
	if ep, _ := s.pickEndpoint(); ep != nil {
		for i := 0; i < 5; i++ {
			ep.Send(s.peer, frame)
		}
	}
	if s.sess.TransitionTo(session.StateClosing) == nil {
		s.sess.TransitionTo(session.StateTerminal)
	}
}

// now reads the session clock off any endpoint, falling back to wall time
// for a sender constructed without paths.
func (s *Sender) now() time.Time {
	if s.clockEp != nil {
		return s.clockEp.Now()
	}
	return time.Now()
}

func (s *Sender) pickEndpoint() (netio.Endpoint, string) {
	id := s.paths.PickPath(s.now())
	ep, ok := s.eps[id]
	if !ok {
		return nil, ""
	}
	return ep, id
}

// controlLoop drains one endpoint's reverse-direction control traffic.
func (s *Sender) controlLoop(ctx context.Context, ep netio.Endpoint) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		dg, err := ep.Recv()
		if errors.Is(err, netio.ErrNoDatagram) {
			time.Sleep(time.Millisecond)
			continue
		}
		if err != nil {
			return sfperr.ErrSocketRecvFailed
		}

		s.sess.ObserveDatagram(ep.Now())

		msgType, err := wire.PeekType(dg.Data)
		if err != nil {
			continue
		}
		switch msgType {
		case wire.TypeNack:
			s.handleNack(dg.Data)
		case wire.TypeFlowControl:
			s.handleFlowControl(dg.Data, ep.Now())
		case wire.TypeSegmentComplete:
			s.handleSegmentComplete(dg.Data, ep.Now())
		case wire.TypeHeartbeat:
			s.handleHeartbeat(ep, dg)
		case wire.TypeClose:
			if c, err := wire.DecodeClose(dg.Data); err == nil {
				return sfperr.FromCloseReason(c.Reason)
			}
			return nil
		}
	}
}

func (s *Sender) handleNack(data []byte) {
	n, err := wire.DecodeNack(data)
	if err != nil {
		return
	}
	for _, chunkID := range n.ChunkIDs {
		b, ok := s.cache.Get(n.SegmentID, chunkID)
		if !ok {
			continue
		}
		s.queue.EnqueueFront(queuedChunk{segmentID: n.SegmentID, chunkID: chunkID, wire: b})
	}
	if s.st != nil {
		s.st.RecordNackReceived()
		for range n.ChunkIDs {
			s.st.RecordChunkRetransmitted()
		}
	}
}

func (s *Sender) handleFlowControl(data []byte, now time.Time) {
	fc, err := wire.DecodeFlowControl(data)
	if err != nil {
		return
	}

	// The wire FlowControl message carries one session-wide loss/rate
	// estimate rather than a per-NIC breakdown, so every active path is
	// folded the same observation: weights still diverge over time via
	// RecordSendFailure/RecordSendSuccess per path. processing_rate is in
	// segments/sec on the wire; the path manager tracks bytes/sec.
	arrivalRate := float64(fc.ProcessingRate) * float64(s.cfg.SegmentSize)
	for pathID := range s.eps {
		s.paths.Observe(pathID, arrivalRate, float64(fc.LossRate), now)
	}
	s.paths.RecomputeWeights(now)

	s.mu.Lock()
	s.nextRatio = redundancyRatioForLoss(s.cfg.BaseRedundancyRatio, float64(fc.LossRate))
	s.mu.Unlock()

	// Strict in-order delivery means everything at or below the receiver's
	// last completed segment is done, so this heals any SegmentComplete
	// acks the wire dropped. All-ones signals no segment completed yet.
	if fc.LastCompletedSegment != ^uint64(0) {
		if evicted := s.cache.EvictUpTo(fc.LastCompletedSegment); evicted > 0 {
			s.mu.Lock()
			s.inFlightSegments -= int64(evicted)
			if s.inFlightSegments < 0 {
				s.inFlightSegments = 0
			}
			inFlight := s.inFlightSegments
			for id := range s.segLastSent {
				if id <= fc.LastCompletedSegment {
					delete(s.segLastSent, id)
				}
			}
			s.mu.Unlock()
			if s.st != nil {
				s.st.SetInFlightSegments(inFlight)
			}
		}
	}

	if fc.SuggestedRate > 0 {
		s.rate.ClampSuggestedRate(float64(fc.SuggestedRate), now)
	}
	if s.st != nil {
		s.st.SetLossRate(float64(fc.LossRate))
		s.st.SetPacingRate(s.rate.PacingRate())
	}
	if s.fecPolicy != nil {
		s.fecPolicy.Update(float64(fc.LossRate))
	}
	if s.log != nil {
		s.log.RateProbe(s.sess.ID().String(), s.rate.PacingRate(), fmt.Sprintf("gain=%.2f", s.rate.Gain()))
	}
}

func (s *Sender) handleSegmentComplete(data []byte, now time.Time) {
	sc, err := wire.DecodeSegmentComplete(data)
	if err != nil {
		return
	}
	wasCached := s.cache.Evict(sc.SegmentID)
	s.cache.ForceGC()
	s.mu.Lock()
	if wasCached && s.inFlightSegments > 0 {
		s.inFlightSegments--
	}
	inFlight := s.inFlightSegments
	lastSent, sawSend := s.segLastSent[sc.SegmentID]
	delete(s.segLastSent, sc.SegmentID)
	prevCompleted := s.lastCompletedAt
	s.lastCompletedAt = now
	s.mu.Unlock()

	// SegmentComplete closes the loop on this segment's last transmission:
	// the gap since that send is an RTT sample, and the gap since the
	// previous completion is a delivery-rate sample.
	if sawSend {
		if rtt := now.Sub(lastSent); rtt > 0 {
			s.rate.OnRTTUpdate(rtt, now)
		}
	}
	if !prevCompleted.IsZero() {
		s.rate.OnDelivered(int(s.cfg.SegmentSize), now.Sub(prevCompleted), now)
	}
	if s.st != nil {
		s.st.SetInFlightSegments(inFlight)
		s.st.RecordSegmentDelivered()
	}
}

func (s *Sender) handleHeartbeat(ep netio.Endpoint, dg netio.Datagram) {
	reply := &wire.Heartbeat{TimestampUs: uint64(ep.Now().UnixMicro())}
	ep.Send(dg.Peer, wire.EncodeHeartbeat(reply))
}
