package sender

import "sync"

// cachedSegment is the full set of already-encoded (and encrypted, if
// applicable) chunks for one in-flight segment, so a NACK can be answered
// without re-encrypting or re-framing.
type cachedSegment struct {
	chunkCount uint32
	chunks     map[uint32][]byte
	complete   bool
}

// chunkCache is exclusively owned by the sender core; the dispatcher reads
// it and the control-receiving task writes it (evicting on SegmentComplete),
// serialised here behind a mutex.
type chunkCache struct {
	mu        sync.Mutex
	maxCached int
	order     []uint64 // insertion order, oldest first
	segments  map[uint64]*cachedSegment
}

func newChunkCache(maxCached int) *chunkCache {
	return &chunkCache{
		maxCached: maxCached,
		segments:  make(map[uint64]*cachedSegment),
	}
}

// Put registers a new in-flight segment with its chunk count.
func (c *chunkCache) Put(segmentID uint64, chunkCount uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.segments[segmentID] = &cachedSegment{
		chunkCount: chunkCount,
		chunks:     make(map[uint32][]byte, chunkCount),
	}
	c.order = append(c.order, segmentID)
}

// StoreChunk records one chunk's wire-ready bytes.
func (c *chunkCache) StoreChunk(segmentID uint64, chunkID uint32, wire []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	seg, ok := c.segments[segmentID]
	if !ok {
		return
	}
	seg.chunks[chunkID] = wire
}

// Get returns a cached chunk's wire bytes for NACK retransmission.
func (c *chunkCache) Get(segmentID uint64, chunkID uint32) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	seg, ok := c.segments[segmentID]
	if !ok {
		return nil, false
	}
	b, ok := seg.chunks[chunkID]
	return b, ok
}

// Evict removes a segment entirely, called on SegmentComplete. Reports
// whether the segment was still cached, so callers don't double-count an
// eviction already performed via EvictUpTo.
func (c *chunkCache) Evict(segmentID uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.segments[segmentID]; !ok {
		return false
	}
	delete(c.segments, segmentID)
	for i, id := range c.order {
		if id == segmentID {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return true
}

// EvictUpTo removes every cached segment with id <= maxSegmentID and reports
// how many were removed. The receiver delivers in strict ascending order, so
// its FlowControl last_completed_segment implies everything at or below it is
// done even when the individual SegmentComplete acks were lost.
func (c *chunkCache) EvictUpTo(maxSegmentID uint64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	evicted := 0
	kept := c.order[:0]
	for _, id := range c.order {
		if id <= maxSegmentID {
			delete(c.segments, id)
			evicted++
		} else {
			kept = append(kept, id)
		}
	}
	c.order = kept
	return evicted
}

// MarkComplete flags a segment eligible for forced-GC eviction without
// removing it immediately; normal flow evicts directly via Evict on
// SegmentComplete, but ForceGC uses this flag as a safety valve when the
// cache grows past maxCached before that happens.
func (c *chunkCache) MarkComplete(segmentID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seg, ok := c.segments[segmentID]; ok {
		seg.complete = true
	}
}

// ForceGC evicts the oldest completed segment if the cache exceeds
// maxCached; an incomplete segment is never evicted here.
func (c *chunkCache) ForceGC() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.segments) <= c.maxCached {
		return
	}
	for i, id := range c.order {
		seg, ok := c.segments[id]
		if ok && seg.complete {
			delete(c.segments, id)
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

// Size reports the number of segments currently cached.
func (c *chunkCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.segments)
}
