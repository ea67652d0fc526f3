package stats

import (
	"sync"
	"time"
)

// LossEstimator computes the receiver's loss_rate FlowControl field: the
// fraction of chunks arriving via forward redundancy or erasure
// reconstruction rather than a first-attempt original chunk, over the
// trailing one-second window.
type LossEstimator struct {
	window time.Duration

	mu          sync.Mutex
	windowStart time.Time
	total       uint64
	redundant   uint64
}

// NewLossEstimator builds a LossEstimator with the given trailing window
// (1s by default).
func NewLossEstimator(window time.Duration, now time.Time) *LossEstimator {
	return &LossEstimator{window: window, windowStart: now}
}

// Observe records one received chunk, noting whether it arrived redundant
// (duplicate or erasure-reconstructed) rather than as a first original.
func (e *LossEstimator) Observe(redundant bool, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if now.Sub(e.windowStart) >= e.window {
		e.windowStart = now
		e.total = 0
		e.redundant = 0
	}
	e.total++
	if redundant {
		e.redundant++
	}
}

// Rate returns redundant/total for the current window, or 0 if nothing has
// been observed yet.
func (e *LossEstimator) Rate() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.total == 0 {
		return 0
	}
	return float64(e.redundant) / float64(e.total)
}
