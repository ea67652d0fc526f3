// Package stats implements the SLS/SFP stats/feedback component: the
// atomic per-session counters and gauges that are the sole source of truth
// for the rate controller, path manager, and outgoing FlowControl messages,
// mirrored onto Prometheus metrics for the admin/metrics HTTP endpoint.
package stats

import (
	"math"
	"sync/atomic"
)

// Session holds the per-session monotonic atomic counters and gauges, one
// instance per session.
type Session struct {
	BytesSent              atomic.Uint64
	ChunksSent              atomic.Uint64
	ChunksRedundant         atomic.Uint64
	ChunksRetransmitted     atomic.Uint64
	NacksReceived           atomic.Uint64
	BytesReceived           atomic.Uint64
	ChunksReceived          atomic.Uint64
	ChunksDroppedDecode     atomic.Uint64
	ChunksDroppedDuplicate  atomic.Uint64
	SegmentsDelivered       atomic.Uint64

	pacingRate       atomic.Uint64 // bits of a float64, via math.Float64bits
	lossRate         atomic.Uint64
	inFlightSegments atomic.Int64

	registry *Registry
}

// NewSession constructs a Session, optionally mirroring onto a shared
// Prometheus Registry (nil is valid: counters still work standalone).
func NewSession(registry *Registry) *Session {
	return &Session{registry: registry}
}

// SetPacingRate updates the pacing_rate gauge.
func (s *Session) SetPacingRate(bytesPerSec float64) {
	s.pacingRate.Store(float64bits(bytesPerSec))
	if s.registry != nil {
		s.registry.PacingRate.Set(bytesPerSec)
	}
}

// PacingRate returns the current pacing_rate gauge value.
func (s *Session) PacingRate() float64 { return float64frombits(s.pacingRate.Load()) }

// SetLossRate updates the loss_rate gauge.
func (s *Session) SetLossRate(rate float64) {
	s.lossRate.Store(float64bits(rate))
	if s.registry != nil {
		s.registry.LossRate.Set(rate)
	}
}

// LossRate returns the current loss_rate gauge value.
func (s *Session) LossRate() float64 { return float64frombits(s.lossRate.Load()) }

// SetInFlightSegments updates the in_flight_segments gauge.
func (s *Session) SetInFlightSegments(n int64) {
	s.inFlightSegments.Store(n)
	if s.registry != nil {
		s.registry.InFlightSegments.Set(float64(n))
	}
}

// InFlightSegments returns the current in_flight_segments gauge value.
func (s *Session) InFlightSegments() int64 { return s.inFlightSegments.Load() }

// RecordChunkSent folds a sent chunk into bytes_sent/chunks_sent and, if
// redundant, chunks_redundant.
func (s *Session) RecordChunkSent(payloadBytes int, redundant bool) {
	s.BytesSent.Add(uint64(payloadBytes))
	s.ChunksSent.Add(1)
	if redundant {
		s.ChunksRedundant.Add(1)
	}
	if s.registry != nil {
		s.registry.ChunksSentTotal.Inc()
		s.registry.BytesTotal.WithLabelValues("sent").Add(float64(payloadBytes))
	}
}

// RecordChunkRetransmitted increments chunks_retransmitted (NACK-driven
// resend).
func (s *Session) RecordChunkRetransmitted() {
	s.ChunksRetransmitted.Add(1)
	if s.registry != nil {
		s.registry.ChunksRetransmittedTotal.Inc()
	}
}

// RecordNackReceived increments nacks_received.
func (s *Session) RecordNackReceived() { s.NacksReceived.Add(1) }

// RecordChunkReceived folds a received, accepted chunk into
// bytes_received/chunks_received.
func (s *Session) RecordChunkReceived(payloadBytes int) {
	s.BytesReceived.Add(uint64(payloadBytes))
	s.ChunksReceived.Add(1)
	if s.registry != nil {
		s.registry.ChunksReceivedTotal.Inc()
		s.registry.BytesTotal.WithLabelValues("received").Add(float64(payloadBytes))
	}
}

// RecordChunkDroppedDecode increments chunks_dropped_decode (DecodeError or
// AeadFailed).
func (s *Session) RecordChunkDroppedDecode() { s.ChunksDroppedDecode.Add(1) }

// RecordChunkDroppedDuplicate increments chunks_dropped_duplicate (bit
// already set under forward redundancy).
func (s *Session) RecordChunkDroppedDuplicate() { s.ChunksDroppedDuplicate.Add(1) }

// RecordSegmentDelivered increments segments_delivered.
func (s *Session) RecordSegmentDelivered() {
	s.SegmentsDelivered.Add(1)
	if s.registry != nil {
		s.registry.SegmentsDeliveredTotal.Inc()
	}
}

func float64bits(f float64) uint64     { return math.Float64bits(f) }
func float64frombits(u uint64) float64 { return math.Float64frombits(u) }
