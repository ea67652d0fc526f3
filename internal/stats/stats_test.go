package stats

import (
	"testing"
	"time"
)

func TestRecordChunkSentAccumulates(t *testing.T) {
	s := NewSession(nil)
	s.RecordChunkSent(1000, false)
	s.RecordChunkSent(1000, true)

	if got := s.BytesSent.Load(); got != 2000 {
		t.Errorf("BytesSent = %d, want 2000", got)
	}
	if got := s.ChunksSent.Load(); got != 2 {
		t.Errorf("ChunksSent = %d, want 2", got)
	}
	if got := s.ChunksRedundant.Load(); got != 1 {
		t.Errorf("ChunksRedundant = %d, want 1", got)
	}
}

func TestRecordChunkReceivedAccumulates(t *testing.T) {
	s := NewSession(nil)
	s.RecordChunkReceived(500)
	s.RecordChunkReceived(500)

	if got := s.BytesReceived.Load(); got != 1000 {
		t.Errorf("BytesReceived = %d, want 1000", got)
	}
	if got := s.ChunksReceived.Load(); got != 2 {
		t.Errorf("ChunksReceived = %d, want 2", got)
	}
}

func TestGaugesRoundTrip(t *testing.T) {
	s := NewSession(nil)
	s.SetPacingRate(1.5e6)
	s.SetLossRate(0.04)
	s.SetInFlightSegments(7)

	if got := s.PacingRate(); got != 1.5e6 {
		t.Errorf("PacingRate = %v, want 1.5e6", got)
	}
	if got := s.LossRate(); got != 0.04 {
		t.Errorf("LossRate = %v, want 0.04", got)
	}
	if got := s.InFlightSegments(); got != 7 {
		t.Errorf("InFlightSegments = %d, want 7", got)
	}
}

func TestDropCountersIndependent(t *testing.T) {
	s := NewSession(nil)
	s.RecordChunkDroppedDecode()
	s.RecordChunkDroppedDuplicate()
	s.RecordChunkDroppedDuplicate()

	if got := s.ChunksDroppedDecode.Load(); got != 1 {
		t.Errorf("ChunksDroppedDecode = %d, want 1", got)
	}
	if got := s.ChunksDroppedDuplicate.Load(); got != 2 {
		t.Errorf("ChunksDroppedDuplicate = %d, want 2", got)
	}
}

func TestSessionMirrorsIntoRegistry(t *testing.T) {
	reg := NewRegistry()
	s := NewSession(reg)
	s.RecordChunkSent(100, false)
	s.RecordChunkReceived(50)
	s.RecordSegmentDelivered()

	if reg.Handler() == nil {
		t.Fatal("Handler returned nil")
	}
}

func TestLossEstimatorRate(t *testing.T) {
	now := time.Unix(0, 0)
	e := NewLossEstimator(time.Second, now)

	for i := 0; i < 8; i++ {
		e.Observe(false, now)
	}
	for i := 0; i < 2; i++ {
		e.Observe(true, now)
	}

	if got := e.Rate(); got != 0.2 {
		t.Errorf("Rate = %v, want 0.2", got)
	}
}

func TestLossEstimatorWindowResets(t *testing.T) {
	now := time.Unix(0, 0)
	e := NewLossEstimator(time.Second, now)
	e.Observe(true, now)
	if got := e.Rate(); got != 1.0 {
		t.Fatalf("Rate = %v, want 1.0", got)
	}

	later := now.Add(2 * time.Second)
	e.Observe(false, later)
	if got := e.Rate(); got != 0.0 {
		t.Errorf("Rate after window reset = %v, want 0.0", got)
	}
}

func TestLossEstimatorEmptyWindow(t *testing.T) {
	e := NewLossEstimator(time.Second, time.Unix(0, 0))
	if got := e.Rate(); got != 0 {
		t.Errorf("Rate with no observations = %v, want 0", got)
	}
}
