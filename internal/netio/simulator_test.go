package netio

import (
	"bytes"
	"testing"
	"time"
)

func TestSimulatedPairDeliversWithoutLoss(t *testing.T) {
	clock := NewVirtualClock(time.Unix(0, 0))
	a, b := NewSimulatedPair(clock, 0, 0, 1)

	msg := []byte("hello")
	if err := a.Send(b.LocalAddr(), msg); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	got, err := b.Recv()
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if !bytes.Equal(got.Data, msg) {
		t.Errorf("got %q want %q", got.Data, msg)
	}
}

func TestSimulatedPairRecvEmptyBeforeArrival(t *testing.T) {
	clock := NewVirtualClock(time.Unix(0, 0))
	a, b := NewSimulatedPair(clock, 0, 50*time.Millisecond, 2)

	if err := a.Send(b.LocalAddr(), []byte("x")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if _, err := b.Recv(); err != ErrNoDatagram {
		t.Errorf("expected ErrNoDatagram before jitter delay elapses, got %v", err)
	}

	clock.Advance(100 * time.Millisecond)
	if _, err := b.Recv(); err != nil {
		t.Errorf("expected datagram after advancing past jitter, got %v", err)
	}
}

func TestSimulatedPairAppliesLossRate(t *testing.T) {
	clock := NewVirtualClock(time.Unix(0, 0))
	a, b := NewSimulatedPair(clock, 1.0, 0, 3) // 100% loss

	for i := 0; i < 20; i++ {
		if err := a.Send(b.LocalAddr(), []byte{byte(i)}); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}
	if _, err := b.Recv(); err != ErrNoDatagram {
		t.Errorf("expected all datagrams dropped under 100%% loss, got %v", err)
	}
}

func TestSimulatedPairOrdersByArrivalTime(t *testing.T) {
	clock := NewVirtualClock(time.Unix(0, 0))
	a, b := NewSimulatedPair(clock, 0, 0, 4)

	// With no jitter, advancing the clock between sends gives the second
	// send an arrival time 10ms after the first.
	a.Send(b.LocalAddr(), []byte("first-sent"))
	clock.Advance(10 * time.Millisecond)
	a.Send(b.LocalAddr(), []byte("second-sent"))

	first, err := b.Recv()
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if string(first.Data) != "first-sent" {
		t.Errorf("expected first-sent delivered first, got %q", first.Data)
	}
}
