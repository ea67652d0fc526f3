package pathmgr

import (
	"testing"
	"time"
)

func TestSinglePathAlwaysPicked(t *testing.T) {
	m := NewManager([]string{"eth0"})
	now := time.Unix(0, 0)
	for i := 0; i < 5; i++ {
		if got := m.PickPath(now); got != "eth0" {
			t.Errorf("expected eth0, got %s", got)
		}
	}
}

func TestObserveAndRecomputeFavorsBetterPath(t *testing.T) {
	m := NewManager([]string{"eth0", "eth1"})
	now := time.Unix(0, 0)

	m.Observe("eth0", 10_000_000, 0.0, now)
	m.Observe("eth1", 1_000_000, 0.5, now)
	m.RecomputeWeights(now)

	w0 := m.Weight("eth0")
	w1 := m.Weight("eth1")
	if w0 <= w1 {
		t.Errorf("expected eth0 weight (%v) > eth1 weight (%v)", w0, w1)
	}
}

func TestWeightFloorAppliesWithinProbeWindow(t *testing.T) {
	m := NewManager([]string{"eth0", "eth1"})
	now := time.Unix(0, 0)

	m.Observe("eth0", 100_000_000, 0.0, now)
	m.Observe("eth1", 1.0, 0.99, now)
	m.RecomputeWeights(now)

	if got := m.Weight("eth1"); got < weightFloor {
		t.Errorf("expected weight floor %v applied, got %v", weightFloor, got)
	}
	sum := m.Weight("eth0") + m.Weight("eth1")
	if sum < 0.999999 || sum > 1.000001 {
		t.Errorf("weights must sum to 1 after the floor pass, got %v", sum)
	}
}

func TestRecomputeWeightsSumsToOneWithManyFlooredPaths(t *testing.T) {
	ids := []string{"eth0", "eth1", "eth2", "eth3"}
	m := NewManager(ids)
	now := time.Unix(0, 0)

	// One dominant path and three starved-but-recently-observed ones, each
	// of which gets the floor.
	m.Observe("eth0", 1e9, 0.0, now)
	m.Observe("eth1", 1.0, 0.9, now)
	m.Observe("eth2", 2.0, 0.9, now)
	m.Observe("eth3", 3.0, 0.9, now)
	m.RecomputeWeights(now)

	var sum float64
	for _, id := range ids {
		sum += m.Weight(id)
	}
	if sum < 0.999999 || sum > 1.000001 {
		t.Errorf("weights sum = %v, want 1", sum)
	}
	for _, id := range ids[1:] {
		if got := m.Weight(id); got != weightFloor {
			t.Errorf("%s weight = %v, want exactly the %v floor", id, got, weightFloor)
		}
	}
}

func TestPathParkedAfterSilence(t *testing.T) {
	m := NewManager([]string{"eth0", "eth1"})
	t0 := time.Unix(0, 0)

	m.Observe("eth0", 10_000_000, 0.0, t0)
	m.Observe("eth1", 10_000_000, 0.0, t0)
	m.RecomputeWeights(t0)

	later := t0.Add(6 * time.Second)
	m.RecomputeWeights(later)

	if got := m.Weight("eth1"); got != 0 {
		t.Errorf("expected eth1 parked to weight 0, got %v", got)
	}
}

func TestPickPathOnlySelectsAmongKnownPaths(t *testing.T) {
	m := NewManager([]string{"eth0", "eth1", "eth2"})
	now := time.Unix(0, 0)
	m.Observe("eth0", 5_000_000, 0.1, now)
	m.Observe("eth1", 5_000_000, 0.1, now)
	m.Observe("eth2", 5_000_000, 0.1, now)
	m.RecomputeWeights(now)

	valid := map[string]bool{"eth0": true, "eth1": true, "eth2": true}
	for i := 0; i < 50; i++ {
		if got := m.PickPath(now); !valid[got] {
			t.Fatalf("PickPath returned unknown path %q", got)
		}
	}
}

func TestUnobservedPathHasZeroWeight(t *testing.T) {
	m := NewManager([]string{"eth0", "eth1"})
	now := time.Unix(0, 0)
	m.Observe("eth0", 1_000_000, 0.0, now)
	m.RecomputeWeights(now)

	if got := m.Weight("eth1"); got != 0 {
		t.Errorf("expected never-observed path weight 0, got %v", got)
	}
}

func TestRecordSendFailurePenalisesWeight(t *testing.T) {
	m := NewManager([]string{"eth0", "eth1"})
	now := time.Unix(0, 0)
	m.Observe("eth0", 5_000_000, 0.0, now)
	m.Observe("eth1", 5_000_000, 0.0, now)
	m.RecomputeWeights(now)
	before := m.Weight("eth0")

	m.RecordSendFailure("eth0", now)
	m.RecomputeWeights(now)

	if got := m.Weight("eth0"); got >= before {
		t.Errorf("expected penalised weight < %v, got %v", before, got)
	}
}

func TestRecordSendFailureParksAfterThreeConsecutive(t *testing.T) {
	m := NewManager([]string{"eth0", "eth1"})
	now := time.Unix(0, 0)
	m.Observe("eth0", 5_000_000, 0.0, now)
	m.Observe("eth1", 5_000_000, 0.0, now)

	m.RecordSendFailure("eth0", now)
	m.RecordSendFailure("eth0", now)
	m.RecordSendFailure("eth0", now)

	if !m.Parked("eth0") {
		t.Error("expected eth0 parked after 3 consecutive send failures")
	}
	m.RecomputeWeights(now)
	if got := m.Weight("eth0"); got != 0 {
		t.Errorf("expected parked path weight 0, got %v", got)
	}
}

func TestRecordSendSuccessResetsFailureStreak(t *testing.T) {
	m := NewManager([]string{"eth0"})
	now := time.Unix(0, 0)
	m.RecordSendFailure("eth0", now)
	m.RecordSendFailure("eth0", now)
	m.RecordSendSuccess("eth0")
	m.RecordSendFailure("eth0", now)

	if m.Parked("eth0") {
		t.Error("expected failure streak reset, path should not be parked")
	}
}
