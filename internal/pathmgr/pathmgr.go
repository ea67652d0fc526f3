// Package pathmgr implements the SLS/SFP path manager: tracking one
// network path per sender NIC, maintaining EWMA arrival-rate and loss
// estimates per path, and picking a path for each dispatch by weight.
package pathmgr

import (
	"math/rand/v2"
	"sync"
	"time"
)

const (
	rateAlpha = 0.25
	lossAlpha = 0.3

	// weightFloor keeps any recently-observed path from starving during
	// probing, even if its computed weight would otherwise round to zero.
	weightFloor = 0.05

	// probeWindow is how recently a path must have been observed to keep
	// its weight floor applied.
	probeWindow = 2 * time.Second

	// parkAfter is how long without any observation before a path is
	// parked to weight zero entirely.
	parkAfter = 5 * time.Second

	// sendFailurePenaltyWindow is how long a SocketSendFailed penalty
	// divides a path's weight by 4.
	sendFailurePenaltyWindow = time.Second

	// maxConsecutiveSendFailures is how many consecutive SocketSendFailed
	// events on one path before it is parked outright.
	maxConsecutiveSendFailures = 3
)

// Path tracks one sender NIC's observed performance.
type Path struct {
	ID string

	mu          sync.Mutex
	arrivalRate float64
	lossRate    float64
	weight      float64
	lastSeen    time.Time
	hasObserved bool

	consecutiveFailures int
	penaltyUntil        time.Time
	parked              bool
}

// Manager holds the set of paths and
// performs weighted path selection plus the weight recomputation that the
// control-receiving task drives as feedback arrives.
type Manager struct {
	mu    sync.Mutex
	paths []*Path
}

// NewManager constructs a Manager over the given NIC/path identifiers.
func NewManager(pathIDs []string) *Manager {
	paths := make([]*Path, len(pathIDs))
	for i, id := range pathIDs {
		paths[i] = &Path{ID: id, weight: 1.0 / float64(len(pathIDs))}
	}
	return &Manager{paths: paths}
}

// Observe folds in a new (arrival_rate, loss_rate) sample for path_id via
// EWMA (α=0.25 for rate, α=0.3 for loss).
func (m *Manager) Observe(pathID string, arrivalRate, lossRate float64, now time.Time) {
	p := m.find(pathID)
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.hasObserved {
		p.arrivalRate = arrivalRate
		p.lossRate = lossRate
		p.hasObserved = true
	} else {
		p.arrivalRate = rateAlpha*arrivalRate + (1-rateAlpha)*p.arrivalRate
		p.lossRate = lossAlpha*lossRate + (1-lossAlpha)*p.lossRate
	}
	p.lastSeen = now
}

// RecomputeWeights recalculates every path's dispatch weight: weight_i ∝
// arrival_rate_i × (1 − loss_rate_i), renormalised across all paths, with a
// floor of 0.05 for paths observed within the last 2s and parking (weight 0)
// for paths unobserved for 5s. Floored paths keep exactly the floor and the
// remaining paths are rescaled over what is left, so the vector still sums
// to 1 whenever any path is live.
func (m *Manager) RecomputeWeights(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.paths)
	raw := make([]float64, n)
	active := make([]bool, n)
	probing := make([]bool, n)
	var sum float64
	for i, p := range m.paths {
		p.mu.Lock()
		switch {
		case !p.hasObserved || now.Sub(p.lastSeen) >= parkAfter || p.parked:
			// weight 0
		default:
			score := p.arrivalRate * (1 - p.lossRate)
			if score < 0 {
				score = 0
			}
			if now.Before(p.penaltyUntil) {
				score /= 4
			}
			raw[i] = score
			active[i] = true
			probing[i] = now.Sub(p.lastSeen) < probeWindow
		}
		p.mu.Unlock()
		sum += raw[i]
	}

	w := make([]float64, n)
	for i := range w {
		if active[i] && sum > 0 {
			w[i] = raw[i] / sum
		}
	}

	floored := make([]bool, n)
	var floorMass, restMass float64
	for i := range w {
		if active[i] && probing[i] && w[i] < weightFloor {
			floored[i] = true
			floorMass += weightFloor
		} else {
			restMass += w[i]
		}
	}
	switch {
	case floorMass == 0:
		// nothing floored, w already normalised (or all zero)
	case restMass == 0:
		// only floored paths are live; split the whole budget among them
		for i := range w {
			if floored[i] {
				w[i] = weightFloor / floorMass
			} else {
				w[i] = 0
			}
		}
	default:
		scale := (1 - floorMass) / restMass
		for i := range w {
			if floored[i] {
				w[i] = weightFloor
			} else {
				w[i] *= scale
			}
		}
	}

	for i, p := range m.paths {
		p.mu.Lock()
		p.weight = w[i]
		p.mu.Unlock()
	}
}

// RecordSendFailure folds in a SocketSendFailed event on pathID: the path's
// weight is penalised (divided by 4) for sendFailurePenaltyWindow, and after
// maxConsecutiveSendFailures in a row the path is parked outright.
// Call RecordSendSuccess on any successful send to reset the streak.
func (m *Manager) RecordSendFailure(pathID string, now time.Time) {
	p := m.find(pathID)
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consecutiveFailures++
	p.penaltyUntil = now.Add(sendFailurePenaltyWindow)
	if p.consecutiveFailures >= maxConsecutiveSendFailures {
		p.parked = true
		p.weight = 0
	} else {
		p.weight /= 4
	}
}

// RecordSendSuccess resets a path's consecutive-failure streak and lifts
// any park imposed by RecordSendFailure.
func (m *Manager) RecordSendSuccess(pathID string) {
	p := m.find(pathID)
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consecutiveFailures = 0
	p.parked = false
}

// Parked reports whether pathID is currently parked.
func (m *Manager) Parked(pathID string) bool {
	p := m.find(pathID)
	if p == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.parked
}

// ConsecutiveFailures reports pathID's current consecutive send-failure
// count, for logging at the moment a path is parked.
func (m *Manager) ConsecutiveFailures(pathID string) int {
	p := m.find(pathID)
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.consecutiveFailures
}

// PickPath performs weighted-random path selection proportional to current
// weights. Stale weight reads are acceptable per the concurrency
// model; weights converge across subsequent RecomputeWeights calls.
func (m *Manager) PickPath(now time.Time) string {
	m.mu.Lock()
	paths := m.paths
	m.mu.Unlock()

	if len(paths) == 0 {
		return ""
	}
	if len(paths) == 1 {
		return paths[0].ID
	}

	var total float64
	weights := make([]float64, len(paths))
	for i, p := range paths {
		p.mu.Lock()
		weights[i] = p.weight
		p.mu.Unlock()
		total += weights[i]
	}
	if total <= 0 {
		return paths[rand.IntN(len(paths))].ID
	}

	r := rand.Float64() * total
	var acc float64
	for i, w := range weights {
		acc += w
		if r < acc {
			return paths[i].ID
		}
	}
	return paths[len(paths)-1].ID
}

func (m *Manager) find(pathID string) *Path {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.paths {
		if p.ID == pathID {
			return p
		}
	}
	return nil
}

// Weight returns a path's current dispatch weight, for observability.
func (m *Manager) Weight(pathID string) float64 {
	p := m.find(pathID)
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.weight
}
