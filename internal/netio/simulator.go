package netio

import (
	"container/heap"
	"errors"
	"math/rand"
	"net"
	"sync"
	"time"
)

// VirtualClock is a manually-advanced clock shared by every SimEndpoint in a
// test, so NACK grace timers, heartbeats, and session timeouts behave
// deterministically under test control instead of depending on wall time.
type VirtualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewVirtualClock starts a clock at the given time.
func NewVirtualClock(start time.Time) *VirtualClock {
	return &VirtualClock{now: start}
}

func (c *VirtualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d. Datagrams whose simulated arrival
// time has now passed become available to SimEndpoint.Recv.
func (c *VirtualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type simAddr string

func (a simAddr) Network() string { return "sim" }
func (a simAddr) String() string  { return string(a) }

type pendingDatagram struct {
	arrival time.Time
	dg      Datagram
	index   int
}

type pendingQueue []*pendingDatagram

func (q pendingQueue) Len() int           { return len(q) }
func (q pendingQueue) Less(i, j int) bool { return q[i].arrival.Before(q[j].arrival) }
func (q pendingQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i]; q[i].index = i; q[j].index = j }

func (q *pendingQueue) Push(x interface{}) {
	item := x.(*pendingDatagram)
	item.index = len(*q)
	*q = append(*q, item)
}

func (q *pendingQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*q = old[:n-1]
	return item
}

// ErrNoDatagram is returned by SimEndpoint.Recv when nothing has arrived yet
// at the clock's current time.
var ErrNoDatagram = errors.New("netio: no datagram ready")

// SimEndpoint is a deterministic, loss-and-reorder-injecting Endpoint used in
// tests. Datagrams sent to a peer are queued with a simulated arrival
// time perturbed by jitter; a per-send roll against lossRate drops the
// datagram entirely. Both peers share one VirtualClock.
type SimEndpoint struct {
	addr  simAddr
	clock *VirtualClock
	rng   *rand.Rand

	lossRate   float64
	maxJitter  time.Duration

	mu      sync.Mutex
	inbound pendingQueue
	peer    *SimEndpoint
}

// NewSimulatedPair builds two endpoints wired to each other through a shared
// VirtualClock. Both directions use the same lossRate and maxJitter; each
// endpoint draws loss and jitter from its own RNG, seeded with seed and
// seed+1.
func NewSimulatedPair(clock *VirtualClock, lossRate float64, maxJitter time.Duration, seed int64) (a, b *SimEndpoint) {
	a = &SimEndpoint{
		addr:      "sim-a",
		clock:     clock,
		rng:       rand.New(rand.NewSource(seed)),
		lossRate:  lossRate,
		maxJitter: maxJitter,
	}
	b = &SimEndpoint{
		addr:      "sim-b",
		clock:     clock,
		rng:       rand.New(rand.NewSource(seed + 1)),
		lossRate:  lossRate,
		maxJitter: maxJitter,
	}
	a.peer = b
	b.peer = a
	return a, b
}

func (e *SimEndpoint) Send(peer net.Addr, data []byte) error {
	if e.rng.Float64() < e.lossRate {
		return nil // dropped, not an error: the wire doesn't notify the sender
	}
	jitter := time.Duration(0)
	if e.maxJitter > 0 {
		jitter = time.Duration(e.rng.Int63n(int64(e.maxJitter)))
	}
	cp := append([]byte(nil), data...)
	pd := &pendingDatagram{
		arrival: e.clock.Now().Add(jitter),
		dg:      Datagram{Peer: e.addr, Data: cp},
	}
	e.peer.mu.Lock()
	heap.Push(&e.peer.inbound, pd)
	e.peer.mu.Unlock()
	return nil
}

func (e *SimEndpoint) Recv() (Datagram, error) {
	now := e.clock.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.inbound) == 0 || e.inbound[0].arrival.After(now) {
		return Datagram{}, ErrNoDatagram
	}
	pd := heap.Pop(&e.inbound).(*pendingDatagram)
	return pd.dg, nil
}

func (e *SimEndpoint) Now() time.Time      { return e.clock.Now() }
func (e *SimEndpoint) LocalAddr() net.Addr { return e.addr }
func (e *SimEndpoint) Close() error        { return nil }
