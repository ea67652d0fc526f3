package sender

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/slstransfer/sls/internal/netio"
	"github.com/slstransfer/sls/internal/ratecontrol"
	"github.com/slstransfer/sls/internal/receiver"
	"github.com/slstransfer/sls/internal/secure"
	"github.com/slstransfer/sls/internal/session"
	"github.com/slstransfer/sls/internal/stats"
)

// memSource feeds a fixed payload to the sender one segment at a time.
type memSource struct {
	data        []byte
	segmentSize int
	off         int
}

func (s *memSource) NextSegment() ([]byte, error) {
	if s.off >= len(s.data) {
		return nil, io.EOF
	}
	end := s.off + s.segmentSize
	if end > len(s.data) {
		end = len(s.data)
	}
	seg := s.data[s.off:end]
	s.off = end
	return seg, nil
}

// memSink accumulates delivered segments in arrival order.
type memSink struct {
	mu  sync.Mutex
	buf []byte
}

func (m *memSink) WriteSegment(segmentID uint64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buf = append(m.buf, data...)
	return nil
}

func (m *memSink) bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.buf...)
}

func establishedSession(t *testing.T, now time.Time, p session.Params) *session.Session {
	t.Helper()
	sess := session.New(now)
	if err := sess.TransitionTo(session.StateHandshaking); err != nil {
		t.Fatalf("TransitionTo: %v", err)
	}
	if err := sess.TransitionTo(session.StateEstablished); err != nil {
		t.Fatalf("TransitionTo: %v", err)
	}
	sess.SetParams(p)
	return sess
}

type transferOpts struct {
	chunkSize   uint32
	segmentSize uint32
	redundancy  float32
	encrypt     bool
	lossRate    float64
	seed        int64
}

// runTransfer drives a full sender<->receiver exchange over a simulated
// lossy wire and returns both sides' stats plus the delivered bytes.
func runTransfer(t *testing.T, payload []byte, opts transferOpts) (sndStats, rcvStats *stats.Session, delivered []byte) {
	t.Helper()

	start := time.Unix(0, 0)
	clock := netio.NewVirtualClock(start)
	a, b := netio.NewSimulatedPair(clock, opts.lossRate, 2*time.Millisecond, opts.seed)

	var key secure.SessionKey
	if opts.encrypt {
		kpA, err := secure.GenerateKeyPair()
		if err != nil {
			t.Fatalf("GenerateKeyPair: %v", err)
		}
		kpB, err := secure.GenerateKeyPair()
		if err != nil {
			t.Fatalf("GenerateKeyPair: %v", err)
		}
		key, err = secure.DeriveSessionKey(&kpA.PrivateKey, kpA.PublicKey, kpB.PublicKey)
		if err != nil {
			t.Fatalf("DeriveSessionKey: %v", err)
		}
		// Both derivations agree because the KDF salt sorts the public keys.
		peerKey, err := secure.DeriveSessionKey(&kpB.PrivateKey, kpB.PublicKey, kpA.PublicKey)
		if err != nil {
			t.Fatalf("DeriveSessionKey: %v", err)
		}
		if key != peerKey {
			t.Fatal("session key derivation disagrees between peers")
		}
	}

	params := session.Params{
		ChunkSize:         opts.chunkSize,
		SegmentSize:       opts.segmentSize,
		TotalBytes:        uint64(len(payload)),
		EncryptionEnabled: opts.encrypt,
	}

	sndStats = stats.NewSession(nil)
	rcvStats = stats.NewSession(nil)

	cfg := Config{
		ChunkSize:           opts.chunkSize,
		SegmentSize:         opts.segmentSize,
		BaseRedundancyRatio: opts.redundancy,
		MaxCachedSegments:   16,
		QueueCapacity:       10000,
		MinCapacitySlack:    1000,
		ResumeCapacitySlack: 9000,
		EncryptionEnabled:   opts.encrypt,
	}
	snd := New(cfg, []Path{{ID: "nic0", Endpoint: a}}, b.LocalAddr(),
		establishedSession(t, start, params), key, ratecontrol.New(start), sndStats, uint64(opts.seed))

	rcfg := receiver.DefaultConfig()
	rcfg.ChunkSize = opts.chunkSize
	rcfg.SegmentSize = opts.segmentSize
	rcfg.EncryptionEnabled = opts.encrypt
	rcfg.FlowControlInterval = 20 * time.Millisecond
	rcv := receiver.New(rcfg, b, a.LocalAddr(), establishedSession(t, start, params),
		key, rcvStats, 10*time.Millisecond, start)

	sink := &memSink{}
	rcv.SetSink(sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watchdog := time.AfterFunc(20*time.Second, cancel)
	defer watchdog.Stop()

	clockDone := make(chan struct{})
	go func() {
		for {
			select {
			case <-clockDone:
				return
			default:
				clock.Advance(500 * time.Microsecond)
				time.Sleep(200 * time.Microsecond)
			}
		}
	}()
	defer close(clockDone)

	var wg sync.WaitGroup
	var sndErr, rcvErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		rcvErr = rcv.Run(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		sndErr = snd.Run(ctx, &memSource{data: payload, segmentSize: int(opts.segmentSize)})
		// Sender done; give the receiver until the watchdog to observe Close.
	}()
	wg.Wait()

	if ctx.Err() != nil {
		t.Fatalf("transfer did not finish before watchdog; sender=%v receiver=%v delivered=%d/%d bytes",
			sndErr, rcvErr, len(sink.bytes()), len(payload))
	}
	if sndErr != nil {
		t.Fatalf("sender.Run: %v", sndErr)
	}
	if rcvErr != nil {
		t.Fatalf("receiver.Run: %v", rcvErr)
	}
	return sndStats, rcvStats, sink.bytes()
}

func TestTransferSingleByteNoLoss(t *testing.T) {
	payload := []byte{0x42}
	sndStats, _, delivered := runTransfer(t, payload, transferOpts{
		chunkSize:   256,
		segmentSize: 4096,
		redundancy:  0.05,
		seed:        1,
	})
	if !bytes.Equal(delivered, payload) {
		t.Fatalf("delivered %v, want %v", delivered, payload)
	}
	if got := sndStats.NacksReceived.Load(); got != 0 {
		t.Errorf("NacksReceived = %d, want 0 on a lossless wire", got)
	}
}

func TestTransferMultiSegmentLossyWithNacks(t *testing.T) {
	payload := make([]byte, 3*4096)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	sndStats, _, delivered := runTransfer(t, payload, transferOpts{
		chunkSize:   256,
		segmentSize: 4096,
		redundancy:  0, // loss recovery must come from NACK retransmits alone
		lossRate:    0.10,
		seed:        99,
	})
	if !bytes.Equal(delivered, payload) {
		t.Fatalf("delivered bytes differ from payload (len %d vs %d)", len(delivered), len(payload))
	}
	if got := sndStats.NacksReceived.Load(); got == 0 {
		t.Error("expected at least one NACK under 10% loss with zero redundancy")
	}
}

func TestTransferEncryptedFullRedundancy(t *testing.T) {
	payload := make([]byte, 2*4096)
	for i := range payload {
		payload[i] = byte(i ^ 0x5a)
	}
	sndStats, rcvStats, delivered := runTransfer(t, payload, transferOpts{
		chunkSize:   256,
		segmentSize: 4096,
		redundancy:  1.0,
		encrypt:     true,
		lossRate:    0.20,
		seed:        7,
	})
	if !bytes.Equal(delivered, payload) {
		t.Fatalf("delivered bytes differ from payload (len %d vs %d)", len(delivered), len(payload))
	}
	// ratio 1.0 means every chunk gets exactly one scheduled duplicate
	if want := uint64(2 * 4096 / 256); sndStats.ChunksRedundant.Load() != want {
		t.Errorf("ChunksRedundant = %d, want %d", sndStats.ChunksRedundant.Load(), want)
	}
	if rcvStats.SegmentsDelivered.Load() != 2 {
		t.Errorf("SegmentsDelivered = %d, want 2", rcvStats.SegmentsDelivered.Load())
	}
}
