package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/term"

	"github.com/slstransfer/sls/internal/netio"
	"github.com/slstransfer/sls/internal/observability"
	"github.com/slstransfer/sls/internal/receiver"
	"github.com/slstransfer/sls/internal/session"
	"github.com/slstransfer/sls/internal/sfperr"
	"github.com/slstransfer/sls/internal/stats"
	"github.com/slstransfer/sls/internal/store"
	"github.com/slstransfer/sls/internal/validation"
	"github.com/slstransfer/sls/internal/wire"
)

const version = "1.0.0"

var (
	serverAddr string
	outputPath string
	encrypt    bool
	resumeDB   string
	adminAddr  string
)

func main() {
	flag.StringVar(&serverAddr, "server", "", "Server address (host:port)")
	flag.StringVar(&outputPath, "output", "", "Output file path")
	flag.BoolVar(&encrypt, "encrypt", false, "Request encrypted transfer")
	flag.StringVar(&resumeDB, "resume-db", "", "Bolt database for crash-resumable assembly state (empty = disabled)")
	flag.StringVar(&adminAddr, "admin-addr", "", "Admin HTTP address for /metrics and /healthz (empty = disabled)")
	flag.Parse()

	if serverAddr == "" || outputPath == "" {
		fmt.Fprintln(os.Stderr, "Usage: sls-client -server <host:port> -output <path> [options]")
		flag.PrintDefaults()
		os.Exit(1)
	}
	if err := validation.ValidateAddr(serverAddr); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid server address: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger("sls-client", version, os.Stderr)
	if shutdown, err := observability.InitTracing(context.Background(), "sls-client"); err == nil {
		defer shutdown(context.Background())
	}

	if err := fetch(logger); err != nil {
		logger.Error(err, "transfer failed")
		os.Exit(1)
	}
}

func fetch(logger *observability.Logger) error {
	peer, err := net.ResolveUDPAddr("udp", serverAddr)
	if err != nil {
		return fmt.Errorf("resolve server: %w", err)
	}
	ep, err := netio.NewUDPEndpoint(":0", 0)
	if err != nil {
		return fmt.Errorf("bind: %w", err)
	}
	defer ep.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	req := session.ClientRequest{WantEncryption: encrypt, NICCount: 1}
	res, err := session.RunClientHandshake(ep, peer, req, 200*time.Millisecond, 10*time.Second, logger)
	if err != nil {
		return err
	}
	// The encrypted flag must match on both sides; a server that
	// refuses requested encryption ends the session before any Chunk.
	if encrypt && !res.Ack.EncryptionEnabled() {
		ep.Send(res.ServerAddr, wire.EncodeClose(&wire.Close{Reason: wire.ReasonNegotiationMismatch}))
		return sfperr.ErrNegotiationMismatch
	}
	logger.ConnectionEstablished(res.ServerAddr.String(), res.Session.ID().String())

	out, err := os.Create(outputPath)
	if err != nil {
		return sfperr.ErrPayloadSinkFailed
	}
	defer out.Close()

	registry := stats.NewRegistry()
	st := stats.NewSession(registry)
	metrics := observability.NewMetrics()

	params := res.Session.Params()
	cfg := receiver.DefaultConfig()
	cfg.ChunkSize = params.ChunkSize
	cfg.SegmentSize = params.SegmentSize
	cfg.EncryptionEnabled = params.EncryptionEnabled

	rcv := receiver.New(cfg, ep, res.ServerAddr, res.Session, res.SessionKey, st, res.RTT, ep.Now())
	rcv.SetLogger(logger)
	rcv.SetMetrics(metrics)

	sink := &fileSink{w: out}
	rcv.SetSink(sink)

	if len(res.Ack.ManifestRoot) == 32 && params.TotalSegments > 0 {
		var root [32]byte
		copy(root[:], res.Ack.ManifestRoot)
		rcv.SetManifestVerification(root, params.TotalSegments)
	}

	if resumeDB != "" {
		db, err := store.Open(resumeDB)
		if err != nil {
			logger.Error(err, "resume store unavailable, continuing without persistence")
		} else {
			defer db.Close()
			nonce := [16]byte(res.Session.ID())
			rcv.SetPersistence(db, nonce)
			defer db.DeleteSession(nonce)
		}
	}

	if adminAddr != "" {
		go serveAdmin(adminAddr, registry, metrics, ep, res.Session)
	}

	start := time.Now()
	metrics.RecordSession(true)
	defer func() { metrics.RecordSessionClose(time.Since(start).Seconds()) }()
	metrics.RecordTransferStart()
	progressDone := make(chan struct{})
	go reportProgress(st, params.TotalBytes, progressDone)

	runErr := rcv.Run(ctx)
	close(progressDone)
	elapsed := time.Since(start)

	if runErr != nil {
		metrics.RecordTransferComplete(false, elapsed.Seconds())
		return runErr
	}
	if sink.written != params.TotalBytes {
		metrics.RecordTransferComplete(false, elapsed.Seconds())
		return fmt.Errorf("incomplete transfer: got %d of %d bytes", sink.written, params.TotalBytes)
	}
	metrics.RecordTransferComplete(true, elapsed.Seconds())

	throughput := uint64(0)
	if s := elapsed.Seconds(); s > 0 {
		throughput = uint64(float64(sink.written) / s)
	}
	logger.TransferCompleted(res.Session.ID().String(), int64(sink.written), int(params.TotalSegments), elapsed, int64(throughput), true)
	fmt.Printf("Received %s in %s (%s/s)\n", humanize.Bytes(sink.written), elapsed.Round(time.Millisecond), humanize.Bytes(throughput))
	return nil
}

func serveAdmin(addr string, registry *stats.Registry, metrics *observability.Metrics, ep netio.Endpoint, sess *session.Session) {
	hc := observability.NewHealthChecker(version)
	hc.RegisterCheck("udp", observability.UDPListenerCheck(ep.LocalAddr))
	hc.RegisterCheck("session", observability.SessionCheck(sess.ChunkTrafficAllowed))
	if resumeDB != "" {
		hc.RegisterCheck("store", observability.StoreCheck(resumeDB))
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", registry.Handler())
	mux.Handle("/metrics/process", metrics.Handler())
	mux.HandleFunc("/healthz", hc.Handler())
	http.ListenAndServe(addr, mux)
}

func reportProgress(st *stats.Session, totalBytes uint64, done <-chan struct{}) {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return
	}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			fmt.Printf("\r%-60s\n", "")
			return
		case <-ticker.C:
			got := st.BytesReceived.Load()
			pct := float64(0)
			if totalBytes > 0 {
				pct = float64(got) / float64(totalBytes) * 100
				if pct > 100 {
					pct = 100
				}
			}
			fmt.Printf("\r%6.2f%%  %s received  loss %5.2f%%   ",
				pct, humanize.Bytes(got), st.LossRate()*100)
		}
	}
}

// fileSink adapts the output file into the receiver's PayloadSink. Segments
// arrive in strict ascending order, so sequential writes land each one at
// its correct offset.
type fileSink struct {
	w       *os.File
	written uint64
}

func (s *fileSink) WriteSegment(segmentID uint64, data []byte) error {
	if _, err := s.w.Write(data); err != nil {
		return err
	}
	s.written += uint64(len(data))
	return nil
}
