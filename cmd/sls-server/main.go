package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/term"

	"github.com/slstransfer/sls/internal/manifest"
	"github.com/slstransfer/sls/internal/netio"
	"github.com/slstransfer/sls/internal/observability"
	"github.com/slstransfer/sls/internal/ratecontrol"
	"github.com/slstransfer/sls/internal/sender"
	"github.com/slstransfer/sls/internal/session"
	"github.com/slstransfer/sls/internal/sfperr"
	"github.com/slstransfer/sls/internal/stats"
	"github.com/slstransfer/sls/internal/validation"
	"github.com/slstransfer/sls/internal/wire"
)

const version = "1.0.0"

var (
	bindAddrs   string
	filePath    string
	encrypt     bool
	chunkSize   uint
	segmentSize uint
	redundancy  float64
	mode        string
	adminAddr   string
)

func main() {
	flag.StringVar(&bindAddrs, "bind", ":4500", "UDP bind address; comma-separate one per NIC for multipath")
	flag.StringVar(&filePath, "file", "", "File to serve")
	flag.BoolVar(&encrypt, "encrypt", false, "Offer and require encryption (clients that skip it are rejected)")
	flag.UintVar(&chunkSize, "chunk-size", 1200, "Chunk payload size in bytes")
	flag.UintVar(&segmentSize, "segment-size", 65536, "Segment size in bytes")
	flag.Float64Var(&redundancy, "redundancy", 0.05, "Base forward-redundancy ratio")
	flag.StringVar(&mode, "mode", sender.RedundancyModeDuplicate, "Redundancy mode: duplicate or erasure")
	flag.StringVar(&adminAddr, "admin-addr", "", "Admin HTTP address for /metrics and /healthz (empty = disabled)")
	flag.Parse()

	if filePath == "" {
		fmt.Fprintln(os.Stderr, "Usage: sls-server -file <path> [-bind host:port] [options]")
		flag.PrintDefaults()
		os.Exit(1)
	}
	if err := validation.ValidateFilePath(filePath, true); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid file: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger("sls-server", version, os.Stderr)
	if shutdown, err := observability.InitTracing(context.Background(), "sls-server"); err == nil {
		defer shutdown(context.Background())
	}

	if err := serve(logger); err != nil {
		logger.Error(err, "transfer failed")
		os.Exit(1)
	}
}

func serve(logger *observability.Logger) error {
	f, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("open payload: %w", err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat payload: %w", err)
	}

	totalBytes := uint64(fi.Size())
	totalSegments := (totalBytes + uint64(segmentSize) - 1) / uint64(segmentSize)

	root, err := computeManifestRoot(f, int(segmentSize))
	if err != nil {
		return fmt.Errorf("manifest: %w", err)
	}

	paths, primary, err := openEndpoints(bindAddrs)
	if err != nil {
		return err
	}
	defer func() {
		for _, p := range paths {
			p.Endpoint.Close()
		}
	}()

	logger.WithFile(filePath, fi.Size()).Info(fmt.Sprintf("serving on %s (%s, %d segments)",
		primary.LocalAddr(), humanize.Bytes(totalBytes), totalSegments))

	defaults := session.Params{
		ChunkSize:       uint32(chunkSize),
		SegmentSize:     uint32(segmentSize),
		TotalSegments:   totalSegments,
		TotalBytes:      totalBytes,
		RedundancyRatio: float32(redundancy),
		// -encrypt advertises encryption capability; without it a client
		// requesting encryption is rejected at negotiation time.
		EncryptionEnabled: encrypt,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := acceptSession(ctx, primary, defaults, root[:], logger)
	if err != nil {
		return err
	}
	if encrypt && !res.Session.Params().EncryptionEnabled {
		primary.Send(res.ClientAddr, wire.EncodeClose(&wire.Close{Reason: wire.ReasonNegotiationMismatch}))
		return sfperr.ErrNegotiationMismatch
	}
	if err := primary.Send(res.ClientAddr, wire.EncodeInitAck(res.Ack)); err != nil {
		return sfperr.ErrSocketSendFailed
	}
	logger.ConnectionEstablished(res.ClientAddr.String(), res.Session.ID().String())

	registry := stats.NewRegistry()
	st := stats.NewSession(registry)
	if adminAddr != "" {
		go serveAdmin(adminAddr, registry, primary, res.Session)
	}

	params := res.Session.Params()
	cfg := sender.Config{
		ChunkSize:           params.ChunkSize,
		SegmentSize:         params.SegmentSize,
		BaseRedundancyRatio: params.RedundancyRatio,
		MaxCachedSegments:   64,
		QueueCapacity:       200000,
		MinCapacitySlack:    70000,
		ResumeCapacitySlack: 190000,
		EncryptionEnabled:   params.EncryptionEnabled,
		RedundancyMode:      mode,
	}

	id := res.Session.ID()
	seed := binary.LittleEndian.Uint64(id[0:8])
	rate := ratecontrol.New(primary.Now())
	snd := sender.New(cfg, paths, res.ClientAddr, res.Session, res.SessionKey, rate, st, seed)
	snd.SetLogger(logger)

	logger.TransferStarted(id.String(), filePath, fi.Size(), int(totalSegments))
	start := time.Now()

	progressDone := make(chan struct{})
	go reportProgress(st, totalBytes, progressDone)

	src := &fileSource{r: f, segmentSize: int(params.SegmentSize)}
	runErr := snd.Run(ctx, src)
	close(progressDone)

	elapsed := time.Since(start)
	if runErr != nil {
		return runErr
	}
	throughput := int64(0)
	if s := elapsed.Seconds(); s > 0 {
		throughput = int64(float64(totalBytes) / s)
	}
	logger.TransferCompleted(id.String(), fi.Size(), int(totalSegments), elapsed, throughput, true)
	fmt.Printf("Sent %s in %s (%s/s)\n", humanize.Bytes(totalBytes), elapsed.Round(time.Millisecond), humanize.Bytes(uint64(throughput)))
	return nil
}

// openEndpoints binds one UDP socket per comma-separated address; each bound
// socket becomes one dispatch path.
func openEndpoints(addrs string) ([]sender.Path, netio.Endpoint, error) {
	var paths []sender.Path
	for i, addr := range strings.Split(addrs, ",") {
		addr = strings.TrimSpace(addr)
		ep, err := netio.NewUDPEndpoint(addr, 0)
		if err != nil {
			for _, p := range paths {
				p.Endpoint.Close()
			}
			return nil, nil, fmt.Errorf("bind %s: %w", addr, err)
		}
		paths = append(paths, sender.Path{ID: fmt.Sprintf("nic%d", i), Endpoint: ep})
	}
	return paths, paths[0].Endpoint, nil
}

// computeManifestRoot streams the payload once through the Merkle builder,
// then rewinds the file for the transfer itself.
func computeManifestRoot(f *os.File, segSize int) ([32]byte, error) {
	b := manifest.NewBuilder(0)
	buf := make([]byte, segSize)
	for {
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			b.AddSegment(buf[:n])
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return [32]byte{}, err
		}
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return [32]byte{}, err
	}
	return b.Root(), nil
}

// acceptSession waits for one Init datagram and negotiates the session
// against our defaults.
func acceptSession(ctx context.Context, ep netio.Endpoint, defaults session.Params, root []byte, logger *observability.Logger) (*session.ServerResult, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		dg, err := ep.Recv()
		if errors.Is(err, netio.ErrNoDatagram) {
			time.Sleep(time.Millisecond)
			continue
		}
		if err != nil {
			return nil, sfperr.ErrSocketRecvFailed
		}
		if mt, err := wire.PeekType(dg.Data); err != nil || mt != wire.TypeInit {
			continue
		}
		res, err := session.AcceptHandshake(dg, defaults, root, ep.Now(), logger)
		if errors.Is(err, sfperr.ErrNegotiationMismatch) {
			ep.Send(dg.Peer, wire.EncodeClose(&wire.Close{Reason: wire.ReasonNegotiationMismatch}))
			return nil, err
		}
		if err != nil {
			continue
		}
		return res, nil
	}
}

func serveAdmin(addr string, registry *stats.Registry, ep netio.Endpoint, sess *session.Session) {
	hc := observability.NewHealthChecker(version)
	hc.RegisterCheck("udp", observability.UDPListenerCheck(ep.LocalAddr))
	hc.RegisterCheck("session", observability.SessionCheck(sess.ChunkTrafficAllowed))

	mux := http.NewServeMux()
	mux.Handle("/metrics", registry.Handler())
	mux.HandleFunc("/healthz", hc.Handler())
	http.ListenAndServe(addr, mux)
}

// reportProgress redraws a one-line progress display on a terminal, or logs
// nothing when output is piped.
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
			sent := st.BytesSent.Load()
			pct := float64(0)
			if totalBytes > 0 {
				pct = float64(sent) / float64(totalBytes) * 100
				if pct > 100 {
					pct = 100
				}
			}
			fmt.Printf("\r%6.2f%%  %s sent  pacing %s/s   ",
				pct, humanize.Bytes(sent), humanize.Bytes(uint64(st.PacingRate())))
		}
	}
}

// fileSource adapts an opened file into the sender's PayloadSource: one
// segment-sized block per pull, io.EOF at the end.
type fileSource struct {
	r           io.Reader
	segmentSize int
}

func (s *fileSource) NextSegment() ([]byte, error) {
	buf := make([]byte, s.segmentSize)
	n, err := io.ReadFull(s.r, buf)
	if n > 0 {
		return buf[:n], nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, io.EOF
	}
	return nil, err
}
