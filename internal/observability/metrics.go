package observability

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for a host process. Per-session hot
// counters live in internal/stats; these cover daemon-level concerns the
// session counters don't (session lifecycle, FEC, crypto, persistence).
type Metrics struct {
	// Transfer metrics
	TransfersTotal        *prometheus.CounterVec
	TransfersActive       prometheus.Gauge
	TransferDuration      prometheus.Histogram
	BytesTransferredTotal *prometheus.CounterVec
	ChunksSentTotal       prometheus.Counter
	ChunksReceivedTotal   prometheus.Counter
	ChunksRetransmitted   *prometheus.CounterVec

	// Session metrics
	SessionsTotal    *prometheus.CounterVec
	SessionsActive   prometheus.Gauge
	SessionDuration  prometheus.Histogram
	PathsParkedTotal prometheus.Counter
	PacketLossRate   prometheus.Gauge

	// FEC metrics
	FECEnabled                     prometheus.Gauge
	FECReconstructionsTotal        prometheus.Counter
	FECReconstructionFailuresTotal prometheus.Counter
	FECParityShardsSentTotal       prometheus.Counter

	// Crypto metrics
	CryptoOperationsTotal    *prometheus.CounterVec
	CryptoOperationDuration  prometheus.Histogram
	MerkleVerificationsTotal *prometheus.CounterVec

	// Storage metrics
	BitmapPersistDuration   prometheus.Histogram
	StoreOperationsTotal    *prometheus.CounterVec
	DiskSpaceUsedBytes      prometheus.Gauge

	// Active transfers counter (atomic for thread-safety)
	activeTransfers int64
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		// Transfer metrics
		TransfersTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sls_transfers_total",
				Help: "Total transfers initiated",
			},
			[]string{"status"},
		),

		TransfersActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sls_transfers_active",
				Help: "Currently active transfers",
			},
		),

		TransferDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sls_transfer_duration_seconds",
				Help:    "Transfer completion time distribution",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200, 1800},
			},
		),

		BytesTransferredTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sls_bytes_transferred_total",
				Help: "Total bytes transferred",
			},
			[]string{"direction"},
		),

		ChunksSentTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sls_chunks_sent_total",
				Help: "Total chunks sent",
			},
		),

		ChunksReceivedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sls_chunks_received_total",
				Help: "Total chunks received",
			},
		),

		ChunksRetransmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sls_chunks_retransmitted_total",
				Help: "Chunks requiring retransmission",
			},
			[]string{"reason"},
		),

		// Session metrics
		SessionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sls_sessions_total",
				Help: "Handshake attempts by outcome",
			},
			[]string{"result"},
		),

		SessionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sls_sessions_active",
				Help: "Sessions currently established",
			},
		),

		SessionDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sls_session_duration_seconds",
				Help:    "Session lifetime",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
			},
		),

		PathsParkedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sls_paths_parked_total",
				Help: "Paths taken out of rotation after repeated send failures",
			},
		),

		PacketLossRate: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sls_packet_loss_rate",
				Help: "Observed packet loss rate (0.0-1.0)",
			},
		),

		// FEC metrics
		FECEnabled: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sls_fec_enabled",
				Help: "FEC currently enabled (0/1)",
			},
		),

		FECReconstructionsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sls_fec_reconstructions_total",
				Help: "Chunks reconstructed via FEC",
			},
		),

		FECReconstructionFailuresTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sls_fec_reconstruction_failures_total",
				Help: "Failed FEC reconstructions",
			},
		),

		FECParityShardsSentTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sls_fec_parity_shards_sent_total",
				Help: "Parity shards transmitted",
			},
		),

		// Crypto metrics
		CryptoOperationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sls_crypto_operations_total",
				Help: "Cryptographic operations performed",
			},
			[]string{"operation"},
		),

		CryptoOperationDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sls_crypto_operation_duration_seconds",
				Help:    "Crypto operation latency",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
		),

		MerkleVerificationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sls_merkle_verifications_total",
				Help: "Merkle root verifications",
			},
			[]string{"result"},
		),

		// Storage metrics
		BitmapPersistDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sls_bitmap_persist_duration_seconds",
				Help:    "Bitmap persistence latency",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
			},
		),

		StoreOperationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sls_store_operations_total",
				Help: "Bitmap store operation count",
			},
			[]string{"operation", "result"},
		),

		DiskSpaceUsedBytes: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sls_disk_space_used_bytes",
				Help: "Disk space used by received files",
			},
		),
	}

	return m
}

// RecordTransferStart increments active transfer counters.
func (m *Metrics) RecordTransferStart() {
	atomic.AddInt64(&m.activeTransfers, 1)
	m.TransfersActive.Set(float64(atomic.LoadInt64(&m.activeTransfers)))
}

// RecordTransferComplete records transfer completion metrics.
func (m *Metrics) RecordTransferComplete(success bool, durationSeconds float64) {
	atomic.AddInt64(&m.activeTransfers, -1)
	m.TransfersActive.Set(float64(atomic.LoadInt64(&m.activeTransfers)))

	status := "success"
	if !success {
		status = "failure"
	}

	m.TransfersTotal.WithLabelValues(status).Inc()
	m.TransferDuration.Observe(durationSeconds)
}

// RecordChunkSent updates metrics for a sent chunk.
func (m *Metrics) RecordChunkSent(bytes int) {
	m.ChunksSentTotal.Inc()
	m.BytesTransferredTotal.WithLabelValues("sent").Add(float64(bytes))
}

// RecordChunkReceived updates metrics for a received chunk.
func (m *Metrics) RecordChunkReceived(bytes int) {
	m.ChunksReceivedTotal.Inc()
	m.BytesTransferredTotal.WithLabelValues("received").Add(float64(bytes))
}

// RecordChunkRetransmit increments retransmit counters.
func (m *Metrics) RecordChunkRetransmit(reason string) {
	m.ChunksRetransmitted.WithLabelValues(reason).Inc()
}

// RecordSession logs a handshake outcome.
func (m *Metrics) RecordSession(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.SessionsTotal.WithLabelValues(result).Inc()

	if success {
		m.SessionsActive.Inc()
	}
}

// RecordSessionClose updates metrics for a terminated session.
func (m *Metrics) RecordSessionClose(durationSeconds float64) {
	m.SessionsActive.Dec()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordPathParked counts a path parked after repeated send failures.
func (m *Metrics) RecordPathParked() {
	m.PathsParkedTotal.Inc()
}

// RecordCryptoOperation records cryptographic operation duration.
func (m *Metrics) RecordCryptoOperation(operation string, durationSeconds float64) {
	m.CryptoOperationsTotal.WithLabelValues(operation).Inc()
	m.CryptoOperationDuration.Observe(durationSeconds)
}

// RecordMerkleVerification increments Merkle verification counters.
func (m *Metrics) RecordMerkleVerification(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.MerkleVerificationsTotal.WithLabelValues(result).Inc()
}

// RecordFECReconstruction updates FEC reconstruction counters.
func (m *Metrics) RecordFECReconstruction(success bool) {
	if success {
		m.FECReconstructionsTotal.Inc()
	} else {
		m.FECReconstructionFailuresTotal.Inc()
	}
}

// SetFECEnabled sets the FEC enabled flag.
func (m *Metrics) SetFECEnabled(enabled bool) {
	if enabled {
		m.FECEnabled.Set(1)
	} else {
		m.FECEnabled.Set(0)
	}
}

// Handler exposes the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
