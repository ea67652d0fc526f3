package stats

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the process-wide Prometheus mirror of every session's stats,
// exposed over the admin/metrics HTTP endpoint. One Registry is shared
// across all sessions a server or client host process runs.
type Registry struct {
	registry *prometheus.Registry

	ChunksSentTotal           prometheus.Counter
	ChunksReceivedTotal       prometheus.Counter
	ChunksRetransmittedTotal  prometheus.Counter
	SegmentsDeliveredTotal    prometheus.Counter
	BytesTotal                *prometheus.CounterVec

	PacingRate       prometheus.Gauge
	LossRate         prometheus.Gauge
	InFlightSegments prometheus.Gauge
}

// NewRegistry builds a fresh Registry with its own prometheus.Registry so
// host processes control exactly what the endpoint exposes.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		registry: reg,

		ChunksSentTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "sls_chunks_sent_total",
			Help: "Total chunks sent, including redundant and retransmitted chunks.",
		}),
		ChunksReceivedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "sls_chunks_received_total",
			Help: "Total chunks accepted by the receiver.",
		}),
		ChunksRetransmittedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "sls_chunks_retransmitted_total",
			Help: "Total chunks resent in response to a Nack.",
		}),
		SegmentsDeliveredTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "sls_segments_delivered_total",
			Help: "Total segments fully assembled and emitted to the payload sink.",
		}),
		BytesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sls_bytes_total",
			Help: "Total payload bytes moved, labeled by direction.",
		}, []string{"direction"}),

		PacingRate: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sls_pacing_rate_bytes_per_second",
			Help: "Current BBR-lite pacing rate.",
		}),
		LossRate: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sls_loss_rate",
			Help: "Current observed loss rate over the last measurement window.",
		}),
		InFlightSegments: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sls_in_flight_segments",
			Help: "Segments currently dispatched but not yet SegmentComplete-acknowledged.",
		}),
	}
}

// Handler returns the HTTP handler serving this Registry's metrics in the
// Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
