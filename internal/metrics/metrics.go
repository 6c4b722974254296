// Package metrics wraps the Prometheus collectors exposed by the gateway.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps Prometheus collectors used by the gateway.
type Registry struct {
	ActiveConnections prometheus.Gauge

	FramesReceived      prometheus.Counter
	FramesDropped       *prometheus.CounterVec
	SubscribeErrors     prometheus.Counter
	ChannelExtractFails prometheus.Counter
	DataFramesSent      prometheus.Counter
	DataFramesCompressed prometheus.Counter
	SendFailures        prometheus.Counter
	CacheHits           prometheus.Counter
	CacheMisses         prometheus.Counter
}

// NewRegistry creates Prometheus metrics collectors.
func NewRegistry() *Registry {
	return &Registry{
		ActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "odin_ws_connections_active",
			Help: "Number of active WebSocket connections handled by the gateway",
		}),
		FramesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "odin_ws_frames_received_total",
			Help: "Total number of client frames successfully decoded",
		}),
		FramesDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "odin_ws_frames_dropped_total",
			Help: "Total number of inbound messages dropped, by reason",
		}, []string{"reason"}),
		SubscribeErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "odin_ws_subscribe_errors_total",
			Help: "Total number of subscribe/unsubscribe requests rejected for unknown channels",
		}),
		ChannelExtractFails: promauto.NewCounter(prometheus.CounterOpts{
			Name: "odin_ws_channel_extract_failures_total",
			Help: "Total number of channel extract_data calls that failed and were omitted",
		}),
		DataFramesSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "odin_ws_data_frames_sent_total",
			Help: "Total number of data frames sent to clients",
		}),
		DataFramesCompressed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "odin_ws_data_frames_compressed_total",
			Help: "Total number of data frames sent with LZ-string compression applied",
		}),
		SendFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "odin_ws_send_failures_total",
			Help: "Total number of failed sends to a client's outbound sink",
		}),
		CacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "odin_ws_channel_cache_hits_total",
			Help: "Total number of channel cache hits",
		}),
		CacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "odin_ws_channel_cache_misses_total",
			Help: "Total number of channel cache misses",
		}),
	}
}

// Handler returns an HTTP handler exposing Prometheus metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}
