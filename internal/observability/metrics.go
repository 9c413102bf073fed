package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	transportPackets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgessh",
			Subsystem: "transport",
			Name:      "packets_total",
			Help:      "Transport packets by direction.",
		},
		[]string{"direction"},
	)
	transportBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgessh",
			Subsystem: "transport",
			Name:      "bytes_total",
			Help:      "Framed transport bytes, MAC included, by direction.",
		},
		[]string{"direction"},
	)
	keyExchanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgessh",
			Subsystem: "transport",
			Name:      "kex_total",
			Help:      "Completed key exchanges by method.",
		},
		[]string{"algorithm"},
	)
	channelOpens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgessh",
			Subsystem: "channel",
			Name:      "opens_total",
			Help:      "Channel open attempts by type and result.",
		},
		[]string{"type", "result"},
	)
	sftpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgessh",
			Subsystem: "sftp",
			Name:      "requests_total",
			Help:      "SFTP requests by operation and status.",
		},
		[]string{"op", "status"},
	)
	sftpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "edgessh",
			Subsystem: "sftp",
			Name:      "request_duration_seconds",
			Help:      "SFTP operation duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(transportPackets, transportBytes, keyExchanges, channelOpens, sftpRequests, sftpDuration)
	})
}

// MetricsHandler serves the default registry.
func MetricsHandler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

func RecordTransportPacket(direction string, bytes int) {
	RegisterMetrics()
	transportPackets.WithLabelValues(direction).Inc()
	transportBytes.WithLabelValues(direction).Add(float64(bytes))
}

func RecordKeyExchange(algorithm string) {
	RegisterMetrics()
	keyExchanges.WithLabelValues(algorithm).Inc()
}

func RecordChannelOpen(chanType string, ok bool) {
	RegisterMetrics()
	result := "ok"
	if !ok {
		result = "failed"
	}
	channelOpens.WithLabelValues(chanType, result).Inc()
}

func RecordSFTPRequest(op, status string, duration time.Duration) {
	RegisterMetrics()
	sftpRequests.WithLabelValues(op, status).Inc()
	sftpDuration.WithLabelValues(op).Observe(duration.Seconds())
}
