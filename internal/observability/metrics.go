package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "camlink",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "camlink",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	captureCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "camlink",
			Subsystem: "capture",
			Name:      "cycles_total",
			Help:      "Capture cycles by outcome.",
		},
		[]string{"outcome"},
	)
	captureDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "camlink",
			Subsystem: "capture",
			Name:      "cycle_duration_seconds",
			Help:      "Capture cycle duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"outcome"},
	)
	integrityWarnings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "camlink",
			Subsystem: "capture",
			Name:      "integrity_warnings_total",
			Help:      "Persisted payloads that failed trailer or checksum checks.",
		},
		[]string{"kind"},
	)
	artifactBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "camlink",
			Subsystem: "storage",
			Name:      "artifact_bytes",
			Help:      "Size of saved artifacts in bytes.",
			Buckets:   prometheus.ExponentialBuckets(1024, 2, 10),
		},
	)
	droppedBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "camlink",
			Subsystem: "ingest",
			Name:      "dropped_bytes",
			Help:      "Bytes dropped for lack of buffer room since start.",
		},
		[]string{"buffer"},
	)
	uploads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "camlink",
			Subsystem: "upload",
			Name:      "files_total",
			Help:      "Artifact uploads to the remote receiver by result.",
		},
		[]string{"result"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			captureCycles,
			captureDuration,
			integrityWarnings,
			artifactBytes,
			droppedBytes,
			uploads,
		)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func RecordCycle(outcome string, duration time.Duration) {
	RegisterMetrics()
	captureCycles.WithLabelValues(outcome).Inc()
	captureDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func RecordIntegrityWarning(kind string) {
	RegisterMetrics()
	integrityWarnings.WithLabelValues(kind).Inc()
}

func RecordArtifact(size int) {
	RegisterMetrics()
	artifactBytes.Observe(float64(size))
}

func SetDropped(buffer string, total uint64) {
	RegisterMetrics()
	droppedBytes.WithLabelValues(buffer).Set(float64(total))
}

func RecordUpload(result string) {
	RegisterMetrics()
	uploads.WithLabelValues(result).Inc()
}
