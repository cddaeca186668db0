package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts HTTP requests by route and status.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gaitlab",
			Subsystem: "video",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gaitlab",
			Subsystem: "video",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 30, 120, 600},
		},
		[]string{"method", "route"},
	)

	// TranscodesTotal counts delivery outcomes by mode (single, concat) and outcome.
	TranscodesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gaitlab",
			Subsystem: "video",
			Name:      "transcodes_total",
			Help:      "Total transcode runs by mode and outcome",
		},
		[]string{"mode", "outcome"},
	)

	FallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gaitlab",
			Subsystem: "video",
			Name:      "fallbacks_total",
			Help:      "Total fallback transitions by reason",
		},
		[]string{"reason"},
	)

	FirstByteSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "gaitlab",
			Subsystem: "video",
			Name:      "first_byte_seconds",
			Help:      "Time from engine start to first output byte",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)

	PresignDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "gaitlab",
			Subsystem: "video",
			Name:      "presign_duration_seconds",
			Help:      "Signed URL generation duration in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05},
		},
	)

	ActiveEngines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gaitlab",
			Subsystem: "video",
			Name:      "active_engines",
			Help:      "Transcode subprocesses currently running",
		},
	)
)

// RecordRequest records an HTTP request
func RecordRequest(method, route, status string, durationSec float64) {
	RequestsTotal.WithLabelValues(method, route, status).Inc()
	RequestDuration.WithLabelValues(method, route).Observe(durationSec)
}

// RecordTranscode records a delivery outcome
func RecordTranscode(mode, outcome string) {
	TranscodesTotal.WithLabelValues(mode, outcome).Inc()
}

// RecordFallback records a transition into the fallback path
func RecordFallback(reason string) {
	FallbacksTotal.WithLabelValues(reason).Inc()
}

// RecordPresign records signed URL generation
func RecordPresign(durationSec float64) {
	PresignDuration.Observe(durationSec)
}
