package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FramesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presence",
		Name:      "frames_processed_total",
		Help:      "Total number of frames processed",
	}, []string{"channel"})

	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presence",
		Name:      "frames_dropped_total",
		Help:      "Frames dropped by the rate limiter or in-flight guard",
	}, []string{"channel"})

	MarksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "presence",
		Name:      "marks_total",
		Help:      "Attendance marks recorded",
	})

	MarksBlocked = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "presence",
		Name:      "marks_blocked_total",
		Help:      "Attendance marks rejected by the cooldown gate",
	})

	InferenceDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "presence",
		Name:      "inference_duration_seconds",
		Help:      "Duration of ML inference stages",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
	}, []string{"stage"})

	IndexSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "presence",
		Name:      "index_size",
		Help:      "Number of labels in the identity index",
	})

	WatcherScans = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "presence",
		Name:      "watcher_scans_total",
		Help:      "Upload directory reconciliation passes",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "presence",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "presence",
		Name:      "ws_connections",
		Help:      "Number of active WebSocket connections",
	})
)
