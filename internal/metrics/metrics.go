// Package metrics exposes Prometheus instrumentation for engines, the scan
// queue, and scan lifecycle. All collectors are registered on the default
// registry and served by the HTTP surface at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "rankgrid"

var (
	// EngineRequests counts search requests per engine by outcome
	// (success, error, captcha).
	EngineRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "requests_total",
		Help:      "Search requests issued, by engine and outcome.",
	}, []string{"engine", "outcome"})

	// CaptchaEvents counts CAPTCHA detections per engine.
	CaptchaEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "captcha_events_total",
		Help:      "CAPTCHA detections, by engine.",
	}, []string{"engine"})

	// EngineBlocked reports whether an engine is currently blocked (0/1).
	EngineBlocked = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "blocked",
		Help:      "Whether the engine is currently blocked.",
	}, []string{"engine"})

	// SearchDuration tracks end-to-end search latency per engine.
	SearchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "search_duration_seconds",
		Help:      "End-to-end search latency, by engine.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
	}, []string{"engine"})

	// QueueDepth reports queued tasks per engine.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Queued scan tasks, by engine.",
	}, []string{"engine"})

	// WorkerPauses counts queue worker pauses by reason.
	WorkerPauses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "worker_pauses_total",
		Help:      "Queue worker pauses, by engine and reason.",
	}, []string{"engine", "reason"})

	// ScansFinalized counts scans reaching a terminal status.
	ScansFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scan",
		Name:      "finalized_total",
		Help:      "Scans reaching a terminal status.",
	}, []string{"status"})

	// PointsProcessed counts scan points completed or failed.
	PointsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scan",
		Name:      "points_processed_total",
		Help:      "Scan points processed, by outcome.",
	}, []string{"outcome"})

	// BusinessesCreated counts new businesses minted by the matcher.
	BusinessesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "match",
		Name:      "businesses_created_total",
		Help:      "New business records created by the matcher.",
	})
)
