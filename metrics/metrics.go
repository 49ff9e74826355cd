package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_events_processed_total",
			Help: "Total number of security events processed",
		},
		[]string{"event_type"},
	)

	ThreatsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_threats_detected_total",
			Help: "Total number of threat events produced by detectors",
		},
		[]string{"threat_type", "severity"},
	)

	DetectorErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_detector_errors_total",
			Help: "Total number of detector evaluation errors",
		},
		[]string{"detector"},
	)

	DetectorDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sentinel_detector_duration_seconds",
			Help:    "Time taken by each detector to evaluate one event",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"detector"},
	)

	RateLimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_rate_limit_decisions_total",
			Help: "Rate limit check outcomes by strategy",
		},
		[]string{"strategy", "decision"},
	)

	IncidentsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_incidents_created_total",
			Help: "Total number of incidents created",
		},
		[]string{"severity"},
	)

	ActionsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_actions_executed_total",
			Help: "Total number of automated actions executed",
		},
		[]string{"type", "status"},
	)

	ActionQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_action_queue_depth",
			Help: "Number of pending automated actions",
		},
	)

	ActionRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_action_retries_total",
			Help: "Total number of action retries by type",
		},
		[]string{"type"},
	)

	CounterStoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_counter_store_errors_total",
			Help: "Total number of counter store operation failures",
		},
		[]string{"operation"},
	)

	ReputationLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_reputation_lookups_total",
			Help: "Reputation source lookups by outcome",
		},
		[]string{"outcome"},
	)

	ModelRetrains = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_model_retrains_total",
			Help: "Total number of anomaly model retrains",
		},
	)

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_notifications_sent_total",
			Help: "Notifications delivered by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	AuditWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_audit_write_failures_total",
			Help: "Total number of audit record write failures",
		},
	)
)
