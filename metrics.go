package fieldsync

import (
	"github.com/prometheus/client_golang/prometheus"
)

// engineMetrics holds the prometheus collectors for the sync engine.
type engineMetrics struct {
	online             prometheus.Gauge
	queueDepth         prometheus.Gauge
	intentsDrained     prometheus.Counter
	queueErrors        prometheus.Counter
	autosaves          prometheus.Counter
	remoteFailures     prometheus.Counter
	sessionsReconciled prometheus.Counter
	uploadsCompleted   prometheus.Counter
}

// newEngineMetrics creates and registers the engine collectors. A nil
// registerer leaves the collectors unregistered, which tests rely on.
func newEngineMetrics(reg prometheus.Registerer) *engineMetrics {
	m := &engineMetrics{
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fieldsync_online",
			Help: "Whether the remote store is currently reachable (1) or not (0).",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fieldsync_intent_queue_depth",
			Help: "Number of pending-write intents awaiting remote confirmation.",
		}),
		intentsDrained: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fieldsync_intents_drained_total",
			Help: "Intents confirmed by the remote store and removed from the queue.",
		}),
		queueErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fieldsync_queue_errors_total",
			Help: "Transient failures encountered while draining the intent queue.",
		}),
		autosaves: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fieldsync_autosaves_total",
			Help: "Periodic autosave flushes of open sessions to the local store.",
		}),
		remoteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fieldsync_remote_failures_total",
			Help: "Remote store calls that failed after exhausting retries.",
		}),
		sessionsReconciled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fieldsync_sessions_reconciled_total",
			Help: "Offline-created sessions remapped to canonical identifiers.",
		}),
		uploadsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fieldsync_uploads_completed_total",
			Help: "Pending image blobs uploaded to the attachment store.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.online, m.queueDepth, m.intentsDrained, m.queueErrors,
			m.autosaves, m.remoteFailures, m.sessionsReconciled, m.uploadsCompleted,
		)
	}
	return m
}
