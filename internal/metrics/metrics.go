package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fieldsync",
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	syncAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fieldsync",
			Name:      "sync_attempts_total",
			Help:      "Remote milestone calls by outcome.",
		},
		[]string{"outcome"},
	)

	drains = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fieldsync",
			Name:      "drains_total",
			Help:      "Drain cycles by result.",
		},
		[]string{"result"},
	)

	pendingUpdates = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fieldsync",
			Name:      "queue_pending_updates",
			Help:      "Updates waiting to be synced.",
		},
	)

	failedUpdates = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fieldsync",
			Name:      "queue_failed_updates",
			Help:      "Updates that exhausted their retries.",
		},
	)
)

// Sync attempt outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeConflict  = "conflict"
	OutcomeAuth      = "auth"
	OutcomeTransient = "transient"
	OutcomeExhausted = "exhausted"
)

// Drain results.
const (
	DrainClean   = "clean"
	DrainError   = "error"
	DrainAborted = "aborted"
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(httpRequests, syncAttempts, drains, pendingUpdates, failedUpdates)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

// IncSyncAttempt counts one remote call by its outcome.
func IncSyncAttempt(outcome string) {
	syncAttempts.WithLabelValues(outcome).Inc()
}

// IncDrain counts one completed drain cycle.
func IncDrain(result string) {
	drains.WithLabelValues(result).Inc()
}

// SetQueueDepth publishes the current queue sizes.
func SetQueueDepth(pending, failed int) {
	pendingUpdates.Set(float64(pending))
	failedUpdates.Set(float64(failed))
}
