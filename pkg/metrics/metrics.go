package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all application metrics
type Metrics struct {
	// Webhook ingestion metrics
	WebhookRequests *prometheus.CounterVec
	WebhookLatency  prometheus.Histogram
	EventsPersisted prometheus.Counter
	EventsDuplicate prometheus.Counter

	// Event poller metrics
	PollRequests prometheus.Counter
	PollPages    prometheus.Histogram
	PollFailures prometheus.Counter

	// Resubmit metrics
	ResubmitAttempts *prometheus.CounterVec
	ResubmitRefused  *prometheus.CounterVec

	// Dispatch metrics
	DispatchTotal *prometheus.CounterVec

	// Reconciliation metrics
	ReconcileResolved prometheus.Counter
	ReconcileErrors   prometheus.Counter
	ReconcileLatency  prometheus.Histogram

	// Send task queue metrics
	TasksProcessed prometheus.Counter
	TasksFailed    prometheus.Counter
	TasksSkipped   prometheus.Counter
}

// NewMetrics creates and registers all application metrics
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		WebhookRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_requests_total",
			Help:      "Total number of webhook callbacks by response status",
		}, []string{"status"}),
		WebhookLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_request_duration_seconds",
			Help:      "Time spent handling webhook callbacks",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		EventsPersisted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_persisted_total",
			Help:      "Total number of delivery events written to the store",
		}),
		EventsDuplicate: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_duplicate_total",
			Help:      "Total number of delivery events dropped by the dedup constraint",
		}),
		PollRequests: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_requests_total",
			Help:      "Total number of event-search polls issued to the provider",
		}),
		PollPages: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_pages_per_search",
			Help:      "Pages fetched per event search",
			Buckets:   []float64{1, 2, 3, 5, 10, 25, 50},
		}),
		PollFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_failures_total",
			Help:      "Total number of failed event-search polls",
		}),
		ResubmitAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resubmit_attempts_total",
			Help:      "Total number of resubmit attempts by outcome",
		}, []string{"outcome"}),
		ResubmitRefused: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resubmit_refused_total",
			Help:      "Total number of refused resubmits by reason",
		}, []string{"reason"}),
		DispatchTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Total number of dispatched messages by transport",
		}, []string{"transport"}),
		ReconcileResolved: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_resolved_total",
			Help:      "Total number of failed events confirmed delivered",
		}),
		ReconcileErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_errors_total",
			Help:      "Total number of per-event reconciliation errors",
		}),
		ReconcileLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_run_duration_seconds",
			Help:      "Duration of reconciliation runs",
			Buckets:   []float64{.1, .5, 1, 5, 15, 60, 300},
		}),
		TasksProcessed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_tasks_processed_total",
			Help:      "Total number of deferred send tasks completed",
		}),
		TasksFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_tasks_failed_total",
			Help:      "Total number of deferred send tasks that failed",
		}),
		TasksSkipped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_tasks_skipped_total",
			Help:      "Total number of deferred send tasks skipped as consumed or cancelled",
		}),
	}
}
