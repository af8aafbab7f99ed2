package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus counters for the pipeline.
type Metrics struct {
	ScansTotal                 prometheus.Counter
	ComponentsObserved         prometheus.Counter
	VersionChecksTotal         prometheus.Counter
	UpdatesDetected            prometheus.Counter
	VulnerabilitiesRecorded    prometheus.Counter
	ReevaluationsTotal         prometheus.Counter
	ReevaluationConflicts      prometheus.Counter
	StatusTransitions          *prometheus.CounterVec
	NotificationsCreated       prometheus.Counter
	NotificationsDeduplicated  prometheus.Counter
	NotificationsSkipped       prometheus.Counter
	DeliveryFailures           prometheus.Counter
	UpstreamErrors             prometheus.Counter
	BatchItemFailures          prometheus.Counter
	ReportsGenerated           prometheus.Counter
}

// New registers the pipeline counters on the default registry.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith registers the pipeline counters on the given registry. Tests pass
// a fresh registry so repeated construction never double-registers.
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ScansTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "stackwatch_scans_total",
			Help: "Total number of stack scans ingested",
		}),
		ComponentsObserved: factory.NewCounter(prometheus.CounterOpts{
			Name: "stackwatch_components_observed_total",
			Help: "Total number of component observations processed",
		}),
		VersionChecksTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "stackwatch_version_checks_total",
			Help: "Total number of component version checks performed",
		}),
		UpdatesDetected: factory.NewCounter(prometheus.CounterOpts{
			Name: "stackwatch_updates_detected_total",
			Help: "Total number of version checks that found a newer version",
		}),
		VulnerabilitiesRecorded: factory.NewCounter(prometheus.CounterOpts{
			Name: "stackwatch_vulnerabilities_recorded_total",
			Help: "Total number of vulnerabilities recorded",
		}),
		ReevaluationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "stackwatch_reevaluations_total",
			Help: "Total number of service status re-evaluations",
		}),
		ReevaluationConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "stackwatch_reevaluation_conflicts_total",
			Help: "Total number of optimistic concurrency conflicts retried",
		}),
		StatusTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stackwatch_status_transitions_total",
			Help: "Total number of service status transitions",
		}, []string{"from", "to"}),
		NotificationsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "stackwatch_notifications_created_total",
			Help: "Total number of notifications created",
		}),
		NotificationsDeduplicated: factory.NewCounter(prometheus.CounterOpts{
			Name: "stackwatch_notifications_deduplicated_total",
			Help: "Total number of notification creations suppressed by deduplication",
		}),
		NotificationsSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "stackwatch_notifications_skipped_total",
			Help: "Total number of notifications skipped because no recipient opted in",
		}),
		DeliveryFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "stackwatch_notification_delivery_failures_total",
			Help: "Total number of notification deliveries that failed after retry",
		}),
		UpstreamErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "stackwatch_upstream_errors_total",
			Help: "Total number of version or vulnerability source failures",
		}),
		BatchItemFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "stackwatch_batch_item_failures_total",
			Help: "Total number of per-item failures isolated inside batch operations",
		}),
		ReportsGenerated: factory.NewCounter(prometheus.CounterOpts{
			Name: "stackwatch_reports_generated_total",
			Help: "Total number of reports generated",
		}),
	}
}
