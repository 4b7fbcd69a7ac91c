package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the pipeline.
type Metrics struct {
	MessagesHandled    *prometheus.CounterVec
	HandleDuration     *prometheus.HistogramVec
	ExpiriesScheduled  *prometheus.CounterVec
	ScanFailures       prometheus.Counter
	Reconciled         prometheus.Counter
	DeliveryTasks      prometheus.Counter
	Deliveries         *prometheus.CounterVec
	DeliveryDuration   prometheus.Histogram
	AuditEntries       prometheus.Counter
	ArtifactVersions   prometheus.Counter
	OpsRequestDuration *prometheus.HistogramVec
}

// New creates and registers all metrics on reg. Tests pass a fresh
// prometheus.NewRegistry to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		MessagesHandled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "consentline_messages_handled_total",
			Help: "Messages handled per queue and outcome (ack, retry, dead_letter)",
		}, []string{"queue", "outcome"}),
		HandleDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "consentline_message_handle_duration_seconds",
			Help:    "Time spent in a queue handler",
			Buckets: prometheus.DefBuckets,
		}, []string{"queue"}),
		ExpiriesScheduled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "consentline_expiries_scheduled_total",
			Help: "Delayed expiry events published by the scanner",
		}, []string{"kind"}),
		ScanFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "consentline_scan_failures_total",
			Help: "Scanner passes that ended in error",
		}),
		Reconciled: f.NewCounter(prometheus.CounterOpts{
			Name: "consentline_expiries_reconciled_total",
			Help: "Overdue flagged entries republished by reconciliation",
		}),
		DeliveryTasks: f.NewCounter(prometheus.CounterOpts{
			Name: "consentline_webhook_delivery_tasks_total",
			Help: "Delivery tasks emitted by the webhook classifier",
		}),
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "consentline_webhook_deliveries_total",
			Help: "Webhook deliveries by result (delivered, failed)",
		}, []string{"result"}),
		DeliveryDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "consentline_webhook_delivery_duration_seconds",
			Help:    "Wall time of a delivery including retries",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}),
		AuditEntries: f.NewCounter(prometheus.CounterOpts{
			Name: "consentline_audit_entries_appended_total",
			Help: "Audit chain entries appended",
		}),
		ArtifactVersions: f.NewCounter(prometheus.CounterOpts{
			Name: "consentline_artifact_versions_created_total",
			Help: "Consent artifact versions persisted",
		}),
		OpsRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "consentline_ops_request_duration_seconds",
			Help:    "Ops API request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// ObserveHandled records one handler outcome for queue.
func (m *Metrics) ObserveHandled(queue, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.MessagesHandled.WithLabelValues(queue, outcome).Inc()
	m.HandleDuration.WithLabelValues(queue).Observe(elapsed.Seconds())
}

func (m *Metrics) IncrementScheduled(kind string) {
	if m == nil {
		return
	}
	m.ExpiriesScheduled.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncrementScanFailures() {
	if m == nil {
		return
	}
	m.ScanFailures.Inc()
}

func (m *Metrics) IncrementReconciled() {
	if m == nil {
		return
	}
	m.Reconciled.Inc()
}

func (m *Metrics) IncrementDeliveryTasks(n int) {
	if m == nil {
		return
	}
	m.DeliveryTasks.Add(float64(n))
}

func (m *Metrics) ObserveDelivery(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(result).Inc()
	m.DeliveryDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) IncrementAuditEntries() {
	if m == nil {
		return
	}
	m.AuditEntries.Inc()
}

func (m *Metrics) IncrementArtifactVersions() {
	if m == nil {
		return
	}
	m.ArtifactVersions.Inc()
}

func (m *Metrics) ObserveOpsRequest(route string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.OpsRequestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}
