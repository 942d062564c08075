// Package metrics provides Prometheus metrics for the record store.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	RecordsCreated     prometheus.Counter
	RecordsUpdated     prometheus.Counter
	RecordsDeleted     prometheus.Counter
	MedicationsTracked prometheus.Counter
	ReportsGenerated   prometheus.Counter
	RequestsRejected   *prometheus.CounterVec
	RequestDuration    prometheus.Histogram
	RecordsStored      prometheus.Gauge
	OutboxPending      prometheus.Gauge
	AuditPublishErrors prometheus.Counter
}

// New creates and registers all metrics
func New() *Metrics {
	m := &Metrics{
		RecordsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "health_records_created_total",
			Help: "Total health records created",
		}),
		RecordsUpdated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "health_records_updated_total",
			Help: "Total health record updates",
		}),
		RecordsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "health_records_deleted_total",
			Help: "Total health records deleted",
		}),
		MedicationsTracked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "medications_tracked_total",
			Help: "Total medication history entries appended",
		}),
		ReportsGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "health_reports_generated_total",
			Help: "Total health reports rendered",
		}),
		RequestsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "record_requests_rejected_total",
			Help: "Requests rejected by reason (not_found, not_owner, validation)",
		}, []string{"reason"}),
		RequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "record_request_duration_seconds",
			Help:    "Record operation duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		RecordsStored: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "health_records_stored",
			Help: "Records currently in the store",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "audit_outbox_pending_entries",
			Help: "Pending audit outbox entries",
		}),
		AuditPublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_publish_errors_total",
			Help: "Audit events that could not be published",
		}),
	}

	prometheus.MustRegister(
		m.RecordsCreated,
		m.RecordsUpdated,
		m.RecordsDeleted,
		m.MedicationsTracked,
		m.ReportsGenerated,
		m.RequestsRejected,
		m.RequestDuration,
		m.RecordsStored,
		m.OutboxPending,
		m.AuditPublishErrors,
	)

	return m
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
