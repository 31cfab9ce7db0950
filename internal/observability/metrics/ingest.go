package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kirillkom/energy-data-assistant/internal/core/domain"
)

const namespace = "eda"

// IngestMetrics observes the ingestion orchestrator.
type IngestMetrics struct {
	registry *prometheus.Registry
	service  string

	documentTotal    *prometheus.CounterVec
	documentDuration *prometheus.HistogramVec
	documentInFlight prometheus.Gauge
	recordsTotal     *prometheus.CounterVec
	jobLag           *prometheus.HistogramVec
}

func NewIngestMetrics(service string) *IngestMetrics {
	registry := prometheus.NewRegistry()

	documentTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "document_total",
			Help:      "Total processed source documents by final stage and status.",
		},
		[]string{"service", "stage", "status"},
	)
	documentDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "document_duration_seconds",
			Help:      "Source document processing duration in seconds by status.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "status"},
	)
	documentInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "document_in_flight",
			Help:      "Number of source documents being processed.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	recordsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "records_total",
			Help:      "Index records produced by outcome.",
		},
		[]string{"service", "outcome"},
	)
	jobLag := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "job_lag_seconds",
			Help:      "Delay between job submission and worker start.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"service"},
	)

	registry.MustRegister(documentTotal, documentDuration, documentInFlight, recordsTotal, jobLag)

	return &IngestMetrics{
		registry:         registry,
		service:          service,
		documentTotal:    documentTotal,
		documentDuration: documentDuration,
		documentInFlight: documentInFlight,
		recordsTotal:     recordsTotal,
		jobLag:           jobLag,
	}
}

func (m *IngestMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *IngestMetrics) StartDocument() {
	m.documentInFlight.Inc()
}

func (m *IngestMetrics) FinishDocument(stage domain.IngestStage, duration time.Duration, records int, err error) {
	m.documentInFlight.Dec()

	status := "success"
	outcome := "indexed"
	if err != nil {
		status = "error"
		outcome = "failed"
	}
	m.documentTotal.WithLabelValues(m.service, string(stage), status).Inc()
	m.documentDuration.WithLabelValues(m.service, status).Observe(duration.Seconds())
	if records > 0 {
		m.recordsTotal.WithLabelValues(m.service, outcome).Add(float64(records))
	}
}

func (m *IngestMetrics) SkipDocument() {
	m.documentInFlight.Dec()
	m.documentTotal.WithLabelValues(m.service, string(domain.StageUploaded), "skipped").Inc()
}

func (m *IngestMetrics) ObserveJobLag(lag time.Duration) {
	if lag < 0 {
		return
	}
	m.jobLag.WithLabelValues(m.service).Observe(lag.Seconds())
}
