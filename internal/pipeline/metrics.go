package pipeline

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline collectors on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	Runs          *prometheus.CounterVec
	Attempts      *prometheus.CounterVec
	OCRProcessed  prometheus.Counter
	OCRSkipped    prometheus.Counter
	OCRFailed     prometheus.Counter
	StageDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers the pipeline collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tarifas",
			Name:      "runs_total",
			Help:      "Documents processed, by source kind and outcome.",
		}, []string{"kind", "outcome"}),
		Attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tarifas",
			Name:      "completion_attempts_total",
			Help:      "Completion attempts, by outcome.",
		}, []string{"outcome"}),
		OCRProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tarifas",
			Name:      "ocr_images_processed_total",
			Help:      "Embedded images sent to OCR.",
		}),
		OCRSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tarifas",
			Name:      "ocr_images_skipped_total",
			Help:      "Embedded images below the minimum side.",
		}),
		OCRFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tarifas",
			Name:      "ocr_images_failed_total",
			Help:      "Images whose recognition failed and were replaced by the failure text.",
		}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tarifas",
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages.",
			Buckets:   []float64{0.05, 0.25, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"stage", "status"}),
	}
	m.Registry.MustRegister(m.Runs, m.Attempts, m.OCRProcessed, m.OCRSkipped, m.OCRFailed, m.StageDuration)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// ObserveAttempt is a completion.Options.OnAttempt hook.
func (m *Metrics) ObserveAttempt(_ int, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.Attempts.WithLabelValues(outcome).Inc()
}

// ObserveOCR is an ocr.Engine.OnResult hook.
func (m *Metrics) ObserveOCR(err error) {
	if err != nil {
		m.OCRFailed.Inc()
	}
}
