package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"loadstar/internal/storage"
)

// Metrics holds the collectors exported on /metrics.
type Metrics struct {
	registry *prometheus.Registry

	movesRecorded  prometheus.Counter
	sweeps         *prometheus.CounterVec
	sweepDuration  prometheus.Histogram
	foldersFailed  prometheus.Counter
	foldersRetired prometheus.Counter
}

// New creates a Metrics instance with its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		movesRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "loadstar",
			Name:      "moves_recorded_total",
			Help:      "File moves recorded into the statistics store.",
		}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loadstar",
			Name:      "liveness_sweeps_total",
			Help:      "Liveness sweeps by outcome.",
		}, []string{"outcome"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "loadstar",
			Name:      "liveness_sweep_duration_seconds",
			Help:      "Duration of liveness sweeps.",
			Buckets:   prometheus.DefBuckets,
		}),
		foldersFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "loadstar",
			Name:      "alive_checks_failed_total",
			Help:      "Folders that failed an existence check.",
		}),
		foldersRetired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "loadstar",
			Name:      "folders_retired_total",
			Help:      "Folders retired by liveness sweeps.",
		}),
	}
	m.registry.MustRegister(m.movesRecorded, m.sweeps, m.sweepDuration, m.foldersFailed, m.foldersRetired)
	return m
}

// MoveRecorded counts one recorded move.
func (m *Metrics) MoveRecorded() {
	if m == nil {
		return
	}
	m.movesRecorded.Inc()
}

// SweepFinished records the outcome of a liveness sweep.
func (m *Metrics) SweepFinished(report storage.SweepReport, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.sweeps.WithLabelValues(outcome).Inc()
	m.sweepDuration.Observe(elapsed.Seconds())
	m.foldersFailed.Add(float64(len(report.Failed)))
	m.foldersRetired.Add(float64(len(report.Retired)))
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
