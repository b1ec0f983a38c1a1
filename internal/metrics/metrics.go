// Package metrics exposes the orchestrator's internal state as Prometheus
// gauges and counters: registry occupancy, queue depth, and worker outcomes
// broken down by classified error code.
package metrics

import (
	"github.com/invulnerable/scancore/internal/models"
	"github.com/prometheus/client_golang/prometheus"
)

// Service owns the process-local Prometheus collectors and the registry it
// registers them against.
type Service struct {
	Registry *prometheus.Registry

	registrySize   prometheus.Gauge
	queuePending   prometheus.Gauge
	queueActive    prometheus.Gauge
	scansStarted   prometheus.Counter
	scansFinished  prometheus.Counter
	scansFailed    *prometheus.CounterVec
	queueRejected  prometheus.Counter
}

// New constructs a Service with its own Prometheus registry, so the process
// never pulls in the default global registry's Go runtime collectors unless
// explicitly asked.
func New() *Service {
	reg := prometheus.NewRegistry()

	s := &Service{
		Registry: reg,
		registrySize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "scancore",
			Name:      "registry_entries",
			Help:      "Current number of scan records held in the in-memory registry.",
		}),
		queuePending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "scancore",
			Name:      "queue_pending_jobs",
			Help:      "Current number of jobs waiting in the FIFO queue.",
		}),
		queueActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "scancore",
			Name:      "queue_active_jobs",
			Help:      "Current number of jobs dispatched to a worker.",
		}),
		scansStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scancore",
			Name:      "scans_started_total",
			Help:      "Total number of scans admitted to the queue.",
		}),
		scansFinished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scancore",
			Name:      "scans_finished_total",
			Help:      "Total number of scans that reached the Finished status.",
		}),
		scansFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scancore",
			Name:      "scans_failed_total",
			Help:      "Total number of scans that reached the Failed status, by error code.",
		}, []string{"code"}),
		queueRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scancore",
			Name:      "queue_rejected_total",
			Help:      "Total number of scan requests rejected because the queue was full.",
		}),
	}

	reg.MustRegister(s.registrySize, s.queuePending, s.queueActive, s.scansStarted, s.scansFinished, s.scansFailed, s.queueRejected)
	return s
}

// SetRegistrySize updates the registry occupancy gauge.
func (s *Service) SetRegistrySize(n int) {
	s.registrySize.Set(float64(n))
}

// SetQueueDepth updates the queue's pending/active gauges.
func (s *Service) SetQueueDepth(pending, active int) {
	s.queuePending.Set(float64(pending))
	s.queueActive.Set(float64(active))
}

// ObserveAdmitted increments the started counter when a scan is admitted.
func (s *Service) ObserveAdmitted() {
	s.scansStarted.Inc()
}

// ObserveRejected increments the rejected counter when the queue is full.
func (s *Service) ObserveRejected() {
	s.queueRejected.Inc()
}

// ObserveOutcome increments the appropriate terminal-status counter for a
// settled scan record.
func (s *Service) ObserveOutcome(rec *models.Record) {
	if rec == nil {
		return
	}
	switch rec.Status {
	case models.StatusFinished:
		s.scansFinished.Inc()
	case models.StatusFailed:
		code := string(models.ErrUnknown)
		if rec.Error != nil {
			code = string(rec.Error.Code)
		}
		s.scansFailed.WithLabelValues(code).Inc()
	}
}
