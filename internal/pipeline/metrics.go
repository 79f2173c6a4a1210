package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the pipeline's prometheus collectors. Registration is the
// host's choice; a nil Metrics is a no-op.
type Metrics struct {
	AtomsGenerated  prometheus.Counter
	AtomsAccepted   prometheus.Counter
	RetriesTotal    prometheus.Counter
	ReviewQueued    prometheus.Counter
	WaveDuration    prometheus.Histogram
	ReviewQueueSize prometheus.Gauge
}

// NewMetrics creates and optionally registers the collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AtomsGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "atomforge_atoms_generated_total",
			Help: "Atoms that completed at least one oracle attempt.",
		}),
		AtomsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "atomforge_atoms_accepted_total",
			Help: "Atoms accepted into the artifact stream.",
		}),
		RetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "atomforge_retries_total",
			Help: "Oracle attempts beyond the first, across all atoms.",
		}),
		ReviewQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "atomforge_review_queued_total",
			Help: "Atoms routed to the human review queue.",
		}),
		WaveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "atomforge_wave_duration_seconds",
			Help:    "Wall-clock duration of completed waves.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		ReviewQueueSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "atomforge_review_queue_size",
			Help: "Pending items in the review queue.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.AtomsGenerated, m.AtomsAccepted, m.RetriesTotal,
			m.ReviewQueued, m.WaveDuration, m.ReviewQueueSize)
	}
	return m
}
