package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// JobMetrics records the progress of acquisition jobs. A nil *JobMetrics
// (or one created without a registerer) discards everything.
type JobMetrics struct {
	submitted  *prometheus.CounterVec
	finished   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	queueDepth prometheus.Gauge
	divergence prometheus.Counter
}

// NewJobMetrics registers the job metrics on the provided registerer.
func NewJobMetrics(reg prometheus.Registerer) *JobMetrics {
	if reg == nil {
		return &JobMetrics{}
	}

	submitted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "harmony",
		Name:      "jobs_submitted_total",
		Help:      "Job submissions, labelled by provider kind and whether they were accepted.",
	}, []string{"provider_kind", "outcome"})
	finished := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "harmony",
		Name:      "jobs_finished_total",
		Help:      "Jobs which reached a terminal state, labelled by provider kind and outcome.",
	}, []string{"provider_kind", "outcome"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "harmony",
		Name:      "job_duration_seconds",
		Help:      "Time from admission to completion of jobs.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
	}, []string{"provider_kind"})
	queueDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "harmony",
		Name:      "job_queue_depth",
		Help:      "Jobs accepted but not yet admitted to a worker.",
	})
	divergence := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "harmony",
		Name:      "ledger_divergence_total",
		Help:      "Artifacts which were published but could not be recorded in the ledger.",
	})
	reg.MustRegister(submitted, finished, duration, queueDepth, divergence)

	return &JobMetrics{
		submitted:  submitted,
		finished:   finished,
		duration:   duration,
		queueDepth: queueDepth,
		divergence: divergence,
	}
}

func (m *JobMetrics) IncSubmitted(kind string, outcome string) {
	if m == nil || m.submitted == nil {
		return
	}
	m.submitted.WithLabelValues(normalizeLabel(kind), normalizeLabel(outcome)).Inc()
}

// IncFinished records a job reaching a terminal state. The outcome is
// 'succeeded' or the kind of error which failed the job.
func (m *JobMetrics) IncFinished(kind string, outcome string) {
	if m == nil || m.finished == nil {
		return
	}
	m.finished.WithLabelValues(normalizeLabel(kind), normalizeLabel(outcome)).Inc()
}

func (m *JobMetrics) ObserveDuration(kind string, duration time.Duration) {
	if m == nil || m.duration == nil {
		return
	}
	m.duration.WithLabelValues(normalizeLabel(kind)).Observe(duration.Seconds())
}

func (m *JobMetrics) SetQueueDepth(depth int) {
	if m == nil || m.queueDepth == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

// IncLedgerDivergence records an artifact which exists in the
// library without a corresponding upload record.
func (m *JobMetrics) IncLedgerDivergence() {
	if m == nil || m.divergence == nil {
		return
	}
	m.divergence.Inc()
}

func normalizeLabel(label string) string {
	if label == "" {
		return "unknown"
	}
	return label
}
