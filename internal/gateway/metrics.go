package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the gateway's prometheus instruments. A nil *Metrics is valid
// and records nothing, which keeps tests free of registry collisions.
type Metrics struct {
	jobsCreated    prometheus.Counter
	jobsAssigned   prometheus.Counter
	jobsCompleted  prometheus.Counter
	jobsFailed     prometheus.Counter
	jobsReassigned prometheus.Counter
	sweepDuration  *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		jobsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_jobs_created_total",
			Help: "Jobs pushed onto the queue.",
		}),
		jobsAssigned: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_jobs_assigned_total",
			Help: "Successful job claims.",
		}),
		jobsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_jobs_completed_total",
			Help: "Jobs whose output pin was confirmed.",
		}),
		jobsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_jobs_failed_total",
			Help: "Jobs that reached the terminal failed status.",
		}),
		jobsReassigned: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_jobs_reassigned_total",
			Help: "Jobs returned to the queue by the reassignment sweep.",
		}),
		sweepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_sweep_duration_seconds",
			Help:    "Duration of one background sweep pass.",
			Buckets: prometheus.DefBuckets,
		}, []string{"sweep"}),
	}
}

func (m *Metrics) JobCreated() {
	if m != nil {
		m.jobsCreated.Inc()
	}
}

func (m *Metrics) JobAssigned() {
	if m != nil {
		m.jobsAssigned.Inc()
	}
}

func (m *Metrics) JobCompleted() {
	if m != nil {
		m.jobsCompleted.Inc()
	}
}

func (m *Metrics) JobFailed() {
	if m != nil {
		m.jobsFailed.Inc()
	}
}

func (m *Metrics) JobReassigned() {
	if m != nil {
		m.jobsReassigned.Inc()
	}
}

func (m *Metrics) ObserveSweep(sweep string, seconds float64) {
	if m != nil {
		m.sweepDuration.WithLabelValues(sweep).Observe(seconds)
	}
}
