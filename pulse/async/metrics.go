package async

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the executor's Prometheus collector set. A nil *Metrics
// records nothing.
type Metrics struct {
	timersFired  prometheus.Counter
	dispatched   prometheus.Counter
	completed    prometheus.Counter
	failed       prometheus.Counter
	deadLettered prometheus.Counter
	staleSkips   prometheus.Counter
	pollErrors   prometheus.Counter

	execLatency prometheus.Histogram
	busyWorkers prometheus.Gauge
	jobsByKind  *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		timersFired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pulsejob_timers_fired_total",
			Help: "Timer jobs converted to executable jobs",
		}),
		dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pulsejob_jobs_dispatched_total",
			Help: "Executable jobs locked and handed to a handler",
		}),
		completed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pulsejob_jobs_completed_total",
			Help: "Jobs whose handler succeeded",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pulsejob_jobs_failed_total",
			Help: "Handler failures, including those that were retried",
		}),
		deadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pulsejob_jobs_dead_lettered_total",
			Help: "Jobs moved to the dead-letter kind after exhausting retries",
		}),
		staleSkips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pulsejob_stale_revision_skips_total",
			Help: "Compare-and-swap attempts lost to another poller or worker",
		}),
		pollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pulsejob_poll_errors_total",
			Help: "Poll cycles that failed",
		}),
		execLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pulsejob_job_execution_seconds",
			Help:    "Handler execution time in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		busyWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pulsejob_busy_workers",
			Help: "Handlers currently executing",
		}),
		jobsByKind: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pulsejob_jobs",
			Help: "Stored jobs per kind",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		m.timersFired,
		m.dispatched,
		m.completed,
		m.failed,
		m.deadLettered,
		m.staleSkips,
		m.pollErrors,
		m.execLatency,
		m.busyWorkers,
		m.jobsByKind,
	)
	return m
}

func (m *Metrics) timerFired() {
	if m != nil {
		m.timersFired.Inc()
	}
}

func (m *Metrics) jobDispatched() {
	if m != nil {
		m.dispatched.Inc()
	}
}

func (m *Metrics) jobCompleted(seconds float64) {
	if m != nil {
		m.completed.Inc()
		m.execLatency.Observe(seconds)
	}
}

func (m *Metrics) jobFailed(seconds float64, dead bool) {
	if m == nil {
		return
	}
	m.failed.Inc()
	m.execLatency.Observe(seconds)
	if dead {
		m.deadLettered.Inc()
	}
}

func (m *Metrics) staleSkip() {
	if m != nil {
		m.staleSkips.Inc()
	}
}

func (m *Metrics) pollError() {
	if m != nil {
		m.pollErrors.Inc()
	}
}

func (m *Metrics) observeStatus(s Status) {
	if m == nil {
		return
	}
	m.busyWorkers.Set(float64(s.WorkersBusy))
	for kind, n := range s.Jobs {
		m.jobsByKind.WithLabelValues(string(kind)).Set(float64(n))
	}
}
