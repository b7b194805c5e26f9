package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	FireKindRotation = "rotation"
	FireKindPoll     = "poll"
	FireKindTrigger  = "trigger"
)

const (
	SchedulerJobReasonDeadlineExceeded = "deadline_exceeded"
	SchedulerJobReasonCanceled         = "canceled"
	SchedulerJobReasonPanic            = "panic"
	SchedulerJobReasonUnknown          = "unknown"
)

// SchedulerMetrics captures rotation scheduler health signals.
type SchedulerMetrics struct {
	fires        *prometheus.CounterVec
	fireDuration *prometheus.HistogramVec
	fireTimeouts *prometheus.CounterVec
	firePanics   *prometheus.CounterVec
	fireSkipped  *prometheus.CounterVec
	liveTimers   prometheus.Gauge
	jobRuns      *prometheus.CounterVec
	jobDuration  *prometheus.HistogramVec
	jobErrors    *prometheus.CounterVec
	jobProcessed *prometheus.CounterVec
	runLoopLag   prometheus.Observer
}

var (
	schedulerMetricsOnce sync.Once
	schedulerMetrics     *SchedulerMetrics
)

// Scheduler returns the singleton scheduler metrics registry.
func Scheduler() *SchedulerMetrics {
	return SchedulerWithConfig(Config{})
}

// SchedulerWithConfig returns the singleton scheduler metrics registry using config labels.
func SchedulerWithConfig(cfg Config) *SchedulerMetrics {
	schedulerMetricsOnce.Do(func() {
		schedulerMetrics = newSchedulerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return schedulerMetrics
}

// ResetSchedulerMetricsForTest resets the scheduler metrics singleton for tests.
func ResetSchedulerMetricsForTest() {
	schedulerMetricsOnce = sync.Once{}
	schedulerMetrics = nil
}

func constLabelsFor(cfg Config) prometheus.Labels {
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "headliner"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	return prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}
}

func newSchedulerMetrics(registerer prometheus.Registerer, cfg Config) *SchedulerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	constLabels := constLabelsFor(cfg)

	fires := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "headliner_scheduler_fires_total",
		Help:        "Timer fires by kind and outcome.",
		ConstLabels: constLabels,
	}, []string{"kind", "outcome"})
	fireDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "headliner_scheduler_fire_duration_seconds",
		Help:        "Timer fire latency including the outbound platform call.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
		ConstLabels: constLabels,
	}, []string{"kind"})
	fireTimeouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "headliner_scheduler_fire_timeouts_total",
		Help:        "Timer fires that hit their deadline.",
		ConstLabels: constLabels,
	}, []string{"kind"})
	firePanics := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "headliner_scheduler_fire_panics_total",
		Help:        "Timer callbacks that panicked and were recovered.",
		ConstLabels: constLabels,
	}, []string{"kind"})
	fireSkipped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "headliner_scheduler_fires_skipped_total",
		Help:        "Timer fires dropped before running, by reason.",
		ConstLabels: constLabels,
	}, []string{"kind", "reason"})
	liveTimers := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "headliner_scheduler_live_experiments",
		Help:        "Experiments with armed rotation and poll timers.",
		ConstLabels: constLabels,
	})
	jobRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "headliner_scheduler_job_runs_total",
		Help:        "Sweep job runs by name.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "headliner_scheduler_job_duration_seconds",
		Help:        "Sweep job latency.",
		Buckets:     []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		ConstLabels: constLabels,
	}, []string{"job"})
	jobErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "headliner_scheduler_job_errors_total",
		Help:        "Sweep job errors by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"job", "reason"})
	jobProcessed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "headliner_scheduler_job_processed_total",
		Help:        "Experiments handled by sweep jobs.",
		ConstLabels: constLabels,
	}, []string{"job"})
	runLoopLag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "headliner_scheduler_runloop_lag_seconds",
		Help:        "Sweep loop lag beyond the configured interval.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		ConstLabels: constLabels,
	})

	registerer.MustRegister(
		fires,
		fireDuration,
		fireTimeouts,
		firePanics,
		fireSkipped,
		liveTimers,
		jobRuns,
		jobDuration,
		jobErrors,
		jobProcessed,
		runLoopLag,
	)

	return &SchedulerMetrics{
		fires:        fires,
		fireDuration: fireDuration,
		fireTimeouts: fireTimeouts,
		firePanics:   firePanics,
		fireSkipped:  fireSkipped,
		liveTimers:   liveTimers,
		jobRuns:      jobRuns,
		jobDuration:  jobDuration,
		jobErrors:    jobErrors,
		jobProcessed: jobProcessed,
		runLoopLag:   runLoopLag,
	}
}

// ObserveFire records one completed timer fire.
func (m *SchedulerMetrics) ObserveFire(kind, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.fires.WithLabelValues(kind, outcome).Inc()
	m.fireDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func (m *SchedulerMetrics) IncFireTimeout(kind string) {
	if m == nil {
		return
	}
	m.fireTimeouts.WithLabelValues(kind).Inc()
}

func (m *SchedulerMetrics) IncFirePanic(kind string) {
	if m == nil {
		return
	}
	m.firePanics.WithLabelValues(kind).Inc()
}

func (m *SchedulerMetrics) IncFireSkipped(kind, reason string) {
	if m == nil {
		return
	}
	m.fireSkipped.WithLabelValues(kind, reason).Inc()
}

func (m *SchedulerMetrics) SetLiveExperiments(count int) {
	if m == nil {
		return
	}
	m.liveTimers.Set(float64(count))
}

// IncJobRun increments the run counter for a sweep job.
func (m *SchedulerMetrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

// ObserveJobDuration records sweep job latency in seconds.
func (m *SchedulerMetrics) ObserveJobDuration(job string, duration time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// IncJobError increments the sweep job error counter with classification.
func (m *SchedulerMetrics) IncJobError(job string, err error) {
	if m == nil || err == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifySchedulerJobReason(err)).Inc()
}

func (m *SchedulerMetrics) AddJobProcessed(job string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.jobProcessed.WithLabelValues(job).Add(float64(count))
}

// ObserveRunLoopLag records lag between the scheduled tick and actual run start.
func (m *SchedulerMetrics) ObserveRunLoopLag(duration time.Duration) {
	if m == nil {
		return
	}
	if duration < 0 {
		duration = 0
	}
	m.runLoopLag.Observe(duration.Seconds())
}

// ClassifySchedulerJobReason maps an error onto a bounded label value.
func ClassifySchedulerJobReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return SchedulerJobReasonDeadlineExceeded
	case errors.Is(err, context.Canceled):
		return SchedulerJobReasonCanceled
	default:
		return SchedulerJobReasonUnknown
	}
}
