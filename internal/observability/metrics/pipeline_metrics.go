package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/meterflow/internal/authorization"
	"github.com/smallbiznis/meterflow/pkg/db"
)

const (
	SchedulerErrorTypeDeadlineExceeded = "deadline_exceeded"
	SchedulerErrorTypeAuthorization    = "authorization"
	SchedulerErrorTypeBusinessRule     = "business_rule"
	SchedulerErrorTypeDB               = "db"
	SchedulerErrorTypeUnknown          = "unknown"
)

const (
	JobReasonDeadlineExceeded     = "deadline_exceeded"
	JobReasonDBLockTimeout        = "db_lock_timeout"
	JobReasonSerializationFailure = "serialization_failure"
	JobReasonUniqueViolation      = "unique_violation"
	JobReasonForbidden            = "forbidden"
	JobReasonUnknown              = "unknown"

	BatchDeferredReasonSkipLockedEmpty = "skip_locked_empty"
	BatchDeferredReasonLeaseHeld       = "lease_held"
)

const (
	LockResourceUnreplicatedEvents = "unreplicated_events"
	LockResourceWatermarks         = "bucket_watermarks"
	LockResourceInvoice            = "invoice_by_period"
)

// PipelineMetrics captures worker health signals as prometheus series.
type PipelineMetrics struct {
	jobRuns           *prometheus.CounterVec
	jobDuration       *prometheus.HistogramVec
	jobTimeouts       *prometheus.CounterVec
	jobErrors         *prometheus.CounterVec
	batchProcessed    *prometheus.CounterVec
	batchDeferred     *prometheus.CounterVec
	runLoopLag        prometheus.Observer
	dbLockWait        *prometheus.HistogramVec
	bucketTransitions *prometheus.CounterVec
	finalizeBlocked   *prometheus.CounterVec
	reconcileRuns     *prometheus.CounterVec
}

var (
	pipelineMetricsOnce sync.Once
	pipelineMetrics     *PipelineMetrics
)

// Pipeline returns the singleton pipeline metrics registry.
func Pipeline() *PipelineMetrics {
	return PipelineWithConfig(Config{})
}

// PipelineWithConfig returns the singleton pipeline metrics registry using config labels.
func PipelineWithConfig(cfg Config) *PipelineMetrics {
	pipelineMetricsOnce.Do(func() {
		pipelineMetrics = newPipelineMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return pipelineMetrics
}

// ResetPipelineMetricsForTest resets the singleton for tests.
func ResetPipelineMetricsForTest() {
	pipelineMetricsOnce = sync.Once{}
	pipelineMetrics = nil
}

// NewPipelineMetricsForTest builds an instance bound to the given registerer.
func NewPipelineMetricsForTest(registerer prometheus.Registerer) *PipelineMetrics {
	return newPipelineMetrics(registerer, Config{ServiceName: "meterflow", Environment: "test"})
}

func newPipelineMetrics(registerer prometheus.Registerer, cfg Config) *PipelineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "meterflow"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	m := &PipelineMetrics{
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "meterflow_scheduler_job_runs_total",
			Help:        "Pipeline worker job runs by name.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "meterflow_scheduler_job_duration_seconds",
			Help:        "Pipeline worker job latency.",
			Buckets:     []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "meterflow_scheduler_job_timeouts_total",
			Help:        "Pipeline worker jobs that hit their soft timeout.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "meterflow_scheduler_job_errors_total",
			Help:        "Pipeline worker job errors by low-cardinality reason.",
			ConstLabels: constLabels,
		}, []string{"job", "reason"}),
		batchProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "meterflow_scheduler_batch_processed_total",
			Help:        "Items processed by pipeline workers.",
			ConstLabels: constLabels,
		}, []string{"job", "resource"}),
		batchDeferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "meterflow_scheduler_batch_deferred_total",
			Help:        "Batches deferred by reason.",
			ConstLabels: constLabels,
		}, []string{"job", "reason"}),
		runLoopLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "meterflow_scheduler_runloop_lag_seconds",
			Help:        "Run loop lag beyond the configured interval.",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			ConstLabels: constLabels,
		}),
		dbLockWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "meterflow_scheduler_db_lock_wait_seconds",
			Help:        "Row lock wait time for SELECT FOR UPDATE work.",
			Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			ConstLabels: constLabels,
		}, []string{"resource"}),
		bucketTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "meterflow_bucket_transitions_total",
			Help:        "Watermark state transitions.",
			ConstLabels: constLabels,
		}, []string{"from", "to"}),
		finalizeBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "meterflow_finalize_blocked_total",
			Help:        "Finalize attempts rejected by precondition.",
			ConstLabels: constLabels,
		}, []string{"reason"}),
		reconcileRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "meterflow_reconciliation_runs_total",
			Help:        "Reconciliation runs by level and outcome.",
			ConstLabels: constLabels,
		}, []string{"level", "status"}),
	}

	registerer.MustRegister(
		m.jobRuns,
		m.jobDuration,
		m.jobTimeouts,
		m.jobErrors,
		m.batchProcessed,
		m.batchDeferred,
		m.runLoopLag,
		m.dbLockWait,
		m.bucketTransitions,
		m.finalizeBlocked,
		m.reconcileRuns,
	)
	return m
}

func (m *PipelineMetrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *PipelineMetrics) ObserveJobDuration(job string, duration time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

func (m *PipelineMetrics) IncJobTimeout(job string) {
	if m == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

func (m *PipelineMetrics) IncJobError(job string, err error) {
	if m == nil || err == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifyJobReason(err)).Inc()
}

func (m *PipelineMetrics) AddBatchProcessed(job, resource string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.batchProcessed.WithLabelValues(job, resource).Add(float64(count))
}

func (m *PipelineMetrics) IncBatchDeferred(job, reason string) {
	if m == nil {
		return
	}
	m.batchDeferred.WithLabelValues(job, reason).Inc()
}

// ObserveRunLoopLag records lag between the scheduled tick and actual run start.
func (m *PipelineMetrics) ObserveRunLoopLag(duration time.Duration) {
	if m == nil {
		return
	}
	m.runLoopLag.Observe(max(duration, 0).Seconds())
}

func (m *PipelineMetrics) ObserveDBLockWait(resource string, duration time.Duration) {
	if m == nil {
		return
	}
	m.dbLockWait.WithLabelValues(resource).Observe(duration.Seconds())
}

func (m *PipelineMetrics) IncBucketTransition(from, to string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.bucketTransitions.WithLabelValues(from, to).Add(float64(count))
}

func (m *PipelineMetrics) IncFinalizeBlocked(reason string) {
	if m == nil {
		return
	}
	m.finalizeBlocked.WithLabelValues(reason).Inc()
}

// IncReconcileRun counts a run; status is match, drift or blocking.
func (m *PipelineMetrics) IncReconcileRun(level, status string) {
	if m == nil {
		return
	}
	m.reconcileRuns.WithLabelValues(level, status).Inc()
}

// ClassifyErrorType returns a low-cardinality error type for logging.
func ClassifyErrorType(err error) string {
	switch {
	case err == nil:
		return SchedulerErrorTypeUnknown
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return SchedulerErrorTypeDeadlineExceeded
	case isAuthorizationError(err):
		return SchedulerErrorTypeAuthorization
	case db.IsDBError(err):
		return SchedulerErrorTypeDB
	default:
		return SchedulerErrorTypeBusinessRule
	}
}

// IsRetryable reports whether a worker error is worth retrying on the next tick.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	return db.IsDBError(err)
}

// ClassifyJobReason maps job errors to low-cardinality reasons.
func ClassifyJobReason(err error) string {
	switch {
	case err == nil:
		return JobReasonUnknown
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return JobReasonDeadlineExceeded
	case isAuthorizationError(err):
		return JobReasonForbidden
	case db.IsLockTimeout(err):
		return JobReasonDBLockTimeout
	case db.IsSerializationFailure(err):
		return JobReasonSerializationFailure
	case db.IsUniqueViolation(err):
		return JobReasonUniqueViolation
	default:
		return JobReasonUnknown
	}
}

func isAuthorizationError(err error) bool {
	return errors.Is(err, authorization.ErrForbidden) ||
		errors.Is(err, authorization.ErrInvalidActor) ||
		errors.Is(err, authorization.ErrInvalidObject) ||
		errors.Is(err, authorization.ErrInvalidAction)
}
