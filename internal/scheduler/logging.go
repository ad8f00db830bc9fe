package scheduler

import (
	"context"
	"slices"
	"time"

	obscontext "github.com/smallbiznis/meterflow/internal/observability/context"
	obslogger "github.com/smallbiznis/meterflow/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/meterflow/internal/observability/metrics"
	"go.uber.org/zap"
)

// maxLoggedTenants caps the failed_tenants field of a finish line.
const maxLoggedTenants = 20

// jobRun is the bookkeeping of one job execution. Jobs walk their batch
// sequentially, so it is not safe for concurrent use.
type jobRun struct {
	job       string
	runID     string
	batchSize int
	startedAt time.Time

	processedCount int
	deferredCount  int
	errorCount     int
	failedTenants  []string
}

type jobRunKey struct{}

func (r *jobRun) AddProcessed(count int) {
	if r == nil || count <= 0 {
		return
	}
	r.processedCount += count
}

func (r *jobRun) IncError(tenantID string) {
	if r == nil {
		return
	}
	r.errorCount++
	if tenantID != "" && !slices.Contains(r.failedTenants, tenantID) && len(r.failedTenants) < maxLoggedTenants {
		r.failedTenants = append(r.failedTenants, tenantID)
	}
}

func (r *jobRun) processed() int {
	if r == nil {
		return 0
	}
	return r.processedCount
}

// ensureJobRun attaches a run to ctx unless one is already there. The caller
// that created it owns the start and finish lines.
func (s *Scheduler) ensureJobRun(ctx context.Context, job string, batchSize int) (context.Context, *jobRun, bool) {
	if existing := jobRunFromContext(ctx); existing != nil {
		return ctx, existing, false
	}
	run := &jobRun{
		job:       job,
		runID:     s.genID.Generate().String(),
		batchSize: batchSize,
		startedAt: s.clock.Now(),
	}
	return context.WithValue(ctx, jobRunKey{}, run), run, true
}

func jobRunFromContext(ctx context.Context) *jobRun {
	if ctx == nil {
		return nil
	}
	run, _ := ctx.Value(jobRunKey{}).(*jobRun)
	return run
}

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

func (s *Scheduler) logJobStart(ctx context.Context, run *jobRun) {
	s.logger(ctx).Info("scheduler.job.start",
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int("batch_size", run.batchSize),
	)
}

// logJobFinish reports a run as a warning when any item failed.
func (s *Scheduler) logJobFinish(ctx context.Context, run *jobRun) {
	fields := []zap.Field{
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int64("duration_ms", s.clock.Now().Sub(run.startedAt).Milliseconds()),
		zap.Int("processed_count", run.processedCount),
		zap.Int("deferred_count", run.deferredCount),
		zap.Int("error_count", run.errorCount),
	}
	if len(run.failedTenants) > 0 {
		fields = append(fields, zap.Strings("failed_tenants", run.failedTenants))
	}
	if run.errorCount > 0 {
		s.logger(ctx).Warn("scheduler.job.finish", fields...)
		return
	}
	s.logger(ctx).Info("scheduler.job.finish", fields...)
}

// deferItem counts an item left for a later run, such as a bucket whose
// recompute lease is held or a period whose finalize is blocked.
func (s *Scheduler) deferItem(run *jobRun, reason string) {
	if run != nil {
		run.deferredCount++
	}
	s.metrics.IncBatchDeferred(run.jobName(), reason)
}

func (r *jobRun) jobName() string {
	if r == nil {
		return "unknown"
	}
	return r.job
}

// logError records a per-item failure without aborting the batch.
func (s *Scheduler) logError(ctx context.Context, run *jobRun, msg string, tenantID string, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	run.IncError(tenantID)
	if tenantID != "" {
		ctx = obscontext.WithTenantID(ctx, tenantID)
	}
	base := []zap.Field{
		zap.String("job", run.jobName()),
		zap.String("error_type", obsmetrics.ClassifyErrorType(err)),
		zap.Bool("retryable", obsmetrics.IsRetryable(err)),
		zap.Error(err),
	}
	s.logger(ctx).Error(msg, append(base, fields...)...)
}
