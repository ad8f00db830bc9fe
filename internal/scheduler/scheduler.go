package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	aggregationdomain "github.com/smallbiznis/meterflow/internal/aggregation/domain"
	catalogdomain "github.com/smallbiznis/meterflow/internal/catalog/domain"
	"github.com/smallbiznis/meterflow/internal/clock"
	"github.com/smallbiznis/meterflow/internal/config"
	invoicedomain "github.com/smallbiznis/meterflow/internal/invoice/domain"
	"github.com/smallbiznis/meterflow/internal/lock"
	obscontext "github.com/smallbiznis/meterflow/internal/observability/context"
	obsmetrics "github.com/smallbiznis/meterflow/internal/observability/metrics"
	"github.com/smallbiznis/meterflow/internal/opssignal"
	"github.com/smallbiznis/meterflow/internal/period"
	reconciliationdomain "github.com/smallbiznis/meterflow/internal/reconciliation/domain"
	usagedomain "github.com/smallbiznis/meterflow/internal/usage/domain"
	"github.com/smallbiznis/meterflow/internal/usage/replication"
	watermarkdomain "github.com/smallbiznis/meterflow/internal/watermark/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobCloseBuckets    = "close_buckets"
	JobRecomputeOpen   = "recompute_open"
	JobSettleReopened  = "settle_reopened"
	JobReplicateEvents = "replicate_events"
	JobReconcileCounts = "reconcile_counts"
	JobReconcileSums   = "reconcile_sums"
	JobEnsureDrafts    = "ensure_drafts"
	JobRefreshDrafts   = "refresh_drafts"
	JobFinalizePeriods = "finalize_periods"
	JobStuckDrafts     = "stuck_drafts"
	JobPushOpsSignals  = "push_ops_signals"
	JobPurgeEvents     = "purge_expired_events"
	JobDeferLateUsage  = "defer_late_usage"
)

const (
	draftSweepInterval = time.Hour
	opsSignalInterval  = 5 * time.Minute
	purgeInterval      = 24 * time.Hour
)

var ErrInvalidConfig = errors.New("invalid_config")

type Params struct {
	fx.In

	Log            *zap.Logger
	GenID          *snowflake.Node
	Clock          clock.Clock
	Policy         config.PolicyProvider
	Locker         lock.Locker
	Watermarks     watermarkdomain.Service
	Summaries      aggregationdomain.Service
	Reconciliation reconciliationdomain.Service
	Invoices       invoicedomain.Service
	Catalog        catalogdomain.Service
	Events         usagedomain.EventStore      `optional:"true"`
	Replicator     *replication.Worker         `optional:"true"`
	Signals        *opssignal.Signals          `optional:"true"`
	Metrics        *obsmetrics.PipelineMetrics `optional:"true"`
	Config         Config                      `optional:"true"`
}

type Scheduler struct {
	log            *zap.Logger
	cfg            Config
	genID          *snowflake.Node
	clock          clock.Clock
	policy         config.PolicyProvider
	locker         lock.Locker
	watermarks     watermarkdomain.Service
	summaries      aggregationdomain.Service
	reconciliation reconciliationdomain.Service
	invoices       invoicedomain.Service
	catalog        catalogdomain.Service
	events         usagedomain.EventStore
	replicator     *replication.Worker
	signals        *opssignal.Signals
	metrics        *obsmetrics.PipelineMetrics

	mu      sync.Mutex
	lastRun map[string]time.Time
}

type job struct {
	name    string
	enabled bool
	// every gates the job to at most one run per interval. Zero runs it on every tick.
	every time.Duration
	run   func(context.Context) error
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.Policy == nil || p.Locker == nil ||
		p.Watermarks == nil || p.Summaries == nil || p.Reconciliation == nil || p.Invoices == nil || p.Catalog == nil {
		return nil, ErrInvalidConfig
	}
	metrics := p.Metrics
	if metrics == nil {
		metrics = obsmetrics.Pipeline()
	}
	return &Scheduler{
		log:            p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:            p.Config.withDefaults(),
		genID:          p.GenID,
		clock:          p.Clock,
		policy:         p.Policy,
		locker:         p.Locker,
		watermarks:     p.Watermarks,
		summaries:      p.Summaries,
		reconciliation: p.Reconciliation,
		invoices:       p.Invoices,
		catalog:        p.Catalog,
		events:         p.Events,
		replicator:     p.Replicator,
		signals:        p.Signals,
		metrics:        metrics,
		lastRun:        map[string]time.Time{},
	}, nil
}

func (s *Scheduler) jobs() []job {
	policy := s.policy.Get()
	return []job{
		{name: JobCloseBuckets, enabled: true, run: s.CloseBucketsJob},
		{name: JobRecomputeOpen, enabled: true, run: s.RecomputeOpenJob},
		{name: JobSettleReopened, enabled: true, run: s.SettleReopenedJob},
		{name: JobReplicateEvents, enabled: s.replicator != nil, run: s.ReplicateEventsJob},
		{name: JobReconcileCounts, enabled: true, every: policy.CountReconcileInterval, run: s.ReconcileCountsJob},
		{name: JobReconcileSums, enabled: true, every: policy.SumReconcileInterval, run: s.ReconcileSumsJob},
		{name: JobEnsureDrafts, enabled: true, every: draftSweepInterval, run: s.EnsureDraftsJob},
		{name: JobRefreshDrafts, enabled: true, every: policy.RecomputeInterval, run: s.RefreshDraftsJob},
		{name: JobFinalizePeriods, enabled: true, every: policy.RecomputeInterval, run: s.FinalizePeriodsJob},
		{name: JobStuckDrafts, enabled: true, every: draftSweepInterval, run: s.StuckDraftsJob},
		{name: JobPushOpsSignals, enabled: s.signals != nil, every: opsSignalInterval, run: s.PushOpsSignalsJob},
		{name: JobPurgeEvents, enabled: s.events != nil && policy.EventRetention > 0, every: purgeInterval, run: s.PurgeExpiredEventsJob},
		{name: JobDeferLateUsage, enabled: s.events != nil, run: s.DeferLateUsageJob},
	}
}

// runJob runs fn under a per-job lease so only one worker replica executes a
// job at a time. It reports whether fn ran.
func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) (bool, error) {
	lease, ok, err := s.locker.TryLock(parent, "scheduler:"+name, timeout+time.Minute)
	if err != nil {
		return false, fmt.Errorf("%s: %w", name, err)
	}
	if !ok {
		s.metrics.IncBatchDeferred(name, obsmetrics.BatchDeferredReasonLeaseHeld)
		s.log.Debug("job lease held elsewhere", zap.String("job", name))
		return false, nil
	}
	defer func() {
		if releaseErr := lease.Release(context.WithoutCancel(parent)); releaseErr != nil {
			s.log.Warn("release job lease", zap.String("job", name), zap.Error(releaseErr))
		}
	}()

	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx = obscontext.WithActor(ctx, "system", "scheduler")
	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	s.metrics.IncJobRun(name)

	err = fn(ctx)
	s.metrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError("")
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return true, nil
	}

	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		s.metrics.IncJobTimeout(name)
	}
	s.metrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return true, nil
	}

	return true, fmt.Errorf("%s: %w", name, err)
}

// RunOnce runs every enabled job whose interval has elapsed.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error
	for _, j := range s.jobs() {
		if !j.enabled || !s.isJobEnabled(j.name) || !s.isDue(j.name, j.every) {
			continue
		}
		ran, jobErr := s.runJob(parent, j.name, s.cfg.BatchSize, s.cfg.JobTimeout, j.run)
		if ran {
			s.markRun(j.name)
		}
		err = errors.Join(err, jobErr)
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)

	for {
		runLag := s.clock.Now().Sub(nextRun)
		if runLag > 0 {
			s.metrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(strings.TrimSpace(enabled), jobName) {
			return true
		}
	}
	return false
}

func (s *Scheduler) isDue(name string, every time.Duration) bool {
	if every <= 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastRun[name]
	return !ok || s.clock.Now().Sub(last) >= every
}

func (s *Scheduler) markRun(name string) {
	s.mu.Lock()
	s.lastRun[name] = s.clock.Now()
	s.mu.Unlock()
}

// CloseBucketsJob moves buckets past their end into closing and past grace into closed.
func (s *Scheduler) CloseBucketsJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	closing, err := s.watermarks.AdvanceClosing(ctx)
	if err != nil {
		return err
	}
	closed, err := s.watermarks.AdvanceClosed(ctx)
	if err != nil {
		return err
	}
	run.AddProcessed(int(closing + closed))
	s.metrics.AddBatchProcessed(JobCloseBuckets, obsmetrics.LockResourceWatermarks, int(closing+closed))
	return nil
}

// RecomputeOpenJob refreshes dirty summaries of buckets that are still open.
func (s *Scheduler) RecomputeOpenJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	due, err := s.watermarks.DueForRecompute(ctx, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	var jobErr error
	for _, mark := range due {
		_, err := s.summaries.RecomputeWithRetry(ctx, aggregationdomain.RecomputeRequest{
			TenantID:    mark.TenantID,
			EventType:   mark.EventType,
			BucketStart: mark.BucketStart,
			Trigger:     aggregationdomain.TriggerSchedule,
		})
		switch {
		case err == nil:
			run.AddProcessed(1)
		case errors.Is(err, aggregationdomain.ErrRecomputeInFlight):
			s.deferItem(run, obsmetrics.BatchDeferredReasonLeaseHeld)
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
			return errors.Join(jobErr, err)
		default:
			s.logError(ctx, run, "recompute failed", mark.TenantID, err,
				zap.String("event_type", mark.EventType),
				zap.Time("bucket_start", mark.BucketStart),
			)
			jobErr = errors.Join(jobErr, err)
		}
	}
	s.metrics.AddBatchProcessed(JobRecomputeOpen, "usage_summaries", run.processed())
	return jobErr
}

// SettleReopenedJob closes reopened buckets whose late traffic has quieted down.
func (s *Scheduler) SettleReopenedJob(ctx context.Context) error {
	settled, err := s.watermarks.SettleReopened(ctx)
	if err != nil {
		return err
	}
	jobRunFromContext(ctx).AddProcessed(int(settled))
	s.metrics.AddBatchProcessed(JobSettleReopened, obsmetrics.LockResourceWatermarks, int(settled))
	return nil
}

func (s *Scheduler) ReplicateEventsJob(ctx context.Context) error {
	return s.replicator.RunOnce(ctx)
}

// PurgeExpiredEventsJob deletes one batch of raw events past the retention
// window. Events of unsealed periods are never touched.
func (s *Scheduler) PurgeExpiredEventsJob(ctx context.Context) error {
	retention := s.policy.Get().EventRetention
	if retention <= 0 {
		return nil
	}
	purged, err := s.events.PurgeExpired(ctx, s.clock.Now().Add(-retention), s.cfg.BatchSize)
	if err != nil {
		return err
	}
	jobRunFromContext(ctx).AddProcessed(int(purged))
	s.metrics.AddBatchProcessed(JobPurgeEvents, "usage_events", int(purged))
	return nil
}

// DeferLateUsageJob writes the adjustment for late arrivals whose deferral
// failed during ingest, so they do not wait for a redelivery.
func (s *Scheduler) DeferLateUsageJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	pending, err := s.watermarks.PendingLateArrivals(ctx, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, late := range pending {
		fields := []zap.Field{zap.String("event_id", late.EventID.String()), zap.String("invoice_id", late.InvoiceID.String())}
		event, err := s.events.Get(ctx, late.TenantID, late.EventID)
		if err != nil {
			s.logError(ctx, run, "load late event failed", late.TenantID, err, fields...)
			continue
		}
		if err := s.invoices.DeferLateUsage(ctx, *event, late.InvoiceID); err != nil {
			s.logError(ctx, run, "defer late usage failed", late.TenantID, err, fields...)
			continue
		}
		if err := s.watermarks.MarkLateDeferred(ctx, late.EventID); err != nil {
			s.logError(ctx, run, "mark late arrival deferred failed", late.TenantID, err, fields...)
			continue
		}
		run.AddProcessed(1)
	}
	s.metrics.AddBatchProcessed(JobDeferLateUsage, "late_arrivals", run.processed())
	return nil
}

// ReconcileCountsJob compares event counts over the last count interval.
func (s *Scheduler) ReconcileCountsJob(ctx context.Context) error {
	policy := s.policy.Get()
	end := period.BucketStart(s.clock.Now(), policy.BucketSize)
	return s.reconcileWindow(ctx, reconciliationdomain.LevelCount, period.Period{
		Start: end.Add(-policy.CountReconcileInterval),
		End:   end,
	})
}

// ReconcileSumsJob compares quantity sums over the last sum interval.
func (s *Scheduler) ReconcileSumsJob(ctx context.Context) error {
	policy := s.policy.Get()
	end := period.BucketStart(s.clock.Now(), policy.BucketSize)
	return s.reconcileWindow(ctx, reconciliationdomain.LevelSum, period.Period{
		Start: end.Add(-policy.SumReconcileInterval),
		End:   end,
	})
}

func (s *Scheduler) reconcileWindow(ctx context.Context, level reconciliationdomain.Level, window period.Period) error {
	result, err := s.reconciliation.Reconcile(ctx, reconciliationdomain.Scope{Level: level, Period: window})
	if err != nil {
		return err
	}
	jobRunFromContext(ctx).AddProcessed(len(result.Details))
	if result.Status == reconciliationdomain.StatusDrift {
		s.logger(ctx).Warn("reconciliation drift",
			zap.String("level", string(level)),
			zap.String("run_id", result.RunID),
			zap.Int64("delta", result.Delta),
			zap.Bool("within_tolerance", result.WithinTolerance),
		)
	}
	return nil
}

// EnsureDraftsJob opens draft invoices for the current and previous period of
// every active tenant. Existing invoices are left untouched.
func (s *Scheduler) EnsureDraftsJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	cadence := s.policy.Get().BillingPeriod
	current, err := period.BillingPeriod(s.clock.Now(), cadence)
	if err != nil {
		return err
	}
	previous, err := period.BillingPeriod(current.Start.Add(-time.Nanosecond), cadence)
	if err != nil {
		return err
	}

	tenants, err := s.catalog.ActiveTenants(ctx)
	if err != nil {
		return err
	}
	var jobErr error
	for i, tenantID := range tenants {
		if i >= s.cfg.BatchSize {
			s.deferItem(run, "batch_full")
			break
		}
		for _, p := range []period.Period{previous, current} {
			if _, err := s.invoices.EnsureDraft(ctx, tenantID, p); err != nil {
				s.logError(ctx, run, "ensure draft failed", tenantID, err, zap.String("period", p.Key()))
				jobErr = errors.Join(jobErr, err)
				continue
			}
			run.AddProcessed(1)
		}
	}
	s.metrics.AddBatchProcessed(JobEnsureDrafts, obsmetrics.LockResourceInvoice, run.processed())
	return jobErr
}

// RefreshDraftsJob reprices open drafts from the current summaries.
func (s *Scheduler) RefreshDraftsJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	drafts, err := s.invoices.ListDrafts(ctx, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	var jobErr error
	for _, draft := range drafts {
		p := period.Period{Start: draft.PeriodStart, End: draft.PeriodEnd}
		if _, err := s.invoices.RefreshDraft(ctx, draft.TenantID, p); err != nil {
			s.logError(ctx, run, "refresh draft failed", draft.TenantID, err, zap.String("invoice_id", draft.ID.String()))
			jobErr = errors.Join(jobErr, err)
			continue
		}
		run.AddProcessed(1)
	}
	s.metrics.AddBatchProcessed(JobRefreshDrafts, obsmetrics.LockResourceInvoice, run.processed())
	return jobErr
}

// FinalizePeriodsJob runs a full reconciliation for every due draft and then
// attempts to finalize it. Blocked finalizes stay drafts and are retried on
// the next pass.
func (s *Scheduler) FinalizePeriodsJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	due, err := s.invoices.ListDue(ctx, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	var jobErr error
	for _, draft := range due {
		p := period.Period{Start: draft.PeriodStart, End: draft.PeriodEnd}
		log := s.logger(ctx).With(
			zap.String("tenant_id", draft.TenantID),
			zap.String("period", p.Key()),
		)

		result, err := s.reconciliation.Reconcile(ctx, reconciliationdomain.Scope{
			Level:    reconciliationdomain.LevelFull,
			TenantID: draft.TenantID,
			Period:   p,
		})
		if err != nil {
			s.logError(ctx, run, "full reconciliation failed", draft.TenantID, err)
			jobErr = errors.Join(jobErr, err)
			continue
		}

		invoice, err := s.invoices.Finalize(ctx, draft.TenantID, p)
		switch {
		case err == nil:
			run.AddProcessed(1)
			log.Info("period finalized",
				zap.String("invoice_id", invoice.ID.String()),
				zap.String("reconciliation_run_id", result.RunID),
			)
		case errors.Is(err, invoicedomain.ErrFinalizeConflict) || errors.Is(err, reconciliationdomain.ErrReconciliationDrift):
			s.deferItem(run, obsmetrics.ClassifyErrorType(err))
			log.Warn("finalize blocked",
				zap.String("reconciliation_run_id", result.RunID),
				zap.Int64("delta", result.Delta),
				zap.Error(err),
			)
		default:
			s.logError(ctx, run, "finalize failed", draft.TenantID, err, zap.String("period", p.Key()))
			jobErr = errors.Join(jobErr, err)
		}
	}
	s.metrics.AddBatchProcessed(JobFinalizePeriods, obsmetrics.LockResourceInvoice, run.processed())
	return jobErr
}

// StuckDraftsJob surfaces drafts that missed the finalize deadline.
func (s *Scheduler) StuckDraftsJob(ctx context.Context) error {
	stuck, err := s.invoices.ListStuckDrafts(ctx, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	jobRunFromContext(ctx).AddProcessed(len(stuck))
	if len(stuck) > 0 {
		s.logger(ctx).Warn("draft invoices past finalize deadline", zap.Int("count", len(stuck)))
	}
	return nil
}

func (s *Scheduler) PushOpsSignalsJob(ctx context.Context) error {
	return s.signals.Push(ctx)
}
