package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	aggregationdomain "github.com/smallbiznis/meterflow/internal/aggregation/domain"
	"github.com/smallbiznis/meterflow/internal/clock"
	"github.com/smallbiznis/meterflow/internal/config"
	"github.com/smallbiznis/meterflow/internal/lock"
	obsmetrics "github.com/smallbiznis/meterflow/internal/observability/metrics"
	"github.com/smallbiznis/meterflow/internal/period"
	usagedomain "github.com/smallbiznis/meterflow/internal/usage/domain"
	watermarkdomain "github.com/smallbiznis/meterflow/internal/watermark/domain"
	"github.com/smallbiznis/meterflow/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	recomputeLeaseTTL = 2 * time.Minute
	maxRecomputeTries = 5
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	Policy     config.PolicyProvider
	Events     usagedomain.EventStore
	Locker     lock.Locker
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	clock      clock.Clock
	policy     config.PolicyProvider
	events     usagedomain.EventStore
	locker     lock.Locker
	obsMetrics *obsmetrics.Metrics

	retryInitial time.Duration
}

func NewService(p Params) *Service {
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("aggregation.service"),
		clock:        p.Clock,
		policy:       p.Policy,
		events:       p.Events,
		locker:       p.Locker,
		obsMetrics:   p.ObsMetrics,
		retryInitial: 200 * time.Millisecond,
	}
}

// Recompute rebuilds one bucket's summary from the event store and writes it
// with a single upsert that replaces every value column. Nothing is written if
// the scan fails or ctx is cancelled, so the previous summary stays in place.
// Buckets of a finalized billing period are frozen and return ErrBucketSealed.
func (s *Service) Recompute(ctx context.Context, req aggregationdomain.RecomputeRequest) (aggregationdomain.UsageSummary, error) {
	tenantID := strings.TrimSpace(req.TenantID)
	eventType := strings.TrimSpace(req.EventType)
	if tenantID == "" || eventType == "" || req.BucketStart.IsZero() {
		return aggregationdomain.UsageSummary{}, aggregationdomain.ErrInvalidBucket
	}
	policy := s.policy.Get()
	bucket := period.Bucket(req.BucketStart, policy.BucketSize)
	if !bucket.Start.Equal(req.BucketStart.UTC()) {
		return aggregationdomain.UsageSummary{}, aggregationdomain.ErrInvalidBucket
	}
	billing, err := period.BillingPeriod(bucket.Start, policy.BillingPeriod)
	if err != nil {
		return aggregationdomain.UsageSummary{}, err
	}
	trigger := req.Trigger
	if trigger == "" {
		trigger = aggregationdomain.TriggerManual
	}
	if err := checkUnsealed(s.db.WithContext(ctx), tenantID, billing.Start); err != nil {
		if errors.Is(err, aggregationdomain.ErrBucketSealed) {
			s.record(ctx, trigger, "sealed", 0)
		}
		return aggregationdomain.UsageSummary{}, err
	}

	lease, ok, err := s.locker.TryLock(ctx, recomputeKey(tenantID, eventType, bucket.Start), recomputeLeaseTTL)
	if err != nil {
		return aggregationdomain.UsageSummary{}, err
	}
	if !ok {
		s.record(ctx, trigger, "in_flight", 0)
		return aggregationdomain.UsageSummary{}, aggregationdomain.ErrRecomputeInFlight
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.log.Warn("failed to release recompute lease", zap.Error(err))
		}
	}()

	// computed_at is taken before the scan: every event committed before this
	// instant is visible to the scan below.
	started := s.clock.Now()
	computedAt := started

	summary := aggregationdomain.UsageSummary{
		TenantID:    tenantID,
		EventType:   eventType,
		BucketStart: bucket.Start,
		BucketEnd:   bucket.End,
		ComputedAt:  computedAt,
	}

	it := s.events.EventsInRange(usagedomain.RangeQuery{
		TenantID:  tenantID,
		EventType: eventType,
		Start:     bucket.Start,
		End:       bucket.End,
	})
	for it.Next(ctx) {
		summary.TotalQuantity += it.Event().Quantity
		summary.EventCount++
	}
	if err := it.Err(); err != nil {
		s.record(ctx, trigger, "error", time.Since(started))
		return aggregationdomain.UsageSummary{}, err
	}

	// The shared period lock orders this write against finalize, which seals
	// the period under the exclusive lock.
	var written int64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lock.AdvisoryXactLockShared(tx, lock.PeriodKey(tenantID, billing.Start)); err != nil {
			return err
		}
		if err := checkUnsealed(tx, tenantID, billing.Start); err != nil {
			return err
		}
		res := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "tenant_id"}, {Name: "event_type"}, {Name: "bucket_start"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"bucket_end", "total_quantity", "event_count", "computed_at",
			}),
			Where: clause.Where{Exprs: []clause.Expression{
				clause.Expr{SQL: "usage_summaries.computed_at <= excluded.computed_at"},
			}},
		}).Create(&summary)
		written = res.RowsAffected
		return res.Error
	})
	if errors.Is(err, aggregationdomain.ErrBucketSealed) {
		s.record(ctx, trigger, "sealed", time.Since(started))
		return aggregationdomain.UsageSummary{}, err
	}
	if err != nil {
		s.record(ctx, trigger, "error", time.Since(started))
		return aggregationdomain.UsageSummary{}, err
	}
	if written == 0 {
		// A newer recompute already landed; report what is stored.
		stored, err := s.Get(ctx, tenantID, eventType, bucket.Start)
		if err != nil {
			return aggregationdomain.UsageSummary{}, err
		}
		s.record(ctx, trigger, "superseded", time.Since(started))
		return *stored, nil
	}

	s.record(ctx, trigger, "ok", time.Since(started))
	s.log.Debug("bucket recomputed",
		zap.String("tenant_id", tenantID),
		zap.String("event_type", eventType),
		zap.Time("bucket_start", bucket.Start),
		zap.Int64("total_quantity", summary.TotalQuantity),
		zap.Int64("event_count", summary.EventCount),
		zap.String("trigger", string(trigger)),
	)
	return summary, nil
}

// RecomputeWithRetry retries transient storage errors with exponential backoff.
// A recompute already in flight elsewhere is not retried.
func (s *Service) RecomputeWithRetry(ctx context.Context, req aggregationdomain.RecomputeRequest) (aggregationdomain.UsageSummary, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.retryInitial
	policy.MaxInterval = 5 * time.Second

	return backoff.Retry(ctx, func() (aggregationdomain.UsageSummary, error) {
		summary, err := s.Recompute(ctx, req)
		if err == nil {
			return summary, nil
		}
		if db.IsTransient(err) {
			s.log.Warn("transient recompute failure, retrying",
				zap.String("tenant_id", req.TenantID),
				zap.String("event_type", req.EventType),
				zap.Time("bucket_start", req.BucketStart),
				zap.Error(err),
			)
			return summary, err
		}
		return summary, backoff.Permanent(err)
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(maxRecomputeTries),
	)
}

func (s *Service) Get(ctx context.Context, tenantID, eventType string, bucketStart time.Time) (*aggregationdomain.UsageSummary, error) {
	var row aggregationdomain.UsageSummary
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND event_type = ? AND bucket_start = ?", tenantID, eventType, bucketStart.UTC()).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, aggregationdomain.ErrSummaryNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *Service) ListForPeriod(ctx context.Context, tenantID string, p period.Period) ([]aggregationdomain.UsageSummary, error) {
	var rows []aggregationdomain.UsageSummary
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND bucket_start >= ? AND bucket_start < ?", tenantID, p.Start, p.End).
		Order("event_type ASC, bucket_start ASC").
		Find(&rows).Error
	return rows, err
}

func (s *Service) PeriodTotals(ctx context.Context, tx *gorm.DB, tenantID string, p period.Period) ([]aggregationdomain.PeriodTotal, error) {
	if tx == nil {
		tx = s.db
	}
	var rows []aggregationdomain.PeriodTotal
	err := tx.WithContext(ctx).Model(&aggregationdomain.UsageSummary{}).
		Select("event_type, COALESCE(SUM(total_quantity), 0) AS total_quantity, COALESCE(SUM(event_count), 0) AS event_count").
		Where("tenant_id = ? AND bucket_start >= ? AND bucket_start < ?", tenantID, p.Start, p.End).
		Group("event_type").
		Order("event_type ASC").
		Scan(&rows).Error
	return rows, err
}

func (s *Service) record(ctx context.Context, trigger aggregationdomain.Trigger, outcome string, took time.Duration) {
	if s.obsMetrics != nil {
		s.obsMetrics.RecordRecompute(ctx, string(trigger), outcome, took)
	}
}

func checkUnsealed(tx *gorm.DB, tenantID string, periodStart time.Time) error {
	var sealed int64
	err := tx.Model(&watermarkdomain.PeriodSeal{}).
		Where("tenant_id = ? AND period_start = ?", tenantID, periodStart.UTC()).
		Count(&sealed).Error
	if err != nil {
		return err
	}
	if sealed > 0 {
		return aggregationdomain.ErrBucketSealed
	}
	return nil
}

func recomputeKey(tenantID, eventType string, bucketStart time.Time) string {
	return "recompute:" + tenantID + ":" + eventType + ":" + bucketStart.UTC().Format(time.RFC3339)
}
