package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	aggregationdomain "github.com/smallbiznis/meterflow/internal/aggregation/domain"
	"github.com/smallbiznis/meterflow/internal/clock"
	"github.com/smallbiznis/meterflow/internal/config"
	"github.com/smallbiznis/meterflow/internal/lock"
	obsmetrics "github.com/smallbiznis/meterflow/internal/observability/metrics"
	"github.com/smallbiznis/meterflow/internal/period"
	usagedomain "github.com/smallbiznis/meterflow/internal/usage/domain"
	watermarkdomain "github.com/smallbiznis/meterflow/internal/watermark/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Recomputer rebuilds a bucket summary from raw events.
type Recomputer interface {
	Recompute(ctx context.Context, req aggregationdomain.RecomputeRequest) (aggregationdomain.UsageSummary, error)
}

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	Policy     config.PolicyProvider
	Recomputer aggregationdomain.Service
	Metrics    *obsmetrics.PipelineMetrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	clock      clock.Clock
	policy     config.PolicyProvider
	recomputer Recomputer
	metrics    *obsmetrics.PipelineMetrics
}

func NewService(p Params) *Service {
	return New(p.DB, p.Log, p.Clock, p.Policy, p.Recomputer, p.Metrics)
}

func New(db *gorm.DB, log *zap.Logger, clk clock.Clock, policy config.PolicyProvider, recomputer Recomputer, metrics *obsmetrics.PipelineMetrics) *Service {
	return &Service{
		db:         db,
		log:        log.Named("watermark.service"),
		clock:      clk,
		policy:     policy,
		recomputer: recomputer,
		metrics:    metrics,
	}
}

// ObserveEvent records a stored event against its bucket. It must run after the
// event is committed. A closed bucket is reopened and recomputed at once; a
// bucket in a finalized period is never reopened and the event is reported as a
// late arrival.
func (s *Service) ObserveEvent(ctx context.Context, event usagedomain.UsageEvent) (watermarkdomain.Observation, error) {
	policy := s.policy.Get()
	bucket := period.Bucket(event.OccurredAt, policy.BucketSize)
	billing, err := period.BillingPeriod(event.OccurredAt, policy.BillingPeriod)
	if err != nil {
		return watermarkdomain.Observation{}, err
	}

	obs := watermarkdomain.Observation{
		Kind:        watermarkdomain.ObservationRecorded,
		BucketStart: bucket.Start,
		Period:      billing,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Shared with other observers, exclusive against Finalize of the period.
		if err := lock.AdvisoryXactLockShared(tx, lock.PeriodKey(event.TenantID, billing.Start)); err != nil {
			return err
		}

		seal, err := findSeal(tx, event.TenantID, billing.Start)
		if err != nil {
			return err
		}
		if seal != nil {
			obs.Kind = watermarkdomain.ObservationLateArrival
			obs.SealedInvoiceID = seal.InvoiceID
			return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&watermarkdomain.LateArrival{
				EventID:     event.ID,
				TenantID:    event.TenantID,
				PeriodStart: billing.Start,
				InvoiceID:   seal.InvoiceID,
				ObservedAt:  s.clock.Now(),
			}).Error
		}

		now := s.clock.Now()
		initial := watermarkdomain.StateOpen
		if !now.Before(bucket.End) {
			initial = watermarkdomain.StateClosing
		}
		row := watermarkdomain.Watermark{
			TenantID:    event.TenantID,
			EventType:   event.EventType,
			BucketStart: bucket.Start,
			BucketEnd:   bucket.End,
			State:       initial,
			LastEventAt: now,
			UpdatedAt:   now,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "tenant_id"}, {Name: "event_type"}, {Name: "bucket_start"}},
			DoUpdates: clause.Set{
				{Column: clause.Column{Name: "last_event_at"}, Value: gorm.Expr(
					"CASE WHEN bucket_watermarks.last_event_at < excluded.last_event_at THEN excluded.last_event_at ELSE bucket_watermarks.last_event_at END",
				)},
				{Column: clause.Column{Name: "updated_at"}, Value: gorm.Expr("excluded.updated_at")},
			},
		}).Create(&row).Error; err != nil {
			return err
		}

		res := tx.Model(&watermarkdomain.Watermark{}).
			Where("tenant_id = ? AND event_type = ? AND bucket_start = ?", event.TenantID, event.EventType, bucket.Start).
			Where("state = ? AND sealed_at IS NULL", watermarkdomain.StateClosed).
			Updates(map[string]any{
				"state":        watermarkdomain.StateReopened,
				"reopen_count": gorm.Expr("reopen_count + 1"),
				"reopened_at":  now,
				"updated_at":   now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			obs.Kind = watermarkdomain.ObservationReopened
		}
		return nil
	})
	if err != nil {
		return watermarkdomain.Observation{}, err
	}

	switch obs.Kind {
	case watermarkdomain.ObservationLateArrival:
		s.log.Info("late arrival in finalized period",
			zap.String("tenant_id", event.TenantID),
			zap.String("event_type", event.EventType),
			zap.String("event_id", event.ID.String()),
			zap.String("invoice_id", obs.SealedInvoiceID.String()),
		)
	case watermarkdomain.ObservationReopened:
		s.incTransition(watermarkdomain.StateClosed, watermarkdomain.StateReopened, 1)
		s.log.Info("bucket reopened by late event",
			zap.String("tenant_id", event.TenantID),
			zap.String("event_type", event.EventType),
			zap.Time("bucket_start", bucket.Start),
			zap.String("event_id", event.ID.String()),
		)
		_, err := s.recomputer.Recompute(ctx, aggregationdomain.RecomputeRequest{
			TenantID:    event.TenantID,
			EventType:   event.EventType,
			BucketStart: bucket.Start,
			Trigger:     aggregationdomain.TriggerLate,
		})
		if err != nil {
			// The bucket stays reopened and dirty; the scheduler picks it up.
			s.log.Warn("recompute after reopen deferred",
				zap.String("tenant_id", event.TenantID),
				zap.String("event_type", event.EventType),
				zap.Time("bucket_start", bucket.Start),
				zap.Error(err),
			)
		} else {
			obs.Recomputed = true
		}
	}
	return obs, nil
}

// ObserveReplay observes a redelivered event whose first observation may have
// been lost. It reports false when the bucket already reflects the event. In a
// sealed period it reports the event again only while its late arrival is
// still waiting to be deferred.
func (s *Service) ObserveReplay(ctx context.Context, event usagedomain.UsageEvent) (watermarkdomain.Observation, bool, error) {
	policy := s.policy.Get()
	bucket := period.Bucket(event.OccurredAt, policy.BucketSize)

	var row watermarkdomain.Watermark
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND event_type = ? AND bucket_start = ?", event.TenantID, event.EventType, bucket.Start).
		First(&row).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
	case err != nil:
		return watermarkdomain.Observation{}, false, err
	case row.Sealed():
		return s.pendingLate(ctx, event, bucket.Start)
	case !row.LastEventAt.Before(event.ReceivedAt):
		return watermarkdomain.Observation{}, false, nil
	}

	seal, err := s.Seal(ctx, event.TenantID, event.OccurredAt)
	if err != nil {
		return watermarkdomain.Observation{}, false, err
	}
	if seal != nil {
		return s.pendingLate(ctx, event, bucket.Start)
	}
	obs, err := s.ObserveEvent(ctx, event)
	return obs, err == nil, err
}

// pendingLate replays a late arrival whose deferral has not completed. Events
// without a late arrival row were part of the sealed invoice.
func (s *Service) pendingLate(ctx context.Context, event usagedomain.UsageEvent, bucketStart time.Time) (watermarkdomain.Observation, bool, error) {
	var late watermarkdomain.LateArrival
	err := s.db.WithContext(ctx).
		Where("event_id = ? AND deferred_at IS NULL", event.ID).
		First(&late).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return watermarkdomain.Observation{}, false, nil
	}
	if err != nil {
		return watermarkdomain.Observation{}, false, err
	}
	billing, err := period.BillingPeriod(event.OccurredAt, s.policy.Get().BillingPeriod)
	if err != nil {
		return watermarkdomain.Observation{}, false, err
	}
	return watermarkdomain.Observation{
		Kind:            watermarkdomain.ObservationLateArrival,
		BucketStart:     bucketStart,
		Period:          billing,
		SealedInvoiceID: late.InvoiceID,
	}, true, nil
}

// PendingLateArrivals returns late arrivals whose adjustment is not yet
// written, oldest first.
func (s *Service) PendingLateArrivals(ctx context.Context, limit int) ([]watermarkdomain.LateArrival, error) {
	var rows []watermarkdomain.LateArrival
	err := s.db.WithContext(ctx).
		Where("deferred_at IS NULL").
		Order("observed_at ASC, event_id ASC").
		Limit(normalizeLimit(limit)).
		Find(&rows).Error
	return rows, err
}

// MarkLateDeferred closes a late arrival once its adjustment exists.
func (s *Service) MarkLateDeferred(ctx context.Context, eventID snowflake.ID) error {
	return s.db.WithContext(ctx).Model(&watermarkdomain.LateArrival{}).
		Where("event_id = ? AND deferred_at IS NULL", eventID).
		Update("deferred_at", s.clock.Now()).Error
}

// AdvanceClosing moves open buckets whose end has passed to closing.
func (s *Service) AdvanceClosing(ctx context.Context) (int64, error) {
	now := s.clock.Now()
	res := s.db.WithContext(ctx).Model(&watermarkdomain.Watermark{}).
		Where("state = ? AND bucket_end <= ?", watermarkdomain.StateOpen, now).
		Updates(map[string]any{"state": watermarkdomain.StateClosing, "updated_at": now})
	if res.Error != nil {
		return 0, res.Error
	}
	s.incTransition(watermarkdomain.StateOpen, watermarkdomain.StateClosing, int(res.RowsAffected))
	return res.RowsAffected, nil
}

// AdvanceClosed closes buckets that saw no new events for the grace period
// after their end.
func (s *Service) AdvanceClosed(ctx context.Context) (int64, error) {
	now := s.clock.Now()
	cutoff := now.Add(-s.policy.Get().GracePeriod)
	res := s.db.WithContext(ctx).Model(&watermarkdomain.Watermark{}).
		Where("state = ? AND bucket_end <= ? AND last_event_at <= ?", watermarkdomain.StateClosing, cutoff, cutoff).
		Updates(map[string]any{"state": watermarkdomain.StateClosed, "closed_at": now, "updated_at": now})
	if res.Error != nil {
		return 0, res.Error
	}
	s.incTransition(watermarkdomain.StateClosing, watermarkdomain.StateClosed, int(res.RowsAffected))
	return res.RowsAffected, nil
}

// SettleReopened closes reopened buckets once their summary covers the newest
// event and no further event arrived for the settle interval.
func (s *Service) SettleReopened(ctx context.Context) (int64, error) {
	now := s.clock.Now()
	cutoff := now.Add(-s.policy.Get().ReopenSettle)
	res := s.db.WithContext(ctx).Model(&watermarkdomain.Watermark{}).
		Where("state = ? AND last_event_at <= ?", watermarkdomain.StateReopened, cutoff).
		Where(`EXISTS (
			SELECT 1 FROM usage_summaries s
			WHERE s.tenant_id = bucket_watermarks.tenant_id
			  AND s.event_type = bucket_watermarks.event_type
			  AND s.bucket_start = bucket_watermarks.bucket_start
			  AND s.computed_at >= bucket_watermarks.last_event_at
		)`).
		Updates(map[string]any{"state": watermarkdomain.StateClosed, "closed_at": now, "updated_at": now})
	if res.Error != nil {
		return 0, res.Error
	}
	s.incTransition(watermarkdomain.StateReopened, watermarkdomain.StateClosed, int(res.RowsAffected))
	return res.RowsAffected, nil
}

// SealPeriod permanently closes every bucket of the period. It runs inside the
// finalize transaction.
func (s *Service) SealPeriod(ctx context.Context, tx *gorm.DB, tenantID string, p period.Period, invoiceID snowflake.ID) (int64, error) {
	now := s.clock.Now()
	tx = tx.WithContext(ctx)
	seal := watermarkdomain.PeriodSeal{
		TenantID:    tenantID,
		PeriodStart: p.Start,
		PeriodEnd:   p.End,
		InvoiceID:   invoiceID,
		SealedAt:    now,
	}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seal).Error; err != nil {
		return 0, err
	}
	res := tx.Model(&watermarkdomain.Watermark{}).
		Where("tenant_id = ? AND bucket_start >= ? AND bucket_start < ? AND sealed_at IS NULL", tenantID, p.Start, p.End).
		Updates(map[string]any{
			"state":      watermarkdomain.StateClosed,
			"sealed_at":  now,
			"closed_at":  gorm.Expr("COALESCE(closed_at, ?)", now),
			"updated_at": now,
		})
	return res.RowsAffected, res.Error
}

// PeriodStatus reads the period's watermarks through tx when given, so the
// finalize transaction sees a consistent view.
func (s *Service) PeriodStatus(ctx context.Context, tx *gorm.DB, tenantID string, p period.Period) (watermarkdomain.PeriodStatus, error) {
	if tx == nil {
		tx = s.db
	}
	tx = tx.WithContext(ctx)

	var rows []watermarkdomain.Watermark
	if err := tx.Where("tenant_id = ? AND bucket_start >= ? AND bucket_start < ?", tenantID, p.Start, p.End).
		Order("bucket_start ASC, event_type ASC").
		Find(&rows).Error; err != nil {
		return watermarkdomain.PeriodStatus{}, err
	}

	var dirty []watermarkdomain.Watermark
	if err := dirtyQuery(tx).
		Where("w.tenant_id = ? AND w.bucket_start >= ? AND w.bucket_start < ?", tenantID, p.Start, p.End).
		Find(&dirty).Error; err != nil {
		return watermarkdomain.PeriodStatus{}, err
	}

	seal, err := findSeal(tx, tenantID, p.Start)
	if err != nil {
		return watermarkdomain.PeriodStatus{}, err
	}

	status := watermarkdomain.PeriodStatus{
		Total:   len(rows),
		ByState: make(map[watermarkdomain.State]int),
		Dirty:   len(dirty),
		Sealed:  seal != nil,
	}
	for _, row := range rows {
		status.ByState[row.State]++
		if row.LastEventAt.After(status.LastEventAt) {
			status.LastEventAt = row.LastEventAt
		}
		if row.State != watermarkdomain.StateClosed {
			status.Blocking = append(status.Blocking, row)
		}
	}
	return status, nil
}

// DirtyBuckets lists unsealed buckets whose summary predates their newest event.
func (s *Service) DirtyBuckets(ctx context.Context, limit int) ([]watermarkdomain.Watermark, error) {
	var rows []watermarkdomain.Watermark
	err := dirtyQuery(s.db.WithContext(ctx)).
		Where("w.sealed_at IS NULL").
		Order("w.last_event_at ASC").
		Limit(normalizeLimit(limit)).
		Find(&rows).Error
	return rows, err
}

// DueForRecompute lists dirty buckets plus buckets still receiving events whose
// summary is older than the recompute interval.
func (s *Service) DueForRecompute(ctx context.Context, limit int) ([]watermarkdomain.Watermark, error) {
	stale := s.clock.Now().Add(-s.policy.Get().RecomputeInterval)
	var rows []watermarkdomain.Watermark
	err := s.db.WithContext(ctx).
		Table("bucket_watermarks AS w").
		Select("w.*").
		Joins(`LEFT JOIN usage_summaries s
			ON s.tenant_id = w.tenant_id AND s.event_type = w.event_type AND s.bucket_start = w.bucket_start`).
		Where("w.sealed_at IS NULL").
		Where(`(s.computed_at IS NULL OR s.computed_at < w.last_event_at
			OR (w.state IN ? AND s.computed_at <= ?))`,
			[]watermarkdomain.State{watermarkdomain.StateOpen, watermarkdomain.StateClosing, watermarkdomain.StateReopened}, stale).
		Order("w.bucket_start ASC").
		Limit(normalizeLimit(limit)).
		Find(&rows).Error
	return rows, err
}

// Seal returns the seal of the billing period containing at, or nil.
func (s *Service) Seal(ctx context.Context, tenantID string, at time.Time) (*watermarkdomain.PeriodSeal, error) {
	billing, err := period.BillingPeriod(at, s.policy.Get().BillingPeriod)
	if err != nil {
		return nil, err
	}
	return findSeal(s.db.WithContext(ctx), tenantID, billing.Start)
}

func (s *Service) List(ctx context.Context, req watermarkdomain.ListRequest) ([]watermarkdomain.Watermark, error) {
	stmt := s.db.WithContext(ctx).Where("tenant_id = ?", strings.TrimSpace(req.TenantID))
	if req.EventType != "" {
		stmt = stmt.Where("event_type = ?", req.EventType)
	}
	if req.State != "" {
		stmt = stmt.Where("state = ?", req.State)
	}
	if !req.Start.IsZero() {
		stmt = stmt.Where("bucket_start >= ?", req.Start)
	}
	if !req.End.IsZero() {
		stmt = stmt.Where("bucket_start < ?", req.End)
	}
	var rows []watermarkdomain.Watermark
	err := stmt.Order("bucket_start ASC, event_type ASC").Limit(normalizeLimit(req.Limit)).Find(&rows).Error
	return rows, err
}

func dirtyQuery(tx *gorm.DB) *gorm.DB {
	return tx.Table("bucket_watermarks AS w").
		Select("w.*").
		Joins(`LEFT JOIN usage_summaries s
			ON s.tenant_id = w.tenant_id AND s.event_type = w.event_type AND s.bucket_start = w.bucket_start`).
		Where("(s.computed_at IS NULL OR s.computed_at < w.last_event_at)")
}

func findSeal(tx *gorm.DB, tenantID string, periodStart time.Time) (*watermarkdomain.PeriodSeal, error) {
	var seal watermarkdomain.PeriodSeal
	err := tx.Where("tenant_id = ? AND period_start = ?", tenantID, periodStart.UTC()).First(&seal).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &seal, nil
}

func (s *Service) incTransition(from, to watermarkdomain.State, n int) {
	if s.metrics != nil && n > 0 {
		s.metrics.IncBucketTransition(string(from), string(to), n)
	}
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 1000
	}
	return limit
}
