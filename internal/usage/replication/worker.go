// Package replication copies accepted events from the authoritative store to
// the downstream copies and marks them replicated.
package replication

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterflow/internal/clock"
	"github.com/smallbiznis/meterflow/internal/downstream"
	obsmetrics "github.com/smallbiznis/meterflow/internal/observability/metrics"
	usagedomain "github.com/smallbiznis/meterflow/internal/usage/domain"
	"github.com/smallbiznis/meterflow/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const jobName = "replicate_events"

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Clock   clock.Clock
	Copies  downstream.Copies
	Metrics *obsmetrics.PipelineMetrics `optional:"true"`
	Config  Config                      `optional:"true"`
}

type Worker struct {
	db      *gorm.DB
	log     *zap.Logger
	clock   clock.Clock
	copies  downstream.Copies
	metrics *obsmetrics.PipelineMetrics
	cfg     Config
}

func NewWorker(p Params) *Worker {
	return &Worker{
		db:      p.DB,
		log:     p.Log.Named("usage.replication"),
		clock:   p.Clock,
		copies:  p.Copies,
		metrics: p.Metrics,
		cfg:     p.Config.withDefaults(),
	}
}

func (w *Worker) RunOnce(parentCtx context.Context) error {
	ctx, cancel := context.WithTimeout(parentCtx, w.cfg.RunTimeout)
	defer cancel()

	_, err := w.ReplicatePending(ctx, w.cfg.BatchSize)
	return err
}

// ReplicatePending publishes up to limit unreplicated events to every copy.
// Rows stay locked until all copies accepted them; a failure leaves the whole
// batch pending and copies absorb the redelivery by event ID.
func (w *Worker) ReplicatePending(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = w.cfg.BatchSize
	}
	if len(w.copies) == 0 {
		return 0, nil
	}

	processed := 0
	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		waitStart := time.Now()
		events, err := lockPending(tx, limit)
		if w.metrics != nil {
			w.metrics.ObserveDBLockWait(obsmetrics.LockResourceUnreplicatedEvents, time.Since(waitStart))
		}
		if err != nil {
			return err
		}
		if len(events) == 0 {
			if w.metrics != nil {
				w.metrics.IncBatchDeferred(jobName, obsmetrics.BatchDeferredReasonSkipLockedEmpty)
			}
			return nil
		}

		for _, c := range w.copies {
			if err := c.Publish(ctx, events); err != nil {
				return fmt.Errorf("publish to %s: %w", c.Name(), err)
			}
		}

		ids := make([]snowflake.ID, 0, len(events))
		for _, ev := range events {
			ids = append(ids, ev.ID)
		}
		if err := tx.Model(&usagedomain.UsageEvent{}).
			Where("id IN ?", ids).
			Update("replicated_at", w.clock.Now().UTC()).Error; err != nil {
			return err
		}
		processed = len(events)
		return nil
	})
	if err != nil {
		return 0, err
	}

	if processed > 0 {
		if w.metrics != nil {
			w.metrics.AddBatchProcessed(jobName, obsmetrics.LockResourceUnreplicatedEvents, processed)
		}
		w.log.Debug("replicated events", zap.Int("count", processed), zap.Strings("copies", w.copies.Names()))
	}
	return processed, nil
}

func lockPending(tx *gorm.DB, limit int) ([]usagedomain.UsageEvent, error) {
	stmt := tx.Where("replicated_at IS NULL").Order("id ASC").Limit(limit)
	if db.IsPostgres(tx) {
		stmt = stmt.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}
	var events []usagedomain.UsageEvent
	if err := stmt.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}
