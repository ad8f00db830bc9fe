// Package opssignal publishes pipeline health gauges for operators: drift that
// blocks finalize, drafts past their deadline and the replication backlog.
package opssignal

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/meterflow/internal/clock"
	"github.com/smallbiznis/meterflow/internal/config"
	invoicedomain "github.com/smallbiznis/meterflow/internal/invoice/domain"
	reconciliationdomain "github.com/smallbiznis/meterflow/internal/reconciliation/domain"
	usagedomain "github.com/smallbiznis/meterflow/internal/usage/domain"
	watermarkdomain "github.com/smallbiznis/meterflow/internal/watermark/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// driftWindow bounds how far back blocking reconciliation runs are counted.
const driftWindow = 24 * time.Hour

type Signals struct {
	db       *gorm.DB
	log      *zap.Logger
	clock    clock.Clock
	policy   config.PolicyProvider
	pusher   Pusher
	registry *prometheus.Registry

	blockingDrift *prometheus.GaugeVec
	dueDrafts     prometheus.Gauge
	stuckDrafts   prometheus.Gauge
	unreplicated  prometheus.Gauge
	buckets       *prometheus.GaugeVec
	lastRefresh   prometheus.Gauge
}

func New(db *gorm.DB, log *zap.Logger, clk clock.Clock, policy config.PolicyProvider, pusher Pusher, environment string) *Signals {
	constLabels := prometheus.Labels{"env": environment}
	s := &Signals{
		db:       db,
		log:      log.Named("opssignal"),
		clock:    clk,
		policy:   policy,
		pusher:   pusher,
		registry: prometheus.NewRegistry(),
		blockingDrift: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "meterflow_ops_blocking_drift_runs",
			Help:        "Reconciliation runs in the last day whose drift exceeds tolerance.",
			ConstLabels: constLabels,
		}, []string{"level"}),
		dueDrafts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "meterflow_ops_due_drafts",
			Help:        "Draft invoices past the grace period and not yet finalized.",
			ConstLabels: constLabels,
		}),
		stuckDrafts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "meterflow_ops_stuck_drafts",
			Help:        "Draft invoices past grace plus the finalize deadline.",
			ConstLabels: constLabels,
		}),
		unreplicated: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "meterflow_ops_unreplicated_events",
			Help:        "Stored events not yet shipped to downstream copies.",
			ConstLabels: constLabels,
		}),
		buckets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "meterflow_ops_unsealed_buckets",
			Help:        "Unsealed bucket watermarks by state.",
			ConstLabels: constLabels,
		}, []string{"state"}),
		lastRefresh: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "meterflow_ops_last_refresh_timestamp_seconds",
			Help:        "Unix time of the last successful refresh.",
			ConstLabels: constLabels,
		}),
	}
	s.registry.MustRegister(s.blockingDrift, s.dueDrafts, s.stuckDrafts, s.unreplicated, s.buckets, s.lastRefresh)
	return s
}

func (s *Signals) Registry() *prometheus.Registry {
	if s == nil {
		return nil
	}
	return s.registry
}

// Refresh recomputes every gauge from the primary store.
func (s *Signals) Refresh(ctx context.Context) error {
	if s == nil {
		return nil
	}
	now := s.clock.Now().UTC()
	policy := s.policy.Get()
	db := s.db.WithContext(ctx)

	var drift []struct {
		Level string
		Count int64
	}
	if err := db.Model(&reconciliationdomain.Run{}).
		Select("level, COUNT(*) AS count").
		Where("status = ? AND within_tolerance = ? AND completed_at >= ?", reconciliationdomain.StatusDrift, false, now.Add(-driftWindow)).
		Group("level").
		Scan(&drift).Error; err != nil {
		return err
	}
	s.blockingDrift.Reset()
	for _, level := range []reconciliationdomain.Level{reconciliationdomain.LevelCount, reconciliationdomain.LevelSum, reconciliationdomain.LevelFull} {
		s.blockingDrift.WithLabelValues(string(level)).Set(0)
	}
	for _, row := range drift {
		s.blockingDrift.WithLabelValues(row.Level).Set(float64(row.Count))
	}

	due, err := s.countDrafts(db, now.Add(-policy.GracePeriod))
	if err != nil {
		return err
	}
	s.dueDrafts.Set(float64(due))

	stuck, err := s.countDrafts(db, now.Add(-policy.GracePeriod-policy.FinalizeDeadline))
	if err != nil {
		return err
	}
	s.stuckDrafts.Set(float64(stuck))

	var backlog int64
	if err := db.Model(&usagedomain.UsageEvent{}).Where("replicated_at IS NULL").Count(&backlog).Error; err != nil {
		return err
	}
	s.unreplicated.Set(float64(backlog))

	var states []struct {
		State string
		Count int64
	}
	if err := db.Model(&watermarkdomain.Watermark{}).
		Select("state, COUNT(*) AS count").
		Where("sealed_at IS NULL").
		Group("state").
		Scan(&states).Error; err != nil {
		return err
	}
	s.buckets.Reset()
	for _, row := range states {
		s.buckets.WithLabelValues(row.State).Set(float64(row.Count))
	}

	s.lastRefresh.Set(float64(now.Unix()))
	if stuck > 0 {
		s.log.Warn("stuck draft invoices", zap.Int64("count", stuck))
	}
	return nil
}

// Push refreshes the gauges and ships them. Without a pusher it only refreshes.
func (s *Signals) Push(ctx context.Context) error {
	if s == nil {
		return nil
	}
	if err := s.Refresh(ctx); err != nil {
		return err
	}
	if s.pusher == nil {
		return nil
	}
	return s.pusher.Push(ctx, s.registry)
}

func (s *Signals) countDrafts(db *gorm.DB, periodEndBefore time.Time) (int64, error) {
	var n int64
	err := db.Model(&invoicedomain.Invoice{}).
		Where("status = ? AND period_end <= ?", invoicedomain.InvoiceStatusDraft, periodEndBefore).
		Count(&n).Error
	return n, err
}
