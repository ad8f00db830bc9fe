package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	aggregationdomain "github.com/smallbiznis/meterflow/internal/aggregation/domain"
	auditdomain "github.com/smallbiznis/meterflow/internal/audit/domain"
	"github.com/smallbiznis/meterflow/internal/clock"
	"github.com/smallbiznis/meterflow/internal/config"
	"github.com/smallbiznis/meterflow/internal/downstream"
	obsmetrics "github.com/smallbiznis/meterflow/internal/observability/metrics"
	"github.com/smallbiznis/meterflow/internal/period"
	reconciliationdomain "github.com/smallbiznis/meterflow/internal/reconciliation/domain"
	usagedomain "github.com/smallbiznis/meterflow/internal/usage/domain"
	"github.com/smallbiznis/meterflow/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var bpsDivisor = decimal.NewFromInt(10000)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Clock     clock.Clock
	Policy    config.PolicyProvider
	Events    usagedomain.EventStore
	Summaries aggregationdomain.Service
	Copies    downstream.Copies
	AuditSvc  auditdomain.Service         `optional:"true"`
	Metrics   *obsmetrics.PipelineMetrics `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	clock     clock.Clock
	policy    config.PolicyProvider
	events    usagedomain.EventStore
	summaries aggregationdomain.Service
	copies    downstream.Copies
	auditSvc  auditdomain.Service
	metrics   *obsmetrics.PipelineMetrics
}

func NewService(p Params) *Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("reconciliation.service"),
		clock:     p.Clock,
		policy:    p.Policy,
		events:    p.Events,
		summaries: p.Summaries,
		copies:    p.Copies,
		auditSvc:  p.AuditSvc,
		metrics:   p.Metrics,
	}
}

// Reconcile compares the authoritative store with its copies over the scope
// and persists the outcome. It reads only; the run row is its single write.
func (s *Service) Reconcile(ctx context.Context, scope reconciliationdomain.Scope) (reconciliationdomain.Result, error) {
	scope.TenantID = strings.TrimSpace(scope.TenantID)
	scope.EventType = strings.TrimSpace(scope.EventType)
	if err := validateScope(scope); err != nil {
		return reconciliationdomain.Result{}, err
	}

	startedAt := s.clock.Now().UTC()
	query := usagedomain.TotalsQuery{
		TenantID:  scope.TenantID,
		EventType: scope.EventType,
		Start:     scope.Period.Start.UTC(),
		End:       scope.Period.End.UTC(),
	}

	// Count and sum runs skip unreplicated events; full runs count everything.
	storeQuery := query
	storeQuery.ReplicatedOnly = scope.Level != reconciliationdomain.LevelFull
	authoritative, err := s.events.Totals(ctx, storeQuery)
	if err != nil {
		return reconciliationdomain.Result{}, fmt.Errorf("store totals: %w", err)
	}

	tolerance := decimal.NewFromFloat(s.policy.Get().DriftToleranceBPS).Div(bpsDivisor)
	var details []reconciliationdomain.Detail
	for _, c := range s.copies {
		copyTotals, err := c.Totals(ctx, query)
		if err != nil {
			return reconciliationdomain.Result{}, fmt.Errorf("%s totals: %w", c.Name(), err)
		}
		details = append(details, compare(c.Name(), scope.Level, tolerance, authoritative, copyTotals)...)
	}

	if scope.Level == reconciliationdomain.LevelFull {
		summaryTotals, err := s.summaryTotals(ctx, scope)
		if err != nil {
			return reconciliationdomain.Result{}, fmt.Errorf("summary totals: %w", err)
		}
		details = append(details, compare(reconciliationdomain.TargetSummaries, scope.Level, tolerance, authoritative, summaryTotals)...)
	}

	if err := ctx.Err(); err != nil {
		return reconciliationdomain.Result{}, err
	}

	result := evaluate(details)
	completedAt := s.clock.Now().UTC()
	run := reconciliationdomain.Run{
		ID:              ulid.MustNew(ulid.Timestamp(completedAt), ulid.DefaultEntropy()).String(),
		Level:           scope.Level,
		TenantID:        scope.TenantID,
		EventType:       scope.EventType,
		PeriodStart:     query.Start,
		PeriodEnd:       query.End,
		Status:          result.Status,
		Delta:           result.Delta,
		CountDelta:      result.CountDelta,
		WithinTolerance: result.WithinTolerance,
		Details:         datatypes.NewJSONType(result.Details),
		StartedAt:       startedAt,
		CompletedAt:     completedAt,
	}
	if err := s.db.WithContext(ctx).Create(&run).Error; err != nil {
		return reconciliationdomain.Result{}, err
	}
	result.RunID = run.ID

	s.report(ctx, run, result)
	return result, nil
}

func (s *Service) LatestFull(ctx context.Context, tx *gorm.DB, tenantID string, p period.Period) (*reconciliationdomain.Run, error) {
	if tx == nil {
		tx = s.db
	}
	var run reconciliationdomain.Run
	err := tx.WithContext(ctx).
		Where("tenant_id = ? AND level = ? AND period_start = ? AND period_end = ?",
			strings.TrimSpace(tenantID), reconciliationdomain.LevelFull, p.Start.UTC(), p.End.UTC()).
		Order("completed_at DESC, id DESC").
		First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, reconciliationdomain.ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *Service) ListRuns(ctx context.Context, req reconciliationdomain.ListRunsRequest) (reconciliationdomain.ListRunsResponse, error) {
	limit := req.Limit()
	stmt := s.db.WithContext(ctx).Model(&reconciliationdomain.Run{})
	if tenantID := strings.TrimSpace(req.TenantID); tenantID != "" {
		stmt = stmt.Where("tenant_id = ?", tenantID)
	}
	if req.Level != "" {
		stmt = stmt.Where("level = ?", req.Level)
	}
	if req.Status != "" {
		stmt = stmt.Where("status = ?", req.Status)
	}
	if req.PageToken != "" {
		cursor, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return reconciliationdomain.ListRunsResponse{}, err
		}
		at, err := time.Parse(time.RFC3339Nano, cursor.At)
		if err != nil || cursor.ID == "" {
			return reconciliationdomain.ListRunsResponse{}, pagination.ErrInvalidPageToken
		}
		stmt = stmt.Where("(completed_at < ? OR (completed_at = ? AND id < ?))", at, at, cursor.ID)
	}

	var runs []reconciliationdomain.Run
	if err := stmt.Order("completed_at DESC, id DESC").Limit(limit + 1).Find(&runs).Error; err != nil {
		return reconciliationdomain.ListRunsResponse{}, err
	}
	runs, pageInfo := pagination.Trim(runs, limit, func(r reconciliationdomain.Run) pagination.Cursor {
		return pagination.Cursor{ID: r.ID, At: r.CompletedAt.UTC().Format(time.RFC3339Nano)}
	})
	return reconciliationdomain.ListRunsResponse{PageInfo: pageInfo, Runs: runs}, nil
}

func (s *Service) summaryTotals(ctx context.Context, scope reconciliationdomain.Scope) ([]usagedomain.Total, error) {
	rows, err := s.summaries.PeriodTotals(ctx, nil, scope.TenantID, scope.Period)
	if err != nil {
		return nil, err
	}
	totals := make([]usagedomain.Total, 0, len(rows))
	for _, row := range rows {
		if scope.EventType != "" && row.EventType != scope.EventType {
			continue
		}
		totals = append(totals, usagedomain.Total{
			TenantID:  scope.TenantID,
			EventType: row.EventType,
			Count:     row.EventCount,
			Quantity:  row.TotalQuantity,
		})
	}
	return totals, nil
}

func (s *Service) report(ctx context.Context, run reconciliationdomain.Run, result reconciliationdomain.Result) {
	status := string(result.Status)
	if result.Blocking() {
		status = "blocking"
	}
	s.metrics.IncReconcileRun(string(run.Level), status)

	fields := []zap.Field{
		zap.String("run_id", run.ID),
		zap.String("level", string(run.Level)),
		zap.String("tenant_id", run.TenantID),
		zap.Time("period_start", run.PeriodStart),
		zap.Time("period_end", run.PeriodEnd),
		zap.Int64("delta", result.Delta),
		zap.Int64("count_delta", result.CountDelta),
		zap.Int("slices", len(result.Details)),
	}
	switch {
	case result.Status == reconciliationdomain.StatusMatch:
		s.log.Debug("reconciliation matched", fields...)
		return
	case result.WithinTolerance:
		s.log.Warn("reconciliation drift within tolerance", fields...)
		return
	}

	s.log.Error("reconciliation drift beyond tolerance", fields...)
	if s.auditSvc == nil {
		return
	}
	targets := make([]string, 0, len(result.Details))
	for _, d := range result.Details {
		targets = append(targets, d.Target)
	}
	if err := s.auditSvc.Record(ctx, auditdomain.Entry{
		TenantID:   run.TenantID,
		ActorType:  string(auditdomain.ActorTypeSystem),
		Action:     "reconciliation.drift",
		TargetType: "reconciliation_run",
		TargetID:   run.ID,
		Metadata: map[string]any{
			"level":        string(run.Level),
			"period_start": run.PeriodStart.Format(time.RFC3339),
			"period_end":   run.PeriodEnd.Format(time.RFC3339),
			"delta":        result.Delta,
			"count_delta":  result.CountDelta,
			"targets":      targets,
		},
	}); err != nil {
		s.log.Warn("failed to audit reconciliation drift", zap.String("run_id", run.ID), zap.Error(err))
	}
}

func validateScope(scope reconciliationdomain.Scope) error {
	if !scope.Level.Valid() {
		return reconciliationdomain.ErrInvalidScope
	}
	if scope.Period.Start.IsZero() || !scope.Period.End.After(scope.Period.Start) {
		return reconciliationdomain.ErrInvalidScope
	}
	if scope.Level == reconciliationdomain.LevelFull && scope.TenantID == "" {
		return reconciliationdomain.ErrInvalidScope
	}
	return nil
}

type sliceKey struct {
	tenantID  string
	eventType string
}

// compare returns one detail per drifting slice. Which columns count as drift
// depends on the level.
func compare(target string, level reconciliationdomain.Level, tolerance decimal.Decimal, authoritative, other []usagedomain.Total) []reconciliationdomain.Detail {
	slices := make(map[sliceKey]*reconciliationdomain.Detail)
	get := func(t usagedomain.Total) *reconciliationdomain.Detail {
		k := sliceKey{tenantID: t.TenantID, eventType: t.EventType}
		d, ok := slices[k]
		if !ok {
			d = &reconciliationdomain.Detail{Target: target, TenantID: t.TenantID, EventType: t.EventType}
			slices[k] = d
		}
		return d
	}
	for _, t := range authoritative {
		d := get(t)
		d.AuthoritativeQty += t.Quantity
		d.AuthoritativeCount += t.Count
	}
	for _, t := range other {
		d := get(t)
		d.TargetQty += t.Quantity
		d.TargetCount += t.Count
	}

	var out []reconciliationdomain.Detail
	for _, d := range slices {
		d.Delta = d.AuthoritativeQty - d.TargetQty
		d.CountDelta = d.AuthoritativeCount - d.TargetCount

		countDrift := d.CountDelta != 0
		sumDrift := d.Delta != 0
		switch level {
		case reconciliationdomain.LevelCount:
			if !countDrift {
				continue
			}
			d.WithinTolerance = withinTolerance(d.CountDelta, d.AuthoritativeCount, tolerance)
		case reconciliationdomain.LevelSum:
			if !sumDrift {
				continue
			}
			d.WithinTolerance = withinTolerance(d.Delta, d.AuthoritativeQty, tolerance)
		default:
			if !countDrift && !sumDrift {
				continue
			}
			d.WithinTolerance = withinTolerance(d.CountDelta, d.AuthoritativeCount, tolerance) &&
				withinTolerance(d.Delta, d.AuthoritativeQty, tolerance)
		}
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantID != out[j].TenantID {
			return out[i].TenantID < out[j].TenantID
		}
		return out[i].EventType < out[j].EventType
	})
	return out
}

// withinTolerance reports |delta| / max(total, 1) <= tolerance.
func withinTolerance(delta, total int64, tolerance decimal.Decimal) bool {
	if delta == 0 {
		return true
	}
	ratio := decimal.NewFromInt(delta).Abs().Div(decimal.NewFromInt(max(total, 1)))
	return ratio.LessThanOrEqual(tolerance)
}

// evaluate folds drifting slices into a result. Delta and CountDelta are the
// per target sums of the target that is furthest off.
func evaluate(details []reconciliationdomain.Detail) reconciliationdomain.Result {
	result := reconciliationdomain.Result{
		Status:          reconciliationdomain.StatusMatch,
		Details:         details,
		WithinTolerance: true,
	}
	if len(details) == 0 {
		result.Details = []reconciliationdomain.Detail{}
		return result
	}

	result.Status = reconciliationdomain.StatusDrift
	type sums struct{ delta, count int64 }
	byTarget := make(map[string]*sums)
	var order []string
	for _, d := range details {
		if !d.WithinTolerance {
			result.WithinTolerance = false
		}
		t, ok := byTarget[d.Target]
		if !ok {
			t = &sums{}
			byTarget[d.Target] = t
			order = append(order, d.Target)
		}
		t.delta += d.Delta
		t.count += d.CountDelta
	}
	for _, target := range order {
		t := byTarget[target]
		if abs(t.delta) > abs(result.Delta) || (abs(t.delta) == abs(result.Delta) && abs(t.count) > abs(result.CountDelta)) {
			result.Delta = t.delta
			result.CountDelta = t.count
		}
	}
	return result
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
