package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	aggregationdomain "github.com/smallbiznis/meterflow/internal/aggregation/domain"
	auditdomain "github.com/smallbiznis/meterflow/internal/audit/domain"
	catalogdomain "github.com/smallbiznis/meterflow/internal/catalog/domain"
	"github.com/smallbiznis/meterflow/internal/clock"
	"github.com/smallbiznis/meterflow/internal/config"
	invoicedomain "github.com/smallbiznis/meterflow/internal/invoice/domain"
	ledgerdomain "github.com/smallbiznis/meterflow/internal/ledger/domain"
	"github.com/smallbiznis/meterflow/internal/lock"
	obsmetrics "github.com/smallbiznis/meterflow/internal/observability/metrics"
	"github.com/smallbiznis/meterflow/internal/period"
	reconciliationdomain "github.com/smallbiznis/meterflow/internal/reconciliation/domain"
	usagedomain "github.com/smallbiznis/meterflow/internal/usage/domain"
	watermarkdomain "github.com/smallbiznis/meterflow/internal/watermark/domain"
	"github.com/smallbiznis/meterflow/pkg/db"
	"github.com/smallbiznis/meterflow/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultCurrency  = "USD"
	finalizeLeaseTTL = 5 * time.Minute
	// maxDeferHops bounds the search for an open period to carry late usage.
	maxDeferHops = 36
	maxListLimit = 500
)

type ServiceParam struct {
	fx.In

	DB             *gorm.DB
	Log            *zap.Logger
	GenID          *snowflake.Node
	Clock          clock.Clock
	Policy         config.PolicyProvider
	Locker         lock.Locker
	Catalog        catalogdomain.Service
	Summaries      aggregationdomain.Service
	Watermarks     watermarkdomain.Service
	Reconciliation reconciliationdomain.Service
	Ledger         ledgerdomain.Service
	AuditSvc       auditdomain.Service         `optional:"true"`
	ObsMetrics     *obsmetrics.Metrics         `optional:"true"`
	Pipeline       *obsmetrics.PipelineMetrics `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID          *snowflake.Node
	clock          clock.Clock
	policy         config.PolicyProvider
	locker         lock.Locker
	catalog        catalogdomain.Service
	summaries      aggregationdomain.Service
	watermarks     watermarkdomain.Service
	reconciliation reconciliationdomain.Service
	ledger         ledgerdomain.Service
	auditSvc       auditdomain.Service
	obsMetrics     *obsmetrics.Metrics
	pipeline       *obsmetrics.PipelineMetrics
}

func NewService(p ServiceParam) *Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("invoice.service"),

		genID:          p.GenID,
		clock:          p.Clock,
		policy:         p.Policy,
		locker:         p.Locker,
		catalog:        p.Catalog,
		summaries:      p.Summaries,
		watermarks:     p.Watermarks,
		reconciliation: p.Reconciliation,
		ledger:         p.Ledger,
		auditSvc:       p.AuditSvc,
		obsMetrics:     p.ObsMetrics,
		pipeline:       p.Pipeline,
	}
}

// priceBook is the tenant's catalog keyed by event type. It is loaded before
// any transaction is opened.
type priceBook struct {
	types    map[string]catalogdomain.EventType
	currency string
}

func (s *Service) loadPriceBook(ctx context.Context, tenantID string) (priceBook, error) {
	rows, err := s.catalog.List(ctx, tenantID)
	if err != nil {
		return priceBook{}, err
	}
	book := priceBook{types: make(map[string]catalogdomain.EventType, len(rows)), currency: defaultCurrency}
	for i, row := range rows {
		if i == 0 {
			book.currency = row.Currency
		}
		book.types[row.Code] = row
	}
	return book, nil
}

func (s *Service) EnsureDraft(ctx context.Context, tenantID string, p period.Period) (*invoicedomain.Invoice, error) {
	tenantID, err := s.validate(tenantID, p)
	if err != nil {
		return nil, err
	}
	book, err := s.loadPriceBook(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	var invoice *invoicedomain.Invoice
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		invoice, err = s.ensureDraft(tx, tenantID, p, book.currency, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	return present(invoice), nil
}

// RefreshDraft rebuilds a draft's lines from the current summaries and
// pending adjustments. Non-draft invoices are returned untouched.
func (s *Service) RefreshDraft(ctx context.Context, tenantID string, p period.Period) (*invoicedomain.Invoice, error) {
	tenantID, err := s.validate(tenantID, p)
	if err != nil {
		return nil, err
	}
	book, err := s.loadPriceBook(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	var invoice *invoicedomain.Invoice
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.ensureDraft(tx, tenantID, p, book.currency, false)
		if err != nil {
			return err
		}
		if current.Status != invoicedomain.InvoiceStatusDraft {
			invoice = current
			return nil
		}

		draft, err := s.buildDraft(ctx, tx, current, book)
		if err != nil {
			return err
		}
		now := s.clock.Now().UTC()
		res := tx.Model(&invoicedomain.Invoice{}).
			Where("id = ? AND status = ?", current.ID, invoicedomain.InvoiceStatusDraft).
			Updates(map[string]any{
				"currency":         draft.currency,
				"subtotal":         draft.subtotal,
				"adjustment_total": draft.adjustmentTotal,
				"total":            draft.subtotal + draft.adjustmentTotal,
				"updated_at":       now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			if err := s.replaceLines(tx, current.ID, draft.lines); err != nil {
				return err
			}
		}
		invoice, err = s.load(tx, tenantID, current.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return present(invoice), nil
}

// Finalize converts the period's draft into the authoritative invoice.
// Concurrent callers are excluded by a lease and a transaction-scoped
// advisory lock; the status change itself is a conditional update.
func (s *Service) Finalize(ctx context.Context, tenantID string, p period.Period) (*invoicedomain.Invoice, error) {
	tenantID, err := s.validate(tenantID, p)
	if err != nil {
		return nil, err
	}

	lease, ok, err := s.locker.TryLock(ctx, finalizeKey(tenantID, p), finalizeLeaseTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		err := s.conflict("lease_held", errors.New("finalize already in progress"))
		s.obsMetrics.RecordFinalize(ctx, "blocked")
		return nil, err
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.log.Warn("failed to release finalize lease", zap.String("tenant_id", tenantID), zap.Error(err))
		}
	}()

	book, err := s.loadPriceBook(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	var (
		invoice   *invoicedomain.Invoice
		finalized bool
		applied   int
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := lock.TryAdvisoryXactLock(tx, lock.PeriodKey(tenantID, p.Start))
		if err != nil {
			return err
		}
		if !locked {
			return s.conflict("period_locked", errors.New("events are being recorded for the period"))
		}

		current, err := s.ensureDraft(tx, tenantID, p, book.currency, true)
		if err != nil {
			return err
		}
		if current.Status != invoicedomain.InvoiceStatusDraft {
			invoice = current
			return nil
		}

		if err := s.checkPreconditions(ctx, tx, tenantID, p); err != nil {
			return err
		}

		draft, err := s.buildDraft(ctx, tx, current, book)
		if err != nil {
			return err
		}

		now := s.clock.Now().UTC()
		res := tx.Model(&invoicedomain.Invoice{}).
			Where("id = ? AND status = ?", current.ID, invoicedomain.InvoiceStatusDraft).
			Updates(map[string]any{
				"status":           invoicedomain.InvoiceStatusFinalized,
				"currency":         draft.currency,
				"subtotal":         draft.subtotal,
				"adjustment_total": draft.adjustmentTotal,
				"total":            draft.subtotal + draft.adjustmentTotal,
				"finalized_at":     now,
				"updated_at":       now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return s.conflict("status_changed", errors.New("invoice left draft concurrently"))
		}
		if err := s.replaceLines(tx, current.ID, draft.lines); err != nil {
			return err
		}
		if err := s.applyAdjustments(tx, current.ID, draft.adjustments); err != nil {
			return err
		}
		if err := s.postFinalized(ctx, tx, current, draft, now); err != nil {
			return err
		}
		if _, err := s.watermarks.SealPeriod(ctx, tx, tenantID, p, current.ID); err != nil {
			return err
		}

		invoice, err = s.load(tx, tenantID, current.ID)
		if err != nil {
			return err
		}
		finalized = true
		applied = len(draft.adjustments)
		return nil
	})
	if err != nil {
		outcome := "error"
		if isBlocked(err) {
			outcome = "blocked"
		}
		s.obsMetrics.RecordFinalize(ctx, outcome)
		s.markFinalizeAttempt(ctx, tenantID, p)
		return nil, err
	}

	if !finalized {
		s.obsMetrics.RecordFinalize(ctx, "noop")
		return present(invoice), nil
	}

	s.obsMetrics.RecordFinalize(ctx, "finalized")
	s.log.Info("invoice finalized",
		zap.String("tenant_id", tenantID),
		zap.String("invoice_id", invoice.ID.String()),
		zap.Time("period_start", p.Start),
		zap.Int64("total", invoice.Total),
		zap.Int("adjustments", applied),
	)
	s.emitAudit(ctx, "invoice.finalized", invoice, map[string]any{
		"previous_status": string(invoicedomain.InvoiceStatusDraft),
		"adjustments":     applied,
	})
	return present(invoice), nil
}

// Void marks a finalized invoice voided and posts offsetting entries.
// Voiding an already voided invoice returns it unchanged.
func (s *Service) Void(ctx context.Context, tenantID string, id snowflake.ID, reason string) (*invoicedomain.Invoice, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, invoicedomain.ErrInvalidTenant
	}
	reason = strings.TrimSpace(reason)

	var (
		invoice *invoicedomain.Invoice
		voided  bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.loadForUpdate(tx, "tenant_id = ? AND id = ?", tenantID, id)
		if err != nil {
			return err
		}
		switch current.Status {
		case invoicedomain.InvoiceStatusVoided:
			invoice = current
			return nil
		case invoicedomain.InvoiceStatusDraft:
			return invoicedomain.ErrInvoiceNotFinalized
		}

		now := s.clock.Now().UTC()
		res := tx.Model(&invoicedomain.Invoice{}).
			Where("id = ? AND status = ?", current.ID, invoicedomain.InvoiceStatusFinalized).
			Updates(map[string]any{
				"status":      invoicedomain.InvoiceStatusVoided,
				"voided_at":   now,
				"void_reason": reason,
				"updated_at":  now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return invoicedomain.ErrInvoiceNotFinalized
		}

		if current.Total > 0 {
			if _, err := s.ledger.Post(ctx, tx, ledgerdomain.Posting{
				TenantID:      tenantID,
				ReferenceType: ledgerdomain.ReferenceVoid,
				ReferenceID:   current.ID.String(),
				Currency:      current.Currency,
				OccurredAt:    now,
				Lines: []ledgerdomain.PostingLine{
					{AccountType: ledgerdomain.AccountRevenue, EntryType: ledgerdomain.EntryTypeDebit, Amount: current.Total},
					{AccountType: ledgerdomain.AccountReceivable, EntryType: ledgerdomain.EntryTypeCredit, Amount: current.Total},
				},
			}); err != nil {
				return err
			}
		}

		invoice, err = s.load(tx, tenantID, current.ID)
		voided = err == nil
		return err
	})
	if err != nil {
		return nil, err
	}
	if voided {
		metadata := map[string]any{"previous_status": string(invoicedomain.InvoiceStatusFinalized)}
		if reason != "" {
			metadata["reason"] = reason
		}
		s.emitAudit(ctx, "invoice.voided", invoice, metadata)
	}
	return present(invoice), nil
}

// DeferLateUsage records an event that landed in a finalized period as an
// adjustment on the first later period that is still a draft.
func (s *Service) DeferLateUsage(ctx context.Context, event usagedomain.UsageEvent, originalInvoiceID snowflake.ID) error {
	tenantID := strings.TrimSpace(event.TenantID)
	if tenantID == "" {
		return invoicedomain.ErrInvalidTenant
	}
	cadence := s.policy.Get().BillingPeriod
	origin, err := period.BillingPeriod(event.OccurredAt, cadence)
	if err != nil {
		return err
	}
	book, err := s.loadPriceBook(ctx, tenantID)
	if err != nil {
		return err
	}
	price := book.types[event.EventType]

	var (
		adjustment invoicedomain.InvoiceAdjustment
		inserted   bool
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		target, err := period.Next(origin, cadence)
		if err != nil {
			return err
		}
		for hop := 0; ; hop++ {
			if hop >= maxDeferHops {
				return fmt.Errorf("%w: no open period after %s", invoicedomain.ErrInvalidPeriod, origin.Key())
			}
			if err := lock.AdvisoryXactLockShared(tx, lock.PeriodKey(tenantID, target.Start)); err != nil {
				return err
			}
			current, err := s.ensureDraft(tx, tenantID, target, book.currency, false)
			if err != nil {
				return err
			}
			if current.Status == invoicedomain.InvoiceStatusDraft {
				break
			}
			if target, err = period.Next(target, cadence); err != nil {
				return err
			}
		}

		adjustment = invoicedomain.InvoiceAdjustment{
			ID:                s.genID.Generate(),
			TenantID:          tenantID,
			OriginalInvoiceID: originalInvoiceID,
			TargetPeriodStart: target.Start,
			EventID:           event.ID,
			EventType:         event.EventType,
			Quantity:          event.Quantity,
			UnitPrice:         price.UnitPrice,
			Amount:            price.AmountMinor(event.Quantity),
			CreatedAt:         s.clock.Now().UTC(),
		}
		res := tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_id"}}, DoNothing: true}).
			Create(&adjustment)
		if res.Error != nil {
			return res.Error
		}
		inserted = res.RowsAffected == 1
		return nil
	})
	if err != nil {
		return err
	}
	if !inserted {
		return nil
	}

	s.obsMetrics.RecordLateDeferred(ctx, event.EventType, adjustment.Amount)
	s.log.Info("late usage deferred",
		zap.String("tenant_id", tenantID),
		zap.String("event_id", event.ID.String()),
		zap.String("original_invoice_id", originalInvoiceID.String()),
		zap.Time("target_period_start", adjustment.TargetPeriodStart),
		zap.Int64("amount", adjustment.Amount),
	)
	if s.auditSvc != nil {
		if err := s.auditSvc.Record(ctx, auditdomain.Entry{
			TenantID:   tenantID,
			ActorType:  string(auditdomain.ActorTypeSystem),
			Action:     "invoice.adjustment_deferred",
			TargetType: "invoice_adjustment",
			TargetID:   adjustment.ID.String(),
			Metadata: map[string]any{
				"event_id":            event.ID.String(),
				"original_invoice_id": originalInvoiceID.String(),
				"target_period_start": adjustment.TargetPeriodStart.Format(time.RFC3339),
				"quantity":            adjustment.Quantity,
				"amount":              adjustment.Amount,
			},
		}); err != nil {
			s.log.Warn("failed to audit deferred usage", zap.Error(err))
		}
	}
	return nil
}

func (s *Service) Get(ctx context.Context, tenantID string, id snowflake.ID) (*invoicedomain.Invoice, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, invoicedomain.ErrInvalidTenant
	}
	invoice, err := s.load(s.db.WithContext(ctx), tenantID, id)
	if err != nil {
		return nil, err
	}
	return present(invoice), nil
}

func (s *Service) List(ctx context.Context, req invoicedomain.ListInvoiceRequest) (invoicedomain.ListInvoiceResponse, error) {
	tenantID := strings.TrimSpace(req.TenantID)
	if tenantID == "" {
		return invoicedomain.ListInvoiceResponse{}, invoicedomain.ErrInvalidTenant
	}
	limit := req.Limit()

	stmt := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if req.Status != "" {
		stmt = stmt.Where("status = ?", req.Status)
	}
	if req.PageToken != "" {
		cursor, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return invoicedomain.ListInvoiceResponse{}, err
		}
		id, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return invoicedomain.ListInvoiceResponse{}, pagination.ErrInvalidPageToken
		}
		stmt = stmt.Where("id < ?", id)
	}

	var invoices []invoicedomain.Invoice
	if err := stmt.Order("id DESC").Limit(limit + 1).Find(&invoices).Error; err != nil {
		return invoicedomain.ListInvoiceResponse{}, err
	}
	invoices, pageInfo := pagination.Trim(invoices, limit, func(inv invoicedomain.Invoice) pagination.Cursor {
		return pagination.Cursor{ID: inv.ID.String()}
	})
	for i := range invoices {
		present(&invoices[i])
	}
	return invoicedomain.ListInvoiceResponse{PageInfo: pageInfo, Invoices: invoices}, nil
}

// markFinalizeAttempt stamps a draft whose finalize failed so ListDue moves
// it behind drafts that have not been tried yet.
func (s *Service) markFinalizeAttempt(ctx context.Context, tenantID string, p period.Period) {
	err := s.db.WithContext(context.WithoutCancel(ctx)).
		Model(&invoicedomain.Invoice{}).
		Where("tenant_id = ? AND period_start = ? AND status = ?", tenantID, p.Start.UTC(), invoicedomain.InvoiceStatusDraft).
		UpdateColumn("finalize_attempted_at", s.clock.Now().UTC()).Error
	if err != nil {
		s.log.Warn("failed to record finalize attempt", zap.String("tenant_id", tenantID), zap.Error(err))
	}
}

// ListDue returns drafts past grace. Drafts never tried come first, then the
// least recently failed, so a set of blocked drafts cannot fill every batch.
func (s *Service) ListDue(ctx context.Context, limit int) ([]invoicedomain.Invoice, error) {
	cutoff := s.clock.Now().UTC().Add(-s.policy.Get().GracePeriod)
	return s.listDraftsEndingBefore(ctx, cutoff, limit,
		"CASE WHEN finalize_attempted_at IS NULL THEN 0 ELSE 1 END, finalize_attempted_at ASC, period_end ASC, id ASC")
}

// ListStuckDrafts returns drafts that should have been finalized by now.
// Each one is logged since they need an operator.
func (s *Service) ListStuckDrafts(ctx context.Context, limit int) ([]invoicedomain.Invoice, error) {
	policy := s.policy.Get()
	cutoff := s.clock.Now().UTC().Add(-policy.GracePeriod - policy.FinalizeDeadline)
	drafts, err := s.listDraftsEndingBefore(ctx, cutoff, limit, "period_end ASC, id ASC")
	if err != nil {
		return nil, err
	}
	for _, draft := range drafts {
		s.log.Warn("draft invoice past finalize deadline",
			zap.String("tenant_id", draft.TenantID),
			zap.String("invoice_id", draft.ID.String()),
			zap.Time("period_start", draft.PeriodStart),
			zap.Time("period_end", draft.PeriodEnd),
		)
	}
	return drafts, nil
}

// ListDrafts returns the least recently refreshed drafts first.
func (s *Service) ListDrafts(ctx context.Context, limit int) ([]invoicedomain.Invoice, error) {
	return s.listDraftsEndingBefore(ctx, time.Time{}, limit, "updated_at ASC, id ASC")
}

func (s *Service) listDraftsEndingBefore(ctx context.Context, cutoff time.Time, limit int, order string) ([]invoicedomain.Invoice, error) {
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	stmt := s.db.WithContext(ctx).Where("status = ?", invoicedomain.InvoiceStatusDraft)
	if !cutoff.IsZero() {
		stmt = stmt.Where("period_end <= ?", cutoff)
	}
	var drafts []invoicedomain.Invoice
	if err := stmt.Order(order).Limit(limit).Find(&drafts).Error; err != nil {
		return nil, err
	}
	for i := range drafts {
		present(&drafts[i])
	}
	return drafts, nil
}

func (s *Service) validate(tenantID string, p period.Period) (string, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return "", invoicedomain.ErrInvalidTenant
	}
	if p.Start.IsZero() || !p.End.After(p.Start) {
		return "", invoicedomain.ErrInvalidPeriod
	}
	expected, err := period.BillingPeriod(p.Start, s.policy.Get().BillingPeriod)
	if err != nil {
		return "", err
	}
	if !expected.Start.Equal(p.Start) || !expected.End.Equal(p.End) {
		return "", invoicedomain.ErrInvalidPeriod
	}
	return tenantID, nil
}

func (s *Service) checkPreconditions(ctx context.Context, tx *gorm.DB, tenantID string, p period.Period) error {
	status, err := s.watermarks.PeriodStatus(ctx, tx, tenantID, p)
	if err != nil {
		return err
	}
	if !status.Ready() {
		return s.conflict("buckets_not_closed", fmt.Errorf("%w: %d of %d buckets closed, %d dirty",
			invoicedomain.ErrBucketsNotClosed, status.ByState[watermarkdomain.StateClosed], status.Total, status.Dirty))
	}

	run, err := s.reconciliation.LatestFull(ctx, tx, tenantID, p)
	if errors.Is(err, reconciliationdomain.ErrRunNotFound) {
		return s.conflict("reconciliation_missing", invoicedomain.ErrReconciliationNeeded)
	}
	if err != nil {
		return err
	}
	if run.Blocking() {
		s.pipeline.IncFinalizeBlocked("reconciliation_drift")
		return fmt.Errorf("%w: run %s delta %d", reconciliationdomain.ErrReconciliationDrift, run.ID, run.Delta)
	}
	if run.CompletedAt.Before(status.LastEventAt) {
		return s.conflict("reconciliation_stale", fmt.Errorf("%w: run %s predates the last event",
			invoicedomain.ErrReconciliationNeeded, run.ID))
	}
	return nil
}

func (s *Service) conflict(reason string, cause error) error {
	s.pipeline.IncFinalizeBlocked(reason)
	return errors.Join(invoicedomain.ErrFinalizeConflict, cause)
}

func isBlocked(err error) bool {
	return errors.Is(err, invoicedomain.ErrFinalizeConflict) ||
		errors.Is(err, reconciliationdomain.ErrReconciliationDrift)
}

type draftTotals struct {
	currency        string
	lines           []invoicedomain.InvoiceLine
	adjustments     []invoicedomain.InvoiceAdjustment
	subtotal        int64
	adjustmentTotal int64
}

func (s *Service) buildDraft(ctx context.Context, tx *gorm.DB, invoice *invoicedomain.Invoice, book priceBook) (draftTotals, error) {
	p := period.Period{Start: invoice.PeriodStart, End: invoice.PeriodEnd}
	totals, err := s.summaries.PeriodTotals(ctx, tx, invoice.TenantID, p)
	if err != nil {
		return draftTotals{}, err
	}

	var adjustments []invoicedomain.InvoiceAdjustment
	if err := tx.Where("tenant_id = ? AND target_period_start = ? AND applied_invoice_id IS NULL",
		invoice.TenantID, invoice.PeriodStart).
		Order("id ASC").
		Find(&adjustments).Error; err != nil {
		return draftTotals{}, err
	}

	now := s.clock.Now().UTC()
	draft := draftTotals{adjustments: adjustments}
	useCurrency := func(eventType string) error {
		et, ok := book.types[eventType]
		if !ok {
			return nil
		}
		if draft.currency == "" {
			draft.currency = et.Currency
			return nil
		}
		if draft.currency != et.Currency {
			return fmt.Errorf("%w: %s priced in %s, invoice in %s", invoicedomain.ErrCurrencyMismatch, eventType, et.Currency, draft.currency)
		}
		return nil
	}

	for _, total := range totals {
		if err := useCurrency(total.EventType); err != nil {
			return draftTotals{}, err
		}
		et, ok := book.types[total.EventType]
		if !ok {
			s.log.Warn("usage without catalog price billed at zero",
				zap.String("tenant_id", invoice.TenantID),
				zap.String("event_type", total.EventType),
			)
			et = catalogdomain.EventType{UnitPrice: decimal.Zero}
		}
		amount := et.AmountMinor(total.TotalQuantity)
		draft.subtotal += amount
		draft.lines = append(draft.lines, invoicedomain.InvoiceLine{
			ID:         s.genID.Generate(),
			InvoiceID:  invoice.ID,
			TenantID:   invoice.TenantID,
			Kind:       invoicedomain.LineKindUsage,
			EventType:  total.EventType,
			Unit:       et.Unit,
			Quantity:   total.TotalQuantity,
			EventCount: total.EventCount,
			UnitPrice:  et.UnitPrice,
			Amount:     amount,
			CreatedAt:  now,
		})
	}

	for _, adj := range adjustments {
		if err := useCurrency(adj.EventType); err != nil {
			return draftTotals{}, err
		}
		adjID := adj.ID
		draft.adjustmentTotal += adj.Amount
		draft.lines = append(draft.lines, invoicedomain.InvoiceLine{
			ID:           s.genID.Generate(),
			InvoiceID:    invoice.ID,
			TenantID:     invoice.TenantID,
			Kind:         invoicedomain.LineKindAdjustment,
			EventType:    adj.EventType,
			Unit:         book.types[adj.EventType].Unit,
			Quantity:     adj.Quantity,
			EventCount:   1,
			UnitPrice:    adj.UnitPrice,
			Amount:       adj.Amount,
			AdjustmentID: &adjID,
			CreatedAt:    now,
		})
	}

	if draft.currency == "" {
		draft.currency = book.currency
	}
	return draft, nil
}

func (s *Service) postFinalized(ctx context.Context, tx *gorm.DB, invoice *invoicedomain.Invoice, draft draftTotals, at time.Time) error {
	if draft.subtotal > 0 {
		if _, err := s.ledger.Post(ctx, tx, ledgerdomain.Posting{
			TenantID:      invoice.TenantID,
			ReferenceType: ledgerdomain.ReferenceInvoice,
			ReferenceID:   invoice.ID.String(),
			Currency:      draft.currency,
			OccurredAt:    at,
			Lines:         chargeLines(draft.subtotal),
		}); err != nil {
			return err
		}
	}
	for _, adj := range draft.adjustments {
		if adj.Amount <= 0 {
			continue
		}
		original := adj.OriginalInvoiceID
		if _, err := s.ledger.Post(ctx, tx, ledgerdomain.Posting{
			TenantID:         invoice.TenantID,
			ReferenceType:    ledgerdomain.ReferenceAdjustment,
			ReferenceID:      adj.ID.String(),
			Currency:         draft.currency,
			IsAdjustment:     true,
			AdjustsInvoiceID: &original,
			OccurredAt:       at,
			Lines:            chargeLines(adj.Amount),
		}); err != nil {
			return err
		}
	}
	return nil
}

func chargeLines(amount int64) []ledgerdomain.PostingLine {
	return []ledgerdomain.PostingLine{
		{AccountType: ledgerdomain.AccountReceivable, EntryType: ledgerdomain.EntryTypeDebit, Amount: amount},
		{AccountType: ledgerdomain.AccountRevenue, EntryType: ledgerdomain.EntryTypeCredit, Amount: amount},
	}
}

func (s *Service) applyAdjustments(tx *gorm.DB, invoiceID snowflake.ID, adjustments []invoicedomain.InvoiceAdjustment) error {
	if len(adjustments) == 0 {
		return nil
	}
	ids := make([]snowflake.ID, 0, len(adjustments))
	for _, adj := range adjustments {
		ids = append(ids, adj.ID)
	}
	res := tx.Model(&invoicedomain.InvoiceAdjustment{}).
		Where("id IN ? AND applied_invoice_id IS NULL", ids).
		Update("applied_invoice_id", invoiceID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != int64(len(ids)) {
		return errors.Join(invoicedomain.ErrFinalizeConflict, errors.New("adjustment applied concurrently"))
	}
	return nil
}

func (s *Service) replaceLines(tx *gorm.DB, invoiceID snowflake.ID, lines []invoicedomain.InvoiceLine) error {
	if err := tx.Where("invoice_id = ?", invoiceID).Delete(&invoicedomain.InvoiceLine{}).Error; err != nil {
		return err
	}
	if len(lines) == 0 {
		return nil
	}
	return tx.Create(&lines).Error
}

// ensureDraft inserts the period's draft if missing and loads the row, locked
// when forUpdate is set.
func (s *Service) ensureDraft(tx *gorm.DB, tenantID string, p period.Period, currency string, forUpdate bool) (*invoicedomain.Invoice, error) {
	now := s.clock.Now().UTC()
	draft := invoicedomain.Invoice{
		ID:          s.genID.Generate(),
		TenantID:    tenantID,
		PeriodStart: p.Start.UTC(),
		PeriodEnd:   p.End.UTC(),
		Status:      invoicedomain.InvoiceStatusDraft,
		Currency:    currency,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	res := tx.Omit(clause.Associations).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "period_start"}},
			DoNothing: true,
		}).
		Create(&draft)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 1 {
		s.log.Debug("draft invoice created", zap.String("tenant_id", tenantID), zap.Time("period_start", p.Start))
	}

	if forUpdate {
		return s.loadForUpdate(tx, "tenant_id = ? AND period_start = ?", tenantID, p.Start.UTC())
	}
	var invoice invoicedomain.Invoice
	if err := tx.Where("tenant_id = ? AND period_start = ?", tenantID, p.Start.UTC()).First(&invoice).Error; err != nil {
		return nil, err
	}
	return &invoice, nil
}

func (s *Service) loadForUpdate(tx *gorm.DB, query string, args ...any) (*invoicedomain.Invoice, error) {
	stmt := tx.Where(query, args...)
	if db.IsPostgres(tx) {
		stmt = stmt.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var invoice invoicedomain.Invoice
	err := stmt.First(&invoice).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, invoicedomain.ErrInvoiceNotFound
	}
	if err != nil {
		return nil, err
	}
	return &invoice, nil
}

func (s *Service) load(tx *gorm.DB, tenantID string, id snowflake.ID) (*invoicedomain.Invoice, error) {
	var invoice invoicedomain.Invoice
	err := tx.Preload("Lines", func(db *gorm.DB) *gorm.DB {
		return db.Order("kind DESC, event_type ASC, id ASC")
	}).Where("tenant_id = ? AND id = ?", tenantID, id).First(&invoice).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, invoicedomain.ErrInvoiceNotFound
	}
	if err != nil {
		return nil, err
	}
	return &invoice, nil
}

func (s *Service) emitAudit(ctx context.Context, action string, invoice *invoicedomain.Invoice, extra map[string]any) {
	if s.auditSvc == nil || invoice == nil {
		return
	}
	metadata := map[string]any{
		"period_start":     invoice.PeriodStart.Format(time.RFC3339),
		"period_end":       invoice.PeriodEnd.Format(time.RFC3339),
		"currency":         invoice.Currency,
		"subtotal":         invoice.Subtotal,
		"adjustment_total": invoice.AdjustmentTotal,
		"total":            invoice.Total,
	}
	for key, value := range extra {
		if key == "" {
			continue
		}
		metadata[key] = value
	}

	if err := s.auditSvc.Record(ctx, auditdomain.Entry{
		TenantID:   invoice.TenantID,
		ActorType:  string(auditdomain.ActorTypeSystem),
		Action:     action,
		TargetType: "invoice",
		TargetID:   invoice.ID.String(),
		Metadata:   metadata,
	}); err != nil {
		s.log.Warn("failed to write invoice audit log", zap.String("action", action), zap.Error(err))
	}
}

// present flags drafts as provisional for the billing boundary.
func present(invoice *invoicedomain.Invoice) *invoicedomain.Invoice {
	if invoice != nil {
		invoice.Provisional = invoice.Status == invoicedomain.InvoiceStatusDraft
	}
	return invoice
}

func finalizeKey(tenantID string, p period.Period) string {
	return "finalize:" + tenantID + ":" + p.Key()
}
