package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterflow/internal/period"
	usagedomain "github.com/smallbiznis/meterflow/internal/usage/domain"
	"github.com/smallbiznis/meterflow/pkg/db/pagination"
)

type ListInvoiceRequest struct {
	TenantID string
	Status   InvoiceStatus
	pagination.Pagination
}

type ListInvoiceResponse struct {
	pagination.PageInfo
	Invoices []Invoice `json:"invoices"`
}

type Service interface {
	EnsureDraft(ctx context.Context, tenantID string, p period.Period) (*Invoice, error)
	RefreshDraft(ctx context.Context, tenantID string, p period.Period) (*Invoice, error)
	// Finalize is exactly-once per tenant and period. Finalizing an already
	// finalized or voided invoice returns it unchanged.
	Finalize(ctx context.Context, tenantID string, p period.Period) (*Invoice, error)
	Void(ctx context.Context, tenantID string, id snowflake.ID, reason string) (*Invoice, error)
	DeferLateUsage(ctx context.Context, event usagedomain.UsageEvent, originalInvoiceID snowflake.ID) error
	Get(ctx context.Context, tenantID string, id snowflake.ID) (*Invoice, error)
	List(ctx context.Context, req ListInvoiceRequest) (ListInvoiceResponse, error)
	// ListDue returns drafts whose period has passed the grace window.
	ListDue(ctx context.Context, limit int) ([]Invoice, error)
	// ListStuckDrafts returns drafts past grace plus the finalize deadline.
	ListStuckDrafts(ctx context.Context, limit int) ([]Invoice, error)
	ListDrafts(ctx context.Context, limit int) ([]Invoice, error)
}

var (
	ErrInvalidTenant        = errors.New("invalid_tenant")
	ErrInvalidPeriod        = errors.New("invalid_period")
	ErrInvoiceNotFound      = errors.New("invoice_not_found")
	ErrInvoiceNotFinalized  = errors.New("invoice_not_finalized")
	ErrCurrencyMismatch     = errors.New("currency_mismatch")
	ErrFinalizeConflict     = errors.New("finalize_conflict")
	ErrBucketsNotClosed     = errors.New("buckets_not_closed")
	ErrReconciliationNeeded = errors.New("reconciliation_missing_or_stale")
)
