package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterflow/pkg/db/pagination"
)

// IngestRequest is the inbound payload delivered by the transport.
type IngestRequest struct {
	TenantID       string         `json:"tenant_id" validate:"required,max=128"`
	EventType      string         `json:"event_type" validate:"required,max=128"`
	Quantity       *int64         `json:"quantity" validate:"required,gte=0"`
	Unit           string         `json:"unit" validate:"max=64"`
	IdempotencyKey string         `json:"idempotency_key" validate:"required,max=255"`
	OccurredAt     *time.Time     `json:"occurred_at" validate:"required"`
	Source         string         `json:"source" validate:"max=128"`
	Metadata       map[string]any `json:"metadata"`
}

type BatchItemResult struct {
	Index   int           `json:"index"`
	Outcome AcceptOutcome `json:"outcome"`
	EventID string        `json:"event_id,omitempty"`
	Error   string        `json:"error,omitempty"`
}

type ListEventsRequest struct {
	TenantID  string
	EventType string
	Start     time.Time
	End       time.Time
	pagination.Pagination
}

type ListEventsResponse struct {
	pagination.PageInfo
	Events []UsageEvent `json:"events"`
}

// EventIterator walks a range scan page by page. It is finite and ordered by
// (occurred_at, id); a scan can be resumed from Cursor().
type EventIterator interface {
	Next(ctx context.Context) bool
	Event() UsageEvent
	Cursor() Cursor
	Err() error
}

// EventStore is the authoritative, append-only record of accepted events.
type EventStore interface {
	Accept(ctx context.Context, event UsageEvent) (AcceptResult, error)
	EventsInRange(q RangeQuery) EventIterator
	Totals(ctx context.Context, q TotalsQuery) ([]Total, error)
	Get(ctx context.Context, tenantID string, id snowflake.ID) (*UsageEvent, error)
	List(ctx context.Context, req ListEventsRequest) (ListEventsResponse, error)
	// PurgeExpired removes up to limit replicated events older than cutoff
	// whose billing period is sealed.
	PurgeExpired(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

type Service interface {
	Ingest(ctx context.Context, req IngestRequest) (AcceptResult, error)
	IngestBatch(ctx context.Context, reqs []IngestRequest) ([]BatchItemResult, error)
	List(ctx context.Context, req ListEventsRequest) (ListEventsResponse, error)
}

var (
	ErrValidation     = errors.New("validation_error")
	ErrBackpressure   = errors.New("ingest_backpressure")
	ErrBatchTooLarge  = errors.New("batch_too_large")
	ErrEventNotFound  = errors.New("usage_event_not_found")
	ErrInvalidTenant  = errors.New("invalid_tenant")
	ErrTenantMismatch = errors.New("tenant_mismatch")
	ErrInvalidRange   = errors.New("invalid_range")
)

// LateUsageHandler turns an event that landed in a finalized period into an
// adjustment on a later invoice.
type LateUsageHandler interface {
	DeferLateUsage(ctx context.Context, event UsageEvent, originalInvoiceID snowflake.ID) error
}
