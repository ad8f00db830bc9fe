// Package domain describes per-bucket watermarks and period seals.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterflow/internal/period"
	usagedomain "github.com/smallbiznis/meterflow/internal/usage/domain"
	"gorm.io/gorm"
)

type State string

const (
	StateOpen     State = "open"
	StateClosing  State = "closing"
	StateClosed   State = "closed"
	StateReopened State = "reopened"
)

// Watermark tracks whether a bucket is expected to receive further events.
// LastEventAt is when the newest event for the bucket was observed, after it
// was durably stored.
type Watermark struct {
	TenantID    string     `gorm:"primaryKey;type:text" json:"tenant_id"`
	EventType   string     `gorm:"primaryKey;type:text" json:"event_type"`
	BucketStart time.Time  `gorm:"primaryKey" json:"bucket_start"`
	BucketEnd   time.Time  `gorm:"not null;index" json:"bucket_end"`
	State       State      `gorm:"type:text;not null;index" json:"state"`
	LastEventAt time.Time  `gorm:"not null" json:"last_event_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
	ReopenedAt  *time.Time `json:"reopened_at,omitempty"`
	ReopenCount int        `gorm:"not null;default:0" json:"reopen_count"`
	SealedAt    *time.Time `json:"sealed_at,omitempty"`
	UpdatedAt   time.Time  `gorm:"not null" json:"updated_at"`
}

func (Watermark) TableName() string { return "bucket_watermarks" }

func (w Watermark) Sealed() bool { return w.SealedAt != nil }

// PeriodSeal marks a tenant's billing period as finalized. No bucket in a
// sealed period reopens.
type PeriodSeal struct {
	TenantID    string       `gorm:"primaryKey;type:text" json:"tenant_id"`
	PeriodStart time.Time    `gorm:"primaryKey" json:"period_start"`
	PeriodEnd   time.Time    `gorm:"not null" json:"period_end"`
	InvoiceID   snowflake.ID `gorm:"not null" json:"invoice_id"`
	SealedAt    time.Time    `gorm:"not null" json:"sealed_at"`
}

func (PeriodSeal) TableName() string { return "period_seals" }

type ObservationKind string

const (
	// ObservationRecorded: the bucket was open, closing or already reopened.
	ObservationRecorded ObservationKind = "recorded"
	// ObservationReopened: a closed bucket was reopened and recomputed.
	ObservationReopened ObservationKind = "reopened"
	// ObservationLateArrival: the period is finalized; the event becomes an adjustment.
	ObservationLateArrival ObservationKind = "late_arrival"
)

type Observation struct {
	Kind        ObservationKind `json:"kind"`
	BucketStart time.Time       `json:"bucket_start"`
	Period      period.Period   `json:"period"`
	// SealedInvoiceID is the finalized invoice of the period for late arrivals.
	SealedInvoiceID snowflake.ID `json:"sealed_invoice_id,omitempty"`
	Recomputed      bool         `json:"recomputed"`
}

// LateArrival records that an event was first observed after its period was
// sealed. The row outlives a failed deferral so a replay or the sweep can
// retry it; DeferredAt is set once the adjustment exists.
type LateArrival struct {
	EventID     snowflake.ID `gorm:"primaryKey" json:"event_id"`
	TenantID    string       `gorm:"type:text;not null" json:"tenant_id"`
	PeriodStart time.Time    `gorm:"not null" json:"period_start"`
	InvoiceID   snowflake.ID `gorm:"not null" json:"invoice_id"`
	ObservedAt  time.Time    `gorm:"not null" json:"observed_at"`
	DeferredAt  *time.Time   `gorm:"index" json:"deferred_at,omitempty"`
}

func (LateArrival) TableName() string { return "late_arrivals" }

// PeriodStatus summarises a period's buckets for finalize preconditions.
type PeriodStatus struct {
	Total    int           `json:"total"`
	ByState  map[State]int `json:"by_state"`
	Dirty    int           `json:"dirty"`
	Sealed   bool          `json:"sealed"`
	Blocking []Watermark   `json:"blocking,omitempty"`

	// LastEventAt is the newest observation across the period's buckets.
	LastEventAt time.Time `json:"last_event_at"`
}

// Ready reports whether every bucket is closed and its summary is current.
func (s PeriodStatus) Ready() bool {
	return s.Total == s.ByState[StateClosed] && s.Dirty == 0
}

type ListRequest struct {
	TenantID  string
	EventType string
	State     State
	Start     time.Time
	End       time.Time
	Limit     int
}

type Service interface {
	ObserveEvent(ctx context.Context, event usagedomain.UsageEvent) (Observation, error)
	ObserveReplay(ctx context.Context, event usagedomain.UsageEvent) (Observation, bool, error)
	AdvanceClosing(ctx context.Context) (int64, error)
	AdvanceClosed(ctx context.Context) (int64, error)
	SettleReopened(ctx context.Context) (int64, error)
	SealPeriod(ctx context.Context, tx *gorm.DB, tenantID string, p period.Period, invoiceID snowflake.ID) (int64, error)
	PeriodStatus(ctx context.Context, tx *gorm.DB, tenantID string, p period.Period) (PeriodStatus, error)
	DirtyBuckets(ctx context.Context, limit int) ([]Watermark, error)
	DueForRecompute(ctx context.Context, limit int) ([]Watermark, error)
	Seal(ctx context.Context, tenantID string, at time.Time) (*PeriodSeal, error)
	List(ctx context.Context, req ListRequest) ([]Watermark, error)
	PendingLateArrivals(ctx context.Context, limit int) ([]LateArrival, error)
	MarkLateDeferred(ctx context.Context, eventID snowflake.ID) error
}

var (
	ErrLateArrival      = errors.New("late_arrival")
	ErrInvalidWatermark = errors.New("invalid_watermark")
)
