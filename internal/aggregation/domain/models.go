// Package domain describes the derived per-bucket usage summaries.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/meterflow/internal/period"
	"gorm.io/gorm"
)

// UsageSummary is always a pure function of the raw events in
// [BucketStart, BucketEnd) as they existed at ComputedAt.
type UsageSummary struct {
	TenantID      string    `gorm:"primaryKey;type:text" json:"tenant_id"`
	EventType     string    `gorm:"primaryKey;type:text" json:"event_type"`
	BucketStart   time.Time `gorm:"primaryKey" json:"bucket_start"`
	BucketEnd     time.Time `gorm:"not null" json:"bucket_end"`
	TotalQuantity int64     `gorm:"not null" json:"total_quantity"`
	EventCount    int64     `gorm:"not null" json:"event_count"`
	ComputedAt    time.Time `gorm:"not null" json:"computed_at"`
}

func (UsageSummary) TableName() string { return "usage_summaries" }

// Trigger names why a recompute ran.
type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerLate     Trigger = "late_event"
	TriggerManual   Trigger = "manual"
	TriggerFinalize Trigger = "finalize"
)

type RecomputeRequest struct {
	TenantID    string
	EventType   string
	BucketStart time.Time
	Trigger     Trigger
}

type PeriodTotal struct {
	EventType     string `json:"event_type"`
	TotalQuantity int64  `json:"total_quantity"`
	EventCount    int64  `json:"event_count"`
}

type Service interface {
	Recompute(ctx context.Context, req RecomputeRequest) (UsageSummary, error)
	RecomputeWithRetry(ctx context.Context, req RecomputeRequest) (UsageSummary, error)
	Get(ctx context.Context, tenantID, eventType string, bucketStart time.Time) (*UsageSummary, error)
	ListForPeriod(ctx context.Context, tenantID string, p period.Period) ([]UsageSummary, error)
	// PeriodTotals sums the period's summaries by event type. tx may be nil.
	PeriodTotals(ctx context.Context, tx *gorm.DB, tenantID string, p period.Period) ([]PeriodTotal, error)
}

var (
	ErrRecomputeInFlight = errors.New("recompute_in_flight")
	ErrSummaryNotFound   = errors.New("usage_summary_not_found")
	ErrInvalidBucket     = errors.New("invalid_bucket")
	ErrBucketSealed      = errors.New("bucket_sealed")
)
