// Package domain contains the raw usage event model and the store contracts.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// UsageEvent is an accepted unit of metered activity. Rows are immutable once
// written; ReplicatedAt is bookkeeping for the downstream publisher only.
type UsageEvent struct {
	ID             snowflake.ID      `gorm:"primaryKey" json:"id"`
	TenantID       string            `gorm:"type:text;not null;uniqueIndex:ux_usage_events_idempotency,priority:1;index:ix_usage_events_range,priority:1" json:"tenant_id"`
	EventType      string            `gorm:"type:text;not null;index:ix_usage_events_range,priority:2" json:"event_type"`
	Quantity       int64             `gorm:"not null" json:"quantity"`
	Unit           string            `gorm:"type:text" json:"unit,omitempty"`
	IdempotencyKey string            `gorm:"type:text;not null;uniqueIndex:ux_usage_events_idempotency,priority:2" json:"idempotency_key"`
	OccurredAt     time.Time         `gorm:"not null;index:ix_usage_events_range,priority:3" json:"occurred_at"`
	ReceivedAt     time.Time         `gorm:"not null" json:"received_at"`
	Source         string            `gorm:"type:text" json:"source,omitempty"`
	Metadata       datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	ReplicatedAt   *time.Time        `gorm:"index" json:"-"`
}

func (UsageEvent) TableName() string { return "usage_events" }

// SamePayload reports whether two events carry the same logical usage.
func (e UsageEvent) SamePayload(other UsageEvent) bool {
	return e.TenantID == other.TenantID &&
		e.EventType == other.EventType &&
		e.Quantity == other.Quantity &&
		e.OccurredAt.Equal(other.OccurredAt)
}

type AcceptOutcome string

const (
	OutcomeInserted         AcceptOutcome = "inserted"
	OutcomeDuplicateIgnored AcceptOutcome = "duplicate_ignored"
	OutcomeRejected         AcceptOutcome = "rejected"
)

// AcceptResult carries the stored event. For duplicates it is the original row.
type AcceptResult struct {
	Outcome AcceptOutcome `json:"outcome"`
	Event   UsageEvent    `json:"event"`
	// PayloadMismatch is set when a duplicate key arrived with different usage.
	PayloadMismatch bool `json:"payload_mismatch,omitempty"`
}

// Cursor is a position in the (occurred_at, id) ordering of a range scan.
type Cursor struct {
	OccurredAt time.Time    `json:"occurred_at"`
	ID         snowflake.ID `json:"id"`
}

func (c Cursor) IsZero() bool { return c.ID == 0 && c.OccurredAt.IsZero() }

// RangeQuery selects events with occurred_at in [Start, End).
type RangeQuery struct {
	TenantID  string
	EventType string
	Start     time.Time
	End       time.Time
	PageSize  int
	// After resumes a scan strictly after the given position.
	After Cursor
}

// Total is an authoritative count and sum over a slice of the store.
type Total struct {
	TenantID  string `json:"tenant_id"`
	EventType string `json:"event_type"`
	Count     int64  `json:"count"`
	Quantity  int64  `json:"quantity"`
}

// TotalsQuery groups events with occurred_at in [Start, End). Empty filters match all.
type TotalsQuery struct {
	TenantID  string
	EventType string
	Start     time.Time
	End       time.Time

	// ReplicatedOnly skips events the replication worker has not shipped yet.
	ReplicatedOnly bool
}
