// Package domain describes reconciliation runs between the authoritative
// event store and its derived copies.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/meterflow/internal/period"
	"github.com/smallbiznis/meterflow/pkg/db/pagination"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Level string

const (
	// LevelCount compares event counts against every downstream copy.
	LevelCount Level = "count"
	// LevelSum compares per tenant and event type quantity sums.
	LevelSum Level = "sum"
	// LevelFull runs before finalize: counts and sums against every copy,
	// plus raw events against usage summaries.
	LevelFull Level = "full"
)

func (l Level) Valid() bool {
	switch l {
	case LevelCount, LevelSum, LevelFull:
		return true
	}
	return false
}

type Status string

const (
	StatusMatch Status = "match"
	StatusDrift Status = "drift"
)

// TargetSummaries names the usage summary table as a comparison target.
const TargetSummaries = "summaries"

type Scope struct {
	Level     Level
	TenantID  string
	EventType string
	Period    period.Period
}

// Detail is one compared slice. Deltas are authoritative minus target, so a
// positive value means the target is missing data.
type Detail struct {
	Target             string `json:"target"`
	TenantID           string `json:"tenant_id"`
	EventType          string `json:"event_type"`
	AuthoritativeQty   int64  `json:"authoritative_quantity"`
	TargetQty          int64  `json:"target_quantity"`
	AuthoritativeCount int64  `json:"authoritative_count"`
	TargetCount        int64  `json:"target_count"`
	Delta              int64  `json:"delta"`
	CountDelta         int64  `json:"count_delta"`
	WithinTolerance    bool   `json:"within_tolerance"`
}

type Result struct {
	RunID      string   `json:"run_id"`
	Status     Status   `json:"status"`
	Delta      int64    `json:"delta"`
	CountDelta int64    `json:"count_delta"`
	Details    []Detail `json:"details"`

	// WithinTolerance is false when any drifting slice exceeds the threshold.
	WithinTolerance bool `json:"within_tolerance"`
}

// Blocking reports drift beyond tolerance.
func (r Result) Blocking() bool {
	return r.Status == StatusDrift && !r.WithinTolerance
}

// Run is the persisted record of one Reconcile call. Runs are never updated.
type Run struct {
	ID              string                       `gorm:"primaryKey;type:text" json:"id"`
	Level           Level                        `gorm:"type:text;not null;index:ix_reconciliation_runs_scope,priority:2" json:"level"`
	TenantID        string                       `gorm:"type:text;not null;default:'';index:ix_reconciliation_runs_scope,priority:1" json:"tenant_id"`
	EventType       string                       `gorm:"type:text;not null;default:''" json:"event_type"`
	PeriodStart     time.Time                    `gorm:"not null;index:ix_reconciliation_runs_scope,priority:3" json:"period_start"`
	PeriodEnd       time.Time                    `gorm:"not null" json:"period_end"`
	Status          Status                       `gorm:"type:text;not null" json:"status"`
	Delta           int64                        `gorm:"not null" json:"delta"`
	CountDelta      int64                        `gorm:"not null" json:"count_delta"`
	WithinTolerance bool                         `gorm:"not null" json:"within_tolerance"`
	Details         datatypes.JSONType[[]Detail] `json:"details"`
	StartedAt       time.Time                    `gorm:"not null" json:"started_at"`
	CompletedAt     time.Time                    `gorm:"not null;index:ix_reconciliation_runs_scope,priority:4" json:"completed_at"`
}

func (Run) TableName() string { return "reconciliation_runs" }

func (r Run) Blocking() bool {
	return r.Status == StatusDrift && !r.WithinTolerance
}

func (r Run) Result() Result {
	return Result{
		RunID:           r.ID,
		Status:          r.Status,
		Delta:           r.Delta,
		CountDelta:      r.CountDelta,
		Details:         r.Details.Data(),
		WithinTolerance: r.WithinTolerance,
	}
}

type ListRunsRequest struct {
	TenantID string
	Level    Level
	Status   Status
	pagination.Pagination
}

type ListRunsResponse struct {
	pagination.PageInfo
	Runs []Run `json:"runs"`
}

type Service interface {
	Reconcile(ctx context.Context, scope Scope) (Result, error)
	// LatestFull returns the newest full run covering exactly the period. tx may be nil.
	LatestFull(ctx context.Context, tx *gorm.DB, tenantID string, p period.Period) (*Run, error)
	ListRuns(ctx context.Context, req ListRunsRequest) (ListRunsResponse, error)
}

var (
	ErrReconciliationDrift = errors.New("reconciliation_drift")
	ErrInvalidScope        = errors.New("invalid_reconciliation_scope")
	ErrRunNotFound         = errors.New("reconciliation_run_not_found")
)
