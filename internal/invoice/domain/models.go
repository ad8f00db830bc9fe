// Package domain contains the invoice state machine models.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// InvoiceStatus moves draft -> finalized -> voided and never back.
type InvoiceStatus string

const (
	InvoiceStatusDraft     InvoiceStatus = "draft"
	InvoiceStatusFinalized InvoiceStatus = "finalized"
	InvoiceStatusVoided    InvoiceStatus = "voided"
)

// Invoice is one tenant's bill for one billing period. A draft is recomputed
// freely and is never authoritative.
type Invoice struct {
	ID              snowflake.ID  `gorm:"primaryKey" json:"id"`
	TenantID        string        `gorm:"type:text;not null;uniqueIndex:ux_invoices_tenant_period,priority:1" json:"tenant_id"`
	PeriodStart     time.Time     `gorm:"not null;uniqueIndex:ux_invoices_tenant_period,priority:2" json:"period_start"`
	PeriodEnd       time.Time     `gorm:"not null;index" json:"period_end"`
	Status          InvoiceStatus `gorm:"type:text;not null;index" json:"status"`
	Currency        string        `gorm:"type:text;not null" json:"currency"`
	Subtotal        int64         `gorm:"not null;default:0" json:"subtotal"`
	AdjustmentTotal int64         `gorm:"not null;default:0" json:"adjustment_total"`
	Total           int64         `gorm:"not null;default:0" json:"total"`
	FinalizedAt     *time.Time    `json:"finalized_at,omitempty"`
	VoidedAt        *time.Time    `json:"voided_at,omitempty"`
	VoidReason      string        `gorm:"type:text" json:"void_reason,omitempty"`
	// FinalizeAttemptedAt is the last failed or blocked finalize of a draft.
	FinalizeAttemptedAt *time.Time `json:"finalize_attempted_at,omitempty"`
	CreatedAt       time.Time     `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time     `gorm:"not null" json:"updated_at"`
	Lines           []InvoiceLine `gorm:"foreignKey:InvoiceID" json:"lines,omitempty"`

	// Provisional is set on drafts returned across the billing boundary.
	Provisional bool `gorm:"-" json:"provisional"`
}

func (Invoice) TableName() string { return "invoices" }

type LineKind string

const (
	LineKindUsage      LineKind = "usage"
	LineKindAdjustment LineKind = "adjustment"
)

type InvoiceLine struct {
	ID           snowflake.ID    `gorm:"primaryKey" json:"id"`
	InvoiceID    snowflake.ID    `gorm:"not null;index" json:"invoice_id"`
	TenantID     string          `gorm:"type:text;not null" json:"tenant_id"`
	Kind         LineKind        `gorm:"type:text;not null" json:"kind"`
	EventType    string          `gorm:"type:text;not null" json:"event_type"`
	Unit         string          `gorm:"type:text" json:"unit,omitempty"`
	Quantity     int64           `gorm:"not null" json:"quantity"`
	EventCount   int64           `gorm:"not null" json:"event_count"`
	UnitPrice    decimal.Decimal `gorm:"type:numeric(20,8);not null" json:"unit_price"`
	Amount       int64           `gorm:"not null" json:"amount"`
	AdjustmentID *snowflake.ID   `json:"adjustment_id,omitempty"`
	CreatedAt    time.Time       `gorm:"not null" json:"created_at"`
}

func (InvoiceLine) TableName() string { return "invoice_lines" }

// InvoiceAdjustment carries usage that arrived after its period was
// finalized onto the next open period's invoice.
type InvoiceAdjustment struct {
	ID                snowflake.ID    `gorm:"primaryKey" json:"id"`
	TenantID          string          `gorm:"type:text;not null;index:ix_invoice_adjustments_target,priority:1" json:"tenant_id"`
	OriginalInvoiceID snowflake.ID    `gorm:"not null;index" json:"original_invoice_id"`
	TargetPeriodStart time.Time       `gorm:"not null;index:ix_invoice_adjustments_target,priority:2" json:"target_period_start"`
	EventID           snowflake.ID    `gorm:"not null;uniqueIndex" json:"event_id"`
	EventType         string          `gorm:"type:text;not null" json:"event_type"`
	Quantity          int64           `gorm:"not null" json:"quantity"`
	UnitPrice         decimal.Decimal `gorm:"type:numeric(20,8);not null" json:"unit_price"`
	Amount            int64           `gorm:"not null" json:"amount"`
	AppliedInvoiceID  *snowflake.ID   `gorm:"index" json:"applied_invoice_id,omitempty"`
	CreatedAt         time.Time       `gorm:"not null" json:"created_at"`
}

func (InvoiceAdjustment) TableName() string { return "invoice_adjustments" }
