// Package domain holds the append-only ledger. Every entry header carries
// balanced lines; nothing is updated or deleted once written.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterflow/pkg/db/pagination"
	"gorm.io/gorm"
)

// EntryType is the side of a posting line.
type EntryType string

const (
	EntryTypeDebit  EntryType = "debit"
	EntryTypeCredit EntryType = "credit"
)

type AccountType string

const (
	AccountReceivable    AccountType = "receivable"
	AccountRevenue       AccountType = "revenue"
	AccountCreditBalance AccountType = "credit_balance"
)

type ReferenceType string

const (
	// ReferenceInvoice is the usage charge of a finalized invoice.
	ReferenceInvoice ReferenceType = "invoice"
	// ReferenceAdjustment is late usage applied to a later invoice.
	ReferenceAdjustment ReferenceType = "adjustment"
	// ReferenceVoid offsets a voided invoice.
	ReferenceVoid ReferenceType = "invoice_void"
)

// LedgerEntry is the immutable header of a financial event.
type LedgerEntry struct {
	ID               snowflake.ID      `gorm:"primaryKey" json:"id"`
	TenantID         string            `gorm:"type:text;not null;uniqueIndex:ux_ledger_entries_reference,priority:1" json:"tenant_id"`
	ReferenceType    ReferenceType     `gorm:"type:text;not null;uniqueIndex:ux_ledger_entries_reference,priority:2" json:"reference_type"`
	ReferenceID      string            `gorm:"type:text;not null;uniqueIndex:ux_ledger_entries_reference,priority:3" json:"reference_id"`
	Currency         string            `gorm:"type:text;not null" json:"currency"`
	IsAdjustment     bool              `gorm:"not null;default:false" json:"is_adjustment"`
	AdjustsInvoiceID *snowflake.ID     `json:"adjusts_invoice_id,omitempty"`
	OccurredAt       time.Time         `gorm:"not null" json:"occurred_at"`
	CreatedAt        time.Time         `gorm:"not null" json:"created_at"`
	Lines            []LedgerEntryLine `gorm:"foreignKey:LedgerEntryID" json:"lines,omitempty"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (LedgerEntry) BeforeUpdate(*gorm.DB) error { return ErrImmutableEntry }

func (LedgerEntry) BeforeDelete(*gorm.DB) error { return ErrImmutableEntry }

// LedgerEntryLine is one side of a double-entry posting.
type LedgerEntryLine struct {
	ID            snowflake.ID  `gorm:"primaryKey" json:"id"`
	LedgerEntryID snowflake.ID  `gorm:"not null;index" json:"ledger_entry_id"`
	TenantID      string        `gorm:"type:text;not null;index" json:"tenant_id"`
	AccountType   AccountType   `gorm:"type:text;not null" json:"account_type"`
	EntryType     EntryType     `gorm:"type:text;not null" json:"entry_type"`
	Amount        int64         `gorm:"not null" json:"amount"`
	ReferenceType ReferenceType `gorm:"type:text;not null" json:"reference_type"`
	ReferenceID   string        `gorm:"type:text;not null" json:"reference_id"`
	CreatedAt     time.Time     `gorm:"not null" json:"created_at"`
}

func (LedgerEntryLine) TableName() string { return "ledger_entry_lines" }

func (LedgerEntryLine) BeforeUpdate(*gorm.DB) error { return ErrImmutableEntry }

func (LedgerEntryLine) BeforeDelete(*gorm.DB) error { return ErrImmutableEntry }

type PostingLine struct {
	AccountType AccountType
	EntryType   EntryType
	// Amount is in minor currency units and must be positive.
	Amount int64
}

// Posting is a request to write one balanced entry. ReferenceType and
// ReferenceID identify it; posting the same reference twice is a no-op.
type Posting struct {
	TenantID         string
	ReferenceType    ReferenceType
	ReferenceID      string
	Currency         string
	IsAdjustment     bool
	AdjustsInvoiceID *snowflake.ID
	OccurredAt       time.Time
	Lines            []PostingLine
}

// Balance is the signed position of each account under its normal side:
// receivable is debit-normal, revenue and credit balance are credit-normal.
type Balance struct {
	TenantID      string `json:"tenant_id"`
	Receivable    int64  `json:"receivable"`
	Revenue       int64  `json:"revenue"`
	CreditBalance int64  `json:"credit_balance"`
	TotalDebits   int64  `json:"total_debits"`
	TotalCredits  int64  `json:"total_credits"`
}

func (b Balance) Balanced() bool { return b.TotalDebits == b.TotalCredits }

type ListEntriesRequest struct {
	TenantID      string
	ReferenceType ReferenceType
	ReferenceID   string
	pagination.Pagination
}

type ListEntriesResponse struct {
	pagination.PageInfo
	Entries []LedgerEntry `json:"entries"`
}

type Service interface {
	// Post writes the entry using tx when given, so callers can post inside
	// their own transaction. It reports whether a new entry was written.
	Post(ctx context.Context, tx *gorm.DB, posting Posting) (bool, error)
	Balance(ctx context.Context, tenantID string) (Balance, error)
	ListEntries(ctx context.Context, req ListEntriesRequest) (ListEntriesResponse, error)
}

// ValidateBalanced checks that lines are well formed and debits equal credits.
func ValidateBalanced(lines []PostingLine) error {
	if len(lines) < 2 {
		return ErrInvalidEntryLines
	}
	var debits, credits int64
	for _, line := range lines {
		if line.Amount <= 0 {
			return ErrInvalidLineAmount
		}
		switch line.AccountType {
		case AccountReceivable, AccountRevenue, AccountCreditBalance:
		default:
			return ErrInvalidAccountType
		}
		switch line.EntryType {
		case EntryTypeDebit:
			debits += line.Amount
		case EntryTypeCredit:
			credits += line.Amount
		default:
			return ErrInvalidEntryType
		}
	}
	if debits != credits {
		return ErrUnbalancedEntry
	}
	return nil
}

var (
	ErrInvalidTenant      = errors.New("invalid_tenant")
	ErrInvalidReference   = errors.New("invalid_ledger_reference")
	ErrInvalidCurrency    = errors.New("invalid_currency")
	ErrInvalidOccurredAt  = errors.New("invalid_occurred_at")
	ErrInvalidEntryLines  = errors.New("invalid_entry_lines")
	ErrInvalidLineAmount  = errors.New("invalid_line_amount")
	ErrInvalidAccountType = errors.New("invalid_account_type")
	ErrInvalidEntryType   = errors.New("invalid_entry_type")
	ErrUnbalancedEntry    = errors.New("unbalanced_ledger_entry")
	ErrImmutableEntry     = errors.New("ledger_entry_immutable")
)
