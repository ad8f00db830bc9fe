// Package domain describes the per-tenant allowed set of event types and their prices.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// EventType is one entry of a tenant's allowed set.
type EventType struct {
	TenantID  string          `gorm:"primaryKey;type:text" json:"tenant_id"`
	Code      string          `gorm:"primaryKey;type:text;column:event_type" json:"event_type"`
	Unit      string          `gorm:"type:text" json:"unit"`
	UnitPrice decimal.Decimal `gorm:"type:numeric(20,8);not null" json:"unit_price"`
	Currency  string          `gorm:"type:text;not null" json:"currency"`
	Active    bool            `gorm:"not null;default:true" json:"active"`
	CreatedAt time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time       `gorm:"not null" json:"updated_at"`
}

func (EventType) TableName() string { return "tenant_event_types" }

// minorUnitExponent is fixed: currency conversion is out of scope.
const minorUnitExponent = 2

// AmountMinor prices quantity in minor currency units, rounding half to even.
func (t EventType) AmountMinor(quantity int64) int64 {
	return decimal.NewFromInt(quantity).
		Mul(t.UnitPrice).
		Shift(minorUnitExponent).
		RoundBank(0).
		IntPart()
}

type UpsertRequest struct {
	TenantID  string `json:"tenant_id" validate:"required,max=128"`
	EventType string `json:"event_type" validate:"required,max=128"`
	Unit      string `json:"unit" validate:"max=64"`
	UnitPrice string `json:"unit_price" validate:"required"`
	Currency  string `json:"currency" validate:"required,len=3"`
	Active    *bool  `json:"active"`
}

type Service interface {
	Lookup(ctx context.Context, tenantID, eventType string) (*EventType, error)
	IsAllowed(ctx context.Context, tenantID, eventType string) (bool, error)
	Upsert(ctx context.Context, req UpsertRequest) (*EventType, error)
	List(ctx context.Context, tenantID string) ([]EventType, error)
	// ActiveTenants lists tenants with at least one active event type.
	ActiveTenants(ctx context.Context) ([]string, error)
}

var (
	ErrEventTypeNotFound = errors.New("event_type_not_found")
	ErrInvalidUnitPrice  = errors.New("invalid_unit_price")
	ErrInvalidCurrency   = errors.New("invalid_currency")
)
