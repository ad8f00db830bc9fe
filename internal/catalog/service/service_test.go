package service

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/meterflow/internal/catalog/domain"
	"github.com/smallbiznis/meterflow/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupService(t *testing.T) *Service {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&domain.EventType{}))
	return NewService(Params{
		DB:    conn,
		Log:   zap.NewNop(),
		Clock: clock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)),
	})
}

func TestUpsertAndLookup(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()

	allowed, err := svc.IsAllowed(ctx, "T1", "api_call")
	require.NoError(t, err)
	assert.False(t, allowed)

	_, err = svc.Upsert(ctx, domain.UpsertRequest{
		TenantID: "T1", EventType: "api_call", Unit: "request", UnitPrice: "0.25", Currency: "usd",
	})
	require.NoError(t, err)

	allowed, err = svc.IsAllowed(ctx, "T1", "api_call")
	require.NoError(t, err)
	assert.True(t, allowed, "upsert must invalidate the cached miss")

	row, err := svc.Lookup(ctx, "T1", "api_call")
	require.NoError(t, err)
	assert.Equal(t, "USD", row.Currency)
	assert.True(t, row.UnitPrice.Equal(decimal.RequireFromString("0.25")))

	inactive := false
	_, err = svc.Upsert(ctx, domain.UpsertRequest{
		TenantID: "T1", EventType: "api_call", UnitPrice: "0.25", Currency: "USD", Active: &inactive,
	})
	require.NoError(t, err)
	allowed, err = svc.IsAllowed(ctx, "T1", "api_call")
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestUpsertRejectsBadInput(t *testing.T) {
	svc := setupService(t)
	_, err := svc.Upsert(context.Background(), domain.UpsertRequest{TenantID: "T1", EventType: "x", UnitPrice: "-1", Currency: "USD"})
	assert.ErrorIs(t, err, domain.ErrInvalidUnitPrice)
	_, err = svc.Upsert(context.Background(), domain.UpsertRequest{TenantID: "T1", EventType: "x", UnitPrice: "1", Currency: "US"})
	assert.ErrorIs(t, err, domain.ErrInvalidCurrency)
}

func TestAmountMinor(t *testing.T) {
	et := domain.EventType{UnitPrice: decimal.RequireFromString("0.025")}
	assert.Equal(t, int64(12), et.AmountMinor(5)) // 12.5 cents rounds to even
	assert.Equal(t, int64(22), et.AmountMinor(9)) // 22.5 cents rounds to even
	assert.Equal(t, int64(0), et.AmountMinor(0))
}

func TestActiveTenants(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()
	inactive := false
	for _, req := range []domain.UpsertRequest{
		{TenantID: "T2", EventType: "api_call", UnitPrice: "1", Currency: "USD"},
		{TenantID: "T1", EventType: "api_call", UnitPrice: "1", Currency: "USD"},
		{TenantID: "T1", EventType: "storage_gb", UnitPrice: "1", Currency: "USD"},
		{TenantID: "T3", EventType: "api_call", UnitPrice: "1", Currency: "USD", Active: &inactive},
	} {
		_, err := svc.Upsert(ctx, req)
		require.NoError(t, err)
	}

	tenants, err := svc.ActiveTenants(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"T1", "T2"}, tenants)
}
