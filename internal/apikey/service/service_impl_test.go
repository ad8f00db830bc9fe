package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	apikeydomain "github.com/smallbiznis/meterflow/internal/apikey/domain"
	"github.com/smallbiznis/meterflow/internal/apikey/repository"
	"github.com/smallbiznis/meterflow/internal/clock"
	obscontext "github.com/smallbiznis/meterflow/internal/observability/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setup(t *testing.T) (apikeydomain.Service, *clock.FakeClock) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&apikeydomain.APIKey{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))
	return New(Params{DB: db, Log: zap.NewNop(), GenID: node, Clock: clk, Repo: repository.Provide()}), clk
}

func tenantCtx(tenantID string) context.Context {
	return obscontext.WithTenantID(context.Background(), tenantID)
}

func TestCreateAndAuthenticate(t *testing.T) {
	svc, _ := setup(t)
	ctx := tenantCtx("T1")

	secret, err := svc.Create(ctx, apikeydomain.CreateRequest{Name: "ingest", Roles: []string{"Viewer", "ingest", "viewer"}})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(secret.APIKey, apikeydomain.KeyPrefix))

	key, err := svc.Authenticate(context.Background(), secret.APIKey)
	require.NoError(t, err)
	assert.Equal(t, "T1", key.TenantID)
	assert.Equal(t, secret.KeyID, key.KeyID)
	assert.Equal(t, []string{"ingest", "viewer"}, []string(key.Roles))

	listed, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.NotNil(t, listed[0].LastUsedAt)

	others, err := svc.List(tenantCtx("T2"))
	require.NoError(t, err)
	assert.Empty(t, others)
}

func TestCreateValidation(t *testing.T) {
	svc, _ := setup(t)

	_, err := svc.Create(context.Background(), apikeydomain.CreateRequest{Name: "x"})
	assert.ErrorIs(t, err, apikeydomain.ErrInvalidTenant)

	_, err = svc.Create(tenantCtx("T1"), apikeydomain.CreateRequest{Name: " "})
	assert.ErrorIs(t, err, apikeydomain.ErrInvalidName)

	_, err = svc.Create(tenantCtx("T1"), apikeydomain.CreateRequest{Name: "x", Roles: []string{"system"}})
	assert.ErrorIs(t, err, apikeydomain.ErrInvalidRole)
}

func TestAuthenticateRejectsBadSecrets(t *testing.T) {
	svc, _ := setup(t)
	secret, err := svc.Create(tenantCtx("T1"), apikeydomain.CreateRequest{Name: "ingest"})
	require.NoError(t, err)

	tampered := secret.APIKey[:len(secret.APIKey)-1] + "0"
	if tampered == secret.APIKey {
		tampered = secret.APIKey[:len(secret.APIKey)-1] + "1"
	}
	for _, raw := range []string{"", "mf_live_", "bearer", tampered, "mf_live_UNKNOWN_" + strings.Repeat("a", 64)} {
		_, err := svc.Authenticate(context.Background(), raw)
		assert.ErrorIs(t, err, apikeydomain.ErrUnauthorized, raw)
	}
}

func TestRotateKeepsOldKeyForGracePeriod(t *testing.T) {
	svc, clk := setup(t)
	ctx := tenantCtx("T1")
	original, err := svc.Create(ctx, apikeydomain.CreateRequest{Name: "ops", Roles: []string{"operator"}})
	require.NoError(t, err)

	rotated, err := svc.Rotate(ctx, original.KeyID)
	require.NoError(t, err)
	assert.NotEqual(t, original.KeyID, rotated.KeyID)

	next, err := svc.Authenticate(context.Background(), rotated.APIKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"operator"}, []string(next.Roles))
	_, err = svc.Authenticate(context.Background(), original.APIKey)
	require.NoError(t, err)

	clk.Advance(apiKeyRotationGracePeriod + time.Second)
	_, err = svc.Authenticate(context.Background(), original.APIKey)
	assert.ErrorIs(t, err, apikeydomain.ErrUnauthorized)
	_, err = svc.Authenticate(context.Background(), rotated.APIKey)
	assert.NoError(t, err)
}

func TestRevoke(t *testing.T) {
	svc, _ := setup(t)
	ctx := tenantCtx("T1")
	secret, err := svc.Create(ctx, apikeydomain.CreateRequest{Name: "ingest"})
	require.NoError(t, err)

	assert.ErrorIs(t, svc.Revoke(tenantCtx("T2"), secret.KeyID), apikeydomain.ErrNotFound)
	require.NoError(t, svc.Revoke(ctx, secret.KeyID))

	_, err = svc.Authenticate(context.Background(), secret.APIKey)
	assert.ErrorIs(t, err, apikeydomain.ErrUnauthorized)
	_, err = svc.Rotate(ctx, secret.KeyID)
	assert.ErrorIs(t, err, apikeydomain.ErrNotFound)
}
