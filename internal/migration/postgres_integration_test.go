//go:build integration

package migration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func newPostgres(t *testing.T) *gorm.DB {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("meterflow_test"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	conn, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	return conn
}

func TestPostgresMigrationsApplyAndGuardAppendOnlyTables(t *testing.T) {
	conn := newPostgres(t)
	require.NoError(t, Apply(conn))
	require.NoError(t, Apply(conn))

	now := time.Now().UTC()
	require.NoError(t, conn.Exec(`INSERT INTO ledger_entries
		(id, tenant_id, reference_type, reference_id, currency, occurred_at, created_at)
		VALUES (1, 'T1', 'invoice', '1', 'USD', ?, ?)`, now, now).Error)
	require.NoError(t, conn.Exec(`INSERT INTO ledger_entry_lines
		(id, ledger_entry_id, tenant_id, account_type, entry_type, amount, reference_type, reference_id, created_at)
		VALUES (2, 1, 'T1', 'receivable', 'debit', 500, 'invoice', '1', ?)`, now).Error)

	assert.Error(t, conn.Exec(`UPDATE ledger_entry_lines SET amount = 1 WHERE id = 2`).Error)
	assert.Error(t, conn.Exec(`DELETE FROM ledger_entries WHERE id = 1`).Error)

	require.NoError(t, conn.Exec(`INSERT INTO usage_events
		(id, tenant_id, event_type, quantity, idempotency_key, occurred_at, received_at)
		VALUES (10, 'T1', 'api_call', 2, 'k1', ?, ?)`, now, now).Error)
	assert.Error(t, conn.Exec(`UPDATE usage_events SET quantity = 3 WHERE id = 10`).Error)
	assert.NoError(t, conn.Exec(`UPDATE usage_events SET replicated_at = ? WHERE id = 10`, now).Error)
	assert.Error(t, conn.Exec(`INSERT INTO usage_events
		(id, tenant_id, event_type, quantity, idempotency_key, occurred_at, received_at)
		VALUES (11, 'T1', 'api_call', -1, 'k2', ?, ?)`, now, now).Error)
}
