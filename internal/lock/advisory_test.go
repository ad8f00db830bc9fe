package lock

import (
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func openMockPostgres(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	conn, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{SkipDefaultTransaction: true})
	require.NoError(t, err)
	return conn, mock
}

func TestTryAdvisoryXactLockOnPostgres(t *testing.T) {
	conn, mock := openMockPostgres(t)
	key := PeriodKey("T1", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT pg_try_advisory_xact_lock($1)`)).
		WithArgs(AdvisoryKey(key)).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_xact_lock"}).AddRow(false))

	ok, err := TryAdvisoryXactLock(conn, key)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdvisoryXactLockSharedOnPostgres(t *testing.T) {
	conn, mock := openMockPostgres(t)
	key := PeriodKey("T1", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))

	mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_xact_lock_shared($1)`)).
		WithArgs(AdvisoryKey(key)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, AdvisoryXactLockShared(conn, key))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPeriodKeyIsStable(t *testing.T) {
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.FixedZone("WIB", 7*3600))
	assert.Equal(t, "period:T1:2026-02-28T17:00:00Z", PeriodKey(" T1 ", at))
	assert.Equal(t, AdvisoryKey(PeriodKey("T1", at)), AdvisoryKey(PeriodKey("T1", at.UTC())))
}
