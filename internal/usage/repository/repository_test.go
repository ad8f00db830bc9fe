package repository

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	usagedomain "github.com/smallbiznis/meterflow/internal/usage/domain"
	"github.com/smallbiznis/meterflow/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var bucketStart = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func setupStore(t *testing.T) (*gorm.DB, usagedomain.EventStore, *snowflake.Node) {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, conn.AutoMigrate(&usagedomain.UsageEvent{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return conn, Provide(conn), node
}

func newEvent(node *snowflake.Node, key string, qty int64, at time.Time) usagedomain.UsageEvent {
	return usagedomain.UsageEvent{
		ID:             node.Generate(),
		TenantID:       "T1",
		EventType:      "api_call",
		Quantity:       qty,
		IdempotencyKey: key,
		OccurredAt:     at,
		ReceivedAt:     at,
	}
}

func TestAcceptDeduplicates(t *testing.T) {
	conn, store, node := setupStore(t)
	ctx := context.Background()

	first, err := store.Accept(ctx, newEvent(node, "k-1", 2, bucketStart.Add(5*time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, usagedomain.OutcomeInserted, first.Outcome)

	retry, err := store.Accept(ctx, newEvent(node, "k-1", 2, bucketStart.Add(5*time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, usagedomain.OutcomeDuplicateIgnored, retry.Outcome)
	assert.Equal(t, first.Event.ID, retry.Event.ID)
	assert.False(t, retry.PayloadMismatch)

	conflicting, err := store.Accept(ctx, newEvent(node, "k-1", 7, bucketStart.Add(5*time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, usagedomain.OutcomeDuplicateIgnored, conflicting.Outcome)
	assert.True(t, conflicting.PayloadMismatch)
	assert.Equal(t, int64(2), conflicting.Event.Quantity)

	var count int64
	require.NoError(t, conn.Model(&usagedomain.UsageEvent{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestAcceptConcurrentRetries(t *testing.T) {
	conn, store, node := setupStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	outcomes := make(chan usagedomain.AcceptOutcome, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := store.Accept(ctx, newEvent(node, "same", 1, bucketStart))
			if assert.NoError(t, err) {
				outcomes <- res.Outcome
			}
		}()
	}
	wg.Wait()
	close(outcomes)

	inserted := 0
	for o := range outcomes {
		if o == usagedomain.OutcomeInserted {
			inserted++
		}
	}
	assert.Equal(t, 1, inserted)

	var count int64
	require.NoError(t, conn.Model(&usagedomain.UsageEvent{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestEventsInRangeIsOrderedAndRestartable(t *testing.T) {
	_, store, node := setupStore(t)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		at := bucketStart.Add(time.Duration(6-i) * time.Minute)
		_, err := store.Accept(ctx, newEvent(node, fmt.Sprintf("k-%d", i), int64(i+1), at))
		require.NoError(t, err)
	}
	// outside the range
	_, err := store.Accept(ctx, newEvent(node, "k-out", 100, bucketStart.Add(time.Hour)))
	require.NoError(t, err)

	q := usagedomain.RangeQuery{
		TenantID: "T1", EventType: "api_call",
		Start: bucketStart, End: bucketStart.Add(time.Hour),
		PageSize: 3,
	}
	it := store.EventsInRange(q)
	var seen []usagedomain.UsageEvent
	for len(seen) < 4 && it.Next(ctx) {
		seen = append(seen, it.Event())
	}
	require.NoError(t, it.Err())
	require.Len(t, seen, 4)

	q.After = it.Cursor()
	resumed := store.EventsInRange(q)
	for resumed.Next(ctx) {
		seen = append(seen, resumed.Event())
	}
	require.NoError(t, resumed.Err())
	require.Len(t, seen, 7)

	var total int64
	for i, e := range seen {
		total += e.Quantity
		if i > 0 {
			assert.False(t, e.OccurredAt.Before(seen[i-1].OccurredAt))
		}
	}
	assert.Equal(t, int64(28), total)
}

func TestEventsInRangeHonoursCancellation(t *testing.T) {
	_, store, node := setupStore(t)
	_, err := store.Accept(context.Background(), newEvent(node, "k", 1, bucketStart))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	it := store.EventsInRange(usagedomain.RangeQuery{TenantID: "T1", EventType: "api_call", Start: bucketStart, End: bucketStart.Add(time.Hour)})
	assert.False(t, it.Next(ctx))
	assert.ErrorIs(t, it.Err(), context.Canceled)
}

func TestTotals(t *testing.T) {
	_, store, node := setupStore(t)
	ctx := context.Background()
	for i, qty := range []int64{1, 2, 2} {
		_, err := store.Accept(ctx, newEvent(node, fmt.Sprintf("k-%d", i), qty, bucketStart.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}

	totals, err := store.Totals(ctx, usagedomain.TotalsQuery{TenantID: "T1", Start: bucketStart, End: bucketStart.Add(time.Hour)})
	require.NoError(t, err)
	require.Len(t, totals, 1)
	assert.Equal(t, int64(3), totals[0].Count)
	assert.Equal(t, int64(5), totals[0].Quantity)
}

func TestListPaginates(t *testing.T) {
	_, store, node := setupStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := store.Accept(ctx, newEvent(node, fmt.Sprintf("k-%d", i), 1, bucketStart.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}

	page, err := store.List(ctx, usagedomain.ListEventsRequest{TenantID: "T1", Pagination: pagination.Pagination{PageSize: 3}})
	require.NoError(t, err)
	assert.Len(t, page.Events, 3)
	assert.True(t, page.HasMore)

	next, err := store.List(ctx, usagedomain.ListEventsRequest{TenantID: "T1", Pagination: pagination.Pagination{PageSize: 3, PageToken: page.NextPageToken}})
	require.NoError(t, err)
	assert.Len(t, next.Events, 2)
	assert.False(t, next.HasMore)

	_, err = store.List(ctx, usagedomain.ListEventsRequest{TenantID: "T1", Pagination: pagination.Pagination{PageToken: "%%%"}})
	assert.ErrorIs(t, err, pagination.ErrInvalidPageToken)
}

func TestGetScopesByTenant(t *testing.T) {
	_, store, node := setupStore(t)
	res, err := store.Accept(context.Background(), newEvent(node, "k", 1, bucketStart))
	require.NoError(t, err)

	_, err = store.Get(context.Background(), "T2", res.Event.ID)
	assert.ErrorIs(t, err, usagedomain.ErrEventNotFound)
	got, err := store.Get(context.Background(), "T1", res.Event.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Event.IdempotencyKey, got.IdempotencyKey)
}

func TestPurgeExpiredKeepsUnsealedAndUnreplicated(t *testing.T) {
	conn, store, node := setupStore(t)
	ctx := context.Background()
	require.NoError(t, conn.Exec(`CREATE TABLE period_seals (
		tenant_id TEXT NOT NULL,
		period_start DATETIME NOT NULL,
		period_end DATETIME NOT NULL,
		invoice_id INTEGER NOT NULL,
		sealed_at DATETIME NOT NULL,
		PRIMARY KEY (tenant_id, period_start))`).Error)
	require.NoError(t, conn.Exec(`CREATE TABLE late_arrivals (
		event_id INTEGER PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		period_start DATETIME NOT NULL,
		invoice_id INTEGER NOT NULL,
		observed_at DATETIME NOT NULL,
		deferred_at DATETIME)`).Error)

	sealedStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, conn.Exec(
		"INSERT INTO period_seals (tenant_id, period_start, period_end, invoice_id, sealed_at) VALUES (?, ?, ?, ?, ?)",
		"T1", sealedStart, sealedStart.AddDate(0, 1, 0), 1, sealedStart.AddDate(0, 1, 1),
	).Error)

	shipped := time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC)
	insert := func(key string, at time.Time, replicated bool) snowflake.ID {
		e := newEvent(node, key, 1, at)
		if replicated {
			e.ReplicatedAt = &shipped
		}
		_, err := store.Accept(ctx, e)
		require.NoError(t, err)
		return e.ID
	}
	insert("sealed-shipped", bucketStart, true)
	insert("sealed-pending", bucketStart.Add(time.Minute), false)
	insert("open-shipped", time.Date(2026, 4, 1, 1, 0, 0, 0, time.UTC), true)
	lateID := insert("sealed-late", bucketStart.Add(2*time.Minute), true)
	require.NoError(t, conn.Exec(
		"INSERT INTO late_arrivals (event_id, tenant_id, period_start, invoice_id, observed_at) VALUES (?, ?, ?, ?, ?)",
		lateID, "T1", sealedStart, 1, shipped,
	).Error)

	cutoff := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	purged, err := store.PurgeExpired(ctx, cutoff, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	var keys []string
	require.NoError(t, conn.Model(&usagedomain.UsageEvent{}).Order("idempotency_key").Pluck("idempotency_key", &keys).Error)
	assert.Equal(t, []string{"open-shipped", "sealed-late", "sealed-pending"}, keys)

	purged, err = store.PurgeExpired(ctx, cutoff, 10)
	require.NoError(t, err)
	assert.Zero(t, purged)

	require.NoError(t, conn.Exec("UPDATE late_arrivals SET deferred_at = ? WHERE event_id = ?", shipped, lateID).Error)
	purged, err = store.PurgeExpired(ctx, cutoff, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
}
