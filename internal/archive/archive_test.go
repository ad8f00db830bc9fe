package archive

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterflow/internal/clock"
	usagedomain "github.com/smallbiznis/meterflow/internal/usage/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestArchive(t *testing.T) (*Archive, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	clk := clock.NewFakeClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	return New(store, "usage-events/", clk, zap.NewNop()), store
}

func testEvents(t *testing.T) []usagedomain.UsageEvent {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	mk := func(tenant string, qty int64, at time.Time) usagedomain.UsageEvent {
		return usagedomain.UsageEvent{
			ID:             node.Generate(),
			TenantID:       tenant,
			EventType:      "api_call",
			Quantity:       qty,
			IdempotencyKey: node.Generate().String(),
			OccurredAt:     at,
			ReceivedAt:     at,
		}
	}
	return []usagedomain.UsageEvent{
		mk("T1", 1, base),
		mk("T1", 2, base.Add(10*time.Minute)),
		mk("T1", 2, base.Add(20*time.Minute)),
		mk("t1", 7, base.Add(5*time.Minute)),
		mk("T1", 4, base.Add(26*time.Hour)),
	}
}

func TestArchivePublishAndTotals(t *testing.T) {
	a, store := newTestArchive(t)
	ctx := context.Background()
	events := testEvents(t)

	require.NoError(t, a.Publish(ctx, events))

	keys, err := store.List(ctx, "usage-events/date=2025-03-01/tenant=t1/")
	require.NoError(t, err)
	// "T1" and "t1" share a partition slug, so one object holds both tenants.
	assert.Len(t, keys, 1)
	assert.Contains(t, keys[0], ".ndjson.sz")

	day := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	totals, err := a.Totals(ctx, usagedomain.TotalsQuery{TenantID: "T1", Start: day, End: day.Add(24 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, totals, 1)
	assert.Equal(t, usagedomain.Total{TenantID: "T1", EventType: "api_call", Count: 3, Quantity: 5}, totals[0])

	totals, err = a.Totals(ctx, usagedomain.TotalsQuery{TenantID: "T1", Start: day, End: day.Add(48 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, totals, 1)
	assert.EqualValues(t, 9, totals[0].Quantity)
}

var (
	march1 = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	march3 = march1.AddDate(0, 0, 2)
)

func TestArchiveRedeliveryIsCollapsed(t *testing.T) {
	a, _ := newTestArchive(t)
	ctx := context.Background()
	events := testEvents(t)[:3]

	require.NoError(t, a.Publish(ctx, events))
	require.NoError(t, a.Publish(ctx, events[1:]))

	totals, err := a.Totals(ctx, usagedomain.TotalsQuery{TenantID: "T1", Start: march1, End: march3})
	require.NoError(t, err)
	require.Len(t, totals, 1)
	assert.EqualValues(t, 3, totals[0].Count)
	assert.EqualValues(t, 5, totals[0].Quantity)
}

func TestArchiveLostObjectShowsInTotals(t *testing.T) {
	a, store := newTestArchive(t)
	ctx := context.Background()
	events := testEvents(t)[:3]

	require.NoError(t, a.Publish(ctx, events[:2]))
	require.NoError(t, a.Publish(ctx, events[2:]))

	keys, err := store.List(ctx, "usage-events/")
	require.NoError(t, err)
	require.Len(t, keys, 2)
	store.Delete(keys[1])

	totals, err := a.Totals(ctx, usagedomain.TotalsQuery{TenantID: "T1", Start: march1, End: march3})
	require.NoError(t, err)
	require.Len(t, totals, 1)
	assert.EqualValues(t, 2, totals[0].Count)
}

func TestArchiveSkipsCorruptObjects(t *testing.T) {
	a, store := newTestArchive(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "usage-events/date=2025-03-01/tenant=t1/bad.ndjson.sz", []byte("not snappy")))
	require.NoError(t, a.Publish(ctx, testEvents(t)[:1]))

	totals, err := a.Totals(ctx, usagedomain.TotalsQuery{TenantID: "T1", Start: march1, End: march3})
	require.NoError(t, err)
	require.Len(t, totals, 1)
	assert.EqualValues(t, 1, totals[0].Quantity)
}

type countingStore struct {
	*MemoryStore
	listed []string
}

func (c *countingStore) List(ctx context.Context, prefix string) ([]string, error) {
	c.listed = append(c.listed, prefix)
	return c.MemoryStore.List(ctx, prefix)
}

func TestArchiveTenantlessTotalsListOnlyTouchedDays(t *testing.T) {
	store := &countingStore{MemoryStore: NewMemoryStore()}
	a := New(store, "usage-events", clock.NewFakeClock(march1), zap.NewNop())
	ctx := context.Background()

	events := testEvents(t)
	events = append(events, usagedomain.UsageEvent{
		ID: snowflake.ID(99), TenantID: "T2", EventType: "api_call", Quantity: 6,
		OccurredAt: march1.Add(11 * time.Hour), ReceivedAt: march1.Add(11 * time.Hour),
	})
	require.NoError(t, a.Publish(ctx, events))

	hour := march1.Add(10 * time.Hour)
	totals, err := a.Totals(ctx, usagedomain.TotalsQuery{Start: hour, End: hour.Add(2 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, []string{"usage-events/date=2025-03-01/"}, store.listed)
	require.Len(t, totals, 3)
	assert.Equal(t, usagedomain.Total{TenantID: "T1", EventType: "api_call", Count: 3, Quantity: 5}, totals[0])
	assert.Equal(t, usagedomain.Total{TenantID: "T2", EventType: "api_call", Count: 1, Quantity: 6}, totals[1])
	assert.Equal(t, "t1", totals[2].TenantID)

	_, err = a.Totals(ctx, usagedomain.TotalsQuery{TenantID: "T1"})
	assert.ErrorIs(t, err, ErrUnboundedScan)
	assert.Len(t, store.listed, 1)
}
