package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	aggregationdomain "github.com/smallbiznis/meterflow/internal/aggregation/domain"
	"github.com/smallbiznis/meterflow/internal/clock"
	"github.com/smallbiznis/meterflow/internal/config"
	"github.com/smallbiznis/meterflow/internal/lock"
	"github.com/smallbiznis/meterflow/internal/period"
	usagedomain "github.com/smallbiznis/meterflow/internal/usage/domain"
	usagerepository "github.com/smallbiznis/meterflow/internal/usage/repository"
	watermarkdomain "github.com/smallbiznis/meterflow/internal/watermark/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var bucketStart = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type fixture struct {
	db     *gorm.DB
	store  usagedomain.EventStore
	node   *snowflake.Node
	clock  *clock.FakeClock
	locker *lock.LocalLocker
	svc    *Service
}

func setup(t *testing.T) *fixture {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, conn.AutoMigrate(&usagedomain.UsageEvent{}, &aggregationdomain.UsageSummary{}, &watermarkdomain.PeriodSeal{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	f := &fixture{
		db:     conn,
		store:  usagerepository.Provide(conn),
		node:   node,
		clock:  clock.NewFakeClock(bucketStart.Add(30 * time.Minute)),
		locker: lock.NewLocalLocker(),
	}
	f.svc = f.newService(f.store)
	return f
}

func (f *fixture) newService(events usagedomain.EventStore) *Service {
	svc := NewService(Params{
		DB:     f.db,
		Log:    zap.NewNop(),
		Clock:  f.clock,
		Policy: config.NewStaticPolicy(config.DefaultPipelinePolicy()),
		Events: events,
		Locker: f.locker,
	})
	svc.retryInitial = time.Millisecond
	return svc
}

func (f *fixture) accept(t *testing.T, key string, qty int64, at time.Time) {
	t.Helper()
	_, err := f.store.Accept(context.Background(), usagedomain.UsageEvent{
		ID:             f.node.Generate(),
		TenantID:       "T1",
		EventType:      "api_call",
		Quantity:       qty,
		IdempotencyKey: key,
		OccurredAt:     at,
		ReceivedAt:     f.clock.Now(),
	})
	require.NoError(t, err)
}

func request() aggregationdomain.RecomputeRequest {
	return aggregationdomain.RecomputeRequest{TenantID: "T1", EventType: "api_call", BucketStart: bucketStart, Trigger: aggregationdomain.TriggerSchedule}
}

func TestRecomputeReplacesRatherThanIncrements(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.accept(t, "a", 1, bucketStart.Add(time.Minute))
	f.accept(t, "b", 2, bucketStart.Add(2*time.Minute))
	f.accept(t, "c", 2, bucketStart.Add(3*time.Minute))
	f.accept(t, "c", 2, bucketStart.Add(3*time.Minute)) // retry
	f.accept(t, "other-bucket", 50, bucketStart.Add(time.Hour))

	first, err := f.svc.Recompute(ctx, request())
	require.NoError(t, err)
	assert.Equal(t, int64(5), first.TotalQuantity)
	assert.Equal(t, int64(3), first.EventCount)

	f.clock.Advance(time.Minute)
	second, err := f.svc.Recompute(ctx, request())
	require.NoError(t, err)
	assert.Equal(t, first.TotalQuantity, second.TotalQuantity)
	assert.Equal(t, first.EventCount, second.EventCount)

	var rows int64
	require.NoError(t, f.db.Model(&aggregationdomain.UsageSummary{}).Count(&rows).Error)
	assert.Equal(t, int64(1), rows)
}

func TestRecomputeIsOrderIndependent(t *testing.T) {
	quantities := []int64{4, 1, 7, 3, 2}
	orders := [][]int{{0, 1, 2, 3, 4}, {4, 3, 2, 1, 0}, {2, 0, 4, 1, 3}}

	for i, order := range orders {
		t.Run(fmt.Sprintf("order_%d", i), func(t *testing.T) {
			f := setup(t)
			for _, idx := range order {
				f.accept(t, fmt.Sprintf("k-%d", idx), quantities[idx], bucketStart.Add(time.Duration(idx)*time.Minute))
			}
			summary, err := f.svc.Recompute(context.Background(), request())
			require.NoError(t, err)
			assert.Equal(t, int64(17), summary.TotalQuantity)
			assert.Equal(t, int64(5), summary.EventCount)
		})
	}
}

func TestRecomputeDeduplicatesInFlight(t *testing.T) {
	f := setup(t)
	lease, ok, err := f.locker.TryLock(context.Background(), recomputeKey("T1", "api_call", bucketStart), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	defer lease.Release(context.Background())

	_, err = f.svc.Recompute(context.Background(), request())
	assert.ErrorIs(t, err, aggregationdomain.ErrRecomputeInFlight)
}

func TestRecomputeRejectsUnalignedBucket(t *testing.T) {
	f := setup(t)
	req := request()
	req.BucketStart = bucketStart.Add(time.Minute)
	_, err := f.svc.Recompute(context.Background(), req)
	assert.ErrorIs(t, err, aggregationdomain.ErrInvalidBucket)
}

func TestRecomputeIgnoresStaleWrite(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.accept(t, "a", 3, bucketStart)

	newer := aggregationdomain.UsageSummary{
		TenantID: "T1", EventType: "api_call",
		BucketStart: bucketStart, BucketEnd: bucketStart.Add(time.Hour),
		TotalQuantity: 3, EventCount: 1,
		ComputedAt: f.clock.Now().Add(time.Hour),
	}
	require.NoError(t, f.db.Create(&newer).Error)

	got, err := f.svc.Recompute(ctx, request())
	require.NoError(t, err)
	assert.True(t, got.ComputedAt.Equal(newer.ComputedAt), "older recompute must not overwrite a newer summary")
}

type flakyStore struct {
	usagedomain.EventStore
	failures atomic.Int32
	err      error
}

func (s *flakyStore) EventsInRange(q usagedomain.RangeQuery) usagedomain.EventIterator {
	if s.failures.Add(-1) >= 0 {
		return failedIterator{err: s.err}
	}
	return s.EventStore.EventsInRange(q)
}

type failedIterator struct{ err error }

func (failedIterator) Next(context.Context) bool { return false }
func (failedIterator) Event() usagedomain.UsageEvent { return usagedomain.UsageEvent{} }
func (failedIterator) Cursor() usagedomain.Cursor { return usagedomain.Cursor{} }
func (it failedIterator) Err() error { return it.err }

func TestFailedRecomputeKeepsPriorSummary(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.accept(t, "a", 2, bucketStart)
	_, err := f.svc.Recompute(ctx, request())
	require.NoError(t, err)

	f.accept(t, "b", 5, bucketStart.Add(time.Minute))
	flaky := &flakyStore{EventStore: f.store, err: errors.New("boom")}
	flaky.failures.Store(1)
	_, err = f.newService(flaky).Recompute(ctx, request())
	require.Error(t, err)

	stored, err := f.svc.Get(ctx, "T1", "api_call", bucketStart)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.TotalQuantity)
}

func TestRecomputeWithRetry(t *testing.T) {
	f := setup(t)
	f.accept(t, "a", 2, bucketStart)

	flaky := &flakyStore{EventStore: f.store, err: errors.New("database is locked")}
	flaky.failures.Store(2)
	summary, err := f.newService(flaky).RecomputeWithRetry(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, int64(2), summary.TotalQuantity)

	permanent := &flakyStore{EventStore: f.store, err: errors.New("syntax error")}
	permanent.failures.Store(1)
	_, err = f.newService(permanent).RecomputeWithRetry(context.Background(), request())
	require.Error(t, err)
	assert.Equal(t, int32(0), permanent.failures.Load(), "permanent errors are not retried")
}

func TestPeriodTotals(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.accept(t, "a", 2, bucketStart)
	f.accept(t, "b", 3, bucketStart.Add(time.Hour))

	_, err := f.svc.Recompute(ctx, request())
	require.NoError(t, err)
	next := request()
	next.BucketStart = bucketStart.Add(time.Hour)
	_, err = f.svc.Recompute(ctx, next)
	require.NoError(t, err)

	p, err := period.BillingPeriod(bucketStart, period.Monthly)
	require.NoError(t, err)
	totals, err := f.svc.PeriodTotals(ctx, nil, "T1", p)
	require.NoError(t, err)
	require.Len(t, totals, 1)
	assert.Equal(t, int64(5), totals[0].TotalQuantity)
	assert.Equal(t, int64(2), totals[0].EventCount)

	rows, err := f.svc.ListForPeriod(ctx, "T1", p)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestRecomputeRefusesSealedPeriod(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.accept(t, "a", 5, bucketStart.Add(time.Minute))
	sealed, err := f.svc.Recompute(ctx, request())
	require.NoError(t, err)
	assert.Equal(t, int64(5), sealed.TotalQuantity)

	march := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, f.db.Create(&watermarkdomain.PeriodSeal{
		TenantID:    "T1",
		PeriodStart: march,
		PeriodEnd:   march.AddDate(0, 1, 0),
		InvoiceID:   f.node.Generate(),
		SealedAt:    f.clock.Now(),
	}).Error)

	f.accept(t, "late", 4, bucketStart.Add(2*time.Minute))
	f.clock.Advance(time.Minute)
	_, err = f.svc.RecomputeWithRetry(ctx, request())
	require.ErrorIs(t, err, aggregationdomain.ErrBucketSealed)

	stored, err := f.svc.Get(ctx, "T1", "api_call", bucketStart)
	require.NoError(t, err)
	assert.Equal(t, int64(5), stored.TotalQuantity)
	assert.Equal(t, int64(1), stored.EventCount)

	// Other tenants are unaffected by the seal.
	_, err = f.store.Accept(ctx, usagedomain.UsageEvent{
		ID: f.node.Generate(), TenantID: "T2", EventType: "api_call", Quantity: 3,
		IdempotencyKey: "t2", OccurredAt: bucketStart.Add(time.Minute), ReceivedAt: f.clock.Now(),
	})
	require.NoError(t, err)
	other, err := f.svc.Recompute(ctx, aggregationdomain.RecomputeRequest{TenantID: "T2", EventType: "api_call", BucketStart: bucketStart})
	require.NoError(t, err)
	assert.Equal(t, int64(3), other.TotalQuantity)
}
