package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	aggregationdomain "github.com/smallbiznis/meterflow/internal/aggregation/domain"
	aggregationservice "github.com/smallbiznis/meterflow/internal/aggregation/service"
	"github.com/smallbiznis/meterflow/internal/clock"
	"github.com/smallbiznis/meterflow/internal/config"
	"github.com/smallbiznis/meterflow/internal/lock"
	obscontext "github.com/smallbiznis/meterflow/internal/observability/context"
	"github.com/smallbiznis/meterflow/internal/period"
	usagedomain "github.com/smallbiznis/meterflow/internal/usage/domain"
	usagerepository "github.com/smallbiznis/meterflow/internal/usage/repository"
	"github.com/smallbiznis/meterflow/internal/usage/validation"
	watermarkdomain "github.com/smallbiznis/meterflow/internal/watermark/domain"
	watermarkservice "github.com/smallbiznis/meterflow/internal/watermark/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var bucketStart = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type allowAll struct{}

func (allowAll) IsAllowed(context.Context, string, string) (bool, error) { return true, nil }

type lateHandlerMock struct {
	mock.Mock
}

func (m *lateHandlerMock) DeferLateUsage(ctx context.Context, event usagedomain.UsageEvent, originalInvoiceID snowflake.ID) error {
	args := m.Called(ctx, event.IdempotencyKey, originalInvoiceID)
	return args.Error(0)
}

type fixture struct {
	db         *gorm.DB
	clock      *clock.FakeClock
	node       *snowflake.Node
	aggregator *aggregationservice.Service
	watermarks *watermarkservice.Service
	late       *lateHandlerMock
	svc        *Service
}

func setup(t *testing.T, ingest config.IngestConfig) *fixture {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, conn.AutoMigrate(
		&usagedomain.UsageEvent{},
		&aggregationdomain.UsageSummary{},
		&watermarkdomain.Watermark{},
		&watermarkdomain.PeriodSeal{},
		&watermarkdomain.LateArrival{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(bucketStart.Add(10 * time.Minute))
	policies := config.NewStaticPolicy(config.DefaultPipelinePolicy())
	store := usagerepository.Provide(conn)

	f := &fixture{db: conn, clock: clk, node: node, late: &lateHandlerMock{}}
	f.aggregator = aggregationservice.NewService(aggregationservice.Params{
		DB: conn, Log: zap.NewNop(), Clock: clk, Policy: policies, Events: store, Locker: lock.NewLocalLocker(),
	})
	f.watermarks = watermarkservice.New(conn, zap.NewNop(), clk, policies, f.aggregator, nil)
	f.svc = NewService(ServiceParam{
		Log:        zap.NewNop(),
		Config:     config.Config{Ingest: ingest},
		GenID:      node,
		Clock:      clk,
		Validator:  validation.New(zap.NewNop(), clk, policies, allowAll{}),
		Store:      store,
		Watermarks: f.watermarks,
		Late:       f.late,
	}).(*Service)
	return f
}

func defaultIngest() config.IngestConfig {
	return config.IngestConfig{MaxInFlight: 8, QueueTimeout: 50 * time.Millisecond, MaxBatchSize: 10}
}

func request(key string, qty int64, occurred time.Time) usagedomain.IngestRequest {
	return usagedomain.IngestRequest{
		TenantID:       "T1",
		EventType:      "api_call",
		Quantity:       &qty,
		IdempotencyKey: key,
		OccurredAt:     &occurred,
		Source:         "gateway-eu",
	}
}

func (f *fixture) recompute(t *testing.T) aggregationdomain.UsageSummary {
	t.Helper()
	summary, err := f.aggregator.Recompute(context.Background(), aggregationdomain.RecomputeRequest{
		TenantID: "T1", EventType: "api_call", BucketStart: bucketStart,
	})
	require.NoError(t, err)
	return summary
}

func TestIngestRetryIsDuplicateIgnored(t *testing.T) {
	f := setup(t, defaultIngest())
	ctx := context.Background()

	for i, qty := range []int64{1, 2, 2} {
		res, err := f.svc.Ingest(ctx, request([]string{"a", "b", "c"}[i], qty, bucketStart.Add(time.Duration(i+1)*time.Minute)))
		require.NoError(t, err)
		assert.Equal(t, usagedomain.OutcomeInserted, res.Outcome)
	}
	once := f.recompute(t)

	retry, err := f.svc.Ingest(ctx, request("c", 2, bucketStart.Add(3*time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, usagedomain.OutcomeDuplicateIgnored, retry.Outcome)

	twice := f.recompute(t)
	assert.Equal(t, int64(5), twice.TotalQuantity)
	assert.Equal(t, int64(3), twice.EventCount)
	assert.Equal(t, once.TotalQuantity, twice.TotalQuantity)
	assert.Equal(t, once.EventCount, twice.EventCount)

	var stored int64
	require.NoError(t, f.db.Model(&usagedomain.UsageEvent{}).Count(&stored).Error)
	assert.Equal(t, int64(3), stored)
}

func TestIngestRejectsInvalidEvent(t *testing.T) {
	f := setup(t, defaultIngest())
	res, err := f.svc.Ingest(context.Background(), request("neg", -1, bucketStart))
	require.ErrorIs(t, err, usagedomain.ErrValidation)
	assert.Equal(t, usagedomain.OutcomeRejected, res.Outcome)

	var stored int64
	require.NoError(t, f.db.Model(&usagedomain.UsageEvent{}).Count(&stored).Error)
	assert.Zero(t, stored)
}

func TestIngestRejectsForeignTenant(t *testing.T) {
	f := setup(t, defaultIngest())
	ctx := obscontext.WithTenantID(context.Background(), "T2")
	_, err := f.svc.Ingest(ctx, request("a", 1, bucketStart))
	assert.ErrorIs(t, err, usagedomain.ErrTenantMismatch)
}

func TestIngestBackpressure(t *testing.T) {
	f := setup(t, config.IngestConfig{MaxInFlight: 1, QueueTimeout: 10 * time.Millisecond})
	release, err := f.svc.gate.acquire(context.Background(), 1)
	require.NoError(t, err)

	_, err = f.svc.Ingest(context.Background(), request("a", 1, bucketStart))
	assert.ErrorIs(t, err, usagedomain.ErrBackpressure)

	release()
	res, err := f.svc.Ingest(context.Background(), request("a", 1, bucketStart))
	require.NoError(t, err)
	assert.Equal(t, usagedomain.OutcomeInserted, res.Outcome)
}

func TestIngestBatch(t *testing.T) {
	f := setup(t, defaultIngest())
	results, err := f.svc.IngestBatch(context.Background(), []usagedomain.IngestRequest{
		request("a", 1, bucketStart),
		request("bad", -5, bucketStart),
		request("a", 1, bucketStart),
	})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, usagedomain.OutcomeInserted, results[0].Outcome)
	assert.Equal(t, usagedomain.OutcomeRejected, results[1].Outcome)
	assert.NotEmpty(t, results[1].Error)
	assert.Equal(t, usagedomain.OutcomeDuplicateIgnored, results[2].Outcome)
	assert.Equal(t, results[0].EventID, results[2].EventID)

	tooMany := make([]usagedomain.IngestRequest, 11)
	_, err = f.svc.IngestBatch(context.Background(), tooMany)
	assert.ErrorIs(t, err, usagedomain.ErrBatchTooLarge)
}

func TestIngestIntoFinalizedPeriodDefersAdjustment(t *testing.T) {
	f := setup(t, defaultIngest())
	ctx := context.Background()

	p, err := period.BillingPeriod(bucketStart, period.Monthly)
	require.NoError(t, err)
	invoiceID := f.node.Generate()
	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
		_, err := f.watermarks.SealPeriod(ctx, tx, "T1", p, invoiceID)
		return err
	}))

	f.late.On("DeferLateUsage", mock.Anything, "late", invoiceID).Return(nil).Once()
	res, err := f.svc.Ingest(ctx, request("late", 4, bucketStart.Add(5*time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, usagedomain.OutcomeInserted, res.Outcome)
	f.late.AssertExpectations(t)

	_, err = f.aggregator.Get(ctx, "T1", "api_call", bucketStart)
	assert.ErrorIs(t, err, aggregationdomain.ErrSummaryNotFound, "sealed buckets are not recomputed")
}

func TestFailedLateDeferralIsRetriedOnRedelivery(t *testing.T) {
	f := setup(t, defaultIngest())
	ctx := context.Background()

	p, err := period.BillingPeriod(bucketStart, period.Monthly)
	require.NoError(t, err)
	invoiceID := f.node.Generate()
	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
		_, err := f.watermarks.SealPeriod(ctx, tx, "T1", p, invoiceID)
		return err
	}))

	f.late.On("DeferLateUsage", mock.Anything, "late", invoiceID).Return(errors.New("draft locked")).Once()
	res, err := f.svc.Ingest(ctx, request("late", 4, bucketStart.Add(5*time.Minute)))
	require.Error(t, err, "the caller must redeliver")
	assert.Equal(t, usagedomain.OutcomeInserted, res.Outcome)

	pending, err := f.watermarks.PendingLateArrivals(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, res.Event.ID, pending[0].EventID)

	f.late.On("DeferLateUsage", mock.Anything, "late", invoiceID).Return(nil).Once()
	res, err = f.svc.Ingest(ctx, request("late", 4, bucketStart.Add(5*time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, usagedomain.OutcomeDuplicateIgnored, res.Outcome)

	pending, err = f.watermarks.PendingLateArrivals(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Once deferred, further redeliveries do not touch the invoice again.
	_, err = f.svc.Ingest(ctx, request("late", 4, bucketStart.Add(5*time.Minute)))
	require.NoError(t, err)
	f.late.AssertExpectations(t)
}

func TestListValidatesRange(t *testing.T) {
	f := setup(t, defaultIngest())
	_, err := f.svc.List(context.Background(), usagedomain.ListEventsRequest{TenantID: "T1", Start: bucketStart, End: bucketStart})
	assert.ErrorIs(t, err, usagedomain.ErrInvalidRange)
	_, err = f.svc.List(context.Background(), usagedomain.ListEventsRequest{})
	assert.True(t, errors.Is(err, usagedomain.ErrInvalidTenant))
}
