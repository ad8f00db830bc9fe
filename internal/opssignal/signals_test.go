package opssignal

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/golang/snappy"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/prometheus/prometheus/prompb"
	"github.com/smallbiznis/meterflow/internal/clock"
	"github.com/smallbiznis/meterflow/internal/config"
	invoicedomain "github.com/smallbiznis/meterflow/internal/invoice/domain"
	reconciliationdomain "github.com/smallbiznis/meterflow/internal/reconciliation/domain"
	usagedomain "github.com/smallbiznis/meterflow/internal/usage/domain"
	watermarkdomain "github.com/smallbiznis/meterflow/internal/watermark/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var now = time.Date(2026, 4, 6, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T, pusher Pusher) (*gorm.DB, *Signals) {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, conn.AutoMigrate(
		&reconciliationdomain.Run{},
		&invoicedomain.Invoice{},
		&usagedomain.UsageEvent{},
		&watermarkdomain.Watermark{},
	))
	policies := config.NewStaticPolicy(config.DefaultPipelinePolicy())
	return conn, New(conn, zap.NewNop(), clock.NewFakeClock(now), policies, pusher, "test")
}

func seed(t *testing.T, db *gorm.DB) {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	runs := []reconciliationdomain.Run{
		{ID: "run-1", Level: reconciliationdomain.LevelFull, TenantID: "T1", Status: reconciliationdomain.StatusDrift, Delta: 2, CompletedAt: now.Add(-time.Hour)},
		{ID: "run-2", Level: reconciliationdomain.LevelSum, Status: reconciliationdomain.StatusDrift, Delta: 1, WithinTolerance: true, CompletedAt: now.Add(-time.Hour)},
		{ID: "run-3", Level: reconciliationdomain.LevelFull, TenantID: "T2", Status: reconciliationdomain.StatusDrift, Delta: 7, CompletedAt: now.Add(-48 * time.Hour)},
		{ID: "run-4", Level: reconciliationdomain.LevelCount, Status: reconciliationdomain.StatusMatch, CompletedAt: now.Add(-time.Hour)},
	}
	require.NoError(t, db.Create(&runs).Error)

	march := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	april := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	may := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	invoices := []invoicedomain.Invoice{
		{ID: node.Generate(), TenantID: "T1", PeriodStart: march, PeriodEnd: april, Status: invoicedomain.InvoiceStatusDraft, Currency: "USD"},
		{ID: node.Generate(), TenantID: "T2", PeriodStart: march, PeriodEnd: april, Status: invoicedomain.InvoiceStatusFinalized, Currency: "USD"},
		{ID: node.Generate(), TenantID: "T1", PeriodStart: april, PeriodEnd: may, Status: invoicedomain.InvoiceStatusDraft, Currency: "USD"},
	}
	require.NoError(t, db.Create(&invoices).Error)

	shipped := now.Add(-time.Minute)
	events := []usagedomain.UsageEvent{
		{ID: node.Generate(), TenantID: "T1", EventType: "api_call", Quantity: 1, IdempotencyKey: "a", OccurredAt: now, ReceivedAt: now, ReplicatedAt: &shipped},
		{ID: node.Generate(), TenantID: "T1", EventType: "api_call", Quantity: 2, IdempotencyKey: "b", OccurredAt: now, ReceivedAt: now},
	}
	require.NoError(t, db.Create(&events).Error)

	bucket := time.Date(2026, 4, 6, 11, 0, 0, 0, time.UTC)
	marks := []watermarkdomain.Watermark{
		{TenantID: "T1", EventType: "api_call", BucketStart: bucket, BucketEnd: bucket.Add(time.Hour), State: watermarkdomain.StateOpen, LastEventAt: now},
		{TenantID: "T1", EventType: "storage", BucketStart: bucket, BucketEnd: bucket.Add(time.Hour), State: watermarkdomain.StateOpen, LastEventAt: now},
		{TenantID: "T2", EventType: "api_call", BucketStart: bucket, BucketEnd: bucket.Add(time.Hour), State: watermarkdomain.StateClosed, LastEventAt: now, SealedAt: &now},
	}
	require.NoError(t, db.Create(&marks).Error)
}

func TestRefresh(t *testing.T) {
	db, signals := setup(t, nil)
	seed(t, db)

	require.NoError(t, signals.Refresh(context.Background()))

	assert.Equal(t, float64(1), testutil.ToFloat64(signals.blockingDrift.WithLabelValues("full")))
	assert.Equal(t, float64(0), testutil.ToFloat64(signals.blockingDrift.WithLabelValues("sum")))
	assert.Equal(t, float64(1), testutil.ToFloat64(signals.dueDrafts))
	assert.Equal(t, float64(1), testutil.ToFloat64(signals.stuckDrafts))
	assert.Equal(t, float64(1), testutil.ToFloat64(signals.unreplicated))
	assert.Equal(t, float64(2), testutil.ToFloat64(signals.buckets.WithLabelValues("open")))
	assert.Equal(t, float64(now.Unix()), testutil.ToFloat64(signals.lastRefresh))
}

func TestPushRemoteWrite(t *testing.T) {
	var received prompb.WriteRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "snappy", r.Header.Get("Content-Encoding"))
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		raw, err := snappy.Decode(nil, body)
		require.NoError(t, err)
		require.NoError(t, received.Unmarshal(raw))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	db, signals := setup(t, NewRemoteWritePusher(srv.URL, "token"))
	seed(t, db)
	require.NoError(t, signals.Push(context.Background()))

	names := map[string]bool{}
	for _, ts := range received.Timeseries {
		for _, label := range ts.Labels {
			if label.Name == "__name__" {
				names[label.Value] = true
			}
		}
		require.Len(t, ts.Samples, 1)
	}
	assert.True(t, names["meterflow_ops_stuck_drafts"])
	assert.True(t, names["meterflow_ops_blocking_drift_runs"])
	assert.True(t, names["meterflow_ops_unreplicated_events"])
}

func TestPushRemoteWriteRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	_, signals := setup(t, NewRemoteWritePusher(srv.URL, ""))
	err := signals.Push(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestPushgateway(t *testing.T) {
	var path, method string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path, method = r.URL.Path, r.Method
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	db, signals := setup(t, NewPushgatewayPusher(srv.URL, "meterflow", map[string]string{"environment": "test", "": "skipped"}))
	seed(t, db)
	require.NoError(t, signals.Push(context.Background()))

	assert.Equal(t, http.MethodPut, method)
	assert.True(t, strings.HasPrefix(path, "/metrics/job/meterflow"))
	assert.Contains(t, path, "/environment/test")
}

func TestNewPusher(t *testing.T) {
	cases := []struct {
		name string
		cfg  config.OpsSignalConfig
		want string
	}{
		{name: "disabled", cfg: config.OpsSignalConfig{Exporter: ExporterRemoteWrite, Endpoint: "http://x"}},
		{name: "missing exporter", cfg: config.OpsSignalConfig{Enabled: true, Endpoint: "http://x"}},
		{name: "missing endpoint", cfg: config.OpsSignalConfig{Enabled: true, Exporter: ExporterPushgateway}},
		{name: "bad endpoint", cfg: config.OpsSignalConfig{Enabled: true, Exporter: ExporterRemoteWrite, Endpoint: "::bad"}},
		{name: "unknown exporter", cfg: config.OpsSignalConfig{Enabled: true, Exporter: "statsd", Endpoint: "http://x"}},
		{name: "remote write", cfg: config.OpsSignalConfig{Enabled: true, Exporter: ExporterRemoteWrite, Endpoint: "http://x/api/v1/write"}, want: "remote"},
		{name: "pushgateway", cfg: config.OpsSignalConfig{Enabled: true, Exporter: ExporterPushgateway, Endpoint: "http://x"}, want: "pushgateway"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := NewPusher(config.Config{AppName: "meterflow", OpsSignal: tc.cfg}, zap.NewNop())
			switch tc.want {
			case "remote":
				assert.IsType(t, &RemoteWritePusher{}, p)
			case "pushgateway":
				assert.IsType(t, &PushgatewayPusher{}, p)
			default:
				assert.Nil(t, p)
			}
		})
	}
}
