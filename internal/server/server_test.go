package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	aggregationdomain "github.com/smallbiznis/meterflow/internal/aggregation/domain"
	apikeydomain "github.com/smallbiznis/meterflow/internal/apikey/domain"
	apikeyrepository "github.com/smallbiznis/meterflow/internal/apikey/repository"
	apikeyservice "github.com/smallbiznis/meterflow/internal/apikey/service"
	"github.com/smallbiznis/meterflow/internal/authorization"
	"github.com/smallbiznis/meterflow/internal/clock"
	"github.com/smallbiznis/meterflow/internal/config"
	invoicedomain "github.com/smallbiznis/meterflow/internal/invoice/domain"
	ledgerdomain "github.com/smallbiznis/meterflow/internal/ledger/domain"
	"github.com/smallbiznis/meterflow/internal/observability"
	obscontext "github.com/smallbiznis/meterflow/internal/observability/context"
	"github.com/smallbiznis/meterflow/internal/period"
	reconciliationdomain "github.com/smallbiznis/meterflow/internal/reconciliation/domain"
	usagedomain "github.com/smallbiznis/meterflow/internal/usage/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type usageMock struct {
	usagedomain.Service
	mock.Mock
}

func (m *usageMock) Ingest(ctx context.Context, req usagedomain.IngestRequest) (usagedomain.AcceptResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(usagedomain.AcceptResult), args.Error(1)
}

func (m *usageMock) IngestBatch(ctx context.Context, reqs []usagedomain.IngestRequest) ([]usagedomain.BatchItemResult, error) {
	args := m.Called(ctx, reqs)
	return args.Get(0).([]usagedomain.BatchItemResult), args.Error(1)
}

type invoiceMock struct {
	invoicedomain.Service
	mock.Mock
}

func (m *invoiceMock) Finalize(ctx context.Context, tenantID string, p period.Period) (*invoicedomain.Invoice, error) {
	args := m.Called(ctx, tenantID, p)
	inv, _ := args.Get(0).(*invoicedomain.Invoice)
	return inv, args.Error(1)
}

func (m *invoiceMock) Get(ctx context.Context, tenantID string, id snowflake.ID) (*invoicedomain.Invoice, error) {
	args := m.Called(ctx, tenantID, id)
	inv, _ := args.Get(0).(*invoicedomain.Invoice)
	return inv, args.Error(1)
}

type reconciliationMock struct {
	reconciliationdomain.Service
	mock.Mock
}

func (m *reconciliationMock) Reconcile(ctx context.Context, scope reconciliationdomain.Scope) (reconciliationdomain.Result, error) {
	args := m.Called(ctx, scope)
	return args.Get(0).(reconciliationdomain.Result), args.Error(1)
}

type ledgerStub struct {
	ledgerdomain.Service
}

func (ledgerStub) Balance(_ context.Context, tenantID string) (ledgerdomain.Balance, error) {
	return ledgerdomain.Balance{TenantID: tenantID, Receivable: 900, Revenue: 900}, nil
}

type fixture struct {
	engine         *gin.Engine
	usage          *usageMock
	invoices       *invoiceMock
	reconciliation *reconciliationMock
	keys           map[string]string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&apikeydomain.APIKey{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 4, 3, 11, 30, 0, 0, time.UTC))
	log := zap.NewNop()

	apiKeys := apikeyservice.New(apikeyservice.Params{DB: db, Log: log, GenID: node, Clock: clk, Repo: apikeyrepository.Provide()})
	enforcer, err := authorization.NewEnforcer(db)
	require.NoError(t, err)
	authz := authorization.NewService(authorization.Params{DB: db, Log: log, Enforcer: enforcer})

	keys := map[string]string{}
	for name, spec := range map[string]struct {
		tenant string
		roles  []string
	}{
		"ingest":   {tenant: "T1", roles: []string{authorization.RoleIngest}},
		"viewer":   {tenant: "T1", roles: []string{authorization.RoleViewer}},
		"operator": {tenant: "T1", roles: []string{authorization.RoleOperator}},
		"admin":    {tenant: "T2", roles: []string{authorization.RoleAdmin}},
	} {
		secret, err := apiKeys.Create(obscontext.WithTenantID(context.Background(), spec.tenant), apikeydomain.CreateRequest{Name: name, Roles: spec.roles})
		require.NoError(t, err)
		keys[name] = secret.APIKey
	}

	f := &fixture{
		engine:         NewEngine(observability.Config{ServiceName: "meterflow-test"}, nil),
		usage:          &usageMock{},
		invoices:       &invoiceMock{},
		reconciliation: &reconciliationMock{},
		keys:           keys,
	}
	srv := NewServer(ServerParams{
		Gin:               f.engine,
		Log:               log,
		Clock:             clk,
		Policy:            config.NewStaticPolicy(config.DefaultPipelinePolicy()),
		APIKeySvc:         apiKeys,
		AuthzSvc:          authz,
		UsageSvc:          f.usage,
		InvoiceSvc:        f.invoices,
		ReconciliationSvc: f.reconciliation,
		LedgerSvc:         ledgerStub{},
	})
	srv.RegisterRoutes()
	return f
}

func (f *fixture) do(t *testing.T, method, path, key string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func ingestBody() map[string]any {
	return map[string]any{
		"event_type":      "api_call",
		"quantity":        2,
		"idempotency_key": "k-1",
		"occurred_at":     "2026-04-03T10:15:00Z",
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIKeyRequired(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/invoices", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decodeError(t, rec).Type)

	rec = f.do(t, http.MethodGet, "/v1/invoices", "mf_live_nope", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestIngestUsageDefaultsTenantAndReportsOutcome(t *testing.T) {
	f := newFixture(t)
	forT1 := mock.MatchedBy(func(req usagedomain.IngestRequest) bool { return req.TenantID == "T1" })
	f.usage.On("Ingest", mock.Anything, forT1).
		Return(usagedomain.AcceptResult{Outcome: usagedomain.OutcomeInserted}, nil).Once()
	f.usage.On("Ingest", mock.Anything, forT1).
		Return(usagedomain.AcceptResult{Outcome: usagedomain.OutcomeDuplicateIgnored}, nil).Once()

	rec := f.do(t, http.MethodPost, "/v1/usage/events", f.keys["ingest"], ingestBody())
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/usage/events", f.keys["ingest"], ingestBody())
	assert.Equal(t, http.StatusOK, rec.Code)
	var result usagedomain.AcceptResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, usagedomain.OutcomeDuplicateIgnored, result.Outcome)
	f.usage.AssertExpectations(t)
}

func TestIngestUsageErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		kind   string
	}{
		{name: "validation", err: usagedomain.NewValidationError("quantity", "required"), status: http.StatusBadRequest, kind: "validation_error"},
		{name: "backpressure", err: usagedomain.ErrBackpressure, status: http.StatusServiceUnavailable, kind: "service_unavailable"},
		{name: "tenant mismatch", err: usagedomain.ErrTenantMismatch, status: http.StatusForbidden, kind: "forbidden"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.usage.On("Ingest", mock.Anything, mock.Anything).Return(usagedomain.AcceptResult{}, tc.err).Once()

			rec := f.do(t, http.MethodPost, "/v1/usage/events", f.keys["ingest"], ingestBody())
			assert.Equal(t, tc.status, rec.Code)
			payload := decodeError(t, rec)
			assert.Equal(t, tc.kind, payload.Type)
			if tc.status == http.StatusServiceUnavailable {
				assert.Equal(t, "1", rec.Header().Get("Retry-After"))
			}
			if tc.status == http.StatusBadRequest {
				require.Len(t, payload.Errors, 1)
				assert.Equal(t, "quantity", payload.Errors[0].Field)
				assert.Equal(t, "required", payload.Errors[0].Code)
			}
		})
	}
}

func TestIngestUsageBatch(t *testing.T) {
	f := newFixture(t)
	f.usage.On("IngestBatch", mock.Anything, mock.MatchedBy(func(reqs []usagedomain.IngestRequest) bool {
		return len(reqs) == 2 && reqs[0].TenantID == "T1" && reqs[1].TenantID == "T1"
	})).Return([]usagedomain.BatchItemResult{
		{Index: 0, Outcome: usagedomain.OutcomeInserted, EventID: "1"},
		{Index: 1, Outcome: usagedomain.OutcomeRejected, Error: "validation_error"},
	}, nil).Once()

	rec := f.do(t, http.MethodPost, "/v1/usage/events/batch", f.keys["ingest"], map[string]any{
		"events": []map[string]any{ingestBody(), ingestBody()},
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	f.usage.AssertExpectations(t)

	rec = f.do(t, http.MethodPost, "/v1/usage/events/batch", f.keys["ingest"], map[string]any{"events": []any{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRolesGateRoutes(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/ledger/balance", f.keys["ingest"], nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/ledger/balance", f.keys["viewer"], nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data ledgerdomain.Balance `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "T1", resp.Data.TenantID)

	rec = f.do(t, http.MethodPost, "/v1/invoices/finalize", f.keys["viewer"], map[string]any{"at": "2026-03-15T00:00:00Z"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/api-keys", f.keys["operator"], map[string]any{"name": "x"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestFinalizeInvoice(t *testing.T) {
	march := period.Period{
		Start: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
	}
	full := reconciliationdomain.Scope{Level: reconciliationdomain.LevelFull, TenantID: "T1", Period: march}

	t.Run("finalized", func(t *testing.T) {
		f := newFixture(t)
		f.reconciliation.On("Reconcile", mock.Anything, full).Return(reconciliationdomain.Result{Status: reconciliationdomain.StatusMatch}, nil).Once()
		f.invoices.On("Finalize", mock.Anything, "T1", march).
			Return(&invoicedomain.Invoice{ID: 42, TenantID: "T1", Status: invoicedomain.InvoiceStatusFinalized, Total: 500}, nil).Once()

		rec := f.do(t, http.MethodPost, "/v1/invoices/finalize", f.keys["operator"], map[string]any{"at": "2026-03-15T00:00:00Z"})
		assert.Equal(t, http.StatusOK, rec.Code)
		var resp struct {
			Data invoicedomain.Invoice `json:"data"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, invoicedomain.InvoiceStatusFinalized, resp.Data.Status)
		f.reconciliation.AssertExpectations(t)
		f.invoices.AssertExpectations(t)
	})

	t.Run("blocked by open buckets", func(t *testing.T) {
		f := newFixture(t)
		f.reconciliation.On("Reconcile", mock.Anything, full).Return(reconciliationdomain.Result{Status: reconciliationdomain.StatusMatch}, nil).Once()
		f.invoices.On("Finalize", mock.Anything, "T1", march).
			Return(nil, errors.Join(invoicedomain.ErrFinalizeConflict, invoicedomain.ErrBucketsNotClosed)).Once()

		rec := f.do(t, http.MethodPost, "/v1/invoices/finalize", f.keys["operator"], map[string]any{"at": "2026-03-15T00:00:00Z"})
		assert.Equal(t, http.StatusConflict, rec.Code)
		payload := decodeError(t, rec)
		assert.Equal(t, "finalize_conflict", payload.Type)
		assert.Contains(t, payload.Message, "buckets not closed")
	})

	t.Run("blocked by drift", func(t *testing.T) {
		f := newFixture(t)
		f.reconciliation.On("Reconcile", mock.Anything, full).Return(reconciliationdomain.Result{Status: reconciliationdomain.StatusDrift, Delta: 3}, nil).Once()
		f.invoices.On("Finalize", mock.Anything, "T1", march).
			Return(nil, errors.Join(invoicedomain.ErrFinalizeConflict, reconciliationdomain.ErrReconciliationDrift)).Once()

		rec := f.do(t, http.MethodPost, "/v1/invoices/finalize", f.keys["operator"], map[string]any{"at": "2026-03-15T00:00:00Z"})
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "reconciliation_drift", decodeError(t, rec).Type)
	})

	t.Run("missing at", func(t *testing.T) {
		f := newFixture(t)
		rec := f.do(t, http.MethodPost, "/v1/invoices/finalize", f.keys["operator"], map[string]any{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		payload := decodeError(t, rec)
		require.Len(t, payload.Errors, 1)
		assert.Equal(t, "at", payload.Errors[0].Field)
		f.invoices.AssertNotCalled(t, "Finalize", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestGetInvoice(t *testing.T) {
	f := newFixture(t)
	f.invoices.On("Get", mock.Anything, "T1", snowflake.ID(7)).Return(nil, invoicedomain.ErrInvoiceNotFound).Once()

	rec := f.do(t, http.MethodGet, "/v1/invoices/7", f.keys["viewer"], nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/invoices/not-an-id", f.keys["viewer"], nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListInvoicesRejectsUnknownStatus(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/v1/invoices?status=paid", f.keys["viewer"], nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "status", decodeError(t, rec).Errors[0].Field)
}

func TestAPIKeyLifecycleIsTenantScoped(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/api-keys", f.keys["admin"], map[string]any{"name": "ops", "roles": []string{"operator"}})
	require.Equal(t, http.StatusCreated, rec.Code)
	var secret apikeydomain.SecretResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &secret))

	rec = f.do(t, http.MethodGet, "/v1/ledger/balance", secret.APIKey, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodDelete, "/v1/api-keys/"+secret.KeyID, f.keys["admin"], nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/ledger/balance", secret.APIKey, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/api-keys", f.keys["admin"], map[string]any{"name": "bad", "roles": []string{"system"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_role", decodeError(t, rec).Errors[0].Code)
}

func TestMapError(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{err: errors.New("boom"), status: http.StatusInternalServerError},
		{err: ErrRateLimited, status: http.StatusTooManyRequests},
		{err: invoicedomain.ErrInvoiceNotFinalized, status: http.StatusConflict},
		{err: reconciliationdomain.ErrInvalidScope, status: http.StatusBadRequest},
		{err: gorm.ErrRecordNotFound, status: http.StatusNotFound},
		{err: authorization.ErrForbidden, status: http.StatusForbidden},
		{err: fmt.Errorf("recompute: %w", aggregationdomain.ErrBucketSealed), status: http.StatusConflict},
	}
	for _, tc := range cases {
		status, _ := mapError(tc.err)
		assert.Equal(t, tc.status, status, tc.err.Error())
	}
	_, payload := mapError(aggregationdomain.ErrBucketSealed)
	assert.Equal(t, "bucket_sealed", payload.Type)

	kind, code := classifyErrorForLog(usagedomain.NewValidationError("occurred_at", "too_far_in_future"))
	assert.Equal(t, "validation_error", kind)
	assert.Equal(t, "too_far_in_future", code)
}

func TestToSnake(t *testing.T) {
	assert.Equal(t, "tenant_id", toSnake("TenantID"))
	assert.Equal(t, "at", toSnake("At"))
	assert.Equal(t, "unit_price", toSnake("UnitPrice"))
}

func TestAPIKeyHeadersAndRequestValidation(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/ledger/balance", nil)
	req.Header.Set("X-API-Key", f.keys["viewer"])
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/ledger/balance", nil)
	req.Header.Set("Authorization", "Basic "+f.keys["viewer"])
	rec = httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/api-keys", f.keys["admin"], map[string]any{"roles": []string{"viewer"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "name", decodeError(t, rec).Errors[0].Field)

	rec = f.do(t, http.MethodDelete, "/v1/api-keys/nope", f.keys["admin"], nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_key_id", decodeError(t, rec).Errors[0].Code)
}
