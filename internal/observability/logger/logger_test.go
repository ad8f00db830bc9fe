package logger

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	obscontext "github.com/smallbiznis/meterflow/internal/observability/context"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithContextAddsCorrelationFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	base := zap.New(core)

	ctx := obscontext.WithRequestID(context.Background(), "req-1")
	ctx = obscontext.WithTenantID(ctx, "T1")
	ctx = obscontext.WithActor(ctx, "api_key", "42")

	WithContext(ctx, base).Info("hello")

	entries := logs.All()
	if assert.Len(t, entries, 1) {
		fields := entries[0].ContextMap()
		assert.Equal(t, "req-1", fields["request_id"])
		assert.Equal(t, "T1", fields["tenant_id"])
		assert.Equal(t, "api_key", fields["actor_type"])
		assert.Equal(t, "42", fields["actor_id"])
		assert.NotContains(t, fields, "trace_id")
	}
}

func TestOperationFromSQL(t *testing.T) {
	assert.Equal(t, "INSERT", operationFromSQL("insert into usage_events values (?)"))
	assert.Equal(t, "SELECT", operationFromSQL("WITH x AS (SELECT 1) SELECT * FROM x"))
	assert.Equal(t, "UNKNOWN", operationFromSQL(""))
}

func TestNewValidatesLevel(t *testing.T) {
	_, err := New(nil, Config{Level: "loud"})
	assert.Error(t, err)

	log, err := New(nil, Config{Level: "error", Format: "console"})
	if assert.NoError(t, err) {
		assert.False(t, log.Core().Enabled(zap.WarnLevel))
		assert.True(t, log.Core().Enabled(zap.ErrorLevel))
	}
}

func TestValueOr(t *testing.T) {
	assert.Equal(t, 100, valueOr(0, 100))
	assert.Equal(t, 7, valueOr(7, 100))
}

func TestValidRequestID(t *testing.T) {
	assert.True(t, validRequestID("req-1"))
	assert.False(t, validRequestID(""))
	assert.False(t, validRequestID("has space"))
	assert.False(t, validRequestID("line\nbreak"))
	assert.False(t, validRequestID(strings.Repeat("a", maxRequestIDLen+1)))
}
