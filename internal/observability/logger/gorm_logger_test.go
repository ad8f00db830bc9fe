package logger

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func traceOnce(l *GormLogger, sql string, elapsed time.Duration, err error) {
	l.Trace(context.Background(), time.Now().Add(-elapsed), func() (string, int64) { return sql, 1 }, err)
}

func TestGormLoggerGradesErrors(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := NewGormLogger(zap.New(core), GormLoggerConfig{Level: gormlogger.Warn, IgnoreRecordNotFound: true})

	traceOnce(l, "SELECT 1", 0, gormlogger.ErrRecordNotFound)
	traceOnce(l, "INSERT INTO invoices", 0, gorm.ErrDuplicatedKey)
	traceOnce(l, "UPDATE usage_events", 0, context.Canceled)
	traceOnce(l, "DELETE FROM usage_events", 0, errors.New("disk full"))

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[2].Level)
	assert.Equal(t, "DELETE", entries[2].ContextMap()["operation"])
}

func TestGormLoggerSlowQueries(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := NewGormLogger(zap.New(core), GormLoggerConfig{Level: gormlogger.Warn, SlowThreshold: 10 * time.Millisecond})

	traceOnce(l, "SELECT fast", time.Millisecond, nil)
	traceOnce(l, "SELECT slow", time.Second, nil)

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, "SELECT slow", entries[0].ContextMap()["sql"])

	silent := l.LogMode(gormlogger.Silent).(*GormLogger)
	traceOnce(silent, "SELECT slow", time.Second, errors.New("boom"))
	assert.Len(t, logs.All(), 1)
}

func TestTruncateSQL(t *testing.T) {
	assert.Equal(t, "SELECT 1", truncateSQL("SELECT 1"))
	long := strings.Repeat("x", maxLoggedSQL+10)
	assert.True(t, strings.HasSuffix(truncateSQL(long), "...(truncated)"))
	assert.Len(t, truncateSQL(long), maxLoggedSQL+len("...(truncated)"))
}
