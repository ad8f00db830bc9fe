package observability

import (
	"testing"
	"time"

	"github.com/smallbiznis/meterflow/internal/config"
	"github.com/stretchr/testify/assert"
	gormlogger "gorm.io/gorm/logger"
)

func TestLoadConfigDerivesProviders(t *testing.T) {
	cfg := LoadConfig(config.Config{
		AppName:     " ",
		Environment: "production",
		AppVersion:  "1.2.0",
		Observability: config.ObservabilityConfig{
			LogLevel:           "info",
			LogSampleInitial:   10,
			SlowQueryThreshold: time.Second,
			OtelEnabled:        true,
			OtelEndpoint:       "collector:4317",
			OtelProtocol:       "grpc",
			OtelSampling:       0.5,
		},
	})

	assert.Equal(t, "meterflow", cfg.ServiceName)
	assert.False(t, cfg.Debug())
	assert.Equal(t, 10, cfg.Logger().SamplingInitial)
	assert.False(t, cfg.Logger().IncludeStackOnError)
	assert.Equal(t, time.Second, cfg.Gorm().SlowThreshold)
	assert.Equal(t, gormlogger.Warn, cfg.Gorm().Level)
	assert.Equal(t, "collector:4317", cfg.Tracing().ExporterEndpoint)
	assert.Equal(t, 0.5, cfg.Tracing().SamplingRatio)
	assert.True(t, cfg.Metrics().Enabled)
}

func TestDebugFollowsLevelAndEnvironment(t *testing.T) {
	assert.True(t, Config{Environment: "local"}.Debug())
	assert.True(t, Config{Environment: "production", Settings: config.ObservabilityConfig{LogLevel: "debug"}}.Debug())

	debug := Config{Settings: config.ObservabilityConfig{LogLevel: "debug"}}
	assert.Equal(t, gormlogger.Info, debug.Gorm().Level)
	assert.Equal(t, 200*time.Millisecond, debug.Gorm().SlowThreshold)
}
