package observability

import (
	"strings"

	"github.com/smallbiznis/meterflow/internal/config"
	"github.com/smallbiznis/meterflow/internal/observability/logger"
	"github.com/smallbiznis/meterflow/internal/observability/metrics"
	"github.com/smallbiznis/meterflow/internal/observability/tracing"
	gormlogger "gorm.io/gorm/logger"
)

const defaultServiceName = "meterflow"

// Config is the observability view of the application config. Every
// telemetry provider is built from it.
type Config struct {
	ServiceName string
	Environment string
	Version     string
	Settings    config.ObservabilityConfig
}

func LoadConfig(cfg config.Config) Config {
	name := strings.TrimSpace(cfg.AppName)
	if name == "" {
		name = defaultServiceName
	}
	return Config{
		ServiceName: name,
		Environment: strings.TrimSpace(cfg.Environment),
		Version:     strings.TrimSpace(cfg.AppVersion),
		Settings:    cfg.Observability,
	}
}

// Debug is true for debug logging or any non-shared environment.
func (c Config) Debug() bool {
	if c.Settings.LogLevel == "debug" {
		return true
	}
	switch strings.ToLower(c.Environment) {
	case "dev", "development", "local", "test":
		return true
	}
	return false
}

func (c Config) Logger() logger.Config {
	return logger.Config{
		ServiceName:         c.ServiceName,
		Environment:         c.Environment,
		Version:             c.Version,
		Level:               c.Settings.LogLevel,
		Format:              c.Settings.LogFormat,
		Debug:               c.Debug(),
		SamplingInitial:     c.Settings.LogSampleInitial,
		SamplingThereafter:  c.Settings.LogSampleAfter,
		IncludeCaller:       true,
		IncludeStackOnError: c.Debug(),
	}
}

// Gorm reports every statement in debug runs and only slow or failed ones otherwise.
func (c Config) Gorm() logger.GormLoggerConfig {
	out := logger.DefaultGormLoggerConfig()
	if c.Settings.SlowQueryThreshold > 0 {
		out.SlowThreshold = c.Settings.SlowQueryThreshold
	}
	if c.Settings.LogLevel == "debug" {
		out.Level = gormlogger.Info
	}
	return out
}

func (c Config) Tracing() tracing.Config {
	return tracing.Config{
		Enabled:          c.Settings.OtelEnabled,
		ServiceName:      c.ServiceName,
		ServiceVersion:   c.Version,
		Environment:      c.Environment,
		ExporterEndpoint: c.Settings.OtelEndpoint,
		ExporterProtocol: c.Settings.OtelProtocol,
		SamplingRatio:    c.Settings.OtelSampling,
	}
}

func (c Config) Metrics() metrics.Config {
	return metrics.Config{
		Enabled:          c.Settings.OtelEnabled,
		ExporterEndpoint: c.Settings.OtelEndpoint,
		ExporterProtocol: c.Settings.OtelProtocol,
		ServiceName:      c.ServiceName,
		Environment:      c.Environment,
	}
}
