package db

import (
	"context"
	"time"

	"github.com/smallbiznis/meterflow/internal/config"
	obslogger "github.com/smallbiznis/meterflow/internal/observability/logger"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormprometheus "gorm.io/plugin/prometheus"
)

// AnalyticsDB is the warehouse connection. DB is nil when no warehouse is configured.
type AnalyticsDB struct {
	DB *gorm.DB
}

type Params struct {
	fx.In

	Lc      fx.Lifecycle
	Cfg     config.Config
	Log     *zap.Logger
	GormLog obslogger.GormLoggerConfig `optional:"true"`
}

var Module = fx.Module("db",
	fx.Provide(
		NewPrimary,
		NewAnalytics,
	),
)

// NewPrimary opens the authoritative store with tracing and pool metrics.
func NewPrimary(p Params) (*gorm.DB, error) {
	cfg := PrimaryConfig(p.Cfg)
	conn, err := Open(cfg, p.GormLog, p.Log)
	if err != nil {
		return nil, err
	}
	registerClose(p.Lc, conn, p.Log, cfg.Role)
	return conn, nil
}

// NewAnalytics opens the warehouse connection when configured.
func NewAnalytics(p Params) (AnalyticsDB, error) {
	if !p.Cfg.Analytics.Enabled() {
		return AnalyticsDB{}, nil
	}
	cfg := AnalyticsConfig(p.Cfg)
	conn, err := Open(cfg, p.GormLog, p.Log)
	if err != nil {
		return AnalyticsDB{}, err
	}
	registerClose(p.Lc, conn, p.Log, cfg.Role)
	return AnalyticsDB{DB: conn}, nil
}

// Open connects with the zap query logger, otel spans and prometheus pool
// stats labelled by role. A zero logCfg falls back to the default thresholds.
func Open(cfg Config, logCfg obslogger.GormLoggerConfig, log *zap.Logger) (*gorm.DB, error) {
	if logCfg == (obslogger.GormLoggerConfig{}) {
		logCfg = obslogger.DefaultGormLoggerConfig()
	}
	if log == nil {
		log = zap.NewNop()
	}
	dialector, err := Dialect(cfg)
	if err != nil {
		return nil, err
	}
	conn, err := gorm.Open(dialector, &gorm.Config{
		Logger:         obslogger.NewGormLogger(log.With(zap.String("db", cfg.Role)), logCfg),
		NowFunc:        func() time.Time { return time.Now().UTC() },
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}
	if err := conn.Use(otelgorm.NewPlugin(otelgorm.WithDBName(cfg.Name), otelgorm.WithoutQueryVariables())); err != nil {
		return nil, err
	}
	if err := conn.Use(gormprometheus.New(gormprometheus.Config{
		DBName:          cfg.Role,
		RefreshInterval: 15,
		StartServer:     false,
	})); err != nil {
		return nil, err
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, err
	}
	cfg.applyPool(sqlDB)
	return conn, nil
}

func registerClose(lc fx.Lifecycle, conn *gorm.DB, log *zap.Logger, role string) {
	if lc == nil {
		return
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			log.Info("closing database", zap.String("db", role))
			return sqlDB.Close()
		},
	})
}
