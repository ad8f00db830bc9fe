package archive

import (
	"context"

	"github.com/smallbiznis/meterflow/internal/clock"
	"github.com/smallbiznis/meterflow/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("archive",
	fx.Provide(NewFromConfig),
)

// NewFromConfig returns nil when no archive bucket is configured.
func NewFromConfig(cfg config.Config, clk clock.Clock, log *zap.Logger) (*Archive, error) {
	if !cfg.Archive.Enabled() {
		return nil, nil
	}
	store, err := NewS3Store(context.Background(), cfg.Archive)
	if err != nil {
		return nil, err
	}
	return New(store, cfg.Archive.Prefix, clk, log), nil
}
