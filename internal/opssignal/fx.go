package opssignal

import (
	"github.com/smallbiznis/meterflow/internal/clock"
	"github.com/smallbiznis/meterflow/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("opssignal",
	fx.Provide(NewPusher),
	fx.Provide(NewFromConfig),
)

// NewFromConfig returns nil when ops signals are disabled; the scheduler skips
// its push job in that case.
func NewFromConfig(cfg config.Config, db *gorm.DB, log *zap.Logger, clk clock.Clock, policy config.PolicyProvider, pusher Pusher) *Signals {
	if !cfg.OpsSignal.Enabled {
		return nil
	}
	return New(db, log, clk, policy, pusher, cfg.Environment)
}
