package analytics

import (
	"context"

	"github.com/smallbiznis/meterflow/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("analytics",
	fx.Provide(NewFromDB),
)

// NewFromDB returns nil when no warehouse is configured. The table is created
// on start since the warehouse is outside the primary migration set.
func NewFromDB(lc fx.Lifecycle, adb db.AnalyticsDB, log *zap.Logger) *Store {
	if adb.DB == nil {
		return nil
	}
	store := NewStore(adb.DB, log)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return store.Migrate(ctx)
		},
	})
	return store
}
