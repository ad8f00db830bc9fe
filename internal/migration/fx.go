package migration

import (
	"context"

	apikeydomain "github.com/smallbiznis/meterflow/internal/apikey/domain"
	catalogdomain "github.com/smallbiznis/meterflow/internal/catalog/domain"
	"github.com/smallbiznis/meterflow/internal/config"
	"github.com/smallbiznis/meterflow/internal/seed"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Cfg     config.Config
	Log     *zap.Logger
	Catalog catalogdomain.Service
	APIKeys apikeydomain.Service `optional:"true"`
}

var Module = fx.Module("migrations",
	fx.Invoke(func(p Params) error {
		if err := Apply(p.DB); err != nil {
			return err
		}
		return seed.Bootstrap(context.Background(), p.Catalog, p.APIKeys, p.Cfg.Bootstrap, p.Log)
	}),
)
