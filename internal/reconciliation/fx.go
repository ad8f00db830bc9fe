package reconciliation

import (
	reconciliationdomain "github.com/smallbiznis/meterflow/internal/reconciliation/domain"
	"github.com/smallbiznis/meterflow/internal/reconciliation/service"
	"go.uber.org/fx"
)

var Module = fx.Module("reconciliation.service",
	fx.Provide(service.NewService),
	fx.Provide(func(s *service.Service) reconciliationdomain.Service { return s }),
)
