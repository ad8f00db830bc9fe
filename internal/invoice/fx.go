package invoice

import (
	invoicedomain "github.com/smallbiznis/meterflow/internal/invoice/domain"
	"github.com/smallbiznis/meterflow/internal/invoice/service"
	usagedomain "github.com/smallbiznis/meterflow/internal/usage/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("invoice.service",
	fx.Provide(service.NewService),
	fx.Provide(func(s *service.Service) invoicedomain.Service { return s }),
	fx.Provide(func(s *service.Service) usagedomain.LateUsageHandler { return s }),
)
