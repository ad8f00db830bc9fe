package aggregation

import (
	aggregationdomain "github.com/smallbiznis/meterflow/internal/aggregation/domain"
	"github.com/smallbiznis/meterflow/internal/aggregation/service"
	"go.uber.org/fx"
)

var Module = fx.Module("aggregation.service",
	fx.Provide(
		service.NewService,
		func(s *service.Service) aggregationdomain.Service { return s },
	),
)
