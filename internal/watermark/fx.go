package watermark

import (
	"github.com/smallbiznis/meterflow/internal/watermark/domain"
	"github.com/smallbiznis/meterflow/internal/watermark/service"
	"go.uber.org/fx"
)

var Module = fx.Module("watermark.service",
	fx.Provide(
		service.NewService,
		func(s *service.Service) domain.Service { return s },
	),
)
