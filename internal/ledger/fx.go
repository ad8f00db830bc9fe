package ledger

import (
	ledgerdomain "github.com/smallbiznis/meterflow/internal/ledger/domain"
	"github.com/smallbiznis/meterflow/internal/ledger/service"
	"go.uber.org/fx"
)

var Module = fx.Module("ledger.service",
	fx.Provide(service.NewService),
	fx.Provide(func(s *service.Service) ledgerdomain.Service { return s }),
)
