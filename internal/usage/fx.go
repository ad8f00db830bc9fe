package usage

import (
	"github.com/smallbiznis/meterflow/internal/usage/repository"
	"github.com/smallbiznis/meterflow/internal/usage/service"
	"github.com/smallbiznis/meterflow/internal/usage/validation"
	"go.uber.org/fx"
)

var Module = fx.Module("usage.service",
	repository.Module,
	validation.Module,
	fx.Provide(
		func(v *validation.Validator) service.Validator { return v },
		service.NewService,
	),
)
