package config

import "go.uber.org/fx"

var Module = fx.Module("config",
	fx.Provide(
		Load,
		NewPipelinePolicyHolder,
		func(h *PipelinePolicyHolder) PolicyProvider { return h },
	),
)
