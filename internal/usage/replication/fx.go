package replication

import "go.uber.org/fx"

var Module = fx.Module("usage.replication",
	fx.Provide(NewWorker),
)
