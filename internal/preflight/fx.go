package preflight

import "go.uber.org/fx"

var Module = fx.Module("preflight",
	fx.Provide(NewValidator),
)
