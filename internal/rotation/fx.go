package rotation

import "go.uber.org/fx"

var Module = fx.Module("rotation",
	fx.Provide(NewEngine),
)
