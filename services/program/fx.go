package program

import (
	"time"

	"go.uber.org/fx"
)

const formulaCacheTTL = 10 * time.Minute

var Module = fx.Module("program.service",
	fx.Provide(
		NewValidator,
		NewRegistry,
		func() (*FormulaCache, error) { return NewFormulaCache(formulaCacheTTL) },
	),
)
