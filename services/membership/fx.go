package membership

import (
	"go.uber.org/fx"

	"loyalty-controlplane/services/ledger"
)

var Module = fx.Module("membership.service",
	fx.Provide(
		NewService,
		func(s *Service) ledger.BalanceWriter { return s },
	),
)
