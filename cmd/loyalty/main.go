package main

import (
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	taskq "loyalty-controlplane/pkg/asynq"
	"loyalty-controlplane/pkg/clock"
	"loyalty-controlplane/pkg/config"
	"loyalty-controlplane/pkg/db"
	"loyalty-controlplane/pkg/gen"
	"loyalty-controlplane/pkg/logger"
	"loyalty-controlplane/pkg/redis"
	"loyalty-controlplane/services/bootstrap"
	"loyalty-controlplane/services/enrollment"
	"loyalty-controlplane/services/expiration"
	"loyalty-controlplane/services/ledger"
	"loyalty-controlplane/services/membership"
	"loyalty-controlplane/services/program"
	"loyalty-controlplane/services/resolver"
)

// The loyalty worker runs the background side of the points ledger:
// expiration sweeps and balance recomputes served off the asynq queue. The
// service packages themselves are transport-free and embed into any host
// process the same way.
func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		gen.Module,
		clock.Module,

		taskq.Client,
		taskq.Server,

		bootstrap.Module,
		ledger.Module,
		membership.Module,
		enrollment.Module,
		program.Module,
		resolver.Module,
		expiration.Module,
		expiration.TaskModule,

		fx.Provide(func(svc *enrollment.Service) program.EnrollmentCounter { return svc }),

		fxLogger,
	)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})
