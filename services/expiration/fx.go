package expiration

import (
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

var Module = fx.Module("expiration.service",
	fx.Provide(
		NewManager,
		NewTask,
	),
)

// TaskModule wires the batch task handlers onto the worker mux.
var TaskModule = fx.Module("expiration.task",
	fx.Invoke(func(mux *asynq.ServeMux, task *Task) {
		task.Register(mux)
	}),
)
