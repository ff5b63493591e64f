package scheduler

import (
	"context"

	"github.com/smallbiznis/creditledger/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module runs the jobs inside the API process. SCHEDULER_ENABLED=false hands
// them to the standalone scheduler binary, which uses Standalone instead.
var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig, New),
	fx.Invoke(func(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, s *Scheduler) {
		if !cfg.Scheduler.Enabled {
			log.Info("scheduler disabled in this process")
			return
		}
		Start(lc, s)
	}),
)

// Standalone always starts the run loop.
var Standalone = fx.Module("scheduler.standalone",
	fx.Provide(ProvideConfig, New),
	fx.Invoke(Start),
)

// Start ties the run loop to the application lifecycle. The loop gets its
// own context because the OnStart context expires once startup finishes.
func Start(lc fx.Lifecycle, s *Scheduler) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				s.RunForever(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return nil
		},
	})
}
