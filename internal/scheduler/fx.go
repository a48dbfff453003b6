package scheduler

import (
	"context"
	"sync"

	"github.com/paycadence/paycadence/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(New),
	fx.Provide(NewScanner),
	fx.Provide(NewTrigger),
	fx.Invoke(StartEngine),
)

func ProvideConfig(cfg config.Config) Config {
	return Config{
		ScanInterval:      cfg.ScanInterval,
		AbandonThreshold:  cfg.AbandonThreshold,
		WorkerConcurrency: cfg.WorkerConcurrency,
		QueueSize:         cfg.QueueSize,
	}.withDefaults()
}

// StartEngine wires the engine loops into the application lifecycle:
// recover pending submissions, then run the coordinator, scanner, and
// event trigger until shutdown.
func StartEngine(lc fx.Lifecycle, coordinator *Coordinator, scanner *Scanner, trigger *Trigger, log *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			if err := coordinator.RecoverPending(startCtx); err != nil {
				return err
			}

			wg.Add(3)
			go func() {
				defer wg.Done()
				coordinator.Run(ctx)
			}()
			go func() {
				defer wg.Done()
				scanner.Run(ctx)
			}()
			go func() {
				defer wg.Done()
				trigger.Run(ctx)
			}()

			log.Info("payment engine started")
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			wg.Wait()
			log.Info("payment engine stopped")
			return nil
		},
	})
}
