package executor

import (
	"github.com/paycadence/paycadence/internal/chain"
	"github.com/paycadence/paycadence/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("executor",
	fx.Provide(provide),
)

func provide(client chain.Client, log *zap.Logger, cfg config.Config) (*Executor, error) {
	return New(client, log, cfg.ConfirmTimeout)
}
