package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/paycadence/paycadence/internal/chain"
	"github.com/paycadence/paycadence/internal/clock"
	"github.com/paycadence/paycadence/internal/config"
	"github.com/paycadence/paycadence/internal/executor"
	"github.com/paycadence/paycadence/internal/ledger"
	"github.com/paycadence/paycadence/internal/migration"
	"github.com/paycadence/paycadence/internal/observability"
	"github.com/paycadence/paycadence/internal/preflight"
	"github.com/paycadence/paycadence/internal/scheduler"
	"github.com/paycadence/paycadence/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,

		chain.Module,
		ledger.Module,
		preflight.Module,
		executor.Module,
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
