package migration

import (
	"github.com/paycadence/paycadence/internal/config"
	paymentdomain "github.com/paycadence/paycadence/internal/payment/domain"
	plandomain "github.com/paycadence/paycadence/internal/plan/domain"
	subscriptiondomain "github.com/paycadence/paycadence/internal/subscription/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		// Versioned SQL migrations target postgres. The sqlite path exists
		// for local runs and tests, where AutoMigrate is enough.
		if cfg.DBType == "sqlite" {
			return conn.AutoMigrate(
				&plandomain.BillingPlan{},
				&subscriptiondomain.Subscription{},
				&paymentdomain.PaymentRecord{},
			)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
