package migration

import (
	"github.com/smallbiznis/railpay/internal/events"
	"github.com/smallbiznis/railpay/internal/payment/domain"
	"gorm.io/gorm"
)

// Models lists every table railpay owns, in dependency order.
func Models() []any {
	return []any{
		&domain.Charge{},
		&domain.Refund{},
		&domain.Transfer{},
		&domain.EventRecord{},
		&domain.TaskAttempt{},
		&events.OutboxEvent{},
	}
}

// RunMigrations brings the schema up to date.
func RunMigrations(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}
