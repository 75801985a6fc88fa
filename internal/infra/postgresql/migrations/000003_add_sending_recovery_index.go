package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// addSendingRecoveryIndex backs RequeueStale, which only ever scans sending rows.
func addSendingRecoveryIndex() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000003_add_sending_recovery_index",
		Migrate: func(tx *gorm.DB) error {
			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_notifications_sending_updated ON notifications (updated_at) WHERE status = 'sending'`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Exec(`DROP INDEX IF EXISTS idx_notifications_sending_updated`).Error
		},
	}
}
