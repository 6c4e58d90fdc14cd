package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"

	"github.com/kursadbilgin/delivery-engine/internal/repository"
)

func createNotificationRequestsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_notification_requests",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.RequestModel{}); err != nil {
				return err
			}
			return execAll(tx, []string{
				`CREATE INDEX IF NOT EXISTS idx_requests_claim ON notification_requests (priority, created_at) WHERE status = 'pending'`,
				`CREATE INDEX IF NOT EXISTS idx_requests_next_attempt ON notification_requests (next_attempt_at) WHERE status = 'pending'`,
				`CREATE INDEX IF NOT EXISTS idx_requests_lease ON notification_requests (lease_expires_at) WHERE status = 'processing'`,
				`CREATE INDEX IF NOT EXISTS idx_requests_created_at ON notification_requests (created_at)`,
				`ALTER TABLE notification_requests ADD CONSTRAINT chk_requests_priority CHECK (priority BETWEEN 1 AND 10)`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.RequestModel{})
		},
	}
}
