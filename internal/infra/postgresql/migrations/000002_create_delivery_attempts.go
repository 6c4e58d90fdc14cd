package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"

	"github.com/kursadbilgin/delivery-engine/internal/repository"
)

func createDeliveryAttemptsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_create_delivery_attempts",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.AttemptRecordModel{}); err != nil {
				return err
			}
			return execAll(tx, []string{
				`CREATE INDEX IF NOT EXISTS idx_attempts_request_id ON delivery_attempts (request_id, attempt_number)`,
				`CREATE INDEX IF NOT EXISTS idx_attempts_created_at ON delivery_attempts (created_at)`,
				`ALTER TABLE delivery_attempts ADD CONSTRAINT fk_attempts_request FOREIGN KEY (request_id) REFERENCES notification_requests (id)`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.AttemptRecordModel{})
		},
	}
}
