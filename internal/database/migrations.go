package database

import (
	"errors"
	"time"

	"github.com/tonipetergugic/immusic-sub001/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationQueueActiveHashIndex = "2026-09-14_qc_queue_active_hash_unique"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationQueueActiveHashIndex, apply: createQueueActiveHashIndex},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// createQueueActiveHashIndex makes a content hash unique among items that are not
// rejected. Rejected duplicates keep their hash for audit.
func createQueueActiveHashIndex(db *gorm.DB) error {
	return db.Exec("CREATE UNIQUE INDEX IF NOT EXISTS idx_qc_queue_active_hash ON " +
		store.QueueItem{}.TableName() +
		" (audio_hash) WHERE audio_hash IS NOT NULL AND status <> 'rejected'").Error
}

