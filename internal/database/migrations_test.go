package database

import (
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"github.com/tonipetergugic/immusic-sub001/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func queueItem(id, hash string, status store.QueueStatus) store.QueueItem {
	hashCopy := hash
	return store.QueueItem{
		ID:               id,
		UserID:           "user-1",
		IngestPath:       "uploads/" + id + ".wav",
		Status:           status,
		AudioHash:        &hashCopy,
		HashState:        store.HashDone,
		CreatedAtSeconds: 1,
		UpdatedAtSeconds: 1,
	}
}

func TestApplyMigrationsCreatesActiveHashIndex(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&store.QueueItem{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("expected migrations to be idempotent: %v", err)
	}

	first := queueItem("q-1", "hash-a", store.StatusProcessing)
	if err := database.Create(&first).Error; err != nil {
		testContext.Fatalf("failed to insert first item: %v", err)
	}

	second := queueItem("q-2", "hash-a", store.StatusPending)
	err = database.Create(&second).Error
	if !store.IsUniqueViolation(err) {
		testContext.Fatalf("expected unique violation for a second live item, got %v", err)
	}

	rejected := queueItem("q-3", "hash-a", store.StatusRejected)
	if err := database.Create(&rejected).Error; err != nil {
		testContext.Fatalf("expected rejected items to share a hash: %v", err)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationQueueActiveHashIndex).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestOpenSQLiteMigratesEveryTable(testContext *testing.T) {
	database, err := OpenSQLite(filepath.Join(testContext.TempDir(), "open.db"), zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	for _, model := range store.Models() {
		if !database.Migrator().HasTable(model) {
			testContext.Fatalf("expected table for %T", model)
		}
	}
	if !database.Migrator().HasIndex(&store.QueueItem{}, "idx_qc_queue_active_hash") {
		testContext.Fatalf("expected partial unique index to exist")
	}
}
