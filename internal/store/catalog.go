package store

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opCatalogNew    = "store.catalog.new"
	opCatalogInsert = "store.catalog.insert"
	opCatalogHash   = "store.catalog.hash_exists"
	opCatalogQueue  = "store.catalog.find_by_queue"
)

// CatalogStore persists approved deliverables.
type CatalogStore struct {
	base
}

// NewCatalogStore validates dependencies and builds a CatalogStore.
func NewCatalogStore(cfg Config) (*CatalogStore, error) {
	b, err := newBase(opCatalogNew, cfg)
	if err != nil {
		return nil, err
	}
	return &CatalogStore{base: b}, nil
}

// Insert adds a track. A hash or queue id already in the catalog yields ErrDuplicateHash.
func (s *CatalogStore) Insert(ctx context.Context, track CatalogTrack) error {
	if err := s.db.WithContext(ctx).Create(&track).Error; err != nil {
		if IsUniqueViolation(err) {
			return newServiceError(opCatalogInsert, "duplicate_hash", ErrDuplicateHash)
		}
		return s.fail(opCatalogInsert, "insert_failed", err, zap.String("queue_id", track.QueueID))
	}
	return nil
}

// HashExists reports whether a track published for another queue item carries hash.
func (s *CatalogStore) HashExists(ctx context.Context, hash, excludeQueueID string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&CatalogTrack{}).
		Where("audio_hash = ? AND queue_id <> ?", hash, excludeQueueID).
		Count(&count).Error; err != nil {
		return false, s.fail(opCatalogHash, "query_failed", err)
	}
	return count > 0, nil
}

// FindByQueue returns the track published for queueID, if any.
func (s *CatalogStore) FindByQueue(ctx context.Context, queueID string) (CatalogTrack, bool, error) {
	var track CatalogTrack
	err := s.db.WithContext(ctx).Where("queue_id = ?", queueID).Take(&track).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return CatalogTrack{}, false, nil
	}
	if err != nil {
		return CatalogTrack{}, false, s.fail(opCatalogQueue, "query_failed", err, zap.String("queue_id", queueID))
	}
	return track, true, nil
}
