package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opQueueNew          = "store.queue.new"
	opQueueEnqueue      = "store.queue.enqueue"
	opQueueGet          = "store.queue.get"
	opQueueRecover      = "store.queue.recover_expired_leases"
	opQueueOldest       = "store.queue.oldest_pending"
	opQueueHasLive      = "store.queue.has_processing"
	opQueueLatest       = "store.queue.latest_terminal"
	opQueueClaim        = "store.queue.claim"
	opQueueRelease      = "store.queue.release"
	opQueueSetHash      = "store.queue.set_hash"
	opQueueHashFailure  = "store.queue.record_hash_failure"
	opQueueFinalize     = "store.queue.finalize"
	opQueueActiveHash   = "store.queue.active_hash_exists"
	leaseExpiredMessage = "lease expired"
)

var errMissingIDProvider = errors.New("id provider is required")

// QueueConfig configures a QueueStore.
type QueueConfig struct {
	Config
	IDProvider IDProvider
}

// QueueStore is the gorm implementation of the queue repository.
type QueueStore struct {
	base
	ids IDProvider
}

// NewQueueStore validates dependencies and builds a QueueStore.
func NewQueueStore(cfg QueueConfig) (*QueueStore, error) {
	b, err := newBase(opQueueNew, cfg.Config)
	if err != nil {
		return nil, err
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opQueueNew, "missing_id_provider", errMissingIDProvider)
	}
	return &QueueStore{base: b, ids: cfg.IDProvider}, nil
}

// Submission describes a new master handed over by the upload collaborator.
type Submission struct {
	UserID     string
	IngestPath string
	Title      string
}

// Enqueue inserts a pending item.
func (s *QueueStore) Enqueue(ctx context.Context, submission Submission, now time.Time) (QueueItem, error) {
	userID := strings.TrimSpace(submission.UserID)
	ingestPath := strings.TrimSpace(submission.IngestPath)
	if userID == "" || ingestPath == "" {
		return QueueItem{}, newServiceError(opQueueEnqueue, "invalid_submission", errors.New("user id and ingest path are required"))
	}
	id, err := s.ids.NewID()
	if err != nil {
		return QueueItem{}, s.fail(opQueueEnqueue, "id_generation_failed", err)
	}
	seconds := now.UTC().Unix()
	item := QueueItem{
		ID:               id,
		UserID:           userID,
		IngestPath:       ingestPath,
		Title:            strings.TrimSpace(submission.Title),
		Status:           StatusPending,
		HashState:        HashPending,
		CreatedAtSeconds: seconds,
		UpdatedAtSeconds: seconds,
	}
	if err := s.db.WithContext(ctx).Create(&item).Error; err != nil {
		return QueueItem{}, s.fail(opQueueEnqueue, "insert_failed", err, zap.String("user_id", userID))
	}
	return item, nil
}

// Get loads one item.
func (s *QueueStore) Get(ctx context.Context, queueID string) (QueueItem, error) {
	var item QueueItem
	err := s.db.WithContext(ctx).Where("id = ?", queueID).Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return QueueItem{}, newServiceError(opQueueGet, "not_found", ErrNotFound)
	}
	if err != nil {
		return QueueItem{}, s.fail(opQueueGet, "query_failed", err, zap.String("queue_id", queueID))
	}
	return item, nil
}

// RecoverExpiredLeases returns processing items whose lease has expired to pending.
func (s *QueueStore) RecoverExpiredLeases(ctx context.Context, now time.Time) (int64, error) {
	seconds := now.UTC().Unix()
	result := s.db.WithContext(ctx).Model(&QueueItem{}).
		Where("status = ? AND lease_expires_at_s IS NOT NULL AND lease_expires_at_s < ?", StatusProcessing, seconds).
		Updates(map[string]any{
			"status":             StatusPending,
			"lease_expires_at_s": nil,
			"last_error":         leaseExpiredMessage,
			"updated_at_s":       seconds,
		})
	if result.Error != nil {
		return 0, s.fail(opQueueRecover, "update_failed", result.Error)
	}
	return result.RowsAffected, nil
}

// OldestPending returns the user's oldest pending item.
func (s *QueueStore) OldestPending(ctx context.Context, userID string) (QueueItem, bool, error) {
	var item QueueItem
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, StatusPending).
		Order("created_at_s ASC").Order("id ASC").
		Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return QueueItem{}, false, nil
	}
	if err != nil {
		return QueueItem{}, false, s.fail(opQueueOldest, "query_failed", err, zap.String("user_id", userID))
	}
	return item, true, nil
}

// HasProcessing reports whether the user has an item under a live lease.
func (s *QueueStore) HasProcessing(ctx context.Context, userID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&QueueItem{}).
		Where("user_id = ? AND status = ?", userID, StatusProcessing).
		Count(&count).Error
	if err != nil {
		return false, s.fail(opQueueHasLive, "query_failed", err, zap.String("user_id", userID))
	}
	return count > 0, nil
}

// LatestTerminal returns the user's most recently decided item.
func (s *QueueStore) LatestTerminal(ctx context.Context, userID string) (QueueItem, bool, error) {
	var item QueueItem
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND status IN ?", userID, []QueueStatus{StatusApproved, StatusRejected}).
		Order("decided_at_s DESC").Order("id DESC").
		Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return QueueItem{}, false, nil
	}
	if err != nil {
		return QueueItem{}, false, s.fail(opQueueLatest, "query_failed", err, zap.String("user_id", userID))
	}
	return item, true, nil
}

// Claim conditionally moves a pending item to processing with a lease and returns the
// row as written, so Attempts is the claim's own attempt number. It reports false
// when another caller claimed the item first.
func (s *QueueStore) Claim(ctx context.Context, queueID string, now time.Time, lease time.Duration) (QueueItem, bool, error) {
	seconds := now.UTC().Unix()
	expires := now.UTC().Add(lease).Unix()
	var claimed QueueItem
	found := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&QueueItem{}).
			Where("id = ? AND status = ?", queueID, StatusPending).
			Updates(map[string]any{
				"status":             StatusProcessing,
				"lease_expires_at_s": expires,
				"attempts":           gorm.Expr("attempts + 1"),
				"updated_at_s":       seconds,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected != 1 {
			return nil
		}
		if err := tx.Where("id = ?", queueID).Take(&claimed).Error; err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return QueueItem{}, false, s.fail(opQueueClaim, "update_failed", err, zap.String("queue_id", queueID))
	}
	return claimed, found, nil
}

// Release hands a processing item back to pending after an infrastructure failure.
// attempt is the claim's attempt number; a stale claimant gets ErrStaleClaim and
// changes nothing.
func (s *QueueStore) Release(ctx context.Context, queueID string, attempt int, cause string, now time.Time) error {
	result := s.db.WithContext(ctx).Model(&QueueItem{}).
		Where("id = ? AND status = ? AND attempts = ?", queueID, StatusProcessing, attempt).
		Updates(map[string]any{
			"status":             StatusPending,
			"lease_expires_at_s": nil,
			"last_error":         cause,
			"updated_at_s":       now.UTC().Unix(),
		})
	if result.Error != nil {
		return s.fail(opQueueRelease, "update_failed", result.Error, zap.String("queue_id", queueID))
	}
	if result.RowsAffected != 1 {
		return newServiceError(opQueueRelease, "stale_claim", ErrStaleClaim)
	}
	return nil
}

// SetHash records the content hash once. A hash already held by another live item is
// reported as ErrDuplicateHash; a different hash on a done item as ErrHashImmutable.
func (s *QueueStore) SetHash(ctx context.Context, queueID, hash string, now time.Time) error {
	result := s.db.WithContext(ctx).Model(&QueueItem{}).
		Where("id = ? AND hash_state <> ?", queueID, HashDone).
		Updates(map[string]any{
			"audio_hash":      hash,
			"hash_state":      HashDone,
			"hash_last_error": "",
			"updated_at_s":    now.UTC().Unix(),
		})
	if result.Error != nil {
		if IsUniqueViolation(result.Error) {
			return newServiceError(opQueueSetHash, "duplicate_hash", ErrDuplicateHash)
		}
		return s.fail(opQueueSetHash, "update_failed", result.Error, zap.String("queue_id", queueID))
	}
	if result.RowsAffected == 1 {
		return nil
	}

	item, err := s.Get(ctx, queueID)
	if err != nil {
		return err
	}
	if item.Hash() != hash {
		return newServiceError(opQueueSetHash, "hash_immutable", ErrHashImmutable)
	}
	return nil
}

// RecordHashFailure marks the hash computation as failed and counts the attempt.
func (s *QueueStore) RecordHashFailure(ctx context.Context, queueID, cause string, now time.Time) error {
	result := s.db.WithContext(ctx).Model(&QueueItem{}).
		Where("id = ? AND hash_state <> ?", queueID, HashDone).
		Updates(map[string]any{
			"hash_state":      HashError,
			"hash_attempts":   gorm.Expr("hash_attempts + 1"),
			"hash_last_error": cause,
			"updated_at_s":    now.UTC().Unix(),
		})
	if result.Error != nil {
		return s.fail(opQueueHashFailure, "update_failed", result.Error, zap.String("queue_id", queueID))
	}
	return nil
}

// Decision is a terminal transition.
type Decision struct {
	Status QueueStatus
	Reason RejectionReason
	// AudioHash is written together with the decision when the hash could not be
	// recorded earlier because another item holds it.
	AudioHash string
}

// Finalize moves a processing item to its terminal state. It reports false when the
// claim identified by attempt no longer holds the item.
func (s *QueueStore) Finalize(ctx context.Context, queueID string, attempt int, decision Decision, now time.Time) (bool, error) {
	if !decision.Status.Terminal() {
		return false, newServiceError(opQueueFinalize, "invalid_status", errors.New("decision status must be terminal"))
	}
	seconds := now.UTC().Unix()
	updates := map[string]any{
		"status":             decision.Status,
		"rejection_reason":   decision.Reason,
		"lease_expires_at_s": nil,
		"decided_at_s":       seconds,
		"updated_at_s":       seconds,
	}
	if decision.AudioHash != "" {
		updates["audio_hash"] = decision.AudioHash
		updates["hash_state"] = HashDone
	}
	result := s.db.WithContext(ctx).Model(&QueueItem{}).
		Where("id = ? AND status = ? AND attempts = ?", queueID, StatusProcessing, attempt).
		Updates(updates)
	if result.Error != nil {
		return false, s.fail(opQueueFinalize, "update_failed", result.Error,
			zap.String("queue_id", queueID),
			zap.String("status", string(decision.Status)))
	}
	return result.RowsAffected == 1, nil
}

// ActiveHashExists reports whether another pending, processing or approved item
// carries hash.
func (s *QueueStore) ActiveHashExists(ctx context.Context, hash, excludeQueueID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&QueueItem{}).
		Where("audio_hash = ? AND id <> ? AND status <> ?", hash, excludeQueueID, StatusRejected).
		Count(&count).Error
	if err != nil {
		return false, s.fail(opQueueActiveHash, "query_failed", err, zap.String("queue_id", excludeQueueID))
	}
	return count > 0, nil
}
