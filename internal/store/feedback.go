package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opFeedbackNew    = "store.feedback.new"
	opUnlockFind     = "store.feedback.find_unlock"
	opUnlockGrant    = "store.feedback.grant_unlock"
	opPayloadUpsert  = "store.feedback.upsert_payload"
	opPayloadFind    = "store.feedback.find_payload"
	opPayloadExists  = "store.feedback.payload_exists"
	opPayloadInvalid = "store.feedback.invalid_payload"
)

// FeedbackConfig configures a FeedbackStore.
type FeedbackConfig struct {
	Config
	IDProvider IDProvider
}

// FeedbackStore reads unlocks and persists feedback payloads.
type FeedbackStore struct {
	base
	ids IDProvider
}

// NewFeedbackStore validates dependencies and builds a FeedbackStore.
func NewFeedbackStore(cfg FeedbackConfig) (*FeedbackStore, error) {
	b, err := newBase(opFeedbackNew, cfg.Config)
	if err != nil {
		return nil, err
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opFeedbackNew, "missing_id_provider", errMissingIDProvider)
	}
	return &FeedbackStore{base: b, ids: cfg.IDProvider}, nil
}

// HasUnlock reports whether userID purchased feedback for this exact item and hash.
func (s *FeedbackStore) HasUnlock(ctx context.Context, queueID, userID, audioHash string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&FeedbackUnlock{}).
		Where("queue_id = ? AND user_id = ? AND audio_hash = ?", queueID, userID, audioHash).
		Count(&count).Error; err != nil {
		return false, s.fail(opUnlockFind, "query_failed", err,
			zap.String("queue_id", queueID),
			zap.String("user_id", userID))
	}
	return count > 0, nil
}

// GrantUnlock records an unlock on behalf of the billing collaborator. Granting the
// same unlock twice is a no-op.
func (s *FeedbackStore) GrantUnlock(ctx context.Context, queueID, userID, audioHash string, now time.Time) error {
	if strings.TrimSpace(queueID) == "" || strings.TrimSpace(userID) == "" || strings.TrimSpace(audioHash) == "" {
		return newServiceError(opUnlockGrant, "invalid_unlock", errors.New("queue id, user id and audio hash are required"))
	}
	id, err := s.ids.NewID()
	if err != nil {
		return s.fail(opUnlockGrant, "id_generation_failed", err)
	}
	unlock := FeedbackUnlock{
		ID:               id,
		QueueID:          queueID,
		UserID:           userID,
		AudioHash:        audioHash,
		CreatedAtSeconds: now.UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&unlock).Error; err != nil {
		return s.fail(opUnlockGrant, "insert_failed", err, zap.String("queue_id", queueID))
	}
	return nil
}

// UpsertPayload writes the payload, replacing any prior payload for the queue item.
func (s *FeedbackStore) UpsertPayload(ctx context.Context, payload FeedbackPayload) error {
	if len(payload.Payload) == 0 {
		return newServiceError(opPayloadInvalid, "empty_payload", errors.New("payload body is required"))
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "queue_id"}},
		UpdateAll: true,
	}).Create(&payload).Error; err != nil {
		return s.fail(opPayloadUpsert, "upsert_failed", err, zap.String("queue_id", payload.QueueID))
	}
	return nil
}

// FindPayload returns the payload for the item owned by userID.
func (s *FeedbackStore) FindPayload(ctx context.Context, queueID, userID string) (FeedbackPayload, bool, error) {
	var payload FeedbackPayload
	err := s.db.WithContext(ctx).
		Where("queue_id = ? AND user_id = ?", queueID, userID).
		Take(&payload).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return FeedbackPayload{}, false, nil
	}
	if err != nil {
		return FeedbackPayload{}, false, s.fail(opPayloadFind, "query_failed", err, zap.String("queue_id", queueID))
	}
	return payload, true, nil
}

// PayloadExists reports whether a payload was built for queueID.
func (s *FeedbackStore) PayloadExists(ctx context.Context, queueID string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&FeedbackPayload{}).
		Where("queue_id = ?", queueID).
		Count(&count).Error; err != nil {
		return false, s.fail(opPayloadExists, "query_failed", err, zap.String("queue_id", queueID))
	}
	return count > 0, nil
}
