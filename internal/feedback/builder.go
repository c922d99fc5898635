// Package feedback assembles the unlock-gated client report from private metrics.
package feedback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tonipetergugic/immusic-sub001/internal/rules"
	"github.com/tonipetergugic/immusic-sub001/internal/store"
	"github.com/tonipetergugic/immusic-sub001/internal/structure"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

const (
	opBuilderNew = "feedback.builder.new"
	opBuild      = "feedback.build"
)

var errMissingDependency = errors.New("dependency is required")

// ServiceError carries a stable "<operation>.<reason>" code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// QueueReader loads queue items.
type QueueReader interface {
	Get(ctx context.Context, queueID string) (store.QueueItem, error)
}

// MetricsReader loads the private analysis.
type MetricsReader interface {
	LoadMetrics(ctx context.Context, queueID string) (store.PrivateMetrics, bool, error)
	LoadEvents(ctx context.Context, queueID string) ([]store.PrivateEvent, error)
	LoadCodecSimulations(ctx context.Context, queueID string) ([]store.CodecSimulation, error)
}

// UnlockRepository reads unlocks and writes payloads.
type UnlockRepository interface {
	HasUnlock(ctx context.Context, queueID, userID, audioHash string) (bool, error)
	UpsertPayload(ctx context.Context, payload store.FeedbackPayload) error
}

// Config wires a Builder.
type Config struct {
	Queue   QueueReader
	Metrics MetricsReader
	Unlocks UnlockRepository
	Clock   func() time.Time
	Logger  *zap.Logger
}

// Builder writes feedback payloads for unlocked items.
type Builder struct {
	queue   QueueReader
	metrics MetricsReader
	unlocks UnlockRepository
	clock   func() time.Time
	logger  *zap.Logger
}

// NewBuilder validates dependencies and builds a Builder.
func NewBuilder(cfg Config) (*Builder, error) {
	if cfg.Queue == nil {
		return nil, newServiceError(opBuilderNew, "missing_queue", errMissingDependency)
	}
	if cfg.Metrics == nil {
		return nil, newServiceError(opBuilderNew, "missing_metrics", errMissingDependency)
	}
	if cfg.Unlocks == nil {
		return nil, newServiceError(opBuilderNew, "missing_unlocks", errMissingDependency)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{queue: cfg.Queue, metrics: cfg.Metrics, unlocks: cfg.Unlocks, clock: clock, logger: logger}, nil
}

// Build writes the payload when userID holds an unlock for the item's current hash
// and the private metrics exist. Otherwise it does nothing and reports false.
func (b *Builder) Build(ctx context.Context, queueID, userID string) (bool, error) {
	item, err := b.queue.Get(ctx, queueID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, b.fail("queue_lookup_failed", err, queueID, userID)
	}
	hash := item.Hash()
	if item.UserID != userID || hash == "" {
		return false, nil
	}

	unlocked, err := b.unlocks.HasUnlock(ctx, queueID, userID, hash)
	if err != nil {
		return false, b.fail("unlock_lookup_failed", err, queueID, userID)
	}
	if !unlocked {
		return false, nil
	}

	metrics, found, err := b.metrics.LoadMetrics(ctx, queueID)
	if err != nil {
		return false, b.fail("metrics_lookup_failed", err, queueID, userID)
	}
	if !found {
		return false, nil
	}
	events, err := b.metrics.LoadEvents(ctx, queueID)
	if err != nil {
		return false, b.fail("events_lookup_failed", err, queueID, userID)
	}
	simulations, err := b.metrics.LoadCodecSimulations(ctx, queueID)
	if err != nil {
		b.logger.Warn("codec simulations unavailable",
			zap.String("operation", opBuild),
			zap.String("queue_id", queueID),
			zap.Error(err))
		simulations = nil
	}

	bands, err := store.DecodeJSON[[]store.BandRecord](metrics.Bands)
	if err != nil {
		return false, b.fail("bands_invalid", err, queueID, userID)
	}
	reasons, err := store.DecodeJSON[[]rules.Reason](metrics.HardFailReasons)
	if err != nil {
		return false, b.fail("reasons_invalid", err, queueID, userID)
	}
	analysis, err := store.DecodeJSON[*structure.Result](metrics.Structure)
	if err != nil {
		return false, b.fail("structure_invalid", err, queueID, userID)
	}

	encoded, err := json.Marshal(assemble(item, metrics, analysis, bands, reasons, events, simulations))
	if err != nil {
		return false, b.fail("encode_failed", err, queueID, userID)
	}
	if err := b.unlocks.UpsertPayload(ctx, store.FeedbackPayload{
		QueueID:            queueID,
		UserID:             userID,
		AudioHash:          hash,
		Version:            PayloadVersion,
		Payload:            datatypes.JSON(encoded),
		GeneratedAtSeconds: b.clock().UTC().Unix(),
	}); err != nil {
		return false, b.fail("upsert_failed", err, queueID, userID)
	}
	b.logger.Info("feedback payload built",
		zap.String("queue_id", queueID),
		zap.String("user_id", userID),
		zap.Int("version", PayloadVersion))
	return true, nil
}

func (b *Builder) fail(reason string, err error, queueID, userID string) error {
	b.logger.Error("feedback error",
		zap.String("operation", opBuild),
		zap.String("reason", reason),
		zap.Error(err),
		zap.String("queue_id", queueID),
		zap.String("user_id", userID))
	return newServiceError(opBuild, reason, err)
}
