package store

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opMetricsNew       = "store.metrics.new"
	opMetricsSave      = "store.metrics.save_analysis"
	opMetricsReasons   = "store.metrics.save_hard_fail_reasons"
	opMetricsLoad      = "store.metrics.load"
	opMetricsEvents    = "store.metrics.load_events"
	opMetricsCodecSave = "store.metrics.save_codec_simulations"
	opMetricsCodecLoad = "store.metrics.load_codec_simulations"
)

// MetricsStore persists private metrics, overshoot events and codec simulations.
type MetricsStore struct {
	base
}

// NewMetricsStore validates dependencies and builds a MetricsStore.
func NewMetricsStore(cfg Config) (*MetricsStore, error) {
	b, err := newBase(opMetricsNew, cfg)
	if err != nil {
		return nil, err
	}
	return &MetricsStore{base: b}, nil
}

// SaveAnalysis upserts the metrics row and replaces the item's event set in one
// transaction, so a re-run never leaves stale events next to fresh metrics.
func (s *MetricsStore) SaveAnalysis(ctx context.Context, metrics PrivateMetrics, events []PrivateEvent) error {
	queueID := metrics.QueueID
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "queue_id"}},
			UpdateAll: true,
		}).Create(&metrics).Error; err != nil {
			return s.fail(opMetricsSave, "metrics_upsert_failed", err, zap.String("queue_id", queueID))
		}
		if err := tx.Where("queue_id = ?", queueID).Delete(&PrivateEvent{}).Error; err != nil {
			return s.fail(opMetricsSave, "events_delete_failed", err, zap.String("queue_id", queueID))
		}
		if len(events) == 0 {
			return nil
		}
		rows := make([]PrivateEvent, len(events))
		for index, event := range events {
			event.EventID = 0
			event.QueueID = queueID
			rows[index] = event
		}
		if err := tx.Create(&rows).Error; err != nil {
			return s.fail(opMetricsSave, "events_insert_failed", err, zap.String("queue_id", queueID))
		}
		return nil
	})
}

// SaveHardFailReasons stores the computed reasons on an existing metrics row.
func (s *MetricsStore) SaveHardFailReasons(ctx context.Context, queueID string, reasons datatypes.JSON) error {
	result := s.db.WithContext(ctx).Model(&PrivateMetrics{}).
		Where("queue_id = ?", queueID).
		Update("hard_fail_reasons", reasons)
	if result.Error != nil {
		return s.fail(opMetricsReasons, "update_failed", result.Error, zap.String("queue_id", queueID))
	}
	if result.RowsAffected == 0 {
		return newServiceError(opMetricsReasons, "metrics_missing", ErrNotFound)
	}
	return nil
}

// LoadMetrics returns the metrics row for queueID.
func (s *MetricsStore) LoadMetrics(ctx context.Context, queueID string) (PrivateMetrics, bool, error) {
	var metrics PrivateMetrics
	err := s.db.WithContext(ctx).Where("queue_id = ?", queueID).Take(&metrics).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return PrivateMetrics{}, false, nil
	}
	if err != nil {
		return PrivateMetrics{}, false, s.fail(opMetricsLoad, "query_failed", err, zap.String("queue_id", queueID))
	}
	return metrics, true, nil
}

// LoadEvents returns the overshoot events in time order.
func (s *MetricsStore) LoadEvents(ctx context.Context, queueID string) ([]PrivateEvent, error) {
	var events []PrivateEvent
	if err := s.db.WithContext(ctx).
		Where("queue_id = ?", queueID).
		Order("start_s ASC").Order("event_id ASC").
		Find(&events).Error; err != nil {
		return nil, s.fail(opMetricsEvents, "query_failed", err, zap.String("queue_id", queueID))
	}
	return events, nil
}

// SaveCodecSimulations upserts one row per preset.
func (s *MetricsStore) SaveCodecSimulations(ctx context.Context, simulations []CodecSimulation) error {
	if len(simulations) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "queue_id"}, {Name: "preset"}},
		UpdateAll: true,
	}).Create(&simulations).Error; err != nil {
		return s.fail(opMetricsCodecSave, "upsert_failed", err, zap.String("queue_id", simulations[0].QueueID))
	}
	return nil
}

// LoadCodecSimulations returns the simulations ordered by preset.
func (s *MetricsStore) LoadCodecSimulations(ctx context.Context, queueID string) ([]CodecSimulation, error) {
	var simulations []CodecSimulation
	if err := s.db.WithContext(ctx).
		Where("queue_id = ?", queueID).
		Order("preset ASC").
		Find(&simulations).Error; err != nil {
		return nil, s.fail(opMetricsCodecLoad, "query_failed", err, zap.String("queue_id", queueID))
	}
	return simulations, nil
}
