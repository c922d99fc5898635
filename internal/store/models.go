package store

import "gorm.io/datatypes"

// QueueStatus is the lifecycle state of a submitted master.
type QueueStatus string

const (
	StatusPending    QueueStatus = "pending"
	StatusProcessing QueueStatus = "processing"
	StatusApproved   QueueStatus = "approved"
	StatusRejected   QueueStatus = "rejected"
)

// Terminal reports whether the status is a final decision.
func (s QueueStatus) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// HashState tracks the content hash computation.
type HashState string

const (
	HashPending HashState = "pending"
	HashDone    HashState = "done"
	HashError   HashState = "error"
)

// RejectionReason is the coarse rejection category.
type RejectionReason string

const (
	RejectionNone      RejectionReason = ""
	RejectionTechnical RejectionReason = "technical"
	RejectionDuplicate RejectionReason = "duplicate_audio"
)

// QueueItem is one submitted master awaiting or undergoing review.
type QueueItem struct {
	ID                  string          `gorm:"column:id;primaryKey;size:190;not null"`
	UserID              string          `gorm:"column:user_id;size:190;not null;index:idx_qc_queue_user_status,priority:1"`
	IngestPath          string          `gorm:"column:ingest_path;size:1024;not null"`
	Title               string          `gorm:"column:title;size:512;not null;default:''"`
	Status              QueueStatus     `gorm:"column:status;size:32;not null;default:pending;index:idx_qc_queue_user_status,priority:2;index:idx_qc_queue_status_lease,priority:1"`
	AudioHash           *string         `gorm:"column:audio_hash;size:64"`
	HashState           HashState       `gorm:"column:hash_state;size:32;not null;default:pending"`
	HashAttempts        int             `gorm:"column:hash_attempts;not null;default:0"`
	HashLastError       string          `gorm:"column:hash_last_error;type:text;not null;default:''"`
	RejectionReason     RejectionReason `gorm:"column:rejection_reason;size:32;not null;default:''"`
	Attempts            int             `gorm:"column:attempts;not null;default:0"`
	LastError           string          `gorm:"column:last_error;type:text;not null;default:''"`
	LeaseExpiresSeconds *int64          `gorm:"column:lease_expires_at_s;index:idx_qc_queue_status_lease,priority:2"`
	CreatedAtSeconds    int64           `gorm:"column:created_at_s;not null;index:idx_qc_queue_user_status,priority:3"`
	UpdatedAtSeconds    int64           `gorm:"column:updated_at_s;not null"`
	DecidedAtSeconds    *int64          `gorm:"column:decided_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (QueueItem) TableName() string {
	return "qc_queue_items"
}

// Hash returns the content hash or an empty string.
func (q QueueItem) Hash() string {
	if q.AudioHash == nil {
		return ""
	}
	return *q.AudioHash
}

// PrivateMetrics holds every extracted feature for one queue item. Nullable columns
// are NULL when the toolchain did not report the measurement.
type PrivateMetrics struct {
	QueueID                string         `gorm:"column:queue_id;primaryKey;size:190;not null"`
	DurationSeconds        *float64       `gorm:"column:duration_s"`
	IntegratedLUFS         *float64       `gorm:"column:integrated_lufs"`
	LoudnessRangeLU        *float64       `gorm:"column:lra_lu"`
	TruePeakDBTP           *float64       `gorm:"column:true_peak_dbtp"`
	EffectiveTruePeakDBTP  *float64       `gorm:"column:effective_true_peak_dbtp"`
	SamplePeakDBFS         *float64       `gorm:"column:sample_peak_dbfs"`
	MeanVolumeDBFS         *float64       `gorm:"column:mean_volume_dbfs"`
	ClippedSamples         *float64       `gorm:"column:clipped_samples"`
	DCOffset               *float64       `gorm:"column:dc_offset"`
	SilenceTotalSeconds    *float64       `gorm:"column:silence_total_s"`
	SilenceLongestSeconds  *float64       `gorm:"column:silence_longest_s"`
	PhaseCorrelation       *float64       `gorm:"column:phase_correlation"`
	LowBandCorrelation     *float64       `gorm:"column:low_band_correlation"`
	MidRMSDB               *float64       `gorm:"column:mid_rms_db"`
	SideRMSDB              *float64       `gorm:"column:side_rms_db"`
	TransientDensity       *float64       `gorm:"column:transient_density"`
	PunchIndex             *float64       `gorm:"column:punch_index"`
	CrestMeanDB            *float64       `gorm:"column:crest_mean_db"`
	CrestP95DB             *float64       `gorm:"column:crest_p95_db"`
	Bands                  datatypes.JSON `gorm:"column:bands;type:json"`
	Timeline               datatypes.JSON `gorm:"column:timeline;type:json"`
	Structure              datatypes.JSON `gorm:"column:structure;type:json"`
	HardFailReasons        datatypes.JSON `gorm:"column:hard_fail_reasons;type:json"`
	AnalyzedAtSeconds      int64          `gorm:"column:analyzed_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (PrivateMetrics) TableName() string {
	return "qc_private_metrics"
}

// PrivateEvent is one true-peak overshoot window.
type PrivateEvent struct {
	EventID      int64   `gorm:"column:event_id;primaryKey;autoIncrement"`
	QueueID      string  `gorm:"column:queue_id;size:190;not null;index:idx_qc_events_queue_start,priority:1"`
	StartSeconds float64 `gorm:"column:start_s;not null;index:idx_qc_events_queue_start,priority:2"`
	EndSeconds   float64 `gorm:"column:end_s;not null"`
	PeakDBTP     float64 `gorm:"column:peak_dbtp;not null"`
	Severity     string  `gorm:"column:severity;size:16;not null"`
}

// TableName provides the explicit table binding for GORM.
func (PrivateEvent) TableName() string {
	return "qc_private_events"
}

// CodecSimulation is the best-effort lossy round-trip estimate for one preset.
type CodecSimulation struct {
	QueueID          string   `gorm:"column:queue_id;primaryKey;size:190;not null"`
	Preset           string   `gorm:"column:preset;primaryKey;size:32;not null"`
	PreTruePeakDBTP  *float64 `gorm:"column:pre_true_peak_dbtp"`
	PostTruePeakDBTP *float64 `gorm:"column:post_true_peak_dbtp"`
	OvershootCount   int      `gorm:"column:overshoot_count;not null;default:0"`
	HeadroomDeltaDB  *float64 `gorm:"column:headroom_delta_db"`
	DistortionRisk   string   `gorm:"column:distortion_risk;size:16;not null"`
	CreatedAtSeconds int64    `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CodecSimulation) TableName() string {
	return "qc_codec_simulations"
}

// CatalogTrack is an approved, transcoded deliverable. Its audio_hash uniqueness is the
// final authority on duplicates.
type CatalogTrack struct {
	ID               string `gorm:"column:id;primaryKey;size:190;not null"`
	QueueID          string `gorm:"column:queue_id;size:190;not null;uniqueIndex:idx_qc_catalog_queue"`
	UserID           string `gorm:"column:user_id;size:190;not null;index:idx_qc_catalog_user"`
	Title            string `gorm:"column:title;size:512;not null;default:''"`
	AudioHash        string `gorm:"column:audio_hash;size:64;not null;uniqueIndex:idx_qc_catalog_hash"`
	ObjectKey        string `gorm:"column:object_key;size:1024;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CatalogTrack) TableName() string {
	return "qc_catalog_tracks"
}

// FeedbackUnlock records a purchased feedback report. Written by billing.
type FeedbackUnlock struct {
	ID               string `gorm:"column:id;primaryKey;size:190;not null"`
	QueueID          string `gorm:"column:queue_id;size:190;not null;uniqueIndex:idx_qc_unlock_key,priority:1"`
	UserID           string `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_qc_unlock_key,priority:2"`
	AudioHash        string `gorm:"column:audio_hash;size:64;not null;uniqueIndex:idx_qc_unlock_key,priority:3"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (FeedbackUnlock) TableName() string {
	return "qc_feedback_unlocks"
}

// FeedbackPayload is the client-safe report, one per queue item.
type FeedbackPayload struct {
	QueueID            string         `gorm:"column:queue_id;primaryKey;size:190;not null"`
	UserID             string         `gorm:"column:user_id;size:190;not null;index:idx_qc_payload_user"`
	AudioHash          string         `gorm:"column:audio_hash;size:64;not null"`
	Version            int            `gorm:"column:version;not null"`
	Payload            datatypes.JSON `gorm:"column:payload;type:json;not null"`
	GeneratedAtSeconds int64          `gorm:"column:generated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (FeedbackPayload) TableName() string {
	return "qc_feedback_payloads"
}

// Models lists every table owned by the pipeline, in migration order.
func Models() []any {
	return []any{
		&QueueItem{},
		&PrivateMetrics{},
		&PrivateEvent{},
		&CodecSimulation{},
		&CatalogTrack{},
		&FeedbackUnlock{},
		&FeedbackPayload{},
	}
}
