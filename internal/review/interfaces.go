package review

import (
	"context"
	"io"
	"time"

	"github.com/tonipetergugic/immusic-sub001/internal/probe"
	"github.com/tonipetergugic/immusic-sub001/internal/store"
	"gorm.io/datatypes"
)

// QueueRepository is the queue capability the orchestrator and worker rely on.
type QueueRepository interface {
	RecoverExpiredLeases(ctx context.Context, now time.Time) (int64, error)
	OldestPending(ctx context.Context, userID string) (store.QueueItem, bool, error)
	HasProcessing(ctx context.Context, userID string) (bool, error)
	LatestTerminal(ctx context.Context, userID string) (store.QueueItem, bool, error)
	Claim(ctx context.Context, queueID string, now time.Time, lease time.Duration) (store.QueueItem, bool, error)
	Release(ctx context.Context, queueID string, attempt int, cause string, now time.Time) error
	SetHash(ctx context.Context, queueID, hash string, now time.Time) error
	RecordHashFailure(ctx context.Context, queueID, cause string, now time.Time) error
	Finalize(ctx context.Context, queueID string, attempt int, decision store.Decision, now time.Time) (bool, error)
	ActiveHashExists(ctx context.Context, hash, excludeQueueID string) (bool, error)
}

// MetricsRepository stores private analysis output.
type MetricsRepository interface {
	SaveAnalysis(ctx context.Context, metrics store.PrivateMetrics, events []store.PrivateEvent) error
	SaveHardFailReasons(ctx context.Context, queueID string, reasons datatypes.JSON) error
	SaveCodecSimulations(ctx context.Context, simulations []store.CodecSimulation) error
}

// CatalogRepository stores approved deliverables.
type CatalogRepository interface {
	Insert(ctx context.Context, track store.CatalogTrack) error
	FindByQueue(ctx context.Context, queueID string) (store.CatalogTrack, bool, error)
}

// ObjectStore is one storage area.
type ObjectStore interface {
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Put(ctx context.Context, key string, reader io.Reader) (int64, error)
	Remove(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// Analyzer is the probe surface the worker needs.
type Analyzer interface {
	Duration(ctx context.Context, path string) (float64, error)
	Silence(ctx context.Context, path string, durationSeconds float64) (probe.SilenceReport, error)
	DCOffset(ctx context.Context, path string) (probe.Value, error)
	Loudness(ctx context.Context, path string) (probe.EBUR128Report, error)
	Volume(ctx context.Context, path string) (probe.VolumeReport, error)
	ClippedSamples(ctx context.Context, path string) (probe.Value, error)
	Overshoots(ctx context.Context, path string) ([]probe.OvershootEvent, error)
	BandLevels(ctx context.Context, path string) ([]probe.BandLevel, error)
	MidSide(ctx context.Context, path string) (probe.MidSideReport, error)
	Correlation(ctx context.Context, path string) (probe.CorrelationReport, error)
	Transients(ctx context.Context, path string) (probe.TransientReport, error)
	Transcode(ctx context.Context, inputPath, outputPath string, bitrateKbps int) error
	CodecRoundTrip(ctx context.Context, path string, preset probe.CodecPreset) (probe.CodecRoundTrip, error)
}

// FeedbackBuilder builds the unlock-gated payload. It reports whether a payload
// was written.
type FeedbackBuilder interface {
	Build(ctx context.Context, queueID, userID string) (bool, error)
}

// PayloadLookup answers whether feedback exists for an item.
type PayloadLookup interface {
	PayloadExists(ctx context.Context, queueID string) (bool, error)
}

// DecisionPublisher fans terminal decisions out to live subscribers.
type DecisionPublisher interface {
	PublishDecision(event DecisionEvent)
}

// IDProvider generates identifiers for catalog rows.
type IDProvider interface {
	NewID() (string, error)
}

// Clock is injected so tests control lease and decision timestamps.
type Clock func() time.Time
