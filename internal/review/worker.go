package review

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/tonipetergugic/immusic-sub001/internal/rules"
	"github.com/tonipetergugic/immusic-sub001/internal/storage"
	"github.com/tonipetergugic/immusic-sub001/internal/store"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	opWorkerNew     = "review.worker.new"
	opWorkerProcess = "review.worker.process"
	opWorkerReject  = "review.worker.reject"
	opWorkerApprove = "review.worker.approve"
	opWorkerCleanup = "review.worker.cleanup"

	defaultCatalogBitrateKbps = 320
)

// GateConfig holds the pre-analysis gate thresholds.
type GateConfig struct {
	MaxDurationSeconds   float64
	MaxSilenceRunSeconds float64
	MaxSilenceRatio      float64
	MaxDCOffset          float64
}

// DefaultGates returns the catalog-wide gate thresholds.
func DefaultGates() GateConfig {
	return GateConfig{
		MaxDurationSeconds:   1200,
		MaxSilenceRunSeconds: 10,
		MaxSilenceRatio:      0.95,
		MaxDCOffset:          0.05,
	}
}

// WorkerConfig wires a Worker.
type WorkerConfig struct {
	Queue              QueueRepository
	Metrics            MetricsRepository
	Catalog            CatalogRepository
	Ingest             ObjectStore
	Deliverables       ObjectStore
	Analyzer           Analyzer
	Duplicates         *DuplicateDetector
	Codec              *CodecSimulator
	Feedback           FeedbackBuilder
	Policy             rules.Policy
	Gates              GateConfig
	TempDir            string
	CatalogBitrateKbps int
	IDProvider         IDProvider
	Clock              Clock
	Logger             *zap.Logger
}

// Worker runs one claimed queue item through the gates and finalizes it.
type Worker struct {
	queue        QueueRepository
	metrics      MetricsRepository
	catalog      CatalogRepository
	ingest       ObjectStore
	deliverables ObjectStore
	analyzer     Analyzer
	duplicates   *DuplicateDetector
	codec        *CodecSimulator
	feedback     FeedbackBuilder
	policy       rules.Policy
	gates        GateConfig
	tempDir      string
	bitrateKbps  int
	ids          IDProvider
	clock        Clock
	logger       *zap.Logger
}

// NewWorker validates dependencies and builds a Worker.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	switch {
	case cfg.Queue == nil:
		return nil, missing(opWorkerNew, "queue")
	case cfg.Metrics == nil:
		return nil, missing(opWorkerNew, "metrics")
	case cfg.Catalog == nil:
		return nil, missing(opWorkerNew, "catalog")
	case cfg.Ingest == nil:
		return nil, missing(opWorkerNew, "ingest")
	case cfg.Deliverables == nil:
		return nil, missing(opWorkerNew, "deliverables")
	case cfg.Analyzer == nil:
		return nil, missing(opWorkerNew, "analyzer")
	case cfg.Duplicates == nil:
		return nil, missing(opWorkerNew, "duplicates")
	case cfg.IDProvider == nil:
		return nil, missing(opWorkerNew, "id_provider")
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, newServiceError(opWorkerNew, "invalid_policy", err)
	}
	gates := cfg.Gates
	if gates == (GateConfig{}) {
		gates = DefaultGates()
	}
	bitrate := cfg.CatalogBitrateKbps
	if bitrate <= 0 {
		bitrate = defaultCatalogBitrateKbps
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:        cfg.Queue,
		metrics:      cfg.Metrics,
		catalog:      cfg.Catalog,
		ingest:       cfg.Ingest,
		deliverables: cfg.Deliverables,
		analyzer:     cfg.Analyzer,
		duplicates:   cfg.Duplicates,
		codec:        cfg.Codec,
		feedback:     cfg.Feedback,
		policy:       cfg.Policy,
		gates:        gates,
		tempDir:      cfg.TempDir,
		bitrateKbps:  bitrate,
		ids:          cfg.IDProvider,
		clock:        clock,
		logger:       logger,
	}, nil
}

// Decision is the terminal outcome of one processed item.
type Decision struct {
	QueueID string
	UserID  string
	Status  store.QueueStatus
	Reason  store.RejectionReason
	Reasons []rules.Reason
}

// job is the per-item state threaded through the stages.
type job struct {
	item          store.QueueItem
	workDir       string
	masterPath    string
	hash          string
	hashRecorded  bool
	duration      float64
	metrics       store.PrivateMetrics
	events        []store.PrivateEvent
	analysisSaved bool
	reasons       []rules.Reason
}

type stage struct {
	name string
	run  func(context.Context, *job) StageResult
}

func (w *Worker) stages() []stage {
	return []stage{
		{name: "download", run: w.download},
		{name: "hash", run: w.recordHash},
		{name: "duplicate_precheck", run: w.checkDuplicate},
		{name: "duration", run: w.durationGate},
		{name: "silence", run: w.silenceGate},
		{name: "dc_offset", run: w.dcOffsetGate},
		{name: "features", run: w.extractFeatures},
		{name: "persist", run: w.persistAnalysis},
		{name: "codec", run: w.simulateCodecs},
		{name: "rules", run: w.evaluateRules},
		{name: "duplicate_recheck", run: w.checkDuplicate},
		{name: "publish", run: w.publish},
	}
}

// Process runs the stages for item, which must already be claimed. item.Attempts is
// the claim's attempt number. A returned error is an infrastructure failure and the
// item is left for the caller to release.
func (w *Worker) Process(ctx context.Context, item store.QueueItem) (Decision, error) {
	workDir, err := os.MkdirTemp(w.tempDir, "immusic-qc-*")
	if err != nil {
		logError(w.logger, opWorkerProcess, "temp_dir_failed", err, zap.String("queue_id", item.ID))
		return Decision{}, newServiceError(opWorkerProcess, "temp_dir_failed", err)
	}
	defer w.cleanupWorkDir(item.ID, workDir)

	current := &job{
		item:    item,
		workDir: workDir,
		hash:    item.Hash(),
		metrics: store.PrivateMetrics{QueueID: item.ID},
	}
	current.hashRecorded = item.HashState == store.HashDone && current.hash != ""

	for _, step := range w.stages() {
		result := step.run(ctx, current)
		switch result.Outcome() {
		case OutcomeOK:
			continue
		case OutcomeReject:
			rejection, _ := result.Rejection()
			return w.reject(ctx, current, step.name, rejection)
		default:
			logError(w.logger, opWorkerProcess, step.name+"_failed", result.Err(),
				zap.String("queue_id", item.ID),
				zap.String("user_id", item.UserID),
				zap.Int("attempt", item.Attempts))
			return Decision{}, newServiceError(opWorkerProcess, step.name+"_failed", result.Err())
		}
	}
	return w.approve(ctx, current)
}

func (w *Worker) reject(ctx context.Context, current *job, stageName string, rejection Rejection) (Decision, error) {
	item := current.item
	if rejection.Reason == store.RejectionTechnical {
		w.recordRejectionDetail(ctx, current, rejection.Reasons)
	}
	decision := store.Decision{Status: store.StatusRejected, Reason: rejection.Reason}
	if !current.hashRecorded && current.hash != "" {
		decision.AudioHash = current.hash
	}
	if err := w.finalize(ctx, current, decision, opWorkerReject); err != nil {
		return Decision{}, err
	}

	w.logger.Info("master rejected",
		zap.String("queue_id", item.ID),
		zap.String("user_id", item.UserID),
		zap.String("stage", stageName),
		zap.String("rejection_reason", string(rejection.Reason)),
		zap.Any("hard_fail_reasons", rules.IDs(rejection.Reasons)))
	w.removeIngest(ctx, item)
	w.buildFeedback(ctx, item)
	return Decision{
		QueueID: item.ID,
		UserID:  item.UserID,
		Status:  store.StatusRejected,
		Reason:  rejection.Reason,
		Reasons: rejection.Reasons,
	}, nil
}

func (w *Worker) approve(ctx context.Context, current *job) (Decision, error) {
	item := current.item
	if err := w.finalize(ctx, current, store.Decision{Status: store.StatusApproved}, opWorkerApprove); err != nil {
		return Decision{}, err
	}
	w.logger.Info("master approved",
		zap.String("queue_id", item.ID),
		zap.String("user_id", item.UserID))
	w.removeIngest(ctx, item)
	w.buildFeedback(ctx, item)
	return Decision{QueueID: item.ID, UserID: item.UserID, Status: store.StatusApproved}, nil
}

func (w *Worker) finalize(ctx context.Context, current *job, decision store.Decision, operation string) error {
	item := current.item
	finalized, err := w.queue.Finalize(ctx, item.ID, item.Attempts, decision, w.clock())
	if err != nil {
		logError(w.logger, operation, "finalize_failed", err, zap.String("queue_id", item.ID))
		return newServiceError(operation, "finalize_failed", err)
	}
	if !finalized {
		logError(w.logger, operation, "lease_lost", ErrLeaseLost, zap.String("queue_id", item.ID))
		return newServiceError(operation, "lease_lost", ErrLeaseLost)
	}
	return nil
}

// recordRejectionDetail keeps the metrics measured so far and the hard-fail reasons.
// Both writes are best effort.
func (w *Worker) recordRejectionDetail(ctx context.Context, current *job, reasons []rules.Reason) {
	item := current.item
	if !current.analysisSaved {
		current.metrics.AnalyzedAtSeconds = w.clock().UTC().Unix()
		if err := w.metrics.SaveAnalysis(ctx, current.metrics, current.events); err != nil {
			logWarn(w.logger, opWorkerReject, "partial_metrics_failed", err, zap.String("queue_id", item.ID))
			return
		}
		current.analysisSaved = true
	}
	w.saveReasons(ctx, item.ID, reasons)
}

func (w *Worker) saveReasons(ctx context.Context, queueID string, reasons []rules.Reason) {
	if reasons == nil {
		reasons = []rules.Reason{}
	}
	encoded, err := store.EncodeJSON(reasons)
	if err == nil {
		err = w.metrics.SaveHardFailReasons(ctx, queueID, encoded)
	}
	if err != nil {
		logWarn(w.logger, opWorkerProcess, "hard_fail_reasons_failed", err, zap.String("queue_id", queueID))
	}
}

func (w *Worker) removeIngest(ctx context.Context, item store.QueueItem) {
	if err := w.ingest.Remove(ctx, item.IngestPath); err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
		logWarn(w.logger, opWorkerCleanup, "ingest_remove_failed", err,
			zap.String("queue_id", item.ID),
			zap.String("ingest_path", item.IngestPath))
	}
}

func (w *Worker) buildFeedback(ctx context.Context, item store.QueueItem) {
	if w.feedback == nil {
		return
	}
	if _, err := w.feedback.Build(ctx, item.ID, item.UserID); err != nil {
		logWarn(w.logger, opWorkerProcess, "feedback_build_failed", err,
			zap.String("queue_id", item.ID),
			zap.String("user_id", item.UserID))
	}
}

func (w *Worker) cleanupWorkDir(queueID, workDir string) {
	if err := os.RemoveAll(workDir); err != nil {
		logWarn(w.logger, opWorkerCleanup, "temp_dir_remove_failed", err,
			zap.String("queue_id", queueID),
			zap.String("path", workDir))
	}
}

// CatalogKey is the deliverable object key for an approved master.
func CatalogKey(hash, queueID string) string {
	prefix := hash
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}
	return fmt.Sprintf("tracks/%s/%s-%s.mp3", prefix, hash, queueID)
}

func removeAll(ctx context.Context, area ObjectStore, keys ...string) error {
	var combined error
	for _, key := range keys {
		if err := area.Remove(ctx, key); err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
			combined = multierr.Append(combined, err)
		}
	}
	return combined
}
