package review_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/tonipetergugic/immusic-sub001/internal/database"
	"github.com/tonipetergugic/immusic-sub001/internal/feedback"
	"github.com/tonipetergugic/immusic-sub001/internal/probe"
	"github.com/tonipetergugic/immusic-sub001/internal/review"
	"github.com/tonipetergugic/immusic-sub001/internal/rules"
	"github.com/tonipetergugic/immusic-sub001/internal/storage"
	"github.com/tonipetergugic/immusic-sub001/internal/store"
	"go.uber.org/zap"
)

type sequentialIDs struct {
	counter atomic.Int64
}

func (s *sequentialIDs) NewID() (string, error) {
	return fmt.Sprintf("id-%03d", s.counter.Add(1)), nil
}

// fakeAnalyzer replays fixed measurements and records which probes ran.
type fakeAnalyzer struct {
	mu sync.Mutex

	duration     float64
	durationErr  error
	silence      probe.SilenceReport
	dcOffset     probe.Value
	loudness     probe.EBUR128Report
	loudnessErr  error
	volume       probe.VolumeReport
	clipped      probe.Value
	overshoots   []probe.OvershootEvent
	bands        []probe.BandLevel
	midSide      probe.MidSideReport
	correlation  probe.CorrelationReport
	transients   probe.TransientReport
	roundTrips   map[probe.CodecPreset]probe.CodecRoundTrip
	transcodeErr error

	calls []string
}

func cleanMaster() *fakeAnalyzer {
	timeline := make([]probe.TimelinePoint, 0, 12)
	for index := 0; index < 12; index++ {
		timeline = append(timeline, probe.TimelinePoint{TimeSeconds: float64(index * 15), LUFS: -14 + float64(index%4)})
	}
	bands := make([]probe.BandLevel, 0, len(probe.DefaultBands))
	for index, band := range probe.DefaultBands {
		bands = append(bands, probe.BandLevel{Band: band, RMSDB: probe.Some(-20 - float64(index))})
	}
	return &fakeAnalyzer{
		duration: 180,
		silence:  probe.SilenceReport{TotalSeconds: 1.5, LongestSeconds: 1.5},
		dcOffset: probe.Some(0.001),
		loudness: probe.EBUR128Report{
			Integrated: probe.Some(-9),
			Range:      probe.Some(6),
			TruePeak:   probe.Some(-1.2),
			Timeline:   timeline,
		},
		volume:  probe.VolumeReport{Max: probe.Some(-1.4), Mean: probe.Some(-12.5)},
		clipped: probe.Some(0),
		overshoots: []probe.OvershootEvent{
			{StartSeconds: 42, EndSeconds: 42.01, PeakDBTP: -0.8, Severity: probe.SeverityLow},
		},
		bands:       bands,
		midSide:     probe.MidSideReport{MidRMSDB: probe.Some(-12), SideRMSDB: probe.Some(-21)},
		correlation: probe.CorrelationReport{Whole: probe.Some(0.62), LowBand: probe.Some(0.97)},
		transients: probe.TransientReport{
			DensityPerSecond: probe.Some(2.5),
			PunchIndex:       probe.Some(48),
			CrestMeanDB:      probe.Some(11),
			CrestP95DB:       probe.Some(17),
		},
		roundTrips: map[probe.CodecPreset]probe.CodecRoundTrip{
			probe.CodecMP3128: {Preset: probe.CodecMP3128, PostTruePeak: probe.Some(-0.9)},
		},
	}
}

func (a *fakeAnalyzer) record(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, name)
}

func (a *fakeAnalyzer) called(name string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, call := range a.calls {
		if call == name {
			return true
		}
	}
	return false
}

func (a *fakeAnalyzer) Duration(ctx context.Context, path string) (float64, error) {
	a.record("duration")
	if a.durationErr != nil {
		return 0, a.durationErr
	}
	return a.duration, nil
}

func (a *fakeAnalyzer) Silence(ctx context.Context, path string, durationSeconds float64) (probe.SilenceReport, error) {
	a.record("silence")
	return a.silence, nil
}

func (a *fakeAnalyzer) DCOffset(ctx context.Context, path string) (probe.Value, error) {
	a.record("dc_offset")
	return a.dcOffset, nil
}

func (a *fakeAnalyzer) Loudness(ctx context.Context, path string) (probe.EBUR128Report, error) {
	a.record("loudness")
	if a.loudnessErr != nil {
		return probe.EBUR128Report{}, a.loudnessErr
	}
	return a.loudness, nil
}

func (a *fakeAnalyzer) Volume(ctx context.Context, path string) (probe.VolumeReport, error) {
	a.record("volume")
	return a.volume, nil
}

func (a *fakeAnalyzer) ClippedSamples(ctx context.Context, path string) (probe.Value, error) {
	a.record("clipped")
	return a.clipped, nil
}

func (a *fakeAnalyzer) Overshoots(ctx context.Context, path string) ([]probe.OvershootEvent, error) {
	a.record("overshoots")
	return a.overshoots, nil
}

func (a *fakeAnalyzer) BandLevels(ctx context.Context, path string) ([]probe.BandLevel, error) {
	a.record("bands")
	return a.bands, nil
}

func (a *fakeAnalyzer) MidSide(ctx context.Context, path string) (probe.MidSideReport, error) {
	a.record("mid_side")
	return a.midSide, nil
}

func (a *fakeAnalyzer) Correlation(ctx context.Context, path string) (probe.CorrelationReport, error) {
	a.record("correlation")
	return a.correlation, nil
}

func (a *fakeAnalyzer) Transients(ctx context.Context, path string) (probe.TransientReport, error) {
	a.record("transients")
	return a.transients, nil
}

func (a *fakeAnalyzer) Transcode(ctx context.Context, inputPath, outputPath string, bitrateKbps int) error {
	a.record("transcode")
	if a.transcodeErr != nil {
		return a.transcodeErr
	}
	source, err := os.ReadFile(inputPath)
	if err != nil {
		return err
	}
	return os.WriteFile(outputPath, append([]byte("mp3:"), source...), 0o600)
}

func (a *fakeAnalyzer) CodecRoundTrip(ctx context.Context, path string, preset probe.CodecPreset) (probe.CodecRoundTrip, error) {
	a.record("codec:" + string(preset))
	roundTrip, ok := a.roundTrips[preset]
	if !ok {
		return probe.CodecRoundTrip{}, fmt.Errorf("%w: encoder unavailable", probe.ErrToolchain)
	}
	return roundTrip, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []review.DecisionEvent
}

func (p *recordingPublisher) PublishDecision(event review.DecisionEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) published() []review.DecisionEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]review.DecisionEvent(nil), p.events...)
}

// blindCatalog answers every hash lookup with "absent", as if the lookup ran before a
// concurrent insert landed.
type blindCatalog struct {
	*store.CatalogStore
}

func (blindCatalog) HashExists(ctx context.Context, hash, excludeQueueID string) (bool, error) {
	return false, nil
}

type harnessOptions struct {
	maxAttempts int
	blindLookup bool

	// wrapQueue decorates the queue seen by the worker and the orchestrator.
	wrapQueue func(*store.QueueStore) review.QueueRepository
}

type harness struct {
	queue        *store.QueueStore
	metrics      *store.MetricsStore
	catalog      *store.CatalogStore
	unlocks      *store.FeedbackStore
	ingest       *storage.Area
	deliverables *storage.Area
	analyzer     *fakeAnalyzer
	worker       *review.Worker
	orchestrator *review.Orchestrator
	publisher    *recordingPublisher
	tempDir      string
	now          time.Time
}

func newHarness(t *testing.T, analyzer *fakeAnalyzer, options harnessOptions) *harness {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "review.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	ids := &sequentialIDs{}
	h := &harness{
		analyzer:     analyzer,
		ingest:       storage.NewArea("ingest", afero.NewMemMapFs()),
		deliverables: storage.NewArea("catalog", afero.NewMemMapFs()),
		publisher:    &recordingPublisher{},
		tempDir:      t.TempDir(),
		now:          time.Unix(1_700_000_000, 0),
	}
	clock := func() time.Time { return h.now }

	if h.queue, err = store.NewQueueStore(store.QueueConfig{Config: store.Config{Database: db}, IDProvider: ids}); err != nil {
		t.Fatalf("queue store: %v", err)
	}
	if h.metrics, err = store.NewMetricsStore(store.Config{Database: db}); err != nil {
		t.Fatalf("metrics store: %v", err)
	}
	if h.catalog, err = store.NewCatalogStore(store.Config{Database: db}); err != nil {
		t.Fatalf("catalog store: %v", err)
	}
	if h.unlocks, err = store.NewFeedbackStore(store.FeedbackConfig{Config: store.Config{Database: db}, IDProvider: ids}); err != nil {
		t.Fatalf("feedback store: %v", err)
	}

	var catalog interface {
		review.CatalogRepository
		review.CatalogLookup
	} = h.catalog
	if options.blindLookup {
		catalog = blindCatalog{CatalogStore: h.catalog}
	}
	var queue review.QueueRepository = h.queue
	if options.wrapQueue != nil {
		queue = options.wrapQueue(h.queue)
	}
	detector, err := review.NewDuplicateDetector(h.queue, catalog)
	if err != nil {
		t.Fatalf("duplicate detector: %v", err)
	}
	builder, err := feedback.NewBuilder(feedback.Config{Queue: h.queue, Metrics: h.metrics, Unlocks: h.unlocks, Clock: clock})
	if err != nil {
		t.Fatalf("feedback builder: %v", err)
	}
	h.worker, err = review.NewWorker(review.WorkerConfig{
		Queue:        queue,
		Metrics:      h.metrics,
		Catalog:      catalog,
		Ingest:       h.ingest,
		Deliverables: h.deliverables,
		Analyzer:     analyzer,
		Duplicates:   detector,
		Codec:        review.NewCodecSimulator(analyzer, []probe.CodecPreset{probe.CodecMP3128, probe.CodecAAC128}, nil),
		Feedback:     builder,
		Policy:       rules.DefaultPolicy(),
		TempDir:      h.tempDir,
		IDProvider:   ids,
		Clock:        clock,
	})
	if err != nil {
		t.Fatalf("worker: %v", err)
	}
	h.orchestrator, err = review.NewOrchestrator(review.OrchestratorConfig{
		Queue:       queue,
		Worker:      h.worker,
		Payloads:    h.unlocks,
		Publisher:   h.publisher,
		MaxAttempts: options.maxAttempts,
		Clock:       clock,
	})
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	return h
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func (h *harness) submit(t *testing.T, userID, name, content string) store.QueueItem {
	t.Helper()
	ctx := context.Background()
	key := "uploads/" + userID + "/" + name
	if _, err := h.ingest.Put(ctx, key, strings.NewReader(content)); err != nil {
		t.Fatalf("failed to stage ingest object: %v", err)
	}
	item, err := h.queue.Enqueue(ctx, store.Submission{UserID: userID, IngestPath: key, Title: name}, h.now)
	if err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	h.now = h.now.Add(time.Second)
	return item
}

func (h *harness) reload(t *testing.T, queueID string) store.QueueItem {
	t.Helper()
	item, err := h.queue.Get(context.Background(), queueID)
	if err != nil {
		t.Fatalf("failed to reload %s: %v", queueID, err)
	}
	return item
}

func (h *harness) requireTempDirEmpty(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(h.tempDir)
	if err != nil {
		t.Fatalf("failed to read temp dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected worker temp dirs to be removed, found %d entries", len(entries))
	}
}

func (h *harness) reasonIDs(t *testing.T, queueID string) []rules.ReasonID {
	t.Helper()
	metrics, found, err := h.metrics.LoadMetrics(context.Background(), queueID)
	if err != nil || !found {
		t.Fatalf("expected metrics for %s (found=%v err=%v)", queueID, found, err)
	}
	reasons, err := store.DecodeJSON[[]rules.Reason](metrics.HardFailReasons)
	if err != nil {
		t.Fatalf("failed to decode reasons: %v", err)
	}
	return rules.IDs(reasons)
}
