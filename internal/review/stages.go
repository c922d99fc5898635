package review

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/tonipetergugic/immusic-sub001/internal/probe"
	"github.com/tonipetergugic/immusic-sub001/internal/rules"
	"github.com/tonipetergugic/immusic-sub001/internal/store"
	"github.com/tonipetergugic/immusic-sub001/internal/structure"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	masterFileName      = "master"
	deliverableFileName = "deliverable.mp3"
)

// download copies the ingest object into the work dir and hashes it on the way.
func (w *Worker) download(ctx context.Context, current *job) StageResult {
	item := current.item
	extension := strings.ToLower(filepath.Ext(item.IngestPath))
	current.masterPath = filepath.Join(current.workDir, masterFileName+extension)

	hash, err := w.copyAndHash(ctx, item.IngestPath, current.masterPath)
	if err != nil {
		if !current.hashRecorded {
			if recordErr := w.queue.RecordHashFailure(ctx, item.ID, err.Error(), w.clock()); recordErr != nil {
				logWarn(w.logger, opWorkerProcess, "hash_failure_not_recorded", recordErr, zap.String("queue_id", item.ID))
			}
		}
		return Infra(err)
	}
	current.hash = hash
	return Ok()
}

func (w *Worker) copyAndHash(ctx context.Context, key, destination string) (hash string, err error) {
	reader, err := w.ingest.Open(ctx, key)
	if err != nil {
		return "", err
	}
	defer func() {
		err = multierr.Append(err, reader.Close())
	}()

	file, err := os.Create(destination)
	if err != nil {
		return "", fmt.Errorf("review: create local master: %w", err)
	}
	defer func() {
		err = multierr.Append(err, file.Close())
	}()

	hasher := sha256.New()
	if _, err := io.Copy(io.MultiWriter(file, hasher), reader); err != nil {
		return "", fmt.Errorf("review: download %s: %w", key, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func (w *Worker) recordHash(ctx context.Context, current *job) StageResult {
	err := w.queue.SetHash(ctx, current.item.ID, current.hash, w.clock())
	switch {
	case err == nil:
		current.hashRecorded = true
		return Ok()
	case errors.Is(err, store.ErrDuplicateHash):
		return RejectDuplicate()
	default:
		return Infra(err)
	}
}

func (w *Worker) checkDuplicate(ctx context.Context, current *job) StageResult {
	match, err := w.duplicates.Check(ctx, current.item.ID, current.hash)
	if err != nil {
		return Infra(err)
	}
	if match != DuplicateNone {
		w.logger.Info("duplicate audio detected",
			zap.String("queue_id", current.item.ID),
			zap.String("match", match.String()))
		return RejectDuplicate()
	}
	return Ok()
}

func (w *Worker) durationGate(ctx context.Context, current *job) StageResult {
	duration, err := w.analyzer.Duration(ctx, current.masterPath)
	if errors.Is(err, probe.ErrMissingDuration) {
		return RejectTechnical(rules.Single(rules.ReasonDuration, rules.MetricDuration, w.gates.MaxDurationSeconds, 0))
	}
	if err != nil {
		return Infra(err)
	}
	current.duration = duration
	current.metrics.DurationSeconds = probe.Some(duration).Ptr()
	if duration <= 0 || duration > w.gates.MaxDurationSeconds {
		return RejectTechnical(rules.Single(rules.ReasonDuration, rules.MetricDuration, w.gates.MaxDurationSeconds, duration))
	}
	return Ok()
}

func (w *Worker) silenceGate(ctx context.Context, current *job) StageResult {
	report, err := w.analyzer.Silence(ctx, current.masterPath, current.duration)
	if err != nil {
		return Infra(err)
	}
	current.metrics.SilenceTotalSeconds = probe.Some(report.TotalSeconds).Ptr()
	current.metrics.SilenceLongestSeconds = probe.Some(report.LongestSeconds).Ptr()

	if report.LongestSeconds >= w.gates.MaxSilenceRunSeconds {
		return RejectTechnical(rules.Single(rules.ReasonSilenceDropout, rules.MetricLongestSilence,
			w.gates.MaxSilenceRunSeconds, report.LongestSeconds))
	}
	ratio := report.TotalSeconds / current.duration
	if ratio >= w.gates.MaxSilenceRatio {
		return RejectTechnical(rules.Single(rules.ReasonSilenceRatio, rules.MetricSilenceRatio,
			w.gates.MaxSilenceRatio, ratio))
	}
	return Ok()
}

func (w *Worker) dcOffsetGate(ctx context.Context, current *job) StageResult {
	offset, err := w.analyzer.DCOffset(ctx, current.masterPath)
	if err != nil {
		return Infra(err)
	}
	current.metrics.DCOffset = offset.Ptr()
	if value, ok := offset.Get(); ok && value > w.gates.MaxDCOffset {
		return RejectTechnical(rules.Single(rules.ReasonDCOffset, rules.MetricDCOffset, w.gates.MaxDCOffset, value))
	}
	return Ok()
}

// extractFeatures runs every remaining probe sequentially. Any toolchain failure
// is infrastructure.
func (w *Worker) extractFeatures(ctx context.Context, current *job) StageResult {
	path := current.masterPath
	metrics := &current.metrics

	loudness, err := w.analyzer.Loudness(ctx, path)
	if err != nil {
		return Infra(err)
	}
	volume, err := w.analyzer.Volume(ctx, path)
	if err != nil {
		return Infra(err)
	}
	clipped, err := w.analyzer.ClippedSamples(ctx, path)
	if err != nil {
		return Infra(err)
	}
	overshoots, err := w.analyzer.Overshoots(ctx, path)
	if err != nil {
		return Infra(err)
	}
	bands, err := w.analyzer.BandLevels(ctx, path)
	if err != nil {
		return Infra(err)
	}
	midSide, err := w.analyzer.MidSide(ctx, path)
	if err != nil {
		return Infra(err)
	}
	correlation, err := w.analyzer.Correlation(ctx, path)
	if err != nil {
		return Infra(err)
	}
	transients, err := w.analyzer.Transients(ctx, path)
	if err != nil {
		return Infra(err)
	}

	eventPeaks := make([]float64, 0, len(overshoots))
	current.events = make([]store.PrivateEvent, 0, len(overshoots))
	for _, event := range overshoots {
		eventPeaks = append(eventPeaks, event.PeakDBTP)
		current.events = append(current.events, store.PrivateEvent{
			QueueID:      current.item.ID,
			StartSeconds: event.StartSeconds,
			EndSeconds:   event.EndSeconds,
			PeakDBTP:     event.PeakDBTP,
			Severity:     string(event.Severity),
		})
	}

	metrics.IntegratedLUFS = loudness.Integrated.Ptr()
	metrics.LoudnessRangeLU = loudness.Range.Ptr()
	metrics.TruePeakDBTP = loudness.TruePeak.Ptr()
	metrics.EffectiveTruePeakDBTP = rules.EffectiveTruePeak(loudness.TruePeak, eventPeaks...).Ptr()
	metrics.SamplePeakDBFS = volume.Max.Ptr()
	metrics.MeanVolumeDBFS = volume.Mean.Ptr()
	metrics.ClippedSamples = clipped.Ptr()
	metrics.PhaseCorrelation = correlation.Whole.Ptr()
	metrics.LowBandCorrelation = correlation.LowBand.Ptr()
	metrics.MidRMSDB = midSide.MidRMSDB.Ptr()
	metrics.SideRMSDB = midSide.SideRMSDB.Ptr()
	metrics.TransientDensity = transients.DensityPerSecond.Ptr()
	metrics.PunchIndex = transients.PunchIndex.Ptr()
	metrics.CrestMeanDB = transients.CrestMeanDB.Ptr()
	metrics.CrestP95DB = transients.CrestP95DB.Ptr()

	records := make([]store.BandRecord, 0, len(bands))
	for _, level := range bands {
		records = append(records, store.BandRecord{
			Name:   level.Band.Name,
			LowHz:  level.Band.LowHz,
			HighHz: level.Band.HighHz,
			RMSDB:  level.RMSDB.Ptr(),
		})
	}
	if metrics.Bands, err = store.EncodeJSON(records); err != nil {
		return Infra(err)
	}

	timeline := loudness.Timeline
	if timeline == nil {
		timeline = []probe.TimelinePoint{}
	}
	if metrics.Timeline, err = store.EncodeJSON(timeline); err != nil {
		return Infra(err)
	}

	points := make([]structure.Point, 0, len(loudness.Timeline))
	for _, point := range loudness.Timeline {
		points = append(points, structure.Point{TimeSeconds: point.TimeSeconds, LUFS: point.LUFS})
	}
	analysis := structure.Analyze(structure.Input{
		Timeline:         points,
		CrestMeanDB:      transients.CrestMeanDB.OrNaN(),
		TransientDensity: transients.DensityPerSecond.OrNaN(),
	})
	if analysis != nil {
		if metrics.Structure, err = store.EncodeJSON(analysis); err != nil {
			return Infra(err)
		}
	}

	w.logger.Debug("features extracted",
		zap.String("queue_id", current.item.ID),
		zap.Float64("integrated_lufs", loudness.Integrated.OrNaN()),
		zap.Float64("effective_true_peak_dbtp", probe.FromPtr(metrics.EffectiveTruePeakDBTP).OrNaN()),
		zap.Int("overshoot_events", len(current.events)),
		zap.Bool("structure", analysis != nil))
	return Ok()
}

func (w *Worker) persistAnalysis(ctx context.Context, current *job) StageResult {
	current.metrics.AnalyzedAtSeconds = w.clock().UTC().Unix()
	if err := w.metrics.SaveAnalysis(ctx, current.metrics, current.events); err != nil {
		return Infra(err)
	}
	current.analysisSaved = true
	return Ok()
}

// simulateCodecs never fails the pipeline.
func (w *Worker) simulateCodecs(ctx context.Context, current *job) StageResult {
	if w.codec == nil {
		return Ok()
	}
	simulations := w.codec.Simulate(ctx, current.item.ID, current.masterPath,
		probe.FromPtr(current.metrics.TruePeakDBTP), w.clock())
	if len(simulations) == 0 {
		return Ok()
	}
	if err := w.metrics.SaveCodecSimulations(ctx, simulations); err != nil {
		logWarn(w.logger, opCodecSimulate, "save_failed", err, zap.String("queue_id", current.item.ID))
	}
	return Ok()
}

func (w *Worker) evaluateRules(ctx context.Context, current *job) StageResult {
	metrics := current.metrics
	current.reasons = rules.Evaluate(w.policy, rules.Metrics{
		TruePeak:       probe.FromPtr(metrics.EffectiveTruePeakDBTP),
		IntegratedLUFS: probe.FromPtr(metrics.IntegratedLUFS),
		LoudnessRange:  probe.FromPtr(metrics.LoudnessRangeLU),
		ClippedSamples: probe.FromPtr(metrics.ClippedSamples),
	})
	if len(current.reasons) > 0 {
		return RejectTechnical(current.reasons...)
	}
	w.saveReasons(ctx, current.item.ID, current.reasons)
	return Ok()
}

// publish transcodes the deliverable, uploads it and inserts the catalog row. The
// catalog's hash uniqueness is the final duplicate authority. A row left by an
// earlier attempt of the same item is reused.
func (w *Worker) publish(ctx context.Context, current *job) StageResult {
	item := current.item
	existing, published, err := w.catalog.FindByQueue(ctx, item.ID)
	if err != nil {
		return Infra(err)
	}
	if published {
		return w.republish(ctx, current, existing)
	}

	key := CatalogKey(current.hash, item.ID)
	if err := w.render(ctx, current, key); err != nil {
		return Infra(err)
	}

	trackID, err := w.ids.NewID()
	if err != nil {
		return Infra(multierr.Append(err, removeAll(ctx, w.deliverables, key)))
	}
	err = w.catalog.Insert(ctx, store.CatalogTrack{
		ID:               trackID,
		QueueID:          item.ID,
		UserID:           item.UserID,
		Title:            item.Title,
		AudioHash:        current.hash,
		ObjectKey:        key,
		CreatedAtSeconds: w.clock().UTC().Unix(),
	})
	if err == nil {
		return Ok()
	}
	if removeErr := removeAll(ctx, w.deliverables, key); removeErr != nil {
		logWarn(w.logger, opWorkerCleanup, "deliverable_remove_failed", removeErr,
			zap.String("queue_id", item.ID),
			zap.String("object_key", key))
	}
	if errors.Is(err, store.ErrDuplicateHash) {
		return RejectDuplicate()
	}
	return Infra(err)
}

// republish completes a publish whose catalog row landed before the decision could
// be written. The deliverable is rendered again only when it is missing.
func (w *Worker) republish(ctx context.Context, current *job, track store.CatalogTrack) StageResult {
	if track.AudioHash != current.hash {
		return Infra(fmt.Errorf("review: catalog track %s holds hash %s, item hashed to %s", track.ID, track.AudioHash, current.hash))
	}
	present, err := w.deliverables.Exists(ctx, track.ObjectKey)
	if err != nil {
		return Infra(err)
	}
	if !present {
		if err := w.render(ctx, current, track.ObjectKey); err != nil {
			return Infra(err)
		}
	}
	w.logger.Info("catalog track reused",
		zap.String("queue_id", current.item.ID),
		zap.String("object_key", track.ObjectKey),
		zap.Bool("deliverable_rendered", !present))
	return Ok()
}

// render transcodes the master and uploads it under key.
func (w *Worker) render(ctx context.Context, current *job, key string) error {
	outputPath := filepath.Join(current.workDir, deliverableFileName)
	if err := w.analyzer.Transcode(ctx, current.masterPath, outputPath, w.bitrateKbps); err != nil {
		return err
	}
	if err := w.upload(ctx, outputPath, key); err != nil {
		return multierr.Append(err, removeAll(ctx, w.deliverables, key))
	}
	return nil
}

func (w *Worker) upload(ctx context.Context, path, key string) (err error) {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("review: open deliverable: %w", err)
	}
	defer func() {
		err = multierr.Append(err, file.Close())
	}()
	_, err = w.deliverables.Put(ctx, key, file)
	return err
}
