package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tonipetergugic/immusic-sub001/internal/store"
	"gorm.io/datatypes"
)

func floatPtr(value float64) *float64 {
	return &value
}

func TestSaveAnalysisReplacesEventsOnRerun(testContext *testing.T) {
	db := openTestDatabase(testContext)
	metricsStore, err := store.NewMetricsStore(store.Config{Database: db})
	if err != nil {
		testContext.Fatalf("failed to build metrics store: %v", err)
	}
	ctx := context.Background()

	firstPass := store.PrivateMetrics{
		QueueID:           "q-1",
		IntegratedLUFS:    floatPtr(-9.5),
		Bands:             datatypes.JSON(`[]`),
		AnalyzedAtSeconds: 100,
	}
	events := []store.PrivateEvent{
		{StartSeconds: 12, EndSeconds: 12.02, PeakDBTP: 0.4, Severity: "medium"},
		{StartSeconds: 3, EndSeconds: 3.01, PeakDBTP: -0.5, Severity: "low"},
	}
	if err := metricsStore.SaveAnalysis(ctx, firstPass, events); err != nil {
		testContext.Fatalf("first save failed: %v", err)
	}

	secondPass := firstPass
	secondPass.IntegratedLUFS = floatPtr(-8.25)
	secondPass.AnalyzedAtSeconds = 200
	if err := metricsStore.SaveAnalysis(ctx, secondPass, events[:1]); err != nil {
		testContext.Fatalf("second save failed: %v", err)
	}

	stored, found, err := metricsStore.LoadMetrics(ctx, "q-1")
	if err != nil || !found {
		testContext.Fatalf("expected metrics to load (found=%v err=%v)", found, err)
	}
	if stored.IntegratedLUFS == nil || *stored.IntegratedLUFS != -8.25 || stored.AnalyzedAtSeconds != 200 {
		testContext.Fatalf("expected metrics to be overwritten, got %+v", stored)
	}
	if stored.TruePeakDBTP != nil {
		testContext.Fatalf("expected absent measurements to stay NULL")
	}

	storedEvents, err := metricsStore.LoadEvents(ctx, "q-1")
	if err != nil {
		testContext.Fatalf("load events failed: %v", err)
	}
	if len(storedEvents) != 1 || storedEvents[0].StartSeconds != 12 {
		testContext.Fatalf("expected the event set to be replaced, got %+v", storedEvents)
	}

	if err := metricsStore.SaveHardFailReasons(ctx, "q-1", datatypes.JSON(`[{"id":"tp_over_0_1"}]`)); err != nil {
		testContext.Fatalf("save reasons failed: %v", err)
	}
	if err := metricsStore.SaveHardFailReasons(ctx, "q-missing", datatypes.JSON(`[]`)); !errors.Is(err, store.ErrNotFound) {
		testContext.Fatalf("expected ErrNotFound for missing metrics, got %v", err)
	}
}

func TestCodecSimulationsUpsertPerPreset(testContext *testing.T) {
	db := openTestDatabase(testContext)
	metricsStore, err := store.NewMetricsStore(store.Config{Database: db})
	if err != nil {
		testContext.Fatalf("failed to build metrics store: %v", err)
	}
	ctx := context.Background()

	simulation := store.CodecSimulation{QueueID: "q-1", Preset: "mp3_128", OvershootCount: 2, DistortionRisk: "moderate"}
	if err := metricsStore.SaveCodecSimulations(ctx, []store.CodecSimulation{simulation}); err != nil {
		testContext.Fatalf("save failed: %v", err)
	}
	simulation.OvershootCount = 5
	simulation.DistortionRisk = "high"
	other := store.CodecSimulation{QueueID: "q-1", Preset: "aac_128", DistortionRisk: "low"}
	if err := metricsStore.SaveCodecSimulations(ctx, []store.CodecSimulation{simulation, other}); err != nil {
		testContext.Fatalf("second save failed: %v", err)
	}

	stored, err := metricsStore.LoadCodecSimulations(ctx, "q-1")
	if err != nil {
		testContext.Fatalf("load failed: %v", err)
	}
	if len(stored) != 2 || stored[0].Preset != "aac_128" || stored[1].OvershootCount != 5 || stored[1].DistortionRisk != "high" {
		testContext.Fatalf("unexpected simulations: %+v", stored)
	}
}

func TestCatalogInsertTreatsHashCollisionAsDuplicate(testContext *testing.T) {
	db := openTestDatabase(testContext)
	catalog, err := store.NewCatalogStore(store.Config{Database: db})
	if err != nil {
		testContext.Fatalf("failed to build catalog store: %v", err)
	}
	ctx := context.Background()

	track := store.CatalogTrack{ID: "t-1", QueueID: "q-1", UserID: "user-1", AudioHash: "hash-a", ObjectKey: "tracks/ha/hash-a-q-1.mp3"}
	if err := catalog.Insert(ctx, track); err != nil {
		testContext.Fatalf("insert failed: %v", err)
	}
	duplicate := store.CatalogTrack{ID: "t-2", QueueID: "q-2", UserID: "user-2", AudioHash: "hash-a", ObjectKey: "tracks/ha/hash-a-q-2.mp3"}
	if err := catalog.Insert(ctx, duplicate); !errors.Is(err, store.ErrDuplicateHash) {
		testContext.Fatalf("expected ErrDuplicateHash, got %v", err)
	}

	exists, err := catalog.HashExists(ctx, "hash-a", "q-2")
	if err != nil || !exists {
		testContext.Fatalf("expected catalog hash to exist for another item (err=%v)", err)
	}
	exists, err = catalog.HashExists(ctx, "hash-a", "q-1")
	if err != nil || exists {
		testContext.Fatalf("expected an item's own track to be ignored (exists=%v err=%v)", exists, err)
	}
	found, ok, err := catalog.FindByQueue(ctx, "q-1")
	if err != nil || !ok || found.ID != "t-1" {
		testContext.Fatalf("expected to find track by queue id, got %+v (ok=%v err=%v)", found, ok, err)
	}
}

func TestFeedbackUnlockAndPayloadUpsert(testContext *testing.T) {
	db := openTestDatabase(testContext)
	feedbackStore, err := store.NewFeedbackStore(store.FeedbackConfig{
		Config:     store.Config{Database: db},
		IDProvider: &sequentialIDs{},
	})
	if err != nil {
		testContext.Fatalf("failed to build feedback store: %v", err)
	}
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	if err := feedbackStore.GrantUnlock(ctx, "q-1", "user-1", "hash-a", now); err != nil {
		testContext.Fatalf("grant failed: %v", err)
	}
	if err := feedbackStore.GrantUnlock(ctx, "q-1", "user-1", "hash-a", now); err != nil {
		testContext.Fatalf("expected repeated grant to be a no-op: %v", err)
	}
	unlocked, err := feedbackStore.HasUnlock(ctx, "q-1", "user-1", "hash-a")
	if err != nil || !unlocked {
		testContext.Fatalf("expected unlock (err=%v)", err)
	}
	unlocked, _ = feedbackStore.HasUnlock(ctx, "q-1", "user-1", "hash-b")
	if unlocked {
		testContext.Fatalf("expected unlock to be bound to the hash")
	}

	payload := store.FeedbackPayload{QueueID: "q-1", UserID: "user-1", AudioHash: "hash-a", Version: 2, Payload: datatypes.JSON(`{"v":1}`), GeneratedAtSeconds: 1}
	if err := feedbackStore.UpsertPayload(ctx, payload); err != nil {
		testContext.Fatalf("upsert failed: %v", err)
	}
	payload.Payload = datatypes.JSON(`{"v":2}`)
	payload.GeneratedAtSeconds = 2
	if err := feedbackStore.UpsertPayload(ctx, payload); err != nil {
		testContext.Fatalf("second upsert failed: %v", err)
	}

	stored, found, err := feedbackStore.FindPayload(ctx, "q-1", "user-1")
	if err != nil || !found {
		testContext.Fatalf("expected payload (found=%v err=%v)", found, err)
	}
	if string(stored.Payload) != `{"v":2}` || stored.GeneratedAtSeconds != 2 {
		testContext.Fatalf("expected payload to be overwritten, got %s", stored.Payload)
	}
	if _, found, _ := feedbackStore.FindPayload(ctx, "q-1", "user-2"); found {
		testContext.Fatalf("expected payload to be scoped to its owner")
	}
	exists, err := feedbackStore.PayloadExists(ctx, "q-1")
	if err != nil || !exists {
		testContext.Fatalf("expected payload to exist (err=%v)", err)
	}
}
