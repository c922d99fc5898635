package store_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tonipetergugic/immusic-sub001/internal/database"
	"github.com/tonipetergugic/immusic-sub001/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type sequentialIDs struct {
	counter atomic.Int64
}

func (s *sequentialIDs) NewID() (string, error) {
	return fmt.Sprintf("id-%03d", s.counter.Add(1)), nil
}

func openTestDatabase(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	db, err := database.OpenSQLite(filepath.Join(testContext.TempDir(), "store.db"), zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	return db
}

func newQueueStore(testContext *testing.T, db *gorm.DB) *store.QueueStore {
	testContext.Helper()
	queue, err := store.NewQueueStore(store.QueueConfig{
		Config:     store.Config{Database: db},
		IDProvider: &sequentialIDs{},
	})
	if err != nil {
		testContext.Fatalf("failed to build queue store: %v", err)
	}
	return queue
}

func enqueue(testContext *testing.T, queue *store.QueueStore, userID string, at time.Time) store.QueueItem {
	testContext.Helper()
	item, err := queue.Enqueue(context.Background(), store.Submission{
		UserID:     userID,
		IngestPath: "uploads/" + userID + "/master.wav",
		Title:      "Master",
	}, at)
	if err != nil {
		testContext.Fatalf("failed to enqueue: %v", err)
	}
	return item
}

func TestNewQueueStoreRequiresDependencies(testContext *testing.T) {
	_, err := store.NewQueueStore(store.QueueConfig{IDProvider: &sequentialIDs{}})
	var serviceErr *store.ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "store.queue.new.missing_database" {
		testContext.Fatalf("expected missing_database service error, got %v", err)
	}
}

func TestClaimIsExclusiveUnderConcurrency(testContext *testing.T) {
	db := openTestDatabase(testContext)
	queue := newQueueStore(testContext, db)
	now := time.Unix(1_700_000_000, 0)
	item := enqueue(testContext, queue, "user-1", now)

	const claimants = 8
	var wins atomic.Int32
	var wait sync.WaitGroup
	for index := 0; index < claimants; index++ {
		wait.Add(1)
		go func() {
			defer wait.Done()
			_, claimed, err := queue.Claim(context.Background(), item.ID, now, 10*time.Minute)
			if err != nil {
				testContext.Errorf("claim failed: %v", err)
				return
			}
			if claimed {
				wins.Add(1)
			}
		}()
	}
	wait.Wait()

	if wins.Load() != 1 {
		testContext.Fatalf("expected exactly one successful claim, got %d", wins.Load())
	}
	stored, err := queue.Get(context.Background(), item.ID)
	if err != nil {
		testContext.Fatalf("failed to reload item: %v", err)
	}
	if stored.Status != store.StatusProcessing || stored.Attempts != 1 {
		testContext.Fatalf("unexpected claimed item state: status=%s attempts=%d", stored.Status, stored.Attempts)
	}
	if stored.LeaseExpiresSeconds == nil || *stored.LeaseExpiresSeconds != now.Add(10*time.Minute).Unix() {
		testContext.Fatalf("expected lease to be set, got %v", stored.LeaseExpiresSeconds)
	}
}

func TestRecoverExpiredLeasesResetsOnlyExpiredItems(testContext *testing.T) {
	db := openTestDatabase(testContext)
	queue := newQueueStore(testContext, db)
	ctx := context.Background()
	start := time.Unix(1_700_000_000, 0)

	stale := enqueue(testContext, queue, "user-1", start)
	fresh := enqueue(testContext, queue, "user-2", start)
	if _, _, err := queue.Claim(ctx, stale.ID, start, 10*time.Minute); err != nil {
		testContext.Fatalf("claim failed: %v", err)
	}
	if _, _, err := queue.Claim(ctx, fresh.ID, start.Add(9*time.Minute), 10*time.Minute); err != nil {
		testContext.Fatalf("claim failed: %v", err)
	}

	recovered, err := queue.RecoverExpiredLeases(ctx, start.Add(11*time.Minute))
	if err != nil {
		testContext.Fatalf("recover failed: %v", err)
	}
	if recovered != 1 {
		testContext.Fatalf("expected one recovered item, got %d", recovered)
	}

	reloaded, _ := queue.Get(ctx, stale.ID)
	if reloaded.Status != store.StatusPending || reloaded.LeaseExpiresSeconds != nil {
		testContext.Fatalf("expected stale item to be pending without lease, got %s", reloaded.Status)
	}
	if reloaded.LastError == "" {
		testContext.Fatalf("expected recovery to record a last error")
	}
	stillRunning, _ := queue.Get(ctx, fresh.ID)
	if stillRunning.Status != store.StatusProcessing {
		testContext.Fatalf("expected live lease to survive recovery, got %s", stillRunning.Status)
	}
}

func TestOldestPendingAndLatestTerminal(testContext *testing.T) {
	db := openTestDatabase(testContext)
	queue := newQueueStore(testContext, db)
	ctx := context.Background()
	start := time.Unix(1_700_000_000, 0)

	first := enqueue(testContext, queue, "user-1", start)
	second := enqueue(testContext, queue, "user-1", start.Add(time.Second))
	enqueue(testContext, queue, "user-2", start.Add(-time.Hour))

	oldest, found, err := queue.OldestPending(ctx, "user-1")
	if err != nil || !found || oldest.ID != first.ID {
		testContext.Fatalf("expected %s as oldest pending, got %s (found=%v err=%v)", first.ID, oldest.ID, found, err)
	}

	if _, found, _ := queue.LatestTerminal(ctx, "user-1"); found {
		testContext.Fatalf("expected no terminal item yet")
	}

	for index, item := range []store.QueueItem{first, second} {
		decidedAt := start.Add(time.Duration(index+1) * time.Minute)
		if _, _, err := queue.Claim(ctx, item.ID, decidedAt, time.Minute); err != nil {
			testContext.Fatalf("claim failed: %v", err)
		}
		finalized, err := queue.Finalize(ctx, item.ID, 1, store.Decision{Status: store.StatusApproved}, decidedAt)
		if err != nil || !finalized {
			testContext.Fatalf("finalize failed: finalized=%v err=%v", finalized, err)
		}
	}

	latest, found, err := queue.LatestTerminal(ctx, "user-1")
	if err != nil || !found || latest.ID != second.ID {
		testContext.Fatalf("expected %s as latest terminal, got %s", second.ID, latest.ID)
	}
	if latest.LeaseExpiresSeconds != nil || latest.DecidedAtSeconds == nil {
		testContext.Fatalf("expected finalized item to clear the lease and record the decision time")
	}
}

func TestSetHashDetectsDuplicatesAndImmutability(testContext *testing.T) {
	db := openTestDatabase(testContext)
	queue := newQueueStore(testContext, db)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	first := enqueue(testContext, queue, "user-1", now)
	second := enqueue(testContext, queue, "user-1", now)

	if err := queue.SetHash(ctx, first.ID, "hash-a", now); err != nil {
		testContext.Fatalf("set hash failed: %v", err)
	}
	if err := queue.SetHash(ctx, first.ID, "hash-a", now); err != nil {
		testContext.Fatalf("expected repeating the same hash to succeed: %v", err)
	}
	if err := queue.SetHash(ctx, first.ID, "hash-b", now); !errors.Is(err, store.ErrHashImmutable) {
		testContext.Fatalf("expected ErrHashImmutable, got %v", err)
	}
	if err := queue.SetHash(ctx, second.ID, "hash-a", now); !errors.Is(err, store.ErrDuplicateHash) {
		testContext.Fatalf("expected ErrDuplicateHash, got %v", err)
	}

	exists, err := queue.ActiveHashExists(ctx, "hash-a", second.ID)
	if err != nil || !exists {
		testContext.Fatalf("expected active hash to be found (err=%v)", err)
	}
	exists, err = queue.ActiveHashExists(ctx, "hash-a", first.ID)
	if err != nil || exists {
		testContext.Fatalf("expected the owning item to be excluded (err=%v)", err)
	}

	if _, _, err := queue.Claim(ctx, second.ID, now, time.Minute); err != nil {
		testContext.Fatalf("claim failed: %v", err)
	}
	finalized, err := queue.Finalize(ctx, second.ID, 1, store.Decision{
		Status:    store.StatusRejected,
		Reason:    store.RejectionDuplicate,
		AudioHash: "hash-a",
	}, now)
	if err != nil || !finalized {
		testContext.Fatalf("expected duplicate rejection to store the hash: finalized=%v err=%v", finalized, err)
	}
	rejected, _ := queue.Get(ctx, second.ID)
	if rejected.Hash() != "hash-a" || rejected.RejectionReason != store.RejectionDuplicate {
		testContext.Fatalf("unexpected rejected item: hash=%q reason=%q", rejected.Hash(), rejected.RejectionReason)
	}
}

func TestRecordHashFailureCountsAttempts(testContext *testing.T) {
	db := openTestDatabase(testContext)
	queue := newQueueStore(testContext, db)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	item := enqueue(testContext, queue, "user-1", now)

	for attempt := 0; attempt < 2; attempt++ {
		if err := queue.RecordHashFailure(ctx, item.ID, "read failed", now); err != nil {
			testContext.Fatalf("record hash failure failed: %v", err)
		}
	}
	stored, _ := queue.Get(ctx, item.ID)
	if stored.HashState != store.HashError || stored.HashAttempts != 2 || stored.HashLastError != "read failed" {
		testContext.Fatalf("unexpected hash failure state: %+v", stored)
	}
}

func TestFinalizeRequiresLiveLease(testContext *testing.T) {
	db := openTestDatabase(testContext)
	queue := newQueueStore(testContext, db)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	item := enqueue(testContext, queue, "user-1", now)

	finalized, err := queue.Finalize(ctx, item.ID, 0, store.Decision{Status: store.StatusRejected, Reason: store.RejectionTechnical}, now)
	if err != nil {
		testContext.Fatalf("finalize failed: %v", err)
	}
	if finalized {
		testContext.Fatalf("expected finalize to refuse an unclaimed item")
	}
	if _, err := queue.Finalize(ctx, item.ID, 0, store.Decision{Status: store.StatusPending}, now); err == nil {
		testContext.Fatalf("expected a non-terminal decision to be refused")
	}

	if _, _, err := queue.Claim(ctx, item.ID, now, time.Minute); err != nil {
		testContext.Fatalf("claim failed: %v", err)
	}
	finalized, err = queue.Finalize(ctx, item.ID, 7, store.Decision{Status: store.StatusApproved}, now)
	if err != nil || finalized {
		testContext.Fatalf("expected a stale attempt to be fenced off (finalized=%v err=%v)", finalized, err)
	}
	if err := queue.Release(ctx, item.ID, 7, "stale", now); !errors.Is(err, store.ErrStaleClaim) {
		testContext.Fatalf("expected a stale release to report ErrStaleClaim, got %v", err)
	}
	stillClaimed, _ := queue.Get(ctx, item.ID)
	if stillClaimed.Status != store.StatusProcessing {
		testContext.Fatalf("expected a stale release to leave the claim intact, got %s", stillClaimed.Status)
	}
	if err := queue.Release(ctx, item.ID, 1, "toolchain failed", now); err != nil {
		testContext.Fatalf("release failed: %v", err)
	}
	released, _ := queue.Get(ctx, item.ID)
	if released.Status != store.StatusPending || released.LastError != "toolchain failed" {
		testContext.Fatalf("expected release to return the item to pending, got %s", released.Status)
	}
}

func TestClaimReturnsAttemptWrittenByTheDatabase(testContext *testing.T) {
	db := openTestDatabase(testContext)
	queue := newQueueStore(testContext, db)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	item := enqueue(testContext, queue, "user-1", now)

	first, claimed, err := queue.Claim(ctx, item.ID, now, time.Minute)
	if err != nil || !claimed || first.Attempts != 1 {
		testContext.Fatalf("expected first claim with attempt 1 (claimed=%v attempts=%d err=%v)", claimed, first.Attempts, err)
	}
	if err := queue.Release(ctx, item.ID, first.Attempts, "worker crashed", now); err != nil {
		testContext.Fatalf("release failed: %v", err)
	}

	second, claimed, err := queue.Claim(ctx, item.ID, now, time.Minute)
	if err != nil || !claimed {
		testContext.Fatalf("expected second claim to succeed (claimed=%v err=%v)", claimed, err)
	}
	if second.Attempts != 2 || second.Status != store.StatusProcessing || second.ID != item.ID {
		testContext.Fatalf("unexpected claimed row: %+v", second)
	}

	_, claimed, err = queue.Claim(ctx, item.ID, now, time.Minute)
	if err != nil || claimed {
		testContext.Fatalf("expected a live claim to refuse another claimant (claimed=%v err=%v)", claimed, err)
	}
	if err := queue.Release(ctx, item.ID, first.Attempts, "late", now); !errors.Is(err, store.ErrStaleClaim) {
		testContext.Fatalf("expected the first claimant to be fenced off, got %v", err)
	}
}
