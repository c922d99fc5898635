package server

import (
	"context"
	"testing"
	"time"

	"github.com/tonipetergugic/immusic-sub001/internal/review"
	"github.com/tonipetergugic/immusic-sub001/internal/store"
)

func TestDecisionDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewDecisionDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "user-1")
	defer cleanup()

	dispatcher.PublishDecision(review.DecisionEvent{
		UserID:          "user-1",
		QueueID:         "queue-a",
		Decision:        store.StatusRejected,
		RejectionReason: store.RejectionTechnical,
		DecidedAt:       time.Now().UTC(),
	})

	select {
	case received := <-stream:
		if received.QueueID != "queue-a" || received.Decision != store.StatusRejected {
			t.Fatalf("unexpected message %+v", received)
		}
		if received.RejectionReason != store.RejectionTechnical {
			t.Fatalf("expected rejection reason technical, got %q", received.RejectionReason)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected decision message within deadline")
	}
}

func TestDecisionDispatcherIsolatedByUser(t *testing.T) {
	dispatcher := NewDecisionDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	otherCtx, otherCancel := context.WithCancel(context.Background())
	defer otherCancel()

	userStream, cleanup := dispatcher.Subscribe(ctx, "user-2")
	defer cleanup()

	otherStream, otherCleanup := dispatcher.Subscribe(otherCtx, "user-3")
	defer otherCleanup()

	dispatcher.PublishDecision(review.DecisionEvent{
		UserID:   "user-3",
		QueueID:  "queue-c",
		Decision: store.StatusApproved,
	})

	select {
	case <-userStream:
		t.Fatal("did not expect a decision for an unrelated user")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case msg := <-otherStream:
		if msg.QueueID != "queue-c" {
			t.Fatalf("expected queue-c, received %s", msg.QueueID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected decision for subscribed user")
	}
}

func TestDecisionDispatcherDropsSubscriberOnCancel(t *testing.T) {
	dispatcher := NewDecisionDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	_, cleanup := dispatcher.Subscribe(ctx, "user-1")
	defer cleanup()

	if count := dispatcher.SubscriberCount("user-1"); count != 1 {
		t.Fatalf("expected one subscriber, got %d", count)
	}
	cancel()

	deadline := time.Now().Add(time.Second)
	for dispatcher.SubscriberCount("user-1") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected the subscriber to be removed after cancellation")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDecisionDispatcherNeverBlocksOnSlowSubscriber(t *testing.T) {
	dispatcher := NewDecisionDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, cleanup := dispatcher.Subscribe(ctx, "user-1")
	defer cleanup()

	done := make(chan struct{})
	go func() {
		for index := 0; index < defaultStreamBuffer*4; index++ {
			dispatcher.PublishDecision(review.DecisionEvent{UserID: "user-1", QueueID: "queue-a", Decision: store.StatusApproved})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected publishing to a full stream to return")
	}
}
