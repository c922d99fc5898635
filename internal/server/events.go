package server

import (
	"context"
	"sync"
	"time"

	"github.com/tonipetergugic/immusic-sub001/internal/review"
	"github.com/tonipetergugic/immusic-sub001/internal/store"
)

const (
	EventDecision       = "decision"
	eventHeartbeat      = "heartbeat"
	defaultStreamBuffer = 16
)

// DecisionMessage is one terminal decision delivered to a stream subscriber.
type DecisionMessage struct {
	QueueID           string                `json:"queue_id"`
	Decision          store.QueueStatus     `json:"decision"`
	RejectionReason   store.RejectionReason `json:"rejection_reason,omitempty"`
	FeedbackAvailable bool                  `json:"feedback_available"`
	DecidedAt         time.Time             `json:"decided_at"`
}

// DecisionDispatcher fans decisions out to the deciding user's subscribers. Slow
// subscribers miss messages rather than block the worker.
type DecisionDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*decisionSubscriber
	nextID      int64
	bufferSize  int
}

type decisionSubscriber struct {
	id     int64
	stream chan DecisionMessage
}

func NewDecisionDispatcher() *DecisionDispatcher {
	return &DecisionDispatcher{
		subscribers: make(map[string]map[int64]*decisionSubscriber),
		bufferSize:  defaultStreamBuffer,
	}
}

// Subscribe registers a stream for userID until ctx ends or the cleanup runs.
func (d *DecisionDispatcher) Subscribe(ctx context.Context, userID string) (<-chan DecisionMessage, func()) {
	if userID == "" {
		ch := make(chan DecisionMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &decisionSubscriber{
		id:     d.nextSequence(),
		stream: make(chan DecisionMessage, d.bufferSize),
	}
	d.registerSubscriber(userID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregisterSubscriber(userID, subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// PublishDecision implements review.DecisionPublisher.
func (d *DecisionDispatcher) PublishDecision(event review.DecisionEvent) {
	if event.UserID == "" || event.QueueID == "" {
		return
	}
	message := DecisionMessage{
		QueueID:           event.QueueID,
		Decision:          event.Decision,
		RejectionReason:   event.RejectionReason,
		FeedbackAvailable: event.FeedbackAvailable,
		DecidedAt:         event.DecidedAt,
	}
	d.mu.RLock()
	subscribers := d.subscribers[event.UserID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*decisionSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// SubscriberCount reports the live subscriptions for userID.
func (d *DecisionDispatcher) SubscriberCount(userID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[userID])
}

func (d *DecisionDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *DecisionDispatcher) registerSubscriber(userID string, subscriber *decisionSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[userID]; !ok {
		d.subscribers[userID] = make(map[int64]*decisionSubscriber)
	}
	d.subscribers[userID][subscriber.id] = subscriber
}

func (d *DecisionDispatcher) unregisterSubscriber(userID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[userID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, userID)
		}
	}
	d.mu.Unlock()
}
