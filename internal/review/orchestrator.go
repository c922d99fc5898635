package review

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/tonipetergugic/immusic-sub001/internal/store"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	opOrchestratorNew = "review.orchestrator.new"
	opProcessNext     = "review.process_next"

	defaultLeaseDuration = 10 * time.Minute
	defaultMaxAttempts   = 5
)

// ResponseKind is the externally visible outcome of ProcessNext.
type ResponseKind string

const (
	ResponseIdle     ResponseKind = "idle"
	ResponsePending  ResponseKind = "pending"
	ResponseDecision ResponseKind = "decision"
)

// Response is one of {status: idle}, {status: pending} or a terminal decision.
type Response struct {
	Kind              ResponseKind
	QueueID           string
	Decision          store.QueueStatus
	FeedbackAvailable bool
}

type statusBody struct {
	Status ResponseKind `json:"status"`
}

type decisionBody struct {
	Decision          store.QueueStatus `json:"decision"`
	FeedbackAvailable bool              `json:"feedback_available"`
	QueueID           string            `json:"queue_id"`
}

// MarshalJSON renders the wire shape for the response kind.
func (r Response) MarshalJSON() ([]byte, error) {
	if r.Kind == ResponseDecision {
		return json.Marshal(decisionBody{Decision: r.Decision, FeedbackAvailable: r.FeedbackAvailable, QueueID: r.QueueID})
	}
	return json.Marshal(statusBody{Status: r.Kind})
}

// DecisionEvent is published for every decision rendered by ProcessNext.
type DecisionEvent struct {
	UserID            string
	QueueID           string
	Decision          store.QueueStatus
	RejectionReason   store.RejectionReason
	FeedbackAvailable bool
	DecidedAt         time.Time
}

// ItemProcessor runs one claimed item.
type ItemProcessor interface {
	Process(ctx context.Context, item store.QueueItem) (Decision, error)
}

// OrchestratorConfig wires an Orchestrator.
type OrchestratorConfig struct {
	Queue         QueueRepository
	Worker        ItemProcessor
	Payloads      PayloadLookup
	Publisher     DecisionPublisher
	LeaseDuration time.Duration
	MaxAttempts   int
	Clock         Clock
	Logger        *zap.Logger
}

// Orchestrator claims at most one pending item per call.
type Orchestrator struct {
	queue       QueueRepository
	worker      ItemProcessor
	payloads    PayloadLookup
	publisher   DecisionPublisher
	lease       time.Duration
	maxAttempts int
	clock       Clock
	logger      *zap.Logger
}

// NewOrchestrator validates dependencies and builds an Orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Queue == nil {
		return nil, missing(opOrchestratorNew, "queue")
	}
	if cfg.Worker == nil {
		return nil, missing(opOrchestratorNew, "worker")
	}
	lease := cfg.LeaseDuration
	if lease <= 0 {
		lease = defaultLeaseDuration
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		queue:       cfg.Queue,
		worker:      cfg.Worker,
		payloads:    cfg.Payloads,
		publisher:   cfg.Publisher,
		lease:       lease,
		maxAttempts: maxAttempts,
		clock:       clock,
		logger:      logger,
	}, nil
}

// ProcessNext recovers expired leases, claims the user's oldest pending item and
// processes it. Without a pending item it reports pending while another claim is
// live, else the latest decision, else idle.
func (o *Orchestrator) ProcessNext(ctx context.Context, userID string) (Response, error) {
	if userID == "" {
		return Response{}, newServiceError(opProcessNext, "missing_user", errMissingDependency)
	}
	if recovered, err := o.queue.RecoverExpiredLeases(ctx, o.clock()); err != nil {
		logWarn(o.logger, opProcessNext, "lease_recovery_failed", err, zap.String("user_id", userID))
	} else if recovered > 0 {
		o.logger.Info("expired leases recovered", zap.Int64("count", recovered))
	}

	item, found, err := o.queue.OldestPending(ctx, userID)
	if err != nil {
		logError(o.logger, opProcessNext, "lookup_failed", err, zap.String("user_id", userID))
		return Response{}, newServiceError(opProcessNext, "lookup_failed", err)
	}
	if !found {
		return o.idleOrLatest(ctx, userID)
	}

	claimedItem, claimed, err := o.queue.Claim(ctx, item.ID, o.clock(), o.lease)
	if err != nil {
		logError(o.logger, opProcessNext, "claim_failed", err,
			zap.String("queue_id", item.ID),
			zap.String("user_id", userID))
		return Response{}, newServiceError(opProcessNext, "claim_failed", err)
	}
	if !claimed {
		return Response{Kind: ResponsePending}, nil
	}

	decision, err := o.worker.Process(ctx, claimedItem)
	if errors.Is(err, ErrLeaseLost) {
		return Response{}, o.leaseLost(claimedItem, err)
	}
	if err != nil {
		return o.release(ctx, claimedItem, err)
	}
	return o.respond(ctx, decision), nil
}

func (o *Orchestrator) idleOrLatest(ctx context.Context, userID string) (Response, error) {
	live, err := o.queue.HasProcessing(ctx, userID)
	if err != nil {
		logError(o.logger, opProcessNext, "lookup_failed", err, zap.String("user_id", userID))
		return Response{}, newServiceError(opProcessNext, "lookup_failed", err)
	}
	if live {
		return Response{Kind: ResponsePending}, nil
	}
	latest, found, err := o.queue.LatestTerminal(ctx, userID)
	if err != nil {
		logError(o.logger, opProcessNext, "lookup_failed", err, zap.String("user_id", userID))
		return Response{}, newServiceError(opProcessNext, "lookup_failed", err)
	}
	if !found {
		return Response{Kind: ResponseIdle}, nil
	}
	return Response{
		Kind:              ResponseDecision,
		QueueID:           latest.ID,
		Decision:          latest.Status,
		FeedbackAvailable: o.feedbackAvailable(ctx, latest.ID),
	}, nil
}

// release hands the item back after an infrastructure failure. Once the attempts
// are used up the caller gets ErrRetriesExhausted; the item still stays pending.
func (o *Orchestrator) release(ctx context.Context, item store.QueueItem, cause error) (Response, error) {
	if err := o.queue.Release(ctx, item.ID, item.Attempts, cause.Error(), o.clock()); err != nil {
		if errors.Is(err, store.ErrStaleClaim) {
			return Response{}, o.leaseLost(item, multierr.Append(cause, err))
		}
		logError(o.logger, opProcessNext, "release_failed", err, zap.String("queue_id", item.ID))
		return Response{}, newServiceError(opProcessNext, "release_failed", err)
	}
	if item.Attempts >= o.maxAttempts {
		logError(o.logger, opProcessNext, "retries_exhausted", cause,
			zap.String("queue_id", item.ID),
			zap.String("user_id", item.UserID),
			zap.Int("attempts", item.Attempts))
		return Response{}, newServiceError(opProcessNext, "retries_exhausted", ErrRetriesExhausted)
	}
	return Response{Kind: ResponsePending}, nil
}

// leaseLost reports a claim that was recovered and re-claimed elsewhere while this
// invocation still worked on it. The newer claimant owns the item.
func (o *Orchestrator) leaseLost(item store.QueueItem, cause error) error {
	logWarn(o.logger, opProcessNext, "lease_lost", cause,
		zap.String("queue_id", item.ID),
		zap.String("user_id", item.UserID),
		zap.Int("attempt", item.Attempts))
	return newServiceError(opProcessNext, "lease_lost", ErrLeaseLost)
}

func (o *Orchestrator) respond(ctx context.Context, decision Decision) Response {
	available := o.feedbackAvailable(ctx, decision.QueueID)
	if o.publisher != nil {
		o.publisher.PublishDecision(DecisionEvent{
			UserID:            decision.UserID,
			QueueID:           decision.QueueID,
			Decision:          decision.Status,
			RejectionReason:   decision.Reason,
			FeedbackAvailable: available,
			DecidedAt:         o.clock().UTC(),
		})
	}
	return Response{
		Kind:              ResponseDecision,
		QueueID:           decision.QueueID,
		Decision:          decision.Status,
		FeedbackAvailable: available,
	}
}

func (o *Orchestrator) feedbackAvailable(ctx context.Context, queueID string) bool {
	if o.payloads == nil {
		return false
	}
	exists, err := o.payloads.PayloadExists(ctx, queueID)
	if err != nil {
		logWarn(o.logger, opProcessNext, "payload_lookup_failed", err, zap.String("queue_id", queueID))
		return false
	}
	return exists
}
