package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/tonipetergugic/immusic-sub001/internal/auth"
	"github.com/tonipetergugic/immusic-sub001/internal/review"
	"github.com/tonipetergugic/immusic-sub001/internal/store"
	"go.uber.org/zap"
)

const (
	userIDContextKey         = "immusic_user_id"
	accessTokenQueryKey      = "access_token"
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingProcessor      = errors.New("queue processor dependency required")
	errMissingFeedback       = errors.New("feedback builder dependency required")
	errMissingPayloads       = errors.New("feedback payload reader dependency required")
	errMissingEvents         = errors.New("decision dispatcher dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

type QueueProcessor interface {
	ProcessNext(ctx context.Context, userID string) (review.Response, error)
}

type FeedbackBuilder interface {
	Build(ctx context.Context, queueID, userID string) (bool, error)
}

type PayloadReader interface {
	FindPayload(ctx context.Context, queueID, userID string) (store.FeedbackPayload, bool, error)
}

type Dependencies struct {
	Tokens            TokenValidator
	Processor         QueueProcessor
	Feedback          FeedbackBuilder
	Payloads          PayloadReader
	Events            *DecisionDispatcher
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Processor == nil {
		return nil, errMissingProcessor
	}
	if deps.Feedback == nil {
		return nil, errMissingFeedback
	}
	if deps.Payloads == nil {
		return nil, errMissingPayloads
	}
	if deps.Events == nil {
		return nil, errMissingEvents
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		tokens:    deps.Tokens,
		processor: deps.Processor,
		feedback:  deps.Feedback,
		payloads:  deps.Payloads,
		events:    deps.Events,
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/v1/qc")
	protected.Use(handler.authorizeRequest)
	protected.POST("/process-next", handler.handleProcessNext)
	protected.GET("/items/:queue_id/feedback", handler.handleGetFeedback)
	protected.POST("/items/:queue_id/feedback", handler.handleBuildFeedback)
	protected.GET("/events", handler.handleEventStream)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	tokens    TokenValidator
	processor QueueProcessor
	feedback  FeedbackBuilder
	payloads  PayloadReader
	events    *DecisionDispatcher
	heartbeat time.Duration
	logger    *zap.Logger
}

type feedbackResponsePayload struct {
	QueueID            string          `json:"queue_id"`
	Version            int             `json:"version"`
	GeneratedAtSeconds int64           `json:"generated_at_s"`
	Payload            json.RawMessage `json:"payload"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleProcessNext(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	response, err := h.processor.ProcessNext(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, review.ErrRetriesExhausted) {
			h.logger.Warn("queue item exhausted its retries", zap.String("user_id", userID), zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "retries_exhausted"})
			return
		}
		if errors.Is(err, review.ErrLeaseLost) {
			h.logger.Warn("queue item was claimed by another invocation", zap.String("user_id", userID), zap.Error(err))
			c.JSON(http.StatusConflict, gin.H{"error": "lease_lost"})
			return
		}
		h.logger.Error("process next failed", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "process_failed"})
		return
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleGetFeedback(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	queueID := strings.TrimSpace(c.Param("queue_id"))
	payload, found, err := h.payloads.FindPayload(c.Request.Context(), queueID, userID)
	if err != nil {
		h.logger.Error("feedback lookup failed", zap.String("queue_id", queueID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "feedback_lookup_failed"})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "feedback_not_found"})
		return
	}
	c.JSON(http.StatusOK, feedbackResponsePayload{
		QueueID:            payload.QueueID,
		Version:            payload.Version,
		GeneratedAtSeconds: payload.GeneratedAtSeconds,
		Payload:            json.RawMessage(payload.Payload),
	})
}

func (h *httpHandler) handleBuildFeedback(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	queueID := strings.TrimSpace(c.Param("queue_id"))
	built, err := h.feedback.Build(c.Request.Context(), queueID, userID)
	if err != nil {
		h.logger.Error("feedback build failed", zap.String("queue_id", queueID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "feedback_build_failed"})
		return
	}
	if !built {
		c.JSON(http.StatusNotFound, gin.H{"error": "feedback_unavailable"})
		return
	}
	h.handleGetFeedback(c)
}

func (h *httpHandler) handleEventStream(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	ctx := c.Request.Context()
	stream, cleanup := h.events.Subscribe(ctx, userID)
	defer cleanup()
	h.logger.Debug("decision stream opened",
		zap.String("user_id", userID),
		zap.Int("subscribers", h.events.SubscriberCount(userID)))

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(EventDecision, message)
			return true
		case tick := <-ticker.C:
			c.SSEvent(eventHeartbeat, gin.H{"ts": tick.UTC().Unix()})
			return true
		}
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token, ok := bearerToken(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) || errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

// bearerToken reads the Authorization header. EventSource clients cannot set
// headers, so the stream also accepts the access_token query parameter.
func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		return token, token != ""
	}
	if header != "" {
		return "", false
	}
	token := strings.TrimSpace(c.Query(accessTokenQueryKey))
	return token, token != ""
}
