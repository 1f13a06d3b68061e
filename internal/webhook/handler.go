package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lennardhq/letterflow/internal/lark"
	"github.com/lennardhq/letterflow/internal/models"
)

// DecisionHandler applies a reviewer decision to the workflow.
type DecisionHandler interface {
	HandleDecision(ctx context.Context, decision models.Decision) error
}

// Handler receives decision callbacks from the approval channel. It
// answers 200 immediately and applies the decision asynchronously; the
// channel retries on timeout, and slow delivery of an approved letter
// must not trigger a duplicate event.
type Handler struct {
	verifier  *Verifier
	decisions DecisionHandler
	logger    *zap.Logger
}

// NewHandler creates a new webhook handler
func NewHandler(verifier *Verifier, decisions DecisionHandler, logger *zap.Logger) *Handler {
	return &Handler{
		verifier:  verifier,
		decisions: decisions,
		logger:    logger,
	}
}

type cardActionEvent struct {
	Header struct {
		EventID   string `json:"event_id"`
		EventType string `json:"event_type"`
		Token     string `json:"token"`
	} `json:"header"`
	Event struct {
		Operator struct {
			OpenID string `json:"open_id"`
		} `json:"operator"`
		Action struct {
			Value struct {
				Action     string `json:"action"`
				ApprovalID string `json:"approval_id"`
			} `json:"value"`
			FormValue struct {
				Feedback string `json:"feedback"`
			} `json:"form_value"`
		} `json:"action"`
	} `json:"event"`
}

// Handle processes an inbound callback.
func (h *Handler) Handle(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.logger.Error("Failed to read request body", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(body, &probe); err == nil && probe.Type == "url_verification" {
		challenge, err := h.verifier.VerifyChallenge(body)
		if err != nil {
			h.logger.Error("Challenge verification failed", zap.Error(err))
			c.JSON(http.StatusBadRequest, gin.H{"error": "challenge verification failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"challenge": challenge})
		return
	}

	var event cardActionEvent
	if err := json.Unmarshal(body, &event); err != nil {
		h.logger.Error("Failed to parse event", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to parse event"})
		return
	}

	if !h.verifier.VerifyToken(event.Header.Token) {
		h.logger.Warn("Rejected event with invalid token",
			zap.String("event_id", event.Header.EventID))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	decision, ok := decisionFromEvent(&event)
	if !ok {
		h.logger.Debug("Ignoring event without a decision",
			zap.String("event_type", event.Header.EventType))
		c.JSON(http.StatusOK, gin.H{"message": "event ignored"})
		return
	}

	h.logger.Info("Received reviewer decision",
		zap.String("event_id", event.Header.EventID),
		zap.String("approval_id", decision.ApprovalID),
		zap.String("decision", string(decision.Kind)))

	// Acknowledge before processing: delivery takes longer than the
	// channel's callback timeout.
	c.JSON(http.StatusOK, gin.H{"message": "accepted"})

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if err := h.decisions.HandleDecision(ctx, decision); err != nil {
			h.logger.Error("Decision processing failed",
				zap.String("approval_id", decision.ApprovalID),
				zap.Error(err))
		}
	}()
}

func decisionFromEvent(event *cardActionEvent) (models.Decision, bool) {
	value := event.Event.Action.Value
	if value.ApprovalID == "" {
		return models.Decision{}, false
	}

	decision := models.Decision{
		ApprovalID: value.ApprovalID,
		Feedback:   event.Event.Action.FormValue.Feedback,
		DecidedBy:  event.Event.Operator.OpenID,
		DecidedAt:  time.Now().UTC(),
	}
	switch value.Action {
	case lark.ActionApprove:
		decision.Kind = models.DecisionApprove
	case lark.ActionReject:
		decision.Kind = models.DecisionReject
	case lark.ActionRequestChanges:
		decision.Kind = models.DecisionRevise
	default:
		return models.Decision{}, false
	}
	return decision, true
}
