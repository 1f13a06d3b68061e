package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lennardhq/letterflow/internal/models"
	"github.com/lennardhq/letterflow/internal/repository"
	"github.com/lennardhq/letterflow/internal/workflow"
)

// TriggerRunner starts a workflow run.
type TriggerRunner interface {
	ProcessTrigger(ctx context.Context, trigger *models.WorkflowTrigger) ([]models.TaskResult, error)
}

// ReportWriter renders the delivery report.
type ReportWriter interface {
	WriteDeliveryReport(w io.Writer, records []*models.ApprovalRecord) error
}

// StateGauges receives approval state counts for the metrics endpoint.
type StateGauges interface {
	SetStateCounts(counts map[models.ApprovalState]int)
}

// Handler serves the workflow HTTP API.
type Handler struct {
	runner   TriggerRunner
	store    workflow.ApprovalStore
	triggers workflow.TriggerStore
	intake   *workflow.Intake
	broker   *EventBroker
	reports  ReportWriter
	gauges   StateGauges
	logger   *zap.Logger
}

// NewHandler creates a new API handler
func NewHandler(
	runner TriggerRunner,
	store workflow.ApprovalStore,
	triggers workflow.TriggerStore,
	intake *workflow.Intake,
	broker *EventBroker,
	reports ReportWriter,
	gauges StateGauges,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		runner:   runner,
		store:    store,
		triggers: triggers,
		intake:   intake,
		broker:   broker,
		reports:  reports,
		gauges:   gauges,
		logger:   logger,
	}
}

// RegisterRoutes mounts the API on the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/workflow/trigger", h.TriggerWorkflow)
	rg.GET("/workflow/:trigger_id", h.GetTrigger)
	rg.GET("/approvals", h.ListApprovals)
	rg.GET("/approvals/:id", h.GetApproval)
	rg.GET("/tasks/:task_id/approval", h.GetTaskApproval)
	rg.GET("/stream", h.StreamEvents)
	rg.GET("/reports/deliveries.xlsx", h.DeliveryReport)
}

type triggerRequest struct {
	TriggerID   string `json:"trigger_id"`
	RequestedBy string `json:"requested_by"`
	MaxTasks    int    `json:"max_tasks"`
	DryRun      bool   `json:"dry_run"`
}

// TriggerWorkflow starts a workflow run. Supplying a trigger_id makes the
// call idempotent: replaying a known ID returns the stored record instead
// of starting new work.
func (h *Handler) TriggerWorkflow(c *gin.Context) {
	var req triggerRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	trigger := models.NewWorkflowTrigger(req.RequestedBy, req.MaxTasks)
	if req.TriggerID != "" {
		trigger.TriggerID = req.TriggerID
	}
	trigger.DryRun = req.DryRun

	if err := h.triggers.Create(c.Request.Context(), trigger); err != nil {
		if errors.Is(err, repository.ErrTriggerExists) {
			existing, getErr := h.triggers.Get(c.Request.Context(), trigger.TriggerID)
			if getErr != nil || existing == nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load existing trigger"})
				return
			}
			c.JSON(http.StatusOK, existing)
			return
		}
		h.logger.Error("Failed to create trigger", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create trigger"})
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Hour)
		defer cancel()
		if _, err := h.runner.ProcessTrigger(ctx, trigger); err != nil {
			h.logger.Error("Trigger run failed",
				zap.String("trigger_id", trigger.TriggerID),
				zap.Error(err))
		}
	}()

	c.JSON(http.StatusAccepted, trigger)
}

// GetTrigger returns a trigger record with its run result.
func (h *Handler) GetTrigger(c *gin.Context) {
	trigger, err := h.triggers.Get(c.Request.Context(), c.Param("trigger_id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load trigger"})
		return
	}
	if trigger == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "trigger not found"})
		return
	}
	c.JSON(http.StatusOK, trigger)
}

// GetApproval returns one approval record, archived or not.
func (h *Handler) GetApproval(c *gin.Context) {
	record, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, workflow.ErrApprovalNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "approval not found"})
			return
		}
		h.logger.Error("Failed to load approval", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load approval"})
		return
	}
	c.JSON(http.StatusOK, record)
}

// ListApprovals returns approvals filtered by state.
func (h *Handler) ListApprovals(c *gin.Context) {
	state := models.ApprovalState(c.Query("state"))
	if !state.IsValid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown or missing state"})
		return
	}

	records, err := h.store.ListByState(c.Request.Context(), state)
	if err != nil {
		h.logger.Error("Failed to list approvals", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list approvals"})
		return
	}
	if records == nil {
		records = []*models.ApprovalRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"approvals": records, "count": len(records)})
}

// GetTaskApproval returns the in-flight approval for a CRM task.
func (h *Handler) GetTaskApproval(c *gin.Context) {
	record, err := h.store.ActiveByTask(c.Request.Context(), c.Param("task_id"))
	if err != nil {
		h.logger.Error("Failed to load task approval", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load approval"})
		return
	}
	if record == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active approval for task"})
		return
	}
	c.JSON(http.StatusOK, record)
}

// StreamEvents serves workflow lifecycle events over SSE.
func (h *Handler) StreamEvents(c *gin.Context) {
	ch := h.broker.Subscribe()
	defer h.broker.Unsubscribe(ch)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(event.Type, event)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// DeliveryReport streams the archived approvals as an xlsx workbook.
func (h *Handler) DeliveryReport(c *gin.Context) {
	records, err := h.store.ListArchived(c.Request.Context(), 0)
	if err != nil {
		h.logger.Error("Failed to load archive", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load archive"})
		return
	}

	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Header("Content-Disposition", `attachment; filename="deliveries.xlsx"`)
	if err := h.reports.WriteDeliveryReport(c.Writer, records); err != nil {
		h.logger.Error("Failed to write report", zap.Error(err))
	}
}

// Health reports process health: database reachability through the state
// counts and whether the last CRM poll succeeded.
func (h *Handler) Health(c *gin.Context) {
	counts, err := h.store.StateCounts(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  "database unreachable",
		})
		return
	}
	if h.gauges != nil {
		h.gauges.SetStateCounts(counts)
	}

	status := "healthy"
	if h.intake != nil && !h.intake.Healthy() {
		status = "degraded"
	}

	states := make(map[string]int, len(counts))
	for state, count := range counts {
		states[state.String()] = count
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    status,
		"approvals": states,
		"time":      time.Now().UTC(),
	})
}
