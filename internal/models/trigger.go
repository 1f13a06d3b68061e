package models

import (
	"time"

	"github.com/google/uuid"
)

// Decision kinds received from the approval channel.
type DecisionKind string

const (
	DecisionApprove DecisionKind = "APPROVE"
	DecisionReject  DecisionKind = "REJECT"
	DecisionRevise  DecisionKind = "REVISE"
)

// Decision is an inbound reviewer decision keyed by approval identifier.
type Decision struct {
	ApprovalID string       `json:"approval_id"`
	Kind       DecisionKind `json:"kind"`
	Feedback   string       `json:"feedback,omitempty"`
	DecidedBy  string       `json:"decided_by,omitempty"`
	DecidedAt  time.Time    `json:"decided_at"`
}

// WorkflowTrigger is one request to process a batch of eligible tasks.
// TriggerID is caller-supplied (or generated) and makes trigger submission
// itself idempotent: replaying a processed trigger returns the recorded
// result instead of starting new work.
type WorkflowTrigger struct {
	TriggerID   string     `json:"trigger_id"`
	RequestedBy string     `json:"requested_by,omitempty"`
	RequestedAt time.Time  `json:"requested_at"`
	MaxTasks    int        `json:"max_tasks"`
	DryRun      bool       `json:"dry_run"`
	Processed   bool       `json:"processed"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	Result      string     `json:"result,omitempty"`
}

// NewWorkflowTrigger creates a trigger with a generated identifier.
func NewWorkflowTrigger(requestedBy string, maxTasks int) *WorkflowTrigger {
	return &WorkflowTrigger{
		TriggerID:   uuid.NewString(),
		RequestedBy: requestedBy,
		RequestedAt: time.Now().UTC(),
		MaxTasks:    maxTasks,
	}
}

// TaskResult records the outcome of one task within a trigger run.
type TaskResult struct {
	TaskID      string    `json:"task_id"`
	ContactName string    `json:"contact_name,omitempty"`
	CompanyName string    `json:"company_name,omitempty"`
	ApprovalID  string    `json:"approval_id,omitempty"`
	Success     bool      `json:"success"`
	Detail      string    `json:"detail,omitempty"`
	ProcessedAt time.Time `json:"processed_at"`
}
