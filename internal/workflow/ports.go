package workflow

import (
	"context"
	"time"

	"github.com/lennardhq/letterflow/internal/models"
)

// TaskSource is the CRM the pipeline pulls outreach tasks from and reports
// outcomes back to.
type TaskSource interface {
	// SelectTasks returns eligible tasks, oldest first, at most max.
	SelectTasks(ctx context.Context, max int) ([]models.TaskRef, error)
	GetContact(ctx context.Context, contactID string) (*models.Contact, error)
	// UpdateContactAddress patches the mailing address onto the contact.
	UpdateContactAddress(ctx context.Context, contactID string, addr *models.MailingAddress) error
	MarkTaskInProgress(ctx context.Context, taskID string) error
	MarkTaskCompleted(ctx context.Context, taskID string) error
	MarkTaskNotCompleted(ctx context.Context, taskID string) error
	// AttachFile attaches a document to the task record.
	AttachFile(ctx context.Context, taskID, filename string, data []byte) error
	CreateFollowUpTask(ctx context.Context, contactID, subject string, due time.Time) (string, error)
}

// ProfileStore resolves external profile data for a contact.
type ProfileStore interface {
	GetProfile(ctx context.Context, profileID string) (*models.Profile, error)
}

// DossierGenerator produces research dossiers for a contact and their
// company.
type DossierGenerator interface {
	GenerateDossier(ctx context.Context, contact *models.Contact, profile *models.Profile) (*models.DossierBundle, error)
}

// LetterGenerator drafts and revises outreach letters.
type LetterGenerator interface {
	GenerateLetter(ctx context.Context, contact *models.Contact, dossier *models.DossierBundle) (*models.LetterContent, error)
	ReviseLetter(ctx context.Context, previous *models.LetterContent, feedback *models.Feedback, dossier *models.DossierBundle) (*models.LetterContent, error)
}

// DocumentRenderer renders letter content into a printable PDF.
type DocumentRenderer interface {
	RenderLetter(ctx context.Context, letter *models.LetterContent, addr *models.MailingAddress) ([]byte, error)
}

// MailCarrier submits rendered letters for physical delivery.
type MailCarrier interface {
	// SubmitLetter hands the PDF to the carrier and returns a tracking ID.
	// Implementations must not retry internally; submission is not
	// idempotent on the carrier side.
	SubmitLetter(ctx context.Context, approvalID string, pdf []byte, addr *models.MailingAddress) (string, error)
}

// ApprovalMessenger presents a draft to a human reviewer and requests a
// decision.
type ApprovalMessenger interface {
	SendApprovalRequest(ctx context.Context, record *models.ApprovalRecord) error
}

// Notifier delivers operator notifications. Notification failures never
// fail the workflow step that produced them.
type Notifier interface {
	NotifyDelivered(ctx context.Context, record *models.ApprovalRecord)
	NotifyRejected(ctx context.Context, record *models.ApprovalRecord)
	NotifyFailed(ctx context.Context, record *models.ApprovalRecord, cause error)
}

// ApprovalStore persists approval records and serializes mutations per
// approval ID.
type ApprovalStore interface {
	Create(ctx context.Context, record *models.ApprovalRecord) error
	Get(ctx context.Context, approvalID string) (*models.ApprovalRecord, error)
	// ActiveByTask returns the non-terminal record for a task, or nil.
	ActiveByTask(ctx context.Context, taskID string) (*models.ApprovalRecord, error)
	ListByState(ctx context.Context, state models.ApprovalState) ([]*models.ApprovalRecord, error)
	Update(ctx context.Context, record *models.ApprovalRecord) error
	// MarkDeliveryStarted records the delivery attempt before the carrier
	// call so an interrupted submission is distinguishable on restart.
	MarkDeliveryStarted(ctx context.Context, approvalID string, at time.Time) error
	Archive(ctx context.Context, record *models.ApprovalRecord) error
	ListArchived(ctx context.Context, limit int) ([]*models.ApprovalRecord, error)
	// WithLock runs fn while holding the per-approval mutation lock.
	WithLock(approvalID string, fn func() error) error
	StateCounts(ctx context.Context) (map[models.ApprovalState]int, error)
}

// TriggerStore persists workflow trigger records for idempotent intake.
type TriggerStore interface {
	Create(ctx context.Context, trigger *models.WorkflowTrigger) error
	Get(ctx context.Context, triggerID string) (*models.WorkflowTrigger, error)
	MarkProcessed(ctx context.Context, triggerID string, result string) error
}

// EventPublisher broadcasts workflow lifecycle events to live subscribers.
type EventPublisher interface {
	Publish(event StreamEvent)
}

// StreamEvent is a lifecycle event emitted by the orchestrator.
type StreamEvent struct {
	Type       string               `json:"type"`
	ApprovalID string               `json:"approval_id,omitempty"`
	TaskID     string               `json:"task_id,omitempty"`
	State      models.ApprovalState `json:"state,omitempty"`
	Detail     string               `json:"detail,omitempty"`
	At         time.Time            `json:"at"`
}
