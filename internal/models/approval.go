package models

import (
	"time"

	"github.com/google/uuid"
)

// ApprovalState is a state in the approval lifecycle.
type ApprovalState string

const (
	// StatePendingApproval: the letter has been dispatched to the reviewer
	// and the pipeline is suspended waiting for a decision.
	StatePendingApproval ApprovalState = "PENDING_APPROVAL"
	// StateNeedsImprovement: feedback received, a revised letter is being
	// generated. Transient; the record returns to PENDING_APPROVAL once the
	// revision is dispatched.
	StateNeedsImprovement ApprovalState = "NEEDS_IMPROVEMENT"
	// StateApproved: the reviewer approved but physical delivery has not
	// committed yet. Delivery resumes from here after a restart.
	StateApproved ApprovalState = "APPROVED"
	// StateCompleted: delivery and CRM update succeeded. Terminal.
	StateCompleted ApprovalState = "COMPLETED"
	// StateRejected: the reviewer rejected the letter. Terminal.
	StateRejected ApprovalState = "REJECTED"
	// StateFailed: an unrecoverable error occurred. Terminal.
	StateFailed ApprovalState = "FAILED"
)

var validStates = map[ApprovalState]bool{
	StatePendingApproval:  true,
	StateNeedsImprovement: true,
	StateApproved:         true,
	StateCompleted:        true,
	StateRejected:         true,
	StateFailed:           true,
}

var terminalStates = map[ApprovalState]bool{
	StateCompleted: true,
	StateRejected:  true,
	StateFailed:    true,
}

// IsValid returns true if the state is a known approval state.
func (s ApprovalState) IsValid() bool {
	return validStates[s]
}

// IsTerminal returns true if no further transition is permitted.
func (s ApprovalState) IsTerminal() bool {
	return terminalStates[s]
}

// String returns the string representation of the state.
func (s ApprovalState) String() string {
	return string(s)
}

// ApprovalRecord is the durable unit of state tracking one letter from
// generation through delivery or rejection. Created once after letter
// generation succeeds, mutated only through state-machine transitions,
// and archived (never deleted) on reaching a terminal state.
type ApprovalRecord struct {
	ApprovalID        string               `json:"approval_id"`
	TaskID            string               `json:"task_id"`
	ContactID         string               `json:"contact_id"`
	State             ApprovalState        `json:"state"`
	RecipientName     string               `json:"recipient_name"`
	CompanyName       string               `json:"company_name"`
	CurrentLetter     LetterContent        `json:"current_letter"`
	LetterHistory     []LetterHistoryEntry `json:"letter_history"`
	MailingAddress    *MailingAddress      `json:"mailing_address,omitempty"`
	Metadata          DossierMetadata      `json:"metadata"`
	RenderedPDF       []byte               `json:"-"`
	TrackingID        string               `json:"tracking_id,omitempty"`
	ErrorDetail       string               `json:"error_detail,omitempty"`
	DeliveryStartedAt *time.Time           `json:"delivery_started_at,omitempty"`
	CreatedAt         time.Time            `json:"created_at"`
	UpdatedAt         time.Time            `json:"updated_at"`
	ArchivedAt        *time.Time           `json:"archived_at,omitempty"`
}

// NewApprovalRecord creates a record in PENDING_APPROVAL with the first
// letter iteration already recorded in the history.
func NewApprovalRecord(task TaskRef, contact *Contact, dossier *DossierBundle, letter LetterContent) *ApprovalRecord {
	now := time.Now().UTC()
	rec := &ApprovalRecord{
		ApprovalID:    uuid.NewString(),
		TaskID:        task.ID,
		ContactID:     contact.ID,
		State:         StatePendingApproval,
		RecipientName: contact.FullName,
		CompanyName:   dossier.CompanyName,
		CurrentLetter: letter,
		LetterHistory: []LetterHistoryEntry{{
			Iteration: 1,
			Content:   letter,
			CreatedAt: now,
		}},
		MailingAddress: contact.MailingAddress,
		Metadata:       dossier.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	return rec
}

// CurrentIteration returns the iteration number of the current letter.
func (r *ApprovalRecord) CurrentIteration() int {
	return len(r.LetterHistory)
}

// AddFeedback attaches reviewer feedback to the current iteration.
func (r *ApprovalRecord) AddFeedback(text, providedBy string) {
	now := time.Now().UTC()
	if n := len(r.LetterHistory); n > 0 {
		r.LetterHistory[n-1].Feedback = &Feedback{
			Text:       text,
			ProvidedBy: providedBy,
			ProvidedAt: now,
		}
	}
	r.UpdatedAt = now
}

// AddRevisedLetter appends a regenerated letter as a new iteration and
// makes it current. The rendered PDF of the prior iteration is discarded;
// the caller re-renders before dispatch.
func (r *ApprovalRecord) AddRevisedLetter(letter LetterContent) {
	now := time.Now().UTC()
	r.LetterHistory = append(r.LetterHistory, LetterHistoryEntry{
		Iteration: r.CurrentIteration() + 1,
		Content:   letter,
		CreatedAt: now,
	})
	r.CurrentLetter = letter
	r.RenderedPDF = nil
	r.UpdatedAt = now
}

// LastFeedback returns the most recent feedback text in the history, or
// empty if no feedback was ever provided.
func (r *ApprovalRecord) LastFeedback() string {
	for i := len(r.LetterHistory) - 1; i >= 0; i-- {
		if fb := r.LetterHistory[i].Feedback; fb != nil {
			return fb.Text
		}
	}
	return ""
}
