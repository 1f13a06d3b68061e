package workflow

import (
	"fmt"

	"github.com/lennardhq/letterflow/internal/models"
)

// Event is a reviewer decision or pipeline outcome that can cause a state
// transition.
type Event string

const (
	EventRequestChanges   Event = "REQUEST_CHANGES"
	EventRegenerate       Event = "REGENERATE"
	EventApprove          Event = "APPROVE"
	EventReject           Event = "REJECT"
	EventCompleteDelivery Event = "COMPLETE_DELIVERY"
	EventFailDelivery     Event = "FAIL_DELIVERY"
	EventFail             Event = "FAIL"
)

// String returns the string representation of the event.
func (e Event) String() string { return string(e) }

// StateMachine validates approval-state transitions. It holds only the
// transition table; current state lives on the ApprovalRecord.
type StateMachine struct {
	transitions map[models.ApprovalState]map[Event]models.ApprovalState
}

// Builder configures a StateMachine.
type Builder struct {
	transitions map[models.ApprovalState]map[Event]models.ApprovalState
}

// NewBuilder creates a new state machine builder.
func NewBuilder() *Builder {
	return &Builder{
		transitions: make(map[models.ApprovalState]map[Event]models.ApprovalState),
	}
}

// Permit allows event to transition from one state to another.
func (b *Builder) Permit(from models.ApprovalState, event Event, to models.ApprovalState) *Builder {
	if !from.IsValid() || !to.IsValid() {
		panic(fmt.Sprintf("invalid state in transition %s -%s-> %s", from, event, to))
	}
	if b.transitions[from] == nil {
		b.transitions[from] = make(map[Event]models.ApprovalState)
	}
	b.transitions[from][event] = to
	return b
}

// Build creates the immutable state machine.
func (b *Builder) Build() *StateMachine {
	copied := make(map[models.ApprovalState]map[Event]models.ApprovalState, len(b.transitions))
	for from, events := range b.transitions {
		inner := make(map[Event]models.ApprovalState, len(events))
		for ev, to := range events {
			inner[ev] = to
		}
		copied[from] = inner
	}
	return &StateMachine{transitions: copied}
}

// CanFire returns true if event is permitted in the given state.
func (m *StateMachine) CanFire(from models.ApprovalState, event Event) bool {
	_, ok := m.transitions[from][event]
	return ok
}

// Fire returns the state reached by firing event from the given state.
func (m *StateMachine) Fire(from models.ApprovalState, event Event) (models.ApprovalState, error) {
	to, ok := m.transitions[from][event]
	if !ok {
		return from, fmt.Errorf("%w: cannot fire %s from %s", ErrInvalidTransition, event, from)
	}
	return to, nil
}

// PermittedEvents returns all events that can be fired from the given state.
func (m *StateMachine) PermittedEvents(from models.ApprovalState) []Event {
	events := make([]Event, 0, len(m.transitions[from]))
	for ev := range m.transitions[from] {
		events = append(events, ev)
	}
	return events
}

// NewApprovalMachine builds the approval lifecycle machine.
//
// APPROVED is deliberately split from COMPLETED: human approval alone is
// not success. Delivery and the CRM status update must both commit before
// the record is terminal, and a crash in between resumes at the delivery
// step by reloading the APPROVED record, never by re-asking for approval.
func NewApprovalMachine() *StateMachine {
	b := NewBuilder()

	b.Permit(models.StatePendingApproval, EventRequestChanges, models.StateNeedsImprovement)
	b.Permit(models.StatePendingApproval, EventApprove, models.StateApproved)
	b.Permit(models.StatePendingApproval, EventReject, models.StateRejected)
	b.Permit(models.StatePendingApproval, EventFail, models.StateFailed)

	b.Permit(models.StateNeedsImprovement, EventRegenerate, models.StatePendingApproval)
	b.Permit(models.StateNeedsImprovement, EventFail, models.StateFailed)

	b.Permit(models.StateApproved, EventCompleteDelivery, models.StateCompleted)
	b.Permit(models.StateApproved, EventFailDelivery, models.StateFailed)
	b.Permit(models.StateApproved, EventFail, models.StateFailed)

	return b.Build()
}
