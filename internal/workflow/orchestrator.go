package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lennardhq/letterflow/internal/models"
)

// Config tunes the orchestrator.
type Config struct {
	// MaxTasksPerRun caps how many tasks one trigger may select.
	MaxTasksPerRun int
	// MaxConcurrent caps tasks processed in parallel within a run.
	MaxConcurrent int
	// MaxRevisions caps letter iterations per approval. Zero means
	// unlimited revisions.
	MaxRevisions int
	// FollowUpDelay is how far in the future the post-delivery follow-up
	// task is due.
	FollowUpDelay time.Duration
	// SenderName is printed as the letter signature.
	SenderName string
}

// Metrics receives orchestrator counters. Implementations must be safe for
// concurrent use.
type Metrics interface {
	TaskProcessed(success bool)
	DecisionHandled(kind models.DecisionKind)
	LetterDelivered()
	ApprovalFailed(step string)
}

type nopMetrics struct{}

func (nopMetrics) TaskProcessed(bool)                  {}
func (nopMetrics) DecisionHandled(models.DecisionKind) {}
func (nopMetrics) LetterDelivered()                    {}
func (nopMetrics) ApprovalFailed(string)               {}

type nopPublisher struct{}

func (nopPublisher) Publish(StreamEvent) {}

// Orchestrator runs the letter pipeline: task intake, dossier research,
// letter drafting, human approval, physical delivery and CRM reporting.
type Orchestrator struct {
	logger   *zap.Logger
	machine  *StateMachine
	store    ApprovalStore
	triggers TriggerStore
	intake   *Intake

	tasks     TaskSource
	profiles  ProfileStore
	dossiers  DossierGenerator
	letters   LetterGenerator
	renderer  DocumentRenderer
	carrier   MailCarrier
	messenger ApprovalMessenger
	notifier  Notifier
	events    EventPublisher
	metrics   Metrics

	policy RetryPolicy
	cfg    Config
}

// NewOrchestrator wires the pipeline together.
func NewOrchestrator(
	cfg Config,
	store ApprovalStore,
	triggers TriggerStore,
	tasks TaskSource,
	profiles ProfileStore,
	dossiers DossierGenerator,
	letters LetterGenerator,
	renderer DocumentRenderer,
	carrier MailCarrier,
	messenger ApprovalMessenger,
	notifier Notifier,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.MaxTasksPerRun <= 0 {
		cfg.MaxTasksPerRun = 10
	}
	policy := DefaultRetryPolicy()
	return &Orchestrator{
		logger:    logger,
		machine:   NewApprovalMachine(),
		store:     store,
		triggers:  triggers,
		intake:    NewIntake(tasks, policy, logger),
		tasks:     tasks,
		profiles:  profiles,
		dossiers:  dossiers,
		letters:   letters,
		renderer:  renderer,
		carrier:   carrier,
		messenger: messenger,
		notifier:  notifier,
		events:    nopPublisher{},
		metrics:   nopMetrics{},
		policy:    policy,
		cfg:       cfg,
	}
}

// SetEventPublisher installs a live event sink. Call before StartAll.
func (o *Orchestrator) SetEventPublisher(p EventPublisher) {
	if p != nil {
		o.events = p
	}
}

// SetMetrics installs a metrics recorder. Call before StartAll.
func (o *Orchestrator) SetMetrics(m Metrics) {
	if m != nil {
		o.metrics = m
	}
}

// Intake exposes intake health for the health endpoint.
func (o *Orchestrator) Intake() *Intake { return o.intake }

// ProcessTrigger selects eligible tasks and runs the pipeline for each,
// bounded by the concurrency cap. The trigger record is marked processed
// with a JSON summary of per-task outcomes.
func (o *Orchestrator) ProcessTrigger(ctx context.Context, trigger *models.WorkflowTrigger) ([]models.TaskResult, error) {
	max := trigger.MaxTasks
	if max <= 0 || max > o.cfg.MaxTasksPerRun {
		max = o.cfg.MaxTasksPerRun
	}

	o.logger.Info("Processing workflow trigger",
		zap.String("trigger_id", trigger.TriggerID),
		zap.Int("max_tasks", max),
		zap.Bool("dry_run", trigger.DryRun))

	tasks := o.intake.Select(ctx, max)

	results := make([]models.TaskResult, len(tasks))
	if trigger.DryRun {
		for i, task := range tasks {
			results[i] = models.TaskResult{
				TaskID:      task.ID,
				ContactName: task.ContactName,
				Success:     true,
				Detail:      "dry run, task not processed",
				ProcessedAt: time.Now().UTC(),
			}
		}
	} else {
		sem := make(chan struct{}, o.cfg.MaxConcurrent)
		var wg sync.WaitGroup
		for i, task := range tasks {
			wg.Add(1)
			sem <- struct{}{}
			go func(i int, task models.TaskRef) {
				defer wg.Done()
				defer func() { <-sem }()
				results[i] = o.processTask(ctx, task)
			}(i, task)
		}
		wg.Wait()
	}

	summary, err := json.Marshal(results)
	if err != nil {
		summary = []byte(fmt.Sprintf(`{"error":%q}`, err.Error()))
	}
	if err := o.triggers.MarkProcessed(ctx, trigger.TriggerID, string(summary)); err != nil {
		o.logger.Error("Failed to mark trigger processed",
			zap.String("trigger_id", trigger.TriggerID),
			zap.Error(err))
	}

	o.events.Publish(StreamEvent{
		Type:   "trigger_processed",
		Detail: fmt.Sprintf("trigger %s processed %d tasks", trigger.TriggerID, len(tasks)),
		At:     time.Now().UTC(),
	})
	return results, nil
}

// processTask runs the pre-approval pipeline for one task: contact lookup,
// profile and dossier research, letter drafting, PDF rendering and the
// approval request. The task ends suspended in PENDING_APPROVAL.
func (o *Orchestrator) processTask(ctx context.Context, task models.TaskRef) models.TaskResult {
	result := models.TaskResult{
		TaskID:      task.ID,
		ContactName: task.ContactName,
		ProcessedAt: time.Now().UTC(),
	}
	log := o.logger.With(zap.String("task_id", task.ID), zap.String("contact", task.ContactName))

	if active, err := o.store.ActiveByTask(ctx, task.ID); err != nil {
		result.Detail = fmt.Sprintf("checking for active approval: %v", err)
		return o.taskFailed(ctx, log, task, nil, result, err)
	} else if active != nil {
		log.Info("task already has an in-flight approval, skipping",
			zap.String("approval_id", active.ApprovalID),
			zap.String("state", active.State.String()))
		result.Success = true
		result.ApprovalID = active.ApprovalID
		result.Detail = "skipped, approval already in flight"
		return result
	}

	// Mark in progress first so a second selection pass cannot pick the
	// same task up while research is running.
	if err := o.retryStep(ctx, "mark_in_progress", func(ctx context.Context) error {
		return o.tasks.MarkTaskInProgress(ctx, task.ID)
	}); err != nil {
		result.Detail = fmt.Sprintf("marking task in progress: %v", err)
		return o.taskFailed(ctx, log, task, nil, result, err)
	}

	var contact *models.Contact
	if err := o.retryStep(ctx, "load_contact", func(ctx context.Context) error {
		var err error
		contact, err = o.tasks.GetContact(ctx, task.ContactID)
		return err
	}); err != nil {
		result.Detail = fmt.Sprintf("loading contact: %v", err)
		return o.taskFailed(ctx, log, task, nil, result, err)
	}
	if contact.ProfileID == "" {
		err := NewValidationError("load_contact", fmt.Errorf("contact %s has no profile identifier", contact.ID))
		result.Detail = err.Error()
		return o.taskFailed(ctx, log, task, nil, result, err)
	}

	var profile *models.Profile
	if err := o.retryStep(ctx, "load_profile", func(ctx context.Context) error {
		var err error
		profile, err = o.profiles.GetProfile(ctx, contact.ProfileID)
		return err
	}); err != nil {
		result.Detail = fmt.Sprintf("loading profile: %v", err)
		return o.taskFailed(ctx, log, task, nil, result, err)
	}

	var dossier *models.DossierBundle
	if err := o.retryStep(ctx, "generate_dossier", func(ctx context.Context) error {
		var err error
		dossier, err = o.dossiers.GenerateDossier(ctx, contact, profile)
		return err
	}); err != nil {
		result.Detail = fmt.Sprintf("generating dossier: %v", err)
		return o.taskFailed(ctx, log, task, nil, result, err)
	}
	result.CompanyName = dossier.CompanyName

	// A researched address is patched onto the contact only when the CRM
	// has none. The researched address is adopted for this run even when
	// the CRM write fails; the patch is a courtesy to the CRM, not a
	// precondition for delivery.
	if !contact.MailingAddress.IsValid() && dossier.MailingAddress.IsValid() {
		if err := o.tasks.UpdateContactAddress(ctx, contact.ID, dossier.MailingAddress); err != nil {
			log.Warn("failed to patch researched address onto contact", zap.Error(err))
		}
		contact.MailingAddress = dossier.MailingAddress
	}

	var letter *models.LetterContent
	if err := o.retryStep(ctx, "generate_letter", func(ctx context.Context) error {
		var err error
		letter, err = o.letters.GenerateLetter(ctx, contact, dossier)
		return err
	}); err != nil {
		result.Detail = fmt.Sprintf("generating letter: %v", err)
		return o.taskFailed(ctx, log, task, nil, result, err)
	}
	if o.cfg.SenderName != "" && letter.SenderName == "" {
		letter.SenderName = o.cfg.SenderName
	}

	record := models.NewApprovalRecord(task, contact, dossier, *letter)
	if err := o.store.Create(ctx, record); err != nil {
		if errors.Is(err, ErrDuplicateApproval) {
			log.Info("concurrent run created an approval for this task, skipping")
			result.Success = true
			result.Detail = "skipped, approval created concurrently"
			return result
		}
		result.Detail = fmt.Sprintf("persisting approval: %v", err)
		return o.taskFailed(ctx, log, task, nil, result, err)
	}
	result.ApprovalID = record.ApprovalID
	log = log.With(zap.String("approval_id", record.ApprovalID))

	if err := o.renderAndDispatch(ctx, log, record); err != nil {
		result.Detail = err.Error()
		return o.taskFailed(ctx, log, task, record, result, err)
	}

	log.Info("letter awaiting human approval",
		zap.String("company", record.CompanyName),
		zap.Int("iteration", record.CurrentIteration()))
	o.events.Publish(StreamEvent{
		Type:       "approval_requested",
		ApprovalID: record.ApprovalID,
		TaskID:     task.ID,
		State:      record.State,
		At:         time.Now().UTC(),
	})
	o.metrics.TaskProcessed(true)

	result.Success = true
	result.Detail = "awaiting approval"
	return result
}

// renderAndDispatch renders the current letter to PDF, persists it and
// sends the approval request.
func (o *Orchestrator) renderAndDispatch(ctx context.Context, log *zap.Logger, record *models.ApprovalRecord) error {
	var pdf []byte
	if err := o.retryStep(ctx, "render_pdf", func(ctx context.Context) error {
		var err error
		pdf, err = o.renderer.RenderLetter(ctx, &record.CurrentLetter, record.MailingAddress)
		return err
	}); err != nil {
		return fmt.Errorf("rendering letter: %w", err)
	}
	record.RenderedPDF = pdf
	if err := o.store.Update(ctx, record); err != nil {
		return fmt.Errorf("persisting rendered letter: %w", err)
	}

	if err := o.retryStep(ctx, "request_approval", func(ctx context.Context) error {
		return o.messenger.SendApprovalRequest(ctx, record)
	}); err != nil {
		return fmt.Errorf("requesting approval: %w", err)
	}
	log.Debug("approval request dispatched", zap.Int("pdf_bytes", len(pdf)))
	return nil
}

/// taskFailed records a pipeline failure: the approval record (if one
// exists) transitions to FAILED, the CRM task is reopened and the
// operator is notified.
func (o *Orchestrator) taskFailed(ctx context.Context, log *zap.Logger, task models.TaskRef, record *models.ApprovalRecord, result models.TaskResult, cause error) models.TaskResult {
	kind := KindOf(cause)
	log.Error("task pipeline failed",
		zap.String("error_kind", string(kind)),
		zap.Error(cause))
	o.metrics.TaskProcessed(false)
	o.metrics.ApprovalFailed(stepOf(cause))

	if record != nil {
		o.failRecord(ctx, record, cause)
	}
	if err := o.tasks.MarkTaskNotCompleted(ctx, task.ID); err != nil {
		log.Warn("failed to reopen task after pipeline failure", zap.Error(err))
	}
	if record != nil {
		o.notifier.NotifyFailed(ctx, record, cause)
	}
	o.events.Publish(StreamEvent{
		Type:   "task_failed",
		TaskID: task.ID,
		Detail: cause.Error(),
		At:     time.Now().UTC(),
	})
	return result
}

// failRecord moves a record to FAILED under its mutation lock and archives
// it. Records already terminal are left untouched.
func (o *Orchestrator) failRecord(ctx context.Context, record *models.ApprovalRecord, cause error) {
	err := o.store.WithLock(record.ApprovalID, func() error {
		current, err := o.store.Get(ctx, record.ApprovalID)
		if err != nil {
			return err
		}
		event := EventFail
		if current.State == models.StateApproved {
			event = EventFailDelivery
		}
		next, err := o.machine.Fire(current.State, event)
		if err != nil {
			return err
		}
		current.State = next
		current.ErrorDetail = cause.Error()
		current.UpdatedAt = time.Now().UTC()
		if err := o.store.Update(ctx, current); err != nil {
			return err
		}
		*record = *current
		return o.store.Archive(ctx, current)
	})
	if err != nil {
		o.logger.Error("Failed to mark approval as failed",
			zap.String("approval_id", record.ApprovalID),
			zap.Error(err))
	}
}

// HandleDecision applies a reviewer decision to a pending approval. All
// mutation for one approval ID is serialized, so concurrent or duplicate
// decisions resolve to one winner and the rest fail with a conflict.
func (o *Orchestrator) HandleDecision(ctx context.Context, decision models.Decision) error {
	log := o.logger.With(
		zap.String("approval_id", decision.ApprovalID),
		zap.String("decision", string(decision.Kind)))

	var record *models.ApprovalRecord
	err := o.store.WithLock(decision.ApprovalID, func() error {
		var err error
		record, err = o.store.Get(ctx, decision.ApprovalID)
		if err != nil {
			return err
		}
		if record.State.IsTerminal() {
			return NewConflictError("decision", fmt.Errorf("approval %s already %s: %w",
				record.ApprovalID, record.State, ErrInvalidTransition))
		}

		switch decision.Kind {
		case models.DecisionApprove:
			return o.applyApproval(ctx, log, record)
		case models.DecisionReject:
			return o.applyRejection(ctx, log, record, decision)
		case models.DecisionRevise:
			return o.applyRevision(ctx, log, record, decision)
		default:
			return NewValidationError("decision", fmt.Errorf("unknown decision kind %q", decision.Kind))
		}
	})
	if err != nil {
		log.Error("decision handling failed", zap.Error(err))
		return err
	}

	o.metrics.DecisionHandled(decision.Kind)
	o.events.Publish(StreamEvent{
		Type:       "decision_applied",
		ApprovalID: decision.ApprovalID,
		TaskID:     record.TaskID,
		State:      record.State,
		Detail:     string(decision.Kind),
		At:         time.Now().UTC(),
	})
	return nil
}

// applyApproval transitions to APPROVED, persists that fact, then runs
// delivery. The APPROVED state is durable before the carrier is touched:
// a crash mid-delivery resumes from APPROVED, never from the reviewer.
func (o *Orchestrator) applyApproval(ctx context.Context, log *zap.Logger, record *models.ApprovalRecord) error {
	next, err := o.machine.Fire(record.State, EventApprove)
	if err != nil {
		return NewConflictError("approve", err)
	}
	record.State = next
	record.UpdatedAt = time.Now().UTC()
	if err := o.store.Update(ctx, record); err != nil {
		return fmt.Errorf("persisting approval: %w", err)
	}
	log.Info("letter approved", zap.Int("iteration", record.CurrentIteration()))
	return o.deliver(ctx, log, record)
}

func (o *Orchestrator) applyRejection(ctx context.Context, log *zap.Logger, record *models.ApprovalRecord, decision models.Decision) error {
	next, err := o.machine.Fire(record.State, EventReject)
	if err != nil {
		return NewConflictError("reject", err)
	}
	record.State = next
	if decision.Feedback != "" {
		record.AddFeedback(decision.Feedback, decision.DecidedBy)
	}
	record.UpdatedAt = time.Now().UTC()
	if err := o.store.Update(ctx, record); err != nil {
		return fmt.Errorf("persisting rejection: %w", err)
	}
	if err := o.store.Archive(ctx, record); err != nil {
		return fmt.Errorf("archiving rejected approval: %w", err)
	}

	if err := o.tasks.MarkTaskNotCompleted(ctx, record.TaskID); err != nil {
		log.Warn("failed to reopen task after rejection", zap.Error(err))
	}
	o.notifier.NotifyRejected(ctx, record)
	log.Info("letter rejected", zap.Int("iterations", record.CurrentIteration()))
	return nil
}

// applyRevision records feedback, revises the letter and re-dispatches the
// new draft for approval. The revision cap, when configured, is a policy
// limit: exceeding it fails the decision but leaves the record pending.
func (o *Orchestrator) applyRevision(ctx context.Context, log *zap.Logger, record *models.ApprovalRecord, decision models.Decision) error {
	if o.cfg.MaxRevisions > 0 && record.CurrentIteration() >= o.cfg.MaxRevisions {
		return NewPolicyError("revise", fmt.Errorf("approval %s reached the revision limit of %d iterations",
			record.ApprovalID, o.cfg.MaxRevisions))
	}
	if decision.Feedback == "" {
		return NewValidationError("revise", fmt.Errorf("change request for %s carries no feedback", record.ApprovalID))
	}

	next, err := o.machine.Fire(record.State, EventRequestChanges)
	if err != nil {
		return NewConflictError("revise", err)
	}
	record.State = next
	record.AddFeedback(decision.Feedback, decision.DecidedBy)
	if err := o.store.Update(ctx, record); err != nil {
		return fmt.Errorf("persisting change request: %w", err)
	}

	return o.regenerate(ctx, log, record)
}

// regenerate revises the current letter against the latest feedback and
// returns the record to PENDING_APPROVAL with a fresh approval request.
// An adapter error that survives the retries fails the record: the
// reviewer already answered, so nothing else will ever move it again.
func (o *Orchestrator) regenerate(ctx context.Context, log *zap.Logger, record *models.ApprovalRecord) error {
	feedback := &models.Feedback{Text: record.LastFeedback()}

	var revised *models.LetterContent
	if err := o.retryStep(ctx, "revise_letter", func(ctx context.Context) error {
		var err error
		revised, err = o.letters.ReviseLetter(ctx, &record.CurrentLetter, feedback, nil)
		return err
	}); err != nil {
		err = fmt.Errorf("revising letter: %w", err)
		o.failRevision(ctx, log, record, err)
		return err
	}
	if o.cfg.SenderName != "" && revised.SenderName == "" {
		revised.SenderName = o.cfg.SenderName
	}
	record.AddRevisedLetter(*revised)

	next, err := o.machine.Fire(record.State, EventRegenerate)
	if err != nil {
		return NewConflictError("regenerate", err)
	}
	record.State = next
	if err := o.store.Update(ctx, record); err != nil {
		return fmt.Errorf("persisting revised letter: %w", err)
	}

	if err := o.renderAndDispatch(ctx, log, record); err != nil {
		o.failRevision(ctx, log, record, err)
		return err
	}
	log.Info("revised letter awaiting approval", zap.Int("iteration", record.CurrentIteration()))
	o.events.Publish(StreamEvent{
		Type:       "approval_requested",
		ApprovalID: record.ApprovalID,
		TaskID:     record.TaskID,
		State:      record.State,
		At:         time.Now().UTC(),
	})
	return nil
}

// failRevision moves a record stuck in the revision loop to FAILED,
// reopens the CRM task and notifies the operator. Called with the
// per-approval lock already held, so it must not take it again.
func (o *Orchestrator) failRevision(ctx context.Context, log *zap.Logger, record *models.ApprovalRecord, cause error) {
	next, err := o.machine.Fire(record.State, EventFail)
	if err != nil {
		log.Error("cannot fail revision from current state",
			zap.String("state", record.State.String()),
			zap.Error(err))
		return
	}
	record.State = next
	record.ErrorDetail = cause.Error()
	record.UpdatedAt = time.Now().UTC()
	if err := o.store.Update(ctx, record); err != nil {
		log.Error("failed to persist revision failure", zap.Error(err))
		return
	}
	if err := o.store.Archive(ctx, record); err != nil {
		log.Error("failed to archive failed revision", zap.Error(err))
	}
	if err := o.tasks.MarkTaskNotCompleted(ctx, record.TaskID); err != nil {
		log.Warn("failed to reopen task after revision failure", zap.Error(err))
	}
	o.metrics.ApprovalFailed(stepOf(cause))
	o.notifier.NotifyFailed(ctx, record, cause)
	o.events.Publish(StreamEvent{
		Type:       "revision_failed",
		ApprovalID: record.ApprovalID,
		TaskID:     record.TaskID,
		State:      record.State,
		Detail:     cause.Error(),
		At:         time.Now().UTC(),
	})
}

// deliver submits the approved letter to the mail carrier exactly once.
// The delivery start is persisted before the carrier call; a crash between
// the two leaves a marker that recovery refuses to re-submit.
func (o *Orchestrator) deliver(ctx context.Context, log *zap.Logger, record *models.ApprovalRecord) error {
	if !record.MailingAddress.IsValid() {
		err := NewDeliveryError("deliver", fmt.Errorf("approval %s has no deliverable mailing address", record.ApprovalID))
		o.failDelivery(ctx, log, record, err)
		return err
	}

	// The letter is re-rendered at delivery time, now with the full
	// address block. The preview persisted for the reviewer is only a
	// fallback when the renderer is unavailable; the approved letter
	// content is immutable either way.
	var pdf []byte
	if err := o.retryStep(ctx, "render_pdf", func(ctx context.Context) error {
		var err error
		pdf, err = o.renderer.RenderLetter(ctx, &record.CurrentLetter, record.MailingAddress)
		return err
	}); err != nil {
		if record.RenderedPDF == nil {
			err = NewDeliveryError("deliver", fmt.Errorf("rendering approved letter: %w", err))
			o.failDelivery(ctx, log, record, err)
			return err
		}
		log.Warn("re-render failed, delivering the reviewed preview", zap.Error(err))
	} else {
		record.RenderedPDF = pdf
		if err := o.store.Update(ctx, record); err != nil {
			return fmt.Errorf("persisting rendered letter: %w", err)
		}
	}

	startedAt := time.Now().UTC()
	if err := o.store.MarkDeliveryStarted(ctx, record.ApprovalID, startedAt); err != nil {
		return fmt.Errorf("recording delivery start: %w", err)
	}
	record.DeliveryStartedAt = &startedAt

	trackingID, err := o.carrier.SubmitLetter(ctx, record.ApprovalID, record.RenderedPDF, record.MailingAddress)
	if err != nil {
		derr := NewDeliveryError("deliver", err)
		o.failDelivery(ctx, log, record, derr)
		return derr
	}

	next, err := o.machine.Fire(record.State, EventCompleteDelivery)
	if err != nil {
		return NewConflictError("deliver", err)
	}
	record.State = next
	record.TrackingID = trackingID
	record.UpdatedAt = time.Now().UTC()
	if err := o.store.Update(ctx, record); err != nil {
		return fmt.Errorf("persisting delivery: %w", err)
	}
	if err := o.store.Archive(ctx, record); err != nil {
		return fmt.Errorf("archiving delivered approval: %w", err)
	}

	o.reportDelivery(ctx, log, record)
	o.metrics.LetterDelivered()
	o.notifier.NotifyDelivered(ctx, record)
	o.events.Publish(StreamEvent{
		Type:       "letter_delivered",
		ApprovalID: record.ApprovalID,
		TaskID:     record.TaskID,
		State:      record.State,
		Detail:     trackingID,
		At:         time.Now().UTC(),
	})
	log.Info("letter handed to carrier",
		zap.String("tracking_id", trackingID),
		zap.Int("iterations", record.CurrentIteration()))
	return nil
}

// reportDelivery closes the loop in the CRM: the task is completed, the
// letter PDF attached, and a follow-up task scheduled. All best-effort.
func (o *Orchestrator) reportDelivery(ctx context.Context, log *zap.Logger, record *models.ApprovalRecord) {
	if err := o.tasks.MarkTaskCompleted(ctx, record.TaskID); err != nil {
		log.Warn("failed to complete task after delivery", zap.Error(err))
	}
	filename := fmt.Sprintf("letter_%s.pdf", record.ApprovalID)
	if err := o.tasks.AttachFile(ctx, record.TaskID, filename, record.RenderedPDF); err != nil {
		log.Warn("failed to attach letter to task", zap.Error(err))
	}
	if o.cfg.FollowUpDelay > 0 {
		subject := fmt.Sprintf("Follow up on letter to %s", record.RecipientName)
		due := time.Now().UTC().Add(o.cfg.FollowUpDelay)
		if _, err := o.tasks.CreateFollowUpTask(ctx, record.ContactID, subject, due); err != nil {
			log.Warn("failed to create follow-up task", zap.Error(err))
		}
	}
}

// failDelivery moves an approved record to FAILED. Delivery failures are
// never retried automatically: the carrier may have accepted the job
// before the failure surfaced, and a second submission would print and
// mail the letter twice.
func (o *Orchestrator) failDelivery(ctx context.Context, log *zap.Logger, record *models.ApprovalRecord, cause error) {
	next, err := o.machine.Fire(record.State, EventFailDelivery)
	if err != nil {
		log.Error("cannot fail delivery from current state",
			zap.String("state", record.State.String()),
			zap.Error(err))
		return
	}
	record.State = next
	record.ErrorDetail = cause.Error()
	record.UpdatedAt = time.Now().UTC()
	if err := o.store.Update(ctx, record); err != nil {
		log.Error("failed to persist delivery failure", zap.Error(err))
		return
	}
	if err := o.store.Archive(ctx, record); err != nil {
		log.Error("failed to archive failed delivery", zap.Error(err))
	}
	o.metrics.ApprovalFailed("deliver")
	o.notifier.NotifyFailed(ctx, record, cause)
	o.events.Publish(StreamEvent{
		Type:       "delivery_failed",
		ApprovalID: record.ApprovalID,
		TaskID:     record.TaskID,
		State:      record.State,
		Detail:     cause.Error(),
		At:         time.Now().UTC(),
	})
}

// ResumePending restores in-flight approvals after a restart. Approved
// records with no delivery marker finish delivery; records whose delivery
// started but never completed are failed for operator review rather than
// risk a double submission. Records mid-revision are regenerated.
func (o *Orchestrator) ResumePending(ctx context.Context) error {
	approved, err := o.store.ListByState(ctx, models.StateApproved)
	if err != nil {
		return fmt.Errorf("listing approved records: %w", err)
	}
	for _, record := range approved {
		rec := record
		log := o.logger.With(zap.String("approval_id", rec.ApprovalID))
		err := o.store.WithLock(rec.ApprovalID, func() error {
			current, err := o.store.Get(ctx, rec.ApprovalID)
			if err != nil {
				return err
			}
			if current.State != models.StateApproved {
				return nil
			}
			if current.DeliveryStartedAt != nil {
				cause := NewDeliveryError("resume", fmt.Errorf(
					"delivery started at %s but never completed, possible duplicate submission",
					current.DeliveryStartedAt.Format(time.RFC3339)))
				log.Warn("refusing to re-submit interrupted delivery")
				o.failDelivery(ctx, log, current, cause)
				return nil
			}
			log.Info("resuming delivery of approved letter")
			return o.deliver(ctx, log, current)
		})
		if err != nil {
			log.Error("failed to resume approved record", zap.Error(err))
		}
	}

	revising, err := o.store.ListByState(ctx, models.StateNeedsImprovement)
	if err != nil {
		return fmt.Errorf("listing records awaiting revision: %w", err)
	}
	for _, record := range revising {
		rec := record
		log := o.logger.With(zap.String("approval_id", rec.ApprovalID))
		err := o.store.WithLock(rec.ApprovalID, func() error {
			current, err := o.store.Get(ctx, rec.ApprovalID)
			if err != nil {
				return err
			}
			if current.State != models.StateNeedsImprovement {
				return nil
			}
			log.Info("resuming interrupted revision")
			return o.regenerate(ctx, log, current)
		})
		if err != nil {
			log.Error("failed to resume revision", zap.Error(err))
		}
	}
	return nil
}

func (o *Orchestrator) retryStep(ctx context.Context, step string, op func(ctx context.Context) error) error {
	return Retry(ctx, o.logger, o.policy, step, op)
}

func stepOf(err error) string {
	var werr *Error
	if errors.As(err, &werr) && werr.Step != "" {
		return werr.Step
	}
	return "unknown"
}
