package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lennardhq/letterflow/internal/models"
)

type fakeStore struct {
	mu       sync.Mutex
	records  map[string]*models.ApprovalRecord
	archived []*models.ApprovalRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]*models.ApprovalRecord)}
}

func (s *fakeStore) Create(_ context.Context, r *models.ApprovalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.records {
		if existing.TaskID == r.TaskID && !existing.State.IsTerminal() {
			return ErrDuplicateApproval
		}
	}
	cp := *r
	s.records[r.ApprovalID] = &cp
	return nil
}

func (s *fakeStore) Get(_ context.Context, id string) (*models.ApprovalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil, ErrApprovalNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *fakeStore) ActiveByTask(_ context.Context, taskID string) (*models.ApprovalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.TaskID == taskID && !r.State.IsTerminal() {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) ListByState(_ context.Context, state models.ApprovalState) ([]*models.ApprovalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.ApprovalRecord
	for _, r := range s.records {
		if r.State == state {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeStore) Update(_ context.Context, r *models.ApprovalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[r.ApprovalID]; !ok {
		return ErrApprovalNotFound
	}
	cp := *r
	s.records[r.ApprovalID] = &cp
	return nil
}

func (s *fakeStore) MarkDeliveryStarted(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return ErrApprovalNotFound
	}
	r.DeliveryStartedAt = &at
	return nil
}

func (s *fakeStore) Archive(_ context.Context, r *models.ApprovalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.archived = append(s.archived, &cp)
	return nil
}

func (s *fakeStore) ListArchived(_ context.Context, limit int) ([]*models.ApprovalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.archived
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) WithLock(_ string, fn func() error) error { return fn() }

func (s *fakeStore) StateCounts(_ context.Context) (map[models.ApprovalState]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[models.ApprovalState]int)
	for _, r := range s.records {
		counts[r.State]++
	}
	return counts, nil
}

type fakeTriggers struct {
	mu        sync.Mutex
	processed map[string]string
}

func newFakeTriggers() *fakeTriggers { return &fakeTriggers{processed: make(map[string]string)} }

func (t *fakeTriggers) Create(context.Context, *models.WorkflowTrigger) error { return nil }
func (t *fakeTriggers) Get(context.Context, string) (*models.WorkflowTrigger, error) {
	return nil, nil
}
func (t *fakeTriggers) MarkProcessed(_ context.Context, id, result string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.processed[id] = result
	return nil
}

type fakeTasks struct {
	mu           sync.Mutex
	tasks        []models.TaskRef
	contacts     map[string]*models.Contact
	selectErr    error
	inProgress   []string
	completed    []string
	notCompleted []string
	attached     []string
	followUps    []string
	patched      map[string]*models.MailingAddress
	patchErr     error
}

func newFakeTasks() *fakeTasks {
	return &fakeTasks{
		contacts: make(map[string]*models.Contact),
		patched:  make(map[string]*models.MailingAddress),
	}
}

func (f *fakeTasks) SelectTasks(_ context.Context, max int) ([]models.TaskRef, error) {
	if f.selectErr != nil {
		return nil, f.selectErr
	}
	if len(f.tasks) > max {
		return f.tasks[:max], nil
	}
	return f.tasks, nil
}

func (f *fakeTasks) GetContact(_ context.Context, id string) (*models.Contact, error) {
	c, ok := f.contacts[id]
	if !ok {
		return nil, NewValidationError("load_contact", fmt.Errorf("contact %s not found", id))
	}
	cp := *c
	return &cp, nil
}

func (f *fakeTasks) UpdateContactAddress(_ context.Context, id string, addr *models.MailingAddress) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.patchErr != nil {
		return f.patchErr
	}
	f.patched[id] = addr
	return nil
}

func (f *fakeTasks) MarkTaskInProgress(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inProgress = append(f.inProgress, id)
	return nil
}

func (f *fakeTasks) MarkTaskCompleted(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, id)
	return nil
}

func (f *fakeTasks) MarkTaskNotCompleted(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notCompleted = append(f.notCompleted, id)
	return nil
}

func (f *fakeTasks) AttachFile(_ context.Context, id, _ string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached = append(f.attached, id)
	return nil
}

func (f *fakeTasks) CreateFollowUpTask(_ context.Context, contactID, _ string, _ time.Time) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.followUps = append(f.followUps, contactID)
	return "task-followup", nil
}

type fakeProfiles struct{ err error }

func (f *fakeProfiles) GetProfile(_ context.Context, id string) (*models.Profile, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &models.Profile{ProfileID: id, FullName: "Jane Doe", Headline: "CTO"}, nil
}

type fakeDossiers struct {
	addr *models.MailingAddress
	err  error
}

func (f *fakeDossiers) GenerateDossier(_ context.Context, contact *models.Contact, _ *models.Profile) (*models.DossierBundle, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &models.DossierBundle{
		PersonDossier:  "person research",
		CompanyDossier: "company research",
		CompanyName:    "Acme GmbH",
		MailingAddress: f.addr,
		Metadata:       models.DossierMetadata{Industry: "Software"},
		GeneratedAt:    time.Now().UTC(),
	}, nil
}

type fakeLetters struct {
	mu         sync.Mutex
	generated  int
	revised    int
	generate   error
	reviseErr  error
	lastResult *models.LetterContent
}

func (f *fakeLetters) GenerateLetter(_ context.Context, contact *models.Contact, dossier *models.DossierBundle) (*models.LetterContent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.generate != nil {
		return nil, f.generate
	}
	f.generated++
	l := &models.LetterContent{
		Subject:       "Partnership opportunity",
		Greeting:      "Dear " + contact.FullName,
		Body:          "Initial draft.",
		RecipientName: contact.FullName,
		CompanyName:   dossier.CompanyName,
	}
	f.lastResult = l
	return l, nil
}

func (f *fakeLetters) ReviseLetter(_ context.Context, previous *models.LetterContent, feedback *models.Feedback, _ *models.DossierBundle) (*models.LetterContent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reviseErr != nil {
		return nil, f.reviseErr
	}
	f.revised++
	l := *previous
	l.Body = "Revised per: " + feedback.Text
	return &l, nil
}

type fakeRenderer struct {
	mu      sync.Mutex
	renders int
	err     error
}

func (f *fakeRenderer) RenderLetter(context.Context, *models.LetterContent, *models.MailingAddress) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.renders++
	return []byte("%PDF-1.4 rendered"), nil
}

type fakeCarrier struct {
	mu      sync.Mutex
	submits int
	err     error
}

func (f *fakeCarrier) SubmitLetter(context.Context, string, []byte, *models.MailingAddress) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	if f.err != nil {
		return "", f.err
	}
	return fmt.Sprintf("track-%d", f.submits), nil
}

type fakeMessenger struct {
	mu   sync.Mutex
	sent int
	err  error
}

func (f *fakeMessenger) SendApprovalRequest(context.Context, *models.ApprovalRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent++
	return nil
}

type fakeNotifier struct {
	mu        sync.Mutex
	delivered int
	rejected  int
	failed    int
}

func (f *fakeNotifier) NotifyDelivered(context.Context, *models.ApprovalRecord) {
	f.mu.Lock()
	f.delivered++
	f.mu.Unlock()
}

func (f *fakeNotifier) NotifyRejected(context.Context, *models.ApprovalRecord) {
	f.mu.Lock()
	f.rejected++
	f.mu.Unlock()
}

func (f *fakeNotifier) NotifyFailed(context.Context, *models.ApprovalRecord, error) {
	f.mu.Lock()
	f.failed++
	f.mu.Unlock()
}

type fixture struct {
	orch      *Orchestrator
	store     *fakeStore
	triggers  *fakeTriggers
	tasks     *fakeTasks
	letters   *fakeLetters
	renderer  *fakeRenderer
	carrier   *fakeCarrier
	messenger *fakeMessenger
	notifier  *fakeNotifier
	dossiers  *fakeDossiers
}

func newFixture(cfg Config) *fixture {
	f := &fixture{
		store:     newFakeStore(),
		triggers:  newFakeTriggers(),
		tasks:     newFakeTasks(),
		letters:   &fakeLetters{},
		renderer:  &fakeRenderer{},
		carrier:   &fakeCarrier{},
		messenger: &fakeMessenger{},
		notifier:  &fakeNotifier{},
		dossiers:  &fakeDossiers{},
	}
	f.orch = NewOrchestrator(cfg, f.store, f.triggers, f.tasks, &fakeProfiles{},
		f.dossiers, f.letters, f.renderer, f.carrier, f.messenger, f.notifier, zap.NewNop())
	// Retries stay cheap in tests.
	f.orch.policy = RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	return f
}

func validAddress() *models.MailingAddress {
	return &models.MailingAddress{
		Street:     "Musterstr. 1",
		City:       "Berlin",
		PostalCode: "10115",
		Country:    "DE",
	}
}

func (f *fixture) seedTask(taskID, contactID string, addr *models.MailingAddress) {
	f.tasks.tasks = append(f.tasks.tasks, models.TaskRef{
		ID:          taskID,
		Subject:     "Connect on LinkedIn",
		ContactID:   contactID,
		ContactName: "Jane Doe",
		CreatedTime: time.Now().UTC(),
	})
	f.tasks.contacts[contactID] = &models.Contact{
		ID:             contactID,
		FullName:       "Jane Doe",
		ProfileID:      "profile-1",
		MailingAddress: addr,
	}
}

func (f *fixture) seedPendingRecord(t *testing.T, taskID string, addr *models.MailingAddress) *models.ApprovalRecord {
	t.Helper()
	task := models.TaskRef{ID: taskID, ContactID: "c-1", ContactName: "Jane Doe"}
	contact := &models.Contact{ID: "c-1", FullName: "Jane Doe", ProfileID: "p-1", MailingAddress: addr}
	dossier := &models.DossierBundle{CompanyName: "Acme GmbH", MailingAddress: addr}
	letter := models.LetterContent{Subject: "Hello", Body: "Draft", RecipientName: "Jane Doe"}
	record := models.NewApprovalRecord(task, contact, dossier, letter)
	record.RenderedPDF = []byte("%PDF-1.4 seed")
	if err := f.store.Create(context.Background(), record); err != nil {
		t.Fatalf("seeding record: %v", err)
	}
	if err := f.store.Update(context.Background(), record); err != nil {
		t.Fatalf("seeding record pdf: %v", err)
	}
	return record
}

func TestProcessTriggerHappyPath(t *testing.T) {
	f := newFixture(Config{MaxTasksPerRun: 5, MaxConcurrent: 2})
	f.seedTask("task-1", "contact-1", validAddress())

	trigger := models.NewWorkflowTrigger("tester", 5)
	results, err := f.orch.ProcessTrigger(context.Background(), trigger)
	if err != nil {
		t.Fatalf("ProcessTrigger: %v", err)
	}
	if len(results) != 1 || !results[0].Success {
		t.Fatalf("unexpected results: %+v", results)
	}

	record, err := f.store.ActiveByTask(context.Background(), "task-1")
	if err != nil || record == nil {
		t.Fatalf("expected active approval, got %v, %v", record, err)
	}
	if record.State != models.StatePendingApproval {
		t.Errorf("state = %s, want PENDING_APPROVAL", record.State)
	}
	if record.CurrentIteration() != 1 {
		t.Errorf("iteration = %d, want 1", record.CurrentIteration())
	}
	if f.messenger.sent != 1 {
		t.Errorf("approval requests sent = %d, want 1", f.messenger.sent)
	}
	if len(f.tasks.inProgress) != 1 {
		t.Errorf("tasks marked in progress = %d, want 1", len(f.tasks.inProgress))
	}
	if f.carrier.submits != 0 {
		t.Errorf("carrier called before approval: %d submits", f.carrier.submits)
	}
	if _, ok := f.triggers.processed[trigger.TriggerID]; !ok {
		t.Error("trigger was not marked processed")
	}
}

func TestProcessTriggerSkipsTaskWithActiveApproval(t *testing.T) {
	f := newFixture(Config{})
	f.seedTask("task-1", "contact-1", validAddress())
	existing := f.seedPendingRecord(t, "task-1", validAddress())

	results, err := f.orch.ProcessTrigger(context.Background(), models.NewWorkflowTrigger("tester", 5))
	if err != nil {
		t.Fatalf("ProcessTrigger: %v", err)
	}
	if !results[0].Success || results[0].ApprovalID != existing.ApprovalID {
		t.Errorf("expected skip referencing %s, got %+v", existing.ApprovalID, results[0])
	}
	if f.letters.generated != 0 {
		t.Errorf("letter generated for skipped task")
	}
	if len(f.tasks.inProgress) != 0 {
		t.Errorf("skipped task was marked in progress")
	}
}

func TestProcessTaskRequiresProfileID(t *testing.T) {
	f := newFixture(Config{})
	f.seedTask("task-1", "contact-1", validAddress())
	f.tasks.contacts["contact-1"].ProfileID = ""

	results, err := f.orch.ProcessTrigger(context.Background(), models.NewWorkflowTrigger("tester", 5))
	if err != nil {
		t.Fatalf("ProcessTrigger: %v", err)
	}
	if results[0].Success {
		t.Fatal("expected task to fail without a profile identifier")
	}
	if len(f.tasks.notCompleted) != 1 {
		t.Errorf("task not reopened after failure")
	}
	if f.letters.generated != 0 {
		t.Errorf("pipeline continued past validation failure")
	}
}

func TestProcessTaskPatchesMissingAddress(t *testing.T) {
	f := newFixture(Config{})
	f.seedTask("task-1", "contact-1", nil)
	f.dossiers.addr = validAddress()

	results, err := f.orch.ProcessTrigger(context.Background(), models.NewWorkflowTrigger("tester", 5))
	if err != nil {
		t.Fatalf("ProcessTrigger: %v", err)
	}
	if !results[0].Success {
		t.Fatalf("task failed: %s", results[0].Detail)
	}
	if f.tasks.patched["contact-1"] == nil {
		t.Error("researched address was not patched onto contact")
	}
	record, _ := f.store.ActiveByTask(context.Background(), "task-1")
	if !record.MailingAddress.IsValid() {
		t.Error("record carries no deliverable address")
	}
}

func TestResearchedAddressUsedWhenContactPatchFails(t *testing.T) {
	f := newFixture(Config{})
	f.seedTask("task-1", "contact-1", nil)
	f.dossiers.addr = validAddress()
	f.tasks.patchErr = errors.New("crm write rejected")

	results, err := f.orch.ProcessTrigger(context.Background(), models.NewWorkflowTrigger("tester", 5))
	if err != nil {
		t.Fatalf("ProcessTrigger: %v", err)
	}
	if !results[0].Success {
		t.Fatalf("failed CRM patch must not fail the task: %s", results[0].Detail)
	}
	record, _ := f.store.ActiveByTask(context.Background(), "task-1")
	if record == nil || record.State != models.StatePendingApproval {
		t.Fatalf("expected pending approval, got %+v", record)
	}
	if !record.MailingAddress.IsValid() || record.MailingAddress.Street != "Musterstr. 1" {
		t.Errorf("researched address not adopted for the run: %+v", record.MailingAddress)
	}
}

func TestProcessTaskMissingAddressStillReachesApproval(t *testing.T) {
	f := newFixture(Config{})
	f.seedTask("task-1", "contact-1", nil)

	results, err := f.orch.ProcessTrigger(context.Background(), models.NewWorkflowTrigger("tester", 5))
	if err != nil {
		t.Fatalf("ProcessTrigger: %v", err)
	}
	if !results[0].Success {
		t.Fatalf("missing address must not block approval: %s", results[0].Detail)
	}
	record, _ := f.store.ActiveByTask(context.Background(), "task-1")
	if record == nil || record.State != models.StatePendingApproval {
		t.Fatalf("expected pending approval, got %+v", record)
	}
}

func TestDryRunTouchesNothing(t *testing.T) {
	f := newFixture(Config{})
	f.seedTask("task-1", "contact-1", validAddress())

	trigger := models.NewWorkflowTrigger("tester", 5)
	trigger.DryRun = true
	results, err := f.orch.ProcessTrigger(context.Background(), trigger)
	if err != nil {
		t.Fatalf("ProcessTrigger: %v", err)
	}
	if len(results) != 1 || !results[0].Success {
		t.Fatalf("unexpected results: %+v", results)
	}
	if len(f.tasks.inProgress) != 0 || f.letters.generated != 0 || f.messenger.sent != 0 {
		t.Error("dry run performed side effects")
	}
}

func TestApproveDeliversExactlyOnce(t *testing.T) {
	f := newFixture(Config{FollowUpDelay: 24 * time.Hour})
	record := f.seedPendingRecord(t, "task-1", validAddress())

	err := f.orch.HandleDecision(context.Background(), models.Decision{
		ApprovalID: record.ApprovalID,
		Kind:       models.DecisionApprove,
		DecidedBy:  "reviewer",
	})
	if err != nil {
		t.Fatalf("HandleDecision: %v", err)
	}

	got, _ := f.store.Get(context.Background(), record.ApprovalID)
	if got.State != models.StateCompleted {
		t.Errorf("state = %s, want COMPLETED", got.State)
	}
	if got.TrackingID == "" {
		t.Error("no tracking ID recorded")
	}
	if got.DeliveryStartedAt == nil {
		t.Error("delivery start marker missing")
	}
	if f.carrier.submits != 1 {
		t.Errorf("carrier submits = %d, want 1", f.carrier.submits)
	}
	if len(f.tasks.completed) != 1 {
		t.Errorf("task not completed in CRM")
	}
	if len(f.tasks.attached) != 1 {
		t.Errorf("letter PDF not attached to task")
	}
	if len(f.tasks.followUps) != 1 {
		t.Errorf("follow-up task not created")
	}
	if f.notifier.delivered != 1 {
		t.Errorf("delivered notifications = %d, want 1", f.notifier.delivered)
	}
	if len(f.store.archived) != 1 {
		t.Errorf("delivered record not archived")
	}
}

func TestDeliveryReRendersApprovedLetter(t *testing.T) {
	f := newFixture(Config{})
	record := f.seedPendingRecord(t, "task-1", validAddress())

	err := f.orch.HandleDecision(context.Background(), models.Decision{
		ApprovalID: record.ApprovalID,
		Kind:       models.DecisionApprove,
	})
	if err != nil {
		t.Fatalf("HandleDecision: %v", err)
	}
	if f.renderer.renders != 1 {
		t.Errorf("delivery renders = %d, want 1", f.renderer.renders)
	}
	got, _ := f.store.Get(context.Background(), record.ApprovalID)
	if string(got.RenderedPDF) != "%PDF-1.4 rendered" {
		t.Errorf("stale preview delivered instead of a fresh render: %q", got.RenderedPDF)
	}
}

func TestDeliveryFallsBackToPreviewWhenRenderFails(t *testing.T) {
	f := newFixture(Config{})
	record := f.seedPendingRecord(t, "task-1", validAddress())
	f.renderer.err = errors.New("renderer down")

	err := f.orch.HandleDecision(context.Background(), models.Decision{
		ApprovalID: record.ApprovalID,
		Kind:       models.DecisionApprove,
	})
	if err != nil {
		t.Fatalf("HandleDecision: %v", err)
	}
	got, _ := f.store.Get(context.Background(), record.ApprovalID)
	if got.State != models.StateCompleted {
		t.Errorf("state = %s, want COMPLETED", got.State)
	}
	if f.carrier.submits != 1 {
		t.Errorf("carrier submits = %d, want 1", f.carrier.submits)
	}
	if string(got.RenderedPDF) != "%PDF-1.4 seed" {
		t.Errorf("expected the reviewed preview to be delivered, got %q", got.RenderedPDF)
	}
}

func TestDeliveryFailsWhenRenderFailsWithoutPreview(t *testing.T) {
	f := newFixture(Config{})
	record := f.seedPendingRecord(t, "task-1", validAddress())
	record.RenderedPDF = nil
	if err := f.store.Update(context.Background(), record); err != nil {
		t.Fatal(err)
	}
	f.renderer.err = errors.New("renderer down")

	err := f.orch.HandleDecision(context.Background(), models.Decision{
		ApprovalID: record.ApprovalID,
		Kind:       models.DecisionApprove,
	})
	if KindOf(err) != KindDelivery {
		t.Fatalf("KindOf = %s, want %s", KindOf(err), KindDelivery)
	}
	got, _ := f.store.Get(context.Background(), record.ApprovalID)
	if got.State != models.StateFailed {
		t.Errorf("state = %s, want FAILED", got.State)
	}
	if f.carrier.submits != 0 {
		t.Errorf("carrier called with nothing to mail")
	}
}

func TestApproveWithoutAddressFailsDelivery(t *testing.T) {
	f := newFixture(Config{})
	record := f.seedPendingRecord(t, "task-1", nil)

	err := f.orch.HandleDecision(context.Background(), models.Decision{
		ApprovalID: record.ApprovalID,
		Kind:       models.DecisionApprove,
	})
	if err == nil {
		t.Fatal("expected delivery error for missing address")
	}
	if KindOf(err) != KindDelivery {
		t.Errorf("KindOf = %s, want %s", KindOf(err), KindDelivery)
	}
	got, _ := f.store.Get(context.Background(), record.ApprovalID)
	if got.State != models.StateFailed {
		t.Errorf("state = %s, want FAILED", got.State)
	}
	if f.carrier.submits != 0 {
		t.Errorf("carrier called despite missing address")
	}
	if f.notifier.failed != 1 {
		t.Errorf("failure notifications = %d, want 1", f.notifier.failed)
	}
}

func TestCarrierFailureIsNeverRetried(t *testing.T) {
	f := newFixture(Config{})
	record := f.seedPendingRecord(t, "task-1", validAddress())
	f.carrier.err = errors.New("carrier timeout")

	err := f.orch.HandleDecision(context.Background(), models.Decision{
		ApprovalID: record.ApprovalID,
		Kind:       models.DecisionApprove,
	})
	if err == nil {
		t.Fatal("expected delivery error")
	}
	if f.carrier.submits != 1 {
		t.Errorf("carrier submits = %d, want exactly 1", f.carrier.submits)
	}
	got, _ := f.store.Get(context.Background(), record.ApprovalID)
	if got.State != models.StateFailed {
		t.Errorf("state = %s, want FAILED", got.State)
	}
	if got.DeliveryStartedAt == nil {
		t.Error("delivery start marker missing after failed submission")
	}
}

func TestRejectIsTerminal(t *testing.T) {
	f := newFixture(Config{})
	record := f.seedPendingRecord(t, "task-1", validAddress())

	err := f.orch.HandleDecision(context.Background(), models.Decision{
		ApprovalID: record.ApprovalID,
		Kind:       models.DecisionReject,
		Feedback:   "not a fit",
		DecidedBy:  "reviewer",
	})
	if err != nil {
		t.Fatalf("HandleDecision: %v", err)
	}

	got, _ := f.store.Get(context.Background(), record.ApprovalID)
	if got.State != models.StateRejected {
		t.Errorf("state = %s, want REJECTED", got.State)
	}
	if len(f.tasks.notCompleted) != 1 {
		t.Errorf("task not reopened after rejection")
	}
	if f.notifier.rejected != 1 {
		t.Errorf("rejection notifications = %d, want 1", f.notifier.rejected)
	}
	if f.carrier.submits != 0 {
		t.Errorf("carrier called for rejected letter")
	}

	// No further decision may land on a rejected approval.
	err = f.orch.HandleDecision(context.Background(), models.Decision{
		ApprovalID: record.ApprovalID,
		Kind:       models.DecisionApprove,
	})
	if KindOf(err) != KindConflict {
		t.Errorf("decision on terminal record: KindOf = %s, want %s", KindOf(err), KindConflict)
	}
}

func TestReviseRegeneratesAndRedispatches(t *testing.T) {
	f := newFixture(Config{})
	record := f.seedPendingRecord(t, "task-1", validAddress())

	err := f.orch.HandleDecision(context.Background(), models.Decision{
		ApprovalID: record.ApprovalID,
		Kind:       models.DecisionRevise,
		Feedback:   "shorter opening",
		DecidedBy:  "reviewer",
	})
	if err != nil {
		t.Fatalf("HandleDecision: %v", err)
	}

	got, _ := f.store.Get(context.Background(), record.ApprovalID)
	if got.State != models.StatePendingApproval {
		t.Errorf("state = %s, want PENDING_APPROVAL", got.State)
	}
	if got.CurrentIteration() != 2 {
		t.Errorf("iteration = %d, want 2", got.CurrentIteration())
	}
	if got.LetterHistory[0].Feedback == nil || got.LetterHistory[0].Feedback.Text != "shorter opening" {
		t.Error("feedback not recorded on the first iteration")
	}
	if f.letters.revised != 1 {
		t.Errorf("revisions = %d, want 1", f.letters.revised)
	}
	if f.messenger.sent != 1 {
		t.Errorf("revised draft not re-dispatched")
	}
}

func TestReviseFailureFailsRecord(t *testing.T) {
	f := newFixture(Config{})
	record := f.seedPendingRecord(t, "task-1", validAddress())
	f.letters.reviseErr = errors.New("model rejected the request")

	err := f.orch.HandleDecision(context.Background(), models.Decision{
		ApprovalID: record.ApprovalID,
		Kind:       models.DecisionRevise,
		Feedback:   "shorter please",
		DecidedBy:  "reviewer",
	})
	if err == nil {
		t.Fatal("expected revision error")
	}

	got, _ := f.store.Get(context.Background(), record.ApprovalID)
	if got.State != models.StateFailed {
		t.Errorf("state = %s, want FAILED", got.State)
	}
	if got.ErrorDetail == "" {
		t.Error("failure cause not recorded on the record")
	}
	if f.notifier.failed != 1 {
		t.Errorf("failure notifications = %d, want 1", f.notifier.failed)
	}
	if len(f.tasks.notCompleted) != 1 {
		t.Errorf("task not reopened after revision failure")
	}
	if len(f.store.archived) != 1 {
		t.Errorf("failed record not archived")
	}
	if f.messenger.sent != 0 {
		t.Errorf("approval request sent for a failed revision")
	}
}

func TestReviseRedispatchFailureFailsRecord(t *testing.T) {
	f := newFixture(Config{})
	record := f.seedPendingRecord(t, "task-1", validAddress())
	f.renderer.err = errors.New("renderer down")

	err := f.orch.HandleDecision(context.Background(), models.Decision{
		ApprovalID: record.ApprovalID,
		Kind:       models.DecisionRevise,
		Feedback:   "shorter please",
		DecidedBy:  "reviewer",
	})
	if err == nil {
		t.Fatal("expected redispatch error")
	}

	got, _ := f.store.Get(context.Background(), record.ApprovalID)
	if got.State != models.StateFailed {
		t.Errorf("state = %s, want FAILED", got.State)
	}
	if got.CurrentIteration() != 2 {
		t.Errorf("iteration = %d, want 2 (revision recorded before the failure)", got.CurrentIteration())
	}
	if f.notifier.failed != 1 {
		t.Errorf("failure notifications = %d, want 1", f.notifier.failed)
	}
	if len(f.tasks.notCompleted) != 1 {
		t.Errorf("task not reopened after redispatch failure")
	}
}

func TestReviseWithoutFeedbackRejected(t *testing.T) {
	f := newFixture(Config{})
	record := f.seedPendingRecord(t, "task-1", validAddress())

	err := f.orch.HandleDecision(context.Background(), models.Decision{
		ApprovalID: record.ApprovalID,
		Kind:       models.DecisionRevise,
	})
	if KindOf(err) != KindValidation {
		t.Errorf("KindOf = %s, want %s", KindOf(err), KindValidation)
	}
}

func TestRevisionCapIsEnforced(t *testing.T) {
	f := newFixture(Config{MaxRevisions: 1})
	record := f.seedPendingRecord(t, "task-1", validAddress())

	err := f.orch.HandleDecision(context.Background(), models.Decision{
		ApprovalID: record.ApprovalID,
		Kind:       models.DecisionRevise,
		Feedback:   "again",
	})
	if KindOf(err) != KindPolicy {
		t.Fatalf("KindOf = %s, want %s", KindOf(err), KindPolicy)
	}
	got, _ := f.store.Get(context.Background(), record.ApprovalID)
	if got.State != models.StatePendingApproval {
		t.Errorf("record left state PENDING_APPROVAL after policy rejection: %s", got.State)
	}
}

func TestUnboundedRevisionsWhenCapUnset(t *testing.T) {
	f := newFixture(Config{})
	record := f.seedPendingRecord(t, "task-1", validAddress())

	for i := 0; i < 5; i++ {
		err := f.orch.HandleDecision(context.Background(), models.Decision{
			ApprovalID: record.ApprovalID,
			Kind:       models.DecisionRevise,
			Feedback:   fmt.Sprintf("round %d", i+1),
		})
		if err != nil {
			t.Fatalf("revision %d failed: %v", i+1, err)
		}
	}
	got, _ := f.store.Get(context.Background(), record.ApprovalID)
	if got.CurrentIteration() != 6 {
		t.Errorf("iteration = %d, want 6", got.CurrentIteration())
	}
}

func TestResumePendingDeliversApproved(t *testing.T) {
	f := newFixture(Config{})
	record := f.seedPendingRecord(t, "task-1", validAddress())
	record.State = models.StateApproved
	if err := f.store.Update(context.Background(), record); err != nil {
		t.Fatal(err)
	}

	if err := f.orch.ResumePending(context.Background()); err != nil {
		t.Fatalf("ResumePending: %v", err)
	}

	got, _ := f.store.Get(context.Background(), record.ApprovalID)
	if got.State != models.StateCompleted {
		t.Errorf("state = %s, want COMPLETED", got.State)
	}
	if f.carrier.submits != 1 {
		t.Errorf("carrier submits = %d, want 1", f.carrier.submits)
	}
}

func TestResumePendingRefusesInterruptedDelivery(t *testing.T) {
	f := newFixture(Config{})
	record := f.seedPendingRecord(t, "task-1", validAddress())
	record.State = models.StateApproved
	started := time.Now().UTC().Add(-time.Minute)
	record.DeliveryStartedAt = &started
	if err := f.store.Update(context.Background(), record); err != nil {
		t.Fatal(err)
	}

	if err := f.orch.ResumePending(context.Background()); err != nil {
		t.Fatalf("ResumePending: %v", err)
	}

	got, _ := f.store.Get(context.Background(), record.ApprovalID)
	if got.State != models.StateFailed {
		t.Errorf("state = %s, want FAILED", got.State)
	}
	if f.carrier.submits != 0 {
		t.Errorf("interrupted delivery was re-submitted")
	}
	if f.notifier.failed != 1 {
		t.Errorf("operator not notified of interrupted delivery")
	}
}

func TestResumePendingRegeneratesMidRevision(t *testing.T) {
	f := newFixture(Config{})
	record := f.seedPendingRecord(t, "task-1", validAddress())
	record.State = models.StateNeedsImprovement
	record.AddFeedback("tighter second paragraph", "reviewer")
	if err := f.store.Update(context.Background(), record); err != nil {
		t.Fatal(err)
	}

	if err := f.orch.ResumePending(context.Background()); err != nil {
		t.Fatalf("ResumePending: %v", err)
	}

	got, _ := f.store.Get(context.Background(), record.ApprovalID)
	if got.State != models.StatePendingApproval {
		t.Errorf("state = %s, want PENDING_APPROVAL", got.State)
	}
	if got.CurrentIteration() != 2 {
		t.Errorf("iteration = %d, want 2", got.CurrentIteration())
	}
	if f.messenger.sent != 1 {
		t.Errorf("regenerated draft not dispatched")
	}
}

func TestDecisionForUnknownApproval(t *testing.T) {
	f := newFixture(Config{})
	err := f.orch.HandleDecision(context.Background(), models.Decision{
		ApprovalID: "missing",
		Kind:       models.DecisionApprove,
	})
	if !errors.Is(err, ErrApprovalNotFound) {
		t.Errorf("expected ErrApprovalNotFound, got %v", err)
	}
}

func TestIntakeDegradesOnCRMFailure(t *testing.T) {
	f := newFixture(Config{})
	f.tasks.selectErr = NewTransientError("intake", errors.New("crm unreachable"))

	intake := NewIntake(f.tasks, RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}, zap.NewNop())
	tasks := intake.Select(context.Background(), 5)
	if len(tasks) != 0 {
		t.Errorf("expected empty selection, got %d tasks", len(tasks))
	}
	if intake.Healthy() {
		t.Error("intake reports healthy after CRM failure")
	}

	f.tasks.selectErr = nil
	intake.Select(context.Background(), 5)
	if !intake.Healthy() {
		t.Error("intake did not recover after successful poll")
	}
}
