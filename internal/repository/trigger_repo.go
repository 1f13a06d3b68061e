package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lennardhq/letterflow/internal/models"
	"github.com/lennardhq/letterflow/pkg/database"
)

// ErrTriggerExists is returned when a trigger ID was already submitted.
var ErrTriggerExists = errors.New("trigger already exists")

// TriggerRepository persists workflow trigger records
type TriggerRepository struct {
	db     *database.DB
	logger *zap.Logger
}

// NewTriggerRepository creates a new trigger repository
func NewTriggerRepository(db *database.DB, logger *zap.Logger) *TriggerRepository {
	return &TriggerRepository{
		db:     db,
		logger: logger,
	}
}

// Create inserts a trigger record. A duplicate trigger ID returns
// ErrTriggerExists so the caller can replay the stored result.
func (r *TriggerRepository) Create(ctx context.Context, trigger *models.WorkflowTrigger) error {
	query := `INSERT INTO workflow_triggers (trigger_id, requested_by, requested_at, max_tasks, dry_run)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(trigger_id) DO NOTHING`
	result, err := r.db.ExecContext(ctx, query,
		trigger.TriggerID,
		trigger.RequestedBy,
		trigger.RequestedAt,
		trigger.MaxTasks,
		trigger.DryRun,
	)
	if err != nil {
		r.logger.Error("Failed to create trigger", zap.String("trigger_id", trigger.TriggerID), zap.Error(err))
		return fmt.Errorf("failed to create trigger: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrTriggerExists
	}
	return nil
}

// Get retrieves a trigger by ID, or nil when it does not exist.
func (r *TriggerRepository) Get(ctx context.Context, triggerID string) (*models.WorkflowTrigger, error) {
	query := `SELECT trigger_id, requested_by, requested_at, max_tasks, dry_run,
		processed, processed_at, result
		FROM workflow_triggers WHERE trigger_id = ?`

	var trigger models.WorkflowTrigger
	var processedAt sql.NullTime
	err := r.db.QueryRowContext(ctx, query, triggerID).Scan(
		&trigger.TriggerID,
		&trigger.RequestedBy,
		&trigger.RequestedAt,
		&trigger.MaxTasks,
		&trigger.DryRun,
		&trigger.Processed,
		&processedAt,
		&trigger.Result,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trigger: %w", err)
	}
	if processedAt.Valid {
		t := processedAt.Time
		trigger.ProcessedAt = &t
	}
	return &trigger, nil
}

// MarkProcessed records the run outcome for a trigger.
func (r *TriggerRepository) MarkProcessed(ctx context.Context, triggerID, result string) error {
	now := time.Now().UTC()
	query := `UPDATE workflow_triggers SET processed = 1, processed_at = ?, result = ?
		WHERE trigger_id = ?`
	res, err := r.db.ExecContext(ctx, query, now, result, triggerID)
	if err != nil {
		return fmt.Errorf("failed to mark trigger processed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("trigger %s not found", triggerID)
	}
	return nil
}
