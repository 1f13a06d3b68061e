package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/lennardhq/letterflow/internal/models"
	"github.com/lennardhq/letterflow/internal/workflow"
	"github.com/lennardhq/letterflow/pkg/database"
)

// ApprovalRepository persists approval records in sqlite. Terminal records
// move to an archive table; the active table only ever holds in-flight
// work, which keeps the one-active-approval-per-task unique index small.
type ApprovalRepository struct {
	db     *database.DB
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewApprovalRepository creates a new approval repository
func NewApprovalRepository(db *database.DB, logger *zap.Logger) *ApprovalRepository {
	return &ApprovalRepository{
		db:     db,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

const approvalColumns = `approval_id, task_id, contact_id, state, recipient_name,
	company_name, current_letter, letter_history, mailing_address, metadata,
	rendered_pdf, tracking_id, error_detail, delivery_started_at, created_at, updated_at`

const archiveColumns = approvalColumns + `, archived_at`

// Create inserts a new approval record. The partial unique index on
// task_id rejects a second in-flight approval for the same task.
func (r *ApprovalRepository) Create(ctx context.Context, record *models.ApprovalRecord) error {
	letter, history, address, metadata, err := marshalFields(record)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`INSERT INTO approvals (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, approvalColumns)
	_, err = r.db.ExecContext(ctx, query,
		record.ApprovalID,
		record.TaskID,
		record.ContactID,
		record.State.String(),
		record.RecipientName,
		record.CompanyName,
		letter,
		history,
		address,
		metadata,
		record.RenderedPDF,
		record.TrackingID,
		record.ErrorDetail,
		nullableTime(record.DeliveryStartedAt),
		record.CreatedAt,
		record.UpdatedAt,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("task %s: %w", record.TaskID, workflow.ErrDuplicateApproval)
		}
		r.logger.Error("Failed to create approval", zap.String("approval_id", record.ApprovalID), zap.Error(err))
		return fmt.Errorf("failed to create approval: %w", err)
	}
	return nil
}

// Get retrieves a record by ID, falling back to the archive for terminal
// records.
func (r *ApprovalRepository) Get(ctx context.Context, approvalID string) (*models.ApprovalRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM approvals WHERE approval_id = ?`, approvalColumns)
	record, err := r.scanRecord(r.db.QueryRowContext(ctx, query, approvalID))
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to get approval: %w", err)
	}

	archQuery := fmt.Sprintf(`SELECT %s FROM approvals_archive WHERE approval_id = ?`, archiveColumns)
	record, err = r.scanArchivedRecord(r.db.QueryRowContext(ctx, archQuery, approvalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, workflow.ErrApprovalNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get archived approval: %w", err)
	}
	return record, nil
}

// ActiveByTask returns the in-flight record for a task, or nil when the
// task has none.
func (r *ApprovalRepository) ActiveByTask(ctx context.Context, taskID string) (*models.ApprovalRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM approvals WHERE task_id = ? AND state NOT IN ('COMPLETED', 'REJECTED', 'FAILED')`, approvalColumns)
	record, err := r.scanRecord(r.db.QueryRowContext(ctx, query, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query active approval: %w", err)
	}
	return record, nil
}

// ListByState returns all records in the given state, oldest first.
// Terminal states are read from the archive.
func (r *ApprovalRepository) ListByState(ctx context.Context, state models.ApprovalState) ([]*models.ApprovalRecord, error) {
	var rows *sql.Rows
	var err error
	if state.IsTerminal() {
		query := fmt.Sprintf(`SELECT %s FROM approvals_archive WHERE state = ? ORDER BY created_at ASC`, archiveColumns)
		rows, err = r.db.QueryContext(ctx, query, state.String())
		if err != nil {
			return nil, fmt.Errorf("failed to list archived approvals: %w", err)
		}
		defer rows.Close()
		var records []*models.ApprovalRecord
		for rows.Next() {
			record, scanErr := r.scanArchivedRecord(rows)
			if scanErr != nil {
				return nil, scanErr
			}
			records = append(records, record)
		}
		return records, rows.Err()
	}

	query := fmt.Sprintf(`SELECT %s FROM approvals WHERE state = ? ORDER BY created_at ASC`, approvalColumns)
	rows, err = r.db.QueryContext(ctx, query, state.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list approvals: %w", err)
	}
	defer rows.Close()

	var records []*models.ApprovalRecord
	for rows.Next() {
		record, scanErr := r.scanRecord(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// Update overwrites a record's mutable fields.
func (r *ApprovalRepository) Update(ctx context.Context, record *models.ApprovalRecord) error {
	letter, history, address, metadata, err := marshalFields(record)
	if err != nil {
		return err
	}

	query := `UPDATE approvals SET
		state = ?, current_letter = ?, letter_history = ?, mailing_address = ?,
		metadata = ?, rendered_pdf = ?, tracking_id = ?, error_detail = ?,
		delivery_started_at = ?, updated_at = ?
		WHERE approval_id = ?`
	result, err := r.db.ExecContext(ctx, query,
		record.State.String(),
		letter,
		history,
		address,
		metadata,
		record.RenderedPDF,
		record.TrackingID,
		record.ErrorDetail,
		nullableTime(record.DeliveryStartedAt),
		record.UpdatedAt,
		record.ApprovalID,
	)
	if err != nil {
		r.logger.Error("Failed to update approval", zap.String("approval_id", record.ApprovalID), zap.Error(err))
		return fmt.Errorf("failed to update approval: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return workflow.ErrApprovalNotFound
	}
	return nil
}

// MarkDeliveryStarted persists the delivery marker. It refuses to mark a
// record twice so a concurrent delivery attempt surfaces immediately.
func (r *ApprovalRepository) MarkDeliveryStarted(ctx context.Context, approvalID string, at time.Time) error {
	query := `UPDATE approvals SET delivery_started_at = ?, updated_at = ?
		WHERE approval_id = ? AND delivery_started_at IS NULL`
	result, err := r.db.ExecContext(ctx, query, at, at, approvalID)
	if err != nil {
		return fmt.Errorf("failed to mark delivery started: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("approval %s: delivery already started or record missing", approvalID)
	}
	return nil
}

// Archive moves a terminal record into the archive table. The move is
// transactional so the record is never visible in both tables.
func (r *ApprovalRepository) Archive(ctx context.Context, record *models.ApprovalRecord) error {
	if !record.State.IsTerminal() {
		return fmt.Errorf("cannot archive approval %s in non-terminal state %s", record.ApprovalID, record.State)
	}

	letter, history, address, metadata, err := marshalFields(record)
	if err != nil {
		return err
	}
	archivedAt := time.Now().UTC()

	err = r.db.WithTransaction(func(tx *sql.Tx) error {
		query := fmt.Sprintf(`INSERT INTO approvals_archive (%s)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, archiveColumns)
		if _, err := tx.ExecContext(ctx, query,
			record.ApprovalID,
			record.TaskID,
			record.ContactID,
			record.State.String(),
			record.RecipientName,
			record.CompanyName,
			letter,
			history,
			address,
			metadata,
			record.RenderedPDF,
			record.TrackingID,
			record.ErrorDetail,
			nullableTime(record.DeliveryStartedAt),
			record.CreatedAt,
			record.UpdatedAt,
			archivedAt,
		); err != nil {
			return fmt.Errorf("failed to insert archive row: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM approvals WHERE approval_id = ?`, record.ApprovalID); err != nil {
			return fmt.Errorf("failed to remove active row: %w", err)
		}
		return nil
	})
	if err != nil {
		r.logger.Error("Failed to archive approval", zap.String("approval_id", record.ApprovalID), zap.Error(err))
		return err
	}
	record.ArchivedAt = &archivedAt
	return nil
}

// ListArchived returns archived records, most recently archived first.
func (r *ApprovalRepository) ListArchived(ctx context.Context, limit int) ([]*models.ApprovalRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM approvals_archive ORDER BY archived_at DESC`, archiveColumns)
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list archived approvals: %w", err)
	}
	defer rows.Close()

	var records []*models.ApprovalRecord
	for rows.Next() {
		record, scanErr := r.scanArchivedRecord(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// WithLock serializes mutations for one approval ID.
func (r *ApprovalRepository) WithLock(approvalID string, fn func() error) error {
	r.mu.Lock()
	lock, ok := r.locks[approvalID]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[approvalID] = lock
	}
	r.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	return fn()
}

// StateCounts returns record counts per state across both the active and
// archive tables.
func (r *ApprovalRepository) StateCounts(ctx context.Context) (map[models.ApprovalState]int, error) {
	counts := make(map[models.ApprovalState]int)
	for _, query := range []string{
		`SELECT state, COUNT(*) FROM approvals GROUP BY state`,
		`SELECT state, COUNT(*) FROM approvals_archive GROUP BY state`,
	} {
		rows, err := r.db.QueryContext(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("failed to count approvals: %w", err)
		}
		for rows.Next() {
			var state string
			var count int
			if err := rows.Scan(&state, &count); err != nil {
				rows.Close()
				return nil, err
			}
			counts[models.ApprovalState(state)] += count
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return counts, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *ApprovalRepository) scanRecord(row rowScanner) (*models.ApprovalRecord, error) {
	var record models.ApprovalRecord
	var state, letter, history string
	var address, metadata sql.NullString
	var deliveryStarted sql.NullTime

	err := row.Scan(
		&record.ApprovalID,
		&record.TaskID,
		&record.ContactID,
		&state,
		&record.RecipientName,
		&record.CompanyName,
		&letter,
		&history,
		&address,
		&metadata,
		&record.RenderedPDF,
		&record.TrackingID,
		&record.ErrorDetail,
		&deliveryStarted,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := unmarshalFields(&record, state, letter, history, address, metadata, deliveryStarted); err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *ApprovalRepository) scanArchivedRecord(row rowScanner) (*models.ApprovalRecord, error) {
	var record models.ApprovalRecord
	var state, letter, history string
	var address, metadata sql.NullString
	var deliveryStarted sql.NullTime
	var archivedAt time.Time

	err := row.Scan(
		&record.ApprovalID,
		&record.TaskID,
		&record.ContactID,
		&state,
		&record.RecipientName,
		&record.CompanyName,
		&letter,
		&history,
		&address,
		&metadata,
		&record.RenderedPDF,
		&record.TrackingID,
		&record.ErrorDetail,
		&deliveryStarted,
		&record.CreatedAt,
		&record.UpdatedAt,
		&archivedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := unmarshalFields(&record, state, letter, history, address, metadata, deliveryStarted); err != nil {
		return nil, err
	}
	record.ArchivedAt = &archivedAt
	return &record, nil
}

func marshalFields(record *models.ApprovalRecord) (letter, history string, address, metadata any, err error) {
	letterBytes, err := json.Marshal(record.CurrentLetter)
	if err != nil {
		return "", "", nil, nil, fmt.Errorf("failed to marshal letter: %w", err)
	}
	historyBytes, err := json.Marshal(record.LetterHistory)
	if err != nil {
		return "", "", nil, nil, fmt.Errorf("failed to marshal letter history: %w", err)
	}
	address = nil
	if record.MailingAddress != nil {
		addrBytes, aErr := json.Marshal(record.MailingAddress)
		if aErr != nil {
			return "", "", nil, nil, fmt.Errorf("failed to marshal mailing address: %w", aErr)
		}
		address = string(addrBytes)
	}
	metaBytes, err := json.Marshal(record.Metadata)
	if err != nil {
		return "", "", nil, nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return string(letterBytes), string(historyBytes), address, string(metaBytes), nil
}

func unmarshalFields(record *models.ApprovalRecord, state, letter, history string, address, metadata sql.NullString, deliveryStarted sql.NullTime) error {
	record.State = models.ApprovalState(strings.ToUpper(state))
	if !record.State.IsValid() {
		return fmt.Errorf("approval %s has unknown state %q", record.ApprovalID, state)
	}
	if err := json.Unmarshal([]byte(letter), &record.CurrentLetter); err != nil {
		return fmt.Errorf("failed to unmarshal letter: %w", err)
	}
	if err := json.Unmarshal([]byte(history), &record.LetterHistory); err != nil {
		return fmt.Errorf("failed to unmarshal letter history: %w", err)
	}
	if address.Valid && address.String != "" {
		var addr models.MailingAddress
		if err := json.Unmarshal([]byte(address.String), &addr); err != nil {
			return fmt.Errorf("failed to unmarshal mailing address: %w", err)
		}
		record.MailingAddress = &addr
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &record.Metadata); err != nil {
			return fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	if deliveryStarted.Valid {
		t := deliveryStarted.Time
		record.DeliveryStartedAt = &t
	}
	return nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
