package report

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/lennardhq/letterflow/internal/models"
)

const sheetName = "Deliveries"

var columns = []string{
	"Approval ID", "Recipient", "Company", "State", "Iterations",
	"Tracking ID", "Error", "Created", "Archived",
}

// Exporter renders archived approvals into a spreadsheet for the sales
// team's manual bookkeeping.
type Exporter struct {
	logger *zap.Logger
}

// NewExporter creates a new report exporter
func NewExporter(logger *zap.Logger) *Exporter {
	return &Exporter{logger: logger}
}

// WriteDeliveryReport writes an xlsx workbook listing the given archived
// records to w.
func (e *Exporter) WriteDeliveryReport(w io.Writer, records []*models.ApprovalRecord) error {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(sheetName)
	if err != nil {
		return fmt.Errorf("failed to create sheet: %w", err)
	}
	f.SetActiveSheet(index)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return fmt.Errorf("failed to drop default sheet: %w", err)
	}

	for col, title := range columns {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheetName, cell, title); err != nil {
			return err
		}
	}

	for row, record := range records {
		values := []any{
			record.ApprovalID,
			record.RecipientName,
			record.CompanyName,
			record.State.String(),
			record.CurrentIteration(),
			record.TrackingID,
			record.ErrorDetail,
			record.CreatedAt.Format(time.RFC3339),
			formatArchivedAt(record.ArchivedAt),
		}
		for col, value := range values {
			cell, err := excelize.CoordinatesToCellName(col+1, row+2)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(sheetName, cell, value); err != nil {
				return err
			}
		}
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	e.logger.Debug("Wrote delivery report", zap.Int("records", len(records)))
	return nil
}

func formatArchivedAt(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}
