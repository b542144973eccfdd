// Package export writes outbox reports for operators.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"fintrack/internal/models"

	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"
)

const sheetName = "Outbox"

var headers = []string{"ID", "Kind", "Table", "Record ID", "Queued at", "Retries", "Data"}

// Lister reads the queued operations.
type Lister interface {
	ListAll(ctx context.Context) ([]models.PendingOperation, error)
}

// Exporter writes the outbox as an xlsx workbook.
type Exporter struct {
	outbox Lister
	dir    string
	logger *zerolog.Logger
	now    func() time.Time
}

func NewExporter(outbox Lister, dir string, logger *zerolog.Logger) *Exporter {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Exporter{outbox: outbox, dir: dir, logger: logger, now: time.Now}
}

// Export writes every queued operation in replay order and returns the file path.
func (e *Exporter) Export(ctx context.Context) (string, error) {
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return "", fmt.Errorf("create export directory: %w", err)
	}

	ops, err := e.outbox.ListAll(ctx)
	if err != nil {
		return "", fmt.Errorf("list outbox: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(sheetName)
	if err != nil {
		return "", fmt.Errorf("create sheet: %w", err)
	}
	f.SetActiveSheet(index)

	writeHeader(f)
	for i, op := range ops {
		if err := writeRow(f, i+2, op); err != nil {
			return "", err
		}
	}

	_ = f.SetColWidth(sheetName, "A", "A", 38)
	_ = f.SetColWidth(sheetName, "B", "C", 18)
	_ = f.SetColWidth(sheetName, "D", "E", 22)
	_ = f.SetColWidth(sheetName, "G", "G", 60)
	_ = f.DeleteSheet("Sheet1")

	fileName := fmt.Sprintf("outbox_%s.xlsx", e.now().UTC().Format("2006-01-02_150405"))
	filePath := filepath.Join(e.dir, fileName)
	if err := f.SaveAs(filePath); err != nil {
		return "", fmt.Errorf("save workbook: %w", err)
	}

	e.logger.Info().Str("file_path", filePath).Int("operations", len(ops)).Msg("Outbox exported")
	return filePath, nil
}

func writeHeader(f *excelize.File) {
	style, _ := f.NewStyle(&excelize.Style{
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font:      &excelize.Font{Bold: true},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheetName, cell, h)
		_ = f.SetCellStyle(sheetName, cell, cell, style)
	}
}

func writeRow(f *excelize.File, row int, op models.PendingOperation) error {
	data, err := json.Marshal(op.Data)
	if err != nil {
		return fmt.Errorf("encode operation %s: %w", op.ID, err)
	}

	values := []any{
		op.ID,
		string(op.Kind),
		string(op.Table),
		op.RecordID,
		op.EnqueuedAt().UTC().Format(time.RFC3339),
		op.RetryCount,
		string(data),
	}
	for i, v := range values {
		cell, _ := excelize.CoordinatesToCellName(i+1, row)
		if err := f.SetCellValue(sheetName, cell, v); err != nil {
			return fmt.Errorf("write cell %s: %w", cell, err)
		}
	}
	return nil
}
