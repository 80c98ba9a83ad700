// Package export renders persisted suggestions as an XLSX workbook.
package export

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/kalambet/notecoder/internal/storage"
)

const sheet = "Suggestions"

// DefaultLimit caps how many rows one export contains.
const DefaultLimit = 10000

// Source lists persisted suggestions joined with their visit.
type Source interface {
	ListSuggestionRows(ctx context.Context, limit int) ([]storage.SuggestionRow, error)
}

var headers = []string{
	"Revision ID",
	"Visit ID",
	"Patient ID",
	"Specialty",
	"Code System",
	"Code",
	"Confidence",
	"Prompt Type",
	"Created At",
}

// Exporter writes suggestion workbooks.
type Exporter struct {
	src    Source
	logger *slog.Logger
}

func NewExporter(src Source, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{src: src, logger: logger}
}

// WriteXLSX writes up to limit suggestions, newest first, to w.
func (e *Exporter) WriteXLSX(ctx context.Context, w io.Writer, limit int) (int, error) {
	start := time.Now()
	if limit <= 0 {
		limit = DefaultLimit
	}

	rows, err := e.src.ListSuggestionRows(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("query suggestions: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return 0, err
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	for i, r := range rows {
		row := i + 2
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(sheet, cell, v)
		}
		write(1, r.RevisionID)
		write(2, r.VisitID)
		write(3, r.PatientID)
		write(4, r.Specialty)
		write(5, r.System)
		write(6, r.Code)
		write(7, r.Confidence)
		write(8, r.PromptType)
		write(9, r.CreatedAt.UTC().Format(time.RFC3339))
	}

	_ = f.SetColWidth(sheet, "A", "C", 38) // ids
	_ = f.SetColWidth(sheet, "D", "D", 20)
	_ = f.SetColWidth(sheet, "E", "G", 12)
	_ = f.SetColWidth(sheet, "H", "H", 18)
	_ = f.SetColWidth(sheet, "I", "I", 22)

	if _, err := f.WriteTo(w); err != nil {
		return 0, fmt.Errorf("xlsx write: %w", err)
	}

	e.logger.Info("export.xlsx.ok",
		"rows", len(rows),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return len(rows), nil
}
