package service

import (
	"bytes"
	"context"
	"fmt"

	"github.com/tpcell/attempt-runner/internal/model"
	"github.com/tpcell/attempt-runner/internal/repository"
	"github.com/xuri/excelize/v2"
)

const (
	defaultPerPage = 20
	resultsSheet   = "Results"
)

// ResultReader is the read side of the results store.
type ResultReader interface {
	ListByExam(ctx context.Context, examID string, page, perPage int, filter repository.ResultFilter) ([]model.AttemptRecord, int64, error)
	ListAllByExam(ctx context.Context, examID string) ([]model.AttemptRecord, error)
}

// ResultService serves persisted attempt results to placement officers.
type ResultService struct {
	repo ResultReader
}

// NewResultService creates a new ResultService.
func NewResultService(repo ResultReader) *ResultService {
	return &ResultService{repo: repo}
}

// List returns one page of results; zero page or perPage take defaults.
func (s *ResultService) List(ctx context.Context, examID string, page, perPage int, passed *bool) ([]model.AttemptRecord, int64, error) {
	if page <= 0 {
		page = 1
	}
	if perPage <= 0 {
		perPage = defaultPerPage
	}

	records, total, err := s.repo.ListByExam(ctx, examID, page, perPage, repository.ResultFilter{Passed: passed})
	if err != nil {
		return nil, 0, fmt.Errorf("list results: %w", err)
	}
	if records == nil {
		records = []model.AttemptRecord{}
	}
	return records, total, nil
}

// ExportXLSX renders every result of an exam as a spreadsheet.
func (s *ResultService) ExportXLSX(ctx context.Context, examID string) ([]byte, error) {
	records, err := s.repo.ListAllByExam(ctx, examID)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	sheet := f.GetSheetName(0)
	if err := f.SetSheetName(sheet, resultsSheet); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	sheet = resultsSheet

	headers := []string{"student_id", "attempt_id", "score", "max_score", "percentage", "passing_percentage", "passed", "answered", "total_questions", "auto_submitted", "started_at", "submitted_at"}
	header := make([]any, len(headers))
	for i, h := range headers {
		header[i] = h
	}
	if err := writeRow(f, sheet, 1, header); err != nil {
		return nil, err
	}

	for i, rec := range records {
		row := i + 2
		values := []any{
			rec.StudentID,
			rec.SessionID.String(),
			rec.Score,
			rec.MaxScore,
			rec.Percentage,
			rec.PassingPercentage,
			passLabel(rec.Passed),
			rec.Answered,
			rec.TotalQuestions,
			rec.AutoSubmitted,
			rec.StartedAt.Format("2006-01-02 15:04:05"),
			rec.SubmittedAt.Format("2006-01-02 15:04:05"),
		}
		if err := writeRow(f, sheet, row, values); err != nil {
			return nil, err
		}
	}
	if err := f.SetColWidth(sheet, "A", "L", 20); err != nil {
		return nil, fmt.Errorf("set column width: %w", err)
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("write excel: %w", err)
	}
	return buf.Bytes(), nil
}

// writeRow fills row from column A onwards and stops at the first failure.
func writeRow(f *excelize.File, sheet string, row int, values []any) error {
	for col, v := range values {
		cell, err := excelize.CoordinatesToCellName(col+1, row)
		if err != nil {
			return fmt.Errorf("cell name: %w", err)
		}
		if err := f.SetCellValue(sheet, cell, v); err != nil {
			return fmt.Errorf("write cell %s: %w", cell, err)
		}
	}
	return nil
}

func passLabel(passed bool) string {
	if passed {
		return "PASS"
	}
	return "FAIL"
}
