// Package failurelog records rows that could not be staged and renders them
// as a downloadable CSV report. Promotion never reads it.
package failurelog

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"

	"github.com/rpattn/statedata/internal/domain"
	"github.com/rpattn/statedata/internal/repository"

	"github.com/google/uuid"
)

// Entry is one failure to record.
type Entry struct {
	ImportID  uuid.UUID
	Attempt   int
	RowNumber int
	RawFields []string
	Column    domain.Column
	Kind      domain.FailureKind
	Message   string
}

// Logger appends failures to the failed row repository.
type Logger struct {
	repo repository.FailedRowRepository
	now  func() time.Time
}

// New builds a Logger over repo.
func New(repo repository.FailedRowRepository) *Logger {
	return &Logger{repo: repo, now: func() time.Time { return time.Now().UTC() }}
}

// Record appends a single failure.
func (l *Logger) Record(ctx context.Context, entry Entry) error {
	return l.RecordAll(ctx, []Entry{entry})
}

// RecordAll appends failures in one write.
func (l *Logger) RecordAll(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	now := l.now()
	rows := make([]domain.FailedRow, len(entries))
	for i, entry := range entries {
		rows[i] = domain.FailedRow{
			ID:        uuid.New(),
			ImportID:  entry.ImportID,
			Attempt:   entry.Attempt,
			RowNumber: entry.RowNumber,
			RawFields: append([]string(nil), entry.RawFields...),
			Column:    entry.Column,
			Kind:      entry.Kind,
			Message:   entry.Message,
			CreatedAt: now,
		}
	}
	if err := l.repo.Record(ctx, rows); err != nil {
		return fmt.Errorf("record failed rows: %w", err)
	}
	return nil
}

// List returns the failures of the session's current attempt.
func (l *Logger) List(ctx context.Context, session domain.ImportSession) ([]domain.FailedRow, error) {
	return l.repo.ListByImport(ctx, session.ID, session.Attempt)
}

// Purge removes every failure of importID across all attempts.
func (l *Logger) Purge(ctx context.Context, importID uuid.UUID) error {
	if err := l.repo.DeleteByImport(ctx, importID); err != nil {
		return fmt.Errorf("purge failed rows: %w", err)
	}
	return nil
}

// ExportCSV renders the current attempt's failures, or nil when there are none.
// Columns are Row, the template columns, Error Type and Reason.
func (l *Logger) ExportCSV(ctx context.Context, session domain.ImportSession) ([]byte, error) {
	rows, err := l.List(ctx, session)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	template, err := domain.LookupTemplate(string(session.TemplateID))
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	header := append([]string{"Row"}, template.Header()...)
	header = append(header, "Error Type", "Reason")
	if err := writer.Write(header); err != nil {
		return nil, fmt.Errorf("write failed rows header: %w", err)
	}

	width := len(template.Columns)
	for _, row := range rows {
		record := make([]string, 0, width+3)
		record = append(record, strconv.Itoa(row.RowNumber))
		for i := 0; i < width; i++ {
			if i < len(row.RawFields) {
				record = append(record, row.RawFields[i])
			} else {
				record = append(record, "")
			}
		}
		record = append(record, string(row.Kind), row.Message)
		if err := writer.Write(record); err != nil {
			return nil, fmt.Errorf("write failed row %d: %w", row.RowNumber, err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("flush failed rows: %w", err)
	}
	return buf.Bytes(), nil
}

// Summarize counts failures per kind.
func Summarize(rows []domain.FailedRow) map[domain.FailureKind]int {
	counts := make(map[domain.FailureKind]int)
	for _, row := range rows {
		counts[row.Kind]++
	}
	return counts
}
