package repository

import (
	"context"
	"fmt"

	"github.com/rpattn/statedata/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type failedRowRepository struct {
	q querier
}

// NewFailedRowRepository wires the failure log backed by the staging schema.
func NewFailedRowRepository(pool *pgxpool.Pool) FailedRowRepository {
	return &failedRowRepository{q: pool}
}

func (r *failedRowRepository) Record(ctx context.Context, rows []domain.FailedRow) error {
	if len(rows) == 0 {
		return nil
	}

	_, err := r.q.CopyFrom(
		ctx,
		pgx.Identifier{"staging", "failed_rows"},
		[]string{"id", "import_id", "attempt", "row_number", "raw_fields", "column_name", "kind", "message", "created_at"},
		pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
			row := rows[i]
			raw := row.RawFields
			if raw == nil {
				raw = []string{}
			}
			return []any{
				row.ID,
				row.ImportID,
				row.Attempt,
				row.RowNumber,
				raw,
				string(row.Column),
				string(row.Kind),
				row.Message,
				row.CreatedAt,
			}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to record failed rows: %w", err)
	}
	return nil
}

func (r *failedRowRepository) ListByImport(ctx context.Context, importID uuid.UUID, attempt int) ([]domain.FailedRow, error) {
	rows, err := r.q.Query(
		ctx,
		`SELECT id, import_id, attempt, row_number, raw_fields, column_name, kind, message, created_at
		 FROM staging.failed_rows
		 WHERE import_id = $1 AND attempt = $2
		 ORDER BY row_number, created_at`,
		importID,
		attempt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed rows: %w", err)
	}
	defer rows.Close()

	failed := []domain.FailedRow{}
	for rows.Next() {
		var (
			row    domain.FailedRow
			column string
			kind   string
		)
		if err := rows.Scan(
			&row.ID,
			&row.ImportID,
			&row.Attempt,
			&row.RowNumber,
			&row.RawFields,
			&column,
			&kind,
			&row.Message,
			&row.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan failed row: %w", err)
		}
		row.Column = domain.Column(column)
		row.Kind = domain.FailureKind(kind)
		failed = append(failed, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate failed rows: %w", err)
	}
	return failed, nil
}

func (r *failedRowRepository) DeleteByImport(ctx context.Context, importID uuid.UUID) error {
	if _, err := r.q.Exec(ctx, `DELETE FROM staging.failed_rows WHERE import_id = $1`, importID); err != nil {
		return fmt.Errorf("failed to delete failed rows: %w", err)
	}
	return nil
}
