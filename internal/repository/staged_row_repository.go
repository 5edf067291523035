package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/rpattn/statedata/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

var stagedRowColumns = []string{
	"id", "import_id", "row_number", "state_id", "category_id", "statistic_id", "year", "value", "valid", "created_at",
}

type stagedRowRepository struct {
	q querier
}

// NewStagedRowRepository wires the staging store backed by the staging schema.
func NewStagedRowRepository(pool *pgxpool.Pool) StagedRowRepository {
	return &stagedRowRepository{q: pool}
}

func (r *stagedRowRepository) Stage(ctx context.Context, importID uuid.UUID, rows []domain.StagedRow) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	copied, err := r.q.CopyFrom(
		ctx,
		pgx.Identifier{"staging", "staged_rows"},
		stagedRowColumns,
		pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
			row := rows[i]
			if row.ImportID != importID {
				return nil, fmt.Errorf("staged row %d belongs to import %s", row.RowNumber, row.ImportID)
			}
			return []any{
				row.ID,
				importID,
				row.RowNumber,
				row.StateID,
				row.CategoryID,
				row.StatisticID,
				row.Year,
				numericFromDecimal(row.Value),
				row.Valid,
				row.CreatedAt,
			}, nil
		}),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to stage rows: %w", err)
	}
	return int(copied), nil
}

func (r *stagedRowRepository) ListByImport(ctx context.Context, importID uuid.UUID, limit int) ([]domain.StagedRow, error) {
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}

	rows, err := r.q.Query(
		ctx,
		`SELECT `+strings.Join(stagedRowColumns, ", ")+`
		 FROM staging.staged_rows
		 WHERE import_id = $1
		 ORDER BY row_number, id
		 LIMIT $2`,
		importID,
		limitArg,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list staged rows: %w", err)
	}
	defer rows.Close()

	staged := []domain.StagedRow{}
	for rows.Next() {
		var (
			row   domain.StagedRow
			value pgtype.Numeric
		)
		if err := rows.Scan(
			&row.ID,
			&row.ImportID,
			&row.RowNumber,
			&row.StateID,
			&row.CategoryID,
			&row.StatisticID,
			&row.Year,
			&value,
			&row.Valid,
			&row.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan staged row: %w", err)
		}
		if row.Value, err = decimalFromNumeric(value); err != nil {
			return nil, fmt.Errorf("staged row %d: %w", row.RowNumber, err)
		}
		staged = append(staged, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate staged rows: %w", err)
	}
	return staged, nil
}

func (r *stagedRowRepository) Count(ctx context.Context, importID uuid.UUID) (int, error) {
	var count int
	if err := r.q.QueryRow(ctx, `SELECT COUNT(*) FROM staging.staged_rows WHERE import_id = $1`, importID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count staged rows: %w", err)
	}
	return count, nil
}

func (r *stagedRowRepository) Discard(ctx context.Context, importID uuid.UUID) (int, error) {
	tag, err := r.q.Exec(ctx, `DELETE FROM staging.staged_rows WHERE import_id = $1`, importID)
	if err != nil {
		return 0, fmt.Errorf("failed to discard staged rows: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
