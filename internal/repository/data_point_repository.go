package repository

import (
	"context"
	"fmt"

	"github.com/rpattn/statedata/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

const dataPointColumns = `d.id, d.state_id, d.statistic_id, d.year, d.value, d.import_id, d.created_at, d.updated_at`

type dataPointRepository struct {
	q querier
}

// NewDataPointRepository wires production data point reads backed by pgxpool.
func NewDataPointRepository(pool *pgxpool.Pool) DataPointRepository {
	return &dataPointRepository{q: pool}
}

func (r *dataPointRepository) ListByKeys(ctx context.Context, keys []domain.DataPointKey) ([]domain.DataPoint, error) {
	if len(keys) == 0 {
		return []domain.DataPoint{}, nil
	}
	stateIDs := make([]string, len(keys))
	statisticIDs := make([]string, len(keys))
	years := make([]int32, len(keys))
	for i, key := range keys {
		stateIDs[i] = key.StateID.String()
		statisticIDs[i] = key.StatisticID.String()
		years[i] = int32(key.Year)
	}

	rows, err := r.q.Query(
		ctx,
		`SELECT DISTINCT `+dataPointColumns+`
		 FROM data_points d
		 JOIN unnest($1::uuid[], $2::uuid[], $3::int[]) AS k(state_id, statistic_id, year)
		   ON d.state_id = k.state_id AND d.statistic_id = k.statistic_id AND d.year = k.year`,
		stateIDs,
		statisticIDs,
		years,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list data points by key: %w", err)
	}
	return collectDataPoints(rows)
}

func (r *dataPointRepository) ListByImport(ctx context.Context, importID uuid.UUID) ([]domain.DataPoint, error) {
	rows, err := r.q.Query(
		ctx,
		`SELECT `+dataPointColumns+` FROM data_points d WHERE d.import_id = $1 ORDER BY d.state_id, d.statistic_id, d.year`,
		importID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list data points by import: %w", err)
	}
	return collectDataPoints(rows)
}

func collectDataPoints(rows pgx.Rows) ([]domain.DataPoint, error) {
	defer rows.Close()

	points := []domain.DataPoint{}
	for rows.Next() {
		var (
			point    domain.DataPoint
			value    pgtype.Numeric
			importID pgtype.UUID
		)
		if err := rows.Scan(
			&point.ID,
			&point.StateID,
			&point.StatisticID,
			&point.Year,
			&value,
			&importID,
			&point.CreatedAt,
			&point.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan data point: %w", err)
		}
		var err error
		if point.Value, err = decimalFromNumeric(value); err != nil {
			return nil, fmt.Errorf("data point %s: %w", point.ID, err)
		}
		point.ImportID = uuidPtr(importID)
		points = append(points, point)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate data points: %w", err)
	}
	return points, nil
}
