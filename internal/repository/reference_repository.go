package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/rpattn/statedata/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

type referenceRepository struct {
	q querier
}

// NewReferenceRepository wires a reference repository backed by pgxpool.
func NewReferenceRepository(pool *pgxpool.Pool) ReferenceRepository {
	return &referenceRepository{q: pool}
}

func (r *referenceRepository) FindActive(ctx context.Context, kind domain.ReferenceKind, scope uuid.UUID, keys []string) ([]domain.ReferenceEntity, error) {
	if len(keys) == 0 {
		return []domain.ReferenceEntity{}, nil
	}
	table, err := referenceTable(kind)
	if err != nil {
		return nil, err
	}

	var rows pgx.Rows
	if kind == domain.ReferenceKindStatistic {
		rows, err = r.q.Query(
			ctx,
			`SELECT id, name, category_id, active
			 FROM statistics
			 WHERE active
			   AND name_key = ANY($1::text[])
			   AND ($2::uuid IS NULL OR category_id = $2::uuid)
			 ORDER BY name`,
			keys,
			nullableUUID(scope),
		)
	} else {
		rows, err = r.q.Query(
			ctx,
			fmt.Sprintf(`SELECT id, name, NULL::uuid, active FROM %s WHERE active AND name_key = ANY($1::text[]) ORDER BY name`, table),
			keys,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find %s references: %w", kind, err)
	}
	return collectReferences(rows, kind)
}

func (r *referenceRepository) GetByID(ctx context.Context, kind domain.ReferenceKind, id uuid.UUID) (domain.ReferenceEntity, error) {
	table, err := referenceTable(kind)
	if err != nil {
		return domain.ReferenceEntity{}, err
	}

	categoryColumn := "NULL::uuid"
	if kind == domain.ReferenceKindStatistic {
		categoryColumn = "category_id"
	}

	var (
		entity     = domain.ReferenceEntity{Kind: kind}
		categoryID pgtype.UUID
	)
	err = r.q.QueryRow(
		ctx,
		fmt.Sprintf(`SELECT id, name, %s, active FROM %s WHERE id = $1`, categoryColumn, table),
		id,
	).Scan(&entity.ID, &entity.Name, &categoryID, &entity.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ReferenceEntity{}, fmt.Errorf("%w: %s %s", domain.ErrNotFound, kind, id)
		}
		return domain.ReferenceEntity{}, fmt.Errorf("failed to get %s reference: %w", kind, err)
	}
	entity.CategoryID = uuidPtr(categoryID)
	return entity, nil
}

func (r *referenceRepository) List(ctx context.Context, kind domain.ReferenceKind) ([]domain.ReferenceEntity, error) {
	table, err := referenceTable(kind)
	if err != nil {
		return nil, err
	}
	categoryColumn := "NULL::uuid"
	if kind == domain.ReferenceKindStatistic {
		categoryColumn = "category_id"
	}

	rows, err := r.q.Query(ctx, fmt.Sprintf(`SELECT id, name, %s, active FROM %s ORDER BY name`, categoryColumn, table))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s references: %w", kind, err)
	}
	return collectReferences(rows, kind)
}

func collectReferences(rows pgx.Rows, kind domain.ReferenceKind) ([]domain.ReferenceEntity, error) {
	defer rows.Close()

	entities := []domain.ReferenceEntity{}
	for rows.Next() {
		var (
			entity     = domain.ReferenceEntity{Kind: kind}
			categoryID pgtype.UUID
		)
		if err := rows.Scan(&entity.ID, &entity.Name, &categoryID, &entity.Active); err != nil {
			return nil, fmt.Errorf("failed to scan %s reference: %w", kind, err)
		}
		entity.CategoryID = uuidPtr(categoryID)
		entities = append(entities, entity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s references: %w", kind, err)
	}
	return entities, nil
}

func nullableUUID(id uuid.UUID) any {
	if id == uuid.Nil {
		return nil
	}
	return id
}
