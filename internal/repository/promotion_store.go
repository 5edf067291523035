package repository

import (
	"context"
	"fmt"

	"github.com/rpattn/statedata/internal/db"
	"github.com/rpattn/statedata/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

type promotionStore struct {
	pool   *pgxpool.Pool
	logger logrus.FieldLogger
}

// NewPromotionStore wires the transactional promotion unit backed by pgxpool.
func NewPromotionStore(pool *pgxpool.Pool, logger logrus.FieldLogger) PromotionStore {
	return &promotionStore{pool: pool, logger: logger}
}

func (s *promotionStore) RunInTransaction(ctx context.Context, fn func(ctx context.Context, tx PromotionTx) error) error {
	if s.pool == nil {
		return fmt.Errorf("promotion store not initialized")
	}
	return db.WithTx(ctx, s.pool, s.logger, func(tx pgx.Tx) error {
		return fn(ctx, &promotionTx{
			q:        tx,
			staged:   &stagedRowRepository{q: tx},
			sessions: &importSessionRepository{q: tx},
		})
	})
}

type promotionTx struct {
	q        querier
	staged   *stagedRowRepository
	sessions *importSessionRepository
}

func (t *promotionTx) ListStaged(ctx context.Context, importID uuid.UUID) ([]domain.StagedRow, error) {
	return t.staged.ListByImport(ctx, importID, 0)
}

func (t *promotionTx) ActiveReferenceIDs(ctx context.Context, kind domain.ReferenceKind, ids []uuid.UUID) (map[uuid.UUID]bool, error) {
	active := make(map[uuid.UUID]bool, len(ids))
	if len(ids) == 0 {
		return active, nil
	}
	table, err := referenceTable(kind)
	if err != nil {
		return nil, err
	}

	rows, err := t.q.Query(ctx, fmt.Sprintf(`SELECT id FROM %s WHERE active AND id = ANY($1::uuid[]) FOR SHARE`, table), uuidStrings(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to check active %s references: %w", kind, err)
	}
	defer rows.Close()
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan %s reference id: %w", kind, err)
		}
		active[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s reference ids: %w", kind, err)
	}
	return active, nil
}

func (t *promotionTx) UpsertDataPoint(ctx context.Context, point domain.DataPoint) (bool, error) {
	var inserted bool
	err := t.q.QueryRow(
		ctx,
		`INSERT INTO data_points (id, state_id, statistic_id, year, value, import_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (state_id, statistic_id, year) DO UPDATE SET
			value = EXCLUDED.value,
			import_id = EXCLUDED.import_id,
			updated_at = EXCLUDED.updated_at
		 RETURNING (xmax = 0)`,
		point.ID,
		point.StateID,
		point.StatisticID,
		point.Year,
		numericFromDecimal(point.Value),
		point.ImportID,
		point.CreatedAt,
		point.UpdatedAt,
	).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("failed to upsert data point %s: %w", point.Key(), err)
	}
	return inserted, nil
}

func (t *promotionTx) DiscardStaged(ctx context.Context, importID uuid.UUID) (int, error) {
	return t.staged.Discard(ctx, importID)
}

func (t *promotionTx) TransitionImport(ctx context.Context, id uuid.UUID, transition domain.ImportTransition) (domain.ImportSession, error) {
	return t.sessions.Transition(ctx, id, transition)
}
