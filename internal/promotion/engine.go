// Package promotion moves staged rows into production data points inside a
// single transaction.
package promotion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rpattn/statedata/internal/domain"
	"github.com/rpattn/statedata/internal/repository"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Result summarises a committed promotion.
type Result struct {
	PublishedRows int
	Inserted      int
	Updated       int
	Session       domain.ImportSession
}

// Engine promotes one import at a time. The session must already be Promoting.
type Engine struct {
	store  repository.PromotionStore
	logger logrus.FieldLogger
	now    func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the clock used for audit timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine builds an engine over store.
func NewEngine(store repository.PromotionStore, logger logrus.FieldLogger, opts ...Option) *Engine {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	e := &Engine{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var errNoStagedRows = errors.New("import has no staged rows")

// Promote upserts every staged row of importID, clears the staging area and
// marks the session Promoted. Either all of it commits or none of it does;
// failures are returned as *domain.PromotionError.
func (e *Engine) Promote(ctx context.Context, importID uuid.UUID, userID string) (Result, error) {
	var result Result
	err := e.store.RunInTransaction(ctx, func(ctx context.Context, tx repository.PromotionTx) error {
		result = Result{}

		rows, err := tx.ListStaged(ctx, importID)
		if err != nil {
			return &domain.PromotionError{Err: err}
		}
		if len(rows) == 0 {
			return &domain.PromotionError{Err: errNoStagedRows}
		}
		if err := e.checkReferences(ctx, tx, rows); err != nil {
			return err
		}

		now := e.now()
		// Repeated keys are written in row order so the last value wins, but
		// each key is counted once.
		seen := make(map[domain.DataPointKey]struct{}, len(rows))
		for _, row := range rows {
			inserted, err := tx.UpsertDataPoint(ctx, domain.DataPointFromStaged(row, now))
			if err != nil {
				return &domain.PromotionError{RowNumber: row.RowNumber, Err: err}
			}
			if _, dup := seen[row.Key()]; dup {
				continue
			}
			seen[row.Key()] = struct{}{}
			if inserted {
				result.Inserted++
			} else {
				result.Updated++
			}
		}

		if _, err := tx.DiscardStaged(ctx, importID); err != nil {
			return &domain.PromotionError{Err: err}
		}

		published := len(seen)
		session, err := tx.TransitionImport(ctx, importID, domain.ImportTransition{
			From:          []domain.ImportStatus{domain.ImportStatusPromoting},
			To:            domain.ImportStatusPromoted,
			PublishedRows: &published,
			PromotedBy:    &userID,
			PromotedAt:    &now,
			ClearError:    true,
		})
		if err != nil {
			return &domain.PromotionError{Err: err}
		}
		result.PublishedRows = published
		result.Session = session
		return nil
	})
	if err != nil {
		var promotionErr *domain.PromotionError
		if !errors.As(err, &promotionErr) {
			err = &domain.PromotionError{Err: err}
		}
		return Result{}, err
	}

	e.logger.WithFields(logrus.Fields{
		"import_id": importID,
		"rows":      result.PublishedRows,
		"inserted":  result.Inserted,
		"updated":   result.Updated,
	}).Info("promoted import")
	return result, nil
}

// checkReferences fails on the first row that is flagged invalid or points at
// an inactive reference entity.
func (e *Engine) checkReferences(ctx context.Context, tx repository.PromotionTx, rows []domain.StagedRow) error {
	ids := map[domain.ReferenceKind][]uuid.UUID{}
	for _, row := range rows {
		ids[domain.ReferenceKindState] = append(ids[domain.ReferenceKindState], row.StateID)
		ids[domain.ReferenceKindCategory] = append(ids[domain.ReferenceKindCategory], row.CategoryID)
		ids[domain.ReferenceKindStatistic] = append(ids[domain.ReferenceKindStatistic], row.StatisticID)
	}
	active := make(map[domain.ReferenceKind]map[uuid.UUID]bool, len(ids))
	for kind, list := range ids {
		found, err := tx.ActiveReferenceIDs(ctx, kind, uniqueIDs(list))
		if err != nil {
			return &domain.PromotionError{Err: err}
		}
		active[kind] = found
	}

	for _, row := range rows {
		if !row.Valid {
			return &domain.PromotionError{RowNumber: row.RowNumber, Err: fmt.Errorf("%w: row failed revalidation", domain.ErrValidation)}
		}
		for _, ref := range []struct {
			kind domain.ReferenceKind
			id   uuid.UUID
		}{
			{domain.ReferenceKindState, row.StateID},
			{domain.ReferenceKindCategory, row.CategoryID},
			{domain.ReferenceKindStatistic, row.StatisticID},
		} {
			if !active[ref.kind][ref.id] {
				return &domain.PromotionError{
					RowNumber: row.RowNumber,
					Err:       fmt.Errorf("%w: %s %s is not active", domain.ErrUnresolvedReference, ref.kind, ref.id),
				}
			}
		}
	}
	return nil
}

func uniqueIDs(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
