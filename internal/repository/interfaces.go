package repository

import (
	"context"

	"github.com/rpattn/statedata/internal/domain"

	"github.com/google/uuid"
)

// ReferenceRepository reads the pre-seeded state, category and statistic tables.
type ReferenceRepository interface {
	// FindActive returns active entities of kind whose normalized name is in keys.
	// scope is the category id for statistics and uuid.Nil for other kinds.
	FindActive(ctx context.Context, kind domain.ReferenceKind, scope uuid.UUID, keys []string) ([]domain.ReferenceEntity, error)
	GetByID(ctx context.Context, kind domain.ReferenceKind, id uuid.UUID) (domain.ReferenceEntity, error)
	List(ctx context.Context, kind domain.ReferenceKind) ([]domain.ReferenceEntity, error)
}

// ImportSessionRepository persists import sessions and their status.
type ImportSessionRepository interface {
	Create(ctx context.Context, session domain.ImportSession) (domain.ImportSession, error)
	GetByID(ctx context.Context, id uuid.UUID) (domain.ImportSession, error)
	List(ctx context.Context, filter domain.ImportSessionFilter) ([]domain.ImportSession, int, error)
	// FindPromotedDuplicate returns the earliest promoted session with the same content,
	// template and metadata, or domain.ErrNotFound.
	FindPromotedDuplicate(ctx context.Context, contentHash string, template domain.TemplateID, metadata domain.ImportMetadata) (domain.ImportSession, error)
	// Transition applies t only when the stored status is one of t.From.
	Transition(ctx context.Context, id uuid.UUID, t domain.ImportTransition) (domain.ImportSession, error)
	// ListByStatus returns every session currently in one of statuses.
	ListByStatus(ctx context.Context, statuses []domain.ImportStatus) ([]domain.ImportSession, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// StagedRowRepository is the staging store. Production reads never use it.
type StagedRowRepository interface {
	Stage(ctx context.Context, importID uuid.UUID, rows []domain.StagedRow) (int, error)
	// ListByImport returns rows in original row order. limit <= 0 returns every row.
	ListByImport(ctx context.Context, importID uuid.UUID, limit int) ([]domain.StagedRow, error)
	Count(ctx context.Context, importID uuid.UUID) (int, error)
	Discard(ctx context.Context, importID uuid.UUID) (int, error)
}

// FailedRowRepository is the append-only failure log.
type FailedRowRepository interface {
	Record(ctx context.Context, rows []domain.FailedRow) error
	// ListByImport returns failures of one attempt in row order.
	ListByImport(ctx context.Context, importID uuid.UUID, attempt int) ([]domain.FailedRow, error)
	DeleteByImport(ctx context.Context, importID uuid.UUID) error
}

// DataPointRepository reads production data points.
type DataPointRepository interface {
	ListByKeys(ctx context.Context, keys []domain.DataPointKey) ([]domain.DataPoint, error)
	ListByImport(ctx context.Context, importID uuid.UUID) ([]domain.DataPoint, error)
}

// PromotionStore opens the atomic unit used to move staged rows into production.
type PromotionStore interface {
	RunInTransaction(ctx context.Context, fn func(ctx context.Context, tx PromotionTx) error) error
}

// PromotionTx is the set of operations available inside a promotion transaction.
type PromotionTx interface {
	ListStaged(ctx context.Context, importID uuid.UUID) ([]domain.StagedRow, error)
	// ActiveReferenceIDs reports which of ids belong to active entities of kind.
	ActiveReferenceIDs(ctx context.Context, kind domain.ReferenceKind, ids []uuid.UUID) (map[uuid.UUID]bool, error)
	// UpsertDataPoint inserts or updates by natural key and reports whether a row was inserted.
	UpsertDataPoint(ctx context.Context, point domain.DataPoint) (bool, error)
	DiscardStaged(ctx context.Context, importID uuid.UUID) (int, error)
	TransitionImport(ctx context.Context, id uuid.UUID, t domain.ImportTransition) (domain.ImportSession, error)
}
