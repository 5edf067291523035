package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/rpattn/statedata/internal/domain"
	"github.com/rpattn/statedata/internal/repository"

	"github.com/google/uuid"
)

type sessionRepo struct{ s *Store }

func (r sessionRepo) Create(_ context.Context, session domain.ImportSession) (domain.ImportSession, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, exists := r.s.state.sessions[session.ID]; exists {
		return domain.ImportSession{}, fmt.Errorf("import session %s already exists", session.ID)
	}
	r.s.state.sessions[session.ID] = session
	return session, nil
}

func (r sessionRepo) GetByID(_ context.Context, id uuid.UUID) (domain.ImportSession, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	session, ok := r.s.state.sessions[id]
	if !ok {
		return domain.ImportSession{}, fmt.Errorf("%w: import %s", domain.ErrNotFound, id)
	}
	return session, nil
}

func (r sessionRepo) List(_ context.Context, filter domain.ImportSessionFilter) ([]domain.ImportSession, int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	matched := []domain.ImportSession{}
	for _, session := range r.s.state.sessions {
		if len(filter.Statuses) == 0 || slices.Contains(filter.Statuses, session.Status) {
			matched = append(matched, session)
		}
	}
	sortSessions(matched)
	total := len(matched)

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := max(filter.Offset, 0)
	if offset >= total {
		return []domain.ImportSession{}, total, nil
	}
	end := min(offset+limit, total)
	return matched[offset:end], total, nil
}

func (r sessionRepo) ListByStatus(_ context.Context, statuses []domain.ImportStatus) ([]domain.ImportSession, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	matched := []domain.ImportSession{}
	for _, session := range r.s.state.sessions {
		if slices.Contains(statuses, session.Status) {
			matched = append(matched, session)
		}
	}
	sortSessions(matched)
	slices.Reverse(matched)
	return matched, nil
}

func (r sessionRepo) FindPromotedDuplicate(_ context.Context, contentHash string, template domain.TemplateID, metadata domain.ImportMetadata) (domain.ImportSession, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var (
		found domain.ImportSession
		ok    bool
	)
	for _, session := range r.s.state.sessions {
		if session.Status != domain.ImportStatusPromoted ||
			session.ContentHash != contentHash ||
			session.TemplateID != template ||
			!session.Metadata.Equal(metadata) {
			continue
		}
		if !ok || session.CreatedAt.Before(found.CreatedAt) {
			found, ok = session, true
		}
	}
	if !ok {
		return domain.ImportSession{}, fmt.Errorf("%w: no promoted import with hash %s", domain.ErrNotFound, contentHash)
	}
	return found, nil
}

func (r sessionRepo) Transition(_ context.Context, id uuid.UUID, t domain.ImportTransition) (domain.ImportSession, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.state.transition(id, t, r.s.nowFn())
}

func (r sessionRepo) Delete(_ context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.state.sessions[id]; !ok {
		return fmt.Errorf("%w: import %s", domain.ErrNotFound, id)
	}
	delete(r.s.state.sessions, id)
	delete(r.s.state.staged, id)
	delete(r.s.state.failed, id)
	for key, point := range r.s.state.dataPoints {
		if point.ImportID != nil && *point.ImportID == id {
			point.ImportID = nil
			r.s.state.dataPoints[key] = point
		}
	}
	for sid, session := range r.s.state.sessions {
		if session.DuplicateOf != nil && *session.DuplicateOf == id {
			session.DuplicateOf = nil
			r.s.state.sessions[sid] = session
		}
	}
	return nil
}

type stagedRepo struct{ s *Store }

func (r stagedRepo) Stage(_ context.Context, importID uuid.UUID, rows []domain.StagedRow) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.state.sessions[importID]; !ok {
		return 0, fmt.Errorf("%w: import %s", domain.ErrNotFound, importID)
	}
	for _, row := range rows {
		if row.ImportID != importID {
			return 0, fmt.Errorf("staged row %d belongs to import %s", row.RowNumber, row.ImportID)
		}
	}
	r.s.state.staged[importID] = append(r.s.state.staged[importID], rows...)
	return len(rows), nil
}

func (r stagedRepo) ListByImport(_ context.Context, importID uuid.UUID, limit int) ([]domain.StagedRow, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return r.s.state.listStaged(importID, limit), nil
}

func (r stagedRepo) Count(_ context.Context, importID uuid.UUID) (int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return len(r.s.state.staged[importID]), nil
}

func (r stagedRepo) Discard(_ context.Context, importID uuid.UUID) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.state.discardStaged(importID), nil
}

type failedRepo struct{ s *Store }

func (r failedRepo) Record(_ context.Context, rows []domain.FailedRow) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, row := range rows {
		if _, ok := r.s.state.sessions[row.ImportID]; !ok {
			return fmt.Errorf("%w: import %s", domain.ErrNotFound, row.ImportID)
		}
	}
	for _, row := range rows {
		row.RawFields = append([]string(nil), row.RawFields...)
		r.s.state.failed[row.ImportID] = append(r.s.state.failed[row.ImportID], row)
	}
	return nil
}

func (r failedRepo) ListByImport(_ context.Context, importID uuid.UUID, attempt int) ([]domain.FailedRow, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := []domain.FailedRow{}
	for _, row := range r.s.state.failed[importID] {
		if row.Attempt == attempt {
			row.RawFields = append([]string(nil), row.RawFields...)
			out = append(out, row)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RowNumber < out[j].RowNumber })
	return out, nil
}

func (r failedRepo) DeleteByImport(_ context.Context, importID uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.state.failed, importID)
	return nil
}

type referenceRepo struct{ s *Store }

func (r referenceRepo) FindActive(_ context.Context, kind domain.ReferenceKind, scope uuid.UUID, keys []string) ([]domain.ReferenceEntity, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	entities, ok := r.s.state.references[kind]
	if !ok {
		return nil, fmt.Errorf("unknown reference kind %q", kind)
	}
	out := []domain.ReferenceEntity{}
	for _, entity := range entities {
		if !entity.Active || !slices.Contains(keys, entity.Key()) {
			continue
		}
		if kind == domain.ReferenceKindStatistic && scope != uuid.Nil &&
			(entity.CategoryID == nil || *entity.CategoryID != scope) {
			continue
		}
		out = append(out, entity)
	}
	sortReferences(out)
	return out, nil
}

func (r referenceRepo) GetByID(_ context.Context, kind domain.ReferenceKind, id uuid.UUID) (domain.ReferenceEntity, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	entity, ok := r.s.state.references[kind][id]
	if !ok {
		return domain.ReferenceEntity{}, fmt.Errorf("%w: %s %s", domain.ErrNotFound, kind, id)
	}
	return entity, nil
}

func (r referenceRepo) List(_ context.Context, kind domain.ReferenceKind) ([]domain.ReferenceEntity, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	entities, ok := r.s.state.references[kind]
	if !ok {
		return nil, fmt.Errorf("unknown reference kind %q", kind)
	}
	out := make([]domain.ReferenceEntity, 0, len(entities))
	for _, entity := range entities {
		out = append(out, entity)
	}
	sortReferences(out)
	return out, nil
}

func sortReferences(entities []domain.ReferenceEntity) {
	sort.Slice(entities, func(i, j int) bool {
		if entities[i].Name != entities[j].Name {
			return entities[i].Name < entities[j].Name
		}
		return entities[i].ID.String() < entities[j].ID.String()
	})
}

type dataPointRepo struct{ s *Store }

func (r dataPointRepo) ListByKeys(_ context.Context, keys []domain.DataPointKey) ([]domain.DataPoint, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	seen := make(map[domain.DataPointKey]bool, len(keys))
	out := []domain.DataPoint{}
	for _, key := range keys {
		if seen[key] {
			continue
		}
		seen[key] = true
		if point, ok := r.s.state.dataPoints[key]; ok {
			out = append(out, point)
		}
	}
	return out, nil
}

func (r dataPointRepo) ListByImport(_ context.Context, importID uuid.UUID) ([]domain.DataPoint, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := []domain.DataPoint{}
	for _, point := range r.s.state.dataPoints {
		if point.ImportID != nil && *point.ImportID == importID {
			out = append(out, point)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().String() < out[j].Key().String() })
	return out, nil
}

type transaction struct {
	state      memoryState
	now        time.Time
	upsertHook func(domain.DataPoint) error
}

func (tx *transaction) ListStaged(_ context.Context, importID uuid.UUID) ([]domain.StagedRow, error) {
	return tx.state.listStaged(importID, 0), nil
}

func (tx *transaction) ActiveReferenceIDs(_ context.Context, kind domain.ReferenceKind, ids []uuid.UUID) (map[uuid.UUID]bool, error) {
	if _, ok := tx.state.references[kind]; !ok {
		return nil, fmt.Errorf("unknown reference kind %q", kind)
	}
	return tx.state.activeIDs(kind, ids), nil
}

func (tx *transaction) UpsertDataPoint(_ context.Context, point domain.DataPoint) (bool, error) {
	if tx.upsertHook != nil {
		if err := tx.upsertHook(point); err != nil {
			return false, fmt.Errorf("failed to upsert data point %s: %w", point.Key(), err)
		}
	}
	if err := tx.state.checkForeignKeys(point); err != nil {
		return false, fmt.Errorf("failed to upsert data point %s: %w", point.Key(), err)
	}
	return tx.state.upsert(point), nil
}

func (tx *transaction) DiscardStaged(_ context.Context, importID uuid.UUID) (int, error) {
	return tx.state.discardStaged(importID), nil
}

func (tx *transaction) TransitionImport(_ context.Context, id uuid.UUID, t domain.ImportTransition) (domain.ImportSession, error) {
	return tx.state.transition(id, t, tx.now)
}

var (
	_ repository.ImportSessionRepository = sessionRepo{}
	_ repository.StagedRowRepository     = stagedRepo{}
	_ repository.FailedRowRepository     = failedRepo{}
	_ repository.ReferenceRepository     = referenceRepo{}
	_ repository.DataPointRepository     = dataPointRepo{}
	_ repository.PromotionTx             = (*transaction)(nil)
)
