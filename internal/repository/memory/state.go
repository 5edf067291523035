package memory

import (
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/rpattn/statedata/internal/domain"

	"github.com/google/uuid"
)

func (s *memoryState) transition(id uuid.UUID, t domain.ImportTransition, now time.Time) (domain.ImportSession, error) {
	session, ok := s.sessions[id]
	if !ok {
		return domain.ImportSession{}, fmt.Errorf("%w: import %s", domain.ErrNotFound, id)
	}
	if !t.Allows(session.Status) {
		return domain.ImportSession{}, &domain.TransitionError{From: session.Status, To: t.To}
	}
	session = t.Apply(session, now)
	s.sessions[id] = session
	return session, nil
}

func (s *memoryState) listStaged(importID uuid.UUID, limit int) []domain.StagedRow {
	rows := append([]domain.StagedRow(nil), s.staged[importID]...)
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].RowNumber < rows[j].RowNumber })
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	if rows == nil {
		rows = []domain.StagedRow{}
	}
	return rows
}

func (s *memoryState) discardStaged(importID uuid.UUID) int {
	count := len(s.staged[importID])
	delete(s.staged, importID)
	return count
}

func (s *memoryState) activeIDs(kind domain.ReferenceKind, ids []uuid.UUID) map[uuid.UUID]bool {
	active := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		if entity, ok := s.references[kind][id]; ok && entity.Active {
			active[id] = true
		}
	}
	return active
}

func (s *memoryState) upsert(point domain.DataPoint) bool {
	key := point.Key()
	existing, ok := s.dataPoints[key]
	if ok {
		existing.Value = point.Value
		existing.ImportID = point.ImportID
		existing.UpdatedAt = point.UpdatedAt
		s.dataPoints[key] = existing
		return false
	}
	s.dataPoints[key] = point
	return true
}

func (s *memoryState) checkForeignKeys(point domain.DataPoint) error {
	if _, ok := s.references[domain.ReferenceKindState][point.StateID]; !ok {
		return fmt.Errorf("state %s does not exist", point.StateID)
	}
	if _, ok := s.references[domain.ReferenceKindStatistic][point.StatisticID]; !ok {
		return fmt.Errorf("statistic %s does not exist", point.StatisticID)
	}
	return nil
}

func sortSessions(sessions []domain.ImportSession) {
	slices.SortStableFunc(sessions, func(a, b domain.ImportSession) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return slices.Compare(a.ID[:], b.ID[:])
	})
}
