// Package memory provides in-memory implementations of the repository
// interfaces. A Store holds all state behind one lock; promotion runs against
// a cloned snapshot that replaces the live state only when it commits.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/rpattn/statedata/internal/domain"
	"github.com/rpattn/statedata/internal/repository"

	"github.com/google/uuid"
)

type memoryState struct {
	sessions   map[uuid.UUID]domain.ImportSession
	staged     map[uuid.UUID][]domain.StagedRow
	failed     map[uuid.UUID][]domain.FailedRow
	references map[domain.ReferenceKind]map[uuid.UUID]domain.ReferenceEntity
	dataPoints map[domain.DataPointKey]domain.DataPoint
}

func newMemoryState() memoryState {
	return memoryState{
		sessions: make(map[uuid.UUID]domain.ImportSession),
		staged:   make(map[uuid.UUID][]domain.StagedRow),
		failed:   make(map[uuid.UUID][]domain.FailedRow),
		references: map[domain.ReferenceKind]map[uuid.UUID]domain.ReferenceEntity{
			domain.ReferenceKindState:     {},
			domain.ReferenceKindCategory:  {},
			domain.ReferenceKindStatistic: {},
		},
		dataPoints: make(map[domain.DataPointKey]domain.DataPoint),
	}
}

func (s memoryState) clone() memoryState {
	out := newMemoryState()
	for id, session := range s.sessions {
		out.sessions[id] = session
	}
	for id, rows := range s.staged {
		out.staged[id] = append([]domain.StagedRow(nil), rows...)
	}
	for id, rows := range s.failed {
		out.failed[id] = append([]domain.FailedRow(nil), rows...)
	}
	for kind, entities := range s.references {
		copied := make(map[uuid.UUID]domain.ReferenceEntity, len(entities))
		for id, entity := range entities {
			copied[id] = entity
		}
		out.references[kind] = copied
	}
	for key, point := range s.dataPoints {
		out.dataPoints[key] = point
	}
	return out
}

// Store is an in-memory backend for every repository interface.
type Store struct {
	mu         sync.RWMutex
	state      memoryState
	nowFn      func() time.Time
	upsertHook func(domain.DataPoint) error
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{
		state: newMemoryState(),
		nowFn: func() time.Time { return time.Now().UTC() },
	}
}

// AddReferences seeds reference entities.
func (s *Store) AddReferences(entities ...domain.ReferenceEntity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entity := range entities {
		s.state.references[entity.Kind][entity.ID] = entity
	}
}

// SetReferenceActive flips the active flag of a seeded entity.
func (s *Store) SetReferenceActive(kind domain.ReferenceKind, id uuid.UUID, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entity, ok := s.state.references[kind][id]; ok {
		entity.Active = active
		s.state.references[kind][id] = entity
	}
}

// PutDataPoint writes a production record directly.
func (s *Store) PutDataPoint(point domain.DataPoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.dataPoints[point.Key()] = point
}

// FailUpsertsWith installs a hook consulted before every data point upsert.
// A non-nil error from the hook aborts the write. Passing nil removes the hook.
func (s *Store) FailUpsertsWith(hook func(domain.DataPoint) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertHook = hook
}

// Sessions returns the import session repository view.
func (s *Store) Sessions() repository.ImportSessionRepository { return sessionRepo{s} }

// StagedRows returns the staging store view.
func (s *Store) StagedRows() repository.StagedRowRepository { return stagedRepo{s} }

// FailedRows returns the failure log view.
func (s *Store) FailedRows() repository.FailedRowRepository { return failedRepo{s} }

// References returns the reference data view.
func (s *Store) References() repository.ReferenceRepository { return referenceRepo{s} }

// DataPoints returns the production data point view.
func (s *Store) DataPoints() repository.DataPointRepository { return dataPointRepo{s} }

// RunInTransaction executes fn against a cloned state that replaces the live
// state only when fn returns nil. fn must only use the provided tx.
func (s *Store) RunInTransaction(ctx context.Context, fn func(ctx context.Context, tx repository.PromotionTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{
		state:      s.state.clone(),
		now:        s.nowFn(),
		upsertHook: s.upsertHook,
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	s.state = tx.state
	return nil
}

var _ repository.PromotionStore = (*Store)(nil)
