package promotion

import (
	"context"
	"errors"
	"testing"

	"github.com/rpattn/statedata/internal/domain"
	"github.com/rpattn/statedata/internal/repository/memory"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var stateNames = []string{"Alabama", "Alaska", "Arizona", "Arkansas", "California", "Colorado", "Connecticut", "Delaware", "Florida", "Georgia"}

func promotingSession(t *testing.T, store *memory.Store) domain.ImportSession {
	t.Helper()
	ctx := context.Background()
	session := domain.NewImportSession("data.csv", uuid.NewString(), domain.TemplateMultiCategory, domain.MultiCategoryMetadata(), "analyst")
	_, err := store.Sessions().Create(ctx, session)
	require.NoError(t, err)

	refs := func(state string) domain.ResolvedReferences {
		return domain.ResolvedReferences{
			StateID:     memory.ReferenceID(domain.ReferenceKindState, state),
			CategoryID:  memory.ReferenceID(domain.ReferenceKindCategory, "Economy"),
			StatisticID: memory.ReferenceID(domain.ReferenceKindStatistic, "Economy/Median Household Income"),
		}
	}
	rows := make([]domain.StagedRow, 0, len(stateNames))
	for i, state := range stateNames {
		rows = append(rows, domain.NewStagedRow(session.ID, i+2, refs(state), 2023, decimal.NewFromInt(int64(50000+i))))
	}
	_, err = store.StagedRows().Stage(ctx, session.ID, rows)
	require.NoError(t, err)

	for _, status := range []domain.ImportStatus{domain.ImportStatusStaging, domain.ImportStatusStaged, domain.ImportStatusPromoting} {
		session, err = store.Sessions().Transition(ctx, session.ID, domain.TransitionTo(status))
		require.NoError(t, err)
	}
	return session
}

func newEngine(store *memory.Store) (*Engine, *test.Hook) {
	logger, hook := test.NewNullLogger()
	return NewEngine(store, logger), hook
}

func TestPromotePublishesAllRows(t *testing.T) {
	ctx := context.Background()
	store := memory.NewSeededStore()
	session := promotingSession(t, store)
	engine, hook := newEngine(store)

	result, err := engine.Promote(ctx, session.ID, "reviewer")
	require.NoError(t, err)
	assert.Equal(t, 10, result.PublishedRows)
	assert.Equal(t, 10, result.Inserted)
	assert.Equal(t, domain.ImportStatusPromoted, result.Session.Status)
	require.NotNil(t, result.Session.PromotedBy)
	assert.Equal(t, "reviewer", *result.Session.PromotedBy)
	assert.NotNil(t, result.Session.PromotedAt)

	staged, err := store.StagedRows().ListByImport(ctx, session.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, staged)

	points, err := store.DataPoints().ListByImport(ctx, session.ID)
	require.NoError(t, err)
	assert.Len(t, points, 10)

	require.NotEmpty(t, hook.Entries)
	assert.Equal(t, logrus.InfoLevel, hook.LastEntry().Level)
	assert.Equal(t, 10, hook.LastEntry().Data["rows"])
}

func TestPromoteUpsertsExistingKeys(t *testing.T) {
	ctx := context.Background()
	store := memory.NewSeededStore()
	engine, _ := newEngine(store)

	first := promotingSession(t, store)
	_, err := engine.Promote(ctx, first.ID, "reviewer")
	require.NoError(t, err)

	second := promotingSession(t, store)
	result, err := engine.Promote(ctx, second.ID, "reviewer")
	require.NoError(t, err)
	assert.Equal(t, 0, result.Inserted)
	assert.Equal(t, 10, result.Updated)

	points, err := store.DataPoints().ListByImport(ctx, second.ID)
	require.NoError(t, err)
	assert.Len(t, points, 10)
	leftover, err := store.DataPoints().ListByImport(ctx, first.ID)
	require.NoError(t, err)
	assert.Empty(t, leftover)
}

func TestPromoteCountsRepeatedKeysOnce(t *testing.T) {
	ctx := context.Background()
	store := memory.NewSeededStore()
	engine, _ := newEngine(store)

	session := domain.NewImportSession("repeat.csv", uuid.NewString(), domain.TemplateMultiCategory, domain.MultiCategoryMetadata(), "analyst")
	_, err := store.Sessions().Create(ctx, session)
	require.NoError(t, err)
	refs := domain.ResolvedReferences{
		StateID:     memory.ReferenceID(domain.ReferenceKindState, "Ohio"),
		CategoryID:  memory.ReferenceID(domain.ReferenceKindCategory, "Economy"),
		StatisticID: memory.ReferenceID(domain.ReferenceKindStatistic, "Economy/Median Household Income"),
	}
	_, err = store.StagedRows().Stage(ctx, session.ID, []domain.StagedRow{
		domain.NewStagedRow(session.ID, 2, refs, 2023, decimal.NewFromInt(100)),
		domain.NewStagedRow(session.ID, 3, refs, 2023, decimal.NewFromInt(200)),
	})
	require.NoError(t, err)
	for _, status := range []domain.ImportStatus{domain.ImportStatusStaging, domain.ImportStatusStaged, domain.ImportStatusPromoting} {
		_, err = store.Sessions().Transition(ctx, session.ID, domain.TransitionTo(status))
		require.NoError(t, err)
	}

	result, err := engine.Promote(ctx, session.ID, "reviewer")
	require.NoError(t, err)
	assert.Equal(t, 1, result.PublishedRows)
	assert.Equal(t, 1, result.Inserted)
	assert.Equal(t, 0, result.Updated)
	assert.Equal(t, 1, result.Session.PublishedRows)

	points, err := store.DataPoints().ListByImport(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.True(t, decimal.NewFromInt(200).Equal(points[0].Value))
}

func TestPromoteRollsBackOnRowFailure(t *testing.T) {
	ctx := context.Background()
	store := memory.NewSeededStore()
	session := promotingSession(t, store)
	engine, _ := newEngine(store)

	failing := memory.ReferenceID(domain.ReferenceKindState, "Colorado")
	store.FailUpsertsWith(func(point domain.DataPoint) error {
		if point.StateID == failing {
			return errors.New("disk full")
		}
		return nil
	})

	_, err := engine.Promote(ctx, session.ID, "reviewer")
	require.ErrorIs(t, err, domain.ErrPromotion)
	var promotionErr *domain.PromotionError
	require.True(t, errors.As(err, &promotionErr))
	assert.Equal(t, 7, promotionErr.RowNumber)

	points, err := store.DataPoints().ListByImport(ctx, session.ID)
	require.NoError(t, err)
	assert.Empty(t, points)

	staged, err := store.StagedRows().Count(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, staged)

	current, err := store.Sessions().GetByID(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ImportStatusPromoting, current.Status)
}

func TestPromoteRejectsInactiveReference(t *testing.T) {
	ctx := context.Background()
	store := memory.NewSeededStore()
	session := promotingSession(t, store)
	engine, _ := newEngine(store)
	store.SetReferenceActive(domain.ReferenceKindState, memory.ReferenceID(domain.ReferenceKindState, "Alaska"), false)

	_, err := engine.Promote(ctx, session.ID, "reviewer")
	require.ErrorIs(t, err, domain.ErrPromotion)
	require.ErrorIs(t, err, domain.ErrUnresolvedReference)
	var promotionErr *domain.PromotionError
	require.True(t, errors.As(err, &promotionErr))
	assert.Equal(t, 3, promotionErr.RowNumber)
}

func TestPromoteWithoutStagedRowsFails(t *testing.T) {
	ctx := context.Background()
	store := memory.NewSeededStore()
	session := promotingSession(t, store)
	_, err := store.StagedRows().Discard(ctx, session.ID)
	require.NoError(t, err)
	engine, _ := newEngine(store)

	_, err = engine.Promote(ctx, session.ID, "reviewer")
	require.ErrorIs(t, err, domain.ErrPromotion)
}

func TestPromoteRequiresPromotingStatus(t *testing.T) {
	ctx := context.Background()
	store := memory.NewSeededStore()
	session := promotingSession(t, store)
	engine, _ := newEngine(store)

	_, err := engine.Promote(ctx, session.ID, "reviewer")
	require.NoError(t, err)

	_, err = engine.Promote(ctx, session.ID, "reviewer")
	require.ErrorIs(t, err, domain.ErrPromotion)
}
