package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImportStatusTransitions(t *testing.T) {
	cases := []struct {
		from ImportStatus
		to   ImportStatus
		ok   bool
	}{
		{ImportStatusUploaded, ImportStatusStaging, true},
		{ImportStatusStaging, ImportStatusStaged, true},
		{ImportStatusStaged, ImportStatusValidating, true},
		{ImportStatusValidating, ImportStatusValidated, true},
		{ImportStatusValidating, ImportStatusValidationFailed, true},
		{ImportStatusStaged, ImportStatusPromoting, true},
		{ImportStatusValidated, ImportStatusPromoting, true},
		{ImportStatusPromoting, ImportStatusPromoted, true},
		{ImportStatusPromoting, ImportStatusPromotionFailed, true},
		{ImportStatusValidationFailed, ImportStatusRetrying, true},
		{ImportStatusPromotionFailed, ImportStatusRetrying, true},
		{ImportStatusRetrying, ImportStatusStaging, true},
		{ImportStatusPromoted, ImportStatusPromoting, false},
		{ImportStatusPromoted, ImportStatusDiscarded, false},
		{ImportStatusDiscarded, ImportStatusStaging, false},
		{ImportStatusValidationFailed, ImportStatusPromoting, false},
		{ImportStatusPromoting, ImportStatusDiscarded, false},
		{ImportStatusStaged, ImportStatusRetrying, false},
	}
	for _, tc := range cases {
		assert.Equalf(t, tc.ok, tc.from.CanTransitionTo(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestDiscardReachableFromNonTerminalStates(t *testing.T) {
	for _, status := range AllImportStatuses() {
		if status.IsTerminal() || status == ImportStatusPromoting {
			assert.Falsef(t, status.CanTransitionTo(ImportStatusDiscarded), "%s", status)
			continue
		}
		assert.Truef(t, status.CanTransitionTo(ImportStatusDiscarded), "%s", status)
	}
}

func TestSourcesForPromoting(t *testing.T) {
	assert.ElementsMatch(t, []ImportStatus{ImportStatusStaged, ImportStatusValidated}, SourcesFor(ImportStatusPromoting))
	assert.ElementsMatch(t, []ImportStatus{ImportStatusValidationFailed, ImportStatusPromotionFailed}, SourcesFor(ImportStatusRetrying))
}

func TestImportTransitionApply(t *testing.T) {
	session := NewImportSession("states.csv", "abc", TemplateMultiCategory, MultiCategoryMetadata(), "admin")
	message := "boom"
	session.ErrorMessage = &message

	stats := ImportStats{TotalRows: 3, ValidRows: 2, FailedRows: 1}
	attempt := 1
	transition := TransitionTo(ImportStatusStaged)
	transition.Stats = &stats
	transition.Attempt = &attempt
	transition.ClearError = true

	require.False(t, transition.Allows(ImportStatusUploaded))
	session.Status = ImportStatusStaging
	require.True(t, transition.Allows(session.Status))

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	updated := transition.Apply(session, now)
	assert.Equal(t, ImportStatusStaged, updated.Status)
	assert.Equal(t, stats, updated.Stats)
	assert.Equal(t, 1, updated.Attempt)
	assert.Nil(t, updated.ErrorMessage)
	assert.Equal(t, now, updated.UpdatedAt)
	assert.True(t, updated.Stats.Balanced())
}

func TestErrorCodes(t *testing.T) {
	assert.Equal(t, "PROMOTION_ERROR", ErrorCode(&PromotionError{RowNumber: 4, Err: ErrNotFound}))
	assert.Equal(t, "INVALID_STATE_TRANSITION", ErrorCode(&TransitionError{From: ImportStatusPromoted, To: ImportStatusPromoting}))
	assert.Equal(t, "BAD_REQUEST", ErrorCode(NewRequestError("file is required")))
	assert.Equal(t, "INTERNAL", ErrorCode(errors.New("disk full")))

	err := &PromotionError{RowNumber: 7, Err: errors.New("constraint")}
	assert.True(t, errors.Is(err, ErrPromotion))
	assert.Contains(t, err.Error(), "row 7")
}
