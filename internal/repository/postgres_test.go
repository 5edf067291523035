package repository

import (
	"testing"

	"github.com/rpattn/statedata/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNumericRoundTripKeepsScale(t *testing.T) {
	for _, raw := range []string{"0", "200000", "-12.5", "0.000123", "123456789012345678901234.5"} {
		value := decimal.RequireFromString(raw)
		back, err := decimalFromNumeric(numericFromDecimal(value))
		require.NoError(t, err)
		assert.True(t, value.Equal(back), raw)
	}
}

func TestDecimalFromNumericRejectsNaN(t *testing.T) {
	_, err := decimalFromNumeric(pgtype.Numeric{NaN: true, Valid: true})
	require.Error(t, err)
}

func TestReferenceTable(t *testing.T) {
	table, err := referenceTable(domain.ReferenceKindStatistic)
	require.NoError(t, err)
	assert.Equal(t, "statistics", table)

	_, err = referenceTable("county")
	require.Error(t, err)
}

func TestUUIDPtr(t *testing.T) {
	assert.Nil(t, uuidPtr(pgtype.UUID{}))

	id := uuid.New()
	got := uuidPtr(pgtype.UUID{Bytes: id, Valid: true})
	require.NotNil(t, got)
	assert.Equal(t, id, *got)
}
