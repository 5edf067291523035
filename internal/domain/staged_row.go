package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// StagedRow is a parsed, resolved and validated row awaiting promotion.
type StagedRow struct {
	ID          uuid.UUID       `json:"id"`
	ImportID    uuid.UUID       `json:"import_id"`
	RowNumber   int             `json:"row_number"`
	StateID     uuid.UUID       `json:"state_id"`
	CategoryID  uuid.UUID       `json:"category_id"`
	StatisticID uuid.UUID       `json:"statistic_id"`
	Year        int             `json:"year"`
	Value       decimal.Decimal `json:"value"`
	Valid       bool            `json:"valid"`
	CreatedAt   time.Time       `json:"created_at"`
}

// NewStagedRow builds a valid staged row for importID.
func NewStagedRow(importID uuid.UUID, rowNumber int, refs ResolvedReferences, year int, value decimal.Decimal) StagedRow {
	return StagedRow{
		ID:          uuid.New(),
		ImportID:    importID,
		RowNumber:   rowNumber,
		StateID:     refs.StateID,
		CategoryID:  refs.CategoryID,
		StatisticID: refs.StatisticID,
		Year:        year,
		Value:       value,
		Valid:       true,
		CreatedAt:   time.Now().UTC(),
	}
}

// Key returns the production key the row promotes into.
func (r StagedRow) Key() DataPointKey {
	return DataPointKey{StateID: r.StateID, StatisticID: r.StatisticID, Year: r.Year}
}
