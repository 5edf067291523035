package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DataPointKey is the natural key of a published value.
type DataPointKey struct {
	StateID     uuid.UUID `json:"state_id"`
	StatisticID uuid.UUID `json:"statistic_id"`
	Year        int       `json:"year"`
}

func (k DataPointKey) String() string {
	return fmt.Sprintf("%s/%s/%d", k.StateID, k.StatisticID, k.Year)
}

// PreviousYear returns the key of the same series one year earlier.
func (k DataPointKey) PreviousYear() DataPointKey {
	k.Year--
	return k
}

// DataPoint is a published production record.
type DataPoint struct {
	ID          uuid.UUID       `json:"id"`
	StateID     uuid.UUID       `json:"state_id"`
	StatisticID uuid.UUID       `json:"statistic_id"`
	Year        int             `json:"year"`
	Value       decimal.Decimal `json:"value"`
	ImportID    *uuid.UUID      `json:"import_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Key returns the natural key of the data point.
func (d DataPoint) Key() DataPointKey {
	return DataPointKey{StateID: d.StateID, StatisticID: d.StatisticID, Year: d.Year}
}

// DataPointFromStaged converts a staged row into the production record it promotes to.
func DataPointFromStaged(row StagedRow, now time.Time) DataPoint {
	importID := row.ImportID
	return DataPoint{
		ID:          uuid.New(),
		StateID:     row.StateID,
		StatisticID: row.StatisticID,
		Year:        row.Year,
		Value:       row.Value,
		ImportID:    &importID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
