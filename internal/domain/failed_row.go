package domain

import (
	"time"

	"github.com/google/uuid"
)

// FailureKind enumerates row-level failure reasons.
type FailureKind string

const (
	FailureMissingField        FailureKind = "MISSING_FIELD"
	FailureNonNumericValue     FailureKind = "NON_NUMERIC_VALUE"
	FailureYearOutOfRange      FailureKind = "YEAR_OUT_OF_RANGE"
	FailureUnresolvedReference FailureKind = "UNRESOLVED_REFERENCE"
)

// FailedRow captures a row that could not be resolved or validated. Entries are never updated.
type FailedRow struct {
	ID        uuid.UUID   `json:"id"`
	ImportID  uuid.UUID   `json:"import_id"`
	Attempt   int         `json:"attempt"`
	RowNumber int         `json:"row_number"`
	RawFields []string    `json:"raw_fields"`
	Column    Column      `json:"column,omitempty"`
	Kind      FailureKind `json:"kind"`
	Message   string      `json:"message"`
	CreatedAt time.Time   `json:"created_at"`
}
