package domain

import (
	"strings"

	"github.com/google/uuid"
)

// ReferenceKind identifies a reference table.
type ReferenceKind string

const (
	ReferenceKindState     ReferenceKind = "state"
	ReferenceKindCategory  ReferenceKind = "category"
	ReferenceKindStatistic ReferenceKind = "statistic"
)

// ReferenceEntity is a pre-seeded state, category or statistic.
type ReferenceEntity struct {
	ID   uuid.UUID     `json:"id"`
	Kind ReferenceKind `json:"kind"`
	Name string        `json:"name"`
	// CategoryID is set for statistics only.
	CategoryID *uuid.UUID `json:"category_id,omitempty"`
	Active     bool       `json:"active"`
}

// Key returns the normalized lookup key of the entity name.
func (e ReferenceEntity) Key() string {
	return NormalizeLabel(e.Name)
}

// NormalizeLabel lower-cases a label and collapses its whitespace.
func NormalizeLabel(label string) string {
	return strings.ToLower(strings.Join(strings.Fields(label), " "))
}

// ResolvedReferences holds the ids a row resolved to.
type ResolvedReferences struct {
	StateID     uuid.UUID `json:"state_id"`
	CategoryID  uuid.UUID `json:"category_id"`
	StatisticID uuid.UUID `json:"statistic_id"`
}

// Complete reports whether all three ids are present.
func (r ResolvedReferences) Complete() bool {
	return r.StateID != uuid.Nil && r.CategoryID != uuid.Nil && r.StatisticID != uuid.Nil
}
