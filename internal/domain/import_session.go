package domain

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// ImportStatus captures lifecycle state for an import session.
type ImportStatus string

const (
	ImportStatusUploaded         ImportStatus = "UPLOADED"
	ImportStatusStaging          ImportStatus = "STAGING"
	ImportStatusStaged           ImportStatus = "STAGED"
	ImportStatusValidating       ImportStatus = "VALIDATING"
	ImportStatusValidated        ImportStatus = "VALIDATED"
	ImportStatusValidationFailed ImportStatus = "VALIDATION_FAILED"
	ImportStatusPromoting        ImportStatus = "PROMOTING"
	ImportStatusPromoted         ImportStatus = "PROMOTED"
	ImportStatusPromotionFailed  ImportStatus = "PROMOTION_FAILED"
	ImportStatusRetrying         ImportStatus = "RETRYING"
	ImportStatusDiscarded        ImportStatus = "DISCARDED"
)

// importTransitions lists, per status, the statuses it may move to.
var importTransitions = map[ImportStatus][]ImportStatus{
	ImportStatusUploaded:         {ImportStatusStaging, ImportStatusDiscarded},
	ImportStatusStaging:          {ImportStatusStaged, ImportStatusValidationFailed, ImportStatusDiscarded},
	ImportStatusStaged:           {ImportStatusValidating, ImportStatusPromoting, ImportStatusDiscarded},
	ImportStatusValidating:       {ImportStatusValidated, ImportStatusValidationFailed, ImportStatusDiscarded},
	ImportStatusValidated:        {ImportStatusValidating, ImportStatusPromoting, ImportStatusDiscarded},
	ImportStatusValidationFailed: {ImportStatusValidating, ImportStatusRetrying, ImportStatusDiscarded},
	ImportStatusPromoting:        {ImportStatusPromoted, ImportStatusPromotionFailed},
	ImportStatusPromotionFailed:  {ImportStatusRetrying, ImportStatusDiscarded},
	ImportStatusRetrying:         {ImportStatusStaging, ImportStatusValidationFailed, ImportStatusDiscarded},
	ImportStatusPromoted:         {},
	ImportStatusDiscarded:        {},
}

// AllImportStatuses returns every known status in lifecycle order.
func AllImportStatuses() []ImportStatus {
	return []ImportStatus{
		ImportStatusUploaded,
		ImportStatusStaging,
		ImportStatusStaged,
		ImportStatusValidating,
		ImportStatusValidated,
		ImportStatusValidationFailed,
		ImportStatusPromoting,
		ImportStatusPromoted,
		ImportStatusPromotionFailed,
		ImportStatusRetrying,
		ImportStatusDiscarded,
	}
}

// Valid reports whether the status is part of the lifecycle.
func (s ImportStatus) Valid() bool {
	_, ok := importTransitions[s]
	return ok
}

// IsTerminal reports whether no further transitions are possible.
func (s ImportStatus) IsTerminal() bool {
	return s == ImportStatusPromoted || s == ImportStatusDiscarded
}

// CanTransitionTo reports whether next is reachable from s in one step.
func (s ImportStatus) CanTransitionTo(next ImportStatus) bool {
	return slices.Contains(importTransitions[s], next)
}

// SourcesFor returns the statuses from which target may be entered.
func SourcesFor(target ImportStatus) []ImportStatus {
	var sources []ImportStatus
	for _, status := range AllImportStatuses() {
		if status.CanTransitionTo(target) {
			sources = append(sources, status)
		}
	}
	return sources
}

// ImportStats counts row outcomes for one staging pass.
type ImportStats struct {
	TotalRows  int `json:"totalRows"`
	ValidRows  int `json:"validRows"`
	FailedRows int `json:"failedRows"`
}

// Balanced reports whether every row is accounted for.
func (s ImportStats) Balanced() bool {
	return s.TotalRows == s.ValidRows+s.FailedRows
}

// ImportSession tracks one upload attempt through staging and promotion.
type ImportSession struct {
	ID            uuid.UUID      `json:"id"`
	FileName      string         `json:"file_name"`
	ContentHash   string         `json:"content_hash"`
	ContentKey    string         `json:"content_key,omitempty"`
	ContentSize   int64          `json:"content_size"`
	TemplateID    TemplateID     `json:"template_id"`
	Metadata      ImportMetadata `json:"metadata"`
	UploadedBy    string         `json:"uploaded_by"`
	Status        ImportStatus   `json:"status"`
	Attempt       int            `json:"attempt"`
	Stats         ImportStats    `json:"stats"`
	PublishedRows int            `json:"published_rows"`
	DuplicateOf   *uuid.UUID     `json:"duplicate_of,omitempty"`
	ErrorMessage  *string        `json:"error_message,omitempty"`
	PromotedBy    *string        `json:"promoted_by,omitempty"`
	PromotedAt    *time.Time     `json:"promoted_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// NewImportSession creates a session in the Uploaded state.
func NewImportSession(fileName, contentHash string, template TemplateID, metadata ImportMetadata, uploadedBy string) ImportSession {
	now := time.Now().UTC()
	return ImportSession{
		ID:          uuid.New(),
		FileName:    fileName,
		ContentHash: contentHash,
		TemplateID:  template,
		Metadata:    metadata,
		UploadedBy:  uploadedBy,
		Status:      ImportStatusUploaded,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// ImportTransition is a compare-and-set status change plus the fields it updates.
// Nil fields are left untouched.
type ImportTransition struct {
	From          []ImportStatus
	To            ImportStatus
	Stats         *ImportStats
	Attempt       *int
	PublishedRows *int
	PromotedBy    *string
	PromotedAt    *time.Time
	// ErrorMessage replaces the stored message; ClearError removes it.
	ErrorMessage *string
	ClearError   bool
}

// TransitionTo builds a transition into target from every status allowed to reach it.
func TransitionTo(target ImportStatus) ImportTransition {
	return ImportTransition{From: SourcesFor(target), To: target}
}

// Allows reports whether the transition may be applied to a session in status.
func (t ImportTransition) Allows(status ImportStatus) bool {
	return slices.Contains(t.From, status) && status.CanTransitionTo(t.To)
}

// Apply returns the session with the transition's changes applied.
func (t ImportTransition) Apply(session ImportSession, now time.Time) ImportSession {
	session.Status = t.To
	if t.Stats != nil {
		session.Stats = *t.Stats
	}
	if t.Attempt != nil {
		session.Attempt = *t.Attempt
	}
	if t.PublishedRows != nil {
		session.PublishedRows = *t.PublishedRows
	}
	if t.PromotedBy != nil {
		promotedBy := *t.PromotedBy
		session.PromotedBy = &promotedBy
	}
	if t.PromotedAt != nil {
		promotedAt := *t.PromotedAt
		session.PromotedAt = &promotedAt
	}
	if t.ClearError {
		session.ErrorMessage = nil
	}
	if t.ErrorMessage != nil {
		message := *t.ErrorMessage
		session.ErrorMessage = &message
	}
	session.UpdatedAt = now
	return session
}

// ImportSessionFilter narrows session listings.
type ImportSessionFilter struct {
	Statuses []ImportStatus
	Limit    int
	Offset   int
}
