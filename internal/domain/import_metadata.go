package domain

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// MetadataKind tags the variant carried by ImportMetadata.
type MetadataKind string

const (
	MetadataKindMultiCategory  MetadataKind = "multi-category"
	MetadataKindSingleCategory MetadataKind = "single-category"
)

// ImportMetadata is the upload-time metadata variant:
// {kind: multi-category} or {kind: single-category, categoryId, statisticId}.
type ImportMetadata struct {
	Kind        MetadataKind `json:"kind"`
	CategoryID  *uuid.UUID   `json:"categoryId,omitempty"`
	StatisticID *uuid.UUID   `json:"statisticId,omitempty"`
}

// MultiCategoryMetadata returns metadata for layouts that carry category and measure per row.
func MultiCategoryMetadata() ImportMetadata {
	return ImportMetadata{Kind: MetadataKindMultiCategory}
}

// SingleCategoryMetadata returns metadata pinning every row to one category and statistic.
func SingleCategoryMetadata(categoryID, statisticID uuid.UUID) ImportMetadata {
	return ImportMetadata{
		Kind:        MetadataKindSingleCategory,
		CategoryID:  &categoryID,
		StatisticID: &statisticID,
	}
}

// ParseImportMetadata decodes raw metadata JSON for template and checks its shape.
// Empty input defaults to the template's kind.
func ParseImportMetadata(raw []byte, template Template) (ImportMetadata, error) {
	trimmed := bytes.TrimSpace(raw)
	var metadata ImportMetadata
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		metadata.Kind = template.MetadataKind
	} else {
		decoder := json.NewDecoder(bytes.NewReader(trimmed))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&metadata); err != nil {
			return ImportMetadata{}, NewRequestError(fmt.Sprintf("metadata is not valid JSON: %v", err))
		}
		if metadata.Kind == "" {
			metadata.Kind = template.MetadataKind
		}
	}
	if metadata.Kind != template.MetadataKind {
		return ImportMetadata{}, NewRequestError(fmt.Sprintf("metadata kind %q does not match template %s", metadata.Kind, template.ID))
	}
	if err := metadata.Validate(); err != nil {
		return ImportMetadata{}, err
	}
	return metadata, nil
}

// Validate checks the fields required by the metadata kind.
func (m ImportMetadata) Validate() error {
	switch m.Kind {
	case MetadataKindMultiCategory:
		if m.CategoryID != nil || m.StatisticID != nil {
			return NewRequestError("multi-category metadata must not carry categoryId or statisticId")
		}
		return nil
	case MetadataKindSingleCategory:
		var problems []string
		if m.CategoryID == nil || *m.CategoryID == uuid.Nil {
			problems = append(problems, "categoryId is required for single-category imports")
		}
		if m.StatisticID == nil || *m.StatisticID == uuid.Nil {
			problems = append(problems, "statisticId is required for single-category imports")
		}
		if len(problems) > 0 {
			return NewRequestError(problems...)
		}
		return nil
	default:
		return NewRequestError(fmt.Sprintf("unknown metadata kind %q", m.Kind))
	}
}

// Fingerprint identifies the metadata for duplicate detection.
func (m ImportMetadata) Fingerprint() string {
	if m.Kind != MetadataKindSingleCategory || m.CategoryID == nil || m.StatisticID == nil {
		return string(m.Kind)
	}
	return fmt.Sprintf("%s:%s:%s", m.Kind, m.CategoryID, m.StatisticID)
}

// Equal reports whether both values describe the same variant.
func (m ImportMetadata) Equal(other ImportMetadata) bool {
	return m.Fingerprint() == other.Fingerprint()
}
