package domain

import (
	"fmt"
	"strings"
)

// TemplateID selects the expected column layout of an upload.
type TemplateID string

const (
	// TemplateMultiCategory expects State,Year,Category,Measure,Value.
	TemplateMultiCategory TemplateID = "multi-category"
	// TemplateSingleCategory expects State,Year,Value with category and measure from metadata.
	TemplateSingleCategory TemplateID = "single-category"
)

// Column names a logical column of an import template.
type Column string

const (
	ColumnState    Column = "State"
	ColumnYear     Column = "Year"
	ColumnCategory Column = "Category"
	ColumnMeasure  Column = "Measure"
	ColumnValue    Column = "Value"
)

// Template describes one accepted layout.
type Template struct {
	ID           TemplateID   `json:"id"`
	Name         string       `json:"name"`
	Columns      []Column     `json:"columns"`
	MetadataKind MetadataKind `json:"metadataKind"`
}

// Has reports whether the template carries column.
func (t Template) Has(column Column) bool {
	for _, c := range t.Columns {
		if c == column {
			return true
		}
	}
	return false
}

// Header renders the template columns as a CSV header row.
func (t Template) Header() []string {
	header := make([]string, len(t.Columns))
	for i, column := range t.Columns {
		header[i] = string(column)
	}
	return header
}

var templates = []Template{
	{
		ID:           TemplateMultiCategory,
		Name:         "State, year, category, measure and value",
		Columns:      []Column{ColumnState, ColumnYear, ColumnCategory, ColumnMeasure, ColumnValue},
		MetadataKind: MetadataKindMultiCategory,
	},
	{
		ID:           TemplateSingleCategory,
		Name:         "State, year and value for one measure",
		Columns:      []Column{ColumnState, ColumnYear, ColumnValue},
		MetadataKind: MetadataKindSingleCategory,
	},
}

// Templates returns the registry of accepted layouts.
func Templates() []Template {
	out := make([]Template, len(templates))
	copy(out, templates)
	return out
}

// LookupTemplate resolves a template id, ignoring case and surrounding whitespace.
func LookupTemplate(id string) (Template, error) {
	normalized := TemplateID(strings.ToLower(strings.TrimSpace(id)))
	for _, template := range templates {
		if template.ID == normalized {
			return template, nil
		}
	}
	return Template{}, fmt.Errorf("%w: %q", ErrUnknownTemplate, id)
}
