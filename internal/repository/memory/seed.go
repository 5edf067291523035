package memory

import (
	"github.com/rpattn/statedata/internal/domain"

	"github.com/google/uuid"
)

var referenceNamespace = uuid.MustParse("8f0b5c8e-4a57-4a0e-9d1f-3f1f2d6c9a10")

// ReferenceID derives the stable id used for a seeded entity.
func ReferenceID(kind domain.ReferenceKind, name string) uuid.UUID {
	return uuid.NewSHA1(referenceNamespace, []byte(string(kind)+":"+domain.NormalizeLabel(name)))
}

var seedStates = []string{
	"Alabama",
	"Alaska",
	"Arizona",
	"Arkansas",
	"California",
	"Colorado",
	"Connecticut",
	"Delaware",
	"District of Columbia",
	"Florida",
	"Georgia",
	"Hawaii",
	"Idaho",
	"Illinois",
	"Indiana",
	"Iowa",
	"Kansas",
	"Kentucky",
	"Louisiana",
	"Maine",
	"Maryland",
	"Massachusetts",
	"Michigan",
	"Minnesota",
	"Mississippi",
	"Missouri",
	"Montana",
	"Nebraska",
	"Nevada",
	"New Hampshire",
	"New Jersey",
	"New Mexico",
	"New York",
	"North Carolina",
	"North Dakota",
	"Ohio",
	"Oklahoma",
	"Oregon",
	"Pennsylvania",
	"Rhode Island",
	"South Carolina",
	"South Dakota",
	"Tennessee",
	"Texas",
	"Utah",
	"Vermont",
	"Virginia",
	"Washington",
	"West Virginia",
	"Wisconsin",
	"Wyoming",
}

var seedStatistics = map[string][]string{
	"Economy":    {"Median Household Income", "Unemployment Rate"},
	"Education":  {"High School Graduation Rate", "Per Pupil Spending"},
	"Health":     {"Life Expectancy", "Uninsured Rate"},
	"Population": {"Total Population", "Median Age"},
}

// DefaultReferences returns the reference data seeded by the database migrations,
// with ids derived by ReferenceID.
func DefaultReferences() []domain.ReferenceEntity {
	entities := make([]domain.ReferenceEntity, 0, len(seedStates)+16)
	for _, name := range seedStates {
		entities = append(entities, domain.ReferenceEntity{
			ID:     ReferenceID(domain.ReferenceKindState, name),
			Kind:   domain.ReferenceKindState,
			Name:   name,
			Active: true,
		})
	}
	for _, category := range []string{"Economy", "Education", "Health", "Population"} {
		categoryID := ReferenceID(domain.ReferenceKindCategory, category)
		entities = append(entities, domain.ReferenceEntity{
			ID:     categoryID,
			Kind:   domain.ReferenceKindCategory,
			Name:   category,
			Active: true,
		})
		for _, statistic := range seedStatistics[category] {
			owner := categoryID
			entities = append(entities, domain.ReferenceEntity{
				ID:         ReferenceID(domain.ReferenceKindStatistic, category+"/"+statistic),
				Kind:       domain.ReferenceKindStatistic,
				Name:       statistic,
				CategoryID: &owner,
				Active:     true,
			})
		}
	}
	return entities
}

// NewSeededStore returns a store holding DefaultReferences.
func NewSeededStore() *Store {
	store := NewStore()
	store.AddReferences(DefaultReferences()...)
	return store
}
