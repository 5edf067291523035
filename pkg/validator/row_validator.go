package validator

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/rpattn/statedata/internal/domain"

	"github.com/shopspring/decimal"
)

// Bounds is the inclusive range of plausible years.
type Bounds struct {
	MinYear int
	MaxYear int
}

// DefaultBounds returns 1900..2030.
func DefaultBounds() Bounds {
	return Bounds{MinYear: 1900, MaxYear: 2030}
}

// Contains reports whether year lies inside the bounds.
func (b Bounds) Contains(year int) bool {
	return year >= b.MinYear && year <= b.MaxYear
}

// Unresolved describes the first label that failed reference resolution.
type Unresolved struct {
	Column domain.Column
	Err    error
}

// Input is one row after reference resolution.
type Input struct {
	// Required lists the columns that must be non-empty, in template order.
	Required   []domain.Column
	Fields     map[domain.Column]string
	References domain.ResolvedReferences
	Unresolved *Unresolved
}

// Verdict is the outcome for one row. Year and Value are set when Valid.
type Verdict struct {
	Valid   bool
	Kind    domain.FailureKind
	Column  domain.Column
	Message string
	Year    int
	Value   decimal.Decimal
}

// RowValidator checks resolved rows against type and range constraints.
type RowValidator struct {
	bounds Bounds
}

// NewRowValidator builds a validator for the given year bounds.
func NewRowValidator(bounds Bounds) *RowValidator {
	return &RowValidator{bounds: bounds}
}

// Bounds returns the configured year bounds.
func (v *RowValidator) Bounds() Bounds {
	return v.bounds
}

// Validate always returns exactly one verdict. Checks run in order: missing
// fields, unresolved references, year range, numeric value.
func (v *RowValidator) Validate(in Input) Verdict {
	for _, column := range in.Required {
		if strings.TrimSpace(in.Fields[column]) == "" {
			return invalid(domain.FailureMissingField, column, fmt.Sprintf("%s is required", column))
		}
	}

	if in.Unresolved != nil {
		message := "reference could not be resolved"
		if in.Unresolved.Err != nil {
			message = in.Unresolved.Err.Error()
		}
		return invalid(domain.FailureUnresolvedReference, in.Unresolved.Column, message)
	}
	if !in.References.Complete() {
		return invalid(domain.FailureUnresolvedReference, "", "row is missing a resolved state, category or statistic")
	}

	year, err := ParseYear(in.Fields[domain.ColumnYear])
	if err != nil {
		return invalid(domain.FailureYearOutOfRange, domain.ColumnYear, err.Error())
	}
	if !v.bounds.Contains(year) {
		return invalid(domain.FailureYearOutOfRange, domain.ColumnYear,
			fmt.Sprintf("year %d is outside %d-%d", year, v.bounds.MinYear, v.bounds.MaxYear))
	}

	value, err := ParseValue(in.Fields[domain.ColumnValue])
	if err != nil {
		return invalid(domain.FailureNonNumericValue, domain.ColumnValue, err.Error())
	}

	return Verdict{Valid: true, Year: year, Value: value}
}

// CheckStaged re-applies the range checks to an already staged row.
func (v *RowValidator) CheckStaged(row domain.StagedRow) Verdict {
	if !v.bounds.Contains(row.Year) {
		return invalid(domain.FailureYearOutOfRange, domain.ColumnYear,
			fmt.Sprintf("year %d is outside %d-%d", row.Year, v.bounds.MinYear, v.bounds.MaxYear))
	}
	refs := domain.ResolvedReferences{StateID: row.StateID, CategoryID: row.CategoryID, StatisticID: row.StatisticID}
	if !refs.Complete() {
		return invalid(domain.FailureUnresolvedReference, "", "row is missing a resolved state, category or statistic")
	}
	return Verdict{Valid: true, Year: row.Year, Value: row.Value}
}

func invalid(kind domain.FailureKind, column domain.Column, message string) Verdict {
	return Verdict{Kind: kind, Column: column, Message: message}
}

var thousandsPattern = regexp.MustCompile(`^[+-]?\d{1,3}(,\d{3})+(\.\d+)?$`)

const (
	// MaxIntegerDigits bounds the digits left of the decimal point of a value.
	MaxIntegerDigits = 28
	// MaxFractionDigits bounds the significant digits right of the decimal point.
	MaxFractionDigits = 12

	// exponents beyond this are rejected before any arithmetic rescales them.
	maxExponent = 64
)

// ParseValue parses a finite decimal. Comma thousands separators are accepted
// when correctly grouped.
func ParseValue(raw string) (decimal.Decimal, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return decimal.Decimal{}, fmt.Errorf("value is empty")
	}
	switch strings.ToLower(strings.TrimLeft(text, "+-")) {
	case "nan", "inf", "infinity":
		return decimal.Decimal{}, fmt.Errorf("value %q is not a finite number", text)
	}
	if strings.Contains(text, ",") {
		if !thousandsPattern.MatchString(text) {
			return decimal.Decimal{}, fmt.Errorf("value %q is not a number", text)
		}
		text = strings.ReplaceAll(text, ",", "")
	}
	value, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("value %q is not a number", strings.TrimSpace(raw))
	}
	if err := checkMagnitude(value); err != nil {
		return decimal.Decimal{}, fmt.Errorf("value %q %w", text, err)
	}
	return value, nil
}

// checkMagnitude keeps values inside a range every store and comparison can
// handle. The exponent is checked first since Equal and Div rescale to it.
func checkMagnitude(value decimal.Decimal) error {
	exp := int(value.Exponent())
	if exp > MaxIntegerDigits || exp < -maxExponent {
		return fmt.Errorf("is out of range")
	}
	if exp+value.NumDigits() > MaxIntegerDigits && !value.IsZero() {
		return fmt.Errorf("exceeds %d integer digits", MaxIntegerDigits)
	}
	if exp < -MaxFractionDigits && !value.Equal(value.Truncate(MaxFractionDigits)) {
		return fmt.Errorf("has more than %d decimal places", MaxFractionDigits)
	}
	return nil
}

// ParseYear parses an integral year. "2023.0" is accepted; "2023.5" is not.
func ParseYear(raw string) (int, error) {
	text := strings.TrimSpace(raw)
	parsed, err := decimal.NewFromString(text)
	if err == nil && (parsed.Exponent() > 9 || parsed.Exponent() < -maxExponent) {
		return 0, fmt.Errorf("year %q is out of range", text)
	}
	if err != nil || !parsed.IsInteger() {
		return 0, fmt.Errorf("year %q is not a whole number", text)
	}
	if !parsed.BigInt().IsInt64() || parsed.IntPart() > 1<<31-1 || parsed.IntPart() < -(1<<31) {
		return 0, fmt.Errorf("year %q is out of range", text)
	}
	return int(parsed.IntPart()), nil
}
