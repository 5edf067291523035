package ingestion

import (
	"context"
	"fmt"
	"sort"

	"github.com/rpattn/statedata/internal/domain"
	"github.com/rpattn/statedata/internal/failurelog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// WarningKind classifies non-fatal validation findings.
type WarningKind string

const (
	// WarningDuplicateKey marks a row repeating the state, statistic and year of an earlier row.
	WarningDuplicateKey WarningKind = "DUPLICATE_KEY"
	// WarningOverwrite marks a row that would replace a different production value.
	WarningOverwrite WarningKind = "OVERWRITE"
	// WarningValueJump marks a value far from its production or prior-year baseline.
	WarningValueJump WarningKind = "VALUE_JUMP"
)

// Warning is one non-fatal finding.
type Warning struct {
	Kind      WarningKind `json:"kind"`
	RowNumber int         `json:"rowNumber"`
	Message   string      `json:"message"`
}

// RowIssue is a staged row that no longer passes validation.
type RowIssue struct {
	RowNumber int                `json:"rowNumber"`
	Kind      domain.FailureKind `json:"kind"`
	Message   string             `json:"message"`
}

// ValidationStats aggregates the staging pass and the re-check of staged rows.
type ValidationStats struct {
	TotalRows         int                        `json:"totalRows"`
	ValidRows         int                        `json:"validRows"`
	FailedRows        int                        `json:"failedRows"`
	StagedRows        int                        `json:"stagedRows"`
	InvalidStagedRows int                        `json:"invalidStagedRows"`
	FailuresByReason  map[domain.FailureKind]int `json:"failuresByReason"`
}

// ValidationReport is returned by ValidateImport.
type ValidationReport struct {
	ImportID uuid.UUID           `json:"importId"`
	IsValid  bool                `json:"isValid"`
	Status   domain.ImportStatus `json:"status"`
	Stats    ValidationStats     `json:"stats"`
	Warnings []Warning           `json:"warnings"`
	Errors   []RowIssue          `json:"errors"`
}

// ValidateImport re-checks the staged rows of an import against the current
// reference data and row rules and reports warnings. Staged rows are not
// modified. The import ends in Validated when at least one row is staged and
// none fail, otherwise ValidationFailed.
func (s *Service) ValidateImport(ctx context.Context, importID uuid.UUID) (ValidationReport, error) {
	session, err := s.transition(ctx, importID, domain.TransitionTo(domain.ImportStatusValidating))
	if err != nil {
		return ValidationReport{}, err
	}

	report, err := s.buildReport(ctx, session)
	if err != nil {
		message := err.Error()
		if _, terr := s.transition(context.WithoutCancel(ctx), importID, domain.ImportTransition{
			From:         []domain.ImportStatus{domain.ImportStatusValidating},
			To:           domain.ImportStatusValidationFailed,
			ErrorMessage: &message,
		}); terr != nil {
			s.logger.WithError(terr).WithField("import_id", importID).Error("failed to mark validation as failed")
		}
		return ValidationReport{}, err
	}

	next := domain.ImportTransition{
		From:       []domain.ImportStatus{domain.ImportStatusValidating},
		To:         domain.ImportStatusValidated,
		ClearError: true,
	}
	if !report.IsValid {
		message := fmt.Sprintf("%d staged rows failed validation", report.Stats.InvalidStagedRows)
		if report.Stats.StagedRows == 0 {
			message = messageNoValidRows
		}
		next = domain.ImportTransition{
			From:         []domain.ImportStatus{domain.ImportStatusValidating},
			To:           domain.ImportStatusValidationFailed,
			ErrorMessage: &message,
		}
	}
	finished, err := s.transition(ctx, importID, next)
	if err != nil {
		return ValidationReport{}, err
	}
	report.Status = finished.Status

	s.logger.WithFields(logrus.Fields{
		"import_id": importID,
		"status":    finished.Status,
		"rows":      report.Stats.StagedRows,
		"invalid":   report.Stats.InvalidStagedRows,
		"warnings":  len(report.Warnings),
	}).Info("import validated")
	return report, nil
}

func (s *Service) buildReport(ctx context.Context, session domain.ImportSession) (ValidationReport, error) {
	rows, err := s.staged.ListByImport(ctx, session.ID, 0)
	if err != nil {
		return ValidationReport{}, fmt.Errorf("list staged rows: %w", err)
	}
	issues, err := s.checkStaged(ctx, rows)
	if err != nil {
		return ValidationReport{}, err
	}
	failed, err := s.failures.List(ctx, session)
	if err != nil {
		return ValidationReport{}, fmt.Errorf("list failed rows: %w", err)
	}
	warnings, err := s.warnings(ctx, rows)
	if err != nil {
		return ValidationReport{}, err
	}

	return ValidationReport{
		ImportID: session.ID,
		IsValid:  len(rows) > 0 && len(issues) == 0,
		Stats: ValidationStats{
			TotalRows:         session.Stats.TotalRows,
			ValidRows:         session.Stats.ValidRows,
			FailedRows:        session.Stats.FailedRows,
			StagedRows:        len(rows),
			InvalidStagedRows: len(issues),
			FailuresByReason:  failurelog.Summarize(failed),
		},
		Warnings: warnings,
		Errors:   issues,
	}, nil
}

type referenceRef struct {
	kind domain.ReferenceKind
	id   uuid.UUID
}

// checkStaged re-applies the row rules and confirms every foreign key still
// points at an active entity.
func (s *Service) checkStaged(ctx context.Context, rows []domain.StagedRow) ([]RowIssue, error) {
	issues := []RowIssue{}
	entities := make(map[referenceRef]*domain.ReferenceEntity)

	lookup := func(kind domain.ReferenceKind, id uuid.UUID) (*domain.ReferenceEntity, error) {
		ref := referenceRef{kind: kind, id: id}
		if entity, ok := entities[ref]; ok {
			return entity, nil
		}
		entity, err := s.resolver.ResolveByID(ctx, kind, id)
		if err != nil {
			if !isReferenceMiss(err) {
				return nil, fmt.Errorf("resolve %s %s: %w", kind, id, err)
			}
			entities[ref] = nil
			return nil, nil
		}
		entities[ref] = &entity
		return &entity, nil
	}

	for _, row := range rows {
		if !row.Valid {
			issues = append(issues, RowIssue{RowNumber: row.RowNumber, Kind: domain.FailureUnresolvedReference, Message: "row is flagged invalid"})
			continue
		}
		if verdict := s.rows.CheckStaged(row); !verdict.Valid {
			issues = append(issues, RowIssue{RowNumber: row.RowNumber, Kind: verdict.Kind, Message: verdict.Message})
			continue
		}

		var issue string
		for _, ref := range []referenceRef{
			{kind: domain.ReferenceKindState, id: row.StateID},
			{kind: domain.ReferenceKindCategory, id: row.CategoryID},
			{kind: domain.ReferenceKindStatistic, id: row.StatisticID},
		} {
			entity, err := lookup(ref.kind, ref.id)
			if err != nil {
				return nil, err
			}
			if entity == nil {
				issue = fmt.Sprintf("%s %s is missing or inactive", ref.kind, ref.id)
				break
			}
			if ref.kind == domain.ReferenceKindStatistic && (entity.CategoryID == nil || *entity.CategoryID != row.CategoryID) {
				issue = fmt.Sprintf("statistic %q does not belong to category %s", entity.Name, row.CategoryID)
			}
		}
		if issue != "" {
			issues = append(issues, RowIssue{RowNumber: row.RowNumber, Kind: domain.FailureUnresolvedReference, Message: issue})
		}
	}
	return issues, nil
}

// warnings flags repeated keys, overwrites of production values and value jumps.
func (s *Service) warnings(ctx context.Context, rows []domain.StagedRow) ([]Warning, error) {
	warnings := []Warning{}
	if len(rows) == 0 {
		return warnings, nil
	}

	inFile := make(map[domain.DataPointKey]domain.StagedRow, len(rows))
	lookupKeys := make([]domain.DataPointKey, 0, len(rows)*2)
	for _, row := range rows {
		key := row.Key()
		if first, dup := inFile[key]; dup {
			warnings = append(warnings, Warning{
				Kind:      WarningDuplicateKey,
				RowNumber: row.RowNumber,
				Message:   fmt.Sprintf("row repeats the state, statistic and year of row %d; the later value wins", first.RowNumber),
			})
			continue
		}
		inFile[key] = row
		lookupKeys = append(lookupKeys, key, key.PreviousYear())
	}

	points, err := s.dataPoints.ListByKeys(ctx, lookupKeys)
	if err != nil {
		return nil, fmt.Errorf("load production values: %w", err)
	}
	production := make(map[domain.DataPointKey]decimal.Decimal, len(points))
	for _, point := range points {
		production[point.Key()] = point.Value
	}

	for _, row := range rows {
		key := row.Key()
		if inFile[key].ID != row.ID {
			continue
		}
		current, published := production[key]
		if published && !current.Equal(row.Value) {
			warnings = append(warnings, Warning{
				Kind:      WarningOverwrite,
				RowNumber: row.RowNumber,
				Message:   fmt.Sprintf("replaces published value %s with %s", current, row.Value),
			})
		}

		baseline, label, ok := current, "published value", published
		if !ok {
			if previous, found := inFile[key.PreviousYear()]; found {
				baseline, label, ok = previous.Value, fmt.Sprintf("row %d", previous.RowNumber), true
			} else if previous, found := production[key.PreviousYear()]; found {
				baseline, label, ok = previous, fmt.Sprintf("published %d value", key.Year-1), true
			}
		}
		if ok && s.jumps(baseline, row.Value) {
			warnings = append(warnings, Warning{
				Kind:      WarningValueJump,
				RowNumber: row.RowNumber,
				Message:   fmt.Sprintf("value %s differs from %s %s by more than %sx", row.Value, label, baseline, s.jumpRatio),
			})
		}
	}

	sort.SliceStable(warnings, func(i, j int) bool { return warnings[i].RowNumber < warnings[j].RowNumber })
	return warnings, nil
}

func (s *Service) jumps(baseline, value decimal.Decimal) bool {
	a, b := baseline.Abs(), value.Abs()
	if a.IsZero() || b.IsZero() {
		return false
	}
	if a.LessThan(b) {
		a, b = b, a
	}
	return a.Div(b).GreaterThan(s.jumpRatio)
}
