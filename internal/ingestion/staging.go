package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rpattn/statedata/internal/domain"
	"github.com/rpattn/statedata/internal/failurelog"
	"github.com/rpattn/statedata/internal/reference"
	"github.com/rpattn/statedata/pkg/validator"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const messageNoValidRows = "no rows passed validation"

// stagingPass holds the outcome of resolving and validating one parsed table.
type stagingPass struct {
	total    int
	staged   []domain.StagedRow
	failures []failurelog.Entry
}

func (p stagingPass) stats() domain.ImportStats {
	return domain.ImportStats{
		TotalRows:  p.total,
		ValidRows:  len(p.staged),
		FailedRows: len(p.failures),
	}
}

// stage runs one staging pass for session. Rows that resolve and validate go
// to the staging store, the rest to the failure log. The session ends in
// Staged, or ValidationFailed when no row could be staged.
func (s *Service) stage(ctx context.Context, session domain.ImportSession, table parsedTable, attempt int) (domain.ImportSession, error) {
	staging, err := s.transition(ctx, session.ID, domain.ImportTransition{
		From:       []domain.ImportStatus{domain.ImportStatusUploaded, domain.ImportStatusRetrying},
		To:         domain.ImportStatusStaging,
		Attempt:    &attempt,
		ClearError: true,
	})
	if err != nil {
		return domain.ImportSession{}, err
	}

	pass, err := s.resolveRows(ctx, staging, table)
	if err == nil {
		_, err = s.staged.Stage(ctx, staging.ID, pass.staged)
	}
	if err == nil {
		err = s.failures.RecordAll(ctx, pass.failures)
	}
	if err != nil {
		s.abortStaging(ctx, staging, err)
		return domain.ImportSession{}, fmt.Errorf("stage import %s: %w", staging.ID, err)
	}

	stats := pass.stats()
	next := domain.ImportTransition{
		From:  []domain.ImportStatus{domain.ImportStatusStaging},
		To:    domain.ImportStatusStaged,
		Stats: &stats,
	}
	if stats.ValidRows == 0 {
		message := messageNoValidRows
		next.To = domain.ImportStatusValidationFailed
		next.ErrorMessage = &message
	}
	finished, err := s.transition(ctx, staging.ID, next)
	if err != nil {
		// The session left Staging under us, so nothing may stay staged for it.
		if errors.Is(err, domain.ErrInvalidStateTransition) {
			if _, derr := s.staged.Discard(context.WithoutCancel(ctx), staging.ID); derr != nil {
				s.logger.WithError(derr).WithField("import_id", staging.ID).Error("failed to discard orphaned staged rows")
			}
		}
		return domain.ImportSession{}, err
	}

	s.metrics.Rows(stats.ValidRows, stats.FailedRows)
	s.logger.WithFields(logrus.Fields{
		"import_id":   finished.ID,
		"attempt":     finished.Attempt,
		"status":      finished.Status,
		"rows":        stats.TotalRows,
		"valid_rows":  stats.ValidRows,
		"failed_rows": stats.FailedRows,
	}).Info("import staged")
	return finished, nil
}

// abortStaging drops whatever was staged and fails the session after an
// infrastructure error.
func (s *Service) abortStaging(ctx context.Context, session domain.ImportSession, cause error) {
	ctx = context.WithoutCancel(ctx)
	logger := s.logger.WithField("import_id", session.ID)
	if _, err := s.staged.Discard(ctx, session.ID); err != nil {
		logger.WithError(err).Error("failed to discard partially staged rows")
	}
	message := cause.Error()
	if _, err := s.transition(ctx, session.ID, domain.ImportTransition{
		From:         []domain.ImportStatus{domain.ImportStatusStaging},
		To:           domain.ImportStatusValidationFailed,
		ErrorMessage: &message,
	}); err != nil {
		logger.WithError(err).Error("failed to mark staging as failed")
	}
}

func (s *Service) resolveRows(ctx context.Context, session domain.ImportSession, table parsedTable) (stagingPass, error) {
	lookup := s.resolver.NewLookup()
	if err := s.prefetch(ctx, lookup, session.Metadata, table); err != nil {
		return stagingPass{}, err
	}

	// Metadata references may have been deactivated since upload.
	problems, err := s.metadataProblems(ctx, session.Metadata)
	if err != nil {
		return stagingPass{}, err
	}
	var metadataMiss *validator.Unresolved
	if len(problems) > 0 {
		metadataMiss = &validator.Unresolved{
			Err: fmt.Errorf("%w: %s", domain.ErrUnresolvedReference, strings.Join(problems, "; ")),
		}
	}

	pass := stagingPass{total: len(table.rows)}
	for _, row := range table.rows {
		refs, unresolved, err := resolveRow(ctx, lookup, session.Metadata, row)
		if err != nil {
			return stagingPass{}, err
		}
		if unresolved == nil && metadataMiss != nil {
			unresolved = metadataMiss
		}
		verdict := s.rows.Validate(validator.Input{
			Required:   table.template.Columns,
			Fields:     row.Fields,
			References: refs,
			Unresolved: unresolved,
		})
		if !verdict.Valid {
			pass.failures = append(pass.failures, failurelog.Entry{
				ImportID:  session.ID,
				Attempt:   session.Attempt,
				RowNumber: row.Number,
				RawFields: row.Raw,
				Column:    verdict.Column,
				Kind:      verdict.Kind,
				Message:   verdict.Message,
			})
			continue
		}
		pass.staged = append(pass.staged, domain.NewStagedRow(session.ID, row.Number, refs, verdict.Year, verdict.Value))
	}
	return pass, nil
}

// prefetch batches every label of the table so per-row resolution is served
// from the lookup cache.
func (s *Service) prefetch(ctx context.Context, lookup *reference.Lookup, metadata domain.ImportMetadata, table parsedTable) error {
	states := make([]string, 0, len(table.rows))
	for _, row := range table.rows {
		states = append(states, row.Fields[domain.ColumnState])
	}
	if err := lookup.Prefetch(ctx, domain.ReferenceKindState, uuid.Nil, states); err != nil {
		return err
	}
	if metadata.Kind != domain.MetadataKindMultiCategory {
		return nil
	}

	categories := make([]string, 0, len(table.rows))
	for _, row := range table.rows {
		categories = append(categories, row.Fields[domain.ColumnCategory])
	}
	if err := lookup.Prefetch(ctx, domain.ReferenceKindCategory, uuid.Nil, categories); err != nil {
		return err
	}

	measures := make(map[uuid.UUID][]string)
	for _, row := range table.rows {
		category, err := lookup.Resolve(ctx, domain.ReferenceKindCategory, uuid.Nil, row.Fields[domain.ColumnCategory])
		if err != nil {
			if errors.Is(err, domain.ErrUnresolvedReference) {
				continue
			}
			return err
		}
		measures[category.ID] = append(measures[category.ID], row.Fields[domain.ColumnMeasure])
	}
	for categoryID, labels := range measures {
		if err := lookup.Prefetch(ctx, domain.ReferenceKindStatistic, categoryID, labels); err != nil {
			return err
		}
	}
	return nil
}

// resolveRow maps the labels of one row onto reference ids. A label that does
// not resolve is reported through the returned Unresolved; only lookup
// failures are returned as errors.
func resolveRow(ctx context.Context, lookup *reference.Lookup, metadata domain.ImportMetadata, row parsedRow) (domain.ResolvedReferences, *validator.Unresolved, error) {
	var refs domain.ResolvedReferences

	resolve := func(kind domain.ReferenceKind, scope uuid.UUID, column domain.Column) (uuid.UUID, *validator.Unresolved, error) {
		entity, err := lookup.Resolve(ctx, kind, scope, row.Fields[column])
		if err == nil {
			return entity.ID, nil, nil
		}
		if errors.Is(err, domain.ErrUnresolvedReference) {
			return uuid.Nil, &validator.Unresolved{Column: column, Err: err}, nil
		}
		return uuid.Nil, nil, err
	}

	stateID, unresolved, err := resolve(domain.ReferenceKindState, uuid.Nil, domain.ColumnState)
	if err != nil || unresolved != nil {
		return refs, unresolved, err
	}
	refs.StateID = stateID

	if metadata.Kind == domain.MetadataKindSingleCategory {
		refs.CategoryID = *metadata.CategoryID
		refs.StatisticID = *metadata.StatisticID
		return refs, nil, nil
	}

	categoryID, unresolved, err := resolve(domain.ReferenceKindCategory, uuid.Nil, domain.ColumnCategory)
	if err != nil || unresolved != nil {
		return refs, unresolved, err
	}
	refs.CategoryID = categoryID

	statisticID, unresolved, err := resolve(domain.ReferenceKindStatistic, categoryID, domain.ColumnMeasure)
	if err != nil || unresolved != nil {
		return refs, unresolved, err
	}
	refs.StatisticID = statisticID
	return refs, nil, nil
}
