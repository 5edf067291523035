package ingestion

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/rpattn/statedata/internal/blob"
	"github.com/rpattn/statedata/internal/domain"
	"github.com/rpattn/statedata/internal/failurelog"
	"github.com/rpattn/statedata/internal/metrics"
	"github.com/rpattn/statedata/internal/promotion"
	"github.com/rpattn/statedata/internal/reference"
	"github.com/rpattn/statedata/internal/repository"
	"github.com/rpattn/statedata/pkg/validator"

	playground "github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Dependencies groups the collaborators the import service drives.
type Dependencies struct {
	Sessions   repository.ImportSessionRepository
	Staged     repository.StagedRowRepository
	DataPoints repository.DataPointRepository
	Resolver   *reference.Resolver
	Validator  *validator.RowValidator
	Failures   *failurelog.Logger
	Promoter   *promotion.Engine
	Blobs      blob.Store
	Metrics    *metrics.Metrics
	Logger     logrus.FieldLogger
}

// Option tunes a Service.
type Option func(*Service)

// WithJumpRatio sets the value ratio above which validation warns about a jump.
func WithJumpRatio(ratio float64) Option {
	return func(s *Service) {
		if ratio > 1 {
			s.jumpRatio = decimal.NewFromFloat(ratio)
		}
	}
}

// WithPreviewLimit caps how many staged rows a preview returns.
func WithPreviewLimit(limit int) Option {
	return func(s *Service) {
		if limit > 0 {
			s.previewLimit = limit
		}
	}
}

// Service owns the lifecycle of import sessions.
type Service struct {
	sessions   repository.ImportSessionRepository
	staged     repository.StagedRowRepository
	dataPoints repository.DataPointRepository
	resolver   *reference.Resolver
	rows       *validator.RowValidator
	failures   *failurelog.Logger
	promoter   *promotion.Engine
	blobs      blob.Store
	metrics    *metrics.Metrics
	logger     logrus.FieldLogger
	requests   *playground.Validate

	jumpRatio    decimal.Decimal
	previewLimit int
}

// NewService creates a new import service.
func NewService(deps Dependencies, opts ...Option) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	rows := deps.Validator
	if rows == nil {
		rows = validator.NewRowValidator(validator.DefaultBounds())
	}

	requests := playground.New()
	requests.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("form"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	s := &Service{
		sessions:     deps.Sessions,
		staged:       deps.Staged,
		dataPoints:   deps.DataPoints,
		resolver:     deps.Resolver,
		rows:         rows,
		failures:     deps.Failures,
		promoter:     deps.Promoter,
		blobs:        deps.Blobs,
		metrics:      deps.Metrics,
		logger:       logger,
		requests:     requests,
		jumpRatio:    decimal.NewFromInt(10),
		previewLimit: 100,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// UploadRequest describes one uploaded spreadsheet.
type UploadRequest struct {
	FileName       string          `form:"fileName" validate:"required"`
	TemplateID     string          `form:"templateId" validate:"required"`
	Metadata       json.RawMessage `form:"metadata"`
	UserID         string          `form:"userId" validate:"required"`
	AllowDuplicate bool            `form:"allowDuplicate"`
	Data           []byte          `form:"file" validate:"required"`
}

// UploadResult reports the session created by an upload or retry.
type UploadResult struct {
	ImportID    uuid.UUID           `json:"importId"`
	Status      domain.ImportStatus `json:"status"`
	Attempt     int                 `json:"attempt"`
	Stats       domain.ImportStats  `json:"stats"`
	Duplicate   bool                `json:"duplicate"`
	DuplicateOf *uuid.UUID          `json:"duplicateOf,omitempty"`
}

func uploadResult(session domain.ImportSession) UploadResult {
	return UploadResult{
		ImportID:    session.ID,
		Status:      session.Status,
		Attempt:     session.Attempt,
		Stats:       session.Stats,
		Duplicate:   session.DuplicateOf != nil,
		DuplicateOf: session.DuplicateOf,
	}
}

// PromotionResult reports a committed promotion.
type PromotionResult struct {
	ImportID      uuid.UUID           `json:"importId"`
	PublishedRows int                 `json:"publishedRows"`
	Inserted      int                 `json:"inserted"`
	Updated       int                 `json:"updated"`
	Status        domain.ImportStatus `json:"status"`
}

// ContentHash fingerprints uploaded bytes for duplicate detection.
func ContentHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Templates lists the accepted layouts.
func (s *Service) Templates() []domain.Template {
	return domain.Templates()
}

// Upload archives the file, parses it against the template and stages every
// row that resolves and validates. Content already promoted under the same
// template and metadata is recorded as a discarded duplicate unless the
// request allows duplicates.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (UploadResult, error) {
	if err := s.checkRequest(req); err != nil {
		return UploadResult{}, err
	}
	template, err := domain.LookupTemplate(req.TemplateID)
	if err != nil {
		s.metrics.Upload("unknown", "rejected")
		return UploadResult{}, err
	}
	metadata, err := domain.ParseImportMetadata(req.Metadata, template)
	if err != nil {
		s.metrics.Upload(string(template.ID), "rejected")
		return UploadResult{}, err
	}
	if err := s.checkMetadataReferences(ctx, metadata); err != nil {
		s.metrics.Upload(string(template.ID), "rejected")
		return UploadResult{}, err
	}

	hash := ContentHash(req.Data)
	var duplicateOf *uuid.UUID
	earlier, err := s.sessions.FindPromotedDuplicate(ctx, hash, template.ID, metadata)
	switch {
	case err == nil:
		duplicateOf = &earlier.ID
	case errors.Is(err, domain.ErrNotFound):
	default:
		return UploadResult{}, fmt.Errorf("find duplicate import: %w", err)
	}

	session := domain.NewImportSession(req.FileName, hash, template.ID, metadata, strings.TrimSpace(req.UserID))
	session.ContentSize = int64(len(req.Data))
	session.DuplicateOf = duplicateOf

	if duplicateOf != nil && !req.AllowDuplicate {
		session.Status = domain.ImportStatusDiscarded
		message := fmt.Sprintf("%s: content was already promoted by import %s", domain.ErrDuplicateImport, *duplicateOf)
		session.ErrorMessage = &message
		created, err := s.sessions.Create(ctx, session)
		if err != nil {
			return UploadResult{}, fmt.Errorf("create import session: %w", err)
		}
		s.metrics.Upload(string(template.ID), "duplicate")
		s.logger.WithFields(logrus.Fields{
			"import_id":    created.ID,
			"duplicate_of": *duplicateOf,
		}).Info("duplicate upload recorded")
		return uploadResult(created), nil
	}

	table, err := parseUpload(req.FileName, req.Data, template)
	if err != nil {
		s.metrics.Upload(string(template.ID), "rejected")
		return UploadResult{}, err
	}

	session.ContentKey = contentKey(session.ID, req.FileName)
	if _, err := s.blobs.Put(ctx, session.ContentKey, bytes.NewReader(req.Data), blob.PutOptions{
		ContentType: contentType(req.FileName),
		Metadata:    map[string]string{"import_id": session.ID.String(), "sha256": hash},
	}); err != nil {
		return UploadResult{}, fmt.Errorf("archive upload: %w", err)
	}
	created, err := s.sessions.Create(ctx, session)
	if err != nil {
		if _, delErr := s.blobs.Delete(context.WithoutCancel(ctx), session.ContentKey); delErr != nil {
			s.logger.WithError(delErr).WithField("key", session.ContentKey).Warn("failed to remove orphaned upload")
		}
		return UploadResult{}, fmt.Errorf("create import session: %w", err)
	}

	staged, err := s.stage(ctx, created, table, 1)
	if err != nil {
		return UploadResult{}, err
	}
	s.metrics.Upload(string(template.ID), "staged")
	return uploadResult(staged), nil
}

// PromoteToProduction publishes the staged rows of a Staged or Validated import.
// Any failure leaves the import in PromotionFailed with nothing published.
func (s *Service) PromoteToProduction(ctx context.Context, importID uuid.UUID, userID string) (PromotionResult, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return PromotionResult{}, domain.NewRequestError("userId is required")
	}
	if _, err := s.transition(ctx, importID, domain.ImportTransition{
		From:       []domain.ImportStatus{domain.ImportStatusStaged, domain.ImportStatusValidated},
		To:         domain.ImportStatusPromoting,
		ClearError: true,
	}); err != nil {
		return PromotionResult{}, err
	}

	started := time.Now()
	result, err := s.promoter.Promote(ctx, importID, userID)
	if err != nil {
		s.metrics.Promotion("failed", time.Since(started))
		message := err.Error()
		if _, terr := s.transition(context.WithoutCancel(ctx), importID, domain.ImportTransition{
			From:         []domain.ImportStatus{domain.ImportStatusPromoting},
			To:           domain.ImportStatusPromotionFailed,
			ErrorMessage: &message,
		}); terr != nil {
			s.logger.WithError(terr).WithField("import_id", importID).Error("failed to mark promotion as failed")
		}
		return PromotionResult{}, err
	}
	s.metrics.Promotion("promoted", time.Since(started))
	s.metrics.Transition(string(domain.ImportStatusPromoted))

	return PromotionResult{
		ImportID:      importID,
		PublishedRows: result.PublishedRows,
		Inserted:      result.Inserted,
		Updated:       result.Updated,
		Status:        result.Session.Status,
	}, nil
}

// RetryImport clears the staged rows of a failed import and stages the
// archived original content again under the same id and content hash.
func (s *Service) RetryImport(ctx context.Context, importID uuid.UUID, userID string) (UploadResult, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return UploadResult{}, domain.NewRequestError("userId is required")
	}
	session, err := s.transition(ctx, importID, domain.ImportTransition{
		From: []domain.ImportStatus{domain.ImportStatusValidationFailed, domain.ImportStatusPromotionFailed},
		To:   domain.ImportStatusRetrying,
	})
	if err != nil {
		return UploadResult{}, err
	}
	s.logger.WithFields(logrus.Fields{
		"import_id": importID,
		"attempt":   session.Attempt + 1,
		"user_id":   userID,
	}).Info("retrying import")

	table, err := s.reparse(ctx, session)
	if err != nil {
		s.failRetry(ctx, session, err)
		return UploadResult{}, err
	}
	staged, err := s.stage(ctx, session, table, session.Attempt+1)
	if err != nil {
		return UploadResult{}, err
	}
	return uploadResult(staged), nil
}

func (s *Service) reparse(ctx context.Context, session domain.ImportSession) (parsedTable, error) {
	if _, err := s.staged.Discard(ctx, session.ID); err != nil {
		return parsedTable{}, fmt.Errorf("discard staged rows: %w", err)
	}
	if session.ContentKey == "" {
		return parsedTable{}, fmt.Errorf("%w: import %s has no archived content", domain.ErrNotFound, session.ID)
	}
	payload, err := blob.ReadAll(ctx, s.blobs, session.ContentKey)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return parsedTable{}, fmt.Errorf("%w: archived content of import %s", domain.ErrNotFound, session.ID)
		}
		return parsedTable{}, fmt.Errorf("read archived upload: %w", err)
	}
	template, err := domain.LookupTemplate(string(session.TemplateID))
	if err != nil {
		return parsedTable{}, err
	}
	return parseUpload(session.FileName, payload, template)
}

func (s *Service) failRetry(ctx context.Context, session domain.ImportSession, cause error) {
	message := cause.Error()
	if _, err := s.transition(context.WithoutCancel(ctx), session.ID, domain.ImportTransition{
		From:         []domain.ImportStatus{domain.ImportStatusRetrying},
		To:           domain.ImportStatusValidationFailed,
		ErrorMessage: &message,
	}); err != nil {
		s.logger.WithError(err).WithField("import_id", session.ID).Error("failed to mark retry as failed")
	}
}

// Discard abandons a non-terminal import and removes its staged rows.
// An import that is mid-promotion cannot be discarded.
func (s *Service) Discard(ctx context.Context, importID uuid.UUID) (domain.ImportSession, error) {
	session, err := s.transition(ctx, importID, domain.TransitionTo(domain.ImportStatusDiscarded))
	if err != nil {
		return domain.ImportSession{}, err
	}
	if _, err := s.staged.Discard(ctx, importID); err != nil {
		return session, fmt.Errorf("discard staged rows: %w", err)
	}
	return session, nil
}

// Purge deletes an import together with its staged rows, failure log and archived file.
func (s *Service) Purge(ctx context.Context, importID uuid.UUID) error {
	session, err := s.sessions.GetByID(ctx, importID)
	if err != nil {
		return err
	}
	if session.Status == domain.ImportStatusPromoting {
		return fmt.Errorf("%w: import %s is being promoted", domain.ErrInvalidStateTransition, importID)
	}
	if session.ContentKey != "" {
		if _, err := s.blobs.Delete(ctx, session.ContentKey); err != nil && !errors.Is(err, blob.ErrNotFound) {
			return fmt.Errorf("delete archived upload: %w", err)
		}
	}
	if _, err := s.staged.Discard(ctx, importID); err != nil {
		return fmt.Errorf("discard staged rows: %w", err)
	}
	if err := s.failures.Purge(ctx, importID); err != nil {
		return err
	}
	if err := s.sessions.Delete(ctx, importID); err != nil {
		return err
	}
	s.logger.WithField("import_id", importID).Info("import purged")
	return nil
}

// GetImport returns one session.
func (s *Service) GetImport(ctx context.Context, importID uuid.UUID) (domain.ImportSession, error) {
	return s.sessions.GetByID(ctx, importID)
}

// ListImports pages through sessions, newest first.
func (s *Service) ListImports(ctx context.Context, filter domain.ImportSessionFilter) ([]domain.ImportSession, int, error) {
	var problems []string
	for _, status := range filter.Statuses {
		if !status.Valid() {
			problems = append(problems, fmt.Sprintf("unknown status %q", status))
		}
	}
	if filter.Limit < 0 || filter.Offset < 0 {
		problems = append(problems, "limit and offset must not be negative")
	}
	if len(problems) > 0 {
		return nil, 0, domain.NewRequestError(problems...)
	}
	return s.sessions.List(ctx, filter)
}

// PreviewStaged returns up to limit staged rows of an import in row order.
func (s *Service) PreviewStaged(ctx context.Context, importID uuid.UUID, limit int) ([]domain.StagedRow, error) {
	if _, err := s.sessions.GetByID(ctx, importID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > s.previewLimit {
		limit = s.previewLimit
	}
	return s.staged.ListByImport(ctx, importID, limit)
}

// FailedRows returns the failures of the import's current attempt.
func (s *Service) FailedRows(ctx context.Context, importID uuid.UUID) ([]domain.FailedRow, error) {
	session, err := s.sessions.GetByID(ctx, importID)
	if err != nil {
		return nil, err
	}
	return s.failures.List(ctx, session)
}

// FailedRowsCSV renders the failed rows report. It fails with domain.ErrNotFound
// when the current attempt recorded no failures.
func (s *Service) FailedRowsCSV(ctx context.Context, importID uuid.UUID) ([]byte, error) {
	session, err := s.sessions.GetByID(ctx, importID)
	if err != nil {
		return nil, err
	}
	report, err := s.failures.ExportCSV(ctx, session)
	if err != nil {
		return nil, err
	}
	if report == nil {
		return nil, fmt.Errorf("%w: import %s has no failed rows", domain.ErrNotFound, importID)
	}
	return report, nil
}

// RecoverInterrupted fails every session left mid-operation by a previous
// process so it can be retried or discarded. Promoting sessions are never
// assumed to have committed.
func (s *Service) RecoverInterrupted(ctx context.Context) (int, error) {
	stuck, err := s.sessions.ListByStatus(ctx, []domain.ImportStatus{
		domain.ImportStatusStaging,
		domain.ImportStatusValidating,
		domain.ImportStatusRetrying,
		domain.ImportStatusPromoting,
	})
	if err != nil {
		return 0, fmt.Errorf("list interrupted imports: %w", err)
	}

	recovered := 0
	for _, session := range stuck {
		target := domain.ImportStatusValidationFailed
		if session.Status == domain.ImportStatusPromoting {
			target = domain.ImportStatusPromotionFailed
		}
		message := fmt.Sprintf("interrupted while %s", strings.ToLower(string(session.Status)))
		_, err := s.transition(ctx, session.ID, domain.ImportTransition{
			From:         []domain.ImportStatus{session.Status},
			To:           target,
			ErrorMessage: &message,
		})
		if err != nil {
			if errors.Is(err, domain.ErrInvalidStateTransition) || errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return recovered, err
		}
		recovered++
		s.logger.WithFields(logrus.Fields{
			"import_id": session.ID,
			"from":      session.Status,
			"status":    target,
		}).Warn("recovered interrupted import")
	}
	return recovered, nil
}

func (s *Service) checkRequest(req UploadRequest) error {
	err := s.requests.Struct(req)
	if err == nil {
		return nil
	}
	var fieldErrs playground.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return domain.NewRequestError(err.Error())
	}
	problems := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		problems = append(problems, fmt.Sprintf("%s is %s", fe.Field(), fe.Tag()))
	}
	return domain.NewRequestError(problems...)
}

// checkMetadataReferences ensures single-category metadata names an active
// category and one of its active statistics.
func (s *Service) checkMetadataReferences(ctx context.Context, metadata domain.ImportMetadata) error {
	problems, err := s.metadataProblems(ctx, metadata)
	if err != nil {
		return err
	}
	if len(problems) > 0 {
		return domain.NewRequestError(problems...)
	}
	return nil
}

func (s *Service) metadataProblems(ctx context.Context, metadata domain.ImportMetadata) ([]string, error) {
	if metadata.Kind != domain.MetadataKindSingleCategory {
		return nil, nil
	}
	var problems []string
	category, err := s.resolver.ResolveByID(ctx, domain.ReferenceKindCategory, *metadata.CategoryID)
	if err != nil {
		if !isReferenceMiss(err) {
			return nil, fmt.Errorf("resolve metadata category: %w", err)
		}
		problems = append(problems, fmt.Sprintf("categoryId %s is not an active category", *metadata.CategoryID))
	}
	statistic, err := s.resolver.ResolveByID(ctx, domain.ReferenceKindStatistic, *metadata.StatisticID)
	if err != nil {
		if !isReferenceMiss(err) {
			return nil, fmt.Errorf("resolve metadata statistic: %w", err)
		}
		problems = append(problems, fmt.Sprintf("statisticId %s is not an active statistic", *metadata.StatisticID))
	}
	if len(problems) == 0 && (statistic.CategoryID == nil || *statistic.CategoryID != category.ID) {
		problems = append(problems, fmt.Sprintf("statistic %q does not belong to category %q", statistic.Name, category.Name))
	}
	return problems, nil
}

func isReferenceMiss(err error) bool {
	return errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrUnresolvedReference)
}

// transition applies a compare-and-set status change and counts it.
func (s *Service) transition(ctx context.Context, importID uuid.UUID, t domain.ImportTransition) (domain.ImportSession, error) {
	session, err := s.sessions.Transition(ctx, importID, t)
	if err != nil {
		return domain.ImportSession{}, err
	}
	s.metrics.Transition(string(session.Status))
	return session, nil
}

func contentKey(importID uuid.UUID, fileName string) string {
	return fmt.Sprintf("imports/%s/original%s", importID, strings.ToLower(filepath.Ext(fileName)))
}

func contentType(fileName string) string {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		return "text/csv"
	}
}
