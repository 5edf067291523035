package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rpattn/statedata/internal/blob"
	"github.com/rpattn/statedata/internal/domain"
	"github.com/rpattn/statedata/internal/failurelog"
	"github.com/rpattn/statedata/internal/metrics"
	"github.com/rpattn/statedata/internal/promotion"
	"github.com/rpattn/statedata/internal/reference"
	"github.com/rpattn/statedata/internal/repository"
	"github.com/rpattn/statedata/internal/repository/memory"
	"github.com/rpattn/statedata/pkg/validator"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

const multiHeader = "State,Year,Category,Measure,Value"

var tenStates = []string{"Alabama", "Alaska", "Arizona", "Arkansas", "California", "Colorado", "Connecticut", "Delaware", "Florida", "Georgia"}

type fixture struct {
	store    *memory.Store
	blobs    *blob.Memory
	registry *prometheus.Registry
	hook     *test.Hook
	service  *Service
}

func newFixture(t *testing.T, opts ...Option) fixture {
	t.Helper()
	store := memory.NewSeededStore()
	blobs := blob.NewMemory()
	registry := prometheus.NewRegistry()
	logger, hook := test.NewNullLogger()

	service := NewService(Dependencies{
		Sessions:   store.Sessions(),
		Staged:     store.StagedRows(),
		DataPoints: store.DataPoints(),
		Resolver:   reference.NewResolver(store.References(), reference.WithBatchWait(time.Millisecond)),
		Validator:  validator.NewRowValidator(validator.DefaultBounds()),
		Failures:   failurelog.New(store.FailedRows()),
		Promoter:   promotion.NewEngine(store, logger),
		Blobs:      blobs,
		Metrics:    metrics.New(registry),
		Logger:     logger,
	}, opts...)

	return fixture{store: store, blobs: blobs, registry: registry, hook: hook, service: service}
}

func csvFile(header string, rows ...string) []byte {
	return []byte(header + "\n" + strings.Join(rows, "\n") + "\n")
}

// incomeRows renders one Median Household Income row per state for year.
func incomeRows(year int, base int) []string {
	rows := make([]string, 0, len(tenStates))
	for i, state := range tenStates {
		rows = append(rows, fmt.Sprintf("%s,%d,Economy,Median Household Income,%d", state, year, base+i))
	}
	return rows
}

func multiUpload(data []byte) UploadRequest {
	return UploadRequest{
		FileName:   "income.csv",
		TemplateID: string(domain.TemplateMultiCategory),
		UserID:     "analyst",
		Data:       data,
	}
}

func incomeID() uuid.UUID {
	return memory.ReferenceID(domain.ReferenceKindStatistic, "Economy/Median Household Income")
}

func stateID(name string) uuid.UUID {
	return memory.ReferenceID(domain.ReferenceKindState, name)
}

func (f fixture) uploadIncome(t *testing.T, year, base int) UploadResult {
	t.Helper()
	result, err := f.service.Upload(context.Background(), multiUpload(csvFile(multiHeader, incomeRows(year, base)...)))
	require.NoError(t, err)
	require.Equal(t, domain.ImportStatusStaged, result.Status)
	return result
}

func TestUploadStagesRowsAndLogsUnresolvedMeasure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	rows := append(incomeRows(2023, 50000), "Alabama,2023,Economy,GDP,200000")
	result, err := f.service.Upload(ctx, multiUpload(csvFile(multiHeader, rows...)))
	require.NoError(t, err)

	assert.Equal(t, domain.ImportStatusStaged, result.Status)
	assert.Equal(t, 1, result.Attempt)
	assert.Equal(t, domain.ImportStats{TotalRows: 11, ValidRows: 10, FailedRows: 1}, result.Stats)
	assert.True(t, result.Stats.Balanced())
	assert.False(t, result.Duplicate)

	failed, err := f.service.FailedRows(ctx, result.ImportID)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, domain.FailureUnresolvedReference, failed[0].Kind)
	assert.Equal(t, domain.ColumnMeasure, failed[0].Column)
	assert.Equal(t, 12, failed[0].RowNumber)
	assert.Equal(t, []string{"Alabama", "2023", "Economy", "GDP", "200000"}, failed[0].RawFields)

	staged, err := f.store.StagedRows().ListByImport(ctx, result.ImportID, 0)
	require.NoError(t, err)
	require.Len(t, staged, 10)
	for i, row := range staged {
		assert.Equal(t, i+2, row.RowNumber)
		for kind, id := range map[domain.ReferenceKind]uuid.UUID{
			domain.ReferenceKindState:     row.StateID,
			domain.ReferenceKindCategory:  row.CategoryID,
			domain.ReferenceKindStatistic: row.StatisticID,
		} {
			entity, err := f.store.References().GetByID(ctx, kind, id)
			require.NoError(t, err)
			assert.True(t, entity.Active)
		}
	}

	session, err := f.service.GetImport(ctx, result.ImportID)
	require.NoError(t, err)
	assert.Len(t, session.ContentHash, 64)
	assert.Equal(t, "analyst", session.UploadedBy)
	archived, err := blob.ReadAll(ctx, f.blobs, session.ContentKey)
	require.NoError(t, err)
	assert.Equal(t, csvFile(multiHeader, rows...), archived)

	count, err := testutil.GatherAndCount(f.registry, "statedata_import_uploads_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestUploadRowFailureKinds(t *testing.T) {
	tests := []struct {
		name   string
		row    string
		kind   domain.FailureKind
		column domain.Column
	}{
		{name: "non numeric value", row: "Alabama,2023,Economy,Median Household Income,N/A", kind: domain.FailureNonNumericValue, column: domain.ColumnValue},
		{name: "nan value", row: "Alabama,2023,Economy,Median Household Income,NaN", kind: domain.FailureNonNumericValue, column: domain.ColumnValue},
		{name: "missing state", row: ",2023,Economy,Median Household Income,1", kind: domain.FailureMissingField, column: domain.ColumnState},
		{name: "missing value", row: "Alabama,2023,Economy,Median Household Income,", kind: domain.FailureMissingField, column: domain.ColumnValue},
		{name: "short row", row: "Alabama,2023,Economy", kind: domain.FailureMissingField, column: domain.ColumnMeasure},
		{name: "year too early", row: "Alabama,1850,Economy,Median Household Income,1", kind: domain.FailureYearOutOfRange, column: domain.ColumnYear},
		{name: "fractional year", row: "Alabama,2023.5,Economy,Median Household Income,1", kind: domain.FailureYearOutOfRange, column: domain.ColumnYear},
		{name: "unknown state", row: "Atlantis,2023,Economy,Median Household Income,1", kind: domain.FailureUnresolvedReference, column: domain.ColumnState},
		{name: "unknown category", row: "Alabama,2023,Sports,Median Household Income,1", kind: domain.FailureUnresolvedReference, column: domain.ColumnCategory},
		{name: "measure of another category", row: "Alabama,2023,Economy,Life Expectancy,78", kind: domain.FailureUnresolvedReference, column: domain.ColumnMeasure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)

			result, err := f.service.Upload(ctx, multiUpload(csvFile(multiHeader,
				"Texas,2023,Economy,Median Household Income,65000",
				tt.row,
			)))
			require.NoError(t, err)
			assert.Equal(t, domain.ImportStats{TotalRows: 2, ValidRows: 1, FailedRows: 1}, result.Stats)

			failed, err := f.service.FailedRows(ctx, result.ImportID)
			require.NoError(t, err)
			require.Len(t, failed, 1)
			assert.Equal(t, tt.kind, failed[0].Kind)
			assert.Equal(t, tt.column, failed[0].Column)
			assert.Equal(t, 3, failed[0].RowNumber)
			assert.NotEmpty(t, failed[0].Message)
		})
	}
}

func TestUploadNormalizesLabelsAndThousands(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	result, err := f.service.Upload(ctx, multiUpload(csvFile("value, MEASURE ,state,year,category,notes",
		`"65,000",  median   household income ,  new  YORK ,2023,economy,ignored`,
	)))
	require.NoError(t, err)
	require.Equal(t, 1, result.Stats.ValidRows)

	staged, err := f.store.StagedRows().ListByImport(ctx, result.ImportID, 0)
	require.NoError(t, err)
	require.Len(t, staged, 1)
	assert.Equal(t, stateID("New York"), staged[0].StateID)
	assert.Equal(t, incomeID(), staged[0].StatisticID)
	assert.True(t, decimal.NewFromInt(65000).Equal(staged[0].Value))
}

func TestUploadWithoutValidRowsFailsValidation(t *testing.T) {
	f := newFixture(t)

	result, err := f.service.Upload(context.Background(), multiUpload(csvFile(multiHeader,
		"Alabama,2023,Economy,GDP,1",
		"Alaska,2023,Economy,GDP,2",
	)))
	require.NoError(t, err)
	assert.Equal(t, domain.ImportStatusValidationFailed, result.Status)
	assert.Equal(t, domain.ImportStats{TotalRows: 2, FailedRows: 2}, result.Stats)

	_, err = f.service.PromoteToProduction(context.Background(), result.ImportID, "reviewer")
	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)
}

func TestUploadRejectsBadRequests(t *testing.T) {
	valid := csvFile(multiHeader, "Alabama,2023,Economy,Median Household Income,1")

	tests := []struct {
		name   string
		modify func(*UploadRequest)
		target error
	}{
		{name: "missing user", modify: func(r *UploadRequest) { r.UserID = "" }, target: domain.ErrBadRequest},
		{name: "missing file", modify: func(r *UploadRequest) { r.Data = nil }, target: domain.ErrBadRequest},
		{name: "unknown template", modify: func(r *UploadRequest) { r.TemplateID = "wide" }, target: domain.ErrUnknownTemplate},
		{name: "metadata kind mismatch", modify: func(r *UploadRequest) { r.Metadata = []byte(`{"kind":"single-category"}`) }, target: domain.ErrBadRequest},
		{name: "unsupported extension", modify: func(r *UploadRequest) { r.FileName = "income.txt" }, target: ErrUnsupportedFormat},
		{name: "empty file", modify: func(r *UploadRequest) { r.Data = []byte{} }, target: domain.ErrParse},
		{name: "missing columns", modify: func(r *UploadRequest) { r.Data = csvFile("State,Year,Value", "Alabama,2023,1") }, target: domain.ErrParse},
		{name: "header only", modify: func(r *UploadRequest) { r.Data = csvFile(multiHeader) }, target: domain.ErrParse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			req := multiUpload(valid)
			tt.modify(&req)

			_, err := f.service.Upload(ctx, req)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.target)

			sessions, total, err := f.service.ListImports(ctx, domain.ImportSessionFilter{})
			require.NoError(t, err)
			assert.Zero(t, total)
			assert.Empty(t, sessions)
		})
	}
}

func TestUploadRequestErrorListsFields(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.Upload(context.Background(), UploadRequest{TemplateID: "multi-category"})
	var requestErr *domain.RequestError
	require.ErrorAs(t, err, &requestErr)
	assert.ElementsMatch(t, []string{"fileName is required", "userId is required", "file is required"}, requestErr.Problems)
}

func TestUploadSingleCategory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	health := memory.ReferenceID(domain.ReferenceKindCategory, "Health")
	lifeExpectancy := memory.ReferenceID(domain.ReferenceKindStatistic, "Health/Life Expectancy")

	req := UploadRequest{
		FileName:   "life.csv",
		TemplateID: string(domain.TemplateSingleCategory),
		Metadata:   []byte(fmt.Sprintf(`{"kind":"single-category","categoryId":%q,"statisticId":%q}`, health, lifeExpectancy)),
		UserID:     "analyst",
		Data:       csvFile("State,Year,Value", "Ohio,2022,76.4", "Utah,2022,78.6"),
	}
	result, err := f.service.Upload(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, domain.ImportStats{TotalRows: 2, ValidRows: 2}, result.Stats)

	staged, err := f.store.StagedRows().ListByImport(ctx, result.ImportID, 0)
	require.NoError(t, err)
	require.Len(t, staged, 2)
	for _, row := range staged {
		assert.Equal(t, health, row.CategoryID)
		assert.Equal(t, lifeExpectancy, row.StatisticID)
	}

	t.Run("statistic outside category", func(t *testing.T) {
		req := req
		req.Metadata = []byte(fmt.Sprintf(`{"kind":"single-category","categoryId":%q,"statisticId":%q}`, health, incomeID()))
		_, err := f.service.Upload(ctx, req)
		assert.ErrorIs(t, err, domain.ErrBadRequest)
	})

	t.Run("unknown category", func(t *testing.T) {
		req := req
		req.Metadata = []byte(fmt.Sprintf(`{"kind":"single-category","categoryId":%q,"statisticId":%q}`, uuid.New(), lifeExpectancy))
		_, err := f.service.Upload(ctx, req)
		assert.ErrorIs(t, err, domain.ErrBadRequest)
	})
}

func TestUploadXLSX(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	book := excelize.NewFile()
	sheet := book.GetSheetName(0)
	require.NoError(t, book.SetSheetRow(sheet, "A1", &[]any{"State", "Year", "Category", "Measure", "Value"}))
	require.NoError(t, book.SetSheetRow(sheet, "A2", &[]any{"Alabama", 2023, "Population", "Total Population", 5108468}))
	require.NoError(t, book.SetSheetRow(sheet, "A4", &[]any{"Alaska", 2023, "Population", "Median Age", "old"}))
	buf, err := book.WriteToBuffer()
	require.NoError(t, err)

	req := multiUpload(buf.Bytes())
	req.FileName = "population.XLSX"
	result, err := f.service.Upload(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, domain.ImportStats{TotalRows: 2, ValidRows: 1, FailedRows: 1}, result.Stats)

	failed, err := f.service.FailedRows(ctx, result.ImportID)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 4, failed[0].RowNumber)
	assert.Equal(t, domain.FailureNonNumericValue, failed[0].Kind)
}

func TestPromotePublishesStagedRows(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	upload := f.uploadIncome(t, 2023, 50000)

	result, err := f.service.PromoteToProduction(ctx, upload.ImportID, "reviewer")
	require.NoError(t, err)
	assert.Equal(t, 10, result.PublishedRows)
	assert.Equal(t, 10, result.Inserted)
	assert.Equal(t, domain.ImportStatusPromoted, result.Status)

	preview, err := f.service.PreviewStaged(ctx, upload.ImportID, 0)
	require.NoError(t, err)
	assert.Empty(t, preview)

	session, err := f.service.GetImport(ctx, upload.ImportID)
	require.NoError(t, err)
	assert.Equal(t, 10, session.PublishedRows)
	require.NotNil(t, session.PromotedBy)
	assert.Equal(t, "reviewer", *session.PromotedBy)

	points, err := f.store.DataPoints().ListByImport(ctx, upload.ImportID)
	require.NoError(t, err)
	assert.Len(t, points, 10)

	_, err = f.service.PromoteToProduction(ctx, upload.ImportID, "reviewer")
	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)
	after, err := f.store.DataPoints().ListByImport(ctx, upload.ImportID)
	require.NoError(t, err)
	assert.Equal(t, points, after)
}

func TestPromoteRequiresUser(t *testing.T) {
	f := newFixture(t)
	upload := f.uploadIncome(t, 2023, 1)

	_, err := f.service.PromoteToProduction(context.Background(), upload.ImportID, " ")
	assert.ErrorIs(t, err, domain.ErrBadRequest)

	_, err = f.service.PromoteToProduction(context.Background(), uuid.New(), "reviewer")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPromoteUpsertKeepsOneRecordPerKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first := f.uploadIncome(t, 2023, 50000)
	_, err := f.service.PromoteToProduction(ctx, first.ImportID, "reviewer")
	require.NoError(t, err)

	second := f.uploadIncome(t, 2023, 60000)
	report, err := f.service.ValidateImport(ctx, second.ImportID)
	require.NoError(t, err)
	assert.True(t, report.IsValid)
	overwrites := 0
	for _, warning := range report.Warnings {
		if warning.Kind == WarningOverwrite {
			overwrites++
		}
	}
	assert.Equal(t, 10, overwrites)

	result, err := f.service.PromoteToProduction(ctx, second.ImportID, "reviewer")
	require.NoError(t, err)
	assert.Equal(t, 0, result.Inserted)
	assert.Equal(t, 10, result.Updated)

	keys := make([]domain.DataPointKey, 0, len(tenStates))
	for _, state := range tenStates {
		keys = append(keys, domain.DataPointKey{StateID: stateID(state), StatisticID: incomeID(), Year: 2023})
	}
	points, err := f.store.DataPoints().ListByKeys(ctx, keys)
	require.NoError(t, err)
	require.Len(t, points, 10)
	for _, point := range points {
		require.NotNil(t, point.ImportID)
		assert.Equal(t, second.ImportID, *point.ImportID)
		assert.True(t, point.Value.GreaterThanOrEqual(decimal.NewFromInt(60000)))
	}
}

func TestPromotionFailureRollsBackAndRetryRecovers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	upload := f.uploadIncome(t, 2023, 50000)
	original, err := f.service.GetImport(ctx, upload.ImportID)
	require.NoError(t, err)

	colorado := stateID("Colorado")
	f.store.FailUpsertsWith(func(point domain.DataPoint) error {
		if point.StateID == colorado {
			return errors.New("disk full")
		}
		return nil
	})

	_, err = f.service.PromoteToProduction(ctx, upload.ImportID, "reviewer")
	require.ErrorIs(t, err, domain.ErrPromotion)
	var promotionErr *domain.PromotionError
	require.ErrorAs(t, err, &promotionErr)
	assert.Equal(t, 7, promotionErr.RowNumber)

	failed, err := f.service.GetImport(ctx, upload.ImportID)
	require.NoError(t, err)
	assert.Equal(t, domain.ImportStatusPromotionFailed, failed.Status)
	require.NotNil(t, failed.ErrorMessage)
	assert.Contains(t, *failed.ErrorMessage, "row 7")

	points, err := f.store.DataPoints().ListByImport(ctx, upload.ImportID)
	require.NoError(t, err)
	assert.Empty(t, points)

	f.store.FailUpsertsWith(nil)
	retried, err := f.service.RetryImport(ctx, upload.ImportID, "reviewer")
	require.NoError(t, err)
	assert.Equal(t, upload.ImportID, retried.ImportID)
	assert.Equal(t, 2, retried.Attempt)
	assert.Equal(t, domain.ImportStatusStaged, retried.Status)
	assert.Equal(t, domain.ImportStats{TotalRows: 10, ValidRows: 10}, retried.Stats)

	session, err := f.service.GetImport(ctx, upload.ImportID)
	require.NoError(t, err)
	assert.Equal(t, original.ContentHash, session.ContentHash)
	assert.Nil(t, session.ErrorMessage)

	count, err := f.store.StagedRows().Count(ctx, upload.ImportID)
	require.NoError(t, err)
	assert.Equal(t, 10, count)

	result, err := f.service.PromoteToProduction(ctx, upload.ImportID, "reviewer")
	require.NoError(t, err)
	assert.Equal(t, 10, result.PublishedRows)
}

func TestRetryOnlyFromFailedStates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	upload := f.uploadIncome(t, 2023, 1)

	_, err := f.service.RetryImport(ctx, upload.ImportID, "reviewer")
	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)

	_, err = f.service.RetryImport(ctx, upload.ImportID, "")
	assert.ErrorIs(t, err, domain.ErrBadRequest)
}

func TestRetryAfterValidationFailureUsesNewAttempt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	result, err := f.service.Upload(ctx, multiUpload(csvFile(multiHeader,
		"Alabama,2023,Economy,Median Household Income,1",
		"Alabama,2023,Economy,GDP,2",
	)))
	require.NoError(t, err)

	f.store.SetReferenceActive(domain.ReferenceKindState, stateID("Alabama"), false)
	report, err := f.service.ValidateImport(ctx, result.ImportID)
	require.NoError(t, err)
	assert.False(t, report.IsValid)
	assert.Equal(t, domain.ImportStatusValidationFailed, report.Status)

	f.store.SetReferenceActive(domain.ReferenceKindState, stateID("Alabama"), true)
	f.store.AddReferences(domain.ReferenceEntity{
		ID:         memory.ReferenceID(domain.ReferenceKindStatistic, "Economy/GDP"),
		Kind:       domain.ReferenceKindStatistic,
		Name:       "GDP",
		CategoryID: ptr(memory.ReferenceID(domain.ReferenceKindCategory, "Economy")),
		Active:     true,
	})

	retried, err := f.service.RetryImport(ctx, result.ImportID, "analyst")
	require.NoError(t, err)
	assert.Equal(t, 2, retried.Attempt)
	assert.Equal(t, domain.ImportStats{TotalRows: 2, ValidRows: 2}, retried.Stats)

	_, err = f.service.FailedRowsCSV(ctx, result.ImportID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	all, err := f.store.FailedRows().ListByImport(ctx, result.ImportID, 1)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRetryRechecksSingleCategoryMetadata(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	health := memory.ReferenceID(domain.ReferenceKindCategory, "Health")
	lifeExpectancy := memory.ReferenceID(domain.ReferenceKindStatistic, "Health/Life Expectancy")

	result, err := f.service.Upload(ctx, UploadRequest{
		FileName:   "life.csv",
		TemplateID: string(domain.TemplateSingleCategory),
		Metadata:   []byte(fmt.Sprintf(`{"kind":"single-category","categoryId":%q,"statisticId":%q}`, health, lifeExpectancy)),
		UserID:     "analyst",
		Data:       csvFile("State,Year,Value", "Ohio,2022,76.4"),
	})
	require.NoError(t, err)
	require.Equal(t, domain.ImportStatusStaged, result.Status)

	f.store.SetReferenceActive(domain.ReferenceKindStatistic, lifeExpectancy, false)
	report, err := f.service.ValidateImport(ctx, result.ImportID)
	require.NoError(t, err)
	require.Equal(t, domain.ImportStatusValidationFailed, report.Status)

	retried, err := f.service.RetryImport(ctx, result.ImportID, "analyst")
	require.NoError(t, err)
	assert.Equal(t, domain.ImportStatusValidationFailed, retried.Status)
	assert.Equal(t, domain.ImportStats{TotalRows: 1, FailedRows: 1}, retried.Stats)

	count, err := f.store.StagedRows().Count(ctx, result.ImportID)
	require.NoError(t, err)
	assert.Zero(t, count)

	failed, err := f.service.FailedRows(ctx, result.ImportID)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, domain.FailureUnresolvedReference, failed[0].Kind)
	assert.Contains(t, failed[0].Message, "not an active statistic")
}

func TestUploadRejectsOversizedValues(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	baseline := f.uploadIncome(t, 2023, 50000)
	_, err := f.service.PromoteToProduction(ctx, baseline.ImportID, "reviewer")
	require.NoError(t, err)

	result, err := f.service.Upload(ctx, multiUpload(csvFile(multiHeader,
		"Alabama,2023,Economy,Median Household Income,1e2000000000",
		"Alaska,2023,Economy,Median Household Income,50002",
	)))
	require.NoError(t, err)
	assert.Equal(t, domain.ImportStats{TotalRows: 2, ValidRows: 1, FailedRows: 1}, result.Stats)

	failed, err := f.service.FailedRows(ctx, result.ImportID)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, domain.FailureNonNumericValue, failed[0].Kind)
	assert.Equal(t, 2, failed[0].RowNumber)

	done := make(chan error, 1)
	go func() {
		_, err := f.service.ValidateImport(ctx, result.ImportID)
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("validation did not finish")
	}
}

// discardDuringStage moves the session out of Staging before rows are written.
type discardDuringStage struct {
	repository.StagedRowRepository
	sessions repository.ImportSessionRepository
}

func (d discardDuringStage) Stage(ctx context.Context, importID uuid.UUID, rows []domain.StagedRow) (int, error) {
	if _, err := d.sessions.Transition(ctx, importID, domain.TransitionTo(domain.ImportStatusDiscarded)); err != nil {
		return 0, err
	}
	return d.StagedRowRepository.Stage(ctx, importID, rows)
}

func TestStageDropsRowsWhenSessionLeavesStaging(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.service.staged = discardDuringStage{StagedRowRepository: f.store.StagedRows(), sessions: f.store.Sessions()}

	_, err := f.service.Upload(ctx, multiUpload(csvFile(multiHeader, incomeRows(2023, 50000)...)))
	require.ErrorIs(t, err, domain.ErrInvalidStateTransition)

	sessions, total, err := f.service.ListImports(ctx, domain.ImportSessionFilter{})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, domain.ImportStatusDiscarded, sessions[0].Status)

	count, err := f.store.StagedRows().Count(ctx, sessions[0].ID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestDuplicateUploadIsShortCircuited(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	data := csvFile(multiHeader, incomeRows(2023, 50000)...)

	first, err := f.service.Upload(ctx, multiUpload(data))
	require.NoError(t, err)
	_, err = f.service.PromoteToProduction(ctx, first.ImportID, "reviewer")
	require.NoError(t, err)

	second, err := f.service.Upload(ctx, multiUpload(data))
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	require.NotNil(t, second.DuplicateOf)
	assert.Equal(t, first.ImportID, *second.DuplicateOf)
	assert.Equal(t, domain.ImportStatusDiscarded, second.Status)

	count, err := f.store.StagedRows().Count(ctx, second.ImportID)
	require.NoError(t, err)
	assert.Zero(t, count)

	forced := multiUpload(data)
	forced.AllowDuplicate = true
	third, err := f.service.Upload(ctx, forced)
	require.NoError(t, err)
	assert.Equal(t, domain.ImportStatusStaged, third.Status)
	require.NotNil(t, third.DuplicateOf)
	assert.Equal(t, first.ImportID, *third.DuplicateOf)

	fourth, err := f.service.Upload(ctx, multiUpload(csvFile(multiHeader, incomeRows(2024, 50000)...)))
	require.NoError(t, err)
	assert.False(t, fourth.Duplicate)
}

func TestValidateImportReportsWarnings(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	now := time.Now().UTC()
	f.store.PutDataPoint(domain.DataPoint{
		ID:          uuid.New(),
		StateID:     stateID("Alabama"),
		StatisticID: incomeID(),
		Year:        2022,
		Value:       decimal.NewFromInt(100),
		CreatedAt:   now,
		UpdatedAt:   now,
	})

	upload, err := f.service.Upload(ctx, multiUpload(csvFile(multiHeader,
		"Alabama,2023,Economy,Median Household Income,5000",
		"Alaska,2022,Economy,Median Household Income,70000",
		"Alaska,2023,Economy,Median Household Income,71000",
		"Alaska,2023,Economy,Median Household Income,72000",
		"Alabama,2023,Economy,Unemployment Rate,N/A",
	)))
	require.NoError(t, err)

	report, err := f.service.ValidateImport(ctx, upload.ImportID)
	require.NoError(t, err)
	assert.True(t, report.IsValid)
	assert.Equal(t, domain.ImportStatusValidated, report.Status)
	assert.Equal(t, 4, report.Stats.StagedRows)
	assert.Equal(t, 1, report.Stats.FailedRows)
	assert.Equal(t, map[domain.FailureKind]int{domain.FailureNonNumericValue: 1}, report.Stats.FailuresByReason)
	assert.Empty(t, report.Errors)

	require.Len(t, report.Warnings, 2)
	assert.Equal(t, WarningValueJump, report.Warnings[0].Kind)
	assert.Equal(t, 2, report.Warnings[0].RowNumber)
	assert.Equal(t, WarningDuplicateKey, report.Warnings[1].Kind)
	assert.Equal(t, 5, report.Warnings[1].RowNumber)

	again, err := f.service.ValidateImport(ctx, upload.ImportID)
	require.NoError(t, err)
	assert.Equal(t, report.Stats, again.Stats)

	staged, err := f.store.StagedRows().ListByImport(ctx, upload.ImportID, 0)
	require.NoError(t, err)
	assert.Len(t, staged, 4)
}

func TestValidateImportFlagsInactiveReferences(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	upload := f.uploadIncome(t, 2023, 50000)

	f.store.SetReferenceActive(domain.ReferenceKindState, stateID("Alaska"), false)
	report, err := f.service.ValidateImport(ctx, upload.ImportID)
	require.NoError(t, err)
	assert.False(t, report.IsValid)
	assert.Equal(t, domain.ImportStatusValidationFailed, report.Status)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, 3, report.Errors[0].RowNumber)
	assert.Equal(t, domain.FailureUnresolvedReference, report.Errors[0].Kind)

	_, err = f.service.PromoteToProduction(ctx, upload.ImportID, "reviewer")
	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)

	f.store.SetReferenceActive(domain.ReferenceKindState, stateID("Alaska"), true)
	report, err = f.service.ValidateImport(ctx, upload.ImportID)
	require.NoError(t, err)
	assert.True(t, report.IsValid)
}

func TestDiscardClearsStagedRows(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	upload := f.uploadIncome(t, 2023, 1)

	session, err := f.service.Discard(ctx, upload.ImportID)
	require.NoError(t, err)
	assert.Equal(t, domain.ImportStatusDiscarded, session.Status)

	count, err := f.store.StagedRows().Count(ctx, upload.ImportID)
	require.NoError(t, err)
	assert.Zero(t, count)

	_, err = f.service.Discard(ctx, upload.ImportID)
	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)
}

func TestPurgeRemovesEverything(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	upload, err := f.service.Upload(ctx, multiUpload(csvFile(multiHeader,
		"Alabama,2023,Economy,Median Household Income,1",
		"Alabama,2023,Economy,GDP,2",
	)))
	require.NoError(t, err)
	session, err := f.service.GetImport(ctx, upload.ImportID)
	require.NoError(t, err)

	require.NoError(t, f.service.Purge(ctx, upload.ImportID))

	_, err = f.service.GetImport(ctx, upload.ImportID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, _, err = f.blobs.Get(ctx, session.ContentKey)
	assert.ErrorIs(t, err, blob.ErrNotFound)
	failed, err := f.store.FailedRows().ListByImport(ctx, upload.ImportID, 1)
	require.NoError(t, err)
	assert.Empty(t, failed)

	assert.ErrorIs(t, f.service.Purge(ctx, upload.ImportID), domain.ErrNotFound)
}

func TestFailedRowsCSV(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	clean := f.uploadIncome(t, 2023, 1)
	_, err := f.service.FailedRowsCSV(ctx, clean.ImportID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	dirty, err := f.service.Upload(ctx, multiUpload(csvFile(multiHeader,
		"Alabama,2023,Economy,Median Household Income,1",
		"Alabama,2023,Economy,GDP,200000",
	)))
	require.NoError(t, err)
	report, err := f.service.FailedRowsCSV(ctx, dirty.ImportID)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(report)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "Row,State,Year,Category,Measure,Value,Error Type,Reason", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "3,Alabama,2023,Economy,GDP,200000,UNRESOLVED_REFERENCE,"))
}

func TestRecoverInterruptedFailsStuckSessions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sessions := f.store.Sessions()

	stuck := func(path ...domain.ImportStatus) uuid.UUID {
		session := domain.NewImportSession("stuck.csv", uuid.NewString(), domain.TemplateMultiCategory, domain.MultiCategoryMetadata(), "analyst")
		_, err := sessions.Create(ctx, session)
		require.NoError(t, err)
		for _, status := range path {
			_, err = sessions.Transition(ctx, session.ID, domain.TransitionTo(status))
			require.NoError(t, err)
		}
		return session.ID
	}
	promoting := stuck(domain.ImportStatusStaging, domain.ImportStatusStaged, domain.ImportStatusPromoting)
	staging := stuck(domain.ImportStatusStaging)
	validating := stuck(domain.ImportStatusStaging, domain.ImportStatusStaged, domain.ImportStatusValidating)
	staged := stuck(domain.ImportStatusStaging, domain.ImportStatusStaged)

	recovered, err := f.service.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, recovered)

	for id, want := range map[uuid.UUID]domain.ImportStatus{
		promoting:  domain.ImportStatusPromotionFailed,
		staging:    domain.ImportStatusValidationFailed,
		validating: domain.ImportStatusValidationFailed,
		staged:     domain.ImportStatusStaged,
	} {
		session, err := f.service.GetImport(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, session.Status)
	}
	assert.Len(t, f.hook.Entries, 3)
}

func TestListImportsValidatesFilter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.uploadIncome(t, 2023, 1)
	f.uploadIncome(t, 2024, 1)

	sessions, total, err := f.service.ListImports(ctx, domain.ImportSessionFilter{Statuses: []domain.ImportStatus{domain.ImportStatusStaged}})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, sessions, 2)

	_, _, err = f.service.ListImports(ctx, domain.ImportSessionFilter{Statuses: []domain.ImportStatus{"DONE"}})
	assert.ErrorIs(t, err, domain.ErrBadRequest)
}

func TestPreviewStagedHonoursLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithPreviewLimit(3))
	upload := f.uploadIncome(t, 2023, 1)

	rows, err := f.service.PreviewStaged(ctx, upload.ImportID, 50)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, 2, rows[0].RowNumber)

	rows, err = f.service.PreviewStaged(ctx, upload.ImportID, 2)
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	_, err = f.service.PreviewStaged(ctx, uuid.New(), 2)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func ptr[T any](v T) *T {
	return &v
}
