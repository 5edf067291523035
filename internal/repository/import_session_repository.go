package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/rpattn/statedata/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

const importSessionColumns = `id, file_name, content_hash, content_key, content_size, template_id, metadata,
	uploaded_by, status, attempt, total_rows, valid_rows, failed_rows, published_rows,
	duplicate_of, error_message, promoted_by, promoted_at, created_at, updated_at`

type importSessionRepository struct {
	q querier
}

// NewImportSessionRepository wires a session repository backed by pgxpool.
func NewImportSessionRepository(pool *pgxpool.Pool) ImportSessionRepository {
	return &importSessionRepository{q: pool}
}

func (r *importSessionRepository) Create(ctx context.Context, session domain.ImportSession) (domain.ImportSession, error) {
	metadata, err := json.Marshal(session.Metadata)
	if err != nil {
		return domain.ImportSession{}, fmt.Errorf("failed to encode import metadata: %w", err)
	}

	var duplicateOf any
	if session.DuplicateOf != nil {
		duplicateOf = *session.DuplicateOf
	}

	row := r.q.QueryRow(
		ctx,
		`INSERT INTO import_sessions (
			id, file_name, content_hash, content_key, content_size, template_id, metadata,
			metadata_fingerprint, uploaded_by, status, attempt, total_rows, valid_rows,
			failed_rows, published_rows, duplicate_of, error_message, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		RETURNING `+importSessionColumns,
		session.ID,
		session.FileName,
		session.ContentHash,
		session.ContentKey,
		session.ContentSize,
		string(session.TemplateID),
		metadata,
		session.Metadata.Fingerprint(),
		session.UploadedBy,
		string(session.Status),
		session.Attempt,
		session.Stats.TotalRows,
		session.Stats.ValidRows,
		session.Stats.FailedRows,
		session.PublishedRows,
		duplicateOf,
		session.ErrorMessage,
		session.CreatedAt,
		session.UpdatedAt,
	)
	created, err := scanImportSession(row)
	if err != nil {
		return domain.ImportSession{}, fmt.Errorf("failed to create import session: %w", err)
	}
	return created, nil
}

func (r *importSessionRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.ImportSession, error) {
	session, err := scanImportSession(r.q.QueryRow(ctx, `SELECT `+importSessionColumns+` FROM import_sessions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ImportSession{}, fmt.Errorf("%w: import %s", domain.ErrNotFound, id)
		}
		return domain.ImportSession{}, fmt.Errorf("failed to get import session: %w", err)
	}
	return session, nil
}

func (r *importSessionRepository) List(ctx context.Context, filter domain.ImportSessionFilter) ([]domain.ImportSession, int, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	statuses := statusStrings(filter.Statuses)

	var total int
	if err := r.q.QueryRow(
		ctx,
		`SELECT COUNT(*) FROM import_sessions
		 WHERE cardinality($1::text[]) = 0 OR status = ANY($1::text[])`,
		statuses,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count import sessions: %w", err)
	}

	rows, err := r.q.Query(
		ctx,
		`SELECT `+importSessionColumns+` FROM import_sessions
		 WHERE cardinality($1::text[]) = 0 OR status = ANY($1::text[])
		 ORDER BY created_at DESC, id
		 LIMIT $2 OFFSET $3`,
		statuses,
		limit,
		offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list import sessions: %w", err)
	}
	sessions, err := collectImportSessions(rows)
	if err != nil {
		return nil, 0, err
	}
	return sessions, total, nil
}

func (r *importSessionRepository) ListByStatus(ctx context.Context, statuses []domain.ImportStatus) ([]domain.ImportSession, error) {
	rows, err := r.q.Query(
		ctx,
		`SELECT `+importSessionColumns+` FROM import_sessions WHERE status = ANY($1::text[]) ORDER BY created_at`,
		statusStrings(statuses),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list import sessions by status: %w", err)
	}
	return collectImportSessions(rows)
}

func (r *importSessionRepository) FindPromotedDuplicate(ctx context.Context, contentHash string, template domain.TemplateID, metadata domain.ImportMetadata) (domain.ImportSession, error) {
	session, err := scanImportSession(r.q.QueryRow(
		ctx,
		`SELECT `+importSessionColumns+` FROM import_sessions
		 WHERE content_hash = $1 AND template_id = $2 AND metadata_fingerprint = $3 AND status = $4
		 ORDER BY created_at
		 LIMIT 1`,
		contentHash,
		string(template),
		metadata.Fingerprint(),
		string(domain.ImportStatusPromoted),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ImportSession{}, fmt.Errorf("%w: no promoted import with hash %s", domain.ErrNotFound, contentHash)
		}
		return domain.ImportSession{}, fmt.Errorf("failed to find duplicate import: %w", err)
	}
	return session, nil
}

func (r *importSessionRepository) Transition(ctx context.Context, id uuid.UUID, t domain.ImportTransition) (domain.ImportSession, error) {
	from := slices.DeleteFunc(slices.Clone(t.From), func(status domain.ImportStatus) bool {
		return !status.CanTransitionTo(t.To)
	})

	var totalRows, validRows, failedRows *int
	if t.Stats != nil {
		totalRows, validRows, failedRows = &t.Stats.TotalRows, &t.Stats.ValidRows, &t.Stats.FailedRows
	}

	session, err := scanImportSession(r.q.QueryRow(
		ctx,
		`UPDATE import_sessions SET
			status = $3,
			total_rows = COALESCE($4, total_rows),
			valid_rows = COALESCE($5, valid_rows),
			failed_rows = COALESCE($6, failed_rows),
			attempt = COALESCE($7, attempt),
			published_rows = COALESCE($8, published_rows),
			promoted_by = COALESCE($9, promoted_by),
			promoted_at = COALESCE($10, promoted_at),
			error_message = CASE
				WHEN $11::text IS NOT NULL THEN $11::text
				WHEN $12 THEN NULL
				ELSE error_message
			END,
			updated_at = NOW()
		 WHERE id = $1 AND status = ANY($2::text[])
		 RETURNING `+importSessionColumns,
		id,
		statusStrings(from),
		string(t.To),
		totalRows,
		validRows,
		failedRows,
		t.Attempt,
		t.PublishedRows,
		t.PromotedBy,
		t.PromotedAt,
		t.ErrorMessage,
		t.ClearError,
	))
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.ImportSession{}, fmt.Errorf("failed to transition import session: %w", err)
	}

	var current string
	if err := r.q.QueryRow(ctx, `SELECT status FROM import_sessions WHERE id = $1`, id).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ImportSession{}, fmt.Errorf("%w: import %s", domain.ErrNotFound, id)
		}
		return domain.ImportSession{}, fmt.Errorf("failed to read import status: %w", err)
	}
	return domain.ImportSession{}, &domain.TransitionError{From: domain.ImportStatus(current), To: t.To}
}

func (r *importSessionRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.q.Exec(ctx, `DELETE FROM import_sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete import session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: import %s", domain.ErrNotFound, id)
	}
	return nil
}

func collectImportSessions(rows pgx.Rows) ([]domain.ImportSession, error) {
	defer rows.Close()

	sessions := []domain.ImportSession{}
	for rows.Next() {
		session, err := scanImportSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan import session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate import sessions: %w", err)
	}
	return sessions, nil
}

func scanImportSession(row pgx.Row) (domain.ImportSession, error) {
	var (
		session      domain.ImportSession
		templateID   string
		status       string
		metadata     []byte
		duplicateOf  pgtype.UUID
		errorMessage pgtype.Text
		promotedBy   pgtype.Text
		promotedAt   pgtype.Timestamptz
	)
	if err := row.Scan(
		&session.ID,
		&session.FileName,
		&session.ContentHash,
		&session.ContentKey,
		&session.ContentSize,
		&templateID,
		&metadata,
		&session.UploadedBy,
		&status,
		&session.Attempt,
		&session.Stats.TotalRows,
		&session.Stats.ValidRows,
		&session.Stats.FailedRows,
		&session.PublishedRows,
		&duplicateOf,
		&errorMessage,
		&promotedBy,
		&promotedAt,
		&session.CreatedAt,
		&session.UpdatedAt,
	); err != nil {
		return domain.ImportSession{}, err
	}

	session.TemplateID = domain.TemplateID(templateID)
	session.Status = domain.ImportStatus(status)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &session.Metadata); err != nil {
			return domain.ImportSession{}, fmt.Errorf("failed to decode import metadata: %w", err)
		}
	}
	session.DuplicateOf = uuidPtr(duplicateOf)
	if errorMessage.Valid {
		message := errorMessage.String
		session.ErrorMessage = &message
	}
	if promotedBy.Valid {
		user := promotedBy.String
		session.PromotedBy = &user
	}
	if promotedAt.Valid {
		at := promotedAt.Time
		session.PromotedAt = &at
	}
	return session, nil
}
