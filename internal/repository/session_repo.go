package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jumpserver/webterm/internal/model"
)

// SessionRepository provides data access for the session journal.
type SessionRepository struct {
	db *sql.DB
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

const sessionColumns = `id, page, endpoint, phase, term_rows, term_cols, error, recording_path, started_at, ended_at`

// Create inserts a new session record.
func (r *SessionRepository) Create(ctx context.Context, rec *model.SessionRecord) error {
	query := `
		INSERT INTO sessions (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		rec.ID,
		rec.Page,
		rec.Endpoint,
		rec.Phase,
		rec.Rows,
		rec.Cols,
		nullString(rec.Error),
		nullString(rec.RecordingPath),
		rec.StartedAt.UTC(),
		nullTime(rec.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	return nil
}

// GetByID retrieves a session record by its ID.
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*model.SessionRecord, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = ?`

	rec, err := scanRecord(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return rec, nil
}

// List returns the most recent session records first. A limit of zero or
// less returns every record.
func (r *SessionRepository) List(ctx context.Context, limit int) ([]*model.SessionRecord, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions ORDER BY started_at DESC, id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var records []*model.SessionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return records, nil
}

// UpdatePhase records a phase change for a live session.
func (r *SessionRepository) UpdatePhase(ctx context.Context, id string, phase model.Phase) error {
	query := `UPDATE sessions SET phase = ? WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query, phase, id)
	if err != nil {
		return fmt.Errorf("failed to update session phase: %w", err)
	}
	return expectOne(result)
}

// Finish records the terminal phase of a session, its last dimensions and
// the failure message, if any.
func (r *SessionRepository) Finish(ctx context.Context, id string, phase model.Phase, d model.Dimensions, errMsg string, endedAt time.Time) error {
	if !phase.IsTerminal() {
		return fmt.Errorf("finish session %s: phase %q is not terminal", id, phase)
	}

	query := `
		UPDATE sessions
		SET phase = ?, term_rows = ?, term_cols = ?, error = ?, ended_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, query, phase, d.Rows, d.Cols, nullString(errMsg), endedAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to finish session: %w", err)
	}
	return expectOne(result)
}

// Delete removes a session record.
func (r *SessionRepository) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM sessions WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return expectOne(result)
}

// Prune removes finished records that ended before cutoff and returns how
// many were removed.
func (r *SessionRepository) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM sessions WHERE ended_at IS NOT NULL AND ended_at < ?`

	result, err := r.db.ExecContext(ctx, query, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune sessions: %w", err)
	}
	return result.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*model.SessionRecord, error) {
	rec := &model.SessionRecord{}
	var (
		errMsg        sql.NullString
		recordingPath sql.NullString
		endedAt       sql.NullTime
	)

	err := row.Scan(
		&rec.ID,
		&rec.Page,
		&rec.Endpoint,
		&rec.Phase,
		&rec.Rows,
		&rec.Cols,
		&errMsg,
		&recordingPath,
		&rec.StartedAt,
		&endedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Error = errMsg.String
	rec.RecordingPath = recordingPath.String
	if endedAt.Valid {
		t := endedAt.Time
		rec.EndedAt = &t
	}
	return rec, nil
}

func expectOne(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return model.ErrSessionNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
