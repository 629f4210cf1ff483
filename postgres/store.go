// Package postgres provides the PostgreSQL-backed durable token store.
// The conditional UPDATE in Rotate is the arbiter for concurrent refresh
// attempts; its affected-row count decides the single winner.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/rotauth/rotauth/token"
)

// Store implements token.Store over database/sql with the pgx driver.
type Store struct {
	db *sql.DB
}

// NewStore wraps an existing connection pool.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to PostgreSQL, verifies the connection, and runs the
// embedded schema migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}

	s := NewStore(db)
	if err := s.RunMigrations(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration error: %w", err)
	}
	return s, nil
}

// Conn exposes the underlying pool.
func (s *Store) Conn() *sql.DB {
	return s.db
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// RunMigrations sets up goose with the embedded migrations and applies them.
func (s *Store) RunMigrations(ctx context.Context) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	return goose.UpContext(ctx, s.db, "migrations")
}

func wrap(err error) error {
	return fmt.Errorf("%w: %v", token.ErrUnavailable, err)
}

// CreateSession implements token.Store. The session entry and the first
// token record land in one transaction so a lineage is never half-created.
func (s *Store) CreateSession(ctx context.Context, rec token.RefreshTokenRecord, entry token.SessionEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap(err)
	}
	defer tx.Rollback()

	roles, err := json.Marshal(entry.Roles)
	if err != nil {
		return wrap(err)
	}

	const insertSession = `
		INSERT INTO sessions (id, user_id, current_refresh_token_id, roles, lang, created_at, last_rotated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	if _, err := tx.ExecContext(ctx, insertSession,
		entry.SessionID, entry.UserID, entry.CurrentRefreshTokenID, roles,
		entry.Lang, entry.CreatedAt, entry.LastRotatedAt, entry.ExpiresAt,
	); err != nil {
		return wrap(err)
	}

	if err := insertToken(ctx, tx, rec); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return wrap(err)
	}
	return nil
}

func insertToken(ctx context.Context, tx *sql.Tx, rec token.RefreshTokenRecord) error {
	const query = `
		INSERT INTO refresh_tokens (id, user_id, secret_hash, session_id, issued_at, expires_at, consumed, consumed_at, superseded_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	var supersededBy sql.NullString
	if rec.SupersededBy != "" {
		supersededBy = sql.NullString{String: rec.SupersededBy, Valid: true}
	}
	if _, err := tx.ExecContext(ctx, query,
		rec.ID, rec.UserID, rec.SecretHash[:], rec.SessionID,
		rec.IssuedAt, rec.ExpiresAt, rec.Consumed, rec.ConsumedAt, supersededBy,
	); err != nil {
		return wrap(err)
	}
	return nil
}

const selectToken = `
	SELECT id, user_id, secret_hash, session_id, issued_at, expires_at, consumed, consumed_at, superseded_by
	FROM refresh_tokens
`

func scanToken(row interface{ Scan(...any) error }) (*token.RefreshTokenRecord, error) {
	var (
		rec          token.RefreshTokenRecord
		secretHash   []byte
		consumedAt   sql.NullTime
		supersededBy sql.NullString
	)
	if err := row.Scan(
		&rec.ID, &rec.UserID, &secretHash, &rec.SessionID,
		&rec.IssuedAt, &rec.ExpiresAt, &rec.Consumed, &consumedAt, &supersededBy,
	); err != nil {
		return nil, err
	}
	copy(rec.SecretHash[:], secretHash)
	if consumedAt.Valid {
		t := consumedAt.Time
		rec.ConsumedAt = &t
	}
	if supersededBy.Valid {
		rec.SupersededBy = supersededBy.String
	}
	return &rec, nil
}

// GetToken implements token.Store.
func (s *Store) GetToken(ctx context.Context, id string) (*token.RefreshTokenRecord, error) {
	row := s.db.QueryRowContext(ctx, selectToken+` WHERE id = $1`, id)
	rec, err := scanToken(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, token.ErrNotFound
		}
		return nil, wrap(err)
	}
	return rec, nil
}

// Rotate implements token.Store. The consume transition, the insert of the
// replacement record, and the session pointer move commit together or not
// at all. Only the conditional UPDATE's affected-row count decides the
// winner; losing changes nothing.
func (s *Store) Rotate(ctx context.Context, oldID string, now time.Time, next token.RefreshTokenRecord) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, wrap(err)
	}
	defer tx.Rollback()

	const consume = `
		UPDATE refresh_tokens
		SET consumed = TRUE, consumed_at = $2, superseded_by = $3
		WHERE id = $1 AND consumed = FALSE
	`
	res, err := tx.ExecContext(ctx, consume, oldID, now, next.ID)
	if err != nil {
		return false, wrap(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, wrap(err)
	}
	if affected == 0 {
		return false, nil
	}

	if err := insertToken(ctx, tx, next); err != nil {
		return false, err
	}

	const reposition = `
		UPDATE sessions
		SET current_refresh_token_id = $2, last_rotated_at = $3
		WHERE id = $1
	`
	if _, err := tx.ExecContext(ctx, reposition, next.SessionID, next.ID, now); err != nil {
		return false, wrap(err)
	}

	if err := tx.Commit(); err != nil {
		return false, wrap(err)
	}
	return true, nil
}

const selectSession = `
	SELECT id, user_id, current_refresh_token_id, roles, lang, created_at, last_rotated_at, expires_at
	FROM sessions
`

func scanSession(row interface{ Scan(...any) error }) (*token.SessionEntry, error) {
	var (
		entry token.SessionEntry
		roles []byte
	)
	if err := row.Scan(
		&entry.SessionID, &entry.UserID, &entry.CurrentRefreshTokenID, &roles,
		&entry.Lang, &entry.CreatedAt, &entry.LastRotatedAt, &entry.ExpiresAt,
	); err != nil {
		return nil, err
	}
	if len(roles) > 0 {
		if err := json.Unmarshal(roles, &entry.Roles); err != nil {
			return nil, err
		}
	}
	return &entry, nil
}

// GetSession implements token.Store.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*token.SessionEntry, error) {
	row := s.db.QueryRowContext(ctx, selectSession+` WHERE id = $1`, sessionID)
	entry, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, token.ErrSessionNotFound
		}
		return nil, wrap(err)
	}
	return entry, nil
}

// SessionsForUser implements token.Store.
func (s *Store) SessionsForUser(ctx context.Context, userID string) ([]token.SessionEntry, error) {
	rows, err := s.db.QueryContext(ctx, selectSession+` WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, wrap(err)
	}
	defer rows.Close()

	var entries []token.SessionEntry
	for rows.Next() {
		entry, err := scanSession(rows)
		if err != nil {
			return nil, wrap(err)
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err)
	}
	return entries, nil
}

// DeleteSession implements token.Store. Token rows cascade from the
// session row; the returned count covers the token records removed.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrap(err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE session_id = $1`, sessionID)
	if err != nil {
		return 0, wrap(err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, wrap(err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, sessionID); err != nil {
		return 0, wrap(err)
	}

	if err := tx.Commit(); err != nil {
		return 0, wrap(err)
	}
	return removed, nil
}

// DeleteExpired implements token.Store.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrap(err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, wrap(err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, wrap(err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= $1`, now); err != nil {
		return 0, wrap(err)
	}

	if err := tx.Commit(); err != nil {
		return 0, wrap(err)
	}
	return removed, nil
}

// Lineage implements token.Store.
func (s *Store) Lineage(ctx context.Context, sessionID string) ([]token.RefreshTokenRecord, error) {
	rows, err := s.db.QueryContext(ctx, selectToken+` WHERE session_id = $1 ORDER BY issued_at`, sessionID)
	if err != nil {
		return nil, wrap(err)
	}
	defer rows.Close()

	var records []token.RefreshTokenRecord
	for rows.Next() {
		rec, err := scanToken(rows)
		if err != nil {
			return nil, wrap(err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err)
	}
	return records, nil
}
