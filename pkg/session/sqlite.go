// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/okodu/switchboard/pkg/errors"

	_ "modernc.org/sqlite"
)

const (
	sessionTable = "switchboard_sessions"
	turnTable    = "switchboard_turns"
)

// SQLiteStore persists sessions in a SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore creates a SQLite-backed store and ensures schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is nil")
	}
	if err := ensureSessionSchema(db); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// OpenSQLiteStore opens (or creates) the database at path and wraps it
// in a store.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	store, err := NewSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func ensureSessionSchema(db *sql.DB) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			pinned_agent_id TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			last_active_at INTEGER NOT NULL
		);`, sessionTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			agent_id TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);`, turnTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_session ON %s(session_id, seq);`, turnTable, turnTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_active ON %s(last_active_at);`, sessionTable, sessionTable),
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetOrCreate implements Store.
func (s *SQLiteStore) GetOrCreate(ctx context.Context, id string) (Session, error) {
	if id == "" {
		return Session{}, errors.New(errors.CodeInvalidInput, "session id is empty", nil)
	}
	now := s.now().UTC()

	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (id, pinned_agent_id, created_at, last_active_at)
		 VALUES (?, '', ?, ?)
		 ON CONFLICT(id) DO UPDATE SET last_active_at = excluded.last_active_at`,
		sessionTable), id, now.UnixNano(), now.UnixNano())
	if err != nil {
		return Session{}, errors.New(errors.CodeSessionError, "upsert session", err).
			WithContext("session_id", id)
	}

	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT id, pinned_agent_id, created_at, last_active_at FROM %s WHERE id = ?`,
		sessionTable), id)
	return scanSession(row)
}

// Pin implements Store.
func (s *SQLiteStore) Pin(ctx context.Context, sessionID, agentID string) error {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET pinned_agent_id = ?, last_active_at = ? WHERE id = ?`,
		sessionTable), agentID, s.now().UTC().UnixNano(), sessionID)
	if err != nil {
		return errors.New(errors.CodeSessionError, "pin session", err).
			WithContext("session_id", sessionID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.New(errors.CodeSessionError, "pin session", err)
	}
	if n == 0 {
		return errors.New(errors.CodeSessionError, "unknown session", nil).
			WithContext("session_id", sessionID)
	}
	return nil
}

// AppendTurn implements Store.
func (s *SQLiteStore) AppendTurn(ctx context.Context, sessionID string, turn Turn) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.New(errors.CodeSessionError, "append turn", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT COUNT(1) FROM %s WHERE id = ?`, sessionTable), sessionID).Scan(&exists); err != nil {
		return errors.New(errors.CodeSessionError, "append turn", err)
	}
	if exists == 0 {
		return errors.New(errors.CodeSessionError, "unknown session", nil).
			WithContext("session_id", sessionID)
	}

	var seq int64
	if err := tx.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM %s WHERE session_id = ?`, turnTable), sessionID).Scan(&seq); err != nil {
		return errors.New(errors.CodeSessionError, "append turn", err)
	}

	createdAt := turn.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now().UTC()
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (id, session_id, seq, role, agent_id, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`, turnTable),
		turn.ID, sessionID, seq, turn.Role, turn.AgentID, turn.Content, createdAt.UnixNano()); err != nil {
		return errors.New(errors.CodeSessionError, "append turn", err).
			WithContext("session_id", sessionID)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET last_active_at = ? WHERE id = ?`, sessionTable),
		s.now().UTC().UnixNano(), sessionID); err != nil {
		return errors.New(errors.CodeSessionError, "append turn", err)
	}
	return tx.Commit()
}

// History implements Store.
func (s *SQLiteStore) History(ctx context.Context, sessionID string, limit int) ([]Turn, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT COUNT(1) FROM %s WHERE id = ?`, sessionTable), sessionID).Scan(&exists); err != nil {
		return nil, errors.New(errors.CodeSessionError, "load history", err)
	}
	if exists == 0 {
		return nil, errors.New(errors.CodeSessionError, "unknown session", nil).
			WithContext("session_id", sessionID)
	}

	query := fmt.Sprintf(
		`SELECT id, role, agent_id, content, created_at FROM %s WHERE session_id = ? ORDER BY seq`,
		turnTable)
	args := []any{sessionID}
	if limit > 0 {
		query = fmt.Sprintf(
			`SELECT id, role, agent_id, content, created_at FROM (
				SELECT id, role, agent_id, content, created_at, seq FROM %s
				WHERE session_id = ? ORDER BY seq DESC LIMIT ?
			) ORDER BY seq`, turnTable)
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.New(errors.CodeSessionError, "load history", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var createdAt int64
		if err := rows.Scan(&t.ID, &t.Role, &t.AgentID, &t.Content, &createdAt); err != nil {
			return nil, errors.New(errors.CodeSessionError, "scan turn", err)
		}
		t.CreatedAt = time.Unix(0, createdAt).UTC()
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE session_id = ?`, turnTable), sessionID); err != nil {
		return errors.New(errors.CodeSessionError, "delete session", err)
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE id = ?`, sessionTable), sessionID); err != nil {
		return errors.New(errors.CodeSessionError, "delete session", err)
	}
	return nil
}

// SweepIdle deletes sessions idle longer than ttl. Returns the number
// of sessions removed.
func (s *SQLiteStore) SweepIdle(ctx context.Context, ttl time.Duration) (int, error) {
	if ttl <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-ttl).UnixNano()

	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE session_id IN (SELECT id FROM %s WHERE last_active_at < ?)`,
		turnTable, sessionTable), cutoff); err != nil {
		return 0, errors.New(errors.CodeSessionError, "sweep sessions", err)
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE last_active_at < ?`, sessionTable), cutoff)
	if err != nil {
		return 0, errors.New(errors.CodeSessionError, "sweep sessions", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func scanSession(row *sql.Row) (Session, error) {
	var s Session
	var created, active int64
	if err := row.Scan(&s.ID, &s.PinnedAgentID, &created, &active); err != nil {
		return Session{}, errors.New(errors.CodeSessionError, "scan session", err)
	}
	s.CreatedAt = time.Unix(0, created).UTC()
	s.LastActiveAt = time.Unix(0, active).UTC()
	return s, nil
}
