package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/kiln/internal/model"

	_ "modernc.org/sqlite"
)

const createSessionsTable = `
CREATE TABLE IF NOT EXISTS sessions (
    id            TEXT PRIMARY KEY,
    status        TEXT NOT NULL,
    language      TEXT NOT NULL,
    outcome       TEXT NOT NULL DEFAULT '',
    exit_code     INTEGER,
    error         TEXT NOT NULL DEFAULT '',
    wall_limit_ms INTEGER NOT NULL,
    idle_limit_ms INTEGER NOT NULL,
    duration_ms   INTEGER,
    created_at    DATETIME NOT NULL,
    started_at    DATETIME,
    finished_at   DATETIME
)`

const createOutputChunksTable = `
CREATE TABLE IF NOT EXISTS output_chunks (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL REFERENCES sessions(id),
    seq        INTEGER NOT NULL,
    chunk      TEXT NOT NULL,
    created_at DATETIME NOT NULL
)`

const createOutputChunksIndex = `
CREATE INDEX IF NOT EXISTS idx_output_chunks_session ON output_chunks(session_id, seq)`

const sessionColumns = `id, status, language, outcome, exit_code, error,
	wall_limit_ms, idle_limit_ms, duration_ms, created_at, started_at, finished_at`

// ErrNotFound is returned when a session is not found.
var ErrNotFound = errors.New("session not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Each connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createSessionsTable, createOutputChunksTable, createOutputChunksIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// DB exposes the underlying handle so other tables can share the file.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*model.Session, error) {
	sess := &model.Session{}
	var outcome string
	err := row.Scan(
		&sess.ID, &sess.Status, &sess.Language, &outcome, &sess.ExitCode, &sess.Error,
		&sess.WallLimitMS, &sess.IdleLimitMS, &sess.DurationMS,
		&sess.CreatedAt, &sess.StartedAt, &sess.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	sess.Outcome = model.Outcome(outcome)
	return sess, nil
}

// CreateSession inserts a new session record.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *model.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Status, sess.Language, string(sess.Outcome), sess.ExitCode, sess.Error,
		sess.WallLimitMS, sess.IdleLimitMS, sess.DurationMS,
		sess.CreatedAt, sess.StartedAt, sess.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// ListSessions returns a page of sessions ordered by created_at DESC, along
// with the total count of all sessions.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit, offset int) ([]*model.Session, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count sessions: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate sessions: %w", err)
	}

	return sessions, total, nil
}

// currentStatus reads the status of id inside tx.
func currentStatus(ctx context.Context, tx *sql.Tx, id string) (string, error) {
	var status string
	err := tx.QueryRowContext(ctx, "SELECT status FROM sessions WHERE id = ?", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read status: %w", err)
	}
	return status, nil
}

// UpdateSessionStatus moves a session to status. Entering running sets
// started_at; entering a terminal status sets finished_at.
func (s *SQLiteStore) UpdateSessionStatus(ctx context.Context, id, status string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	from, err := currentStatus(ctx, tx, id)
	if err != nil {
		return err
	}
	if !model.ValidTransition(from, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, status)
	}

	now := time.Now().UTC()
	switch {
	case status == model.StatusRunning:
		_, err = tx.ExecContext(ctx,
			"UPDATE sessions SET status = ?, started_at = ? WHERE id = ?", status, now, id)
	case model.IsTerminal(status):
		_, err = tx.ExecContext(ctx,
			"UPDATE sessions SET status = ?, finished_at = ? WHERE id = ?", status, now, id)
	default:
		_, err = tx.ExecContext(ctx,
			"UPDATE sessions SET status = ? WHERE id = ?", status, id)
	}
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}

	return tx.Commit()
}

// FinishSession records the terminal state of a session.
func (s *SQLiteStore) FinishSession(ctx context.Context, id string, f Finish) error {
	if !model.IsTerminal(f.Status) {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, f.Status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	from, err := currentStatus(ctx, tx, id)
	if err != nil {
		return err
	}
	if !model.ValidTransition(from, f.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, f.Status)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE sessions SET status = ?, outcome = ?, exit_code = ?, error = ?,
			duration_ms = ?, finished_at = ? WHERE id = ?`,
		f.Status, string(f.Outcome), f.ExitCode, f.Error, f.DurationMS, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("finish session: %w", err)
	}

	return tx.Commit()
}

// GetSessionStats returns totals by status and outcome and the average
// duration of sessions that recorded one.
func (s *SQLiteStore) GetSessionStats(ctx context.Context) (*SessionStats, error) {
	stats := &SessionStats{
		CountByStatus:  make(map[string]int),
		CountByOutcome: make(map[string]int),
	}

	if err := s.countBy(ctx, "status", stats.CountByStatus); err != nil {
		return nil, err
	}
	if err := s.countBy(ctx, "outcome", stats.CountByOutcome); err != nil {
		return nil, err
	}
	for _, n := range stats.CountByStatus {
		stats.Total += n
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx,
		"SELECT AVG(duration_ms) FROM sessions WHERE duration_ms IS NOT NULL",
	).Scan(&avg); err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	stats.AvgDurationMS = avg.Float64

	return stats, nil
}

// countBy fills into with row counts grouped by column. Empty values are skipped.
func (s *SQLiteStore) countBy(ctx context.Context, column string, into map[string]int) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+column+", COUNT(*) FROM sessions WHERE "+column+" != '' GROUP BY "+column)
	if err != nil {
		return fmt.Errorf("count by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan %s count: %w", column, err)
		}
		into[key] = n
	}
	return rows.Err()
}

// InsertOutputChunk appends one chunk of live output for a session.
func (s *SQLiteStore) InsertOutputChunk(ctx context.Context, sessionID string, seq int, chunk string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO output_chunks (session_id, seq, chunk, created_at) VALUES (?, ?, ?, ?)",
		sessionID, seq, chunk, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert output chunk: %w", err)
	}
	return nil
}

// GetOutputChunks returns all chunks for a session ordered by seq.
func (s *SQLiteStore) GetOutputChunks(ctx context.Context, sessionID string) ([]model.OutputChunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, seq, chunk, created_at
		FROM output_chunks WHERE session_id = ? ORDER BY seq`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("get output chunks: %w", err)
	}
	defer rows.Close()

	var chunks []model.OutputChunk
	for rows.Next() {
		var c model.OutputChunk
		if err := rows.Scan(&c.ID, &c.SessionID, &c.Seq, &c.Chunk, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan output chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate output chunks: %w", err)
	}
	return chunks, nil
}
