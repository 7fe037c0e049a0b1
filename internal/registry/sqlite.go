package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/kiln/internal/model"
)

const createRegistryTable = `
CREATE TABLE IF NOT EXISTS registry (
    id             TEXT PRIMARY KEY,
    language       TEXT NOT NULL,
    workspace_path TEXT NOT NULL,
    artifact_path  TEXT NOT NULL,
    wall_ms        INTEGER NOT NULL,
    idle_ms        INTEGER NOT NULL,
    created_at     DATETIME NOT NULL,
    expires_at     INTEGER NOT NULL
)`

var (
	_ Registry = (*SQLite)(nil)
	_ Purger   = (*SQLite)(nil)
)

// SQLite is a Registry stored in a table of an existing SQLite database.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite creates the registry table in db if needed.
func NewSQLite(db *sql.DB) (*SQLite, error) {
	if _, err := db.Exec(createRegistryTable); err != nil {
		return nil, fmt.Errorf("create registry table: %w", err)
	}
	return &SQLite{db: db, now: time.Now}, nil
}

// Put inserts or replaces the descriptor row.
func (s *SQLite) Put(ctx context.Context, d *model.Descriptor, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO registry (
			id, language, workspace_path, artifact_path, wall_ms, idle_ms, created_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Language, d.WorkspacePath, d.ArtifactPath,
		d.Limits.WallMS(), d.Limits.IdleMS(), d.CreatedAt.UTC(), s.now().Add(ttl).UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("%w: put %s: %w", ErrUnavailable, d.ID, err)
	}
	return nil
}

// Get returns the descriptor if its row exists and has not expired.
func (s *SQLite) Get(ctx context.Context, id string) (*model.Descriptor, error) {
	d := &model.Descriptor{ID: id}
	var wallMS, idleMS int64
	err := s.db.QueryRowContext(ctx,
		`SELECT language, workspace_path, artifact_path, wall_ms, idle_ms, created_at
		FROM registry WHERE id = ? AND expires_at > ?`, id, s.now().UnixMilli(),
	).Scan(&d.Language, &d.WorkspacePath, &d.ArtifactPath, &wallMS, &idleMS, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %w", ErrUnavailable, id, err)
	}
	d.Limits = model.Limits{
		Wall: time.Duration(wallMS) * time.Millisecond,
		Idle: time.Duration(idleMS) * time.Millisecond,
	}
	return d, nil
}

// Delete removes the row for id.
func (s *SQLite) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM registry WHERE id = ?", id); err != nil {
		return fmt.Errorf("%w: delete %s: %w", ErrUnavailable, id, err)
	}
	return nil
}

// Purge deletes expired rows.
func (s *SQLite) Purge(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM registry WHERE expires_at <= ?", s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("%w: purge: %w", ErrUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return int(n), nil
}
