package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/zgsm-ai/tunnel-starter/internal/store"
)

// DB implements store.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// DSN is a filesystem path to the SQLite database file. Use ":memory:" for in-memory.

type DB struct {
	db *sql.DB
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tunnel_state(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tunnel_id TEXT NOT NULL UNIQUE,
			app TEXT NOT NULL,
			version TEXT NOT NULL,
			local_port INTEGER NOT NULL,
			pid INTEGER NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			stopped_at TIMESTAMP NULL,
			last_error TEXT NULL,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tunnel_state_app ON tunnel_state(app);`,
		`CREATE INDEX IF NOT EXISTS idx_tunnel_state_status ON tunnel_state(status);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) RecordOpen(ctx context.Context, rec store.Record) error {
	rec.StoppedAt = sql.NullTime{}
	rec.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tunnel_state(tunnel_id, app, version, local_port, pid, status, created_at, stopped_at, last_error, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, NULL, NULL, ?)
		ON CONFLICT(tunnel_id) DO UPDATE SET
			pid=excluded.pid,
			status=excluded.status,
			stopped_at=NULL,
			last_error=NULL,
			updated_at=excluded.updated_at;`,
		rec.TunnelID, rec.App, rec.Version, rec.LocalPort, rec.PID, rec.Status, rec.CreatedAt.UTC(), rec.UpdatedAt)
	if err != nil {
		return err
	}
	return nil
}

func (s *DB) RecordTransition(ctx context.Context, tunnelID, status string, lastErr error) error {
	var errStr sql.NullString
	if lastErr != nil {
		errStr = sql.NullString{String: lastErr.Error(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE tunnel_state
		SET status=?, last_error=?, updated_at=?
		WHERE tunnel_id=?;`,
		status, errStr, time.Now().UTC(), tunnelID)
	return err
}

func (s *DB) RecordClose(ctx context.Context, tunnelID, status string, stoppedAt time.Time, lastErr error) error {
	var errStr sql.NullString
	if lastErr != nil {
		errStr = sql.NullString{String: lastErr.Error(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE tunnel_state
		SET status=?, stopped_at=?, last_error=?, updated_at=?
		WHERE tunnel_id=?;`,
		status, stoppedAt.UTC(), errStr, time.Now().UTC(), tunnelID)
	if err != nil {
		return err
	}
	return nil
}

func (s *DB) GetLive(ctx context.Context) ([]store.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tunnel_id, app, version, local_port, pid, status, created_at, stopped_at, last_error, updated_at
		FROM tunnel_state
		WHERE status IN ('starting', 'running', 'stopping')
		ORDER BY created_at ASC;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRecords(rows)
}

func (s *DB) GetByApp(ctx context.Context, app string, limit int) ([]store.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tunnel_id, app, version, local_port, pid, status, created_at, stopped_at, last_error, updated_at
		FROM tunnel_state
		WHERE app=?
		ORDER BY created_at DESC
		LIMIT ?;`, app, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRecords(rows)
}

func (s *DB) PurgeOlderThan(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM tunnel_state
		WHERE status IN ('stopped', 'failed') AND updated_at < ?;`, olderThan.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanRecords(rows *sql.Rows) ([]store.Record, error) {
	out := make([]store.Record, 0)
	for rows.Next() {
		var r store.Record
		if err := rows.Scan(&r.ID, &r.TunnelID, &r.App, &r.Version, &r.LocalPort, &r.PID, &r.Status, &r.CreatedAt, &r.StoppedAt, &r.LastError, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
