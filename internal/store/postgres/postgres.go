package postgres

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/zgsm-ai/tunnel-starter/internal/store"
)

type DB struct {
	db *sql.DB
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tunnel_state(
			id BIGSERIAL PRIMARY KEY,
			tunnel_id TEXT NOT NULL UNIQUE,
			app TEXT NOT NULL,
			version TEXT NOT NULL,
			local_port INTEGER NOT NULL,
			pid INTEGER NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			stopped_at TIMESTAMPTZ NULL,
			last_error TEXT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tunnel_state_app ON tunnel_state(app);`,
		`CREATE INDEX IF NOT EXISTS idx_tunnel_state_status ON tunnel_state(status);`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) RecordOpen(ctx context.Context, rec store.Record) error {
	rec.StoppedAt = sql.NullTime{}
	rec.UpdatedAt = time.Now().UTC()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO tunnel_state(tunnel_id, app, version, local_port, pid, status, created_at, stopped_at, last_error, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,NULL,NULL,$8)
		ON CONFLICT(tunnel_id) DO UPDATE SET
			pid=EXCLUDED.pid,
			status=EXCLUDED.status,
			stopped_at=NULL,
			last_error=NULL,
			updated_at=EXCLUDED.updated_at;`,
		rec.TunnelID, rec.App, rec.Version, rec.LocalPort, rec.PID, rec.Status, rec.CreatedAt.UTC(), rec.UpdatedAt)
	if err != nil {
		return err
	}
	return nil
}

func (p *DB) RecordTransition(ctx context.Context, tunnelID, status string, lastErr error) error {
	var errStr sql.NullString
	if lastErr != nil {
		errStr = sql.NullString{String: lastErr.Error(), Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `
		UPDATE tunnel_state
		SET status=$1, last_error=$2, updated_at=$3
		WHERE tunnel_id=$4;`, status, errStr, time.Now().UTC(), tunnelID)
	return err
}

func (p *DB) RecordClose(ctx context.Context, tunnelID, status string, stoppedAt time.Time, lastErr error) error {
	var errStr sql.NullString
	if lastErr != nil {
		errStr = sql.NullString{String: lastErr.Error(), Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `
		UPDATE tunnel_state
		SET status=$1, stopped_at=$2, last_error=$3, updated_at=$4
		WHERE tunnel_id=$5;`, status, stoppedAt.UTC(), errStr, time.Now().UTC(), tunnelID)
	if err != nil {
		return err
	}
	return nil
}

func (p *DB) GetLive(ctx context.Context) ([]store.Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, tunnel_id, app, version, local_port, pid, status, created_at, stopped_at, last_error, updated_at
		FROM tunnel_state
		WHERE status IN ('starting', 'running', 'stopping')
		ORDER BY created_at ASC;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (p *DB) GetByApp(ctx context.Context, app string, limit int) ([]store.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, tunnel_id, app, version, local_port, pid, status, created_at, stopped_at, last_error, updated_at
		FROM tunnel_state
		WHERE app=$1
		ORDER BY created_at DESC
		LIMIT $2;`, app, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (p *DB) PurgeOlderThan(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM tunnel_state
		WHERE status IN ('stopped', 'failed') AND updated_at < $1;`, olderThan.UTC())
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
