package store

import (
	"context"
	"database/sql"
	"time"
)

// Record is the persisted shape of a tunnel lifecycle row. TunnelID is the
// record UUID assigned at reservation time and is unique per tunnel run;
// a fresh create of the same (app, version) produces a new row.
type Record struct {
	ID        int64
	TunnelID  string
	App       string
	Version   string
	LocalPort int
	PID       int
	Status    string
	CreatedAt time.Time
	StoppedAt sql.NullTime
	LastError sql.NullString
	UpdatedAt time.Time
}

// Store persists tunnel lifecycle state so a restarted daemon can recover
// live tunnels and serve bounded history. Implementations must be safe for
// concurrent use.
type Store interface {
	EnsureSchema(ctx context.Context) error
	// RecordOpen inserts or refreshes the row for a reserved/launched tunnel.
	RecordOpen(ctx context.Context, rec Record) error
	// RecordTransition updates status (and lastError) for a live row.
	RecordTransition(ctx context.Context, tunnelID, status string, lastErr error) error
	// RecordClose marks the row terminal with its stop time.
	RecordClose(ctx context.Context, tunnelID, status string, stoppedAt time.Time, lastErr error) error
	// GetLive returns rows whose status is non-terminal, oldest first.
	GetLive(ctx context.Context) ([]Record, error)
	// GetByApp returns up to limit rows for app, newest first.
	GetByApp(ctx context.Context, app string, limit int) ([]Record, error)
	// PurgeOlderThan deletes terminal rows last updated before the cutoff.
	PurgeOlderThan(ctx context.Context, olderThan time.Time) (int64, error)
	Close() error
}
