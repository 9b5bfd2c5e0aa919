package clickhouse

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zgsm-ai/tunnel-starter/internal/history"
	"github.com/zgsm-ai/tunnel-starter/internal/store"
)

// TestSinkSend exercises the sink against a real ClickHouse. It is skipped
// unless TUNNEL_STARTER_CLICKHOUSE_ADDR points at a reachable server
// (host:port for the native protocol).
func TestSinkSend(t *testing.T) {
	addr := os.Getenv("TUNNEL_STARTER_CLICKHOUSE_ADDR")
	if addr == "" {
		t.Skip("TUNNEL_STARTER_CLICKHOUSE_ADDR not set")
	}

	sink, err := New(addr, "tunnel_events_test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })

	ctx := context.Background()
	err = sink.conn.Exec(ctx, `CREATE TABLE IF NOT EXISTS tunnel_events_test (
		type String,
		occurred_at DateTime64(3),
		tunnel_id String,
		app String,
		version String,
		local_port Int32,
		pid Int32,
		status String,
		created_at DateTime64(3),
		stopped_at Nullable(DateTime64(3)),
		last_error Nullable(String)
	) ENGINE = MergeTree() ORDER BY occurred_at`)
	require.NoError(t, err)

	e := history.Event{
		Type:       history.EventOpen,
		OccurredAt: time.Now().UTC(),
		Record: store.Record{
			TunnelID:  "t-ch-1",
			App:       "chapp",
			Version:   "v1.0",
			LocalPort: 9000,
			PID:       77,
			Status:    "running",
			CreatedAt: time.Now().UTC(),
			LastError: sql.NullString{},
		},
	}
	require.NoError(t, sink.Send(ctx, e))
}

func TestNewUnreachable(t *testing.T) {
	_, err := New("127.0.0.1:1", "tunnel_events")
	require.Error(t, err)
}
