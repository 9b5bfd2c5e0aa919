//go:build !windows

package manager

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zgsm-ai/tunnel-starter/internal/history"
	"github.com/zgsm-ai/tunnel-starter/internal/registry"
	"github.com/zgsm-ai/tunnel-starter/internal/store"
	"github.com/zgsm-ai/tunnel-starter/internal/tunnel"
)

// MockStore implements store.Store for testing.
type MockStore struct {
	mu    sync.Mutex
	rows  map[string]store.Record
	calls []string
}

func NewMockStore() *MockStore {
	return &MockStore{rows: make(map[string]store.Record)}
}

func (ms *MockStore) EnsureSchema(_ context.Context) error {
	ms.record("EnsureSchema")
	return nil
}

func (ms *MockStore) RecordOpen(_ context.Context, rec store.Record) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.calls = append(ms.calls, "RecordOpen:"+rec.App)
	ms.rows[rec.TunnelID] = rec
	return nil
}

func (ms *MockStore) RecordTransition(_ context.Context, tunnelID, status string, _ error) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.calls = append(ms.calls, "RecordTransition:"+status)
	if r, ok := ms.rows[tunnelID]; ok {
		r.Status = status
		ms.rows[tunnelID] = r
	}
	return nil
}

func (ms *MockStore) RecordClose(_ context.Context, tunnelID, status string, stoppedAt time.Time, _ error) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.calls = append(ms.calls, "RecordClose:"+status)
	if r, ok := ms.rows[tunnelID]; ok {
		r.Status = status
		ms.rows[tunnelID] = r
	}
	return nil
}

func (ms *MockStore) GetLive(_ context.Context) ([]store.Record, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	out := make([]store.Record, 0)
	for _, r := range ms.rows {
		switch r.Status {
		case "starting", "running", "stopping":
			out = append(out, r)
		}
	}
	return out, nil
}

func (ms *MockStore) GetByApp(_ context.Context, app string, _ int) ([]store.Record, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	out := make([]store.Record, 0)
	for _, r := range ms.rows {
		if r.App == app {
			out = append(out, r)
		}
	}
	return out, nil
}

func (ms *MockStore) PurgeOlderThan(_ context.Context, _ time.Time) (int64, error) {
	ms.record("PurgeOlderThan")
	return 0, nil
}

func (ms *MockStore) Close() error {
	ms.record("Close")
	return nil
}

func (ms *MockStore) record(call string) {
	ms.mu.Lock()
	ms.calls = append(ms.calls, call)
	ms.mu.Unlock()
}

func (ms *MockStore) Calls() []string {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return append([]string(nil), ms.calls...)
}

// MockHistorySink implements history.Sink for testing.
type MockHistorySink struct {
	mu     sync.Mutex
	events []history.Event
}

func (s *MockHistorySink) Send(_ context.Context, e history.Event) error {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
	return nil
}

func (s *MockHistorySink) Events() []history.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]history.Event(nil), s.events...)
}

func newTestManager(t *testing.T, tmpl string) *Manager {
	t.Helper()
	m := New(Options{CommandTemplate: tmpl, TerminationTimeout: 2 * time.Second})
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m
}

func TestOpenAndGet(t *testing.T) {
	m := newTestManager(t, "sleep 60")
	ctx := context.Background()

	view, err := m.Open(ctx, "myapp", "v1.0", 19000)
	require.NoError(t, err)
	assert.Equal(t, "myapp", view.Name)
	assert.Equal(t, "v1.0", view.Version)
	assert.Equal(t, 19000, view.LocalPort)
	assert.Equal(t, tunnel.StatusRunning, view.Status)
	assert.Greater(t, view.PID, 0)

	got, err := m.Get("myapp", "v1.0")
	require.NoError(t, err)
	assert.Equal(t, view.PID, got.PID)

	// Empty version resolves the live tunnel for the app.
	got, err = m.Get("myapp", "")
	require.NoError(t, err)
	assert.Equal(t, "v1.0", got.Version)
}

func TestOpenDefaultsVersion(t *testing.T) {
	m := newTestManager(t, "sleep 60")
	view, err := m.Open(context.Background(), "myapp", "", 19001)
	require.NoError(t, err)
	assert.Equal(t, tunnel.DefaultVersion, view.Version)
}

func TestOpenValidation(t *testing.T) {
	m := newTestManager(t, "sleep 60")
	ctx := context.Background()

	_, err := m.Open(ctx, "", "v1.0", 19002)
	assert.ErrorIs(t, err, tunnel.ErrValidation)

	_, err = m.Open(ctx, "myapp", "garbage", 19002)
	assert.ErrorIs(t, err, tunnel.ErrValidation)

	for _, port := range []int{0, -1, 65536} {
		_, err = m.Open(ctx, "myapp", "v1.0", port)
		assert.ErrorIs(t, err, tunnel.ErrValidation, "port %d", port)
	}
}

func TestOpenDuplicateKeyConflict(t *testing.T) {
	m := newTestManager(t, "sleep 60")
	ctx := context.Background()

	_, err := m.Open(ctx, "myapp", "v1.0", 19003)
	require.NoError(t, err)

	_, err = m.Open(ctx, "myapp", "v1.0", 19004)
	assert.ErrorIs(t, err, tunnel.ErrConflict)

	// Same app at a different version is a different tunnel.
	_, err = m.Open(ctx, "myapp", "v2.0", 19005)
	assert.NoError(t, err)
}

func TestOpenPortConflict(t *testing.T) {
	m := newTestManager(t, "sleep 60")
	ctx := context.Background()

	_, err := m.Open(ctx, "app-a", "v1.0", 19006)
	require.NoError(t, err)

	_, err = m.Open(ctx, "app-b", "v1.0", 19006)
	assert.ErrorIs(t, err, tunnel.ErrConflict)
}

func TestCloseStopsTunnel(t *testing.T) {
	m := newTestManager(t, "sleep 60")
	ctx := context.Background()

	_, err := m.Open(ctx, "myapp", "v1.0", 19007)
	require.NoError(t, err)

	require.NoError(t, m.Close(ctx, "myapp", "v1.0"))

	_, err = m.Get("myapp", "v1.0")
	assert.ErrorIs(t, err, tunnel.ErrNotFound)

	assert.ErrorIs(t, m.Close(ctx, "myapp", "v1.0"), tunnel.ErrNotFound)
}

func TestCloseUnknownTunnel(t *testing.T) {
	m := newTestManager(t, "sleep 60")
	assert.ErrorIs(t, m.Close(context.Background(), "ghost", "v1.0"), tunnel.ErrNotFound)
}

func TestPortReusableAfterClose(t *testing.T) {
	m := newTestManager(t, "sleep 60")
	ctx := context.Background()

	_, err := m.Open(ctx, "app-a", "v1.0", 19008)
	require.NoError(t, err)
	require.NoError(t, m.Close(ctx, "app-a", "v1.0"))

	_, err = m.Open(ctx, "app-b", "v1.0", 19008)
	assert.NoError(t, err)
}

func TestCrashMarksFailed(t *testing.T) {
	m := newTestManager(t, "sleep 0.05")
	ctx := context.Background()

	_, err := m.Open(ctx, "crashy", "v1.0", 19009)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, gerr := m.Get("crashy", "v1.0")
		return gerr == nil && got.Status == tunnel.StatusFailed
	}, 5*time.Second, 50*time.Millisecond, "crash must surface as failed")

	got, err := m.Get("crashy", "v1.0")
	require.NoError(t, err)
	assert.Contains(t, got.LastError, "exited unexpectedly")

	// The key is reusable once the crash has been observed.
	_, err = m.Open(ctx, "crashy", "v1.0", 19010)
	assert.NoError(t, err)
}

func TestLaunchFailureFailsRecord(t *testing.T) {
	m := newTestManager(t, "{{.NoSuchField}}")
	ctx := context.Background()

	_, err := m.Open(ctx, "broken", "v1.0", 19011)
	require.Error(t, err)
	assert.ErrorIs(t, err, tunnel.ErrValidation)

	got, gerr := m.Get("broken", "v1.0")
	require.NoError(t, gerr)
	assert.Equal(t, tunnel.StatusFailed, got.Status)
	assert.NotEmpty(t, got.LastError)
}

func TestListFiltering(t *testing.T) {
	m := newTestManager(t, "sleep 60")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := m.Open(ctx, fmt.Sprintf("list-app-%d", i), "v1.0", 19020+i)
		require.NoError(t, err)
	}

	all := m.List(registry.Filter{})
	assert.Len(t, all, 3)
	assert.Equal(t, "list-app-0", all[0].Name, "creation order preserved")

	one := m.List(registry.Filter{App: "list-app-1"})
	require.Len(t, one, 1)
	assert.Equal(t, "list-app-1", one[0].Name)
}

func TestConcurrentOpenSameKey(t *testing.T) {
	m := newTestManager(t, "sleep 60")
	ctx := context.Background()

	const n = 20
	var wins, conflicts int64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.Open(ctx, "race", "v1.0", 19100+i)
			switch {
			case err == nil:
				atomic.AddInt64(&wins, 1)
			default:
				atomic.AddInt64(&conflicts, 1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int64(1), wins)
	assert.Equal(t, int64(n-1), conflicts)
	assert.Len(t, m.List(registry.Filter{App: "race"}), 1)
}

func TestStoreAndHistoryRecording(t *testing.T) {
	m := newTestManager(t, "sleep 60")
	ms := NewMockStore()
	sink := &MockHistorySink{}
	require.NoError(t, m.SetStore(ms))
	m.SetHistorySinks(sink)

	ctx := context.Background()
	_, err := m.Open(ctx, "persisted", "v1.0", 19030)
	require.NoError(t, err)
	require.NoError(t, m.Close(ctx, "persisted", "v1.0"))

	calls := ms.Calls()
	assert.Contains(t, calls, "EnsureSchema")
	assert.Contains(t, calls, "RecordOpen:persisted")
	assert.Contains(t, calls, "RecordTransition:running")
	assert.Contains(t, calls, "RecordClose:stopped")

	events := sink.Events()
	require.Len(t, events, 2)
	assert.Equal(t, history.EventOpen, events[0].Type)
	assert.Equal(t, history.EventClose, events[1].Type)
	assert.Equal(t, "persisted", events[0].Record.App)
}

func TestRecoverAdoptsLiveProcess(t *testing.T) {
	ms := NewMockStore()

	first := New(Options{CommandTemplate: "sleep 60", TerminationTimeout: 2 * time.Second})
	require.NoError(t, first.SetStore(ms))
	view, err := first.Open(context.Background(), "survivor", "v1.0", 19040)
	require.NoError(t, err)
	require.Greater(t, view.PID, 0)

	// A second manager simulates a restarted daemon over the same store.
	second := New(Options{CommandTemplate: "sleep 60", TerminationTimeout: 2 * time.Second})
	t.Cleanup(func() { _ = second.Shutdown(context.Background()) })
	require.NoError(t, second.SetStore(ms))
	require.NoError(t, second.Recover(context.Background()))

	got, err := second.Get("survivor", "v1.0")
	require.NoError(t, err)
	assert.Equal(t, tunnel.StatusRunning, got.Status)
	assert.Equal(t, view.PID, got.PID)

	require.NoError(t, second.Close(context.Background(), "survivor", "v1.0"))
	_ = first.Shutdown(context.Background())
}

func TestRecoverDropsDeadRows(t *testing.T) {
	ms := NewMockStore()
	require.NoError(t, ms.RecordOpen(context.Background(), store.Record{
		TunnelID:  "t-dead",
		App:       "deadapp",
		Version:   "v1.0",
		LocalPort: 19050,
		PID:       999999,
		Status:    "running",
		CreatedAt: time.Now().UTC(),
	}))

	m := newTestManager(t, "sleep 60")
	require.NoError(t, m.SetStore(ms))
	require.NoError(t, m.Recover(context.Background()))

	_, err := m.Get("deadapp", "v1.0")
	assert.ErrorIs(t, err, tunnel.ErrNotFound)
	assert.Contains(t, ms.Calls(), "RecordClose:failed")
}

func TestShutdownClosesLiveTunnels(t *testing.T) {
	m := New(Options{CommandTemplate: "sleep 60", TerminationTimeout: 2 * time.Second})
	ctx := context.Background()

	view, err := m.Open(ctx, "doomed", "v1.0", 19060)
	require.NoError(t, err)
	require.NoError(t, m.Shutdown(ctx))

	assert.False(t, m.Ready())
	assert.False(t, processAlive(view.PID))
}

func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
