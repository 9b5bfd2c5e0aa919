package manager

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zgsm-ai/tunnel-starter/internal/history"
	"github.com/zgsm-ai/tunnel-starter/internal/logger"
	"github.com/zgsm-ai/tunnel-starter/internal/metrics"
	"github.com/zgsm-ai/tunnel-starter/internal/ports"
	"github.com/zgsm-ai/tunnel-starter/internal/registry"
	"github.com/zgsm-ai/tunnel-starter/internal/store"
	"github.com/zgsm-ai/tunnel-starter/internal/supervisor"
	"github.com/zgsm-ai/tunnel-starter/internal/tunnel"
)

// Options configure how tunnels are launched and torn down.
type Options struct {
	// CommandTemplate is expanded per tunnel, see supervisor.RenderCommand.
	CommandTemplate    string
	WorkDir            string
	Env                []string
	TerminationTimeout time.Duration
	// CheckPortFree rejects opens whose local port is already bound.
	CheckPortFree bool
	// Log configures rotating stdio files for tunnel children.
	Log logger.Config
}

// Manager opens, closes and monitors tunnels. It composes the registry
// (record ownership), the supervisor (OS processes), and optional store and
// history sinks for persistence.
type Manager struct {
	mu        sync.RWMutex
	opts      Options
	st        store.Store
	histSinks []history.Sink

	reg *registry.Registry
	sup *supervisor.Supervisor

	handlers map[tunnel.Key]*handler

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown bool
}

func New(opts Options) *Manager {
	if opts.TerminationTimeout <= 0 {
		opts.TerminationTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		opts:     opts,
		reg:      registry.New(),
		sup:      supervisor.New(),
		handlers: make(map[tunnel.Key]*handler),
		ctx:      ctx,
		cancel:   cancel,
	}
	m.wg.Add(1)
	go m.consumeEvents()
	return m
}

// SetStore configures the persistence store used to record tunnel lifecycle
// state. It ensures the schema and stores the instance for subsequent writes.
func (m *Manager) SetStore(s store.Store) error {
	m.mu.Lock()
	m.st = s
	m.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.EnsureSchema(context.Background())
}

// SetHistorySinks configures external history sinks (ClickHouse, etc.).
// Passing no sinks clears the list.
func (m *Manager) SetHistorySinks(sinks ...history.Sink) {
	m.mu.Lock()
	m.histSinks = append([]history.Sink(nil), sinks...)
	m.mu.Unlock()
}

// Open reserves the (app, version) key and local port, launches the tunnel
// process, and returns the running record. Duplicate live keys and port
// clashes are rejected with tunnel.ErrConflict before anything is spawned.
func (m *Manager) Open(ctx context.Context, app, version string, port int) (tunnel.View, error) {
	key, err := tunnel.NewKey(app, version)
	if err != nil {
		return tunnel.View{}, err
	}
	if !ports.IsValid(port) {
		return tunnel.View{}, fmt.Errorf("%w: port %d out of range [%d, %d]", tunnel.ErrValidation, port, ports.Min, ports.Max)
	}
	if m.opts.CheckPortFree && !ports.IsFree(port) {
		return tunnel.View{}, fmt.Errorf("%w: port %d is already bound on localhost", tunnel.ErrConflict, port)
	}

	rec, err := m.reg.TryReserve(key, port)
	if err != nil {
		return tunnel.View{}, err
	}

	h := m.ensureHandler(key)
	if err := h.send(ctx, ctrlMsg{Type: ctrlOpen, Rec: rec}); err != nil {
		return tunnel.View{}, err
	}
	cur, ok := m.reg.Get(key)
	if !ok {
		return tunnel.View{}, fmt.Errorf("%w: tunnel %s", tunnel.ErrNotFound, key)
	}
	return cur.View(), nil
}

// Close terminates the tunnel for (app, version) and evicts its record.
// A missing or already-terminal record is tunnel.ErrNotFound.
func (m *Manager) Close(ctx context.Context, app, version string) error {
	key, err := tunnel.NewKey(app, version)
	if err != nil {
		return err
	}
	if _, ok := m.reg.Get(key); !ok {
		return fmt.Errorf("%w: tunnel %s", tunnel.ErrNotFound, key)
	}
	h := m.ensureHandler(key)
	return h.send(ctx, ctrlMsg{Type: ctrlClose})
}

// Get returns the record for (app, version). With an empty version it
// resolves to the most recently opened live tunnel for app.
func (m *Manager) Get(app, version string) (tunnel.View, error) {
	if version == "" {
		if !tunnel.IsSafeName(app) {
			return tunnel.View{}, fmt.Errorf("%w: invalid app name %q", tunnel.ErrValidation, app)
		}
		rec, ok := m.reg.LiveByApp(app)
		if !ok {
			return tunnel.View{}, fmt.Errorf("%w: no live tunnel for app %s", tunnel.ErrNotFound, app)
		}
		return rec.View(), nil
	}
	key, err := tunnel.NewKey(app, version)
	if err != nil {
		return tunnel.View{}, err
	}
	rec, ok := m.reg.Get(key)
	if !ok {
		return tunnel.View{}, fmt.Errorf("%w: tunnel %s", tunnel.ErrNotFound, key)
	}
	return rec.View(), nil
}

// List returns views of matching records in creation order.
func (m *Manager) List(f registry.Filter) []tunnel.View {
	recs := m.reg.List(f)
	out := make([]tunnel.View, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.View())
	}
	return out
}

// Ready reports whether the manager accepts lifecycle operations.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.shutdown
}

// Recover re-attaches tunnels persisted as live by a previous daemon run.
// PIDs that are still alive are adopted; dead ones are closed out as failed.
func (m *Manager) Recover(ctx context.Context) error {
	m.mu.RLock()
	st := m.st
	m.mu.RUnlock()
	if st == nil {
		return nil
	}
	rows, err := st.GetLive(ctx)
	if err != nil {
		return fmt.Errorf("load live tunnels: %w", err)
	}
	for _, row := range rows {
		key, err := tunnel.NewKey(row.App, row.Version)
		if err != nil {
			slog.Warn("skipping unrecoverable tunnel row", "app", row.App, "version", row.Version, "error", err)
			continue
		}
		id, ok := m.sup.Adopt(key, row.PID)
		if !ok {
			_ = st.RecordClose(ctx, row.TunnelID, string(tunnel.StatusFailed), time.Now().UTC(),
				errors.New("process not running after daemon restart"))
			continue
		}
		rec := tunnel.Record{
			ID:        row.TunnelID,
			Key:       key,
			LocalPort: row.LocalPort,
			Status:    tunnel.StatusRunning,
			PID:       row.PID,
			CreatedAt: row.CreatedAt,
			HandleID:  id,
		}
		if err := m.reg.Adopt(rec); err != nil {
			slog.Warn("cannot adopt recovered tunnel", "key", key.String(), "error", err)
			m.sup.Release(id)
			continue
		}
		_ = st.RecordTransition(ctx, row.TunnelID, string(tunnel.StatusRunning), nil)
		slog.Info("adopted running tunnel", "key", key.String(), "pid", row.PID, "port", row.LocalPort)
	}
	metrics.SetActive(m.activeCount())
	return nil
}

// Shutdown gracefully terminates all live tunnels then stops the manager's
// goroutines. The store and sinks are owned by the caller and stay open.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil
	}
	m.shutdown = true
	m.mu.Unlock()

	var lastErr error
	for _, rec := range m.reg.List(registry.Filter{}) {
		if rec.Terminal() {
			continue
		}
		if err := m.Close(ctx, rec.Key.App, rec.Key.Version); err != nil && !errors.Is(err, tunnel.ErrNotFound) {
			lastErr = err
		}
	}
	m.cancel()
	m.sup.Close()
	m.wg.Wait()
	return lastErr
}

func (m *Manager) ensureHandler(key tunnel.Key) *handler {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.handlers[key]; ok {
		return h
	}
	h := newHandler(key, m)
	m.handlers[key] = h
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		h.run(m.ctx)
	}()
	return h
}

// launch runs on the key's handler goroutine.
func (m *Manager) launch(key tunnel.Key, rec tunnel.Record) error {
	cmdline, err := supervisor.RenderCommand(m.opts.CommandTemplate, key, rec.LocalPort)
	if err != nil {
		m.markFailed(key, err)
		return err
	}
	m.recordOpen(rec)

	stdout, stderr := m.opts.Log.Writers(key.App + "_" + key.Version)
	id, pid, err := m.sup.Launch(supervisor.LaunchSpec{
		Key:     key,
		Command: cmdline,
		WorkDir: m.opts.WorkDir,
		Env:     m.opts.Env,
		Stdout:  stdout,
		Stderr:  stderr,
	})
	if err != nil {
		m.markFailed(key, err)
		metrics.IncFailure(key.App, "launch")
		return err
	}

	upd, uerr := m.reg.Update(key, func(r *tunnel.Record) {
		r.Status = tunnel.StatusRunning
		r.PID = pid
		r.HandleID = id
	})
	if uerr != nil {
		// Record vanished mid-launch; reap the orphan.
		_ = m.sup.Terminate(id, m.opts.TerminationTimeout)
		return uerr
	}
	m.recordTransition(upd)
	m.sendHistory(history.EventOpen, upd)
	metrics.IncOpen(key.App)
	metrics.SetActive(m.activeCount())
	slog.Info("tunnel opened", "key", key.String(), "pid", pid, "port", upd.LocalPort)
	return nil
}

// terminate runs on the key's handler goroutine.
func (m *Manager) terminate(key tunnel.Key) error {
	rec, ok := m.reg.Get(key)
	if !ok || rec.Terminal() {
		m.reg.RemoveIfTerminal(key)
		return fmt.Errorf("%w: tunnel %s", tunnel.ErrNotFound, key)
	}

	upd, err := m.reg.Update(key, func(r *tunnel.Record) {
		r.Status = tunnel.StatusStopping
	})
	if err != nil {
		return err
	}
	m.recordTransition(upd)

	if terr := m.sup.Terminate(rec.HandleID, m.opts.TerminationTimeout); terr != nil {
		upd, _ = m.reg.Update(key, func(r *tunnel.Record) {
			r.Status = tunnel.StatusFailed
			r.StoppedAt = time.Now().UTC()
			r.LastError = terr.Error()
		})
		m.recordClose(upd)
		metrics.IncFailure(key.App, "terminate_timeout")
		metrics.SetActive(m.activeCount())
		return terr
	}

	upd, _ = m.reg.Update(key, func(r *tunnel.Record) {
		r.Status = tunnel.StatusStopped
		r.StoppedAt = time.Now().UTC()
	})
	m.recordClose(upd)
	m.sendHistory(history.EventClose, upd)
	metrics.IncClose(key.App)
	metrics.SetActive(m.activeCount())
	m.reg.RemoveIfTerminal(key)
	slog.Info("tunnel closed", "key", key.String(), "port", upd.LocalPort)
	return nil
}

func (m *Manager) consumeEvents() {
	defer m.wg.Done()
	for e := range m.sup.Events() {
		m.handleCrash(e)
	}
}

func (m *Manager) handleCrash(e supervisor.Event) {
	stale := false
	msg := "process exited unexpectedly"
	if e.Err != nil {
		msg = fmt.Sprintf("process exited unexpectedly: %v", e.Err)
	}
	upd, err := m.reg.Update(e.Key, func(r *tunnel.Record) {
		if r.HandleID != e.HandleID || r.Terminal() {
			stale = true
			return
		}
		r.Status = tunnel.StatusFailed
		r.StoppedAt = time.Now().UTC()
		r.LastError = msg
	})
	m.sup.Release(e.HandleID)
	if err != nil || stale {
		return
	}
	m.recordClose(upd)
	m.sendHistory(history.EventCrash, upd)
	metrics.IncCrash(e.Key.App)
	metrics.SetActive(m.activeCount())
	slog.Warn("tunnel crashed", "key", e.Key.String(), "error", msg)
}

func (m *Manager) markFailed(key tunnel.Key, cause error) {
	upd, err := m.reg.Update(key, func(r *tunnel.Record) {
		r.Status = tunnel.StatusFailed
		r.StoppedAt = time.Now().UTC()
		r.LastError = cause.Error()
	})
	if err != nil {
		return
	}
	m.recordClose(upd)
	metrics.SetActive(m.activeCount())
}

func (m *Manager) activeCount() int {
	n := 0
	for _, r := range m.reg.List(registry.Filter{}) {
		if !r.Terminal() {
			n++
		}
	}
	return n
}

func (m *Manager) storeAndSinks() (store.Store, []history.Sink) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st, append([]history.Sink(nil), m.histSinks...)
}

func (m *Manager) recordOpen(rec tunnel.Record) {
	st, _ := m.storeAndSinks()
	if st != nil {
		_ = st.RecordOpen(context.Background(), toStoreRecord(rec))
	}
}

func (m *Manager) recordTransition(rec tunnel.Record) {
	st, _ := m.storeAndSinks()
	if st != nil {
		var lastErr error
		if rec.LastError != "" {
			lastErr = errors.New(rec.LastError)
		}
		_ = st.RecordTransition(context.Background(), rec.ID, string(rec.Status), lastErr)
	}
}

func (m *Manager) recordClose(rec tunnel.Record) {
	st, _ := m.storeAndSinks()
	if st == nil {
		return
	}
	var lastErr error
	if rec.LastError != "" {
		lastErr = errors.New(rec.LastError)
	}
	_ = st.RecordClose(context.Background(), rec.ID, string(rec.Status), rec.StoppedAt, lastErr)
}

func (m *Manager) sendHistory(t history.EventType, rec tunnel.Record) {
	_, sinks := m.storeAndSinks()
	if len(sinks) == 0 {
		return
	}
	evt := history.Event{Type: t, OccurredAt: time.Now().UTC(), Record: toStoreRecord(rec)}
	for _, s := range sinks {
		_ = s.Send(context.Background(), evt)
	}
}

func toStoreRecord(r tunnel.Record) store.Record {
	sr := store.Record{
		TunnelID:  r.ID,
		App:       r.Key.App,
		Version:   r.Key.Version,
		LocalPort: r.LocalPort,
		PID:       r.PID,
		Status:    string(r.Status),
		CreatedAt: r.CreatedAt,
	}
	if !r.StoppedAt.IsZero() {
		sr.StoppedAt = sql.NullTime{Time: r.StoppedAt, Valid: true}
	}
	if r.LastError != "" {
		sr.LastError = sql.NullString{String: r.LastError, Valid: true}
	}
	return sr
}
