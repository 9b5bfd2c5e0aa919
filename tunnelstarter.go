package tunnelstarter

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/zgsm-ai/tunnel-starter/internal/config"
	"github.com/zgsm-ai/tunnel-starter/internal/history"
	"github.com/zgsm-ai/tunnel-starter/internal/manager"
	"github.com/zgsm-ai/tunnel-starter/internal/metrics"
	"github.com/zgsm-ai/tunnel-starter/internal/registry"
	iapi "github.com/zgsm-ai/tunnel-starter/internal/server"
	"github.com/zgsm-ai/tunnel-starter/internal/store"
	"github.com/zgsm-ai/tunnel-starter/internal/tunnel"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Key = tunnel.Key

type Status = tunnel.Status

type View = tunnel.View

type Filter = registry.Filter

type Options = manager.Options

type Store = store.Store

type HistorySink = history.Sink

// Manager is a thin facade over internal/manager.Manager.
// It provides a stable public API for embedding.
type Manager struct{ inner *manager.Manager }

func New(opts Options) *Manager { return &Manager{inner: manager.New(opts)} }

func (m *Manager) SetStore(s Store) error           { return m.inner.SetStore(s) }
func (m *Manager) SetHistorySinks(s ...HistorySink) { m.inner.SetHistorySinks(s...) }
func (m *Manager) Open(ctx context.Context, app, version string, port int) (View, error) {
	return m.inner.Open(ctx, app, version, port)
}
func (m *Manager) Close(ctx context.Context, app, version string) error {
	return m.inner.Close(ctx, app, version)
}
func (m *Manager) Get(app, version string) (View, error) { return m.inner.Get(app, version) }
func (m *Manager) List(f Filter) []View                  { return m.inner.List(f) }
func (m *Manager) Ready() bool                           { return m.inner.Ready() }
func (m *Manager) Recover(ctx context.Context) error     { return m.inner.Recover(ctx) }
func (m *Manager) Shutdown(ctx context.Context) error    { return m.inner.Shutdown(ctx) }

func LoadConfig(path string) (cfg.FileConfig, error) {
	return cfg.Load(path)
}

// NewHTTPServer starts an HTTP server exposing the internal API using the given manager.
func NewHTTPServer(addr, basePath string, m *Manager) *http.Server {
	return iapi.NewServer(addr, basePath, false, m.inner)
}

// NewRouter returns an http.Handler for mounting the API in an existing server.
func NewRouter(m *Manager, basePath string, enableMetrics bool) http.Handler {
	return iapi.NewRouter(m.inner, basePath, enableMetrics).Handler()
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.RegisterDefault() }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the default registry.
// It returns any immediate listen error; otherwise it runs the server in the caller goroutine.
func ServeMetrics(addr string) error {
	http.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           nil,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
