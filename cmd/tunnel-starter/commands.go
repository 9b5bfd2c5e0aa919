package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zgsm-ai/tunnel-starter/internal/config"
	"github.com/zgsm-ai/tunnel-starter/internal/logger"
	"github.com/zgsm-ai/tunnel-starter/internal/manager"
	"github.com/zgsm-ai/tunnel-starter/internal/registry"
	"github.com/zgsm-ai/tunnel-starter/internal/store"
	"github.com/zgsm-ai/tunnel-starter/internal/store/factory"
	"github.com/zgsm-ai/tunnel-starter/internal/tunnel"
	"github.com/zgsm-ai/tunnel-starter/pkg/client"
)

// command binds CLI handlers to the global flags. Each handler talks to the
// daemon when it is reachable and falls back to managing local state itself.
type command struct {
	global *GlobalFlags
}

func (c command) Start(f TunnelFlags) error {
	if strings.TrimSpace(f.App) == "" {
		return errors.New("app name is required (--app)")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	api := c.apiClient(f)
	if api.IsReachable(ctx) {
		view, err := api.CreateTunnel(ctx, f.App, f.Version, f.Port)
		if err != nil {
			return err
		}
		printJSON(view)
		return nil
	}

	// No daemon; launch directly and record in shared local state. The
	// manager is not shut down so the child outlives this process.
	mgr, st, err := c.localManager(ctx)
	if err != nil {
		return err
	}
	defer closeStore(st)
	view, err := mgr.Open(ctx, f.App, f.Version, f.Port)
	if err != nil {
		return err
	}
	printJSON(view)
	return nil
}

func (c command) Stop(f TunnelFlags) error {
	if strings.TrimSpace(f.App) == "" {
		return errors.New("app name is required (--app)")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	api := c.apiClient(f)
	if api.IsReachable(ctx) {
		if err := api.DeleteTunnel(ctx, f.App, version(f)); err != nil {
			return err
		}
		fmt.Printf("tunnel stopped: %s %s\n", f.App, version(f))
		return nil
	}

	mgr, st, err := c.localManager(ctx)
	if err != nil {
		return err
	}
	defer closeStore(st)
	if err := mgr.Close(ctx, f.App, f.Version); err != nil {
		return err
	}
	fmt.Printf("tunnel stopped: %s %s\n", f.App, version(f))
	return nil
}

func (c command) List(f TunnelFlags) error {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	api := c.apiClient(f)
	if api.IsReachable(ctx) {
		views, err := api.ListTunnels(ctx)
		if err != nil {
			return err
		}
		filtered := make([]tunnel.View, 0, len(views))
		for _, v := range views {
			if f.App != "" && v.Name != f.App {
				continue
			}
			if f.Version != "" && v.Version != f.Version {
				continue
			}
			filtered = append(filtered, v)
		}
		printJSON(filtered)
		return nil
	}

	mgr, st, err := c.localManager(ctx)
	if err != nil {
		return err
	}
	defer closeStore(st)
	printJSON(mgr.List(registry.Filter{App: f.App, Version: f.Version}))
	return nil
}

func (c command) apiClient(f TunnelFlags) *client.Client {
	cfg := client.DefaultConfig()
	if f.APIUrl != "" {
		cfg.BaseURL = f.APIUrl
	}
	if f.APITimeout > 0 {
		cfg.Timeout = f.APITimeout
	}
	return client.New(cfg)
}

// localManager builds a manager over local state for daemon-less operation.
// Tunnels persisted as live by other processes are adopted first so stop and
// list see them.
func (c command) localManager(ctx context.Context) (*manager.Manager, store.Store, error) {
	cfg, err := config.Load(c.global.ConfigPath)
	if err != nil {
		return nil, nil, err
	}
	logger.Setup("warn")
	mgr := manager.New(managerOptions(cfg))
	st, err := openStore(cfg)
	if err != nil {
		slog.Warn("continuing without persistent state", "error", err)
		return mgr, nil, nil
	}
	if err := mgr.SetStore(st); err != nil {
		_ = st.Close()
		return nil, nil, fmt.Errorf("prepare store: %w", err)
	}
	if err := mgr.Recover(ctx); err != nil {
		slog.Warn("recovering local tunnels failed", "error", err)
	}
	return mgr, st, nil
}

func managerOptions(cfg config.FileConfig) manager.Options {
	opts := manager.Options{
		CommandTemplate:    cfg.Tunnel.Command,
		WorkDir:            cfg.Tunnel.WorkDir,
		Env:                cfg.Tunnel.Env,
		TerminationTimeout: cfg.Tunnel.TerminationTimeout,
		CheckPortFree:      cfg.Tunnel.CheckPortFree,
	}
	if cfg.Log != nil {
		opts.Log = *cfg.Log
	}
	return opts
}

func openStore(cfg config.FileConfig) (store.Store, error) {
	dsn := cfg.Store.DSN
	if dsn == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve state dir: %w", err)
		}
		dir := filepath.Join(home, ".tunnel-starter")
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
		dsn = filepath.Join(dir, "state.db")
	}
	return factory.NewFromDSN(dsn)
}

func closeStore(st store.Store) {
	if st != nil {
		_ = st.Close()
	}
}

func version(f TunnelFlags) string {
	if f.Version == "" {
		return tunnel.DefaultVersion
	}
	return f.Version
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
