package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zgsm-ai/tunnel-starter/internal/config"
	"github.com/zgsm-ai/tunnel-starter/internal/history"
	chsink "github.com/zgsm-ai/tunnel-starter/internal/history/clickhouse"
	"github.com/zgsm-ai/tunnel-starter/internal/logger"
	"github.com/zgsm-ai/tunnel-starter/internal/manager"
	"github.com/zgsm-ai/tunnel-starter/internal/metrics"
	"github.com/zgsm-ai/tunnel-starter/internal/server"
)

// ServerFlags holds flags for the server command.
type ServerFlags struct {
	Listen string
}

func createServerCommand(globalFlags *GlobalFlags) *cobra.Command {
	serverFlags := &ServerFlags{}
	cmd := &cobra.Command{
		Use:   "server [config.toml]",
		Short: "Run the tunnel-starter daemon",
		Long: `Run the tunnel-starter daemon: an HTTP API that opens, tracks and
closes tunnel processes. Tunnels persisted as live by a previous run are
re-adopted on startup.

Examples:
  tunnel-starter server
  tunnel-starter server config.toml
  tunnel-starter server --listen :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(globalFlags, serverFlags, args)
		},
	}
	cmd.Flags().StringVar(&serverFlags.Listen, "listen", "", "listen address (overrides config)")
	return cmd
}

func runServer(globalFlags *GlobalFlags, serverFlags *ServerFlags, args []string) error {
	configPath := globalFlags.ConfigPath
	if len(args) > 0 {
		configPath = args[0]
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level := ""
	if cfg.Log != nil {
		level = cfg.Log.Level
	}
	logger.Setup(level)

	if cfg.Metrics.Enabled {
		if err := metrics.RegisterDefault(); err != nil {
			slog.Warn("metrics registration failed", "error", err)
		}
	}

	mgr := manager.New(managerOptions(cfg))

	st, err := openStore(cfg)
	if err != nil {
		slog.Warn("running without persistent state", "error", err)
	} else {
		if err := mgr.SetStore(st); err != nil {
			_ = st.Close()
			return fmt.Errorf("prepare store: %w", err)
		}
		defer closeStore(st)
	}

	if cfg.History.Enabled {
		if cfg.History.Type != "" && cfg.History.Type != "clickhouse" {
			return fmt.Errorf("unsupported history sink type %q", cfg.History.Type)
		}
		sink, err := chsink.New(cfg.History.DSN, cfg.History.Table)
		if err != nil {
			slog.Warn("history sink unavailable", "error", err)
		} else {
			q := history.NewQueue(sink)
			mgr.SetHistorySinks(q)
			defer func() {
				_ = q.Close()
				_ = sink.Close()
			}()
		}
	}

	ctx := context.Background()
	if err := mgr.Recover(ctx); err != nil {
		slog.Warn("recovery incomplete", "error", err)
	}

	listen := cfg.Server.Listen
	if serverFlags.Listen != "" {
		listen = serverFlags.Listen
	}
	srv := server.NewServer(listen, cfg.Server.BasePath, cfg.Metrics.Enabled, mgr)
	slog.Info("daemon listening", "addr", listen, "base_path", cfg.Server.BasePath)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	s := <-sig
	slog.Info("shutting down", "signal", s.String())

	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		slog.Warn("tunnel shutdown", "error", err)
	}
	return nil
}
