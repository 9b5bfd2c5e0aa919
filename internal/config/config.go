package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/zgsm-ai/tunnel-starter/internal/logger"
	"github.com/zgsm-ai/tunnel-starter/internal/supervisor"
)

const (
	DefaultListen             = ":8080"
	DefaultBasePath           = "/tunnel-starter/api/v1"
	DefaultTerminationTimeout = 5 * time.Second
)

// FileConfig represents the top-level TOML structure.
type FileConfig struct {
	Server  ServerConfig   `toml:"server" mapstructure:"server"`
	Tunnel  TunnelConfig   `toml:"tunnel" mapstructure:"tunnel"`
	Store   StoreConfig    `toml:"store" mapstructure:"store"`
	History HistoryConfig  `toml:"history" mapstructure:"history"`
	Log     *logger.Config `toml:"log" mapstructure:"log"`
	Metrics MetricsConfig  `toml:"metrics" mapstructure:"metrics"`
}

type ServerConfig struct {
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

type TunnelConfig struct {
	// Command is a template expanded per tunnel with {{.App}}, {{.Version}}
	// and {{.LocalPort}}.
	Command            string        `toml:"command" mapstructure:"command"`
	WorkDir            string        `toml:"workdir" mapstructure:"workdir"`
	Env                []string      `toml:"env" mapstructure:"env"`
	TerminationTimeout time.Duration `toml:"termination_timeout" mapstructure:"termination_timeout"`
	// CheckPortFree refuses to open a tunnel when the local port is already
	// bound. Off by default: many tunnel binaries bind lazily and the check
	// would reject legitimate requests.
	CheckPortFree bool `toml:"check_port_free" mapstructure:"check_port_free"`
}

// StoreConfig selects the lifecycle store. An empty DSN falls back to a
// SQLite file under the user's home directory so the CLI and daemon share
// state even without a config file.
type StoreConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type HistoryConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Type    string `toml:"type" mapstructure:"type"`
	DSN     string `toml:"dsn" mapstructure:"dsn"`
	Table   string `toml:"table" mapstructure:"table"`
}

type MetricsConfig struct {
	Enabled bool `toml:"enabled" mapstructure:"enabled"`
}

// Load reads a TOML config file and applies defaults. An empty path returns
// the default configuration.
func Load(path string) (FileConfig, error) {
	var fc FileConfig
	if strings.TrimSpace(path) != "" {
		v := viper.New()
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return fc, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := v.Unmarshal(&fc); err != nil {
			return fc, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	fc.applyDefaults()
	return fc, nil
}

func (fc *FileConfig) applyDefaults() {
	if fc.Server.Listen == "" {
		fc.Server.Listen = DefaultListen
	}
	if fc.Server.BasePath == "" {
		fc.Server.BasePath = DefaultBasePath
	}
	if fc.Tunnel.Command == "" {
		fc.Tunnel.Command = supervisor.DefaultCommandTemplate
	}
	if fc.Tunnel.TerminationTimeout <= 0 {
		fc.Tunnel.TerminationTimeout = DefaultTerminationTimeout
	}
	if fc.History.Table == "" {
		fc.History.Table = "tunnel_events"
	}
}
