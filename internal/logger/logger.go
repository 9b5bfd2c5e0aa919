package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation parameters for tunnel process stdio logs.
const (
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 3
	DefaultMaxAgeDays = 7
)

// Config describes stdio destinations for a tunnel process. If Dir is set,
// files are Dir/<name>.stdout.log and Dir/<name>.stderr.log. Rotation
// parameters follow lumberjack semantics.
type Config struct {
	Dir        string `toml:"dir" mapstructure:"dir"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
	Level      string `toml:"level" mapstructure:"level"`
}

// Writers returns rotating stdout/stderr writers for the named tunnel, or
// nils when no log dir is configured.
func (c Config) Writers(name string) (io.WriteCloser, io.WriteCloser) {
	if c.Dir == "" {
		return nil, nil
	}
	mk := func(suffix string) io.WriteCloser {
		return &lj.Logger{
			Filename:   filepath.Join(c.Dir, fmt.Sprintf("%s.%s.log", name, suffix)),
			MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
			MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
			MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
			Compress:   c.Compress,
		}
	}
	return mk("stdout"), mk("stderr")
}

func valOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Setup installs the process-wide slog default: colorized text on stderr at
// the configured level.
func Setup(level string) {
	h := NewColorTextHandler(os.Stderr, &slog.HandlerOptions{Level: ParseLevel(level)}, true)
	slog.SetDefault(slog.New(h))
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
