// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	charmlog "github.com/charmbracelet/log"
)

// Environment overrides, applied over the configuration.
const (
	EnvLevel  = "CHATGATE_LOG_LEVEL"
	EnvFormat = "CHATGATE_LOG_FORMAT"
)

// Config selects the log format and level.
type Config struct {
	// Format is "text" (human readable) or "json".
	Format string `yaml:"format" validate:"omitempty,oneof=text json"`

	// Level is debug, info, warn or error.
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`

	// AddSource reports the caller of every record.
	AddSource bool `yaml:"add_source"`
}

// DefaultConfig logs text at info level.
func DefaultConfig() Config {
	return Config{Format: "text", Level: "info"}
}

// New builds a logger writing to stderr.
func New(cfg Config) (*slog.Logger, error) {
	return NewWithWriter(cfg, os.Stderr)
}

// NewWithWriter builds a logger writing to w.
func NewWithWriter(cfg Config, w io.Writer) (*slog.Logger, error) {
	format := strings.ToLower(strings.TrimSpace(cfg.Format))
	if v := strings.TrimSpace(os.Getenv(EnvFormat)); v != "" {
		format = strings.ToLower(v)
	}
	if format == "" {
		format = "text"
	}

	levelText := cfg.Level
	if v := strings.TrimSpace(os.Getenv(EnvLevel)); v != "" {
		levelText = v
	}
	level, err := ParseLevel(levelText)
	if err != nil {
		return nil, err
	}

	switch format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level:     level,
			AddSource: cfg.AddSource,
		})), nil
	case "text":
		pretty := charmlog.NewWithOptions(w, charmlog.Options{
			Level:           charmLevel(level),
			ReportTimestamp: true,
			ReportCaller:    cfg.AddSource,
			Formatter:       charmlog.TextFormatter,
		})
		return slog.New(pretty), nil
	}
	return nil, fmt.Errorf("logging: unsupported format %q", format)
}

// ParseLevel parses a level name. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("logging: unsupported level %q", s)
}

func charmLevel(level slog.Level) charmlog.Level {
	switch {
	case level <= slog.LevelDebug:
		return charmlog.DebugLevel
	case level <= slog.LevelInfo:
		return charmlog.InfoLevel
	case level <= slog.LevelWarn:
		return charmlog.WarnLevel
	default:
		return charmlog.ErrorLevel
	}
}
