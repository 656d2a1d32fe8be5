// Package logger configures the process-wide slog logger.
//
// Priority order (highest to lowest):
//  1. CLI flags (--log-level, --log-file, --log-format)
//  2. Environment variables (LOG_LEVEL, LOG_FILE, LOG_FORMAT)
//  3. Config file (logger section)
//  4. Defaults (info level, text format, stderr)
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config configures logging behavior.
type Config struct {
	// Level specifies the log level (debug, info, warn, error).
	Level string `yaml:"level,omitempty"`

	// File specifies the log file path. Empty means stderr.
	File string `yaml:"file,omitempty"`

	// Format is "text" or "json".
	Format string `yaml:"format,omitempty"`
}

// SetDefaults applies default values.
func (c *Config) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "text"
	}
}

// Validate checks the logger configuration.
func (c *Config) Validate() error {
	if _, err := ParseLevel(c.Level); err != nil {
		return err
	}
	switch c.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid log format %q (valid: text, json)", c.Format)
	}
	return nil
}

// ParseLevel converts a string log level to slog.Level.
func ParseLevel(levelStr string) (slog.Level, error) {
	switch strings.ToLower(levelStr) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (valid: debug, info, warn, error)", levelStr)
	}
}

// Setup installs the process-wide default logger. When cfg.File is set the
// returned closer owns the open file handle.
func Setup(cfg Config) (io.Closer, error) {
	cfg.SetDefaults()

	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var output io.Writer = os.Stderr
	var closer io.Closer
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
		}
		output = f
		closer = f
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	slog.SetDefault(slog.New(handler))
	return closer, nil
}
