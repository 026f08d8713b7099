// Package logging configures structured logging for Conductor.
// All packages log through zerolog; this package owns the global writer,
// level selection, optional file output and per-component child loggers.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// LOG LEVELS
// ═══════════════════════════════════════════════════════════════════════════════

// Level represents the severity of a log message.
type Level int

const (
	LevelDebug Level = iota // Detailed debugging information
	LevelInfo               // General operational information
	LevelWarn               // Warning conditions
	LevelError              // Error conditions
)

// String returns the string representation of a log level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// ParseLevel converts a config string to a Level. Unknown values map to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error", "fatal":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) zerolog() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// SETUP
// ═══════════════════════════════════════════════════════════════════════════════

// Config configures the global logger.
type Config struct {
	Level   string // debug, info, warn, error
	Format  string // console or json
	File    string // Optional file path for persistent logs
	NoColor bool
}

var (
	setupMu  sync.Mutex
	openFile *os.File
)

// Setup installs the global zerolog logger. It may be called more than once;
// a previously opened log file is closed.
func Setup(cfg Config) error {
	setupMu.Lock()
	defer setupMu.Unlock()

	var out io.Writer = os.Stderr
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		closeFileLocked()
		openFile = f
		out = f
	}

	if !strings.EqualFold(cfg.Format, "json") {
		out = zerolog.ConsoleWriter{
			Out:        out,
			NoColor:    cfg.NoColor || cfg.File != "",
			TimeFormat: time.TimeOnly,
		}
	}

	zerolog.SetGlobalLevel(ParseLevel(cfg.Level).zerolog())
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	return nil
}

// Close releases the log file, if any.
func Close() error {
	setupMu.Lock()
	defer setupMu.Unlock()
	return closeFileLocked()
}

func closeFileLocked() error {
	if openFile == nil {
		return nil
	}
	err := openFile.Close()
	openFile = nil
	return err
}

// Component returns a child of the global logger tagged with the component name.
func Component(name string) zerolog.Logger {
	return log.Logger.With().Str("component", name).Logger()
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() zerolog.Logger {
	return zerolog.Nop()
}
