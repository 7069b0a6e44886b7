// Package logging holds the process wide zerolog logger. Components take a
// tagged child with For; output of language server processes goes through
// ForServer.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance.
var Logger zerolog.Logger

// Level represents log levels.
type Level = zerolog.Level

const (
	DebugLevel = zerolog.DebugLevel
	InfoLevel  = zerolog.InfoLevel
	WarnLevel  = zerolog.WarnLevel
	ErrorLevel = zerolog.ErrorLevel
)

// Config holds logger configuration.
type Config struct {
	Level Level

	// Output defaults to os.Stderr. It is ignored when File is set.
	Output io.Writer

	// File is appended to, created if missing.
	File string

	// Pretty enables human-readable console output.
	Pretty bool

	// TimeFormat defaults to RFC3339.
	TimeFormat string
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		Level:      InfoLevel,
		Output:     os.Stderr,
		TimeFormat: time.RFC3339,
	}
}

var (
	fileMu sync.Mutex
	file   *os.File
)

// Init replaces the global logger. A log file opened by an earlier Init is
// closed once the new logger is in place.
func Init(cfg Config) error {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	if cfg.TimeFormat == "" {
		cfg.TimeFormat = time.RFC3339
	}

	var opened *os.File
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		opened = f
		cfg.Output = f
	}

	zerolog.TimeFieldFormat = cfg.TimeFormat

	output := cfg.Output
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        cfg.Output,
			TimeFormat: cfg.TimeFormat,
			NoColor:    opened != nil,
		}
	}

	Logger = zerolog.New(output).
		Level(cfg.Level).
		With().
		Timestamp().
		Logger()

	fileMu.Lock()
	prev := file
	file = opened
	fileMu.Unlock()
	if prev != nil {
		prev.Close()
	}
	return nil
}

// Close closes the log file, if any, and sends further output to stderr.
func Close() error {
	fileMu.Lock()
	f := file
	file = nil
	fileMu.Unlock()
	if f == nil {
		return nil
	}
	Logger = Logger.Output(os.Stderr)
	return f.Close()
}

// ParseLevel parses a log level name, case-insensitive. Unknown names give
// InfoLevel.
func ParseLevel(level string) Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return DebugLevel
	case "WARN", "WARNING":
		return WarnLevel
	case "ERROR":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// For returns a child of the global logger tagged with a component name.
// The child is created at call time, so Init must run before long-lived
// components capture it.
func For(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// ForServer returns a logger for output produced by a language server
// process, tagged with the configuration name.
func ForServer(name string) zerolog.Logger {
	return Logger.With().Str("server", name).Logger()
}

func Debug() *zerolog.Event { return Logger.Debug() }
func Info() *zerolog.Event  { return Logger.Info() }
func Warn() *zerolog.Event  { return Logger.Warn() }
func Error() *zerolog.Event { return Logger.Error() }

func init() {
	Init(DefaultConfig())
}
