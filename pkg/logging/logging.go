// Package logging builds the zerolog loggers shared by the server binary
// and its packages.
//
// Usage:
//
//	logger, err := logging.New(logging.Options{Level: "debug", Format: "console"})
//	server.SetLogger(logger)
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Options controls how a logger is built.
type Options struct {
	App    string    // value of the "app" field (default: "warroom")
	Level  string    // "debug", "info", "warn", "error" (default: "info")
	Format string    // "console" or "json" (default: "console")
	Output io.Writer // default: os.Stdout
}

// ParseLevel converts a level name to a zerolog.Level.
// Unrecognized names map to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// LevelNames returns all valid level names, for --help text.
func LevelNames() string {
	return "debug, info, warn, error"
}

// Validate returns an error if the level string is not recognized.
func Validate(level string) error {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "info", "warn", "warning", "error", "":
		return nil
	default:
		return fmt.Errorf("unknown log level %q (valid: %s)", level, LevelNames())
	}
}

// New returns a logger configured by opts.
func New(opts Options) (zerolog.Logger, error) {
	if err := Validate(opts.Level); err != nil {
		return zerolog.Nop(), err
	}

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	app := opts.App
	if app == "" {
		app = "warroom"
	}

	switch strings.ToLower(opts.Format) {
	case "json":
	case "console", "text", "":
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	default:
		return zerolog.Nop(), fmt.Errorf("unknown log format %q (valid: console, json)", opts.Format)
	}

	return zerolog.New(out).
		Level(ParseLevel(opts.Level)).
		With().
		Timestamp().
		Str("app", app).
		Logger(), nil
}
