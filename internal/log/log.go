// Package log wraps zerolog the way this codebase's teachers do: a
// package-level Logger, an explicit Config/Init instead of implicit
// global state, and component-scoped child loggers used instead of ad
// hoc fmt.Println calls.
package log

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger is the process-wide logger, reconfigured by Init.
var Logger zerolog.Logger

// Level mirrors zerolog's levels without exposing the dependency to callers.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Config controls how Init configures the global Logger.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

func init() {
	Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
}

// Init (re)configures the global Logger. Call once at process startup.
func Init(cfg Config) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	var w io.Writer = out
	if !cfg.JSONOutput {
		w = zerolog.ConsoleWriter{Out: out}
	}

	Logger = zerolog.New(w).With().Timestamp().Logger()

	switch cfg.Level {
	case LevelDebug:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case LevelWarn:
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case LevelError:
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// Component returns a child logger tagged with the owning component name.
func Component(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}

// Session returns a child logger tagged with a session id.
func Session(id string) zerolog.Logger {
	return Logger.With().Str("session_id", id).Logger()
}

// Sandbox returns a child logger tagged with a sandbox id.
func Sandbox(id string) zerolog.Logger {
	return Logger.With().Str("sandbox_id", id).Logger()
}
