// Package log wraps github.com/rs/zerolog as the structured logger for
// every write path, startup, recovery, and transport event (ambient
// stack requirement; the storage core's Non-goals exclude the RPC/auth
// surface, not its own logging). It promotes the teacher's
// fmt.Printf-style progress lines to leveled, structured output without
// introducing a second logging idiom into the pack.
package log

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger is the process-wide logger. Init replaces it before any
// component logs; until then it defaults to a plain console writer with
// no level set (zerolog's default global level applies) so package
// tests that log incidentally don't panic.
var Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

// Level names accepted by Init, matching zerolog's own vocabulary.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config selects the process's logging shape.
type Config struct {
	Level  Level
	JSON   bool
	Output io.Writer
}

// Init installs the global Logger per cfg. Called once from
// cmd/concoursed at startup.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	if cfg.JSON {
		Logger = zerolog.New(output).With().Timestamp().Logger()
		return
	}
	Logger = zerolog.New(zerolog.ConsoleWriter{Out: output}).With().Timestamp().Logger()
}
