package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide logger. It discards output until Init runs.
var Logger = zerolog.Nop()

// Level is a configured verbosity
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config selects the level, format and destination of Logger
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

var zerologLevels = map[Level]zerolog.Level{
	DebugLevel: zerolog.DebugLevel,
	InfoLevel:  zerolog.InfoLevel,
	WarnLevel:  zerolog.WarnLevel,
	ErrorLevel: zerolog.ErrorLevel,
}

// ParseLevel maps a config string onto a Level, defaulting to info
func ParseLevel(s string) Level {
	if _, ok := zerologLevels[Level(s)]; ok {
		return Level(s)
	}
	return InfoLevel
}

// Init replaces the global Logger. Console output is used unless JSONOutput
// is set; a nil Output writes to stdout.
func Init(cfg Config) {
	zerolog.SetGlobalLevel(zerologLevels[ParseLevel(string(cfg.Level))])

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if !cfg.JSONOutput {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(out).With().Timestamp().Logger()
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithNodeID extends a component or event logger with the node_id field
func WithNodeID(base zerolog.Logger, nodeID string) zerolog.Logger {
	return base.With().Str("node_id", nodeID).Logger()
}

// WithRecoveryEvent creates a child logger with recovery_event_id field
func WithRecoveryEvent(eventID string) zerolog.Logger {
	return Logger.With().Str("recovery_event_id", eventID).Logger()
}
