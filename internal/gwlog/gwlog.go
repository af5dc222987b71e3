// Package gwlog adapts the session engine's structured events onto the
// process-wide zerolog logger. The session, connector, and gateway
// packages depend only on the Logger interface here, never on zerolog
// directly, so the core stays logging-library-agnostic.
package gwlog

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Level names the severity of an emitted event.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Field is one structured key/value pair attached to an event.
type Field struct {
	Key   string
	Value any
}

func F(key string, value any) Field { return Field{Key: key, Value: value} }

// Logger is the adapter boundary the session engine calls into.
type Logger interface {
	Event(level Level, event, message string, fields ...Field)
}

// Zerolog implements Logger over the process-wide zerolog logger, matching
// the {level, event, message, status, context, data, reason, error} record
// shape the collaborator contract names.
type Zerolog struct {
	SessionID string
}

// NewZerolog returns a Logger scoped to one session ID, attached to every
// emitted record so log lines can be correlated per socket.
func NewZerolog(sessionID string) Logger {
	return Zerolog{SessionID: sessionID}
}

func (z Zerolog) Event(level Level, event, message string, fields ...Field) {
	var ev *zerolog.Event
	switch level {
	case LevelDebug:
		ev = log.Debug()
	case LevelWarn:
		ev = log.Warn()
	case LevelError:
		ev = log.Error()
	default:
		ev = log.Info()
	}
	ev = ev.Str("event", event)
	if z.SessionID != "" {
		ev = ev.Str("session_id", z.SessionID)
	}
	for _, f := range fields {
		switch v := f.Value.(type) {
		case string:
			ev = ev.Str(f.Key, v)
		case error:
			ev = ev.AnErr(f.Key, v)
		case int:
			ev = ev.Int(f.Key, v)
		case bool:
			ev = ev.Bool(f.Key, v)
		default:
			ev = ev.Interface(f.Key, v)
		}
	}
	ev.Msg(message)
}

// Noop discards all events; used in tests that don't care about logging.
type Noop struct{}

func (Noop) Event(Level, string, string, ...Field) {}
