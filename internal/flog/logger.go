// Package flog is the ambient logging shim every goldfix package logs
// through. It mirrors the teacher's own Logger interface shape (a level
// plus a message plus key/value pairs) but backs it with zerolog instead
// of a print statement, per the ambient-stack requirement: the core
// never calls a sink directly, it calls a Logger.
package flog

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Level mirrors the small, closed set of levels the core ever logs at.
type Level int8

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Logger is the seam every goldfix package depends on. Nothing below
// pkg/fixengine ever imports zerolog directly; everything logs through
// this interface so the sink stays the caller's business.
type Logger interface {
	Log(level Level, msg string, kv ...any)
}

// Nop discards everything. Useful as a zero-value default so package
// constructors never need a nil check before logging.
type Nop struct{}

func (Nop) Log(Level, string, ...any) {}

// Zerolog adapts a zerolog.Logger to the Logger interface.
type Zerolog struct {
	l zerolog.Logger
}

// NewZerolog builds a Logger writing structured JSON to w. Pass
// os.Stderr for typical process use.
func NewZerolog(w io.Writer) Zerolog {
	return Zerolog{l: zerolog.New(w).With().Timestamp().Logger()}
}

// Default is a convenience Logger writing to stderr. It sets no level of
// its own: zerolog's global level decides what is written.
func Default() Zerolog {
	return NewZerolog(os.Stderr)
}

func (z Zerolog) Log(level Level, msg string, kv ...any) {
	var ev *zerolog.Event
	switch level {
	case LevelDebug:
		ev = z.l.Debug()
	case LevelWarn:
		ev = z.l.Warn()
	case LevelError:
		ev = z.l.Error()
	default:
		ev = z.l.Info()
	}
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		ev = ev.Interface(key, kv[i+1])
	}
	ev.Msg(msg)
}
