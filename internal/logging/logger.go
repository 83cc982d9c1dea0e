// Package logging provides the structured logger shared by every engine
// component.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog with the console-writer setup the CLI uses.
type Logger struct {
	zlog zerolog.Logger
}

// New creates a logger writing to w with the given component name attached
// to every event.
func New(component string, w io.Writer) *Logger {
	if w == nil {
		w = os.Stdout
	}
	out := zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	zlog := zerolog.New(out).With().Timestamp().Str("component", component).Logger()
	return &Logger{zlog: zlog}
}

// NewDefault returns a logger writing to stdout under "lantransfer" at
// info level.
func NewDefault() *Logger {
	l := New("lantransfer", os.Stdout)
	l.zlog = l.zlog.Level(zerolog.InfoLevel)
	return l
}

// NewDefaultLevel returns a logger like NewDefault but at debug level
// when debug is true, for the CLI's --verbose flag.
func NewDefaultLevel(debug bool) *Logger {
	l := NewDefault()
	if debug {
		l.zlog = l.zlog.Level(zerolog.DebugLevel)
	}
	return l
}

// Nop returns a logger that discards everything, useful in tests.
func Nop() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

// With returns a child logger tagged with an additional field, e.g. the
// transfer_id under operation.
func (l *Logger) With(key, value string) *Logger {
	return &Logger{zlog: l.zlog.With().Str(key, value).Logger()}
}

func (l *Logger) Info() *zerolog.Event  { return l.zlog.Info() }
func (l *Logger) Warn() *zerolog.Event  { return l.zlog.Warn() }
func (l *Logger) Error() *zerolog.Event { return l.zlog.Error() }
func (l *Logger) Debug() *zerolog.Event { return l.zlog.Debug() }
