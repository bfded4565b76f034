package logx

import (
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
)

type Level = zerolog.Level

const (
	LevelTrace = zerolog.TraceLevel
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
	LevelOff   = zerolog.Disabled
)

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

var globalsOnce sync.Once

// setGlobals configures the zerolog package state every logx logger relies on.
func setGlobals() {
	globalsOnce.Do(func() {
		zerolog.ErrorFieldName = "err"
		zerolog.TimeFieldFormat = timeLayout
		zerolog.CallerMarshalFunc = func(_ uintptr, file string, line int) string {
			return filepath.Base(file) + ":" + strconv.Itoa(line)
		}
	})
}

// Logger writes leveled, structured records. The zero value discards them.
type Logger struct {
	src    func() zerolog.Logger
	fields []Field
}

func fixed(zl zerolog.Logger) Logger {
	return Logger{src: func() zerolog.Logger { return zl }}
}

func build(w io.Writer, lvl Level) zerolog.Logger {
	setGlobals()
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// Nop returns a logger that is not zero but never writes.
func Nop() Logger { return fixed(zerolog.Nop()) }

// NewConsole is the bootstrap logger used before any config is loaded.
func NewConsole(level string) Logger {
	return fixed(build(consoleSink(Stdout()), ParseLevel(level, LevelInfo)))
}

// NewWriter writes JSON lines to w.
func NewWriter(w io.Writer, level string) Logger {
	return fixed(build(w, ParseLevel(level, LevelInfo)))
}

// Stdout is where console sinks write.
func Stdout() io.Writer { return os.Stdout }

func consoleSink(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: timeLayout,
		FormatCaller: func(i any) string {
			s, _ := i.(string)
			return s
		},
	}
}

func (l Logger) IsZero() bool { return l.src == nil && len(l.fields) == 0 }

func (l Logger) current() zerolog.Logger {
	if l.src == nil {
		return zerolog.Nop()
	}
	return l.src()
}

// Enabled reports whether a record at level would be written.
func (l Logger) Enabled(level Level) bool {
	floor := l.current().GetLevel()
	return floor != zerolog.Disabled && level >= floor
}

// With returns a logger that adds fields to every record.
func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	out := l
	out.fields = make([]Field, 0, len(l.fields)+len(fields))
	out.fields = append(append(out.fields, l.fields...), fields...)
	return out
}

func (l Logger) Trace(msg string, fields ...Field) { l.emit(LevelTrace, msg, fields) }
func (l Logger) Debug(msg string, fields ...Field) { l.emit(LevelDebug, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.emit(LevelInfo, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.emit(LevelWarn, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.emit(LevelError, msg, fields) }

// emit is always called from one of the level methods above, so the caller
// frame is two levels up.
func (l Logger) emit(level Level, msg string, fields []Field) {
	if !l.Enabled(level) {
		return
	}
	zl := l.current()
	e := zl.WithLevel(level).Caller(2)
	if e == nil {
		return
	}
	for _, f := range l.fields {
		if f != nil {
			f(e)
		}
	}
	for _, f := range fields {
		if f != nil {
			f(e)
		}
	}
	e.Msg(msg)
}
