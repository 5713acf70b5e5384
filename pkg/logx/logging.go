package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

type Level = zerolog.Level

const (
	LevelTrace = zerolog.TraceLevel
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

const (
	timeFormat      = "2006-01-02T15:04:05.000Z07:00"
	errKey          = "err"
	defaultFilePath = "./barkd.log"
)

// Field is one key/value pair on a log line. The zero Field is skipped.
type Field struct {
	key string
	val any
}

func String(k, v string) Field { return Field{k, v} }
func Int(k string, v int) Field { return Field{k, v} }
func Int64(k string, v int64) Field { return Field{k, v} }
func Uint32(k string, v uint32) Field { return Field{k, v} }
func Uint64(k string, v uint64) Field { return Field{k, v} }
func Bool(k string, v bool) Field { return Field{k, v} }
func Duration(k string, v time.Duration) Field { return Field{k, v} }
func Time(k string, v time.Time) Field { return Field{k, v} }
func Any(k string, v any) Field { return Field{k, v} }

// Err attaches err under "err". A nil error adds nothing.
func Err(err error) Field {
	if err == nil {
		return Field{}
	}
	return Field{errKey, err}
}

func (f Field) write(e *zerolog.Event) {
	if f.key == "" {
		return
	}
	switch v := f.val.(type) {
	case string:
		e.Str(f.key, v)
	case int:
		e.Int(f.key, v)
	case int64:
		e.Int64(f.key, v)
	case uint32:
		e.Uint32(f.key, v)
	case uint64:
		e.Uint64(f.key, v)
	case bool:
		e.Bool(f.key, v)
	case time.Duration:
		e.Dur(f.key, v)
	case time.Time:
		e.Time(f.key, v)
	case error:
		e.AnErr(f.key, v)
	default:
		e.Interface(f.key, v)
	}
}

// sink holds the zerolog logger every derived Logger writes through, so a
// Service.Apply is seen by loggers handed out before it.
type sink struct {
	zl atomic.Pointer[zerolog.Logger]
}

func newSink(zl zerolog.Logger) *sink {
	s := &sink{}
	s.zl.Store(&zl)
	return s
}

func (s *sink) load() *zerolog.Logger {
	if s == nil {
		return nil
	}
	return s.zl.Load()
}

// Logger is a structured logger. The zero value drops everything.
type Logger struct {
	out    *sink
	fields []Field
}

// Nop returns a logger that never writes anything.
func Nop() Logger { return Logger{out: newSink(zerolog.Nop())} }

// NewWriter returns a JSON logger writing to w.
func NewWriter(w io.Writer, level string) Logger {
	return Logger{out: newSink(build(w, level))}
}

func build(w io.Writer, level string) zerolog.Logger {
	zerolog.TimeFieldFormat = timeFormat
	return zerolog.New(w).Level(ParseLevel(level)).With().Timestamp().Logger()
}

func (l Logger) IsZero() bool { return l.out == nil && len(l.fields) == 0 }

// Enabled reports whether level would be written.
func (l Logger) Enabled(level Level) bool {
	zl := l.out.load()
	if zl == nil {
		return false
	}
	return zl.GetLevel() != zerolog.Disabled && level >= zl.GetLevel()
}

func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	fs := make([]Field, 0, len(l.fields)+len(fields))
	fs = append(fs, l.fields...)
	l.fields = append(fs, fields...)
	return l
}

func (l Logger) Trace(msg string, fields ...Field) { l.emit(LevelTrace, msg, fields) }
func (l Logger) Debug(msg string, fields ...Field) { l.emit(LevelDebug, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.emit(LevelInfo, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.emit(LevelWarn, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.emit(LevelError, msg, fields) }

func (l Logger) emit(level Level, msg string, fields []Field) {
	zl := l.out.load()
	if zl == nil {
		return
	}
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	// 0 emit, 1 Info/Warn/..., 2 the caller
	if _, file, line, ok := runtime.Caller(2); ok {
		e.Str(zerolog.CallerFieldName, filepath.Base(file)+":"+strconv.Itoa(line))
	}
	for _, f := range l.fields {
		f.write(e)
	}
	for _, f := range fields {
		f.write(e)
	}
	e.Msg(msg)
}

// ParseLevel maps a config string to a level. Unknown or empty means info.
func ParseLevel(s string) Level {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "warning" {
		s = "warn"
	}
	if s == "" {
		return LevelInfo
	}
	lvl, err := zerolog.ParseLevel(s)
	if err != nil || lvl == zerolog.NoLevel {
		return LevelInfo
	}
	return lvl
}

// Service owns the process sinks and rebuilds them on Apply.
type Service struct {
	out *sink

	mu   sync.Mutex
	file *os.File
}

// New builds the sinks for cfg and returns a Logger that follows later Apply calls.
func New(cfg Config) (*Service, Logger) {
	s := &Service{out: newSink(zerolog.Nop())}
	s.Apply(cfg)
	return s, s.Logger()
}

func (s *Service) Logger() Logger { return Logger{out: s.out} }

// Apply swaps level and sinks. Safe for concurrent use.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, console(os.Stdout))
	}

	var file *os.File
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultFilePath
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: open %s: %v\n", path, err)
		} else {
			file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}
	if len(writers) == 0 {
		writers = append(writers, console(os.Stdout))
	}

	zl := build(zerolog.MultiLevelWriter(writers...), cfg.Level)
	s.out.zl.Store(&zl)

	if s.file != nil {
		_ = s.file.Close()
	}
	s.file = file
}

func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func console(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:          w,
		TimeFormat:   timeFormat,
		FormatCaller: func(i any) string {
			s, _ := i.(string)
			return s
		},
	}
}
