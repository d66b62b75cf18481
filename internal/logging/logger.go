// Package logging provides leveled, structured logging for the scrubber and
// the collaborators it drives (copy engine, work queue, daemon).
package logging

import (
	"encoding/json"
	"io"
	"os"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/joeycumines/go-catrate"
)

// Level represents the severity of a log message.
type Level int

const (
	// LevelDebug is for per-operation diagnostics, e.g. every freed region.
	LevelDebug Level = iota
	// LevelInfo is for general information messages.
	LevelInfo
	// LevelWarn is for recoverable anomalies (fallbacks, missed wake-ups).
	LevelWarn
	// LevelError is for error messages.
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// ParseLevel converts a string to a Level. Unknown values map to LevelInfo.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Format represents the output format for log messages.
type Format int

const (
	// FormatJSON outputs logs as JSON objects.
	FormatJSON Format = iota
	// FormatText outputs logs as human-readable text.
	FormatText
)

// ParseFormat converts a string to a Format. Unknown values map to FormatJSON.
func ParseFormat(s string) Format {
	switch s {
	case "json":
		return FormatJSON
	case "text":
		return FormatText
	default:
		return FormatJSON
	}
}

// Entry represents a single log entry.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Component string         `json:"component,omitempty"`
	Device    string         `json:"device,omitempty"`
	File      string         `json:"file,omitempty"`
	Line      int            `json:"line,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// sink is shared by a Logger and everything derived from it via With*.
type sink struct {
	mu      sync.Mutex
	out     io.Writer
	limiter *catrate.Limiter
}

// Logger provides structured logging with configurable levels and formats.
// Derived loggers share the output and the rate limiter of their parent.
type Logger struct {
	mu         sync.Mutex
	sink       *sink
	level      Level
	format     Format
	addCaller  bool
	callerSkip int
	fields     map[string]any
	component  string
	device     string
}

// Config holds configuration for a Logger.
type Config struct {
	Level      Level
	Format     Format
	Output     io.Writer
	AddCaller  bool
	CallerSkip int

	// RateLimits bounds the number of Limited* messages per category, keyed
	// by window. Nil disables limiting. See catrate.NewLimiter for the rules
	// the windows must follow.
	RateLimits map[time.Duration]int
}

// DefaultRateLimits is used by the daemon for hot-path warnings.
func DefaultRateLimits() map[time.Duration]int {
	return map[time.Duration]int{
		time.Second: 5,
		time.Minute: 60,
	}
}

// New creates a new Logger with the given configuration.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	s := &sink{out: out}
	if len(cfg.RateLimits) != 0 {
		s.limiter = catrate.NewLimiter(cfg.RateLimits)
	}
	return &Logger{
		sink:       s,
		level:      cfg.Level,
		format:     cfg.Format,
		addCaller:  cfg.AddCaller,
		callerSkip: cfg.CallerSkip,
		fields:     make(map[string]any),
	}
}

// DefaultLogger returns a logger with default settings.
func DefaultLogger() *Logger {
	return New(Config{
		Level:  LevelInfo,
		Format: FormatJSON,
		Output: os.Stderr,
	})
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return New(Config{Level: LevelError + 1, Output: io.Discard})
}

// SetLevel updates the minimum logging level.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// GetLevel returns the current logging level.
func (l *Logger) GetLevel() Level {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// Enabled reports whether a message at level would be written. Callers on
// hot paths use it to skip building field maps.
func (l *Logger) Enabled(level Level) bool {
	return level >= l.GetLevel()
}

// SetFormat updates the output format.
func (l *Logger) SetFormat(format Format) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.format = format
}

func (l *Logger) derive(fn func(*Logger)) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()

	fields := make(map[string]any, len(l.fields))
	for k, v := range l.fields {
		fields[k] = v
	}
	d := &Logger{
		sink:       l.sink,
		level:      l.level,
		format:     l.format,
		addCaller:  l.addCaller,
		callerSkip: l.callerSkip,
		fields:     fields,
		component:  l.component,
		device:     l.device,
	}
	fn(d)
	return d
}

// With returns a new Logger with the given fields added.
func (l *Logger) With(fields map[string]any) *Logger {
	return l.derive(func(d *Logger) {
		for k, v := range fields {
			d.fields[k] = v
		}
	})
}

// WithComponent returns a new Logger tagged with a component name.
func (l *Logger) WithComponent(name string) *Logger {
	return l.derive(func(d *Logger) { d.component = name })
}

// WithDevice returns a new Logger tagged with the owning device ID.
func (l *Logger) WithDevice(id string) *Logger {
	return l.derive(func(d *Logger) { d.device = id })
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) {
	l.log(LevelDebug, msg, nil)
}

// Debugf logs a debug message with fields.
func (l *Logger) Debugf(msg string, fields map[string]any) {
	l.log(LevelDebug, msg, fields)
}

// Info logs an info message.
func (l *Logger) Info(msg string) {
	l.log(LevelInfo, msg, nil)
}

// Infof logs an info message with fields.
func (l *Logger) Infof(msg string, fields map[string]any) {
	l.log(LevelInfo, msg, fields)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string) {
	l.log(LevelWarn, msg, nil)
}

// Warnf logs a warning message with fields.
func (l *Logger) Warnf(msg string, fields map[string]any) {
	l.log(LevelWarn, msg, fields)
}

// Error logs an error message.
func (l *Logger) Error(msg string) {
	l.log(LevelError, msg, nil)
}

// Errorf logs an error message with fields.
func (l *Logger) Errorf(msg string, fields map[string]any) {
	l.log(LevelError, msg, fields)
}

// LimitedWarnf logs a warning unless category has exceeded the configured
// rate limits. Returns whether the message was allowed through.
func (l *Logger) LimitedWarnf(category string, msg string, fields map[string]any) bool {
	if !l.Enabled(LevelWarn) {
		return false
	}
	if lim := l.sink.limiter; lim != nil {
		if _, ok := lim.Allow(category); !ok {
			return false
		}
	}
	l.log(LevelWarn, msg, fields)
	return true
}

func (l *Logger) log(level Level, msg string, extraFields map[string]any) {
	l.mu.Lock()
	currentLevel := l.level
	format := l.format
	addCaller := l.addCaller
	callerSkip := l.callerSkip
	component := l.component
	device := l.device
	fields := l.fields
	l.mu.Unlock()

	if level < currentLevel {
		return
	}

	entry := Entry{
		Timestamp: time.Now().UTC(),
		Level:     level.String(),
		Message:   msg,
		Component: component,
		Device:    device,
	}

	if addCaller {
		if _, file, line, ok := runtime.Caller(2 + callerSkip); ok {
			entry.File = file
			entry.Line = line
		}
	}

	if len(fields) > 0 || len(extraFields) > 0 {
		entry.Fields = make(map[string]any, len(fields)+len(extraFields))
		for k, v := range fields {
			entry.Fields[k] = v
		}
		for k, v := range extraFields {
			entry.Fields[k] = v
		}
	}

	var data []byte
	switch format {
	case FormatText:
		data = formatText(entry)
	default:
		data, _ = json.Marshal(entry)
		data = append(data, '\n')
	}

	l.sink.mu.Lock()
	_, _ = l.sink.out.Write(data)
	l.sink.mu.Unlock()
}

func formatText(e Entry) []byte {
	buf := make([]byte, 0, 256)
	buf = append(buf, e.Timestamp.Format(time.RFC3339)...)
	buf = append(buf, " ["...)
	buf = append(buf, e.Level...)
	buf = append(buf, "] "...)
	buf = append(buf, e.Message...)

	if e.Component != "" {
		buf = append(buf, " component="...)
		buf = append(buf, e.Component...)
	}
	if e.Device != "" {
		buf = append(buf, " device="...)
		buf = append(buf, e.Device...)
	}
	if e.File != "" {
		buf = append(buf, " file="...)
		buf = append(buf, e.File...)
		buf = append(buf, ':')
		buf = strconv.AppendInt(buf, int64(e.Line), 10)
	}
	for k, v := range e.Fields {
		buf = append(buf, ' ')
		buf = append(buf, k...)
		buf = append(buf, '=')
		switch val := v.(type) {
		case string:
			buf = append(buf, val...)
		default:
			data, _ := json.Marshal(v)
			buf = append(buf, data...)
		}
	}
	buf = append(buf, '\n')
	return buf
}
