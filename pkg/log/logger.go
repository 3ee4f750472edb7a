// Structured logging for the probe calibration host
//
// Levelled, prefix-per-component logging with optional structured fields,
// text or JSON output and ANSI colour on terminals.
//
// Copyright (C) 2026  probecal developers
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR"}

// String returns the string representation of the log level
func (l LogLevel) String() string {
	if l < DEBUG || l > ERROR {
		return "UNKNOWN"
	}
	return levelNames[l]
}

// ParseLevel parses a string into a LogLevel, defaulting to INFO
func ParseLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// OutputFormat specifies the output format for log messages
type OutputFormat int

const (
	FormatText OutputFormat = iota
	FormatJSON
)

// Fields is a map of structured logging fields
type Fields map[string]interface{}

// Logger writes levelled messages for one component.
// Loggers derived with WithPrefix share the parent's sink.
type Logger struct {
	sink   *sink
	prefix string
}

// sink holds the output settings shared by a family of loggers.
type sink struct {
	mu         sync.Mutex
	writer     io.Writer
	level      LogLevel
	timeFormat string
	colorize   bool
	format     OutputFormat
	caller     bool
}

// Entry carries fields for a single log call
type Entry struct {
	logger *Logger
	fields Fields
}

var ansiColors = map[LogLevel]string{
	DEBUG: "\x1b[36m",
	INFO:  "\x1b[32m",
	WARN:  "\x1b[33m",
	ERROR: "\x1b[31m",
}

const ansiReset = "\x1b[0m"

// New creates a new logger with the given prefix writing to stderr
func New(prefix string) *Logger {
	return &Logger{
		prefix: prefix,
		sink: &sink{
			writer:     os.Stderr,
			level:      INFO,
			timeFormat: "2006-01-02 15:04:05.000",
			colorize:   os.Getenv("NO_COLOR") == "",
			format:     FormatText,
		},
	}
}

// SetLevel sets the minimum log level
func (l *Logger) SetLevel(level LogLevel) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.level = level
}

// GetLevel returns the current log level
func (l *Logger) GetLevel() LogLevel {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	return l.sink.level
}

// SetWriter sets the output writer
func (l *Logger) SetWriter(w io.Writer) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.writer = w
}

// SetColorize enables or disables ANSI colours
func (l *Logger) SetColorize(enable bool) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.colorize = enable
}

// SetFormat sets the output format
func (l *Logger) SetFormat(format OutputFormat) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.format = format
}

// SetCaller enables file:line caller info
func (l *Logger) SetCaller(enable bool) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.caller = enable
}

// Prefix returns the component prefix
func (l *Logger) Prefix() string {
	return l.prefix
}

// WithPrefix returns a logger for another component sharing this sink
func (l *Logger) WithPrefix(prefix string) *Logger {
	return &Logger{sink: l.sink, prefix: prefix}
}

// WithField returns an Entry with the given field
func (l *Logger) WithField(key string, value interface{}) *Entry {
	return &Entry{logger: l, fields: Fields{key: value}}
}

// WithFields returns an Entry with the given fields
func (l *Logger) WithFields(fields Fields) *Entry {
	return &Entry{logger: l, fields: fields}
}

// WithError returns an Entry with the error field set
func (l *Logger) WithError(err error) *Entry {
	return l.WithField("error", err.Error())
}

// Debug logs a message at DEBUG level
func (l *Logger) Debug(msg string, args ...interface{}) { l.emit(DEBUG, msg, args, nil) }

// Info logs a message at INFO level
func (l *Logger) Info(msg string, args ...interface{}) { l.emit(INFO, msg, args, nil) }

// Warn logs a message at WARN level
func (l *Logger) Warn(msg string, args ...interface{}) { l.emit(WARN, msg, args, nil) }

// Error logs a message at ERROR level
func (l *Logger) Error(msg string, args ...interface{}) { l.emit(ERROR, msg, args, nil) }

// callerSkip is the stack depth from the public log call to runtime.Caller.
const callerSkip = 3

func (l *Logger) emit(level LogLevel, msg string, args []interface{}, fields Fields) {
	s := l.sink
	s.mu.Lock()
	defer s.mu.Unlock()

	if level < s.level {
		return
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	var where string
	if s.caller {
		where = callerInfo(callerSkip)
	}
	var out string
	if s.format == FormatJSON {
		out = l.renderJSON(level, msg, where, fields)
	} else {
		out = l.renderText(level, msg, where, fields)
	}
	io.WriteString(s.writer, out)
}

func callerInfo(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown:0"
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}

func (l *Logger) renderText(level LogLevel, msg, where string, fields Fields) string {
	s := l.sink
	var sb strings.Builder
	sb.WriteString(time.Now().Format(s.timeFormat))
	fmt.Fprintf(&sb, " [%-5s] ", level.String())
	if s.colorize {
		sb.WriteString(ansiColors[level])
		sb.WriteString(l.prefix)
		sb.WriteString(ansiReset)
	} else {
		sb.WriteString(l.prefix)
	}
	sb.WriteString(": ")
	sb.WriteString(msg)
	if where != "" {
		fmt.Fprintf(&sb, " (%s)", where)
	}
	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString(" {")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%s=%v", k, fields[k])
		}
		sb.WriteString("}")
	}
	sb.WriteByte('\n')
	return sb.String()
}

// JSONLogEntry is the structure for JSON formatted log entries
type JSONLogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Logger    string                 `json:"logger"`
	Message   string                 `json:"message"`
	Caller    string                 `json:"caller,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

func (l *Logger) renderJSON(level LogLevel, msg, where string, fields Fields) string {
	entry := JSONLogEntry{
		Timestamp: time.Now().Format(time.RFC3339Nano),
		Level:     level.String(),
		Logger:    l.prefix,
		Message:   msg,
		Caller:    where,
	}
	if len(fields) > 0 {
		entry.Fields = fields
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal log entry: %v"}`+"\n", err)
	}
	return string(data) + "\n"
}

// WithField adds a field to the entry
func (e *Entry) WithField(key string, value interface{}) *Entry {
	return e.WithFields(Fields{key: value})
}

// WithFields adds multiple fields to the entry
func (e *Entry) WithFields(fields Fields) *Entry {
	merged := make(Fields, len(e.fields)+len(fields))
	for k, v := range e.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Entry{logger: e.logger, fields: merged}
}

// WithError adds an error field to the entry
func (e *Entry) WithError(err error) *Entry {
	return e.WithField("error", err.Error())
}

// Debug logs at DEBUG level with fields
func (e *Entry) Debug(msg string) { e.logger.emit(DEBUG, msg, nil, e.fields) }

// Info logs at INFO level with fields
func (e *Entry) Info(msg string) { e.logger.emit(INFO, msg, nil, e.fields) }

// Warn logs at WARN level with fields
func (e *Entry) Warn(msg string) { e.logger.emit(WARN, msg, nil, e.fields) }

// Error logs at ERROR level with fields
func (e *Entry) Error(msg string) { e.logger.emit(ERROR, msg, nil, e.fields) }

var (
	defaultMu     sync.Mutex
	defaultLogger *Logger
)

// SetDefaultLogger replaces the process-wide root logger
func SetDefaultLogger(logger *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = logger
}

// GetLogger returns a component logger derived from the root logger
func GetLogger(prefix string) *Logger {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger = New("probecal")
		ConfigureFromEnv(defaultLogger)
	}
	return defaultLogger.WithPrefix(prefix)
}

// ConfigureFromEnv applies environment-based configuration to the logger.
// Environment variables:
//   - PROBECAL_LOG_LEVEL: DEBUG, INFO, WARN, ERROR
//   - PROBECAL_LOG_FORMAT: text, json
//   - PROBECAL_LOG_CALLER: any non-empty value enables caller info
//   - NO_COLOR: any non-empty value disables colors
func ConfigureFromEnv(l *Logger) {
	if v := os.Getenv("PROBECAL_LOG_LEVEL"); v != "" {
		l.SetLevel(ParseLevel(v))
	}
	switch strings.ToLower(os.Getenv("PROBECAL_LOG_FORMAT")) {
	case "json":
		l.SetFormat(FormatJSON)
	case "text":
		l.SetFormat(FormatText)
	}
	if os.Getenv("PROBECAL_LOG_CALLER") != "" {
		l.SetCaller(true)
	}
	if os.Getenv("NO_COLOR") != "" {
		l.SetColorize(false)
	}
}
