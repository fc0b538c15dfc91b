// Package logging provides structured logging for the gateway, grounded on
// the studio backend's internal/logging/auth_logger.go entry shape.
package logging

import (
	"encoding/json"
	"log"
	"os"
	"time"
)

// Level is the severity of a log entry.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Entry is a single structured log line.
type Entry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     Level                  `json:"level"`
	Component string                 `json:"component"`
	Operation string                 `json:"operation"`
	RequestID string                 `json:"requestId,omitempty"`
	DurationMs int64                 `json:"durationMs,omitempty"`
	Success   *bool                  `json:"success,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Logger writes newline-delimited JSON entries to an underlying writer.
type Logger struct {
	component string
	std       *log.Logger
}

// New creates a component-scoped logger writing to stderr.
func New(component string) *Logger {
	return &Logger{component: component, std: log.New(os.Stderr, "", 0)}
}

func (l *Logger) emit(level Level, operation, requestID string, d time.Duration, success *bool, details map[string]interface{}) {
	e := Entry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Component: l.component,
		Operation: operation,
		RequestID: requestID,
		Details:   details,
		Success:   success,
	}
	if d > 0 {
		e.DurationMs = d.Milliseconds()
	}
	b, err := json.Marshal(e)
	if err != nil {
		l.std.Printf("log marshal error: %v", err)
		return
	}
	l.std.Println(string(b))
}

// Info logs a successful operation.
func (l *Logger) Info(operation string, details map[string]interface{}) {
	ok := true
	l.emit(LevelInfo, operation, "", 0, &ok, details)
}

// Warn logs a degraded but non-fatal condition.
func (l *Logger) Warn(operation string, details map[string]interface{}) {
	l.emit(LevelWarn, operation, "", 0, nil, details)
}

// Error logs a failed operation. Background tasks use this and keep running
// (spec.md section 7: background tasks swallow and log, never crash).
func (l *Logger) Error(operation string, err error, details map[string]interface{}) {
	if details == nil {
		details = map[string]interface{}{}
	}
	if err != nil {
		details["error"] = err.Error()
	}
	ok := false
	l.emit(LevelError, operation, "", 0, &ok, details)
}

// Timed logs an operation with request ID and duration, mirroring the
// teacher's LogMiddlewareExecution calls.
func (l *Logger) Timed(operation, requestID string, d time.Duration, success bool, details map[string]interface{}) {
	l.emit(LevelInfo, operation, requestID, d, &success, details)
}
