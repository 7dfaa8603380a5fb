package core

import (
	"encoding/json"
	"log"
	"os"
	"strings"
	"time"
)

// LogLevel controls which messages a SimpleLogger emits
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// SimpleLogger provides a basic structured logger implementation.
// It writes one JSON object per line to stderr so the module is usable
// without an external logging framework; any structured logger can be
// injected instead by implementing the Logger interface.
type SimpleLogger struct {
	level LogLevel
	out   *log.Logger
}

// NewSimpleLogger creates a new simple logger at Info level
func NewSimpleLogger() *SimpleLogger {
	return &SimpleLogger{
		level: InfoLevel,
		out:   log.New(os.Stderr, "", 0),
	}
}

// SetLevel sets the logging level by name ("DEBUG", "INFO", "WARN", "ERROR")
func (l *SimpleLogger) SetLevel(level string) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		l.level = DebugLevel
	case "INFO":
		l.level = InfoLevel
	case "WARN", "WARNING":
		l.level = WarnLevel
	case "ERROR":
		l.level = ErrorLevel
	}
}

// Debug logs a debug message
func (l *SimpleLogger) Debug(msg string, fields map[string]interface{}) {
	if l.level <= DebugLevel {
		l.log("DEBUG", msg, fields)
	}
}

// Info logs an info message
func (l *SimpleLogger) Info(msg string, fields map[string]interface{}) {
	if l.level <= InfoLevel {
		l.log("INFO", msg, fields)
	}
}

// Warn logs a warning message
func (l *SimpleLogger) Warn(msg string, fields map[string]interface{}) {
	if l.level <= WarnLevel {
		l.log("WARN", msg, fields)
	}
}

// Error logs an error message
func (l *SimpleLogger) Error(msg string, fields map[string]interface{}) {
	if l.level <= ErrorLevel {
		l.log("ERROR", msg, fields)
	}
}

func (l *SimpleLogger) log(level, msg string, fields map[string]interface{}) {
	entry := make(map[string]interface{}, len(fields)+3)
	for k, v := range fields {
		entry[k] = v
	}
	entry["time"] = time.Now().UTC().Format(time.RFC3339)
	entry["level"] = level
	entry["message"] = msg

	data, err := json.Marshal(entry)
	if err != nil {
		// Fields with unmarshalable values fall back to plain formatting
		l.out.Printf("%s %s %s %v", entry["time"], level, msg, fields)
		return
	}
	l.out.Print(string(data))
}

// Ensure SimpleLogger satisfies Logger
var _ Logger = (*SimpleLogger)(nil)
