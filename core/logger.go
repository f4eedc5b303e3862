package core

import (
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
)

// LogLevel controls SimpleLogger verbosity.
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// SimpleLogger provides a basic structured logger implementation writing
// key=value lines to the standard logger.
type SimpleLogger struct {
	level LogLevel
	base  map[string]interface{}
}

// NewSimpleLogger creates a new simple logger at the level named by the
// LOG_LEVEL environment variable (default INFO).
func NewSimpleLogger() *SimpleLogger {
	l := &SimpleLogger{level: InfoLevel, base: map[string]interface{}{}}
	l.SetLevel(os.Getenv("LOG_LEVEL"))
	return l
}

// SetLevel sets the logging level by name.
func (l *SimpleLogger) SetLevel(level string) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		l.level = DebugLevel
	case "", "INFO":
		l.level = InfoLevel
	case "WARN", "WARNING":
		l.level = WarnLevel
	case "ERROR":
		l.level = ErrorLevel
	}
}

// WithFields returns a logger that attaches fields to every line.
func (l *SimpleLogger) WithFields(fields map[string]interface{}) *SimpleLogger {
	merged := make(map[string]interface{}, len(l.base)+len(fields))
	for k, v := range l.base {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &SimpleLogger{level: l.level, base: merged}
}

func (l *SimpleLogger) Debug(msg string, fields map[string]interface{}) {
	if l.level <= DebugLevel {
		l.log("DEBUG", msg, fields)
	}
}

func (l *SimpleLogger) Info(msg string, fields map[string]interface{}) {
	if l.level <= InfoLevel {
		l.log("INFO", msg, fields)
	}
}

func (l *SimpleLogger) Warn(msg string, fields map[string]interface{}) {
	if l.level <= WarnLevel {
		l.log("WARN", msg, fields)
	}
}

func (l *SimpleLogger) Error(msg string, fields map[string]interface{}) {
	if l.level <= ErrorLevel {
		l.log("ERROR", msg, fields)
	}
}

func (l *SimpleLogger) log(level, msg string, fields map[string]interface{}) {
	parts := []string{fmt.Sprintf("[%s]", level), msg}

	merged := make(map[string]interface{}, len(l.base)+len(fields))
	for k, v := range l.base {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, merged[k]))
	}

	log.Println(strings.Join(parts, " "))
}
