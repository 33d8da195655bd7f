// Package logger provides leveled, component-tagged logging for deskbridge.
// Output goes to stderr; an optional file sink can be attached for
// long-running serve sessions.
package logger

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

var levelNames = map[Level]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
}

var (
	mu       sync.Mutex
	level    = INFO
	out      io.Writer = os.Stderr
	fileSink *os.File
)

// SetLevel sets the minimum level that will be emitted.
func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	level = l
}

// SetOutput redirects log output. Used by tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
}

// SetLogFile attaches a file sink in addition to stderr.
func SetLogFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if fileSink != nil {
		fileSink.Close()
	}
	fileSink = f
	return nil
}

// CloseLogFile detaches and closes the file sink, if any.
func CloseLogFile() {
	mu.Lock()
	defer mu.Unlock()
	if fileSink != nil {
		fileSink.Close()
		fileSink = nil
	}
}

func logC(l Level, component, msg string, fields map[string]any) {
	mu.Lock()
	defer mu.Unlock()
	if l < level {
		return
	}

	line := fmt.Sprintf("%s [%s] [%s] %s",
		time.Now().Format("2006-01-02 15:04:05"),
		levelNames[l],
		component,
		msg,
	)

	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
		}
		line += " " + strings.Join(parts, " ")
	}

	fmt.Fprintln(out, line)
	if fileSink != nil {
		fmt.Fprintln(fileSink, line)
	}
}

// DebugC logs a debug message for a component.
func DebugC(component, msg string) { logC(DEBUG, component, msg, nil) }

// InfoC logs an info message for a component.
func InfoC(component, msg string) { logC(INFO, component, msg, nil) }

// WarnC logs a warning for a component.
func WarnC(component, msg string) { logC(WARN, component, msg, nil) }

// ErrorC logs an error for a component.
func ErrorC(component, msg string) { logC(ERROR, component, msg, nil) }

// DebugCF logs a debug message with structured fields.
func DebugCF(component, msg string, fields map[string]any) { logC(DEBUG, component, msg, fields) }

// InfoCF logs an info message with structured fields.
func InfoCF(component, msg string, fields map[string]any) { logC(INFO, component, msg, fields) }

// WarnCF logs a warning with structured fields.
func WarnCF(component, msg string, fields map[string]any) { logC(WARN, component, msg, fields) }

// ErrorCF logs an error with structured fields.
func ErrorCF(component, msg string, fields map[string]any) { logC(ERROR, component, msg, fields) }
