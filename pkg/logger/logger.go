// Package logger provides the structured logger used by the supervisor and its workers
package logger

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"golang.org/x/term"
)

// Logger interface for abstracted logging
type Logger interface {
	Info(message string, fields ...Field)
	Error(message string, fields ...Field)
	Warn(message string, fields ...Field)
	Debug(message string, fields ...Field)
	Success(message string, fields ...Field)

	// Log is the collaborator entry point used by the supervisor core.
	// Internal messages are debug-level and only shown with debug logging.
	Log(message string, internal bool)

	WithWorker(label string) Logger
}

// Field represents a structured logging field
type Field struct {
	Key   string
	Value interface{}
}

// WithField creates a new field
func WithField(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// Destinations understood by CreateLogger besides a file path.
const (
	DestinationNone   = "none"
	DestinationStdout = "stdout"
	DestinationStderr = "stderr"
)

// ProcessLogger implements Logger and tags every entry with the label of
// the process that wrote it (CONTROL, a worker name, THREAD:<pid>).
type ProcessLogger struct {
	logger *logrus.Logger
	label  string
	mu     sync.RWMutex
}

// Formatter renders one line per entry: time, pid, level, label, message, fields.
type Formatter struct {
	TimestampFormat string
	DisableColors   bool
}

// Format implements logrus.Formatter
func (f *Formatter) Format(entry *logrus.Entry) ([]byte, error) {
	timestamp := entry.Time.Format(f.TimestampFormat)

	var levelColor *color.Color
	var levelText string

	switch entry.Level {
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		levelColor = color.New(color.FgRed, color.Bold)
		levelText = "ERROR"
	case logrus.WarnLevel:
		levelColor = color.New(color.FgYellow, color.Bold)
		levelText = "WARN"
	case logrus.InfoLevel:
		levelColor = color.New(color.FgCyan)
		levelText = "INFO"
	default:
		levelColor = color.New(color.FgWhite, color.Faint)
		levelText = "DEBUG"
	}

	data := make(logrus.Fields, len(entry.Data))
	for k, v := range entry.Data {
		data[k] = v
	}

	labelPrefix := ""
	if label, ok := data["process"]; ok {
		if f.DisableColors {
			labelPrefix = fmt.Sprintf("[%v] ", label)
		} else {
			labelPrefix = fmt.Sprintf("[%s] ", color.New(color.FgBlue).Sprint(label))
		}
		delete(data, "process")
	}

	level := levelText
	if !f.DisableColors {
		level = levelColor.Sprint(levelText)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %d %s: %s%s", timestamp, os.Getpid(), level, labelPrefix, entry.Message)

	if len(data) > 0 {
		keys := make([]string, 0, len(data))
		for k := range data {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, data[k]))
		}
		fields := " {" + strings.Join(parts, ", ") + "}"
		if f.DisableColors {
			b.WriteString(fields)
		} else {
			b.WriteString(color.New(color.FgWhite, color.Faint).Sprint(fields))
		}
	}

	b.WriteByte('\n')
	return []byte(b.String()), nil
}

// LevelFor maps the debug logging switch onto a logrus level name.
func LevelFor(debug bool) string {
	if debug {
		return "debug"
	}
	return "info"
}

// CreateLogger creates a logger writing to destination.
// An empty destination or "none" disables logging entirely.
func CreateLogger(destination string, logLevel string) Logger {
	var (
		out    io.Writer
		colors bool
	)

	switch destination {
	case "", DestinationNone:
		return NopLogger{}
	case DestinationStdout:
		out = os.Stdout
		colors = term.IsTerminal(int(os.Stdout.Fd()))
	case DestinationStderr:
		out = os.Stderr
		colors = term.IsTerminal(int(os.Stderr.Fd()))
	default:
		file, err := os.OpenFile(destination, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logger: cannot open %s: %v, falling back to stderr\n", destination, err)
			out = os.Stderr
			colors = term.IsTerminal(int(os.Stderr.Fd()))
			break
		}
		out = file
	}

	return newProcessLogger(out, logLevel, !colors)
}

// CreateLoggerWithOutput creates a logger with custom output (for testing)
func CreateLoggerWithOutput(logLevel string, output io.Writer) Logger {
	return newProcessLogger(output, logLevel, true)
}

func newProcessLogger(output io.Writer, logLevel string, disableColors bool) *ProcessLogger {
	log := logrus.New()

	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&Formatter{
		TimestampFormat: "15:04:05.000",
		DisableColors:   disableColors,
	})
	log.SetOutput(output)

	return &ProcessLogger{logger: log}
}

// WithWorker creates a new logger labelled with a process label
func (l *ProcessLogger) WithWorker(label string) Logger {
	return &ProcessLogger{
		logger: l.logger,
		label:  label,
	}
}

// convertFields converts Field slice to logrus.Fields
func (l *ProcessLogger) convertFields(fields []Field) logrus.Fields {
	result := make(logrus.Fields, len(fields)+1)
	if l.label != "" {
		result["process"] = l.label
	}
	for _, f := range fields {
		result[f.Key] = f.Value
	}
	return result
}

// Info logs an info message
func (l *ProcessLogger) Info(message string, fields ...Field) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	l.logger.WithFields(l.convertFields(fields)).Info(message)
}

// Error logs an error message
func (l *ProcessLogger) Error(message string, fields ...Field) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	l.logger.WithFields(l.convertFields(fields)).Error(message)
}

// Warn logs a warning message
func (l *ProcessLogger) Warn(message string, fields ...Field) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	l.logger.WithFields(l.convertFields(fields)).Warn(message)
}

// Debug logs a debug message
func (l *ProcessLogger) Debug(message string, fields ...Field) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	l.logger.WithFields(l.convertFields(fields)).Debug(message)
}

// Success logs a success message (info level with a check mark)
func (l *ProcessLogger) Success(message string, fields ...Field) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	l.logger.WithFields(l.convertFields(fields)).Info("✓ " + message)
}

// Log implements the core collaborator contract.
func (l *ProcessLogger) Log(message string, internal bool) {
	if internal {
		l.Debug(message)
		return
	}
	l.Info(message)
}

// NopLogger discards everything. Used when no log destination is configured.
type NopLogger struct{}

func (NopLogger) Info(string, ...Field)    {}
func (NopLogger) Error(string, ...Field)   {}
func (NopLogger) Warn(string, ...Field)    {}
func (NopLogger) Debug(string, ...Field)   {}
func (NopLogger) Success(string, ...Field) {}
func (NopLogger) Log(string, bool)         {}
func (NopLogger) WithWorker(string) Logger { return NopLogger{} }

// ConsoleLogger provides simple console output for CLI
type ConsoleLogger struct {
	out    io.Writer
	errOut io.Writer
}

// NewConsoleLogger creates a console logger for CLI output
func NewConsoleLogger(out, errOut io.Writer) *ConsoleLogger {
	return &ConsoleLogger{out: out, errOut: errOut}
}

// Info prints info message
func (c *ConsoleLogger) Info(message string) {
	fmt.Fprintf(c.out, "%s %s\n", color.CyanString("[forkpool]"), message)
}

// Error prints error message
func (c *ConsoleLogger) Error(message string) {
	fmt.Fprintf(c.errOut, "%s %s\n", color.RedString("[forkpool]"), message)
}

// Warn prints warning message
func (c *ConsoleLogger) Warn(message string) {
	fmt.Fprintf(c.out, "%s %s\n", color.YellowString("[forkpool]"), message)
}

// Success prints success message
func (c *ConsoleLogger) Success(message string) {
	fmt.Fprintf(c.out, "%s ✓ %s\n", color.GreenString("[forkpool]"), message)
}
