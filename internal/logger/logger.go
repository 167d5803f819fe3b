package logger

import (
	"io"
	"os"
	"strings"
	"syscall"
	"time"

	"codeberg.org/mutker/canlogd/internal/errors"
	"github.com/rs/zerolog"
)

var log = zerolog.New(os.Stdout).With().Timestamp().Logger()

type LogLevel int8

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

type LogEvent struct {
	*zerolog.Event
}

func (e *LogEvent) Msg(msg string) {
	e.Event.Msg(msg)
}

func (e *LogEvent) Send() {
	e.Event.Send()
}

// Init initializes the logger based on the given configuration
func Init(level LogLevel, isService bool) {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}

	if isService {
		output.TimeFormat = ""
		output.FormatTimestamp = func(_ interface{}) string {
			return ""
		}
	}

	log = zerolog.New(output).With().Timestamp().Logger()

	SetLogLevel(level)
}

// ParseLevel maps a configured level name to a LogLevel.
func ParseLevel(name string) (LogLevel, error) {
	switch strings.ToLower(name) {
	case "debug":
		return DebugLevel, nil
	case "info":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	default:
		return InfoLevel, errors.New().WithData(errors.ErrInvalidLogLevel, name)
	}
}

// SetLogLevel sets the global log level
func SetLogLevel(level LogLevel) {
	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// IsService checks if the application is running as a service
func IsService() bool {
	if _, err := os.Stdin.Stat(); err != nil {
		return true
	}
	if os.Getenv("SERVICE_NAME") != "" || os.Getenv("INVOCATION_ID") != "" {
		return true
	}
	if os.Getppid() == 1 {
		return true
	}

	return syscall.Getpgrp() == syscall.Getpid()
}

// Debug logs a debug message
func Debug() *LogEvent {
	return &LogEvent{log.Debug()}
}

// Info logs an info message
func Info() *LogEvent {
	return &LogEvent{log.Info()}
}

// Warn logs a warning message
func Warn() *LogEvent {
	return &LogEvent{log.Warn()}
}

// Error logs an error message
func Error() *LogEvent {
	return &LogEvent{log.Error()}
}

// ErrorWithCode logs an error message with a specific error code
func ErrorWithCode(err errors.Error) *LogEvent {
	return withCode(log.Error(), err)
}

// Fatal logs a fatal message and exits the program
func Fatal() *LogEvent {
	return &LogEvent{log.Fatal()}
}

// FatalWithCode logs a fatal message with a specific error code and exits the program
func FatalWithCode(err errors.Error) *LogEvent {
	return withCode(log.Fatal(), err)
}

func withCode(event *zerolog.Event, err errors.Error) *LogEvent {
	return &LogEvent{event.
		Str("error_code", string(err.Code())).
		AnErr("error", err)}
}

// instance is a Logger bound to a zerolog.Logger value. Default() resolves
// the package logger lazily so components created before Init still pick
// up the configured output.
type instance struct {
	component string
	base      *zerolog.Logger
}

// Default returns a Logger writing through the package-level logger.
func Default() Logger {
	return &instance{}
}

// New returns a Logger writing JSON lines to w.
func New(w io.Writer) Logger {
	z := zerolog.New(w).With().Timestamp().Logger()
	return &instance{base: &z}
}

// Nop returns a Logger that discards everything.
func Nop() Logger {
	z := zerolog.Nop()
	return &instance{base: &z}
}

func (l *instance) logger() zerolog.Logger {
	z := log
	if l.base != nil {
		z = *l.base
	}
	if l.component != "" {
		z = z.With().Str("component", l.component).Logger()
	}

	return z
}

func (l *instance) Debug() *LogEvent {
	z := l.logger()
	return &LogEvent{z.Debug()}
}

func (l *instance) Info() *LogEvent {
	z := l.logger()
	return &LogEvent{z.Info()}
}

func (l *instance) Warn() *LogEvent {
	z := l.logger()
	return &LogEvent{z.Warn()}
}

func (l *instance) Error() *LogEvent {
	z := l.logger()
	return &LogEvent{z.Error()}
}

func (l *instance) ErrorWithCode(err errors.Error) *LogEvent {
	z := l.logger()
	return withCode(z.Error(), err)
}

func (l *instance) With(component string) Logger {
	return &instance{component: component, base: l.base}
}
