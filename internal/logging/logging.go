package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config describes logger runtime configuration.
type Config struct {
	Level       string `mapstructure:"level"`
	Format      string `mapstructure:"format"`
	TimeFormat  string `mapstructure:"time_format"`
	Caller      bool   `mapstructure:"caller"`
	PrettyPrint bool   `mapstructure:"pretty"`
}

// NewLogger constructs a zerolog logger from config.
func NewLogger(cfg Config) zerolog.Logger {
	return newLogger(cfg, logWriter(cfg))
}

func newLogger(cfg Config, writer io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if cfg.TimeFormat != "" {
		zerolog.TimeFieldFormat = cfg.TimeFormat
	}

	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level)); err == nil {
		level = parsed
	}

	logger := zerolog.New(writer).Level(level)
	if !isConsole(cfg) {
		logger = logger.Hook(SeverityHook{})
	}
	builder := logger.With().Timestamp()
	if cfg.Caller {
		builder = builder.Caller()
	}

	return builder.Logger()
}

// SeverityHook mirrors the zerolog level into the Cloud Logging "severity" special field.
type SeverityHook struct{}

// Run implements zerolog.Hook.
func (SeverityHook) Run(e *zerolog.Event, level zerolog.Level, _ string) {
	if severity := Severity(level); severity != "" {
		e.Str("severity", severity)
	}
}

// Severity maps a zerolog level to a Cloud Logging severity name.
func Severity(level zerolog.Level) string {
	switch level {
	case zerolog.TraceLevel, zerolog.DebugLevel:
		return "DEBUG"
	case zerolog.InfoLevel:
		return "INFO"
	case zerolog.WarnLevel:
		return "WARNING"
	case zerolog.ErrorLevel:
		return "ERROR"
	case zerolog.FatalLevel:
		return "CRITICAL"
	case zerolog.PanicLevel:
		return "EMERGENCY"
	default:
		return ""
	}
}

func isConsole(cfg Config) bool {
	return cfg.PrettyPrint || strings.EqualFold(cfg.Format, "console")
}

func logWriter(cfg Config) io.Writer {
	if isConsole(cfg) {
		return zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: zerolog.TimeFieldFormat,
		}
	}
	return os.Stdout
}
