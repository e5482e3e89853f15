// Package logging provides JSON structured logging for loadshared, built on zerolog.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config controls how the global and per-component loggers are constructed.
type Config struct {
	Level      string `json:"level" yaml:"level"`
	Debug      bool   `json:"debug" yaml:"debug"`
	Output     string `json:"output" yaml:"output"`
	TimeFormat string `json:"time_format" yaml:"time_format"`
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() *Config {
	return &Config{Level: "info", Output: "stdout"}
}

// Logger is the interface every component in this module depends on instead
// of a concrete zerolog.Logger, so tests can substitute a no-op implementation.
type Logger interface {
	Debug() *zerolog.Event
	Info() *zerolog.Event
	Warn() *zerolog.Event
	Error() *zerolog.Event
	Fatal() *zerolog.Event
	With() zerolog.Context
	WithComponent(component string) Logger
	SetLevel(level zerolog.Level)
}

type zlogger struct {
	l zerolog.Logger
}

// New constructs a standalone Logger from the given configuration. A nil
// config falls back to DefaultConfig.
func New(cfg *Config) (Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var output io.Writer = os.Stdout
	if cfg.Output == "stderr" {
		output = os.Stderr
	}

	level := zerolog.InfoLevel

	if cfg.Debug {
		level = zerolog.DebugLevel
	} else if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return nil, err
		}

		level = parsed
	}

	timeFormat := time.RFC3339
	if cfg.TimeFormat != "" {
		timeFormat = cfg.TimeFormat
	}

	zerolog.TimeFieldFormat = timeFormat

	return &zlogger{l: zerolog.New(output).Level(level).With().Timestamp().Logger()}, nil
}

// NewComponent constructs a Logger tagged with a "component" field.
func NewComponent(component string, cfg *Config) (Logger, error) {
	base, err := New(cfg)
	if err != nil {
		return nil, err
	}

	return base.WithComponent(component), nil
}

func (z *zlogger) Debug() *zerolog.Event { return z.l.Debug() }
func (z *zlogger) Info() *zerolog.Event  { return z.l.Info() }
func (z *zlogger) Warn() *zerolog.Event  { return z.l.Warn() }
func (z *zlogger) Error() *zerolog.Event { return z.l.Error() }
func (z *zlogger) Fatal() *zerolog.Event { return z.l.Fatal() }

func (z *zlogger) With() zerolog.Context { return z.l.With() }

func (z *zlogger) WithComponent(component string) Logger {
	return &zlogger{l: z.l.With().Str("component", component).Logger()}
}

func (z *zlogger) SetLevel(level zerolog.Level) {
	z.l = z.l.Level(level)
}

// Nop returns a Logger that discards everything, for use in tests.
func Nop() Logger {
	return &zlogger{l: zerolog.Nop()}
}
