// Package logger holds the process-wide zerolog logger of the bridge.
//
// Every package gets its own component logger from WithComponent; the
// entry points use Info, Error and Fatal directly.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Level  string `yaml:"level"`
	Debug  bool   `yaml:"debug"`
	Output string `yaml:"output"`

	// Human readable console output instead of JSON lines
	Console bool `yaml:"console"`
}

func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Output: "stderr",
	}
}

// Until Init runs, messages go to stderr at info level.
var root = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Init replaces the root logger. DEBUG wins over any configured level.
func Init(config Config) error {
	level, err := levelOf(config)
	if err != nil {
		return err
	}

	zerolog.TimeFieldFormat = time.RFC3339
	root = zerolog.New(writerFor(config)).Level(level).With().Timestamp().Logger()
	log.Logger = root

	return nil
}

func levelOf(config Config) (zerolog.Level, error) {
	switch {
	case config.Debug:
		return zerolog.DebugLevel, nil
	case config.Level == "":
		return zerolog.InfoLevel, nil
	default:
		return zerolog.ParseLevel(config.Level)
	}
}

// stdout is reserved for gabb-dump output unless asked for explicitly.
func writerFor(config Config) io.Writer {
	var out io.Writer = os.Stderr
	if config.Output == "stdout" {
		out = os.Stdout
	}

	if config.Console {
		return zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	return out
}

func Info() *zerolog.Event {
	return root.Info()
}

func Error() *zerolog.Event {
	return root.Error()
}

func Fatal() *zerolog.Event {
	return root.Fatal()
}

func WithComponent(component string) zerolog.Logger {
	return root.With().Str("component", component).Logger()
}

// NewTestLogger returns a logger that discards everything.
func NewTestLogger() zerolog.Logger {
	return zerolog.New(io.Discard).Level(zerolog.Disabled)
}
