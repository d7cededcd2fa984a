// Package logging provides structured logging for vclsched using zerolog.
//
// Init configures the package logger once at startup. Components take a child
// logger from WithComponent so every line carries the component name:
//
//	logging.Init(logging.Config{Level: "info", Format: "auto"})
//	logger := logging.WithComponent("orchestrator")
//	logger.Info().Int("computer_id", 12).Msg("state changed")
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// Logger is the process-wide logger. It discards output until Init is called.
var Logger = zerolog.Nop()

// Output formats accepted by Config.Format.
const (
	FormatAuto    = "auto"
	FormatJSON    = "json"
	FormatConsole = "console"
)

// Config holds logging configuration.
type Config struct {
	Level  string
	Format string
	Output io.Writer
}

// ParseLevel maps a configured level name to a zerolog level.
func ParseLevel(value string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return zerolog.InfoLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.NoLevel, fmt.Errorf("unknown log level %q", value)
	}
}

// Init initializes the package logger.
//
// With FormatAuto the console writer is used when the output is a terminal and
// JSON otherwise.
func Init(cfg Config) error {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return err
	}
	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	format := strings.ToLower(strings.TrimSpace(cfg.Format))
	switch format {
	case "", FormatAuto:
		format = FormatJSON
		if isTerminal(output) {
			format = FormatConsole
		}
	case FormatJSON, FormatConsole:
	default:
		return fmt.Errorf("unknown log format %q", cfg.Format)
	}
	if format == FormatConsole {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(output).Level(level).With().Timestamp().Logger()
	return nil
}

// WithComponent creates a child logger with a component field.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
