package telemetry

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/appforge/appforge/internal/config"
)

// SetupLogging configures the global zerolog logger. Format "auto" picks the
// console writer when stderr is a terminal and JSON otherwise.
func SetupLogging(cfg config.LogConfig) {
	log.Logger = NewLogger(cfg, os.Stderr, isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()))

	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

// NewLogger builds a logger writing to w.
func NewLogger(cfg config.LogConfig, w io.Writer, tty bool) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	console := false
	switch strings.ToLower(cfg.Format) {
	case "console", "pretty":
		console = true
	case "json":
	default:
		console = tty
	}
	if console {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05", NoColor: !tty}
	}
	return zerolog.New(w).With().Timestamp().Logger()
}
