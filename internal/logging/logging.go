package logging

import (
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
)

// Options controls logger construction
type Options struct {
	Level  string // trace, debug, info, warn, error
	Format string // text or json
	Output io.Writer
}

// New builds a logger. An unknown level falls back to info.
func New(opts Options) *log.Logger {
	logger := log.New()

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	logger.SetOutput(out)

	levelName := opts.Level
	if levelName == "" {
		levelName = "info"
	}
	level, err := log.ParseLevel(levelName)
	if err != nil {
		fmt.Fprintf(out, "Invalid log level '%s', defaulting to 'info'\n", levelName)
		level = log.InfoLevel
	}
	logger.SetLevel(level)

	switch opts.Format {
	case "json":
		logger.SetFormatter(&log.JSONFormatter{})
	default:
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	return logger
}

// ForRun scopes a logger to a single dispatch
func ForRun(logger log.FieldLogger, runID string) log.FieldLogger {
	return logger.WithFields(log.Fields{
		"category": "dispatch",
		"run_id":   runID,
	})
}
