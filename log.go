package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	gap "github.com/muesli/go-app-paths"
	"golang.org/x/term"

	"github.com/naturalspeech/naturalspeech/internal/config"
)

func getLogFilePath() (string, error) {
	dir, err := gap.NewScope(gap.User, "naturalspeech").CacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "naturalspeech.log"), nil
}

// setupLog configures the default logger. Logs go to stderr on a terminal
// and to a file otherwise, or whenever a file is configured.
func setupLog(cfg config.LogConfig) (func() error, error) {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	log.SetLevel(level)
	log.SetReportTimestamp(true)
	if cfg.Format == "json" {
		log.SetFormatter(log.JSONFormatter)
	} else {
		log.SetFormatter(log.TextFormatter)
	}

	logFile := cfg.File
	if logFile == "" && term.IsTerminal(int(os.Stderr.Fd())) { //nolint:gosec
		log.SetOutput(os.Stderr)
		return func() error { return nil }, nil
	}
	if logFile == "" {
		if logFile, err = getLogFilePath(); err != nil {
			log.SetOutput(io.Discard)
			return nil, err
		}
	}
	if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil { //nolint:gosec
		return nil, err
	}
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644) //nolint:gosec
	if err != nil {
		return nil, err
	}
	log.SetOutput(f)
	return f.Close, nil
}
