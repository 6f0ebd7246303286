// Package logging builds the root slog logger from the log section of the
// configuration and installs it into the packages that keep their own.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/garnizeh/redmine-rag/api"
	"github.com/garnizeh/redmine-rag/internal/config"
	"github.com/garnizeh/redmine-rag/internal/extractor"
	"github.com/garnizeh/redmine-rag/internal/llm"
	"github.com/garnizeh/redmine-rag/internal/planner"
	"github.com/garnizeh/redmine-rag/internal/textutil"
	"github.com/garnizeh/redmine-rag/pkg/ollama"
	"github.com/garnizeh/redmine-rag/pkg/redmine"
)

// ParseLevel maps debug|info|warn|error to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// New returns a logger writing to stdout and, when cfg.File is set, to a
// rotating file. The returned closer releases the file.
func New(cfg config.LogConfig, stdout io.Writer) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	if stdout == nil {
		stdout = os.Stdout
	}
	w, closer := stdout, io.Closer(nopCloser{})
	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		w, closer = io.MultiWriter(stdout, lj), lj
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "", "json":
		h = slog.NewJSONHandler(w, opts)
	case "text":
		h = slog.NewTextHandler(w, opts)
	default:
		return nil, nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	return slog.New(h), closer, nil
}

// Install makes l the default logger and the logger of every package that
// logs on its own.
func Install(l *slog.Logger) {
	slog.SetDefault(l)
	api.SetLogger(l)
	llm.SetLogger(l)
	planner.SetLogger(l)
	extractor.SetLogger(l)
	textutil.SetLogger(l)
	ollama.SetLogger(l)
	redmine.SetLogger(l)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
