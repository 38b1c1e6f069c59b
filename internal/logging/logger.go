// Package logging configures the process-wide structured logger and the
// per-operation log files.
//
// Components log through the stdlib logger with a leading "[Component]"
// tag; the bridge below lifts that tag into a slog attribute so the
// structured output stays queryable by component.
package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/arkops/arkmgr/internal/config"
)

var (
	initOnce  sync.Once
	logCloser io.Closer
)

// Init configures slog as the process logger and rebinds the stdlib
// logger to it. Safe to call more than once; only the first call wins.
func Init(cfg config.LoggingConfig) error {
	initOnce.Do(func() {
		output, closer := buildOutput(cfg)
		logCloser = closer

		opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
		var handler slog.Handler
		if strings.EqualFold(cfg.Format, "text") {
			handler = slog.NewTextHandler(output, opts)
		} else {
			handler = slog.NewJSONHandler(output, opts)
		}

		logger := slog.New(handler)
		slog.SetDefault(logger)
		log.SetFlags(0)
		log.SetOutput(componentBridge{logger: logger})
	})
	return nil
}

// Close releases the rotated log file, if one was opened.
func Close() error {
	if logCloser != nil {
		return logCloser.Close()
	}
	return nil
}

// componentBridge adapts stdlib log.Printf lines into slog records,
// splitting a leading "[Component]" tag into its own attribute.
type componentBridge struct {
	logger *slog.Logger
}

func (b componentBridge) Write(p []byte) (int, error) {
	msg := strings.TrimSpace(string(p))
	if msg == "" {
		return len(p), nil
	}
	if component, rest, ok := splitComponent(msg); ok {
		b.logger.Info(rest, "component", component)
	} else {
		b.logger.Info(msg)
	}
	return len(p), nil
}

func splitComponent(msg string) (component, rest string, ok bool) {
	if !strings.HasPrefix(msg, "[") {
		return "", "", false
	}
	end := strings.Index(msg, "] ")
	if end <= 1 {
		return "", "", false
	}
	return msg[1:end], msg[end+2:], true
}

func buildOutput(cfg config.LoggingConfig) (io.Writer, io.Closer) {
	if strings.TrimSpace(cfg.File) == "" {
		return os.Stdout, nil
	}
	rotated := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   true,
	}
	return io.MultiWriter(os.Stdout, rotated), rotated
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
