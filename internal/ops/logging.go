package ops

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sandwichfarm/chorus/internal/config"
)

// Logger is a structured logger wrapper
type Logger struct {
	*slog.Logger
	level  slog.Level
	format string
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured logger writing to stdout
func NewLogger(cfg *config.Logging) *Logger {
	return NewLoggerWithWriter(cfg, os.Stdout)
}

// NewLoggerWithWriter creates a logger with a custom writer
func NewLoggerWithWriter(cfg *config.Logging, w io.Writer) *Logger {
	level := parseLevel(cfg.Level)

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format(time.RFC3339))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
		level:  level,
		format: cfg.Format,
	}
}

// Discard returns a logger that drops everything; used by tests and embedders
func Discard() *Logger {
	return NewLoggerWithWriter(&config.Logging{Level: "error", Format: "text"}, io.Discard)
}

// WithComponent adds a component field to all log messages
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger: l.Logger.With("component", component),
		level:  l.level,
		format: l.format,
	}
}

// WithFields adds custom fields to the logger
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger: l.Logger.With(fields...),
		level:  l.level,
		format: l.format,
	}
}

// IsDebugEnabled returns true if debug logging is enabled
func (l *Logger) IsDebugEnabled() bool {
	return l.level <= slog.LevelDebug
}

// LogRelayConnection logs a relay connection event
func (l *Logger) LogRelayConnection(relay string, connected bool, err error) {
	if err != nil {
		l.Warn("relay connection failed",
			"relay", relay,
			"error", err)
	} else if connected {
		l.Info("relay connected",
			"relay", relay)
	} else {
		l.Info("relay disconnected",
			"relay", relay)
	}
}

// LogEventDropped logs a change event that failed validation
func (l *Logger) LogEventDropped(topic, operation string, err error) {
	l.Warn("change event dropped",
		"topic", topic,
		"operation", operation,
		"error", err)
}

// LogMutationSettled logs the final state of an optimistic mutation
func (l *Logger) LogMutationSettled(entityID, action, status string, attempts int, err error) {
	if err != nil {
		l.Warn("mutation settled with error",
			"entity_id", entityID,
			"action", action,
			"status", status,
			"attempts", attempts,
			"error", err)
	} else {
		l.Debug("mutation settled",
			"entity_id", entityID,
			"action", action,
			"status", status,
			"attempts", attempts)
	}
}

// LogPlayback logs a media session transition
func (l *Logger) LogPlayback(itemID, kind, state string, err error) {
	if err != nil {
		l.Warn("playback failed",
			"item_id", itemID,
			"kind", kind,
			"state", state,
			"error", err)
	} else {
		l.Debug("playback transition",
			"item_id", itemID,
			"kind", kind,
			"state", state)
	}
}

// LogResync logs an authoritative refetch of a collection
func (l *Logger) LogResync(collection, reason string, duration time.Duration, err error) {
	if err != nil {
		l.Error("resync failed",
			"collection", collection,
			"reason", reason,
			"duration_ms", duration.Milliseconds(),
			"error", err)
	} else {
		l.Info("resync completed",
			"collection", collection,
			"reason", reason,
			"duration_ms", duration.Milliseconds())
	}
}

// LogStorageOperation logs a storage operation
func (l *Logger) LogStorageOperation(op string, duration time.Duration, err error) {
	if err != nil {
		l.Error("storage operation failed",
			"operation", op,
			"duration_ms", duration.Milliseconds(),
			"error", err)
	} else {
		l.Debug("storage operation completed",
			"operation", op,
			"duration_ms", duration.Milliseconds())
	}
}

// LogStartup logs application startup information
func (l *Logger) LogStartup(version, commit string, fields map[string]any) {
	l.Info("chorus starting",
		"version", version,
		"commit", commit,
		"config", fields)
}

// LogShutdown logs application shutdown
func (l *Logger) LogShutdown(reason string) {
	l.Info("chorus shutting down",
		"reason", reason)
}
