package ops

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/sandwichfarm/chorus/internal/config"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config *config.Logging
	}{
		{
			name:   "text format",
			config: &config.Logging{Level: "info", Format: "text"},
		},
		{
			name:   "json format",
			config: &config.Logging{Level: "debug", Format: "json"},
		},
		{
			name:   "unknown level falls back to info",
			config: &config.Logging{Level: "verbose", Format: "text"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(tt.config)
			if logger == nil {
				t.Fatal("expected logger to be created")
			}

			if logger.format != tt.config.Format {
				t.Errorf("expected format %s, got %s", tt.config.Format, logger.format)
			}
		})
	}
}

func TestLoggerWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(&config.Logging{Level: "info", Format: "json"}, &buf)

	logger.WithComponent("subscriber").WithFields("topic", "likes").Info("listening")

	output := buf.String()
	for _, want := range []string{`"component":"subscriber"`, `"topic":"likes"`, "listening"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected output to contain %s, got: %s", want, output)
		}
	}
}

func TestIsDebugEnabled(t *testing.T) {
	tests := []struct {
		name     string
		level    string
		expected bool
	}{
		{"debug level", "debug", true},
		{"info level", "info", false},
		{"warn level", "warn", false},
		{"error level", "error", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(&config.Logging{Level: tt.level, Format: "text"})

			if logger.IsDebugEnabled() != tt.expected {
				t.Errorf("expected IsDebugEnabled to be %v, got %v", tt.expected, logger.IsDebugEnabled())
			}
		})
	}
}

func TestLoggerHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(&config.Logging{Level: "debug", Format: "text"}, &buf)

	logger.LogRelayConnection("wss://relay.test", true, nil)
	logger.LogEventDropped("likes", "delete", errors.New("missing post_id"))
	logger.LogMutationSettled("post-1", "like", "rolled_back", 3, errors.New("boom"))
	logger.LogPlayback("clip1", "audio", "playing", nil)
	logger.LogResync("conversations", "membership", 120, nil)
	logger.LogStorageOperation("journal.record", 5, nil)
	logger.LogStartup("v1.0.0", "abc123", map[string]any{"key": "value"})
	logger.LogShutdown("test shutdown")

	output := buf.String()
	for _, want := range []string{"change event dropped", "mutation settled with error", "resync completed", "chorus shutting down"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected output to contain %q", want)
		}
	}
}

func TestDiscard(t *testing.T) {
	logger := Discard()
	logger.Error("nothing should be written")
	if logger.IsDebugEnabled() {
		t.Error("discard logger should not enable debug")
	}
}
