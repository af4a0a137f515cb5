package zerolog

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"

	"github.com/mihaimyh/goreconcile/pkg/reconcile"
)

func TestZerologLogger_NewLogger(t *testing.T) {
	output := bytes.Buffer{}
	zlog := zerolog.New(&output)
	logger := NewLogger(zlog)

	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}
}

func TestZerologLogger_Levels(t *testing.T) {
	tests := []struct {
		name  string
		log   func(l *Logger)
		level string
	}{
		{name: "debug", log: func(l *Logger) { l.Debug("msg") }, level: "debug"},
		{name: "info", log: func(l *Logger) { l.Info("msg") }, level: "info"},
		{name: "warn", log: func(l *Logger) { l.Warn("msg") }, level: "warn"},
		{name: "error", log: func(l *Logger) { l.Error("msg") }, level: "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output := bytes.Buffer{}
			logger := NewLogger(zerolog.New(&output))

			tt.log(logger)

			if output.Len() == 0 {
				t.Fatal("Expected log output")
			}
			var entry map[string]any
			if err := json.Unmarshal(output.Bytes(), &entry); err != nil {
				t.Fatalf("Unmarshal log line: %v", err)
			}
			if entry["level"] != tt.level {
				t.Errorf("Expected level %s, got %v", tt.level, entry["level"])
			}
		})
	}
}

func TestZerologLogger_Fields(t *testing.T) {
	output := bytes.Buffer{}
	logger := NewLogger(zerolog.New(&output))

	logger.Info("event processed",
		reconcile.Field{Key: "event_id", Value: "evt_1"},
		reconcile.Field{Key: "attempts", Value: 2},
	)

	var entry map[string]any
	if err := json.Unmarshal(output.Bytes(), &entry); err != nil {
		t.Fatalf("Unmarshal log line: %v", err)
	}
	if entry["event_id"] != "evt_1" {
		t.Errorf("Expected event_id field, got %v", entry["event_id"])
	}
	if entry["attempts"] != float64(2) {
		t.Errorf("Expected attempts field, got %v", entry["attempts"])
	}
	if entry["message"] != "event processed" {
		t.Errorf("Expected message, got %v", entry["message"])
	}
}

func TestZerologLogger_SuppressedLevel(t *testing.T) {
	output := bytes.Buffer{}
	logger := NewLogger(zerolog.New(&output).Level(zerolog.InfoLevel))

	logger.Debug("dropped")

	if output.Len() != 0 {
		t.Errorf("Expected debug to be suppressed, got %q", output.String())
	}
}
