package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNewJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "debug", "json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if logger.GetLevel() != logrus.DebugLevel {
		t.Errorf("expected debug level, got %s", logger.GetLevel())
	}

	logger.WithField("facilitator", "alpha").Info("settled")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON output, got %q", buf.String())
	}
	if entry["facilitator"] != "alpha" {
		t.Errorf("expected facilitator field, got %v", entry)
	}
}

func TestNewRejectsBadSettings(t *testing.T) {
	if _, err := New(nil, "loud", "text"); err == nil {
		t.Error("expected error for unknown level")
	}
	if _, err := New(nil, "info", "xml"); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestNewModuleLogger(t *testing.T) {
	logger := NewModuleLogger("gateway")
	if logger == nil {
		t.Fatal("expected logger")
	}
}
