package postgres

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func withCapturedLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })
	return &buf
}

func TestGooseLogger_Fatalf_LogsAtErrorLevel(t *testing.T) {
	buf := withCapturedLog(t)
	gooseLogger{}.Fatalf("migration %d failed: %s", 42, "syntax error")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log entry: %v", err)
	}
	if entry["level"] != "error" {
		t.Errorf("level = %q, want %q", entry["level"], "error")
	}
	if msg, ok := entry["message"].(string); !ok || msg != "migration 42 failed: syntax error" {
		t.Errorf("message = %q, want %q", entry["message"], "migration 42 failed: syntax error")
	}
}

func TestGooseLogger_Printf_LogsAtInfoLevel(t *testing.T) {
	buf := withCapturedLog(t)
	gooseLogger{}.Printf("applied migration %d", 7)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log entry: %v", err)
	}
	if entry["level"] != "info" {
		t.Errorf("level = %q, want %q", entry["level"], "info")
	}
	if msg, ok := entry["message"].(string); !ok || msg != "applied migration 7" {
		t.Errorf("message = %q, want %q", entry["message"], "applied migration 7")
	}
}
