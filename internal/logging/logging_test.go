package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

// Not parallel: SetupWriter replaces the process-wide default logger.

func TestSetupWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := SetupWriter(&buf, "warn", "")
	if err != nil {
		t.Fatalf("SetupWriter() error = %v", err)
	}
	logger.Info("hidden")
	logger.Warn("queue full", "batch_size", 3)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want only the warning", len(lines))
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["msg"] != "queue full" || entry["batch_size"] != float64(3) {
		t.Fatalf("unexpected entry: %v", entry)
	}
}

func TestSetupWriterTextAndErrors(t *testing.T) {
	var buf bytes.Buffer
	logger, err := SetupWriter(&buf, "INFO", "text")
	if err != nil {
		t.Fatalf("SetupWriter() error = %v", err)
	}
	logger.Info("started")
	if !strings.Contains(buf.String(), "msg=started") {
		t.Fatalf("text output = %q", buf.String())
	}

	if _, err := SetupWriter(&buf, "loud", "json"); err == nil {
		t.Fatalf("expected invalid level error")
	}
	if _, err := SetupWriter(&buf, "info", "xml"); err == nil {
		t.Fatalf("expected invalid format error")
	}
}
