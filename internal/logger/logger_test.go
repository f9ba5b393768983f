package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/snapthumb/snapthumb/internal/config"
)

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewLogger(LoggerConfig{Level: "debug", Console: true, Output: &buf})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}

	WithExport(log, "abc").WithField("size", 10).Info("Export finished")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %q", buf.String())
	}
	if entry["message"] != "Export finished" || entry["export_id"] != "abc" || entry["level"] != "info" {
		t.Errorf("unexpected entry %v", entry)
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Error("timestamp field missing")
	}
}

func TestNewLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewLogger(LoggerConfig{Level: "warn", Output: &buf})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	WithOperation(log, "compress").Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("info logged at warn level: %q", buf.String())
	}

	if _, err := NewLogger(LoggerConfig{Level: "loud"}); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestNewLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "snapthumb.log")
	cfg := FromConfig(config.LoggingConfig{Level: "info", FilePath: path, MaxSize: 1})
	cfg.Console = false

	log, err := NewLogger(cfg)
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	log.Info("to file")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	if !bytes.Contains(data, []byte("to file")) {
		t.Errorf("log file content %q", data)
	}
}
