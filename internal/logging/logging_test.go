package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNew_Levels(t *testing.T) {
	tests := []struct {
		level     string
		debugOn   bool
		warnOn    bool
		wantError bool
	}{
		{"debug", true, true, false},
		{"info", false, true, false},
		{"WARN", false, true, false},
		{"loud", false, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger, err := New(tt.level)
			if tt.wantError {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			core := logger.Core()
			if core.Enabled(zapcore.DebugLevel) != tt.debugOn {
				t.Errorf("debug enabled = %v", !tt.debugOn)
			}
			if core.Enabled(zapcore.WarnLevel) != tt.warnOn {
				t.Errorf("warn enabled = %v", !tt.warnOn)
			}
		})
	}
}

func TestBuild_WritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.jsonl")
	logger, err := build(zapcore.InfoLevel, []string{path})
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("gateway ready", zap.Int("tools", 12))
	logger.Debug("hidden")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1:\n%s", len(lines), data)
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatal(err)
	}
	if entry["msg"] != "gateway ready" || entry["logger"] != "osiris-mcp" {
		t.Errorf("entry = %v", entry)
	}
	if entry["tools"] != float64(12) {
		t.Errorf("tools = %v", entry["tools"])
	}
	if _, ok := entry["ts"]; !ok {
		t.Error("ts missing")
	}
}
