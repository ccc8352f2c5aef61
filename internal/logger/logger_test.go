package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestSetup_ReturnsJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	l := Setup(&buf)

	if l == nil {
		t.Fatal("expected non-nil logger")
	}

	l.Info("test message", slog.String("key", "value"))

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected valid JSON log output, got error: %v\nraw output: %s", err, buf.String())
	}

	if entry["msg"] != "test message" {
		t.Errorf("msg = %q, want %q", entry["msg"], "test message")
	}
	if entry["key"] != "value" {
		t.Errorf("key = %q, want %q", entry["key"], "value")
	}
}

func TestSetup_IncludesTimeField(t *testing.T) {
	var buf bytes.Buffer
	l := Setup(&buf)

	l.Info("test")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}

	if _, ok := entry["time"]; !ok {
		t.Error("expected 'time' field in JSON log output")
	}
}

func TestSetup_IncludesLevelField(t *testing.T) {
	var buf bytes.Buffer
	l := Setup(&buf)

	l.Warn("warning test")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}

	if entry["level"] != "WARN" {
		t.Errorf("level = %q, want %q", entry["level"], "WARN")
	}
}

func TestSetup_MultipleAttributes(t *testing.T) {
	var buf bytes.Buffer
	l := Setup(&buf)

	l.Info("ページを取得しました",
		slog.String("filter", "view-all"),
		slog.String("card_id", "c-456"),
		slog.String("sort_by", "created_at"),
		slog.Int("page_index", 2),
		slog.Int("count", 25),
	)

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}

	if entry["filter"] != "view-all" {
		t.Errorf("filter = %q, want %q", entry["filter"], "view-all")
	}
	if entry["card_id"] != "c-456" {
		t.Errorf("card_id = %q, want %q", entry["card_id"], "c-456")
	}
	if entry["sort_by"] != "created_at" {
		t.Errorf("sort_by = %q, want %q", entry["sort_by"], "created_at")
	}
	if entry["page_index"] != float64(2) {
		t.Errorf("page_index = %v, want %v", entry["page_index"], 2)
	}
	if entry["count"] != float64(25) {
		t.Errorf("count = %v, want %v", entry["count"], 25)
	}
}

func TestSetupDefault_SetsGlobalLogger(t *testing.T) {
	var buf bytes.Buffer
	SetupDefault(&buf)

	slog.Default().Info("global test", slog.String("test_key", "test_val"))

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON: %v\nraw: %s", err, buf.String())
	}

	if entry["msg"] != "global test" {
		t.Errorf("msg = %q, want %q", entry["msg"], "global test")
	}
	if entry["test_key"] != "test_val" {
		t.Errorf("test_key = %q, want %q", entry["test_key"], "test_val")
	}
}

func TestSetLevel(t *testing.T) {
	t.Cleanup(func() { SetLevel("info") })

	tests := []struct {
		input     string
		wantDebug bool
		wantInfo  bool
		wantErr   bool
	}{
		{"debug", true, true, false},
		{"INFO", false, true, false},
		{"", false, true, false},
		{"warn", false, false, false},
		{"error", false, false, false},
		{"verbose", false, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			SetLevel("info")
			err := SetLevel(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("SetLevel(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}

			var buf bytes.Buffer
			l := Setup(&buf)
			l.Debug("debug line")
			gotDebug := buf.Len() > 0
			buf.Reset()
			l.Info("info line")
			gotInfo := buf.Len() > 0

			if gotDebug != tt.wantDebug {
				t.Errorf("debug enabled = %v, want %v", gotDebug, tt.wantDebug)
			}
			if gotInfo != tt.wantInfo {
				t.Errorf("info enabled = %v, want %v", gotInfo, tt.wantInfo)
			}
		})
	}
}
