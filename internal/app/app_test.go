package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

// setTestEnv はインメモリストアで起動できる最小限の環境変数を設定する。
func setTestEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DOCSTORE_DRIVER", "memory")
	t.Setenv("TOKEN_SECRET", "test-token-secret-32bytes-long!!")
	t.Setenv("SERVER_PORT", "0")
	t.Setenv("LOG_LEVEL", "")
}

func TestInit_WithValidConfig_Succeeds(t *testing.T) {
	setTestEnv(t)

	var buf bytes.Buffer
	cfg, err := Init(&buf)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if cfg == nil {
		t.Fatal("expected non-nil config")
	}
	if cfg.DocstoreDriver != "memory" {
		t.Errorf("DocstoreDriver = %q, want %q", cfg.DocstoreDriver, "memory")
	}

	// Verify that slog global logger is configured for JSON output
	slog.Default().Info("init test")
	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON log output, got error: %v\nraw: %s", err, buf.String())
	}
	if entry["msg"] != "init test" {
		t.Errorf("msg = %q, want %q", entry["msg"], "init test")
	}
}

func TestInit_AppliesLogLevel(t *testing.T) {
	setTestEnv(t)
	t.Setenv("LOG_LEVEL", "error")

	var buf bytes.Buffer
	if _, err := Init(&buf); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	slog.Default().Info("should be dropped")
	if buf.Len() != 0 {
		t.Errorf("info log written at error level: %s", buf.String())
	}
}

func TestInit_WithMissingConfig_ReturnsError(t *testing.T) {
	t.Setenv("DOCSTORE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("TOKEN_SECRET", "")

	var buf bytes.Buffer
	cfg, err := Init(&buf)
	if err == nil {
		t.Fatal("expected error for missing required env vars, got nil")
	}
	if cfg != nil {
		t.Error("expected nil config on error")
	}
}

func TestMaskDatabaseURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"postgres://letsgo:secret@db:5432/letsgo", "postgres://l***@..."},
		{"short", "***"},
	}
	for _, tt := range tests {
		if got := maskDatabaseURL(tt.in); got != tt.want {
			t.Errorf("maskDatabaseURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
