// config_test.go tests configuration loading, defaults, environment
// overrides, validation, and the Save/Load round trip.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	want := Default()
	if *cfg != want {
		t.Errorf("expected defaults %+v, got %+v", want, *cfg)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
socket_path: /tmp/procmgr-test.sock
socket_mode: "0666"
log_level: debug
max_trace_seconds: 2.5
affinity_missing_ok: false
audit_path: ""
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.SocketPath != "/tmp/procmgr-test.sock" {
		t.Errorf("SocketPath = %q", cfg.SocketPath)
	}
	mode, err := cfg.Mode()
	if err != nil || mode != 0o666 {
		t.Errorf("Mode() = %v, %v; want 0666", mode, err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
	if cfg.MaxTrace() != 2500*time.Millisecond {
		t.Errorf("MaxTrace() = %v", cfg.MaxTrace())
	}
	if cfg.AffinityMissingOK {
		t.Error("expected explicit affinity_missing_ok: false to be honoured")
	}
	if cfg.AuditPath != "" {
		t.Errorf("expected audit disabled, got %q", cfg.AuditPath)
	}
	// Untouched keys keep their defaults.
	if cfg.MaxRequestBytes != 4096 {
		t.Errorf("MaxRequestBytes = %d, want default 4096", cfg.MaxRequestBytes)
	}
	if cfg.RequestTimeout() != 5*time.Second {
		t.Errorf("RequestTimeout() = %v", cfg.RequestTimeout())
	}
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, "socket_path: /tmp/from-file.sock\n")
	t.Setenv("PROCMGR_SOCKET_PATH", "/tmp/from-env.sock")
	t.Setenv("PROCMGR_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.SocketPath != "/tmp/from-env.sock" {
		t.Errorf("SocketPath = %q, want env override", cfg.SocketPath)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn", cfg.LogLevel)
	}
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr error
	}{
		{"empty socket path", "socket_path: \"\"\n", ErrSocketPathRequired},
		{"non-octal mode", "socket_mode: \"rw\"\n", ErrInvalidSocketMode},
		{"mode out of range", "socket_mode: \"7777\"\n", ErrInvalidSocketMode},
		{"unquoted mode", "socket_mode: 0660\n", ErrInvalidSocketMode},
		{"unquoted decimal mode", "socket_mode: 660\n", ErrInvalidSocketMode},
		{"zero request size", "max_request_bytes: 0\n", ErrInvalidRequestSize},
		{"negative timeout", "write_timeout_seconds: -1\n", ErrInvalidTimeout},
		{"zero trace limit", "max_trace_seconds: 0\n", ErrInvalidTraceLimit},
		{"negative retention", "audit_max_entries: -5\n", ErrInvalidAuditRetention},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "socket_path: [unterminated\n"))
	if err == nil {
		t.Fatal("expected error for malformed YAML")
	}
}

func TestSaveThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := Default()
	cfg.SocketPath = "/tmp/saved.sock"
	cfg.SocketGroup = "realtime"
	cfg.AuditMaxEntries = 50

	if err := Save(path, &cfg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if *loaded != cfg {
		t.Errorf("round trip mismatch:\nsaved  %+v\nloaded %+v", cfg, *loaded)
	}
}
