package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fluxusproxy/fluxus/internal/config"
)

func TestDefaultValidates(t *testing.T) {
	if err := config.Default().Validate(); err != nil {
		t.Fatalf("Default().Validate(): %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fluxus.toml")
	body := `
[server]
listen = "127.0.0.1:9000"
name = "test-broker"
universal_password = "hunter2"

[permissions.universal_password_permit.tcp]
can_create = true
can_select_port = true
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Listen != "127.0.0.1:9000" {
		t.Fatalf("Listen = %q", cfg.Server.Listen)
	}
	if !cfg.Server.PasswordEnabled() {
		t.Fatal("expected password auth enabled")
	}
	if cfg.Server.WorkerThreads != 1 {
		t.Fatalf("WorkerThreads = %d, want default 1 preserved", cfg.Server.WorkerThreads)
	}
}

func TestValidateRejectsBadWorkerThreads(t *testing.T) {
	cfg := config.Default()
	cfg.Server.WorkerThreads = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for worker_threads = 0")
	}
}
