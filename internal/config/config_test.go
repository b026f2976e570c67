package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.InternalHost != "127.0.0.1" || cfg.InternalPort != 4180 {
		t.Fatalf("internal defaults = %s:%d", cfg.InternalHost, cfg.InternalPort)
	}
	if cfg.ExternalHost != "0.0.0.0" || cfg.ExternalPort != 4190 {
		t.Fatalf("external defaults = %s:%d", cfg.ExternalHost, cfg.ExternalPort)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"internal_port":5000,"log_level":"debug"}`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("OTTO_INTERNAL_API_PORT", "5001")
	t.Setenv("OTTO_HOME", "/tmp/otto-test")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.InternalPort != 5001 {
		t.Fatalf("env should win over file, port = %d", cfg.InternalPort)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("file value lost, log level = %q", cfg.LogLevel)
	}
	if cfg.DBPath() != "/tmp/otto-test/state.db" {
		t.Fatalf("db path = %q", cfg.DBPath())
	}
	if cfg.InternalTokenPath() != "/tmp/otto-test/secrets/internal-api.token" {
		t.Fatalf("token path = %q", cfg.InternalTokenPath())
	}
}

func TestValidateRejectsNonLoopbackInternalHost(t *testing.T) {
	cfg := Default()
	cfg.InternalHost = "0.0.0.0"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected non-loopback internal host rejected")
	}

	cfg = Default()
	cfg.InternalPort = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected port 0 rejected")
	}
}
