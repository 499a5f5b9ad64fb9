package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte("database:\n  dsn: file:meter.db\n")
	if errWrite := os.WriteFile(path, content, 0o600); errWrite != nil {
		t.Fatalf("write config: %v", errWrite)
	}

	cfg, errLoad := Load(path)
	if errLoad != nil {
		t.Fatalf("load: %v", errLoad)
	}

	if cfg.Server.Addr != DefaultListenAddr {
		t.Fatalf("addr: got %q want %q", cfg.Server.Addr, DefaultListenAddr)
	}
	if cfg.Proxy.UpstreamTimeout.Std() != DefaultUpstreamTimeout {
		t.Fatalf("upstream timeout: got %s", cfg.Proxy.UpstreamTimeout.Std())
	}
	if got := cfg.Budget.Thresholds; len(got) != 3 || got[0] != 50 || got[1] != 80 || got[2] != 100 {
		t.Fatalf("thresholds: got %v", got)
	}
	if cfg.Pricing.Fallback.InputPriceMicros == 0 || cfg.Pricing.Fallback.OutputPriceMicros == 0 {
		t.Fatalf("fallback pricing must never default to zero")
	}
}

func TestLoadRejectsMissingDSN(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if errWrite := os.WriteFile(path, []byte("server:\n  addr: :9000\n"), 0o600); errWrite != nil {
		t.Fatalf("write config: %v", errWrite)
	}

	if _, errLoad := Load(path); errLoad == nil {
		t.Fatal("expected error for missing dsn")
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte("database:\n  dsn: file:meter.db\nserver:\n  addr: :9000\nproxy:\n  upstream-timeout: 30s\n")
	if errWrite := os.WriteFile(path, content, 0o600); errWrite != nil {
		t.Fatalf("write config: %v", errWrite)
	}

	t.Setenv("METERGATE_ADDR", ":7777")
	cfg, errLoad := Load(path)
	if errLoad != nil {
		t.Fatalf("load: %v", errLoad)
	}
	if cfg.Server.Addr != ":7777" {
		t.Fatalf("env override: got %q", cfg.Server.Addr)
	}
	if cfg.Proxy.UpstreamTimeout.Std() != 30*time.Second {
		t.Fatalf("upstream timeout: got %s", cfg.Proxy.UpstreamTimeout.Std())
	}
}
