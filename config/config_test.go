package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte("generation:\n  mock_mode: true\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Server.Port != ":8000" {
		t.Fatalf("port = %q, want :8000", cfg.Server.Port)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Database.DSN == "" {
		t.Fatalf("unexpected database defaults: %+v", cfg.Database)
	}
	if cfg.Session.Greeting != DefaultGreeting {
		t.Fatalf("greeting = %q", cfg.Session.Greeting)
	}
	if cfg.Worker.PollInterval != 3*time.Second {
		t.Fatalf("poll interval = %v", cfg.Worker.PollInterval)
	}
	if cfg.Generation.MaxShots != 10 || cfg.Generation.MaxDurationS != 60 {
		t.Fatalf("unexpected generation limits: %+v", cfg.Generation)
	}
}

func TestParseReadsValues(t *testing.T) {
	raw := []byte(`
server:
  port: ":9090"
database:
  driver: mysql
  dsn: "user:pw@tcp(localhost:3306)/prism?parseTime=true"
worker:
  addr: "http://worker:8001"
  poll_interval: 500ms
session:
  max_messages: 50
  strict_transitions: true
`)
	cfg, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Server.Port != ":9090" {
		t.Fatalf("port = %q", cfg.Server.Port)
	}
	if cfg.Database.Driver != "mysql" {
		t.Fatalf("driver = %q", cfg.Database.Driver)
	}
	if cfg.Worker.PollInterval != 500*time.Millisecond {
		t.Fatalf("poll interval = %v", cfg.Worker.PollInterval)
	}
	if cfg.Session.MaxMessages != 50 || !cfg.Session.StrictTransitions {
		t.Fatalf("unexpected session config: %+v", cfg.Session)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"unknown driver", "database:\n  driver: oracle\n  dsn: x\ngeneration:\n  mock_mode: true\n"},
		{"unknown quality", "generation:\n  mock_mode: true\n  default_quality: ultra\n"},
		{"live mode without worker", "generation:\n  mock_mode: false\n"},
		{"unknown gin mode", "server:\n  mode: loud\ngeneration:\n  mock_mode: true\n"},
		{"negative retention", "generation:\n  mock_mode: true\nsession:\n  max_messages: -1\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse([]byte(tc.raw)); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("PRISM_MOCK_MODE", "true")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !cfg.Generation.MockMode {
		t.Fatal("expected PRISM_MOCK_MODE to enable mock mode")
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	raw := "worker:\n  addr: http://from-file\nredis:\n  addr: file:6379\n"
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("PRISM_REDIS_ADDR", "env:6379")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Redis.Addr != "env:6379" {
		t.Fatalf("redis addr = %q, want env override", cfg.Redis.Addr)
	}
	if cfg.Worker.Addr != "http://from-file" {
		t.Fatalf("worker addr = %q", cfg.Worker.Addr)
	}
	if !cfg.RedisEnabled() {
		t.Fatal("expected redis to be enabled")
	}
}
