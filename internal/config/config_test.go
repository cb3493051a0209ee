package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestLoadConfigDefaults(t *testing.T) {
	storage := filepath.Join(t.TempDir(), "reports")
	dir := writeConfig(t, `
server:
  port: "9090"
storage:
  type: local
  local_path: `+storage+`
`)

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != "9090" {
		t.Fatalf("expected port 9090, got %q", cfg.Server.Port)
	}
	if cfg.Queue.Type != "redis" || cfg.Queue.MaxDeliveries != 5 {
		t.Fatalf("unexpected queue defaults: %+v", cfg.Queue)
	}
	if cfg.Session.SweepInterval() != time.Minute {
		t.Fatalf("expected one minute sweep interval, got %s", cfg.Session.SweepInterval())
	}
	if cfg.AI.Provider != "openai" {
		t.Fatalf("expected openai provider, got %q", cfg.AI.Provider)
	}
	if _, err := os.Stat(storage); err != nil {
		t.Fatalf("expected local storage dir to be created: %v", err)
	}
}

func TestLoadConfigRejectsShortSecretInRelease(t *testing.T) {
	dir := writeConfig(t, `
server:
  mode: release
jwt:
  secret: short
storage:
  type: minio
`)
	if _, err := LoadConfig(dir); err == nil {
		t.Fatal("expected error for short jwt secret")
	}
}

func TestLoadConfigRejectsUnknownQueue(t *testing.T) {
	dir := writeConfig(t, `
queue:
  type: kafka
storage:
  type: minio
`)
	if _, err := LoadConfig(dir); err == nil {
		t.Fatal("expected error for unsupported queue type")
	}
}

func TestRetryBackoffFallback(t *testing.T) {
	if got := (QueueConfig{}).RetryBackoff(); got != 10*time.Second {
		t.Fatalf("expected 10s fallback, got %s", got)
	}
	if got := (QueueConfig{RetryBackoffSecs: 3}).RetryBackoff(); got != 3*time.Second {
		t.Fatalf("expected 3s, got %s", got)
	}
}
