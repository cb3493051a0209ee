package configwatcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/krishna9304/osce-central-serve-sub000/internal/config"
)

const baseConfig = `
server:
  mode: debug
ai:
  provider: openai
  model: %s
storage:
  local_path: %s
`

func writeConfig(t *testing.T, dir, model string) {
	t.Helper()
	content := []byte(fmt.Sprintf(baseConfig, model, filepath.Join(dir, "uploads")))
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), content, 0644); err != nil {
		t.Fatal(err)
	}
}

func TestWatchConfigReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "first")

	reloaded := make(chan *config.Config, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- WatchConfig(ctx, dir, func(cfg *config.Config) { reloaded <- cfg })
	}()

	// 等待 watcher 注册完成
	time.Sleep(100 * time.Millisecond)
	writeConfig(t, dir, "second")

	select {
	case cfg := <-reloaded:
		if cfg.AI.Model != "second" {
			t.Fatalf("expected reloaded model second, got %q", cfg.AI.Model)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("config was not reloaded")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}
