package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, `
telegram:
  token: "123:abc"
  notify_rate_per_sec: 3
logging:
  level: "debug"
  console: true
storage:
  path: "./data/app.db"
outreach:
  enabled: true
  templates: ["hello"]
  min_delay: "2s"
monitor:
  enabled: false
  keywords: ["web", "bot"]
`)
	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" || cfg.Telegram.NotifyRatePerSec != 3 {
		t.Fatalf("telegram = %+v", cfg.Telegram)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if !cfg.Outreach.Enabled || len(cfg.Outreach.Templates) != 1 || cfg.Outreach.MinDelay != "2s" {
		t.Fatalf("outreach = %+v", cfg.Outreach)
	}
	if cfg.Monitor.Enabled || len(cfg.Monitor.Keywords) != 2 {
		t.Fatalf("monitor = %+v", cfg.Monitor)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
telegram:
  token: "123:abc"
  totally_unknown: true
`)
	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("want error for unknown field")
	}
}

func TestParseDurationField(t *testing.T) {
	d, err := ParseDurationField("outreach.min_delay", "1500ms")
	if err != nil || d != 1500*time.Millisecond {
		t.Fatalf("got %v, %v", d, err)
	}
	if _, err := ParseDurationField("outreach.min_delay", "soon"); err == nil {
		t.Fatal("want error for invalid duration")
	}
	if d, err := ParseDurationOrDefault("x", "", 5*time.Second); err != nil || d != 5*time.Second {
		t.Fatalf("default: got %v, %v", d, err)
	}
}

func TestSubscribePublish(t *testing.T) {
	path := writeConfig(t, `
telegram:
  token: "123:abc"
`)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	next := &Config{}
	next.Telegram.Token = "456:def"
	m.Commit(next)
	m.publish(next)

	select {
	case got := <-ch:
		if got.Telegram.Token != "456:def" {
			t.Fatalf("published token = %q", got.Telegram.Token)
		}
	case <-time.After(time.Second):
		t.Fatal("no published config")
	}
}
