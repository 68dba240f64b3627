package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"wablast/pkg/logx"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validYAML = `
logging:
  level: debug
  console: true
http:
  addr: ":9090"
storage:
  path: ./data/wablast.db
  busy_timeout: 5s
channel:
  kind: wagate
  wagate:
    base_url: http://127.0.0.1:3000
    token: secret
    status_poll_every: 1s
session:
  link_timeout: 90s
dispatch:
  message_delay: 3s
  progress_grace: 10s
`

func TestLoadValidYAML(t *testing.T) {
	m := NewManager(writeConfig(t, "config.yaml", validYAML), logx.Nop())
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Logging.Level != "debug" || cfg.HTTP.Addr != ":9090" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Channel.Kind != "wagate" || cfg.Channel.Wagate.BaseURL != "http://127.0.0.1:3000" {
		t.Fatalf("channel config: %+v", cfg.Channel)
	}
	if got := m.Get(); got != cfg {
		t.Fatalf("Get did not return committed config")
	}

	d, err := ParseDurationOrDefault("session.link_timeout", cfg.Session.LinkTimeout, time.Minute)
	if err != nil || d != 90*time.Second {
		t.Fatalf("link timeout = %v, %v", d, err)
	}
}

func TestUnknownKeysRejected(t *testing.T) {
	m := NewManager(writeConfig(t, "config.yaml", validYAML+"\nsurprise: true\n"), logx.Nop())
	if _, err := m.Load(); err == nil {
		t.Fatalf("unknown top-level key was accepted")
	}
}

func TestMissingChannelRejected(t *testing.T) {
	raw := `
storage:
  path: ./db
channel:
  kind: wagate
`
	m := NewManager(writeConfig(t, "config.yaml", raw), logx.Nop())
	if _, err := m.Load(); err == nil {
		t.Fatalf("missing wagate section was accepted")
	}
}

func TestBadDurationRejected(t *testing.T) {
	raw := `
storage:
  path: ./db
channel:
  kind: telegram
  telegram:
    token: tok
dispatch:
  message_delay: fast
`
	m := NewManager(writeConfig(t, "config.yaml", raw), logx.Nop())
	if _, err := m.Load(); err == nil {
		t.Fatalf("bad duration was accepted")
	}
}

func TestTelegramTokenFromEnv(t *testing.T) {
	raw := `
storage:
  path: ./db
channel:
  kind: telegram
  telegram: {}
`
	t.Setenv("WABLAST_TELEGRAM_TOKEN", "env-token")
	m := NewManager(writeConfig(t, "config.yaml", raw), logx.Nop())
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Channel.Telegram.Token != "env-token" {
		t.Fatalf("token = %q, want env-token", cfg.Channel.Telegram.Token)
	}
}

func TestParseDurationField(t *testing.T) {
	if _, err := ParseDurationField("x", "250ms"); err != nil {
		t.Fatalf("valid duration: %v", err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty duration: %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatalf("negative duration accepted")
	}
	if _, err := ParseDurationField("x", "soon"); err == nil {
		t.Fatalf("garbage duration accepted")
	}
}

func TestLoadMissingFile(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "absent.yaml"), logx.Nop())
	if _, err := m.Load(); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("load: %v, want ErrNotExist", err)
	}
}
