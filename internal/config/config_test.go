package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/edgepeer/internal/testutil/testlog"
	"github.com/rs/zerolog"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadOverlaysDefinedKeysOnly(t *testing.T) {
	testlog.Start(t)
	t.Setenv("EDGEPEER_LOG_LEVEL", "")
	path := writeConfig(t, `
bind_addr = "127.0.0.1:9100"
peers = [" 127.0.0.1:9101 ", ""]

[session]
heartbeat_interval = "2s"
session_dead_after = "10s"
announce = "edge-9100"

[session.backoff]
jitter = false

[log]
level = "warn"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	def := DefaultSettings()

	if cfg.Node.BindAddr != "127.0.0.1:9100" {
		t.Fatalf("bind_addr=%q", cfg.Node.BindAddr)
	}
	if len(cfg.Node.Peers) != 1 || cfg.Node.Peers[0] != "127.0.0.1:9101" {
		t.Fatalf("peers=%v", cfg.Node.Peers)
	}
	sess := cfg.Node.Registry.Session
	if sess.HeartbeatInterval != 2*time.Second || sess.SessionDeadAfter != 10*time.Second {
		t.Fatalf("liveness not loaded: %+v", sess)
	}
	if sess.Announce != "edge-9100" {
		t.Fatalf("announce=%q", sess.Announce)
	}
	if sess.ConnectTimeout != def.Node.Registry.Session.ConnectTimeout {
		t.Fatalf("undefined connect_timeout should keep default, got %s", sess.ConnectTimeout)
	}
	if sess.Backoff.Jitter || sess.Backoff.InitialDelay != def.Node.Registry.Session.Backoff.InitialDelay {
		t.Fatalf("backoff overlay wrong: %+v", sess.Backoff)
	}
	if cfg.Node.Registry.MailboxSize != def.Node.Registry.MailboxSize {
		t.Fatalf("mailbox size changed without a key")
	}
	if cfg.Log.Level != zerolog.WarnLevel {
		t.Fatalf("log level=%s", cfg.Log.Level)
	}
}

func TestLoadEnvWinsOverFile(t *testing.T) {
	testlog.Start(t)
	t.Setenv("EDGEPEER_LOG_LEVEL", "error")
	path := writeConfig(t, "[log]\nlevel = \"debug\"\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Log.Level != zerolog.ErrorLevel {
		t.Fatalf("expected env level to win, got %s", cfg.Log.Level)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"ipv6 peer":      `peers = ["[::1]:9000"]`,
		"bad duration":   "[session]\nconnect_timeout = \"soon\"\n",
		"unknown key":    `bind_adr = "127.0.0.1:1"`,
		"bad level":      "[log]\nlevel = \"loud\"\n",
		"oversized info": "[session]\nannounce = \"" + strings.Repeat("a", 65) + "\"\n",
		"dead before hb": "[session]\nheartbeat_interval = \"5s\"\nsession_dead_after = \"1s\"\n",
		"malformed toml": `bind_addr = `,
	}
	for name, body := range cases {
		if _, err := Load(writeConfig(t, body)); err == nil {
			t.Fatalf("%s: expected load error", name)
		}
	}
}

func TestTemplatesLoad(t *testing.T) {
	testlog.Start(t)
	for _, kind := range []string{"peer", "minimal"} {
		path := filepath.Join(t.TempDir(), kind+".toml")
		if err := WriteTemplate(path, kind, false); err != nil {
			t.Fatalf("write %s template: %v", kind, err)
		}
		if _, err := Load(path); err != nil {
			t.Fatalf("load %s template: %v", kind, err)
		}
		if err := WriteTemplate(path, kind, false); err == nil {
			t.Fatalf("expected refusal to overwrite %s", path)
		}
		if err := WriteTemplate(path, kind, true); err != nil {
			t.Fatalf("forced overwrite: %v", err)
		}
	}
	if _, err := Template("ghost"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}
