package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/edgepeer/internal/logging"
	"github.com/danmuck/edgepeer/internal/node"
)

// Settings is everything a peerctl process needs at startup.
type Settings struct {
	Node node.Config
	Log  logging.Config
}

// DefaultHeartbeatInterval is the heartbeat period a peerctl process uses
// when neither the config file nor flags set one.
const DefaultHeartbeatInterval = 5 * time.Second

func DefaultSettings() Settings {
	nodeCfg := node.DefaultConfig()
	nodeCfg.Registry.Session.HeartbeatInterval = DefaultHeartbeatInterval
	return Settings{
		Node: nodeCfg,
		Log:  logging.DefaultConfig(logging.ProfileRuntime),
	}
}

// config.toml key mapping to node runtime settings.
type fileConfig struct {
	BindAddr    string      `toml:"bind_addr"`
	Peers       []string    `toml:"peers"`
	MetricsAddr string      `toml:"metrics_addr"`
	MailboxSize int         `toml:"mailbox_size"`
	Session     fileSession `toml:"session"`
	Log         fileLog     `toml:"log"`
}

type fileSession struct {
	ConnectTimeout    string      `toml:"connect_timeout"`
	ReadTimeout       string      `toml:"read_timeout"`
	WriteTimeout      string      `toml:"write_timeout"`
	HeartbeatInterval string      `toml:"heartbeat_interval"`
	SessionDeadAfter  string      `toml:"session_dead_after"`
	MaxDialAttempts   int         `toml:"max_dial_attempts"`
	Announce          string      `toml:"announce"`
	Backoff           fileBackoff `toml:"backoff"`
}

type fileBackoff struct {
	InitialDelay string  `toml:"initial_delay"`
	Multiplier   float64 `toml:"multiplier"`
	MaxDelay     string  `toml:"max_delay"`
	Jitter       bool    `toml:"jitter"`
}

type fileLog struct {
	Level     string `toml:"level"`
	Timestamp bool   `toml:"timestamp"`
	NoColor   bool   `toml:"no_color"`
	JSON      bool   `toml:"json"`
}

// Load decodes path and overlays only the keys it defines onto DefaultSettings.
// EDGEPEER_LOG_* variables are applied last.
func Load(path string) (Settings, error) {
	cfg := DefaultSettings()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Settings{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return Settings{}, fmt.Errorf("load config %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}

	if meta.IsDefined("bind_addr") {
		cfg.Node.BindAddr = strings.TrimSpace(raw.BindAddr)
	}
	if meta.IsDefined("peers") {
		cfg.Node.Peers = trimAll(raw.Peers)
	}
	if meta.IsDefined("metrics_addr") {
		cfg.Node.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if meta.IsDefined("mailbox_size") {
		cfg.Node.Registry.MailboxSize = raw.MailboxSize
	}

	sess := &cfg.Node.Registry.Session
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"connect_timeout", raw.Session.ConnectTimeout, &sess.ConnectTimeout},
		{"read_timeout", raw.Session.ReadTimeout, &sess.ReadTimeout},
		{"write_timeout", raw.Session.WriteTimeout, &sess.WriteTimeout},
		{"heartbeat_interval", raw.Session.HeartbeatInterval, &sess.HeartbeatInterval},
		{"session_dead_after", raw.Session.SessionDeadAfter, &sess.SessionDeadAfter},
	}
	for _, d := range durations {
		if !meta.IsDefined("session", d.key) {
			continue
		}
		if *d.dst, err = parseDuration(d.raw); err != nil {
			return Settings{}, fmt.Errorf("load config: session.%s: %w", d.key, err)
		}
	}
	if meta.IsDefined("session", "max_dial_attempts") {
		sess.MaxDialAttempts = raw.Session.MaxDialAttempts
	}
	if meta.IsDefined("session", "announce") {
		sess.Announce = raw.Session.Announce
	}
	if meta.IsDefined("session", "backoff", "initial_delay") {
		if sess.Backoff.InitialDelay, err = parseDuration(raw.Session.Backoff.InitialDelay); err != nil {
			return Settings{}, fmt.Errorf("load config: session.backoff.initial_delay: %w", err)
		}
	}
	if meta.IsDefined("session", "backoff", "max_delay") {
		if sess.Backoff.MaxDelay, err = parseDuration(raw.Session.Backoff.MaxDelay); err != nil {
			return Settings{}, fmt.Errorf("load config: session.backoff.max_delay: %w", err)
		}
	}
	if meta.IsDefined("session", "backoff", "multiplier") {
		sess.Backoff.Multiplier = raw.Session.Backoff.Multiplier
	}
	if meta.IsDefined("session", "backoff", "jitter") {
		sess.Backoff.Jitter = raw.Session.Backoff.Jitter
	}

	if meta.IsDefined("log", "level") {
		lvl, ok := logging.ParseLevel(raw.Log.Level)
		if !ok {
			return Settings{}, fmt.Errorf("load config: log.level: unknown level %q", raw.Log.Level)
		}
		cfg.Log.Level = lvl
	}
	if meta.IsDefined("log", "timestamp") {
		cfg.Log.Timestamp = raw.Log.Timestamp
	}
	if meta.IsDefined("log", "no_color") {
		cfg.Log.NoColor = raw.Log.NoColor
	}
	if meta.IsDefined("log", "json") {
		cfg.Log.Bypass = raw.Log.JSON
	}
	logging.ApplyEnvOverrides(&cfg.Log)

	if err := cfg.Node.Validate(); err != nil {
		return Settings{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "0" {
		return 0, nil
	}
	return time.ParseDuration(raw)
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
