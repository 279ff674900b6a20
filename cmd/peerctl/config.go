package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/danmuck/edgepeer/internal/config"
	"github.com/danmuck/edgepeer/internal/logging"
	"github.com/spf13/pflag"
)

// defaultConfigPath is read when present and --config is not given.
const defaultConfigPath = "cmd/peerctl/config.toml"

// parseArgs resolves settings as defaults, then the config file, then flags.
// A single positional argument is taken as the bind address.
func parseArgs(args []string, stderr io.Writer) (config.Settings, error) {
	var (
		configPath  string
		bind        string
		peers       []string
		metricsAddr string
		announce    string
		logLevel    string
		heartbeat   time.Duration
		deadAfter   time.Duration
		dialTries   int
	)
	flags := pflag.NewFlagSet("peerctl", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVarP(&configPath, "config", "c", "", "path to config.toml (default "+defaultConfigPath+" when present)")
	flags.StringVarP(&bind, "bind", "b", "", "listen address, ipv4 host:port")
	flags.StringArrayVarP(&peers, "peer", "p", nil, "peer to dial, ipv4 host:port (repeatable; replaces the config list)")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "serve /metrics and /healthz on this address")
	flags.StringVar(&announce, "announce", "", "info text sent to each peer once connected")
	flags.StringVar(&logLevel, "log-level", "", "trace|debug|info|warn|error|off")
	flags.DurationVar(&heartbeat, "heartbeat", config.DefaultHeartbeatInterval, "heartbeat interval while connected (0 disables)")
	flags.DurationVar(&deadAfter, "dead-after", 0, "close sessions silent for this long (0 disables)")
	flags.IntVar(&dialTries, "dial-attempts", 0, "bootstrap dial attempts per peer")
	flags.Usage = func() {
		fmt.Fprintf(stderr, "usage: peerctl [flags] [bind_addr]\n")
		flags.PrintDefaults()
	}

	if err := flags.Parse(args); err != nil {
		return config.Settings{}, err
	}
	if flags.NArg() > 1 {
		return config.Settings{}, fmt.Errorf("expected at most one positional bind address, got %d", flags.NArg())
	}

	settings := config.DefaultSettings()
	logging.ApplyEnvOverrides(&settings.Log)
	path := strings.TrimSpace(configPath)
	if path == "" {
		if _, err := os.Stat(defaultConfigPath); err == nil {
			path = defaultConfigPath
		}
	}
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return config.Settings{}, err
		}
		settings = loaded
	}

	if flags.NArg() == 1 {
		settings.Node.BindAddr = strings.TrimSpace(flags.Arg(0))
	}
	if flags.Changed("bind") {
		settings.Node.BindAddr = strings.TrimSpace(bind)
	}
	if flags.Changed("peer") {
		settings.Node.Peers = peers
	}
	if flags.Changed("metrics-addr") {
		settings.Node.MetricsAddr = strings.TrimSpace(metricsAddr)
	}
	sess := &settings.Node.Registry.Session
	if flags.Changed("announce") {
		sess.Announce = announce
	}
	if flags.Changed("heartbeat") {
		sess.HeartbeatInterval = heartbeat
	}
	if flags.Changed("dead-after") {
		sess.SessionDeadAfter = deadAfter
	}
	if flags.Changed("dial-attempts") {
		sess.MaxDialAttempts = dialTries
	}
	if flags.Changed("log-level") {
		lvl, ok := logging.ParseLevel(logLevel)
		if !ok {
			return config.Settings{}, fmt.Errorf("unknown log level %q", logLevel)
		}
		settings.Log.Level = lvl
	}

	if err := settings.Node.Validate(); err != nil {
		return config.Settings{}, err
	}
	return settings, nil
}
