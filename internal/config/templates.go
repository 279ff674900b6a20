package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "peer", "":
		return peerTemplate, nil
	case "minimal":
		return minimalTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const peerTemplate = `bind_addr = "127.0.0.1:8080"
peers = ["127.0.0.1:8080", "127.0.0.1:8081"]
metrics_addr = "127.0.0.1:9090"
mailbox_size = 16

[session]
connect_timeout = "5s"
read_timeout = "0s"
write_timeout = "15s"
heartbeat_interval = "5s"
session_dead_after = "0s"
max_dial_attempts = 1
announce = ""

[session.backoff]
initial_delay = "250ms"
multiplier = 2.0
max_delay = "5s"
jitter = true

[log]
level = "info"
timestamp = true
no_color = false
json = false
`

const minimalTemplate = `bind_addr = "127.0.0.1:8080"
peers = ["127.0.0.1:8081"]
`
