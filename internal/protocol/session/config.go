package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/edgepeer/internal/protocol"
	"github.com/danmuck/edgepeer/internal/protocol/frame"
)

var ErrInvalidConfig = errors.New("session: invalid config")

// BackoffConfig defines dial retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines per-link timing and liveness.
// Zero HeartbeatInterval disables periodic heartbeats; zero SessionDeadAfter
// disables dead-peer eviction. ReadTimeout stays zero unless every peer is
// known to send heartbeats, otherwise quiet peers are dropped.
type Config struct {
	ConnectTimeout    time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
	SessionDeadAfter  time.Duration
	MaxDialAttempts   int
	Announce          string
	Backoff           BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:  5 * time.Second,
		WriteTimeout:    15 * time.Second,
		MaxDialAttempts: 1,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills unset dial fields from DefaultConfig. Liveness fields are left alone.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.MaxDialAttempts <= 0 {
		c.MaxDialAttempts = def.MaxDialAttempts
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff.InitialDelay = def.Backoff.InitialDelay
	}
	if c.Backoff.Multiplier < 1.0 {
		c.Backoff.Multiplier = def.Backoff.Multiplier
	}
	if c.Backoff.MaxDelay <= 0 {
		c.Backoff.MaxDelay = def.Backoff.MaxDelay
	}
	return c
}

func (c Config) Validate() error {
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"connect_timeout", c.ConnectTimeout},
		{"read_timeout", c.ReadTimeout},
		{"write_timeout", c.WriteTimeout},
		{"heartbeat_interval", c.HeartbeatInterval},
		{"session_dead_after", c.SessionDeadAfter},
	} {
		if d.value < 0 {
			return fmt.Errorf("%w: %s is negative", ErrInvalidConfig, d.name)
		}
	}
	if c.HeartbeatInterval > 0 && c.SessionDeadAfter > 0 && c.SessionDeadAfter <= c.HeartbeatInterval {
		return fmt.Errorf("%w: session_dead_after must exceed heartbeat_interval", ErrInvalidConfig)
	}
	if c.Announce != "" {
		if err := protocol.Info(c.Announce).Validate(); err != nil {
			return fmt.Errorf("%w: announce: %v", ErrInvalidConfig, err)
		}
	}
	return nil
}

// Limits maps the link timeouts onto frame buffering limits.
func (c Config) Limits() frame.Limits {
	limits := frame.DefaultLimits()
	limits.ReadTimeout = c.ReadTimeout
	limits.WriteTimeout = c.WriteTimeout
	return limits
}
