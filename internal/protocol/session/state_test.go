package session

import (
	"errors"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/edgepeer/internal/protocol"
	"github.com/danmuck/edgepeer/internal/testutil/testlog"
)

func TestTransitionTable(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		from State
		msg  protocol.Message
		want State
	}{
		{StateOffline, protocol.Ping(), StateSyncing},
		{StateOffline, protocol.Pong(), StateConnected},
		{StateOffline, protocol.Info("x"), StateOffline},
		{StateOffline, protocol.Heartbeat(1), StateOffline},
		{StateSyncing, protocol.Ping(), StateSyncing},
		{StateSyncing, protocol.Pong(), StateConnected},
		{StateSyncing, protocol.Heartbeat(9), StateSyncing},
		{StateConnected, protocol.Ping(), StateConnected},
		{StateConnected, protocol.Pong(), StateConnected},
		{StateConnected, protocol.Info("x"), StateConnected},
		{StateClosed, protocol.Ping(), StateClosed},
		{StateClosed, protocol.Pong(), StateClosed},
	}
	for _, tc := range cases {
		if got := Transition(tc.from, tc.msg); got != tc.want {
			t.Fatalf("Transition(%s, %s)=%s want %s", tc.from, tc.msg, got, tc.want)
		}
	}
}

func TestProbed(t *testing.T) {
	testlog.Start(t)
	if Probed(StateOffline) != StateSyncing {
		t.Fatalf("offline should move to syncing after the opening ping")
	}
	for _, s := range []State{StateSyncing, StateConnected, StateClosed} {
		if Probed(s) != s {
			t.Fatalf("Probed(%s) changed state", s)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	testlog.Start(t)
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	cfg := DefaultConfig()
	cfg.WriteTimeout = -time.Second
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected negative timeout to be rejected")
	}

	// with several bad fields the first in declaration order is reported
	cfg = DefaultConfig()
	cfg.ConnectTimeout = -time.Second
	cfg.ReadTimeout = -time.Second
	cfg.SessionDeadAfter = -time.Second
	for i := 0; i < 20; i++ {
		err := cfg.Validate()
		if !errors.Is(err, ErrInvalidConfig) || !strings.Contains(err.Error(), "connect_timeout") {
			t.Fatalf("expected connect_timeout to be reported first, got %v", err)
		}
	}

	cfg = DefaultConfig()
	cfg.HeartbeatInterval = time.Second
	cfg.SessionDeadAfter = time.Second
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected dead-after <= heartbeat to be rejected")
	}

	cfg = DefaultConfig()
	cfg.Announce = string(make([]byte, protocol.MaxFrameLength+1))
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected oversized announce to be rejected")
	}
}

func TestConfigWithDefaults(t *testing.T) {
	testlog.Start(t)
	cfg := Config{HeartbeatInterval: time.Second}.WithDefaults()
	def := DefaultConfig()
	if cfg.ConnectTimeout != def.ConnectTimeout || cfg.MaxDialAttempts != def.MaxDialAttempts {
		t.Fatalf("dial defaults not applied: %+v", cfg)
	}
	if cfg.HeartbeatInterval != time.Second {
		t.Fatalf("heartbeat interval overwritten")
	}
	if cfg.SessionDeadAfter != 0 {
		t.Fatalf("liveness must stay opt-in")
	}
	limits := cfg.Limits()
	if limits.WriteTimeout != cfg.WriteTimeout || limits.ReadChunk <= 0 {
		t.Fatalf("unexpected limits: %+v", limits)
	}
}

func TestBackoffDelay(t *testing.T) {
	testlog.Start(t)
	b := BackoffConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: 300 * time.Millisecond}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond, 300 * time.Millisecond}
	for i, w := range want {
		if got := NextBackoffDelay(b, i+1, nil); got != w {
			t.Fatalf("attempt %d: got=%s want=%s", i+1, got, w)
		}
	}

	b.Jitter = true
	rng := rand.New(rand.NewSource(1))
	for attempt := 1; attempt <= 6; attempt++ {
		got := NextBackoffDelay(b, attempt, rng)
		if got < 50*time.Millisecond || got > 450*time.Millisecond {
			t.Fatalf("attempt %d: jittered delay out of range: %s", attempt, got)
		}
	}
}
