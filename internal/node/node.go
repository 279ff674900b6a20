// Package node wires the listener, bootstrap dialer, registry and metrics
// endpoint into one runnable peer.
package node

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/edgepeer/internal/logging"
	"github.com/danmuck/edgepeer/internal/observability"
	"github.com/danmuck/edgepeer/internal/protocol/session"
	"github.com/danmuck/edgepeer/internal/registry"
	"github.com/rs/zerolog"
)

var (
	ErrInvalidConfig = errors.New("node: invalid config")
	ErrNotIPv4       = errors.New("node: peer address is not ipv4")
	ErrNotListening  = errors.New("node: not listening")
)

type Config struct {
	BindAddr    string
	Peers       []string
	MetricsAddr string
	Registry    registry.Config
}

func DefaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:8080",
		Peers:    []string{"127.0.0.1:8080", "127.0.0.1:8081"},
		Registry: registry.DefaultConfig(),
	}
}

func (c Config) Validate() error {
	if _, err := ParsePeerAddr(c.BindAddr); err != nil {
		return fmt.Errorf("%w: bind_addr: %v", ErrInvalidConfig, err)
	}
	for i, raw := range c.Peers {
		if _, err := ParsePeerAddr(raw); err != nil {
			return fmt.Errorf("%w: peers[%d]: %v", ErrInvalidConfig, i, err)
		}
	}
	if addr := strings.TrimSpace(c.MetricsAddr); addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("%w: metrics_addr: %v", ErrInvalidConfig, err)
		}
	}
	if c.Registry.MailboxSize < 0 {
		return fmt.Errorf("%w: mailbox_size is negative", ErrInvalidConfig)
	}
	if err := c.Registry.Session.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// ParsePeerAddr parses an ip:port pair and rejects anything but IPv4.
// IPv4-mapped IPv6 addresses are unmapped.
func ParsePeerAddr(raw string) (netip.AddrPort, error) {
	ap, err := netip.ParseAddrPort(strings.TrimSpace(raw))
	if err != nil {
		return netip.AddrPort{}, err
	}
	return ipv4(ap)
}

func ipv4(ap netip.AddrPort) (netip.AddrPort, error) {
	addr := ap.Addr().Unmap()
	if !addr.Is4() {
		return netip.AddrPort{}, fmt.Errorf("%w: %s", ErrNotIPv4, ap)
	}
	return netip.AddrPortFrom(addr, ap.Port()), nil
}

// Node is one member of the static peer set.
type Node struct {
	cfg Config
	reg *registry.Registry
	log zerolog.Logger
	rng *rand.Rand

	mu sync.Mutex
	ln net.Listener
}

func New(cfg Config) (*Node, error) {
	cfg.Registry.Session = cfg.Registry.Session.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Node{
		cfg: cfg,
		reg: registry.New(cfg.Registry),
		log: logging.For("node"),
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

func (n *Node) Registry() *registry.Registry { return n.reg }

// Listen binds the configured address. Binding "host:0" picks a free port;
// Addr reports the result.
func (n *Node) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp4", n.cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("node: listen %s: %w", n.cfg.BindAddr, err)
	}
	n.mu.Lock()
	n.ln = ln
	n.mu.Unlock()
	n.log.Info().Str("addr", ln.Addr().String()).Msg("listening")
	return ln, nil
}

// Addr returns the bound listener address.
func (n *Node) Addr() (netip.AddrPort, error) {
	n.mu.Lock()
	ln := n.ln
	n.mu.Unlock()
	if ln == nil {
		return netip.AddrPort{}, ErrNotListening
	}
	ap, err := netip.ParseAddrPort(ln.Addr().String())
	if err != nil {
		return netip.AddrPort{}, err
	}
	return ipv4(ap)
}

// Serve accepts inbound peers until ctx is done or the listener fails.
// Accepted non-IPv4 peers are dropped.
func (n *Node) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("node: accept: %w", err)
		}
		remote, err := remoteAddr(conn)
		if err != nil {
			n.log.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("inbound peer rejected")
			_ = conn.Close()
			continue
		}
		n.log.Debug().Str("peer", remote.String()).Msg("inbound peer")
		if err := n.reg.AddPeer(ctx, remote, conn, false); err != nil {
			if errors.Is(err, registry.ErrRegistryClosed) || ctx.Err() != nil {
				return nil
			}
			n.log.Warn().Err(err).Str("peer", remote.String()).Msg("add inbound peer")
		}
	}
}

func remoteAddr(conn net.Conn) (netip.AddrPort, error) {
	if tcp, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return ipv4(tcp.AddrPort())
	}
	return ParsePeerAddr(conn.RemoteAddr().String())
}

// DialPeers connects to every configured peer except this node's own address.
// A peer that cannot be reached within MaxDialAttempts is logged and skipped.
// It returns the number of sessions handed to the registry.
func (n *Node) DialPeers(ctx context.Context) int {
	self, selfErr := n.Addr()
	if selfErr != nil {
		self, _ = ParsePeerAddr(n.cfg.BindAddr)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		connected int
	)
	for _, raw := range n.cfg.Peers {
		addr, err := ParsePeerAddr(raw)
		if err != nil {
			n.log.Warn().Err(err).Str("peer", raw).Msg("skipping peer")
			continue
		}
		// literal match only: a wildcard bind does not hide 127.0.0.1 peers
		if addr == self {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := n.dial(ctx, addr)
			if err != nil {
				n.log.Warn().Err(err).Str("peer", addr.String()).Msg("unable to connect")
				return
			}
			n.log.Info().Str("peer", addr.String()).Msg("connected")
			if err := n.reg.AddPeer(ctx, addr, conn, true); err != nil {
				n.log.Warn().Err(err).Str("peer", addr.String()).Msg("add outbound peer")
				return
			}
			mu.Lock()
			connected++
			mu.Unlock()
		}()
	}
	wg.Wait()
	return connected
}

func (n *Node) dial(ctx context.Context, addr netip.AddrPort) (net.Conn, error) {
	cfg := n.cfg.Registry.Session
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	var attempt int
	for {
		attempt++
		conn, err := dialer.DialContext(ctx, "tcp4", addr.String())
		if err == nil {
			return conn, nil
		}
		if attempt >= cfg.MaxDialAttempts || ctx.Err() != nil {
			return nil, fmt.Errorf("dial %s after %d attempt(s): %w", addr, attempt, err)
		}
		n.mu.Lock()
		delay := session.NextBackoffDelay(cfg.Backoff, attempt, n.rng)
		n.mu.Unlock()
		n.log.Debug().Err(err).Int("attempt", attempt).Dur("backoff", delay).Str("peer", addr.String()).Msg("dial retry")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// Peers returns the live sessions known to the registry.
func (n *Node) Peers(ctx context.Context) ([]session.PeerStatus, error) {
	return n.reg.Peers(ctx)
}

// MetricsHandler serves /metrics and /healthz.
func (n *Node) MetricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-n.reg.Done():
			http.Error(w, "stopped", http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok\n"))
		}
	})
	return mux
}

func (n *Node) serveMetrics(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           n.MetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	n.log.Info().Str("addr", addr).Msg("metrics listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("node: metrics: %w", err)
	}
	return nil
}

// Run starts the registry, listener, bootstrap dials and optional metrics
// server, and blocks until ctx is done or the listener fails. Every session is
// closed before it returns.
func (n *Node) Run(ctx context.Context) error {
	ln, err := n.Listen()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	regErr := make(chan error, 1)
	go func() { regErr <- n.reg.Run(ctx) }()

	serveErr := make(chan error, 1)
	go func() { serveErr <- n.Serve(ctx, ln) }()

	metricsErr := make(chan error, 1)
	if addr := strings.TrimSpace(n.cfg.MetricsAddr); addr != "" {
		go func() { metricsErr <- n.serveMetrics(ctx, addr) }()
	}

	go func() {
		count := n.DialPeers(ctx)
		n.log.Info().Int("connected", count).Int("configured", len(n.cfg.Peers)).Msg("bootstrap dial complete")
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
	case runErr = <-metricsErr:
	}
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := n.reg.Shutdown(shutdownCtx); err != nil {
		n.log.Warn().Err(err).Msg("registry shutdown")
	}
	if err := <-regErr; err != nil && runErr == nil {
		runErr = err
	}
	n.log.Info().Msg("node stopped")
	return runErr
}
