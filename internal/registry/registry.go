// Package registry owns the set of live peer sessions. A single goroutine
// (Run) holds the session table; everything else talks to it through a
// bounded mailbox.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"sort"
	"sync"

	"github.com/danmuck/edgepeer/internal/logging"
	"github.com/danmuck/edgepeer/internal/observability"
	"github.com/danmuck/edgepeer/internal/protocol/frame"
	"github.com/danmuck/edgepeer/internal/protocol/session"
	"github.com/rs/zerolog"
)

var (
	ErrRegistryClosed = errors.New("registry: closed")
	ErrAlreadyRunning = errors.New("registry: already running")
	ErrUnknownPeer    = errors.New("registry: unknown peer")
)

const DefaultMailboxSize = 16

// Event names used in logs and the mailbox metric.
const (
	EventAddPeer      = "add_peer"
	EventInfo         = "info_received"
	EventStateChanged = "state_changed"
	EventPeerClosed   = "peer_closed"
	EventSnapshot     = "snapshot"
	EventSendInfo     = "send_info"
	EventShutdown     = "shutdown"
)

type Config struct {
	MailboxSize int
	Session     session.Config
	// InfoHook, when set, is called on the registry goroutine for every Info
	// a session receives. It must not block.
	InfoHook func(from session.PeerStatus, text string)
}

func DefaultConfig() Config {
	return Config{
		MailboxSize: DefaultMailboxSize,
		Session:     session.DefaultConfig(),
	}
}

type event interface {
	name() string
}

type addPeerEvent struct {
	addr     netip.AddrPort
	conn     io.ReadWriteCloser
	outbound bool
}

type infoEvent struct {
	from session.PeerStatus
	text string
}

type stateEvent struct {
	status session.PeerStatus
}

type closedEvent struct {
	status session.PeerStatus
	cause  error
}

type snapshotEvent struct {
	reply chan []session.PeerStatus
}

type sendInfoEvent struct {
	ctx   context.Context
	addr  netip.AddrPort
	text  string
	reply chan error
}

type shutdownEvent struct{}

func (addPeerEvent) name() string  { return EventAddPeer }
func (infoEvent) name() string     { return EventInfo }
func (stateEvent) name() string    { return EventStateChanged }
func (closedEvent) name() string   { return EventPeerClosed }
func (snapshotEvent) name() string { return EventSnapshot }
func (sendInfoEvent) name() string { return EventSendInfo }
func (shutdownEvent) name() string { return EventShutdown }

type record struct {
	peer  *session.Peer
	infos uint64
}

// Registry is the command bus. Producers (listener, dialer, sessions, admin
// callers) may call its methods from any goroutine.
type Registry struct {
	cfg     Config
	log     zerolog.Logger
	mailbox chan event
	done    chan struct{}

	runOnce sync.Once

	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup

	// owned by Run
	peers    map[netip.AddrPort][]*record
	live     int
	draining bool
}

func New(cfg Config) *Registry {
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = DefaultMailboxSize
	}
	return &Registry{
		cfg:     cfg,
		log:     logging.For("registry"),
		mailbox: make(chan event, cfg.MailboxSize),
		done:    make(chan struct{}),
		peers:   make(map[netip.AddrPort][]*record),
	}
}

// Done is closed after Run has stopped every session and returned.
func (r *Registry) Done() <-chan struct{} { return r.done }

// offer enqueues ev, blocking while the mailbox is full.
func (r *Registry) offer(ctx context.Context, ev event) error {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return ErrRegistryClosed
	}
	r.inflight.Add(1)
	r.mu.RUnlock()
	defer r.inflight.Done()

	select {
	case r.mailbox <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddPeer hands a connected transport to the registry, which starts a session
// on it. On error the transport is closed.
func (r *Registry) AddPeer(ctx context.Context, addr netip.AddrPort, conn io.ReadWriteCloser, outbound bool) error {
	if err := r.offer(ctx, addPeerEvent{addr: addr, conn: conn, outbound: outbound}); err != nil {
		_ = conn.Close()
		return err
	}
	return nil
}

// Shutdown stops the registry and waits until every session has exited or
// ctx is done. Calling it more than once is harmless.
func (r *Registry) Shutdown(ctx context.Context) error {
	if err := r.offer(ctx, shutdownEvent{}); err != nil && !errors.Is(err, ErrRegistryClosed) {
		return err
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Peers returns a snapshot of every live session ordered by address and start time.
func (r *Registry) Peers(ctx context.Context) ([]session.PeerStatus, error) {
	reply := make(chan []session.PeerStatus, 1)
	if err := r.offer(ctx, snapshotEvent{reply: reply}); err != nil {
		return nil, err
	}
	select {
	case out := <-reply:
		return out, nil
	case <-r.done:
		return nil, ErrRegistryClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendInfo writes text to every session open to addr.
func (r *Registry) SendInfo(ctx context.Context, addr netip.AddrPort, text string) error {
	reply := make(chan error, 1)
	if err := r.offer(ctx, sendInfoEvent{ctx: ctx, addr: addr, text: text, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-r.done:
		return ErrRegistryClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InfoReceived implements session.Sink.
func (r *Registry) InfoReceived(ctx context.Context, status session.PeerStatus, text string) {
	if err := r.offer(ctx, infoEvent{from: status, text: text}); err != nil {
		r.log.Debug().Err(err).Str("peer", status.Addr.String()).Msg("info dropped")
	}
}

// StateChanged implements session.Sink.
func (r *Registry) StateChanged(ctx context.Context, status session.PeerStatus) {
	_ = r.offer(ctx, stateEvent{status: status})
}

// SessionClosed implements session.Sink. It bypasses the closed check: Run
// keeps draining until every session it started has reported here.
func (r *Registry) SessionClosed(status session.PeerStatus, cause error) {
	r.mailbox <- closedEvent{status: status, cause: cause}
}

// Run owns the session table until Shutdown or ctx cancellation, then stops
// every session and waits for them to exit.
func (r *Registry) Run(ctx context.Context) error {
	err := ErrAlreadyRunning
	r.runOnce.Do(func() {
		err = r.run(ctx)
	})
	return err
}

func (r *Registry) run(ctx context.Context) error {
	defer close(r.done)
	sessions, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	r.log.Info().Int("mailbox", cap(r.mailbox)).Msg("registry running")
	for {
		select {
		case <-ctx.Done():
			r.stop(cancel, "context done")
			return nil
		case ev := <-r.mailbox:
			if _, ok := ev.(shutdownEvent); ok {
				observability.RecordMailboxEvent(EventShutdown)
				r.stop(cancel, "shutdown requested")
				return nil
			}
			r.handle(sessions, ev)
		}
	}
}

// stop refuses new events, cancels every session and drains the mailbox until
// all sessions have reported closed and no producer is mid-send.
func (r *Registry) stop(cancel context.CancelFunc, why string) {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.draining = true

	r.log.Info().Str("reason", why).Int("sessions", r.live).Msg("registry stopping")
	cancel()

	quiet := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(quiet)
	}()
	for r.live > 0 || quiet != nil {
		select {
		case ev := <-r.mailbox:
			r.handle(context.Background(), ev)
		case <-quiet:
			quiet = nil
		}
	}
	for {
		select {
		case ev := <-r.mailbox:
			r.handle(context.Background(), ev)
		default:
			r.log.Info().Msg("registry stopped")
			return
		}
	}
}

func (r *Registry) handle(sessions context.Context, ev event) {
	observability.RecordMailboxEvent(ev.name())
	switch ev := ev.(type) {
	case addPeerEvent:
		r.addPeer(sessions, ev)
	case infoEvent:
		r.infoReceived(ev)
	case stateEvent:
		r.log.Debug().
			Str("peer", ev.status.Addr.String()).
			Str("session_id", ev.status.SessionID).
			Str("state", ev.status.State.String()).
			Msg("peer state")
		if ev.status.State == session.StateConnected {
			r.log.Info().Str("peer", ev.status.Addr.String()).Msg("peer connected")
		}
	case closedEvent:
		r.peerClosed(ev)
	case snapshotEvent:
		ev.reply <- r.snapshot()
	case sendInfoEvent:
		r.sendInfo(ev)
	case shutdownEvent:
		// already stopping
	}
}

func (r *Registry) addPeer(sessions context.Context, ev addPeerEvent) {
	if r.draining {
		_ = ev.conn.Close()
		return
	}
	conn := frame.NewConnWithLimits(ev.conn, r.cfg.Session.Limits())
	peer := session.NewPeer(ev.addr, ev.outbound, conn, r.cfg.Session, r)
	r.peers[ev.addr] = append(r.peers[ev.addr], &record{peer: peer})
	r.live++
	r.log.Info().
		Str("peer", ev.addr.String()).
		Str("session_id", peer.SessionID()).
		Bool("outbound", ev.outbound).
		Int("sessions", r.live).
		Msg("peer added")
	go func() {
		_ = peer.Run(sessions)
	}()
}

func (r *Registry) infoReceived(ev infoEvent) {
	observability.RecordInfo()
	if rec := r.find(ev.from.Addr, ev.from.SessionID); rec != nil {
		rec.infos++
	}
	r.log.Info().
		Str("peer", ev.from.Addr.String()).
		Str("session_id", ev.from.SessionID).
		Str("text", ev.text).
		Msg("info")
	if r.cfg.InfoHook != nil {
		r.cfg.InfoHook(ev.from, ev.text)
	}
}

func (r *Registry) peerClosed(ev closedEvent) {
	addr := ev.status.Addr
	records := r.peers[addr]
	var infos uint64
	for i, rec := range records {
		if rec.peer.SessionID() != ev.status.SessionID {
			continue
		}
		infos = rec.infos
		records = append(records[:i], records[i+1:]...)
		break
	}
	if len(records) == 0 {
		delete(r.peers, addr)
	} else {
		r.peers[addr] = records
	}
	r.live--
	r.log.Info().
		Str("peer", addr.String()).
		Str("session_id", ev.status.SessionID).
		Str("reason", session.CloseReason(ev.cause)).
		Uint64("infos", infos).
		Int("sessions", r.live).
		Msg("peer removed")
}

func (r *Registry) snapshot() []session.PeerStatus {
	out := make([]session.PeerStatus, 0, r.live)
	for _, records := range r.peers {
		for _, rec := range records {
			out = append(out, rec.peer.Snapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Addr != out[j].Addr {
			return out[i].Addr.Compare(out[j].Addr) < 0
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// sendInfo fans out on its own goroutine: a session may itself be blocked
// offering to a full mailbox.
func (r *Registry) sendInfo(ev sendInfoEvent) {
	records := r.peers[ev.addr]
	if len(records) == 0 || r.draining {
		ev.reply <- fmt.Errorf("%w: %s", ErrUnknownPeer, ev.addr)
		return
	}
	peers := make([]*session.Peer, 0, len(records))
	for _, rec := range records {
		peers = append(peers, rec.peer)
	}
	go func() {
		var errs []error
		for _, p := range peers {
			if err := p.SendInfo(ev.ctx, ev.text); err != nil {
				errs = append(errs, fmt.Errorf("session %s: %w", p.SessionID(), err))
			}
		}
		ev.reply <- errors.Join(errs...)
	}()
}

func (r *Registry) find(addr netip.AddrPort, sessionID string) *record {
	for _, rec := range r.peers[addr] {
		if rec.peer.SessionID() == sessionID {
			return rec
		}
	}
	return nil
}
