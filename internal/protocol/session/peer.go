package session

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/danmuck/edgepeer/internal/logging"
	"github.com/danmuck/edgepeer/internal/observability"
	"github.com/danmuck/edgepeer/internal/protocol"
	"github.com/danmuck/edgepeer/internal/protocol/frame"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrSessionClosed = errors.New("session: closed")
	ErrShutdown      = errors.New("session: shutdown")
	ErrPeerDead      = errors.New("session: peer silent past dead-after")
	ErrAlreadyRun    = errors.New("session: already running")
)

// Close reasons reported to the sink and used as metric labels, in addition
// to the protocol error classes.
const (
	ReasonShutdown = "shutdown"
	ReasonDeadPeer = "dead_peer"
)

// Sink receives what a session reports upward. Calls are made from the
// session goroutine; InfoReceived and StateChanged may block for backpressure
// and must return once ctx is done.
type Sink interface {
	InfoReceived(ctx context.Context, status PeerStatus, text string)
	StateChanged(ctx context.Context, status PeerStatus)
	SessionClosed(status PeerStatus, cause error)
}

// PeerStatus is a point-in-time view of one session.
type PeerStatus struct {
	Addr          netip.AddrPort
	SessionID     string
	Outbound      bool
	State         State
	Clock         uint32
	LastHeartbeat uint32
	HeartbeatsIn  uint64
	MessagesIn    uint64
	MessagesOut   uint64
	StartedAt     time.Time
	LastSeenAt    time.Time
}

type outboundRequest struct {
	msg       protocol.Message
	heartbeat bool
	reply     chan error
}

type readResult struct {
	msg protocol.Message
	err error
}

// Peer is one session actor. Run owns the connection: every write happens on
// the Run goroutine and reads are handed over one message at a time.
type Peer struct {
	conn *frame.Conn
	cfg  Config
	sink Sink
	log  zerolog.Logger

	outbound chan outboundRequest
	stop     chan struct{}
	done     chan struct{}

	stopOnce sync.Once
	runOnce  sync.Once

	// owned by the Run goroutine
	clock     uint32
	announced bool

	mu     sync.RWMutex
	status PeerStatus
}

func NewPeer(addr netip.AddrPort, outbound bool, conn *frame.Conn, cfg Config, sink Sink) *Peer {
	id := uuid.NewString()
	return &Peer{
		conn:     conn,
		cfg:      cfg,
		sink:     sink,
		log:      logging.For("session").With().Str("peer", addr.String()).Str("session_id", id).Logger(),
		outbound: make(chan outboundRequest),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		status: PeerStatus{
			Addr:      addr,
			SessionID: id,
			Outbound:  outbound,
			State:     StateOffline,
			StartedAt: time.Now(),
		},
	}
}

func (p *Peer) Addr() netip.AddrPort { return p.status.Addr }

func (p *Peer) SessionID() string { return p.status.SessionID }

// Done is closed once Run has returned and the transport is released.
func (p *Peer) Done() <-chan struct{} { return p.done }

func (p *Peer) Snapshot() PeerStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

func (p *Peer) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status.State
}

// Close asks the session to shut down and releases the transport so blocked
// reads and writes return. It does not wait; use Done for that.
func (p *Peer) Close() {
	p.stopOnce.Do(func() {
		close(p.stop)
		_ = p.conn.Close()
	})
}

func (p *Peer) stopping(ctx context.Context) bool {
	select {
	case <-p.stop:
		return true
	default:
		return ctx.Err() != nil
	}
}

// SendInfo queues text for the peer and waits for the write. Oversized or
// non-UTF-8 text is rejected here and the session stays open.
func (p *Peer) SendInfo(ctx context.Context, text string) error {
	msg := protocol.Info(text)
	if err := msg.Validate(); err != nil {
		return err
	}
	return p.request(ctx, outboundRequest{msg: msg})
}

// SendHeartbeat sends the current logical clock and advances it.
func (p *Peer) SendHeartbeat(ctx context.Context) error {
	return p.request(ctx, outboundRequest{heartbeat: true})
}

func (p *Peer) request(ctx context.Context, req outboundRequest) error {
	req.reply = make(chan error, 1)
	select {
	case p.outbound <- req:
	case <-p.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-p.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the session until a fatal error, ctx cancellation or Close.
// The transport is closed on every exit path and the sink is told why.
func (p *Peer) Run(ctx context.Context) error {
	err := ErrAlreadyRun
	p.runOnce.Do(func() {
		err = p.run(ctx)
	})
	return err
}

func (p *Peer) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	release := context.AfterFunc(ctx, p.Close)
	defer release()
	inbound := make(chan readResult)
	resume := make(chan struct{})
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		p.readLoop(ctx, inbound, resume)
	}()

	direction := observability.DirectionInbound
	if p.status.Outbound {
		direction = observability.DirectionOutbound
	}
	observability.RecordSessionStarted(direction)
	p.log.Debug().Str("direction", direction).Msg("session started")
	err := p.loop(ctx, inbound, resume)
	if p.stopping(ctx) && !errors.Is(err, ErrShutdown) {
		err = fmt.Errorf("%w: %v", ErrShutdown, err)
	}

	_ = p.conn.Close()
	cancel()
	<-readerDone
	p.finish(err)
	return err
}

func (p *Peer) loop(ctx context.Context, inbound <-chan readResult, resume chan<- struct{}) error {
	if err := p.write(protocol.Ping()); err != nil {
		return err
	}
	p.setState(ctx, Probed(StateOffline))

	var heartbeats <-chan time.Time
	if p.cfg.HeartbeatInterval > 0 {
		ticker := time.NewTicker(p.cfg.HeartbeatInterval)
		defer ticker.Stop()
		heartbeats = ticker.C
	}
	var liveness <-chan time.Time
	if p.cfg.SessionDeadAfter > 0 {
		ticker := time.NewTicker(livenessPeriod(p.cfg.SessionDeadAfter))
		defer ticker.Stop()
		liveness = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrShutdown, ctx.Err())
		case <-p.stop:
			return ErrShutdown
		case res := <-inbound:
			if res.err != nil {
				return res.err
			}
			if err := p.handle(ctx, res.msg); err != nil {
				return err
			}
			select {
			case resume <- struct{}{}:
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrShutdown, ctx.Err())
			case <-p.stop:
				return ErrShutdown
			}
		case req := <-p.outbound:
			err := p.serve(req)
			req.reply <- err
			if protocol.Fatal(err) {
				return err
			}
		case <-heartbeats:
			if p.State() != StateConnected {
				continue
			}
			if err := p.heartbeat(); err != nil {
				return err
			}
		case now := <-liveness:
			last := p.Snapshot().LastSeenAt
			if last.IsZero() {
				last = p.Snapshot().StartedAt
			}
			if silent := now.Sub(last); silent > p.cfg.SessionDeadAfter {
				return fmt.Errorf("%w: silent for %s", ErrPeerDead, silent.Round(time.Millisecond))
			}
		}
	}
}

// readLoop performs the blocking reads. It hands over one message and waits
// for resume before reading again, so handling stays strictly sequential.
func (p *Peer) readLoop(ctx context.Context, out chan<- readResult, resume <-chan struct{}) {
	for {
		msg, err := p.conn.ReadMessage()
		select {
		case out <- readResult{msg: msg, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
		select {
		case <-resume:
		case <-ctx.Done():
			return
		}
	}
}

func (p *Peer) handle(ctx context.Context, msg protocol.Message) error {
	observability.RecordFrame(observability.DirectionIn, msg.Kind.String())
	p.mu.Lock()
	p.status.MessagesIn++
	p.status.LastSeenAt = time.Now()
	if msg.Kind == protocol.KindHeartbeat {
		p.status.LastHeartbeat = msg.Clock
		p.status.HeartbeatsIn++
	}
	p.mu.Unlock()

	switch msg.Kind {
	case protocol.KindPing:
		p.log.Debug().Msg("ping received")
		if err := p.write(protocol.Pong()); err != nil {
			return err
		}
	case protocol.KindPong:
		p.log.Debug().Msg("pong received")
	case protocol.KindInfo:
		p.log.Debug().Str("text", msg.Text).Msg("info received")
		p.sink.InfoReceived(ctx, p.Snapshot(), msg.Text)
	case protocol.KindHeartbeat:
		p.log.Trace().Uint32("clock", msg.Clock).Msg("heartbeat received")
	}

	prev := p.State()
	next := Transition(prev, msg)
	if next == prev {
		return nil
	}
	p.setState(ctx, next)
	if next == StateConnected {
		return p.announce()
	}
	return nil
}

func (p *Peer) serve(req outboundRequest) error {
	if req.heartbeat {
		return p.heartbeat()
	}
	return p.write(req.msg)
}

// heartbeat sends the current clock, then advances it. The clock wraps at 2^32.
func (p *Peer) heartbeat() error {
	clock := p.clock
	if err := p.write(protocol.Heartbeat(clock)); err != nil {
		return err
	}
	p.clock++
	p.mu.Lock()
	p.status.Clock = p.clock
	p.mu.Unlock()
	return nil
}

func (p *Peer) announce() error {
	if p.announced || p.cfg.Announce == "" {
		return nil
	}
	p.announced = true
	return p.write(protocol.Info(p.cfg.Announce))
}

func (p *Peer) write(msg protocol.Message) error {
	if err := p.conn.WriteMessage(msg); err != nil {
		return err
	}
	observability.RecordFrame(observability.DirectionOut, msg.Kind.String())
	p.mu.Lock()
	p.status.MessagesOut++
	p.mu.Unlock()
	return nil
}

func (p *Peer) setState(ctx context.Context, next State) {
	p.mu.Lock()
	prev := p.status.State
	p.status.State = next
	status := p.status
	p.mu.Unlock()
	if prev == next {
		return
	}
	p.log.Info().Str("from", prev.String()).Str("to", next.String()).Msg("session state")
	if next != StateClosed {
		p.sink.StateChanged(ctx, status)
	}
}

func (p *Peer) finish(cause error) {
	p.mu.Lock()
	p.status.State = StateClosed
	status := p.status
	p.mu.Unlock()

	reason := CloseReason(cause)
	event := p.log.Info()
	switch reason {
	case ReasonShutdown, protocol.ClassClosed:
	case ReasonDeadPeer:
		event = p.log.Warn()
	default:
		event = p.log.Warn()
		observability.RecordFrameError(reason)
	}
	event.Str("reason", reason).Err(cause).Msg("session closed")
	observability.RecordSessionClosed(reason, time.Since(status.StartedAt))

	close(p.done)
	p.sink.SessionClosed(status, cause)
}

// CloseReason maps a session exit error onto a short label.
func CloseReason(err error) string {
	switch {
	case err == nil, errors.Is(err, ErrShutdown):
		return ReasonShutdown
	case errors.Is(err, ErrPeerDead):
		return ReasonDeadPeer
	default:
		return protocol.Classify(err)
	}
}

func livenessPeriod(deadAfter time.Duration) time.Duration {
	period := deadAfter / 4
	if period < 10*time.Millisecond {
		period = 10 * time.Millisecond
	}
	return period
}
