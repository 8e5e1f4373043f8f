// Package coordination provides single-winner exclusive access on top of a
// causally ordered session channel, with two strategies: a peer-symmetric
// mutex and a host elected by liveness tracking.
//
// Like the causal engine, all protocol state is owned by one worker
// goroutine. Public methods submit commands to it.
package coordination

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LeJamon/causalmesh/internal/causal"
	"github.com/LeJamon/causalmesh/internal/logging"
	"github.com/LeJamon/causalmesh/internal/metrics"
	"github.com/LeJamon/causalmesh/internal/queue"
	"github.com/LeJamon/causalmesh/internal/vectorclock"
)

// Orderer is the causal ordering engine of the session.
type Orderer interface {
	Send(ctx context.Context, payload []byte, toSelf bool) (causal.Envelope, error)
	TryReceive() (causal.Delivery, bool)
	Ready() <-chan struct{}
	History(ctx context.Context, after vectorclock.Clock) ([]causal.Envelope, error)
	Inject(ctx context.Context, envs []causal.Envelope) error
	Stalled(ctx context.Context) (causal.StallReport, error)
}

// ControlSender broadcasts unordered control messages for a session.
type ControlSender interface {
	SendControl(session string, payload []byte) error
}

// Engine coordinates exclusive access for one session.
type Engine struct {
	cfg     Config
	self    string
	orderer Orderer
	control ControlSender
	logger  logging.Logger
	metrics *metrics.Collector

	cmds      chan func()
	controlIn *queue.Queue[[]byte]
	inbox     *queue.Queue[Delivery]
	events    chan Event

	// Read-only views of worker state.
	stateView atomic.Int32
	hostMu    sync.RWMutex
	hostView  string

	// Owned by the worker goroutine.
	peers         map[string]*peer
	departed      map[string]time.Time
	joined        bool
	startedAt     time.Time
	lastKeepAlive time.Time
	lastJoin      time.Time
	host          string
	election      int64
	mutex         mutex
	actions       [][]byte
	outstanding   []*hostRequest
	issued        map[string]struct{}
	applied       map[string]struct{}

	closing chan struct{}
	done    chan struct{}
}

// New creates a coordination engine for cfg.Session. Call Run to start it.
func New(orderer Orderer, control ControlSender, session, participantID string, opts ...Option) (*Engine, error) {
	if orderer == nil || control == nil {
		return nil, ErrNilCollaborator
	}
	cfg := DefaultConfig()
	cfg.Session = session
	cfg.ParticipantID = participantID
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	e := &Engine{
		cfg:       cfg,
		self:      participantID,
		orderer:   orderer,
		control:   control,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		cmds:      make(chan func()),
		controlIn: queue.New[[]byte](),
		inbox:     queue.New[Delivery](),
		events:    make(chan Event, cfg.EventBufferSize),
		peers:     make(map[string]*peer),
		departed:  make(map[string]time.Time),
		issued:    make(map[string]struct{}),
		applied:   make(map[string]struct{}),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	// A creator in host mode is the host from the start. The election is
	// announced once the worker runs.
	if cfg.Creator && cfg.Mode == ModeHost {
		e.host = participantID
		e.election = cfg.Clock().UnixNano()
		e.hostView = participantID
	}
	return e, nil
}

// Session returns the session id.
func (e *Engine) Session() string {
	return e.cfg.Session
}

// Mode returns the session's exclusive-access strategy.
func (e *Engine) Mode() Mode {
	return e.cfg.Mode
}

// Run runs the worker until ctx is done or Close is called.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.done)

	e.start(ctx)

	ticker := time.NewTicker(e.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.closing:
			return nil
		case fn := <-e.cmds:
			fn()
		case <-e.orderer.Ready():
			e.pullOrdered(ctx)
		case <-e.controlIn.Ready():
			e.pullControl(ctx)
		case <-ticker.C:
			e.pullOrdered(ctx)
			e.pullControl(ctx)
			e.tick(ctx)
		}
	}
}

// Close stops the worker without announcing departure. See Leave.
func (e *Engine) Close() {
	select {
	case <-e.closing:
	default:
		close(e.closing)
	}
}

// Done is closed once the worker has exited.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

func (e *Engine) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	cmd := func() {
		fn()
		close(finished)
	}
	select {
	case e.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) start(ctx context.Context) {
	now := e.cfg.Clock()
	e.startedAt = now
	e.publishState()

	if e.cfg.Creator {
		e.joined = true
		if e.cfg.Mode == ModeHost {
			e.announceCreatorHost()
		}
	} else {
		e.sendJoin(now)
	}
	e.sendKeepAlive(now)
	e.logger.Info("session started", "session", e.cfg.Session, "participant", e.self, "mode", e.cfg.Mode.String(), "creator", e.cfg.Creator)
}

// HandleControl queues a control payload received for this session.
func (e *Engine) HandleControl(payload []byte) {
	e.controlIn.Put(payload)
}

// Send broadcasts a non-exclusive message on the session channel. The sender
// receives it too.
func (e *Engine) Send(ctx context.Context, body []byte) error {
	if len(body) == 0 {
		return ErrEmptyBody
	}
	var sendErr error
	if err := e.do(ctx, func() {
		_, sendErr = e.sendOrdered(ctx, &Message{Kind: KindApp, Body: body}, true)
	}); err != nil {
		return err
	}
	return sendErr
}

// Submit performs an exclusive action. In mutex mode the action is sent
// while holding the mutex; in host mode it is forwarded to the host, which
// broadcasts the result. Completion is observed through Receive.
func (e *Engine) Submit(ctx context.Context, body []byte) error {
	if len(body) == 0 {
		return ErrEmptyBody
	}
	var submitErr error
	if err := e.do(ctx, func() {
		submitErr = e.submit(ctx, body)
	}); err != nil {
		return err
	}
	return submitErr
}

func (e *Engine) submit(ctx context.Context, body []byte) error {
	if e.cfg.Mode == ModeMutex {
		e.actions = append(e.actions, body)
		if e.mutex.state == Released {
			return e.acquire(ctx, nil)
		}
		return nil
	}
	e.request(ctx, body)
	return nil
}

// Leave announces a graceful departure and stops the worker.
func (e *Engine) Leave(ctx context.Context) error {
	err := e.do(ctx, func() {
		if e.mutex.state == Held {
			if err := e.release(ctx); err != nil {
				e.logger.Error("mutex release failed", "session", e.cfg.Session, "error", err)
			}
		}
		e.sendControl(&Message{Kind: KindLeave})
	})
	e.Close()
	return err
}

// Receive blocks until a delivery is available or ctx is done.
func (e *Engine) Receive(ctx context.Context) (Delivery, error) {
	return e.inbox.Get(ctx)
}

// TryReceive returns the next delivery without blocking.
func (e *Engine) TryReceive() (Delivery, bool) {
	return e.inbox.TryGet()
}

// Events returns the channel of state change events. Events are dropped when
// the channel is full.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// CurrentHost returns the accepted host, or "" when none is known.
func (e *Engine) CurrentHost() string {
	e.hostMu.RLock()
	defer e.hostMu.RUnlock()
	return e.hostView
}

// MutexState returns the local mutex state.
func (e *Engine) MutexState() MutexState {
	return MutexState(e.stateView.Load())
}

// Peers returns the known participants, sorted by id.
func (e *Engine) Peers(ctx context.Context) ([]PeerInfo, error) {
	var out []PeerInfo
	err := e.do(ctx, func() {
		out = e.peerInfos()
	})
	return out, err
}

// Status returns a snapshot of the coordination state.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	var s Status
	err := e.do(ctx, func() {
		s = Status{
			Session:     e.cfg.Session,
			Participant: e.self,
			Mode:        e.cfg.Mode.String(),
			Joined:      e.joined,
			Host:        e.host,
			Election:    e.election,
			Mutex:       e.mutex.state.String(),
			Peers:       e.peerInfos(),
			Outstanding: len(e.outstanding),
		}
	})
	if err != nil {
		return s, err
	}
	if r, err := e.orderer.Stalled(ctx); err == nil {
		s.Pending = r.Pending
		s.Blocked = r.Blocked
		s.WaitingOn = r.WaitingOn
	}
	return s, nil
}

func (e *Engine) publishState() {
	e.stateView.Store(int32(e.mutex.state))
	e.metrics.SetMutexState(e.cfg.Session, int(e.mutex.state))

	e.hostMu.Lock()
	e.hostView = e.host
	e.hostMu.Unlock()
}

func (e *Engine) emit(ev Event) {
	ev.Session = e.cfg.Session
	select {
	case e.events <- ev:
	default:
		e.logger.Debug("event dropped", "session", e.cfg.Session, "type", ev.Type.String())
	}
}

func (e *Engine) deliver(d Delivery) {
	e.inbox.Put(d)
}

func (e *Engine) sendOrdered(ctx context.Context, m *Message, toSelf bool) (causal.Envelope, error) {
	m.Session = e.cfg.Session
	m.Origin = e.self
	payload, err := m.Encode()
	if err != nil {
		return causal.Envelope{}, err
	}
	return e.orderer.Send(ctx, payload, toSelf)
}

func (e *Engine) sendControl(m *Message) {
	m.Session = e.cfg.Session
	m.Origin = e.self
	payload, err := m.Encode()
	if err == nil {
		err = e.control.SendControl(e.cfg.Session, payload)
	}
	if err != nil {
		e.logger.Warn("control send failed", "session", e.cfg.Session, "kind", string(m.Kind), "error", err)
	}
}

func (e *Engine) pullOrdered(ctx context.Context) {
	for {
		d, ok := e.orderer.TryReceive()
		if !ok {
			return
		}
		m, err := DecodeMessage(d.Payload)
		if err != nil {
			e.logger.Warn("dropped ordered message", "session", e.cfg.Session, "origin", d.OriginID, "error", err)
			continue
		}
		e.handleOrdered(ctx, d, m)
	}
}

func (e *Engine) handleOrdered(ctx context.Context, d causal.Delivery, m *Message) {
	origin := d.OriginID
	if origin != e.self {
		e.notice(origin)
	}

	switch m.Kind {
	case KindApp:
		e.deliver(Delivery{Origin: origin, Body: m.Body, Exclusive: m.Exclusive, Self: d.Self})
	case KindMutexRequest:
		if origin != e.self {
			e.onMutexRequest(ctx, origin, d.Clock)
		}
	case KindMutexGrant:
		if m.Target == e.self {
			e.onMutexGrant(ctx, origin, m.RequestID)
		}
	case KindHostResult:
		e.onHostResult(m, d.Self)
	default:
		e.logger.Warn("unexpected ordered message", "session", e.cfg.Session, "kind", string(m.Kind))
	}
}

func (e *Engine) pullControl(ctx context.Context) {
	for {
		payload, ok := e.controlIn.TryGet()
		if !ok {
			return
		}
		m, err := DecodeMessage(payload)
		if err != nil {
			e.logger.Warn("dropped control message", "session", e.cfg.Session, "error", err)
			continue
		}
		if m.Origin == e.self || m.Session != e.cfg.Session {
			continue
		}
		e.handleControl(ctx, m)
	}
}

func (e *Engine) handleControl(ctx context.Context, m *Message) {
	switch m.Kind {
	case KindKeepAlive:
		e.onKeepAlive(ctx, m)
	case KindHostElected:
		e.consider(ctx, m.Host, m.Election)
	case KindJoin:
		e.onJoin(ctx, m)
	case KindHistory:
		e.onHistory(ctx, m)
	case KindLeave:
		e.removePeer(ctx, m.Origin, "left")
	case KindHostRequest:
		e.onHostRequest(ctx, m)
	default:
		e.logger.Warn("unexpected control message", "session", e.cfg.Session, "kind", string(m.Kind))
	}
}

func (e *Engine) tick(ctx context.Context) {
	now := e.cfg.Clock()

	if now.Sub(e.lastKeepAlive) >= e.interval() {
		e.sendKeepAlive(now)
	}
	e.checkDepartures(ctx, now)

	if !e.joined {
		if now.Sub(e.startedAt) > e.departureTimeout() {
			e.joined = true
			e.logger.Warn("no history received, starting with an empty session", "session", e.cfg.Session)
		} else if now.Sub(e.lastJoin) >= e.interval() {
			e.sendJoin(now)
		}
	}
	if e.joined && e.cfg.Mode == ModeHost && e.host == "" {
		e.maybeElect(ctx)
	}
}

func (e *Engine) peerInfos() []PeerInfo {
	out := make([]PeerInfo, 0, len(e.peers))
	for _, p := range e.peers {
		out = append(out, PeerInfo{ID: p.id, RTT: p.rtt, LastSeen: p.lastSeen})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
