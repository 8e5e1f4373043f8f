// Package causal turns a router channel's unordered, possibly gappy delivery
// into a causally ordered stream, and logs everything sent or delivered.
//
// All engine state (the local clock, the waiting room and log writes) is
// owned by the worker started with Run. Public methods submit commands to
// that worker and wait for the result.
package causal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LeJamon/causalmesh/internal/eventlog"
	"github.com/LeJamon/causalmesh/internal/logging"
	"github.com/LeJamon/causalmesh/internal/queue"
	"github.com/LeJamon/causalmesh/internal/vectorclock"
)

// Sentinel errors for engine operations.
var (
	ErrClosed       = errors.New("causal engine closed")
	ErrEmptyPayload = errors.New("payload cannot be empty")
)

// Router is the subset of the channel router the engine needs.
type Router interface {
	RegisterDestination(id string) bool
	RemoveDestination(id string) error
	Send(destination string, msg []byte) error
	ReceiveMessage(id string) ([]byte, bool, error)
	Ready(id string) (<-chan struct{}, error)
}

// StallReport describes a channel whose waiting room is not draining.
type StallReport struct {
	Pending int
	// Lowest is the clock of the lowest waiting envelope.
	Lowest vectorclock.Clock
	// Blocked is how long the waiting room has been non-empty without a delivery.
	Blocked time.Duration
	// WaitingOn lists participants whose messages the lowest envelope needs.
	WaitingOn []string
}

// Engine is the causal ordering engine for one session channel.
type Engine struct {
	cfg    Config
	self   string
	router Router
	log    eventlog.Store
	logger logging.Logger

	ready <-chan struct{}
	cmds  chan func()
	inbox *queue.Queue[Delivery]

	// Owned by the worker goroutine.
	clock      vectorclock.Clock
	waiting    *waitingRoom
	stallSince time.Time

	closing chan struct{}
	done    chan struct{}
}

// New creates an engine for cfg.Session over r and registers the session
// destination so that messages arriving before Run are kept.
func New(r Router, session, participantID string, opts ...Option) (*Engine, error) {
	if r == nil {
		return nil, errors.New("causal: router cannot be nil")
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
	if cfg.Log == nil {
		cfg.Log = eventlog.NewMemoryStore()
	}

	r.RegisterDestination(session)
	ready, err := r.Ready(session)
	if err != nil {
		return nil, err
	}

	clock := vectorclock.New()
	clock.Add(participantID)

	return &Engine{
		cfg:     cfg,
		self:    participantID,
		router:  r,
		log:     cfg.Log,
		logger:  cfg.Logger,
		ready:   ready,
		cmds:    make(chan func()),
		inbox:   queue.New[Delivery](),
		clock:   clock,
		waiting: newWaitingRoom(),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Session returns the session destination id.
func (e *Engine) Session() string {
	return e.cfg.Session
}

// ParticipantID returns the local participant id.
func (e *Engine) ParticipantID() string {
	return e.self
}

// Run runs the worker until ctx is done or Close is called. On exit the
// session destination is removed from the router.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.done)
	defer func() {
		if err := e.router.RemoveDestination(e.cfg.Session); err != nil {
			e.logger.Debug("remove destination", "session", e.cfg.Session, "error", err)
		}
		e.cfg.Metrics.SetWaitingRoom(e.cfg.Session, 0)
	}()

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
		case <-e.ready:
			e.pull()
		case <-ticker.C:
			e.pull()
		}
	}
}

// Close stops the worker. It does not wait for it to exit; use Done.
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

// do runs fn on the worker goroutine and waits for it to finish.
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

// Send stamps payload with the next local clock value, forwards it to the
// session channel and logs it. With toSelf the sender's own inbox receives
// the message directly.
func (e *Engine) Send(ctx context.Context, payload []byte, toSelf bool) (Envelope, error) {
	if len(payload) == 0 {
		return Envelope{}, ErrEmptyPayload
	}
	var (
		env     Envelope
		sendErr error
	)
	err := e.do(ctx, func() {
		env, sendErr = e.send(ctx, payload, toSelf)
	})
	if err != nil {
		return Envelope{}, err
	}
	return env, sendErr
}

func (e *Engine) send(ctx context.Context, payload []byte, toSelf bool) (Envelope, error) {
	e.clock.Increment(e.self)
	env := Envelope{
		Clock:    e.clock.Copy(),
		SenderID: e.self,
		OriginID: e.self,
		Payload:  payload,
	}
	data, err := EncodeEnvelope(env)
	if err == nil {
		err = e.router.Send(e.cfg.Session, data)
	}
	if err != nil {
		// Nothing left the process; reuse the clock value so peers see no gap.
		e.clock[e.self]--
		return Envelope{}, err
	}

	local := e.clock.Copy()
	e.append(ctx, env, local, env.Clock.Get(e.self))
	e.cfg.Metrics.EnvelopeSent(e.cfg.Session)

	if toSelf {
		e.inbox.Put(Delivery{Envelope: env, LocalClock: local, Self: true})
	}
	return env, nil
}

func (e *Engine) append(ctx context.Context, env Envelope, local vectorclock.Clock, own uint64) {
	rec := &eventlog.Record{
		Session:     e.cfg.Session,
		Timestamp:   e.cfg.Clock(),
		SenderID:    env.SenderID,
		OriginID:    env.OriginID,
		OwnSequence: own,
		Clock:       env.Clock,
		LocalClock:  local,
		Message:     env.Payload,
	}
	if _, err := e.log.Append(ctx, rec); err != nil {
		e.logger.Error("event log append failed", "session", e.cfg.Session, "clock", env.Clock.String(), "error", err)
	}
}

// pull moves everything the router holds for the session into the waiting
// room, then drains.
func (e *Engine) pull() {
	for {
		msg, ok, err := e.router.ReceiveMessage(e.cfg.Session)
		if err != nil {
			e.logger.Warn("session destination missing", "session", e.cfg.Session, "error", err)
			return
		}
		if !ok {
			break
		}
		env, err := DecodeEnvelope(msg)
		if err != nil {
			e.logger.Warn("dropped envelope", "session", e.cfg.Session, "error", err)
			continue
		}
		e.accept(env)
	}
	e.drain()
}

// accept places env in the waiting room unless it is our own loopback or
// already delivered.
func (e *Engine) accept(env Envelope) {
	if env.SenderID == e.self && env.OriginID == e.self {
		return
	}
	if env.Clock.Get(env.OriginID) <= e.clock.Get(env.OriginID) {
		e.cfg.Metrics.EnvelopeDuplicate(e.cfg.Session)
		return
	}
	if !e.waiting.put(env, e.cfg.Clock()) {
		e.cfg.Metrics.EnvelopeDuplicate(e.cfg.Session)
		return
	}
	e.logger.Debug("envelope buffered", "session", e.cfg.Session, "clock", env.Clock.String(), "origin", env.OriginID)
}

// drain delivers ready envelopes, lowest clock first, until a full pass over
// the waiting room finds none.
func (e *Engine) drain() {
	ctx := context.Background()
	for {
		p, ok := e.waiting.next(e.clock)
		if !ok {
			break
		}
		e.waiting.remove(p.env)
		e.clock.Merge(p.env.Clock)
		local := e.clock.Copy()
		e.append(ctx, p.env, local, 0)
		e.inbox.Put(Delivery{Envelope: p.env, LocalClock: local})
		e.stallSince = time.Time{}
		e.cfg.Metrics.EnvelopeDelivered(e.cfg.Session)
		e.logger.Debug("envelope delivered", "session", e.cfg.Session, "clock", p.env.Clock.String(), "origin", p.env.OriginID)
	}

	n := e.waiting.len()
	if n > 0 && e.stallSince.IsZero() {
		e.stallSince = e.cfg.Clock()
	}
	if n == 0 {
		e.stallSince = time.Time{}
	}
	e.cfg.Metrics.SetWaitingRoom(e.cfg.Session, n)
}

// Inject feeds replayed envelopes into the waiting room and drains.
func (e *Engine) Inject(ctx context.Context, envs []Envelope) error {
	return e.do(ctx, func() {
		for _, env := range envs {
			e.accept(env)
		}
		e.drain()
	})
}

// History returns, in log order, the logged envelopes whose clock is not
// <= after, restamped with the local participant as sender.
func (e *Engine) History(ctx context.Context, after vectorclock.Clock) ([]Envelope, error) {
	recs, err := e.log.After(ctx, e.cfg.Session, after)
	if err != nil {
		return nil, err
	}
	envs := make([]Envelope, 0, len(recs))
	for _, rec := range recs {
		envs = append(envs, Envelope{
			Clock:    rec.Clock,
			SenderID: e.self,
			OriginID: rec.OriginID,
			Payload:  rec.Message,
		})
	}
	return envs, nil
}

// Frontier returns a copy of the local clock.
func (e *Engine) Frontier(ctx context.Context) (vectorclock.Clock, error) {
	var c vectorclock.Clock
	err := e.do(ctx, func() {
		c = e.clock.Copy()
	})
	return c, err
}

// PendingCount returns the number of envelopes waiting for a predecessor.
func (e *Engine) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := e.do(ctx, func() {
		n = e.waiting.len()
	})
	return n, err
}

// Stalled reports on the waiting room. A zero Pending means the channel is
// not stalled.
func (e *Engine) Stalled(ctx context.Context) (StallReport, error) {
	var r StallReport
	err := e.do(ctx, func() {
		r.Pending = e.waiting.len()
		if r.Pending == 0 {
			return
		}
		lowest := e.waiting.sorted()[0].env
		r.Lowest = lowest.Clock.Copy()
		r.WaitingOn = missing(e.clock, lowest.Clock, lowest.OriginID)
		if !e.stallSince.IsZero() {
			r.Blocked = e.cfg.Clock().Sub(e.stallSince)
		}
	})
	return r, err
}

// Receive blocks until a delivery is available or ctx is done.
func (e *Engine) Receive(ctx context.Context) (Delivery, error) {
	return e.inbox.Get(ctx)
}

// TryReceive returns the next delivery without blocking.
func (e *Engine) TryReceive() (Delivery, bool) {
	return e.inbox.TryGet()
}

// Ready is signalled when a delivery is queued. It is meant for the single
// consumer of the inbox.
func (e *Engine) Ready() <-chan struct{} {
	return e.inbox.Ready()
}

// Count returns the number of undelivered-to-application messages in the inbox.
func (e *Engine) Count() int {
	return e.inbox.Len()
}
