package coordination

import (
	"context"

	"github.com/LeJamon/causalmesh/internal/vectorclock"
)

type grantee struct {
	peer    string
	request string
}

// mutex is the Ricart-Agrawala state of the local participant.
type mutex struct {
	state MutexState

	// Set while WANTED: the request clock and the peers yet to agree.
	request    vectorclock.Clock
	requestKey string
	pending    map[string]struct{}

	deferred []grantee

	// onAcquired is the caller's callback; nil for acquisitions made on
	// behalf of queued Submit actions.
	onAcquired func()
}

// Acquire requests the mutex. onAcquired runs on its own goroutine once every
// known peer has agreed; the caller must then call Release.
func (e *Engine) Acquire(ctx context.Context, onAcquired func()) error {
	if onAcquired == nil {
		return ErrNilCallback
	}
	if e.cfg.Mode != ModeMutex {
		return ErrWrongMode
	}
	var acqErr error
	if err := e.do(ctx, func() {
		acqErr = e.acquire(ctx, onAcquired)
	}); err != nil {
		return err
	}
	return acqErr
}

// Release leaves HELD and grants every deferred request in arrival order.
func (e *Engine) Release(ctx context.Context) error {
	var relErr error
	if err := e.do(ctx, func() {
		relErr = e.release(ctx)
	}); err != nil {
		return err
	}
	return relErr
}

func (e *Engine) acquire(ctx context.Context, onAcquired func()) error {
	if e.mutex.state != Released {
		return ErrMutexBusy
	}
	e.mutex.onAcquired = onAcquired
	e.mutex.pending = make(map[string]struct{}, len(e.peers))
	for id := range e.peers {
		e.mutex.pending[id] = struct{}{}
	}

	if len(e.mutex.pending) == 0 {
		e.mutex.state = Wanted
		e.hold(ctx)
		return nil
	}

	env, err := e.sendOrdered(ctx, &Message{Kind: KindMutexRequest}, false)
	if err != nil {
		e.mutex.pending = nil
		e.mutex.onAcquired = nil
		return err
	}
	e.mutex.state = Wanted
	e.mutex.request = env.Clock
	e.mutex.requestKey = env.Clock.String()
	e.publishState()
	e.logger.Debug("mutex wanted", "session", e.cfg.Session, "request", e.mutex.requestKey, "waiting", len(e.mutex.pending))
	return nil
}

func (e *Engine) hold(ctx context.Context) {
	e.mutex.state = Held
	e.mutex.pending = nil
	e.publishState()
	e.metrics.MutexAcquired(e.cfg.Session)
	e.emit(Event{Type: EventMutexAcquired, Peer: e.self})
	e.logger.Debug("mutex held", "session", e.cfg.Session)

	if cb := e.mutex.onAcquired; cb != nil {
		e.mutex.onAcquired = nil
		go cb()
		return
	}

	actions := e.actions
	e.actions = nil
	for _, body := range actions {
		if _, err := e.sendOrdered(ctx, &Message{Kind: KindApp, Body: body, Exclusive: true}, true); err != nil {
			e.logger.Error("exclusive action not sent", "session", e.cfg.Session, "error", err)
		}
	}
	if err := e.release(ctx); err != nil {
		e.logger.Error("mutex release failed", "session", e.cfg.Session, "error", err)
	}
}

func (e *Engine) release(ctx context.Context) error {
	if e.mutex.state != Held {
		return ErrNotHeld
	}
	e.mutex.state = Released
	e.mutex.request = nil
	e.mutex.requestKey = ""
	e.publishState()

	deferred := e.mutex.deferred
	e.mutex.deferred = nil
	for _, g := range deferred {
		e.grant(ctx, g)
	}

	if len(e.actions) > 0 {
		return e.acquire(ctx, nil)
	}
	return nil
}

func (e *Engine) grant(ctx context.Context, g grantee) {
	if _, err := e.sendOrdered(ctx, &Message{Kind: KindMutexGrant, Target: g.peer, RequestID: g.request}, false); err != nil {
		e.logger.Error("mutex grant not sent", "session", e.cfg.Session, "peer", g.peer, "error", err)
	}
}

// precedes reports whether the local request wins against a request from
// peer stamped theirs. An earlier clock wins; concurrent or equal requests
// go to the higher participant id.
func (e *Engine) precedes(theirs vectorclock.Clock, peer string) bool {
	mine := e.mutex.request
	switch {
	case mine.Less(theirs):
		return true
	case theirs.Less(mine):
		return false
	default:
		return e.self > peer
	}
}

func (e *Engine) onMutexRequest(ctx context.Context, from string, clock vectorclock.Clock) {
	g := grantee{peer: from, request: clock.String()}
	if e.mutex.state == Held || (e.mutex.state == Wanted && e.precedes(clock, from)) {
		e.mutex.deferred = append(e.mutex.deferred, g)
		e.logger.Debug("mutex request deferred", "session", e.cfg.Session, "peer", from)
		return
	}
	e.grant(ctx, g)
}

func (e *Engine) onMutexGrant(ctx context.Context, from, request string) {
	if e.mutex.state != Wanted || request != e.mutex.requestKey {
		return
	}
	delete(e.mutex.pending, from)
	if len(e.mutex.pending) == 0 {
		e.hold(ctx)
	}
}

// mutexPeerGone drops a departed participant from the pending agreements and
// the deferred queue.
func (e *Engine) mutexPeerGone(ctx context.Context, id string) {
	kept := e.mutex.deferred[:0]
	for _, g := range e.mutex.deferred {
		if g.peer != id {
			kept = append(kept, g)
		}
	}
	e.mutex.deferred = kept

	if e.mutex.state != Wanted {
		return
	}
	if _, ok := e.mutex.pending[id]; !ok {
		return
	}
	delete(e.mutex.pending, id)
	if len(e.mutex.pending) == 0 {
		e.hold(ctx)
	}
}
