package coordination

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type hostRequest struct {
	id     string
	body   []byte
	target string
	sentAt time.Time
}

// consider applies an election announcement if it is later than the one
// already accepted. Equal timestamps go to the higher host id.
func (e *Engine) consider(ctx context.Context, host string, ts int64) {
	if e.cfg.Mode != ModeHost || host == "" {
		return
	}
	if ts > e.election || (ts == e.election && e.host != "" && host > e.host) {
		e.applyElection(ctx, host, ts)
	}
}

func (e *Engine) applyElection(ctx context.Context, host string, ts int64) {
	prev := e.host
	e.host = host
	e.election = ts
	e.publishState()

	if prev != host {
		e.metrics.HostChanged(e.cfg.Session)
		e.emit(Event{Type: EventHostChanged, Host: host})
		e.logger.Info("host elected", "session", e.cfg.Session, "host", host, "election", ts)
	}
	e.retransmit(ctx)
}

// maybeElect declares the local participant host when no host is known and
// it has the highest id among the surviving participants.
func (e *Engine) maybeElect(ctx context.Context) {
	if e.cfg.Mode != ModeHost || e.host != "" || !e.joined {
		return
	}
	for id := range e.peers {
		if id > e.self {
			return
		}
	}
	e.declare(ctx)
}

func (e *Engine) declare(ctx context.Context) {
	ts := e.cfg.Clock().UnixNano()
	if ts <= e.election {
		ts = e.election + 1
	}
	e.applyElection(ctx, e.self, ts)
	e.sendControl(&Message{Kind: KindHostElected, Host: e.self, Election: ts})
}

// announceCreatorHost broadcasts the election a host-mode creator starts
// with.
func (e *Engine) announceCreatorHost() {
	e.metrics.HostChanged(e.cfg.Session)
	e.emit(Event{Type: EventHostChanged, Host: e.self})
	e.logger.Info("host elected", "session", e.cfg.Session, "host", e.self, "election", e.election)
	e.sendControl(&Message{Kind: KindHostElected, Host: e.self, Election: e.election})
}

// request queues an exclusive action for the host.
func (e *Engine) request(ctx context.Context, body []byte) {
	req := &hostRequest{id: uuid.NewString(), body: body}
	e.outstanding = append(e.outstanding, req)

	switch e.host {
	case "":
		e.logger.Debug("host request waiting for an election", "session", e.cfg.Session, "request", req.id)
	case e.self:
		req.target = e.self
		req.sentAt = e.cfg.Clock()
		e.apply(ctx, e.self, req.id, body)
	default:
		e.sendRequest(req)
	}
}

func (e *Engine) sendRequest(req *hostRequest) {
	req.target = e.host
	req.sentAt = e.cfg.Clock()
	e.sendControl(&Message{Kind: KindHostRequest, Target: e.host, RequestID: req.id, Body: req.body})
}

// retransmit resends outstanding requests addressed to a host that is no
// longer current or left unacknowledged past the departure timeout.
func (e *Engine) retransmit(ctx context.Context) {
	if e.host == "" {
		return
	}
	now := e.cfg.Clock()
	timeout := e.departureTimeout()

	kept := e.outstanding[:0]
	for _, req := range e.outstanding {
		if _, done := e.applied[req.id]; done {
			continue
		}
		kept = append(kept, req)
		if req.target == e.host && now.Sub(req.sentAt) <= timeout {
			continue
		}
		if req.target != "" {
			e.metrics.HostRequestRetransmitted(e.cfg.Session)
			e.logger.Info("retransmitting host request", "session", e.cfg.Session, "request", req.id, "host", e.host)
		}
		if e.host == e.self {
			req.target = e.self
			req.sentAt = now
			e.apply(ctx, e.self, req.id, req.body)
		} else {
			e.sendRequest(req)
		}
	}
	e.outstanding = kept
}

func (e *Engine) onHostRequest(ctx context.Context, m *Message) {
	if e.host != e.self {
		e.logger.Debug("host request for another host", "session", e.cfg.Session, "request", m.RequestID, "host", e.host)
		return
	}
	e.apply(ctx, m.Origin, m.RequestID, m.Body)
}

// apply serializes a request as host: the result is broadcast on the ordered
// channel and doubles as the requester's acknowledgment.
func (e *Engine) apply(ctx context.Context, requester, id string, body []byte) {
	if _, ok := e.issued[id]; ok {
		return
	}
	if _, ok := e.applied[id]; ok {
		return
	}
	e.issued[id] = struct{}{}
	m := &Message{Kind: KindHostResult, Target: requester, RequestID: id, Body: body, Exclusive: true}
	if _, err := e.sendOrdered(ctx, m, true); err != nil {
		delete(e.issued, id)
		e.logger.Error("host result not sent", "session", e.cfg.Session, "request", id, "error", err)
	}
}

func (e *Engine) onHostResult(m *Message, self bool) {
	if m.Target == e.self {
		for i, req := range e.outstanding {
			if req.id == m.RequestID {
				e.outstanding = append(e.outstanding[:i], e.outstanding[i+1:]...)
				break
			}
		}
	}
	if _, dup := e.applied[m.RequestID]; dup {
		return
	}
	e.applied[m.RequestID] = struct{}{}
	e.deliver(Delivery{
		Origin:    m.Target,
		Body:      m.Body,
		Exclusive: true,
		RequestID: m.RequestID,
		Self:      self,
	})
}
