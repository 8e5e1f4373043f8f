package coordination

import (
	"context"
	"time"
)

type peer struct {
	id       string
	lastSeen time.Time
	rtt      time.Duration
	samples  int
}

// notice records a participant seen on the session channel. Participants
// that departed are only re-admitted by a keep-alive or a join.
func (e *Engine) notice(id string) {
	if _, gone := e.departed[id]; gone {
		return
	}
	e.ensurePeer(id)
}

func (e *Engine) ensurePeer(id string) *peer {
	if p, ok := e.peers[id]; ok {
		return p
	}
	delete(e.departed, id)
	p := &peer{id: id, lastSeen: e.cfg.Clock(), rtt: e.cfg.RTTFloor}
	e.peers[id] = p
	e.metrics.SetPeers(e.cfg.Session, len(e.peers))
	e.emit(Event{Type: EventPeerJoined, Peer: id})
	e.logger.Info("peer joined", "session", e.cfg.Session, "peer", id)
	return p
}

func (e *Engine) removePeer(ctx context.Context, id, reason string) {
	if _, ok := e.peers[id]; !ok {
		return
	}
	delete(e.peers, id)
	e.departed[id] = e.cfg.Clock()
	e.metrics.SetPeers(e.cfg.Session, len(e.peers))
	e.metrics.PeerDeparted(e.cfg.Session, id, reason)
	e.emit(Event{Type: EventPeerDeparted, Peer: id, Reason: reason})
	e.logger.Warn("peer departed", "session", e.cfg.Session, "peer", id, "reason", reason)

	e.mutexPeerGone(ctx, id)

	if id == e.host {
		e.host = ""
		e.publishState()
		e.maybeElect(ctx)
	}
}

// onKeepAlive updates the sender's liveness and RTT estimate and converges on
// the host it reports.
func (e *Engine) onKeepAlive(ctx context.Context, m *Message) {
	now := e.cfg.Clock()
	sample := 2 * now.Sub(time.Unix(0, m.Timestamp))
	if sample < e.cfg.RTTFloor {
		sample = e.cfg.RTTFloor
	}

	p := e.ensurePeer(m.Origin)
	if p.samples == 0 {
		p.rtt = sample
	} else {
		p.rtt += time.Duration(e.cfg.RTTSmoothing * float64(sample-p.rtt))
	}
	p.samples++
	p.lastSeen = now
	e.metrics.SetPeerRTT(e.cfg.Session, p.id, p.rtt.Seconds())

	if m.Host != "" {
		e.consider(ctx, m.Host, m.Election)
	}
}

func (e *Engine) sendKeepAlive(now time.Time) {
	e.lastKeepAlive = now
	e.sendControl(&Message{
		Kind:      KindKeepAlive,
		Timestamp: now.UnixNano(),
		Host:      e.host,
		Election:  e.election,
	})
}

func (e *Engine) checkDepartures(ctx context.Context, now time.Time) {
	timeout := e.departureTimeout()
	var gone []string
	for id, p := range e.peers {
		if now.Sub(p.lastSeen) > timeout {
			gone = append(gone, id)
		}
	}
	for _, id := range gone {
		e.removePeer(ctx, id, "timeout")
	}
}

func (e *Engine) avgRTT() time.Duration {
	if len(e.peers) == 0 {
		return 0
	}
	var sum time.Duration
	for _, p := range e.peers {
		sum += p.rtt
	}
	return sum / time.Duration(len(e.peers))
}

func (e *Engine) maxRTT() time.Duration {
	var max time.Duration
	for _, p := range e.peers {
		if p.rtt > max {
			max = p.rtt
		}
	}
	return max
}

// interval is the keep-alive period: the average RTT bounded by Tick and
// TimeUnit.
func (e *Engine) interval() time.Duration {
	d := e.cfg.TimeUnit
	if avg := e.avgRTT(); avg > 0 && avg < d {
		d = avg
	}
	if d < e.cfg.Tick {
		d = e.cfg.Tick
	}
	return d
}

// departureTimeout is how long a peer may stay silent. It never drops below
// DepartureFactor keep-alive periods.
func (e *Engine) departureTimeout() time.Duration {
	base := e.maxRTT()
	if iv := e.interval(); iv > base {
		base = iv
	}
	return time.Duration(e.cfg.DepartureFactor * float64(base))
}
