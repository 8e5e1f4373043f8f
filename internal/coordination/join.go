package coordination

import (
	"context"
	"sort"
	"time"

	"github.com/LeJamon/causalmesh/internal/causal"
	"github.com/LeJamon/causalmesh/internal/vectorclock"
)

func (e *Engine) sendJoin(now time.Time) {
	e.lastJoin = now
	e.sendControl(&Message{Kind: KindJoin})
}

// responder reports whether the local participant answers joins: the host in
// host mode, otherwise the highest id among the existing participants.
func (e *Engine) responder(joiner string) bool {
	if !e.joined {
		return false
	}
	if e.cfg.Mode == ModeHost {
		return e.host == e.self
	}
	for id := range e.peers {
		if id != joiner && id > e.self {
			return false
		}
	}
	return true
}

func (e *Engine) onJoin(ctx context.Context, m *Message) {
	e.ensurePeer(m.Origin).lastSeen = e.cfg.Clock()
	if !e.responder(m.Origin) {
		return
	}

	envs, err := e.orderer.History(ctx, vectorclock.New())
	if err != nil {
		e.logger.Error("history unavailable", "session", e.cfg.Session, "error", err)
		return
	}
	history := make([][]byte, 0, len(envs))
	for _, env := range envs {
		b, err := causal.EncodeEnvelope(env)
		if err != nil {
			e.logger.Error("history envelope not encoded", "session", e.cfg.Session, "error", err)
			return
		}
		history = append(history, b)
	}

	roster := []string{e.self}
	for id := range e.peers {
		roster = append(roster, id)
	}
	sort.Strings(roster)

	e.sendControl(&Message{
		Kind:     KindHistory,
		Target:   m.Origin,
		Roster:   roster,
		Host:     e.host,
		Election: e.election,
		History:  history,
	})
	e.logger.Info("history sent", "session", e.cfg.Session, "joiner", m.Origin, "envelopes", len(history))
}

func (e *Engine) onHistory(ctx context.Context, m *Message) {
	if m.Target != e.self || e.joined {
		return
	}
	for _, id := range m.Roster {
		if id != e.self {
			e.ensurePeer(id)
		}
	}
	e.joined = true
	e.consider(ctx, m.Host, m.Election)

	envs := make([]causal.Envelope, 0, len(m.History))
	for _, b := range m.History {
		env, err := causal.DecodeEnvelope(b)
		if err != nil {
			e.logger.Warn("dropped history envelope", "session", e.cfg.Session, "error", err)
			continue
		}
		envs = append(envs, env)
	}
	if err := e.orderer.Inject(ctx, envs); err != nil {
		e.logger.Error("history not injected", "session", e.cfg.Session, "error", err)
	}
	e.logger.Info("joined session", "session", e.cfg.Session, "roster", len(m.Roster), "envelopes", len(envs), "host", e.host)
}
