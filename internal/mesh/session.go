package mesh

import (
	"context"

	"github.com/LeJamon/causalmesh/internal/causal"
	"github.com/LeJamon/causalmesh/internal/coordination"
)

// Session is a joined session: its causal channel and its coordination
// engine.
type Session struct {
	Info         SessionInfo
	Causal       *causal.Engine
	Coordination *coordination.Engine

	cancel context.CancelFunc
	done   chan struct{}
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.Info.ID
}

// Send broadcasts a non-exclusive message.
func (s *Session) Send(ctx context.Context, body []byte) error {
	return s.Coordination.Send(ctx, body)
}

// Submit performs an exclusive action.
func (s *Session) Submit(ctx context.Context, body []byte) error {
	return s.Coordination.Submit(ctx, body)
}

// Receive blocks until the next delivery.
func (s *Session) Receive(ctx context.Context) (coordination.Delivery, error) {
	return s.Coordination.Receive(ctx)
}

// Events returns the coordination event stream.
func (s *Session) Events() <-chan coordination.Event {
	return s.Coordination.Events()
}

// Done is closed once both engines have stopped.
func (s *Session) Done() <-chan struct{} {
	return s.done
}
