package coordination

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/LeJamon/causalmesh/internal/causal"
	"github.com/LeJamon/causalmesh/internal/queue"
	"github.com/LeJamon/causalmesh/internal/vectorclock"
)

// stubOrderer stamps messages locally and never receives from peers.
type stubOrderer struct {
	self string

	mu       sync.Mutex
	clock    vectorclock.Clock
	sent     []*Message
	injected []causal.Envelope
	history  []causal.Envelope
	stall    causal.StallReport
	sendErr  error
	inbox    *queue.Queue[causal.Delivery]
}

func newStubOrderer(self string) *stubOrderer {
	return &stubOrderer{self: self, clock: vectorclock.New(), inbox: queue.New[causal.Delivery]()}
}

func (s *stubOrderer) Send(_ context.Context, payload []byte, toSelf bool) (causal.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sendErr != nil {
		return causal.Envelope{}, s.sendErr
	}
	s.clock.Increment(s.self)
	env := causal.Envelope{Clock: s.clock.Copy(), SenderID: s.self, OriginID: s.self, Payload: payload}
	if m, err := DecodeMessage(payload); err == nil {
		s.sent = append(s.sent, m)
	}
	if toSelf {
		s.inbox.Put(causal.Delivery{Envelope: env, LocalClock: s.clock.Copy(), Self: true})
	}
	return env, nil
}

func (s *stubOrderer) TryReceive() (causal.Delivery, bool) { return s.inbox.TryGet() }
func (s *stubOrderer) Ready() <-chan struct{}              { return s.inbox.Ready() }

func (s *stubOrderer) History(context.Context, vectorclock.Clock) ([]causal.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history, nil
}

func (s *stubOrderer) Inject(_ context.Context, envs []causal.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.injected = append(s.injected, envs...)
	return nil
}

func (s *stubOrderer) Stalled(context.Context) (causal.StallReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stall, nil
}

func (s *stubOrderer) sentKinds() []Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]Kind, len(s.sent))
	for i, m := range s.sent {
		kinds[i] = m.Kind
	}
	return kinds
}

// stubControl records control messages.
type stubControl struct {
	mu   sync.Mutex
	sent []*Message
}

func (s *stubControl) SendControl(_ string, payload []byte) error {
	m, err := DecodeMessage(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, m)
	return nil
}

func (s *stubControl) last(kind Kind) *Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.sent) - 1; i >= 0; i-- {
		if s.sent[i].Kind == kind {
			return s.sent[i]
		}
	}
	return nil
}

// recordingLogger keeps the messages logged at error level.
type recordingLogger struct {
	mu     sync.Mutex
	errors []string
}

func (l *recordingLogger) Debug(string, ...interface{}) {}
func (l *recordingLogger) Info(string, ...interface{})  {}
func (l *recordingLogger) Warn(string, ...interface{})  {}

func (l *recordingLogger) Error(msg string, _ ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, msg)
}

func (l *recordingLogger) errorMessages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.errors...)
}

// runStubEngine runs e until the test ends.
func runStubEngine(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go e.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-e.Done()
	})
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// newStubEngine builds an engine that is driven directly by the test rather
// than by Run.
func newStubEngine(t *testing.T, id string, mode Mode, opts ...Option) *Engine {
	t.Helper()
	e, err := New(newStubOrderer(id), &stubControl{}, testSession, id, append([]Option{WithMode(mode)}, opts...)...)
	require.NoError(t, err)
	return e
}

func control(from string, kind Kind) *Message {
	return &Message{Kind: kind, Session: testSession, Origin: from}
}

func encode(t *testing.T, m *Message) []byte {
	t.Helper()
	b, err := m.Encode()
	require.NoError(t, err)
	return b
}
