package causal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/LeJamon/causalmesh/internal/queue"
)

// bus is an in-process stand-in for the router shared by several engines.
// Messages between a blocked pair are held until released.
type bus struct {
	mu      sync.Mutex
	routers map[string]*busRouter
	blocked map[[2]string]bool
	held    []heldMessage
}

type heldMessage struct {
	to   string
	dest string
	msg  []byte
}

func newBus() *bus {
	return &bus{
		routers: make(map[string]*busRouter),
		blocked: make(map[[2]string]bool),
	}
}

func (b *bus) router(participant string) *busRouter {
	b.mu.Lock()
	defer b.mu.Unlock()
	r := &busRouter{bus: b, participant: participant, queues: make(map[string]*queue.Queue[[]byte])}
	b.routers[participant] = r
	return r
}

// block holds every message from one participant to another.
func (b *bus) block(from, to string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blocked[[2]string{from, to}] = true
}

// release delivers held messages in the order given by perm, or FIFO when
// perm is nil, and lifts all blocks.
func (b *bus) release(perm []int) {
	b.mu.Lock()
	held := b.held
	b.held = nil
	b.blocked = make(map[[2]string]bool)
	b.mu.Unlock()

	if perm == nil {
		for _, h := range held {
			b.deliver(h)
		}
		return
	}
	for _, i := range perm {
		b.deliver(held[i])
	}
}

// drop discards held messages and lifts all blocks.
func (b *bus) drop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.held = nil
	b.blocked = make(map[[2]string]bool)
}

func (b *bus) heldCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.held)
}

func (b *bus) deliver(h heldMessage) {
	b.mu.Lock()
	r := b.routers[h.to]
	b.mu.Unlock()
	if r == nil {
		return
	}
	r.put(h.dest, h.msg)
}

func (b *bus) send(from, dest string, msg []byte) {
	b.mu.Lock()
	var now []heldMessage
	for id := range b.routers {
		h := heldMessage{to: id, dest: dest, msg: msg}
		if b.blocked[[2]string{from, id}] {
			b.held = append(b.held, h)
			continue
		}
		now = append(now, h)
	}
	b.mu.Unlock()

	for _, h := range now {
		b.deliver(h)
	}
}

type busRouter struct {
	bus         *bus
	participant string
	failSend    error

	mu     sync.Mutex
	queues map[string]*queue.Queue[[]byte]
}

func (r *busRouter) RegisterDestination(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.queues[id]; ok {
		return false
	}
	r.queues[id] = queue.New[[]byte]()
	return true
}

func (r *busRouter) RemoveDestination(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.queues[id]; !ok {
		return errors.New("not registered")
	}
	delete(r.queues, id)
	return nil
}

func (r *busRouter) Send(dest string, msg []byte) error {
	if r.failSend != nil {
		return r.failSend
	}
	r.bus.send(r.participant, dest, msg)
	return nil
}

func (r *busRouter) put(dest string, msg []byte) {
	r.mu.Lock()
	q, ok := r.queues[dest]
	r.mu.Unlock()
	if ok {
		q.Put(msg)
	}
}

func (r *busRouter) q(id string) (*queue.Queue[[]byte], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[id]
	if !ok {
		return nil, fmt.Errorf("destination %s not registered", id)
	}
	return q, nil
}

func (r *busRouter) ReceiveMessage(id string) ([]byte, bool, error) {
	q, err := r.q(id)
	if err != nil {
		return nil, false, err
	}
	msg, ok := q.TryGet()
	return msg, ok, nil
}

func (r *busRouter) Ready(id string) (<-chan struct{}, error) {
	q, err := r.q(id)
	if err != nil {
		return nil, err
	}
	return q.Ready(), nil
}

// startEngine creates and runs an engine for participant on b.
func startEngine(t *testing.T, b *bus, participant string, opts ...Option) *Engine {
	t.Helper()
	e, err := New(b.router(participant), "session", participant, append([]Option{WithTick(5 * time.Millisecond)}, opts...)...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go e.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-e.Done()
	})
	return e
}

// collect receives n deliveries from e or fails the test.
func collect(t *testing.T, e *Engine, n int) []Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out := make([]Delivery, 0, n)
	for len(out) < n {
		d, err := e.Receive(ctx)
		require.NoError(t, err, "received %d of %d deliveries", len(out), n)
		out = append(out, d)
	}
	return out
}

func payloads(ds []Delivery) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = string(d.Payload)
	}
	return out
}
