// Package router demultiplexes one shared transport into independent
// logical channels keyed by destination id.
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/LeJamon/causalmesh/internal/logging"
	"github.com/LeJamon/causalmesh/internal/metrics"
	"github.com/LeJamon/causalmesh/internal/queue"
	"github.com/LeJamon/causalmesh/internal/wire"
)

// ServiceToService is the reserved control destination. It carries session
// directory updates and is always registered.
const ServiceToService = "service-to-service"

// Sentinel errors for router operations.
var (
	ErrDestinationNotRegistered = errors.New("destination not registered")
	ErrReservedDestination      = errors.New("destination is reserved")
	ErrEmptyDestination         = errors.New("destination id cannot be empty")
)

// Transport is the subset of the fragmenting transport the router needs.
type Transport interface {
	Send(payload []byte) error
	Messages() <-chan []byte
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger for the router.
func WithLogger(l logging.Logger) Option {
	return func(r *Router) {
		r.logger = l
	}
}

// WithMetrics sets the metrics collector for the router.
func WithMetrics(m *metrics.Collector) Option {
	return func(r *Router) {
		r.metrics = m
	}
}

// Router routes reassembled payloads to per-destination inbound queues.
type Router struct {
	transport Transport
	logger    logging.Logger
	metrics   *metrics.Collector

	mu     sync.RWMutex
	queues map[string]*queue.Queue[[]byte]
}

// New creates a router over t with the control destination registered.
func New(t Transport, opts ...Option) (*Router, error) {
	if t == nil {
		return nil, errors.New("router: transport cannot be nil")
	}
	r := &Router{
		transport: t,
		logger:    logging.Nop(),
		queues:    make(map[string]*queue.Queue[[]byte]),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		return nil, errors.New("router: logger cannot be nil")
	}
	r.queues[ServiceToService] = queue.New[[]byte]()
	return r, nil
}

// RegisterDestination creates an empty inbound queue for id. It returns false
// if id was already registered, leaving the existing queue untouched.
func (r *Router) RegisterDestination(id string) bool {
	if id == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.queues[id]; ok {
		return false
	}
	r.queues[id] = queue.New[[]byte]()
	r.logger.Debug("destination registered", "destination", id)
	return true
}

// RemoveDestination deletes the queue for id along with any unread messages.
func (r *Router) RemoveDestination(id string) error {
	if id == ServiceToService {
		return ErrReservedDestination
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.queues[id]; !ok {
		return fmt.Errorf("%w: %s", ErrDestinationNotRegistered, id)
	}
	delete(r.queues, id)
	r.logger.Debug("destination removed", "destination", id)
	return nil
}

// Destinations returns the registered destination ids, sorted.
func (r *Router) Destinations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.queues))
	for id := range r.queues {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Send wraps msg as {destination: msg} and hands it to the transport.
// The destination does not need to be registered locally.
func (r *Router) Send(destination string, msg []byte) error {
	if destination == "" {
		return ErrEmptyDestination
	}
	packet, err := wire.Marshal(map[string][]byte{destination: msg})
	if err != nil {
		return err
	}
	return r.transport.Send(packet)
}

// SendService sends msg on the control destination.
func (r *Router) SendService(msg []byte) error {
	return r.Send(ServiceToService, msg)
}

func (r *Router) queue(id string) (*queue.Queue[[]byte], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	q, ok := r.queues[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDestinationNotRegistered, id)
	}
	return q, nil
}

// CountReceivedMessages returns the number of unread messages for id.
func (r *Router) CountReceivedMessages(id string) (int, error) {
	q, err := r.queue(id)
	if err != nil {
		return 0, err
	}
	return q.Len(), nil
}

// ReceiveMessage returns the oldest unread message for id without blocking.
// The boolean is false when the queue is empty.
func (r *Router) ReceiveMessage(id string) ([]byte, bool, error) {
	q, err := r.queue(id)
	if err != nil {
		return nil, false, err
	}
	msg, ok := q.TryGet()
	return msg, ok, nil
}

// WaitMessage blocks until a message for id arrives or ctx is done.
func (r *Router) WaitMessage(ctx context.Context, id string) ([]byte, error) {
	q, err := r.queue(id)
	if err != nil {
		return nil, err
	}
	return q.Get(ctx)
}

// Ready returns a channel signalled when a message for id is queued. It is
// meant for the single consumer of that destination.
func (r *Router) Ready(id string) (<-chan struct{}, error) {
	q, err := r.queue(id)
	if err != nil {
		return nil, err
	}
	return q.Ready(), nil
}

// Run drains the transport and dispatches packets until ctx is done or the
// transport stream closes.
func (r *Router) Run(ctx context.Context) error {
	messages := r.transport.Messages()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case packet, ok := <-messages:
			if !ok {
				return nil
			}
			r.dispatch(packet)
		}
	}
}

func (r *Router) dispatch(packet []byte) {
	var envelope map[string][]byte
	if err := wire.Unmarshal(packet, &envelope); err != nil {
		r.metrics.PacketDropped(metrics.DropUndecodable)
		r.logger.Debug("dropped undecodable packet", "error", err)
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for destination, msg := range envelope {
		q, ok := r.queues[destination]
		if !ok {
			r.metrics.PacketDropped(metrics.DropUnregistered)
			continue
		}
		q.Put(msg)
		if destination == ServiceToService {
			r.metrics.PacketRouted("service")
		} else {
			r.metrics.PacketRouted("session")
		}
	}
}
