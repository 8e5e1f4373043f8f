// Package transport implements multicast delivery of arbitrarily large
// payloads over a medium restricted to small fixed-size datagrams.
//
// A payload is framed (optionally lz4-compressed), split into fragments that
// each carry a fixed-width header, and written as independent datagrams.
// Receivers reassemble fragments by packet id. There is no acknowledgment or
// retransmission: losing any fragment loses the whole logical message. The
// transport does not filter out its own transmissions.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/LeJamon/causalmesh/internal/queue"
)

// Stats is a snapshot of transport counters.
type Stats struct {
	DatagramsSent     uint64 `json:"datagrams_sent"`
	DatagramsReceived uint64 `json:"datagrams_received"`
	MessagesSent      uint64 `json:"messages_sent"`
	MessagesReceived  uint64 `json:"messages_received"`
	PacketsEvicted    uint64 `json:"packets_evicted"`
	Malformed         uint64 `json:"malformed"`
	PendingPackets    int    `json:"pending_packets"`
}

// Transport fragments outgoing payloads and reassembles incoming ones.
type Transport struct {
	cfg      Config
	conn     Conn
	capacity int

	outbox   *queue.Queue[[]byte]
	messages chan []byte

	// Owned by the worker goroutine.
	reassembly *reassemblyBuffer

	membershipsMu sync.Mutex
	memberships   []string

	datagramsSent     atomic.Uint64
	datagramsReceived atomic.Uint64
	messagesSent      atomic.Uint64
	messagesReceived  atomic.Uint64
	evicted           atomic.Uint64
	malformed         atomic.Uint64
	pending           atomic.Int64

	running atomic.Bool
	closed  atomic.Bool
	done    chan struct{}
}

// New creates a transport over conn. Call Run to start it.
func New(conn Conn, opts ...Option) (*Transport, error) {
	if conn == nil {
		return nil, errors.New("transport: conn cannot be nil")
	}
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	t := &Transport{
		cfg:      cfg,
		conn:     conn,
		capacity: cfg.FragmentCapacity(),
		outbox:   queue.New[[]byte](),
		messages: make(chan []byte, cfg.MessageBufferSize),
		done:     make(chan struct{}),
	}
	rb, err := newReassemblyBuffer(cfg.MaxPendingPackets, cfg.ReassemblyTimeout, cfg.Metrics, t.onEvicted)
	if err != nil {
		return nil, fmt.Errorf("reassembly buffer: %w", err)
	}
	t.reassembly = rb
	return t, nil
}

// MaxPayloadSize returns the number of frame bytes that fit under the fragment
// cap. Send accepts payloads up to MaxPayloadSize()-1 bytes whether or not
// they compress.
func (t *Transport) MaxPayloadSize() int {
	return t.capacity * t.cfg.MaxFragments
}

// Send fragments payload and queues its datagrams. It fails before any I/O if
// the payload is empty or needs more fragments than the cap allows.
func (t *Transport) Send(payload []byte) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if len(payload) == 0 {
		return ErrEmptyPayload
	}
	if n := fragmentCount(len(payload)+1, t.capacity); n > t.cfg.MaxFragments {
		return fmt.Errorf("%w: %d fragments needed, limit is %d", ErrTooManyFragments, n, t.cfg.MaxFragments)
	}
	frame, err := encodeFrame(payload, t.cfg.EnableCompression)
	if err != nil {
		return err
	}
	id, datagrams, err := Split(frame, t.capacity, t.cfg.MaxFragments)
	if err != nil {
		return err
	}
	for _, d := range datagrams {
		t.outbox.Put(d)
	}
	t.messagesSent.Add(1)
	t.cfg.Metrics.MessageSent()
	t.cfg.Logger.Debug("message queued", "packet", id, "fragments", len(datagrams), "bytes", len(payload))
	return nil
}

// Messages returns the stream of reassembled payloads. The channel is closed
// when the transport stops. Consumers may stop and resume reading at any time.
func (t *Transport) Messages() <-chan []byte {
	return t.messages
}

// Receive returns the next reassembled payload.
func (t *Transport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case m, ok := <-t.messages:
		if !ok {
			return nil, ErrClosed
		}
		return m, nil
	}
}

// Subscribe joins the multicast group on the interface owning host. It returns
// false without error when already subscribed on that host.
func (t *Transport) Subscribe(host string) (bool, error) {
	t.membershipsMu.Lock()
	defer t.membershipsMu.Unlock()

	for _, h := range t.memberships {
		if h == host {
			return false, nil
		}
	}
	if err := t.conn.JoinGroup(host); err != nil {
		return false, fmt.Errorf("join group on %s: %w", host, err)
	}
	t.memberships = append(t.memberships, host)
	t.cfg.Logger.Info("subscribed", "host", host)
	return true, nil
}

// Unsubscribe leaves the multicast group on host. It returns false without
// error when not subscribed on that host.
func (t *Transport) Unsubscribe(host string) (bool, error) {
	t.membershipsMu.Lock()
	defer t.membershipsMu.Unlock()

	for i, h := range t.memberships {
		if h != host {
			continue
		}
		t.memberships = append(t.memberships[:i], t.memberships[i+1:]...)
		if err := t.conn.LeaveGroup(host); err != nil {
			return true, fmt.Errorf("leave group on %s: %w", host, err)
		}
		t.cfg.Logger.Info("unsubscribed", "host", host)
		return true, nil
	}
	return false, nil
}

// Memberships returns the hosts currently subscribed.
func (t *Transport) Memberships() []string {
	t.membershipsMu.Lock()
	defer t.membershipsMu.Unlock()
	return append([]string(nil), t.memberships...)
}

// Stats returns a snapshot of the transport counters.
func (t *Transport) Stats() Stats {
	return Stats{
		DatagramsSent:     t.datagramsSent.Load(),
		DatagramsReceived: t.datagramsReceived.Load(),
		MessagesSent:      t.messagesSent.Load(),
		MessagesReceived:  t.messagesReceived.Load(),
		PacketsEvicted:    t.evicted.Load(),
		Malformed:         t.malformed.Load(),
		PendingPackets:    int(t.pending.Load()),
	}
}

// Done is closed once Run has finished its teardown.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

// Run starts the receive and worker loops and blocks until ctx is cancelled.
// On exit it flushes queued datagrams, drops every group membership, closes
// the conn and closes the Messages channel.
func (t *Transport) Run(ctx context.Context) error {
	if !t.running.CompareAndSwap(false, true) {
		return errors.New("transport: already running")
	}
	defer close(t.done)

	datagrams := make(chan []byte, t.cfg.MessageBufferSize)
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error { return t.readLoop(gCtx, datagrams) })
	g.Go(func() error { return t.workLoop(gCtx, datagrams) })
	g.Go(func() error {
		// Interrupt a read blocked on a long deadline.
		<-gCtx.Done()
		_ = t.conn.SetReadDeadline(time.Unix(1, 0))
		return nil
	})

	err := g.Wait()
	t.teardown()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// readLoop moves datagrams from the conn to the worker. The read deadline is
// refreshed every tick so cancellation is observed.
func (t *Transport) readLoop(ctx context.Context, out chan<- []byte) error {
	buf := make([]byte, 64*1024)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := t.conn.SetReadDeadline(t.cfg.Clock().Add(t.cfg.Tick)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}
		n, err := t.conn.ReadDatagram(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return ctx.Err()
			}
			t.cfg.Logger.Warn("read failed", "error", err)
			continue
		}
		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		select {
		case out <- datagram:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// workLoop owns the reassembly buffer: it flushes the outbox, reassembles
// incoming datagrams and sweeps expired packets.
func (t *Transport) workLoop(ctx context.Context, in <-chan []byte) error {
	ticker := time.NewTicker(t.cfg.Tick)
	defer ticker.Stop()

	sweepEvery := t.cfg.ReassemblyTimeout / 4
	if sweepEvery < t.cfg.Tick {
		sweepEvery = t.cfg.Tick
	}
	lastSweep := t.cfg.Clock()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.outbox.Ready():
			t.flush()
		case d := <-in:
			if err := t.handleDatagram(ctx, d); err != nil {
				return err
			}
		case <-ticker.C:
			t.flush()
			if now := t.cfg.Clock(); now.Sub(lastSweep) >= sweepEvery {
				lastSweep = now
				if n := t.reassembly.sweep(now); n > 0 {
					t.cfg.Logger.Debug("expired incomplete packets", "count", n)
				}
				t.pending.Store(int64(t.reassembly.len()))
			}
		}
	}
}

func (t *Transport) flush() {
	for _, d := range t.outbox.Drain() {
		if err := t.conn.WriteDatagram(d); err != nil {
			t.cfg.Logger.Warn("write failed", "error", err)
			continue
		}
		t.datagramsSent.Add(1)
		t.cfg.Metrics.DatagramSent()
	}
}

func (t *Transport) handleDatagram(ctx context.Context, d []byte) error {
	t.datagramsReceived.Add(1)
	t.cfg.Metrics.DatagramReceived()

	f, err := ParseFragment(d)
	if err != nil || f.Total > t.cfg.MaxFragments {
		t.dropMalformed(err)
		return nil
	}

	var frame []byte
	if f.Total == 1 {
		frame = f.Chunk
	} else {
		data, complete, err := t.reassembly.add(f, t.cfg.Clock())
		t.pending.Store(int64(t.reassembly.len()))
		if err != nil {
			t.dropMalformed(err)
			return nil
		}
		if !complete {
			return nil
		}
		frame = data
	}

	payload, err := decodeFrame(frame, t.MaxPayloadSize())
	if err != nil {
		t.dropMalformed(newFragmentError(f.PacketID, "decode frame", err))
		return nil
	}
	out := make([]byte, len(payload))
	copy(out, payload)

	select {
	case t.messages <- out:
		t.messagesReceived.Add(1)
		t.cfg.Metrics.MessageReassembled()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transport) dropMalformed(err error) {
	if err == nil {
		err = ErrMalformedHeader
	}
	t.malformed.Add(1)
	t.cfg.Metrics.DatagramMalformed()
	t.cfg.Logger.Debug("dropped datagram", "error", err)
}

func (t *Transport) onEvicted(id, reason string) {
	t.evicted.Add(1)
	t.cfg.Logger.Warn("evicted incomplete packet", "packet", id, "reason", reason)
}

func (t *Transport) teardown() {
	t.closed.Store(true)
	t.flush()

	t.membershipsMu.Lock()
	for _, h := range t.memberships {
		if err := t.conn.LeaveGroup(h); err != nil {
			t.cfg.Logger.Warn("leave group failed", "host", h, "error", err)
		}
	}
	t.memberships = nil
	t.membershipsMu.Unlock()

	if err := t.conn.Close(); err != nil {
		t.cfg.Logger.Warn("close failed", "error", err)
	}
	t.reassembly.clear()
	t.pending.Store(0)
	close(t.messages)
	t.cfg.Logger.Info("transport stopped")
}
