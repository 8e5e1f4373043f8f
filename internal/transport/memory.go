package transport

import (
	"context"
	"net"
	"os"
	"sync"
	"time"

	"github.com/LeJamon/causalmesh/internal/queue"
)

// MemoryNetwork is an in-process broadcast domain. Conns created from the same
// network behave like sockets joined to one multicast group.
type MemoryNetwork struct {
	mu    sync.RWMutex
	conns map[*MemoryConn]struct{}
	drop  func(from *MemoryConn, datagram []byte) bool
}

// NewMemoryNetwork creates an empty network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{conns: make(map[*MemoryConn]struct{})}
}

// SetDropFilter installs a predicate deciding which datagrams are lost.
// The filter sees each datagram once per receiver.
func (n *MemoryNetwork) SetDropFilter(drop func(from *MemoryConn, datagram []byte) bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.drop = drop
}

// Conn creates a new endpoint on the network. Loopback is enabled.
func (n *MemoryNetwork) Conn() *MemoryConn {
	c := &MemoryConn{
		network: n,
		inbox:   queue.New[[]byte](),
		groups:  make(map[string]struct{}),
		kick:    make(chan struct{}),
		closed:  make(chan struct{}),
	}
	n.mu.Lock()
	n.conns[c] = struct{}{}
	n.mu.Unlock()
	return c
}

func (n *MemoryNetwork) broadcast(from *MemoryConn, b []byte) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	for c := range n.conns {
		if !c.member() {
			continue
		}
		if n.drop != nil && n.drop(from, b) {
			continue
		}
		datagram := make([]byte, len(b))
		copy(datagram, b)
		c.inbox.Put(datagram)
	}
}

func (n *MemoryNetwork) remove(c *MemoryConn) {
	n.mu.Lock()
	delete(n.conns, c)
	n.mu.Unlock()
}

// MemoryConn is a Conn attached to a MemoryNetwork.
type MemoryConn struct {
	network *MemoryNetwork
	inbox   *queue.Queue[[]byte]

	mu       sync.Mutex
	groups   map[string]struct{}
	deadline time.Time
	kick     chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

func (c *MemoryConn) member() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.groups) > 0
}

// Groups returns the hosts this conn holds membership on.
func (c *MemoryConn) Groups() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	hosts := make([]string, 0, len(c.groups))
	for h := range c.groups {
		hosts = append(hosts, h)
	}
	return hosts
}

func (c *MemoryConn) WriteDatagram(b []byte) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	c.network.broadcast(c, b)
	return nil
}

func (c *MemoryConn) ReadDatagram(b []byte) (int, error) {
	c.mu.Lock()
	deadline, kick := c.deadline, c.kick
	c.mu.Unlock()

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if deadline.IsZero() {
		ctx, cancel = context.WithCancel(context.Background())
	} else {
		ctx, cancel = context.WithDeadline(context.Background(), deadline)
	}
	defer cancel()

	go func() {
		select {
		case <-c.closed:
			cancel()
		case <-kick:
			cancel()
		case <-ctx.Done():
		}
	}()

	datagram, err := c.inbox.Get(ctx)
	if err != nil {
		select {
		case <-c.closed:
			return 0, net.ErrClosed
		default:
			return 0, os.ErrDeadlineExceeded
		}
	}
	return copy(b, datagram), nil
}

// SetReadDeadline sets the deadline for future reads. A read already in
// progress returns a timeout so it can pick up the new deadline.
func (c *MemoryConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	close(c.kick)
	c.kick = make(chan struct{})
	c.mu.Unlock()
	return nil
}

func (c *MemoryConn) JoinGroup(host string) error {
	c.mu.Lock()
	c.groups[host] = struct{}{}
	c.mu.Unlock()
	return nil
}

func (c *MemoryConn) LeaveGroup(host string) error {
	c.mu.Lock()
	delete(c.groups, host)
	c.mu.Unlock()
	return nil
}

func (c *MemoryConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.network.remove(c)
	})
	return nil
}
