package coordination

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/LeJamon/causalmesh/internal/causal"
	"github.com/LeJamon/causalmesh/internal/router"
	"github.com/LeJamon/causalmesh/internal/transport"
)

const testSession = "game"

// node is one participant running the full stack on a memory network.
type node struct {
	id     string
	engine *Engine
	causal *causal.Engine
	cancel context.CancelFunc
}

// cluster wires participants together. Ordered traffic goes through real
// transports on a shared memory network; control messages go through an
// in-process bus that can isolate participants.
type cluster struct {
	t       *testing.T
	network *transport.MemoryNetwork
	opts    []Option

	mu    sync.Mutex
	nodes map[string]*node
	cut   map[string]bool
}

func newCluster(t *testing.T, opts ...Option) *cluster {
	return &cluster{
		t:       t,
		network: transport.NewMemoryNetwork(),
		opts:    opts,
		nodes:   make(map[string]*node),
		cut:     make(map[string]bool),
	}
}

func fastOptions() []Option {
	return []Option{
		WithTick(10 * time.Millisecond),
		WithTimeUnit(200 * time.Millisecond),
		WithRTTFloor(50 * time.Millisecond),
	}
}

func (c *cluster) start(id string, extra ...Option) *node {
	t := c.t
	t.Helper()

	tr, err := transport.New(c.network.Conn(), transport.WithTick(5*time.Millisecond))
	require.NoError(t, err)
	_, err = tr.Subscribe("mem")
	require.NoError(t, err)
	r, err := router.New(tr)
	require.NoError(t, err)
	ce, err := causal.New(r, testSession, id, causal.WithTick(5*time.Millisecond))
	require.NoError(t, err)

	opts := append(fastOptions(), c.opts...)
	opts = append(opts, extra...)
	e, err := New(ce, &busSender{cluster: c, from: id}, testSession, id, opts...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	n := &node{id: id, engine: e, causal: ce, cancel: cancel}
	c.mu.Lock()
	c.nodes[id] = n
	c.mu.Unlock()

	go tr.Run(ctx)
	go r.Run(ctx)
	go ce.Run(ctx)
	go e.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-e.Done()
	})
	return n
}

// isolate stops control traffic to and from id.
func (c *cluster) isolate(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cut[id] = true
}

// kill stops every component of id.
func (c *cluster) kill(id string) {
	c.mu.Lock()
	n := c.nodes[id]
	c.cut[id] = true
	delete(c.nodes, id)
	c.mu.Unlock()
	n.cancel()
	<-n.engine.Done()
}

type busSender struct {
	cluster *cluster
	from    string
}

func (s *busSender) SendControl(_ string, payload []byte) error {
	c := s.cluster
	c.mu.Lock()
	if c.cut[s.from] {
		c.mu.Unlock()
		return nil
	}
	var targets []*Engine
	for id, n := range c.nodes {
		if !c.cut[id] {
			targets = append(targets, n.engine)
		}
	}
	c.mu.Unlock()

	for _, e := range targets {
		e.HandleControl(payload)
	}
	return nil
}

// waitPeers waits until n knows exactly the given number of peers.
func waitPeers(t *testing.T, n *node, count int) {
	t.Helper()
	require.Eventually(t, func() bool {
		peers, err := n.engine.Peers(context.Background())
		return err == nil && len(peers) == count
	}, 5*time.Second, 10*time.Millisecond, "%s never saw %d peers", n.id, count)
}

func receive(t *testing.T, n *node, count int) []Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out := make([]Delivery, 0, count)
	for len(out) < count {
		d, err := n.engine.Receive(ctx)
		require.NoError(t, err, "%s received %d of %d deliveries", n.id, len(out), count)
		out = append(out, d)
	}
	return out
}

func bodies(ds []Delivery) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = string(d.Body)
	}
	return out
}
