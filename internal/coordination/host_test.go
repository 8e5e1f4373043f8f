package coordination

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHostCluster(t *testing.T, ids ...string) (*cluster, []*node) {
	c := newCluster(t, WithMode(ModeHost))
	nodes := []*node{c.start(ids[0], AsCreator())}
	for _, id := range ids[1:] {
		nodes = append(nodes, c.start(id))
	}
	for _, n := range nodes {
		waitPeers(t, n, len(ids)-1)
		n := n
		require.Eventually(t, func() bool { return n.engine.CurrentHost() == ids[0] }, 5*time.Second, 10*time.Millisecond)
	}
	return c, nodes
}

// TestHost_Requests tests that exclusive actions go through the host and
// reach every participant once
func TestHost_Requests(t *testing.T) {
	_, nodes := startHostCluster(t, "a", "b", "c")
	ctx := context.Background()

	require.NoError(t, nodes[1].engine.Submit(ctx, []byte("b-move")))
	require.NoError(t, nodes[0].engine.Submit(ctx, []byte("a-move")))

	for _, n := range nodes {
		got := receive(t, n, 2)
		assert.ElementsMatch(t, []string{"b-move", "a-move"}, bodies(got), n.id)
		for _, d := range got {
			assert.True(t, d.Exclusive)
			assert.NotEmpty(t, d.RequestID)
			assert.Equal(t, string(d.Body)[:1], d.Origin)
		}
	}

	require.Eventually(t, func() bool {
		s, err := nodes[1].engine.Status(ctx)
		return err == nil && s.Outstanding == 0
	}, 2*time.Second, 10*time.Millisecond)
}

// TestHost_ElectionOnDeparture tests that the highest surviving participant
// takes over when the host disappears
func TestHost_ElectionOnDeparture(t *testing.T) {
	c, nodes := startHostCluster(t, "a", "b", "c")
	c.kill("a")

	for _, n := range nodes[1:] {
		n := n
		require.Eventually(t, func() bool { return n.engine.CurrentHost() == "c" }, 5*time.Second, 10*time.Millisecond, n.id)
	}

	var sawChange bool
	for len(nodes[1].engine.Events()) > 0 {
		ev := <-nodes[1].engine.Events()
		if ev.Type == EventHostChanged && ev.Host == "c" {
			sawChange = true
		}
	}
	assert.True(t, sawChange)

	require.NoError(t, nodes[1].engine.Submit(context.Background(), []byte("b-move")))
	for _, n := range nodes[1:] {
		got := receive(t, n, 1)
		assert.Equal(t, "b-move", string(got[0].Body))
	}
}

// TestHost_RetransmitAfterElection tests that a request lost with its host is
// applied exactly once by the next host
func TestHost_RetransmitAfterElection(t *testing.T) {
	c, nodes := startHostCluster(t, "a", "b", "c")
	b, cc := nodes[1], nodes[2]

	c.isolate("a")
	require.NoError(t, b.engine.Submit(context.Background(), []byte("b-move")))

	require.Eventually(t, func() bool { return b.engine.CurrentHost() == "c" }, 5*time.Second, 10*time.Millisecond)

	for _, n := range []*node{b, cc} {
		got := receive(t, n, 1)
		assert.Equal(t, "b-move", string(got[0].Body))
		assert.Equal(t, "b", got[0].Origin)
	}

	time.Sleep(300 * time.Millisecond)
	_, ok := b.engine.TryReceive()
	assert.False(t, ok, "request applied twice")
}

// TestElection_Convergence tests that participants converge on the later
// announcement regardless of arrival order
func TestElection_Convergence(t *testing.T) {
	early := &Message{Kind: KindHostElected, Session: testSession, Origin: "q", Host: "q", Election: 100}
	late := &Message{Kind: KindHostElected, Session: testSession, Origin: "p", Host: "p", Election: 200}
	tie := &Message{Kind: KindHostElected, Session: testSession, Origin: "r", Host: "r", Election: 200}
	ctx := context.Background()

	x := newStubEngine(t, "x", ModeHost)
	x.consider(ctx, early.Host, early.Election)
	x.consider(ctx, late.Host, late.Election)

	y := newStubEngine(t, "y", ModeHost)
	y.consider(ctx, late.Host, late.Election)
	y.consider(ctx, early.Host, early.Election)

	assert.Equal(t, "p", x.CurrentHost())
	assert.Equal(t, "p", y.CurrentHost())

	x.consider(ctx, tie.Host, tie.Election)
	assert.Equal(t, "r", x.CurrentHost())
	y.consider(ctx, tie.Host, tie.Election)
	assert.Equal(t, "r", y.CurrentHost())

	m := newStubEngine(t, "m", ModeMutex)
	m.consider(ctx, late.Host, late.Election)
	assert.Empty(t, m.CurrentHost())
}

// TestElection_ThroughRun tests that announcements delivered over the control
// channel and carried by keep-alives are applied by the worker
func TestElection_ThroughRun(t *testing.T) {
	e := newStubEngine(t, "x", ModeHost)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	ka := control("p", KindKeepAlive)
	ka.Timestamp = time.Now().UnixNano()
	ka.Host, ka.Election = "p", 50
	e.HandleControl(encode(t, ka))

	require.Eventually(t, func() bool { return e.CurrentHost() == "p" }, time.Second, 5*time.Millisecond)

	el := control("q", KindHostElected)
	el.Host, el.Election = "q", 60
	e.HandleControl(encode(t, el))
	require.Eventually(t, func() bool { return e.CurrentHost() == "q" }, time.Second, 5*time.Millisecond)
}

// TestHost_SelfElectionWhenHighest tests that the host's departure leads the
// highest survivor to announce itself with a later timestamp
func TestHost_SelfElectionWhenHighest(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	e := newStubEngine(t, "z", ModeHost, WithClock(clock.Now))
	ctl := e.control.(*stubControl)
	ctx := context.Background()
	e.joined = true

	e.ensurePeer("a")
	e.ensurePeer("b")
	e.consider(ctx, "a", 10)
	require.Equal(t, "a", e.CurrentHost())

	e.removePeer(ctx, "a", "left")
	assert.Equal(t, "z", e.CurrentHost())

	m := ctl.last(KindHostElected)
	require.NotNil(t, m)
	assert.Equal(t, "z", m.Host)
	assert.Greater(t, m.Election, int64(10))

	lower := newStubEngine(t, "a0", ModeHost, WithClock(clock.Now))
	lower.joined = true
	lower.ensurePeer("host")
	lower.ensurePeer("b")
	lower.consider(ctx, "host", 10)
	lower.removePeer(ctx, "host", "timeout")
	assert.Empty(t, lower.CurrentHost())
	assert.Nil(t, lower.control.(*stubControl).last(KindHostElected))
}

// TestHost_RequestBeforeElection tests that a request made with no known host
// is sent once a host is accepted
func TestHost_RequestBeforeElection(t *testing.T) {
	e := newStubEngine(t, "b", ModeHost)
	ctl := e.control.(*stubControl)
	ctx := context.Background()

	e.request(ctx, []byte("move"))
	assert.Nil(t, ctl.last(KindHostRequest))
	require.Len(t, e.outstanding, 1)

	e.consider(ctx, "h", 5)
	m := ctl.last(KindHostRequest)
	require.NotNil(t, m)
	assert.Equal(t, "h", m.Target)
	assert.Equal(t, []byte("move"), m.Body)
	assert.Equal(t, e.outstanding[0].id, m.RequestID)

	// The acknowledgment clears the request; a replayed result is ignored.
	result := &Message{Kind: KindHostResult, Origin: "h", Target: "b", RequestID: m.RequestID, Body: []byte("move")}
	e.onHostResult(result, false)
	e.onHostResult(result, false)
	assert.Empty(t, e.outstanding)
	assert.Equal(t, 1, e.inbox.Len())
}

// TestHost_AppliesOnce tests that the host never applies a request twice
func TestHost_AppliesOnce(t *testing.T) {
	e := newStubEngine(t, "h", ModeHost)
	orderer := e.orderer.(*stubOrderer)
	ctx := context.Background()
	e.consider(ctx, "h", 1)

	req := control("b", KindHostRequest)
	req.Target, req.RequestID, req.Body = "h", "r1", []byte("move")
	e.onHostRequest(ctx, req)
	e.onHostRequest(ctx, req)
	assert.Equal(t, []Kind{KindHostResult}, orderer.sentKinds())

	other := newStubEngine(t, "o", ModeHost)
	other.consider(ctx, "h", 1)
	other.onHostRequest(ctx, req)
	assert.Empty(t, other.orderer.(*stubOrderer).sentKinds())
}

// TestHost_CreatorStartsAsHost tests that a host-mode creator is the host as
// soon as the engine exists and announces itself when started
func TestHost_CreatorStartsAsHost(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	e := newStubEngine(t, "a", ModeHost, AsCreator(), WithClock(clock.Now))
	ctl := e.control.(*stubControl)

	assert.Equal(t, "a", e.CurrentHost())
	assert.Equal(t, clock.now.UnixNano(), e.election)
	assert.Nil(t, ctl.last(KindHostElected))

	e.start(context.Background())
	m := ctl.last(KindHostElected)
	require.NotNil(t, m)
	assert.Equal(t, "a", m.Host)
	assert.Equal(t, clock.now.UnixNano(), m.Election)
	assert.Equal(t, "a", e.CurrentHost())

	select {
	case ev := <-e.Events():
		assert.Equal(t, EventHostChanged, ev.Type)
		assert.Equal(t, "a", ev.Host)
	default:
		t.Fatal("no host change event")
	}

	joiner := newStubEngine(t, "b", ModeHost)
	assert.Empty(t, joiner.CurrentHost())
	mutex := newStubEngine(t, "c", ModeMutex, AsCreator())
	assert.Empty(t, mutex.CurrentHost())
}
