package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeJamon/causalmesh/internal/wire"
)

// loopTransport echoes every sent payload back to its own stream.
type loopTransport struct {
	ch chan []byte
}

func newLoopTransport() *loopTransport {
	return &loopTransport{ch: make(chan []byte, 64)}
}

func (l *loopTransport) Send(p []byte) error {
	l.ch <- p
	return nil
}

func (l *loopTransport) Messages() <-chan []byte {
	return l.ch
}

func startRouter(t *testing.T) (*Router, *loopTransport) {
	t.Helper()
	lt := newLoopTransport()
	r, err := New(lt)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return r, lt
}

func waitMessage(t *testing.T, r *Router, id string) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := r.WaitMessage(ctx, id)
	require.NoError(t, err)
	return msg
}

// TestRouter_ServiceDestinationAlwaysRegistered tests the reserved control channel
func TestRouter_ServiceDestinationAlwaysRegistered(t *testing.T) {
	r, err := New(newLoopTransport())
	require.NoError(t, err)

	assert.Equal(t, []string{ServiceToService}, r.Destinations())
	assert.False(t, r.RegisterDestination(ServiceToService))
	assert.ErrorIs(t, r.RemoveDestination(ServiceToService), ErrReservedDestination)

	n, err := r.CountReceivedMessages(ServiceToService)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

// TestRouter_RegisterRemove tests destination lifecycle
func TestRouter_RegisterRemove(t *testing.T) {
	r, err := New(newLoopTransport())
	require.NoError(t, err)

	assert.True(t, r.RegisterDestination("game-1"))
	assert.False(t, r.RegisterDestination("game-1"))
	assert.False(t, r.RegisterDestination(""))
	assert.Equal(t, []string{"game-1", ServiceToService}, r.Destinations())

	require.NoError(t, r.RemoveDestination("game-1"))
	assert.ErrorIs(t, r.RemoveDestination("game-1"), ErrDestinationNotRegistered)
}

// TestRouter_UnregisteredErrors tests that queries on unknown ids fail instead of creating queues
func TestRouter_UnregisteredErrors(t *testing.T) {
	r, err := New(newLoopTransport())
	require.NoError(t, err)

	_, err = r.CountReceivedMessages("nope")
	assert.ErrorIs(t, err, ErrDestinationNotRegistered)
	_, _, err = r.ReceiveMessage("nope")
	assert.ErrorIs(t, err, ErrDestinationNotRegistered)
	_, err = r.WaitMessage(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrDestinationNotRegistered)
	_, err = r.Ready("nope")
	assert.ErrorIs(t, err, ErrDestinationNotRegistered)
	assert.Equal(t, []string{ServiceToService}, r.Destinations())
}

// TestRouter_Dispatch tests that messages reach only their destination
func TestRouter_Dispatch(t *testing.T) {
	r, _ := startRouter(t)
	r.RegisterDestination("a")
	r.RegisterDestination("b")

	require.NoError(t, r.Send("a", []byte("to-a")))
	require.NoError(t, r.Send("b", []byte("to-b-1")))
	require.NoError(t, r.Send("b", []byte("to-b-2")))
	require.NoError(t, r.SendService([]byte("directory")))

	assert.Equal(t, []byte("to-a"), waitMessage(t, r, "a"))
	assert.Equal(t, []byte("to-b-1"), waitMessage(t, r, "b"))
	assert.Equal(t, []byte("to-b-2"), waitMessage(t, r, "b"))
	assert.Equal(t, []byte("directory"), waitMessage(t, r, ServiceToService))

	msg, ok, err := r.ReceiveMessage("a")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, msg)
}

// TestRouter_DropsUnregistered tests that packets for unknown destinations are discarded
func TestRouter_DropsUnregistered(t *testing.T) {
	r, lt := startRouter(t)
	r.RegisterDestination("known")

	require.NoError(t, r.Send("unknown", []byte("lost")))
	lt.ch <- []byte("not msgpack at all")
	require.NoError(t, r.Send("known", []byte("kept")))

	assert.Equal(t, []byte("kept"), waitMessage(t, r, "known"))
	n, err := r.CountReceivedMessages("known")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// registering later does not resurrect dropped messages
	r.RegisterDestination("unknown")
	n, err = r.CountReceivedMessages("unknown")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

// TestRouter_PacketFormat tests the {destination: message} wire shape
func TestRouter_PacketFormat(t *testing.T) {
	lt := newLoopTransport()
	r, err := New(lt)
	require.NoError(t, err)

	require.NoError(t, r.Send("game-7", []byte("payload")))
	var decoded map[string][]byte
	require.NoError(t, wire.Unmarshal(<-lt.ch, &decoded))
	assert.Equal(t, map[string][]byte{"game-7": []byte("payload")}, decoded)

	assert.ErrorIs(t, r.Send("", nil), ErrEmptyDestination)
}
