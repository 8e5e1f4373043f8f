package transport

import (
	"bytes"
	"context"
	"math/rand"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testHost = "127.0.0.1"

// startTransport runs a transport on net, subscribed to testHost.
func startTransport(t *testing.T, network *MemoryNetwork, opts ...Option) *Transport {
	t.Helper()
	opts = append([]Option{WithTick(5 * time.Millisecond)}, opts...)
	tr, err := New(network.Conn(), opts...)
	require.NoError(t, err)

	ok, err := tr.Subscribe(testHost)
	require.NoError(t, err)
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	go tr.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-tr.Done()
	})
	return tr
}

func receive(t *testing.T, tr *Transport, timeout time.Duration) ([]byte, bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	m, err := tr.Receive(ctx)
	if err != nil {
		return nil, false
	}
	return m, true
}

// TestTransport_RoundTrip tests byte-for-byte reassembly for a range of sizes
func TestTransport_RoundTrip(t *testing.T) {
	const maxFragments = 50
	capacity := DefaultPacketSize - HeaderSize
	rng := rand.New(rand.NewSource(1))

	sizes := []int{1, 2, capacity - 1, capacity, capacity + 1, 3*capacity + 7, 1000, (maxFragments - 1) * capacity}

	for _, compress := range []bool{false, true} {
		network := NewMemoryNetwork()
		sender := startTransport(t, network, WithMaxFragments(maxFragments), WithCompression(compress))
		receiver := startTransport(t, network, WithMaxFragments(maxFragments), WithCompression(compress))

		for _, size := range sizes {
			payload := make([]byte, size)
			rng.Read(payload)

			require.NoError(t, sender.Send(payload))
			got, ok := receive(t, receiver, 2*time.Second)
			require.True(t, ok, "size %d compress %v", size, compress)
			assert.True(t, bytes.Equal(payload, got), "size %d compress %v", size, compress)

			// loopback: the sender hears itself too
			echo, ok := receive(t, sender, 2*time.Second)
			require.True(t, ok)
			assert.True(t, bytes.Equal(payload, echo))
		}
	}
}

// TestTransport_CompressedRoundTrip tests a compressible payload that would not fit uncompressed datagram counts
func TestTransport_CompressedRoundTrip(t *testing.T) {
	network := NewMemoryNetwork()
	sender := startTransport(t, network)
	receiver := startTransport(t, network)

	payload := []byte(strings.Repeat("move:column=3;player=alice;", 400))
	require.NoError(t, sender.Send(payload))

	got, ok := receive(t, receiver, 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, payload, got)

	stats := sender.Stats()
	assert.Less(t, stats.DatagramsSent, uint64(fragmentCount(len(payload), DefaultPacketSize-HeaderSize)))
}

// TestTransport_SendLimits tests that oversized and empty payloads fail before any I/O
func TestTransport_SendLimits(t *testing.T) {
	network := NewMemoryNetwork()
	tr, err := New(network.Conn(), WithMaxFragments(4))
	require.NoError(t, err)
	capacity := DefaultPacketSize - HeaderSize

	assert.ErrorIs(t, tr.Send(nil), ErrEmptyPayload)
	assert.ErrorIs(t, tr.Send(make([]byte, 4*capacity)), ErrTooManyFragments)
	// compressible data is still rejected on its raw size
	assert.ErrorIs(t, tr.Send(bytes.Repeat([]byte{'a'}, 4*capacity)), ErrTooManyFragments)
	assert.NoError(t, tr.Send(make([]byte, 4*capacity-1)))

	assert.Equal(t, uint64(1), tr.Stats().MessagesSent)
	assert.Equal(t, uint64(0), tr.Stats().DatagramsSent)
}

// TestTransport_FragmentLoss tests that losing one fragment drops only that message
func TestTransport_FragmentLoss(t *testing.T) {
	network := NewMemoryNetwork()
	network.SetDropFilter(func(_ *MemoryConn, d []byte) bool {
		f, err := ParseFragment(d)
		return err == nil && f.Total == 5 && f.Seq == 2
	})

	sender := startTransport(t, network, WithCompression(false))
	receiver := startTransport(t, network, WithCompression(false), WithReassemblyTimeout(50*time.Millisecond))

	capacity := DefaultPacketSize - HeaderSize
	big := bytes.Repeat([]byte{'b'}, 5*capacity-1)
	require.NoError(t, sender.Send(big))
	require.NoError(t, sender.Send([]byte("independent")))

	got, ok := receive(t, receiver, 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, []byte("independent"), got)

	_, ok = receive(t, receiver, 100*time.Millisecond)
	assert.False(t, ok)

	require.Eventually(t, func() bool {
		return receiver.Stats().PacketsEvicted == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, receiver.Stats().PendingPackets)
}

// TestTransport_Subscribe tests idempotent membership management
func TestTransport_Subscribe(t *testing.T) {
	network := NewMemoryNetwork()
	conn := network.Conn()
	tr, err := New(conn)
	require.NoError(t, err)

	ok, err := tr.Subscribe(testHost)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = tr.Subscribe(testHost)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = tr.Subscribe("10.0.0.1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.ElementsMatch(t, []string{testHost, "10.0.0.1"}, tr.Memberships())
	assert.ElementsMatch(t, []string{testHost, "10.0.0.1"}, conn.Groups())

	ok, err = tr.Unsubscribe("10.0.0.1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = tr.Unsubscribe("10.0.0.1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []string{testHost}, conn.Groups())
}

// TestTransport_NoMembershipNoDelivery tests that an unsubscribed endpoint hears nothing
func TestTransport_NoMembershipNoDelivery(t *testing.T) {
	network := NewMemoryNetwork()
	sender := startTransport(t, network)

	tr, err := New(network.Conn(), WithTick(5*time.Millisecond))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	go tr.Run(ctx)
	defer func() {
		cancel()
		<-tr.Done()
	}()

	require.NoError(t, sender.Send([]byte("hello")))
	_, ok := receive(t, tr, 100*time.Millisecond)
	assert.False(t, ok)
}

// TestTransport_Teardown tests that stopping flushes, leaves groups and closes the stream
func TestTransport_Teardown(t *testing.T) {
	network := NewMemoryNetwork()
	listener := startTransport(t, network)

	conn := network.Conn()
	tr, err := New(conn, WithTick(time.Hour))
	require.NoError(t, err)
	_, err = tr.Subscribe(testHost)
	require.NoError(t, err)

	require.NoError(t, tr.Send([]byte("bye")))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- tr.Run(ctx) }()

	cancel()
	require.NoError(t, <-errCh)

	got, ok := receive(t, listener, 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, []byte("bye"), got)

	assert.Empty(t, conn.Groups())
	assert.Empty(t, tr.Memberships())
	_, open := <-tr.Messages()
	assert.False(t, open)
	assert.ErrorIs(t, tr.Send([]byte("late")), ErrClosed)
}

// TestTransport_MalformedDatagram tests that garbage is counted and ignored
func TestTransport_MalformedDatagram(t *testing.T) {
	network := NewMemoryNetwork()
	receiver := startTransport(t, network)
	raw := network.Conn()
	require.NoError(t, raw.JoinGroup(testHost))

	require.NoError(t, raw.WriteDatagram([]byte("garbage")))
	require.NoError(t, raw.WriteDatagram(Fragment{PacketID: strings.Repeat("x", 36), Seq: 0, Total: 1, Chunk: []byte{0x09}}.Marshal()))

	require.Eventually(t, func() bool {
		return receiver.Stats().Malformed == 2
	}, 2*time.Second, 10*time.Millisecond)
}

// TestConfig_Validate tests configuration validation
func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 104, cfg.FragmentCapacity())

	bad := DefaultConfig()
	bad.PacketSize = HeaderSize
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.MaxFragments = 100000
	assert.Error(t, bad.Validate())

	_, err := New(nil)
	assert.Error(t, err)
}

// TestMulticastConn_Loopback tests the UDP multicast conn when the host permits it
func TestMulticastConn_Loopback(t *testing.T) {
	if os.Getenv("CAUSALMESH_TEST_MULTICAST") == "" {
		t.Skip("set CAUSALMESH_TEST_MULTICAST to run against real sockets")
	}
	conn, err := ListenMulticast(context.Background(), DefaultGroup, 0, DefaultTTL, true)
	require.NoError(t, err)

	tr, err := New(conn, WithTick(5*time.Millisecond))
	require.NoError(t, err)
	_, err = tr.Subscribe("")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go tr.Run(ctx)
	defer func() {
		cancel()
		<-tr.Done()
	}()

	require.NoError(t, tr.Send([]byte("over the wire")))
	got, ok := receive(t, tr, 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, []byte("over the wire"), got)
}

// TestLocalHostFor tests interface selection for a peer address
func TestLocalHostFor(t *testing.T) {
	_, err := LocalHostFor("not-an-address")
	assert.ErrorIs(t, err, ErrNoSuchHost)

	hosts, err := LocalHosts()
	require.NoError(t, err)
	for _, h := range hosts {
		got, err := LocalHostFor(h)
		require.NoError(t, err)
		assert.NotEmpty(t, got)
	}
}
