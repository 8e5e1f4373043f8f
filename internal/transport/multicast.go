package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/ipv4"
)

// MulticastConn is a Conn over UDP/IPv4 multicast. It binds a receive socket
// on the group port (shared with other processes on the host) and a separate
// send socket on an ephemeral port.
type MulticastConn struct {
	group *net.UDPAddr

	recvRaw net.PacketConn
	recv    *ipv4.PacketConn
	sendRaw net.PacketConn
	send    *ipv4.PacketConn

	closeOnce sync.Once
}

// ListenMulticast opens the receive and send sockets for group:port.
// ttl bounds the hop count of sent datagrams; loopback controls whether the
// host's own receive sockets see them.
func ListenMulticast(ctx context.Context, group string, port, ttl int, loopback bool) (*MulticastConn, error) {
	if group == "" {
		return nil, ErrNoGroup
	}
	groupIP := net.ParseIP(group)
	if groupIP == nil || groupIP.To4() == nil || !groupIP.IsMulticast() {
		return nil, fmt.Errorf("%q is not an IPv4 multicast address", group)
	}

	lc := net.ListenConfig{Control: reuseAddr}
	recvRaw, err := lc.ListenPacket(ctx, "udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("bind receive socket: %w", err)
	}
	if port == 0 {
		port = recvRaw.LocalAddr().(*net.UDPAddr).Port
	}
	sendRaw, err := net.ListenPacket("udp4", "0.0.0.0:0")
	if err != nil {
		recvRaw.Close()
		return nil, fmt.Errorf("bind send socket: %w", err)
	}

	c := &MulticastConn{
		group:   &net.UDPAddr{IP: groupIP, Port: port},
		recvRaw: recvRaw,
		recv:    ipv4.NewPacketConn(recvRaw),
		sendRaw: sendRaw,
		send:    ipv4.NewPacketConn(sendRaw),
	}
	if err := c.send.SetMulticastTTL(ttl); err != nil {
		c.Close()
		return nil, fmt.Errorf("set multicast ttl: %w", err)
	}
	if err := c.send.SetMulticastLoopback(loopback); err != nil {
		c.Close()
		return nil, fmt.Errorf("set multicast loopback: %w", err)
	}
	return c, nil
}

// Port returns the group port.
func (c *MulticastConn) Port() int {
	return c.group.Port
}

func (c *MulticastConn) WriteDatagram(b []byte) error {
	_, err := c.send.WriteTo(b, nil, c.group)
	return err
}

func (c *MulticastConn) ReadDatagram(b []byte) (int, error) {
	n, _, _, err := c.recv.ReadFrom(b)
	return n, err
}

func (c *MulticastConn) SetReadDeadline(t time.Time) error {
	return c.recv.SetReadDeadline(t)
}

func (c *MulticastConn) JoinGroup(host string) error {
	ifi, err := interfaceByHost(host)
	if err != nil {
		return err
	}
	return c.recv.JoinGroup(ifi, &net.UDPAddr{IP: c.group.IP})
}

func (c *MulticastConn) LeaveGroup(host string) error {
	ifi, err := interfaceByHost(host)
	if err != nil {
		return err
	}
	return c.recv.LeaveGroup(ifi, &net.UDPAddr{IP: c.group.IP})
}

func (c *MulticastConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.recvRaw.Close()
		if sendErr := c.sendRaw.Close(); err == nil {
			err = sendErr
		}
	})
	return err
}

// interfaceByHost finds the interface owning the IPv4 address host. The empty
// string and 0.0.0.0 select the system default interface (nil).
func interfaceByHost(host string) (*net.Interface, error) {
	if host == "" || host == "0.0.0.0" {
		return nil, nil
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("%w: %q", ErrNoSuchHost, host)
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for i := range ifaces {
		addrs, err := ifaces[i].Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipn, ok := a.(*net.IPNet); ok && ipn.IP.Equal(ip) {
				return &ifaces[i], nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoSuchHost, host)
}

// LocalHosts returns the IPv4 addresses of the up, multicast-capable interfaces.
func LocalHosts() ([]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var hosts []string
	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagMulticast == 0 {
			continue
		}
		addrs, err := ifi.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipn, ok := a.(*net.IPNet); ok && ipn.IP.To4() != nil {
				hosts = append(hosts, ipn.IP.String())
			}
		}
	}
	return hosts, nil
}

// LocalHostFor returns the address of the local interface whose network
// contains the remote host, so a peer announced on that network can be
// reached by subscribing there.
func LocalHostFor(remote string) (string, error) {
	ip := net.ParseIP(remote)
	if ip == nil {
		return "", fmt.Errorf("%w: %q", ErrNoSuchHost, remote)
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", err
	}
	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagMulticast == 0 {
			continue
		}
		addrs, err := ifi.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipn, ok := a.(*net.IPNet); ok && ipn.IP.To4() != nil && ipn.Contains(ip) {
				return ipn.IP.String(), nil
			}
		}
	}
	return "", fmt.Errorf("%w: no interface reaches %s", ErrNoSuchHost, remote)
}
