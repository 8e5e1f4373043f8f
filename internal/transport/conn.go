package transport

import "time"

// Conn is the datagram medium the transport runs over. Every datagram written
// is delivered (best effort) to every member of the group, the writer
// included when loopback is enabled.
type Conn interface {
	// WriteDatagram sends one datagram to the group.
	WriteDatagram(b []byte) error
	// ReadDatagram reads the next datagram into b.
	ReadDatagram(b []byte) (int, error)
	// SetReadDeadline bounds the next ReadDatagram call.
	SetReadDeadline(t time.Time) error
	// JoinGroup adds group membership on the interface owning host.
	JoinGroup(host string) error
	// LeaveGroup drops group membership on the interface owning host.
	LeaveGroup(host string) error
	Close() error
}
