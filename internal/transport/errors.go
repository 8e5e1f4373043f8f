package transport

import (
	"errors"
	"fmt"
)

// Sentinel errors for transport operations.
var (
	// Send errors
	ErrEmptyPayload      = errors.New("empty payload")
	ErrTooManyFragments  = errors.New("payload requires more fragments than allowed")
	ErrCompressionFailed = errors.New("payload compression failed")

	// Receive errors
	ErrShortDatagram     = errors.New("datagram shorter than fragment header")
	ErrMalformedHeader   = errors.New("malformed fragment header")
	ErrInconsistentTotal = errors.New("fragment total differs from earlier fragments")
	ErrMalformedFrame    = errors.New("malformed payload frame")

	// Lifecycle errors
	ErrClosed     = errors.New("transport closed")
	ErrNoGroup    = errors.New("multicast group address required")
	ErrNoSuchHost = errors.New("no interface with the given address")
)

// FragmentError wraps an error with packet context.
type FragmentError struct {
	PacketID string
	Op       string
	Err      error
}

// Error returns the error message.
func (e *FragmentError) Error() string {
	if e.PacketID != "" {
		return fmt.Sprintf("packet %s: %s: %v", e.PacketID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *FragmentError) Unwrap() error {
	return e.Err
}

func newFragmentError(packetID, op string, err error) *FragmentError {
	return &FragmentError{PacketID: packetID, Op: op, Err: err}
}
