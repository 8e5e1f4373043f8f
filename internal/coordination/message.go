package coordination

import (
	"fmt"

	"github.com/LeJamon/causalmesh/internal/wire"
)

// Kind identifies a protocol message.
type Kind string

// Message kinds. APP, MUTEX_REQUEST, MUTEX_GRANT and HOST_RESULT travel on the
// causally ordered session channel; the rest are control messages.
const (
	KindApp          Kind = "APP"
	KindMutexRequest Kind = "MUTEX_REQUEST"
	KindMutexGrant   Kind = "MUTEX_GRANT"
	KindKeepAlive    Kind = "KEEP_ALIVE"
	KindHostElected  Kind = "HOST_ELECTED"
	KindHistory      Kind = "HISTORY"
	KindJoin         Kind = "JOIN"
	KindLeave        Kind = "LEAVE"
	KindHostRequest  Kind = "HOST_REQUEST"
	KindHostResult   Kind = "HOST_RESULT"
)

// Ordered reports whether messages of kind k go through causal ordering.
func (k Kind) Ordered() bool {
	switch k {
	case KindApp, KindMutexRequest, KindMutexGrant, KindHostResult:
		return true
	default:
		return false
	}
}

// Message is the coordination protocol unit.
type Message struct {
	Kind    Kind   `codec:"kind"`
	Session string `codec:"session"`
	Origin  string `codec:"origin"`
	// Target addresses a broadcast to one participant.
	Target string `codec:"target,omitempty"`
	// Timestamp is the sender's wall clock in Unix nanoseconds (KEEP_ALIVE).
	Timestamp int64 `codec:"ts,omitempty"`
	// Host and Election describe the sender's accepted election.
	Host     string `codec:"host,omitempty"`
	Election int64  `codec:"election,omitempty"`
	// RequestID names a host request, or the mutex request a grant answers.
	RequestID string   `codec:"request,omitempty"`
	Roster    []string `codec:"roster,omitempty"`
	// History carries encoded envelopes replayed to a joiner.
	History   [][]byte `codec:"history,omitempty"`
	Body      []byte   `codec:"body,omitempty"`
	Exclusive bool     `codec:"exclusive,omitempty"`
}

// Encode returns the wire form of m.
func (m *Message) Encode() ([]byte, error) {
	return wire.Marshal(m)
}

// DecodeMessage parses a message produced by Encode.
func DecodeMessage(b []byte) (*Message, error) {
	var m Message
	if err := wire.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if m.Kind == "" {
		return nil, fmt.Errorf("%w: missing kind", ErrMalformedMessage)
	}
	return &m, nil
}
