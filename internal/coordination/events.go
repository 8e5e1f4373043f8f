package coordination

import "time"

// Mode selects the exclusive-access strategy of a session.
type Mode int

const (
	// ModeMutex serializes exclusive actions with a peer-symmetric causal mutex.
	ModeMutex Mode = iota

	// ModeHost forwards exclusive actions to an elected host.
	ModeHost
)

// String returns the string representation of a Mode.
func (m Mode) String() string {
	switch m {
	case ModeMutex:
		return "mutex"
	case ModeHost:
		return "host"
	default:
		return "unknown"
	}
}

// ParseMode parses the names returned by Mode.String.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "mutex", "":
		return ModeMutex, nil
	case "host":
		return ModeHost, nil
	default:
		return 0, ErrUnknownMode
	}
}

// MutexState is the local state of the peer-symmetric mutex.
type MutexState int32

const (
	Released MutexState = iota
	Wanted
	Held
)

// String returns the string representation of a MutexState.
func (s MutexState) String() string {
	switch s {
	case Released:
		return "RELEASED"
	case Wanted:
		return "WANTED"
	case Held:
		return "HELD"
	default:
		return "UNKNOWN"
	}
}

// EventType represents the type of coordination event.
type EventType int

const (
	// EventPeerJoined is emitted when a participant becomes known.
	EventPeerJoined EventType = iota

	// EventPeerDeparted is emitted when a participant leaves or times out.
	EventPeerDeparted

	// EventHostChanged is emitted when a new host is accepted.
	EventHostChanged

	// EventMutexAcquired is emitted when the local participant enters HELD.
	EventMutexAcquired
)

// String returns the string representation of an EventType.
func (e EventType) String() string {
	switch e {
	case EventPeerJoined:
		return "PeerJoined"
	case EventPeerDeparted:
		return "PeerDeparted"
	case EventHostChanged:
		return "HostChanged"
	case EventMutexAcquired:
		return "MutexAcquired"
	default:
		return "Unknown"
	}
}

// Event is a state change observable by the application.
type Event struct {
	Type    EventType
	Session string

	// Peer is the participant this event relates to (if applicable).
	Peer string

	// Host is the new host (HostChanged).
	Host string

	// Reason is "left" or "timeout" (PeerDeparted).
	Reason string
}

// Delivery is a message released to the application.
type Delivery struct {
	// Origin is the author. For host results it is the requester.
	Origin string
	Body   []byte
	// Exclusive is set for actions serialized by the mutex or the host.
	Exclusive bool
	RequestID string
	Self      bool
}

// PeerInfo describes a known participant.
type PeerInfo struct {
	ID       string        `json:"id"`
	RTT      time.Duration `json:"rtt"`
	LastSeen time.Time     `json:"last_seen"`
}

// Status is a snapshot of a session's coordination state.
type Status struct {
	Session     string        `json:"session"`
	Participant string        `json:"participant"`
	Mode        string        `json:"mode"`
	Joined      bool          `json:"joined"`
	Host        string        `json:"host,omitempty"`
	Election    int64         `json:"election,omitempty"`
	Mutex       string        `json:"mutex"`
	Peers       []PeerInfo    `json:"peers"`
	Outstanding int           `json:"outstanding_requests"`
	Pending     int           `json:"pending_envelopes"`
	Blocked     time.Duration `json:"blocked,omitempty"`
	WaitingOn   []string      `json:"waiting_on,omitempty"`
}
