package mesh

import (
	"fmt"
	"sort"
	"time"

	"github.com/LeJamon/causalmesh/internal/wire"
)

// ControlKind identifies a message on the service-to-service channel.
type ControlKind string

const (
	// ControlDirectory carries the sessions the sender participates in.
	ControlDirectory ControlKind = "DIRECTORY"
	// ControlSession carries a coordination control message for one session.
	ControlSession ControlKind = "SESSION"
)

// ControlMessage is the unit of the service-to-service channel.
type ControlMessage struct {
	Kind      ControlKind   `codec:"kind"`
	Origin    string        `codec:"origin"`
	Session   string        `codec:"session,omitempty"`
	Directory []SessionInfo `codec:"directory,omitempty"`
	Payload   []byte        `codec:"payload,omitempty"`
}

func decodeControl(b []byte) (*ControlMessage, error) {
	var m ControlMessage
	if err := wire.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	if m.Origin == "" {
		return nil, fmt.Errorf("%w: control message without origin", wire.ErrDecodeFailed)
	}
	return &m, nil
}

// SessionInfo describes a session in the directory.
type SessionInfo struct {
	ID           string    `codec:"id" json:"id"`
	Name         string    `codec:"name" json:"name"`
	Description  string    `codec:"description,omitempty" json:"description,omitempty"`
	Mode         string    `codec:"mode" json:"mode"`
	Participants []string  `codec:"participants,omitempty" json:"participants"`
	Created      time.Time `codec:"created" json:"created"`
}

type directoryEntry struct {
	info    SessionInfo
	members map[string]time.Time
}

// sessionDirectory merges the sessions announced by every participant. A
// session disappears when nobody announces it any more.
type sessionDirectory struct {
	entries map[string]*directoryEntry
}

func newSessionDirectory() *sessionDirectory {
	return &sessionDirectory{entries: make(map[string]*directoryEntry)}
}

// merge records that origin currently participates in exactly the given
// sessions.
func (d *sessionDirectory) merge(origin string, sessions []SessionInfo, now time.Time) {
	listed := make(map[string]struct{}, len(sessions))
	for _, info := range sessions {
		if info.ID == "" {
			continue
		}
		listed[info.ID] = struct{}{}
		e, ok := d.entries[info.ID]
		if !ok {
			info.Participants = nil
			e = &directoryEntry{info: info, members: make(map[string]time.Time)}
			d.entries[info.ID] = e
		}
		e.members[origin] = now
	}
	for id, e := range d.entries {
		if _, ok := listed[id]; ok {
			continue
		}
		delete(e.members, origin)
	}
	d.prune()
}

// expire forgets members not heard from since cutoff, except keep.
func (d *sessionDirectory) expire(cutoff time.Time, keep string) {
	for _, e := range d.entries {
		for id, seen := range e.members {
			if id != keep && seen.Before(cutoff) {
				delete(e.members, id)
			}
		}
	}
	d.prune()
}

func (d *sessionDirectory) prune() {
	for id, e := range d.entries {
		if len(e.members) == 0 {
			delete(d.entries, id)
		}
	}
}

func (d *sessionDirectory) get(id string) (SessionInfo, bool) {
	e, ok := d.entries[id]
	if !ok {
		return SessionInfo{}, false
	}
	return e.snapshot(), true
}

func (d *sessionDirectory) list() []SessionInfo {
	out := make([]SessionInfo, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, e.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Created.Equal(out[j].Created) {
			return out[i].Created.Before(out[j].Created)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (e *directoryEntry) snapshot() SessionInfo {
	info := e.info
	info.Participants = make([]string, 0, len(e.members))
	for id := range e.members {
		info.Participants = append(info.Participants, id)
	}
	sort.Strings(info.Participants)
	return info
}
