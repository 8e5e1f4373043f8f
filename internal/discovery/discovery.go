// Package discovery defines the narrow peer-directory interface the mesh
// consumes, and a static in-process implementation.
package discovery

import (
	"errors"
	"sort"
	"sync"
)

// Description keys published by a participant.
const (
	KeyParticipant = "participant"
	KeyHost        = "host"
	KeyPort        = "port"
	KeyProtocol    = "protocol"
)

// ProtocolVersion is the value of KeyProtocol understood by this build.
const ProtocolVersion = "1"

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("directory closed")

// ChangeFunc is called when a peer's description changes. full is the
// peer's complete new description; changed and removed list the keys that
// differ from the previous one.
type ChangeFunc func(peerID string, full map[string]string, changed, removed []string)

//go:generate mockgen -destination=discoverymock/directory.go -package=discoverymock github.com/LeJamon/causalmesh/internal/discovery Directory

// Directory publishes the local description and reports peers' descriptions.
type Directory interface {
	Publish(description map[string]string) error
	OnPeerDescriptionChanged(fn ChangeFunc)
}

// StaticRegistry is a shared in-process directory. Every StaticDirectory
// attached to the same registry sees the others' publications.
type StaticRegistry struct {
	mu      sync.Mutex
	entries map[string]map[string]string
	members map[string]*StaticDirectory
}

// NewStaticRegistry creates an empty registry.
func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{
		entries: make(map[string]map[string]string),
		members: make(map[string]*StaticDirectory),
	}
}

// Directory returns the directory for peerID, creating it if needed.
func (r *StaticRegistry) Directory(peerID string) *StaticDirectory {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.members[peerID]; ok {
		return d
	}
	d := &StaticDirectory{registry: r, peerID: peerID}
	r.members[peerID] = d
	return d
}

// Peers returns the ids with a current publication, sorted.
func (r *StaticRegistry) Peers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type notification struct {
	fn      ChangeFunc
	full    map[string]string
	changed []string
	removed []string
}

func (r *StaticRegistry) publish(from string, desc map[string]string) {
	r.mu.Lock()
	prev := r.entries[from]
	changed, removed := Diff(prev, desc)
	if desc == nil {
		delete(r.entries, from)
	} else {
		r.entries[from] = copyDescription(desc)
	}

	var pending []notification
	if len(changed) > 0 || len(removed) > 0 {
		for id, d := range r.members {
			if id == from {
				continue
			}
			for _, fn := range d.callbacks() {
				pending = append(pending, notification{fn: fn, full: copyDescription(desc), changed: changed, removed: removed})
			}
		}
	}
	r.mu.Unlock()

	for _, n := range pending {
		n.fn(from, n.full, n.changed, n.removed)
	}
}

func (r *StaticRegistry) snapshot(except string) map[string]map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]map[string]string, len(r.entries))
	for id, desc := range r.entries {
		if id != except {
			out[id] = copyDescription(desc)
		}
	}
	return out
}

// StaticDirectory is one participant's view of a StaticRegistry.
type StaticDirectory struct {
	registry *StaticRegistry
	peerID   string

	mu     sync.Mutex
	fns    []ChangeFunc
	closed bool
}

// Publish replaces the participant's description and notifies the others.
func (d *StaticDirectory) Publish(description map[string]string) error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return ErrClosed
	}
	d.registry.publish(d.peerID, description)
	return nil
}

// OnPeerDescriptionChanged registers fn and replays the current descriptions
// of every other peer to it.
func (d *StaticDirectory) OnPeerDescriptionChanged(fn ChangeFunc) {
	if fn == nil {
		return
	}
	d.mu.Lock()
	d.fns = append(d.fns, fn)
	d.mu.Unlock()

	for id, desc := range d.registry.snapshot(d.peerID) {
		changed, _ := Diff(nil, desc)
		fn(id, desc, changed, nil)
	}
}

// Close withdraws the publication; peers see every key removed.
func (d *StaticDirectory) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()
	d.registry.publish(d.peerID, nil)
	return nil
}

func (d *StaticDirectory) callbacks() []ChangeFunc {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	return append([]ChangeFunc(nil), d.fns...)
}

// Diff returns, sorted, the keys whose value differs between prev and next
// and the keys present only in prev.
func Diff(prev, next map[string]string) (changed, removed []string) {
	for k, v := range next {
		if old, ok := prev[k]; !ok || old != v {
			changed = append(changed, k)
		}
	}
	for k := range prev {
		if _, ok := next[k]; !ok {
			removed = append(removed, k)
		}
	}
	sort.Strings(changed)
	sort.Strings(removed)
	return changed, removed
}

func copyDescription(desc map[string]string) map[string]string {
	if desc == nil {
		return nil
	}
	out := make(map[string]string, len(desc))
	for k, v := range desc {
		out[k] = v
	}
	return out
}
