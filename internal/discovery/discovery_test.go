package discovery

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type change struct {
	peer    string
	full    map[string]string
	changed []string
	removed []string
}

type recorder struct {
	mu      sync.Mutex
	changes []change
}

func (r *recorder) fn(peer string, full map[string]string, changed, removed []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, change{peer, full, changed, removed})
}

// TestDiff tests key change computation
func TestDiff(t *testing.T) {
	changed, removed := Diff(
		map[string]string{"host": "10.0.0.1", "port": "8123", "old": "x"},
		map[string]string{"host": "10.0.0.2", "port": "8123", "new": "y"},
	)
	assert.Equal(t, []string{"host", "new"}, changed)
	assert.Equal(t, []string{"old"}, removed)

	changed, removed = Diff(nil, nil)
	assert.Empty(t, changed)
	assert.Empty(t, removed)
}

// TestStaticDirectory tests publication, notification and withdrawal
func TestStaticDirectory(t *testing.T) {
	reg := NewStaticRegistry()
	a := reg.Directory("a")
	b := reg.Directory("b")
	assert.Same(t, a, reg.Directory("a"))

	require.NoError(t, a.Publish(map[string]string{KeyHost: "10.0.0.1", KeyPort: "8123"}))

	rec := &recorder{}
	b.OnPeerDescriptionChanged(rec.fn)
	require.Len(t, rec.changes, 1, "existing peers are replayed")
	assert.Equal(t, "a", rec.changes[0].peer)
	assert.Equal(t, []string{KeyHost, KeyPort}, rec.changes[0].changed)

	require.NoError(t, a.Publish(map[string]string{KeyHost: "10.0.0.9", KeyPort: "8123"}))
	require.Len(t, rec.changes, 2)
	assert.Equal(t, []string{KeyHost}, rec.changes[1].changed)
	assert.Equal(t, "10.0.0.9", rec.changes[1].full[KeyHost])

	// Republishing the same description is not a change.
	require.NoError(t, a.Publish(map[string]string{KeyHost: "10.0.0.9", KeyPort: "8123"}))
	assert.Len(t, rec.changes, 2)

	// Own publications are not reported back.
	self := &recorder{}
	a.OnPeerDescriptionChanged(self.fn)
	require.NoError(t, a.Publish(map[string]string{KeyHost: "10.0.0.10"}))
	assert.Empty(t, self.changes)
	assert.Equal(t, []string{KeyPort}, rec.changes[len(rec.changes)-1].removed)

	assert.Equal(t, []string{"a"}, reg.Peers())
	require.NoError(t, a.Close())
	last := rec.changes[len(rec.changes)-1]
	assert.Equal(t, []string{KeyHost}, last.removed)
	assert.Nil(t, last.full)
	assert.Empty(t, reg.Peers())

	assert.ErrorIs(t, a.Publish(map[string]string{KeyHost: "x"}), ErrClosed)
	require.NoError(t, a.Close())
}
