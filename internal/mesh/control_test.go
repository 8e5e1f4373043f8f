package mesh

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeJamon/causalmesh/internal/wire"
)

// TestSessionDirectory tests merging, expiry and pruning of announced sessions.
func TestSessionDirectory(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	older := SessionInfo{ID: "s1", Name: "first", Mode: "mutex", Created: t0}
	newer := SessionInfo{ID: "s2", Name: "second", Mode: "host", Created: t0.Add(time.Minute)}

	d := newSessionDirectory()
	d.merge("b", []SessionInfo{newer, older}, t0)
	d.merge("a", []SessionInfo{older}, t0.Add(time.Second))
	d.merge("c", []SessionInfo{{Name: "no id"}}, t0)

	list := d.list()
	require.Len(t, list, 2)
	assert.Equal(t, "s1", list[0].ID)
	assert.Equal(t, []string{"a", "b"}, list[0].Participants)
	assert.Equal(t, "s2", list[1].ID)
	assert.Equal(t, []string{"b"}, list[1].Participants)

	t.Run("announced participants are not trusted", func(t *testing.T) {
		info := SessionInfo{ID: "s3", Participants: []string{"x", "y"}}
		d := newSessionDirectory()
		d.merge("a", []SessionInfo{info}, t0)
		got, ok := d.get("s3")
		require.True(t, ok)
		assert.Equal(t, []string{"a"}, got.Participants)
	})

	t.Run("leaving a session", func(t *testing.T) {
		d.merge("b", []SessionInfo{older}, t0.Add(2*time.Second))
		_, ok := d.get("s2")
		assert.False(t, ok)
		got, ok := d.get("s1")
		require.True(t, ok)
		assert.Equal(t, []string{"a", "b"}, got.Participants)
	})

	t.Run("expiry keeps the local participant", func(t *testing.T) {
		d.expire(t0.Add(time.Hour), "a")
		got, ok := d.get("s1")
		require.True(t, ok)
		assert.Equal(t, []string{"a"}, got.Participants)

		d.expire(t0.Add(time.Hour), "")
		assert.Empty(t, d.list())
	})
}

// TestDecodeControl tests control message validation.
func TestDecodeControl(t *testing.T) {
	b, err := wire.Marshal(&ControlMessage{Kind: ControlSession, Origin: "a", Session: "s", Payload: []byte{1}})
	require.NoError(t, err)
	msg, err := decodeControl(b)
	require.NoError(t, err)
	assert.Equal(t, ControlSession, msg.Kind)
	assert.Equal(t, "s", msg.Session)
	assert.Equal(t, []byte{1}, msg.Payload)

	b, err = wire.Marshal(&ControlMessage{Kind: ControlDirectory})
	require.NoError(t, err)
	_, err = decodeControl(b)
	assert.ErrorIs(t, err, wire.ErrDecodeFailed)

	_, err = decodeControl(nil)
	assert.ErrorIs(t, err, wire.ErrDecodeFailed)
}
