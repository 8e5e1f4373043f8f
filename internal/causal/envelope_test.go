package causal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeJamon/causalmesh/internal/vectorclock"
	"github.com/LeJamon/causalmesh/internal/wire"
)

// TestEnvelope_Codec tests the envelope wire form
func TestEnvelope_Codec(t *testing.T) {
	env := Envelope{
		Clock:    vectorclock.MustParse("a:2;b:1"),
		SenderID: "relay",
		OriginID: "a",
		Payload:  []byte{0x00, 0xff},
	}
	b, err := EncodeEnvelope(env)
	require.NoError(t, err)

	got, err := DecodeEnvelope(b)
	require.NoError(t, err)
	assert.True(t, env.Clock.Equal(got.Clock))
	assert.Equal(t, env.SenderID, got.SenderID)
	assert.Equal(t, env.OriginID, got.OriginID)
	assert.Equal(t, env.Payload, got.Payload)

	var raw map[string]interface{}
	require.NoError(t, wire.Unmarshal(b, &raw))
	assert.Equal(t, "a:2;b:1", raw["clock"])
}

// TestDecodeEnvelope_Malformed tests rejection of undecodable envelopes
func TestDecodeEnvelope_Malformed(t *testing.T) {
	encode := func(w envelopeWire) []byte {
		b, err := wire.Marshal(w)
		require.NoError(t, err)
		return b
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"garbage", []byte{0xc1, 0x00}},
		{"bad clock", encode(envelopeWire{Clock: "a=1", Sender: "a", Origin: "a"})},
		{"no origin", encode(envelopeWire{Clock: "a:1", Sender: "a"})},
		{"origin not in clock", encode(envelopeWire{Clock: "b:1", Sender: "a", Origin: "a"})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeEnvelope(tt.data)
			assert.ErrorIs(t, err, ErrMalformedEnvelope)
		})
	}
}

// TestReady tests the delivery rule
func TestReady(t *testing.T) {
	tests := []struct {
		local, env string
		want       bool
	}{
		{"a:0", "a:1", true},
		{"a:1;b:1", "a:1;b:2", true},
		{"a:1;b:1", "a:2;b:0", true},
		{"a:1;b:0", "a:0;b:1", true},
		{"a:0", "a:2", false},
		{"a:0;b:0", "a:1;b:1", false},
		{"a:1", "a:1", false},
	}
	for _, tt := range tests {
		t.Run(tt.local+"->"+tt.env, func(t *testing.T) {
			assert.Equal(t, tt.want, ready(vectorclock.MustParse(tt.local), vectorclock.MustParse(tt.env)))
		})
	}
}
