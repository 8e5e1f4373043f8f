package causal

import (
	"errors"
	"fmt"

	"github.com/LeJamon/causalmesh/internal/vectorclock"
	"github.com/LeJamon/causalmesh/internal/wire"
)

// Envelope is the causality-tagged wrapper around one application message.
// SenderID is the last relay and OriginID the author; they differ only for
// replayed history.
type Envelope struct {
	Clock    vectorclock.Clock
	SenderID string
	OriginID string
	Payload  []byte
}

// Delivery is an envelope released to the application in causal order.
type Delivery struct {
	Envelope
	// LocalClock is the receiver's frontier right after delivery.
	LocalClock vectorclock.Clock
	// Self is set for the sender's own messages delivered locally.
	Self bool
}

// envelopeWire is the msgpack form of an Envelope.
type envelopeWire struct {
	Clock   string `codec:"clock"`
	Sender  string `codec:"sender"`
	Origin  string `codec:"origin"`
	Message []byte `codec:"message"`
}

// ErrMalformedEnvelope is returned when a received envelope cannot be decoded.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// EncodeEnvelope returns the wire form of env.
func EncodeEnvelope(env Envelope) ([]byte, error) {
	return wire.Marshal(envelopeWire{
		Clock:   env.Clock.String(),
		Sender:  env.SenderID,
		Origin:  env.OriginID,
		Message: env.Payload,
	})
}

// DecodeEnvelope parses the wire form produced by EncodeEnvelope.
func DecodeEnvelope(b []byte) (Envelope, error) {
	var w envelopeWire
	if err := wire.Unmarshal(b, &w); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	clock, err := vectorclock.Parse(w.Clock)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if w.Origin == "" || w.Sender == "" {
		return Envelope{}, fmt.Errorf("%w: missing sender or origin", ErrMalformedEnvelope)
	}
	if clock.Get(w.Origin) == 0 {
		return Envelope{}, fmt.Errorf("%w: origin %s has no clock component", ErrMalformedEnvelope, w.Origin)
	}
	return Envelope{
		Clock:    clock,
		SenderID: w.Sender,
		OriginID: w.Origin,
		Payload:  w.Message,
	}, nil
}
