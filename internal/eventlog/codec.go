package eventlog

import (
	"time"

	"github.com/LeJamon/causalmesh/internal/vectorclock"
	"github.com/LeJamon/causalmesh/internal/wire"
)

// storedRecord is the msgpack form used by the key-value backends.
type storedRecord struct {
	ID          int64  `codec:"id"`
	Session     string `codec:"s"`
	Timestamp   int64  `codec:"ts"`
	SenderID    string `codec:"snd"`
	OriginID    string `codec:"org"`
	OwnSequence uint64 `codec:"own"`
	Clock       string `codec:"c"`
	LocalClock  string `codec:"lc"`
	Message     []byte `codec:"m"`
}

func encodeRecord(rec *Record) ([]byte, error) {
	return wire.Marshal(storedRecord{
		ID:          rec.ID,
		Session:     rec.Session,
		Timestamp:   rec.Timestamp.UnixNano(),
		SenderID:    rec.SenderID,
		OriginID:    rec.OriginID,
		OwnSequence: rec.OwnSequence,
		Clock:       rec.Clock.String(),
		LocalClock:  rec.LocalClock.String(),
		Message:     rec.Message,
	})
}

func decodeRecord(b []byte) (*Record, error) {
	var s storedRecord
	if err := wire.Unmarshal(b, &s); err != nil {
		return nil, err
	}
	return fromColumns(s.ID, s.Session, s.Timestamp, s.SenderID, s.OriginID, s.OwnSequence, s.Clock, s.LocalClock, s.Message)
}

func fromColumns(id int64, session string, ts int64, sender, origin string, own uint64, clock, local string, msg []byte) (*Record, error) {
	c, err := vectorclock.Parse(clock)
	if err != nil {
		return nil, err
	}
	lc, err := vectorclock.Parse(local)
	if err != nil {
		return nil, err
	}
	return &Record{
		ID:          id,
		Session:     session,
		Timestamp:   time.Unix(0, ts),
		SenderID:    sender,
		OriginID:    origin,
		OwnSequence: own,
		Clock:       c,
		LocalClock:  lc,
		Message:     msg,
	}, nil
}
