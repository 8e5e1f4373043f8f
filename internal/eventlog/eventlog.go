// Package eventlog is the append-only log of every envelope a participant
// sent or delivered, keyed by an auto-incrementing id. It answers the range
// queries used for history replay.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LeJamon/causalmesh/internal/vectorclock"
)

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendPebble   = "pebble"
	BackendLevelDB  = "leveldb"
)

// Sentinel errors for event log operations.
var (
	ErrNotFound       = errors.New("record not found")
	ErrClosed         = errors.New("event log closed")
	ErrUnknownBackend = errors.New("unknown event log backend")
	ErrInvalidConfig  = errors.New("invalid event log configuration")
)

// Record is one logged envelope.
type Record struct {
	ID        int64
	Session   string
	Timestamp time.Time

	SenderID string
	OriginID string
	// OwnSequence is the author's own clock component for envelopes the local
	// participant sent, 0 for received ones.
	OwnSequence uint64

	// Clock is the envelope's clock; LocalClock is the local frontier right
	// after the envelope was sent or delivered.
	Clock      vectorclock.Clock
	LocalClock vectorclock.Clock
	Message    []byte
}

// Store is an append-only event log.
type Store interface {
	// Append stores rec and returns its assigned id.
	Append(ctx context.Context, rec *Record) (int64, error)
	// Get returns the record with the given id.
	Get(ctx context.Context, id int64) (*Record, error)
	// ByClock returns the first record of session stamped with clock.
	ByClock(ctx context.Context, session string, clock vectorclock.Clock) (*Record, error)
	// After returns, in id order, the records of session whose clock is not
	// <= clock: everything a participant at clock has not seen.
	After(ctx context.Context, session string, clock vectorclock.Clock) ([]*Record, error)
	// Own returns the records sender authored in session with
	// min < OwnSequence < max, in id order.
	Own(ctx context.Context, session, sender string, min, max uint64) ([]*Record, error)
	// Len returns the number of records logged for session.
	Len(ctx context.Context, session string) (int, error)
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Backend string
	// Path is the database file (sqlite) or directory (pebble, leveldb).
	Path string
	// DSN is the postgres connection string.
	DSN string
}

// Open creates the Store described by cfg.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendSQLite:
		if cfg.Path == "" {
			return nil, fmt.Errorf("%w: sqlite requires a path", ErrInvalidConfig)
		}
		return OpenSQLite(ctx, cfg.Path)
	case BackendPostgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("%w: postgres requires a dsn", ErrInvalidConfig)
		}
		return OpenPostgres(ctx, cfg.DSN)
	case BackendPebble:
		if cfg.Path == "" {
			return nil, fmt.Errorf("%w: pebble requires a path", ErrInvalidConfig)
		}
		return OpenPebble(cfg.Path)
	case BackendLevelDB:
		if cfg.Path == "" {
			return nil, fmt.Errorf("%w: leveldb requires a path", ErrInvalidConfig)
		}
		return OpenLevelDB(cfg.Path)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}

// StoreError wraps an error with backend context.
type StoreError struct {
	Backend string
	Op      string
	Err     error
}

// Error returns the error message.
func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Backend, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *StoreError) Unwrap() error {
	return e.Err
}

func newStoreError(backend, op string, err error) *StoreError {
	return &StoreError{Backend: backend, Op: op, Err: err}
}

// unseen reports whether a participant at clock has not seen rec.
func unseen(rec *Record, clock vectorclock.Clock) bool {
	return !rec.Clock.LessEqual(clock)
}

func ownInRange(rec *Record, sender string, min, max uint64) bool {
	return rec.SenderID == sender && rec.OwnSequence > min && rec.OwnSequence < max
}
