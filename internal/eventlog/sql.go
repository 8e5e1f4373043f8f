package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/LeJamon/causalmesh/internal/vectorclock"
)

// dialect captures the differences between the SQL backends.
type dialect struct {
	name      string
	driver    string
	schema    []string
	returning bool
}

var sqliteDialect = dialect{
	name:   BackendSQLite,
	driver: "sqlite",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS message_history (
			hid INTEGER PRIMARY KEY AUTOINCREMENT,
			session TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			sender_id TEXT NOT NULL,
			origin_id TEXT NOT NULL,
			own_sequence INTEGER NOT NULL DEFAULT 0,
			clock TEXT NOT NULL,
			local_clock TEXT NOT NULL,
			message BLOB
		)`,
		`CREATE INDEX IF NOT EXISTS message_history_session ON message_history (session, hid)`,
	},
}

var postgresDialect = dialect{
	name:   BackendPostgres,
	driver: "postgres",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS message_history (
			hid BIGSERIAL PRIMARY KEY,
			session TEXT NOT NULL,
			timestamp BIGINT NOT NULL,
			sender_id TEXT NOT NULL,
			origin_id TEXT NOT NULL,
			own_sequence BIGINT NOT NULL DEFAULT 0,
			clock TEXT NOT NULL,
			local_clock TEXT NOT NULL,
			message BYTEA
		)`,
		`CREATE INDEX IF NOT EXISTS message_history_session ON message_history (session, hid)`,
	},
	returning: true,
}

const selectColumns = `SELECT hid, session, timestamp, sender_id, origin_id, own_sequence, clock, local_clock, message FROM message_history`

// SQLStore is a Store over database/sql.
type SQLStore struct {
	d      dialect
	db     *sql.DB
	closed atomic.Bool

	// sqlite allows a single writer
	writeMu sync.Mutex
}

// OpenSQLite opens (creating if needed) a sqlite event log at path.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	return openSQL(ctx, sqliteDialect, path)
}

// OpenPostgres connects to a postgres event log.
func OpenPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	return openSQL(ctx, postgresDialect, dsn)
}

func openSQL(ctx context.Context, d dialect, dsn string) (*SQLStore, error) {
	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, newStoreError(d.name, "open", err)
	}
	if d.name == BackendSQLite {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, newStoreError(d.name, "ping", err)
	}
	for _, stmt := range d.schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, newStoreError(d.name, "create schema", err)
		}
	}
	return &SQLStore{d: d, db: db}, nil
}

// rebind converts ? placeholders to $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.d.name != BackendPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

func (s *SQLStore) Append(ctx context.Context, rec *Record) (int64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	query := `INSERT INTO message_history
		(session, timestamp, sender_id, origin_id, own_sequence, clock, local_clock, message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	args := []interface{}{
		rec.Session, rec.Timestamp.UnixNano(), rec.SenderID, rec.OriginID,
		int64(rec.OwnSequence), rec.Clock.String(), rec.LocalClock.String(), rec.Message,
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.d.returning {
		var id int64
		if err := s.db.QueryRowContext(ctx, s.rebind(query+" RETURNING hid"), args...).Scan(&id); err != nil {
			return 0, newStoreError(s.d.name, "append", err)
		}
		return id, nil
	}
	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return 0, newStoreError(s.d.name, "append", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, newStoreError(s.d.name, "append", err)
	}
	return id, nil
}

func (s *SQLStore) query(ctx context.Context, op, where string, args ...interface{}) ([]*Record, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(selectColumns+" WHERE "+where+" ORDER BY hid ASC"), args...)
	if err != nil {
		return nil, newStoreError(s.d.name, op, err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var (
			id, ts, own             int64
			session, sender, origin string
			clock, local            string
			msg                     []byte
		)
		if err := rows.Scan(&id, &session, &ts, &sender, &origin, &own, &clock, &local, &msg); err != nil {
			return nil, newStoreError(s.d.name, op, err)
		}
		rec, err := fromColumns(id, session, ts, sender, origin, uint64(own), clock, local, msg)
		if err != nil {
			return nil, newStoreError(s.d.name, op, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, newStoreError(s.d.name, op, err)
	}
	return out, nil
}

func (s *SQLStore) first(ctx context.Context, op, where string, args ...interface{}) (*Record, error) {
	recs, err := s.query(ctx, op, where, args...)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return recs[0], nil
}

func (s *SQLStore) Get(ctx context.Context, id int64) (*Record, error) {
	return s.first(ctx, "get", "hid = ?", id)
}

func (s *SQLStore) ByClock(ctx context.Context, session string, clock vectorclock.Clock) (*Record, error) {
	return s.first(ctx, "by clock", "session = ? AND clock = ?", session, clock.String())
}

// After loads the session and filters in Go: vector clock order has no SQL form.
func (s *SQLStore) After(ctx context.Context, session string, clock vectorclock.Clock) ([]*Record, error) {
	recs, err := s.query(ctx, "after", "session = ?", session)
	if err != nil {
		return nil, err
	}
	out := recs[:0]
	for _, r := range recs {
		if unseen(r, clock) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *SQLStore) Own(ctx context.Context, session, sender string, min, max uint64) ([]*Record, error) {
	return s.query(ctx, "own", "session = ? AND sender_id = ? AND own_sequence > ? AND own_sequence < ?",
		session, sender, clampInt64(min), clampInt64(max))
}

func clampInt64(v uint64) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}

func (s *SQLStore) Len(ctx context.Context, session string) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind("SELECT COUNT(*) FROM message_history WHERE session = ?"), session).Scan(&n)
	if err != nil {
		return 0, newStoreError(s.d.name, "len", err)
	}
	return n, nil
}

func (s *SQLStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := s.db.Close()
	if err != nil && !errors.Is(err, sql.ErrConnDone) {
		return newStoreError(s.d.name, "close", err)
	}
	return nil
}
