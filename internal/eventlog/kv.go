package eventlog

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/LeJamon/causalmesh/internal/vectorclock"
)

// recordPrefix prefixes record keys; the rest of the key is the big-endian id
// so iteration order is append order.
const recordPrefix = "r/"

func recordKey(id int64) []byte {
	k := make([]byte, len(recordPrefix)+8)
	copy(k, recordPrefix)
	binary.BigEndian.PutUint64(k[len(recordPrefix):], uint64(id))
	return k
}

func recordID(key []byte) int64 {
	return int64(binary.BigEndian.Uint64(key[len(recordPrefix):]))
}

// kvEngine is the minimal key-value surface the log needs.
type kvEngine interface {
	put(key, value []byte) error
	get(key []byte) ([]byte, error)
	// scan visits records in key order.
	scan(fn func(key, value []byte) error) error
	// lastKey returns the greatest record key.
	lastKey() ([]byte, bool, error)
	close() error
}

// KVStore is a Store over an ordered key-value engine.
type KVStore struct {
	name   string
	engine kvEngine

	mu     sync.Mutex
	nextID int64
	closed bool
}

func newKVStore(name string, engine kvEngine) (*KVStore, error) {
	last, ok, err := engine.lastKey()
	if err != nil {
		engine.close()
		return nil, newStoreError(name, "open", err)
	}
	s := &KVStore{name: name, engine: engine, nextID: 1}
	if ok {
		s.nextID = recordID(last) + 1
	}
	return s, nil
}

func (s *KVStore) Append(_ context.Context, rec *Record) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	id := s.nextID
	cp := *rec
	cp.ID = id
	value, err := encodeRecord(&cp)
	if err != nil {
		return 0, newStoreError(s.name, "append", err)
	}
	if err := s.engine.put(recordKey(id), value); err != nil {
		return 0, newStoreError(s.name, "append", err)
	}
	s.nextID++
	return id, nil
}

func (s *KVStore) Get(_ context.Context, id int64) (*Record, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	value, err := s.engine.get(recordKey(id))
	if err != nil {
		return nil, err
	}
	rec, err := decodeRecord(value)
	if err != nil {
		return nil, newStoreError(s.name, "get", err)
	}
	return rec, nil
}

func (s *KVStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *KVStore) filter(op string, match func(*Record) bool, limit int) ([]*Record, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	var out []*Record
	errStop := errors.New("stop")
	err := s.engine.scan(func(_, value []byte) error {
		rec, err := decodeRecord(value)
		if err != nil {
			return err
		}
		if match(rec) {
			out = append(out, rec)
			if limit > 0 && len(out) >= limit {
				return errStop
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return nil, newStoreError(s.name, op, err)
	}
	return out, nil
}

func (s *KVStore) ByClock(_ context.Context, session string, clock vectorclock.Clock) (*Record, error) {
	recs, err := s.filter("by clock", func(r *Record) bool {
		return r.Session == session && r.Clock.Equal(clock)
	}, 1)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return recs[0], nil
}

func (s *KVStore) After(_ context.Context, session string, clock vectorclock.Clock) ([]*Record, error) {
	return s.filter("after", func(r *Record) bool {
		return r.Session == session && unseen(r, clock)
	}, 0)
}

func (s *KVStore) Own(_ context.Context, session, sender string, min, max uint64) ([]*Record, error) {
	return s.filter("own", func(r *Record) bool {
		return r.Session == session && ownInRange(r, sender, min, max)
	}, 0)
}

func (s *KVStore) Len(_ context.Context, session string) (int, error) {
	recs, err := s.filter("len", func(r *Record) bool { return r.Session == session }, 0)
	return len(recs), err
}

func (s *KVStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.engine.close(); err != nil {
		return newStoreError(s.name, "close", err)
	}
	return nil
}

// prefixUpperBound returns the smallest key greater than every key with prefix.
func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// Pebble

type pebbleEngine struct {
	db *pebble.DB
}

// OpenPebble opens (creating if needed) a pebble event log in dir.
func OpenPebble(dir string) (*KVStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, newStoreError(BackendPebble, "open", err)
	}
	return newKVStore(BackendPebble, &pebbleEngine{db: db})
}

func (e *pebbleEngine) put(key, value []byte) error {
	return e.db.Set(key, value, pebble.Sync)
}

func (e *pebbleEngine) get(key []byte) ([]byte, error) {
	value, closer, err := e.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, newStoreError(BackendPebble, "get", err)
	}
	defer closer.Close()
	return append([]byte(nil), value...), nil
}

func (e *pebbleEngine) iter() (*pebble.Iterator, error) {
	return e.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(recordPrefix),
		UpperBound: prefixUpperBound([]byte(recordPrefix)),
	})
}

func (e *pebbleEngine) scan(fn func(key, value []byte) error) error {
	it, err := e.iter()
	if err != nil {
		return err
	}
	defer it.Close()
	for valid := it.First(); valid; valid = it.Next() {
		if err := fn(it.Key(), it.Value()); err != nil {
			return err
		}
	}
	return it.Error()
}

func (e *pebbleEngine) lastKey() ([]byte, bool, error) {
	it, err := e.iter()
	if err != nil {
		return nil, false, err
	}
	defer it.Close()
	if !it.Last() {
		return nil, false, it.Error()
	}
	return append([]byte(nil), it.Key()...), true, nil
}

func (e *pebbleEngine) close() error {
	return e.db.Close()
}

// LevelDB

type levelEngine struct {
	db *leveldb.DB
}

// OpenLevelDB opens (creating if needed) a leveldb event log in dir.
func OpenLevelDB(dir string) (*KVStore, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, newStoreError(BackendLevelDB, "open", err)
	}
	return newKVStore(BackendLevelDB, &levelEngine{db: db})
}

func (e *levelEngine) put(key, value []byte) error {
	return e.db.Put(key, value, nil)
}

func (e *levelEngine) get(key []byte) ([]byte, error) {
	value, err := e.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, newStoreError(BackendLevelDB, "get", err)
	}
	return value, nil
}

func (e *levelEngine) scan(fn func(key, value []byte) error) error {
	it := e.db.NewIterator(util.BytesPrefix([]byte(recordPrefix)), nil)
	defer it.Release()
	for it.Next() {
		if err := fn(it.Key(), it.Value()); err != nil {
			return err
		}
	}
	return it.Error()
}

func (e *levelEngine) lastKey() ([]byte, bool, error) {
	it := e.db.NewIterator(util.BytesPrefix([]byte(recordPrefix)), nil)
	defer it.Release()
	if !it.Last() {
		return nil, false, it.Error()
	}
	return append([]byte(nil), it.Key()...), true, nil
}

func (e *levelEngine) close() error {
	return e.db.Close()
}
