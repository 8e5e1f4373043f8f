package eventlog

import (
	"context"
	"sync"

	"github.com/LeJamon/causalmesh/internal/vectorclock"
)

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records []*Record
	closed  bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func copyRecord(r *Record) *Record {
	cp := *r
	cp.Clock = r.Clock.Copy()
	cp.LocalClock = r.LocalClock.Copy()
	cp.Message = append([]byte(nil), r.Message...)
	return &cp
}

func (m *MemoryStore) Append(_ context.Context, rec *Record) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	cp := copyRecord(rec)
	cp.ID = int64(len(m.records) + 1)
	m.records = append(m.records, cp)
	return cp.ID, nil
}

func (m *MemoryStore) Get(_ context.Context, id int64) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	if id <= 0 || id > int64(len(m.records)) {
		return nil, ErrNotFound
	}
	return copyRecord(m.records[id-1]), nil
}

func (m *MemoryStore) ByClock(_ context.Context, session string, clock vectorclock.Clock) (*Record, error) {
	return m.find(func(r *Record) bool {
		return r.Session == session && r.Clock.Equal(clock)
	})
}

func (m *MemoryStore) find(match func(*Record) bool) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	for _, r := range m.records {
		if match(r) {
			return copyRecord(r), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) filter(match func(*Record) bool) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []*Record
	for _, r := range m.records {
		if match(r) {
			out = append(out, copyRecord(r))
		}
	}
	return out, nil
}

func (m *MemoryStore) After(_ context.Context, session string, clock vectorclock.Clock) ([]*Record, error) {
	return m.filter(func(r *Record) bool {
		return r.Session == session && unseen(r, clock)
	})
}

func (m *MemoryStore) Own(_ context.Context, session, sender string, min, max uint64) ([]*Record, error) {
	return m.filter(func(r *Record) bool {
		return r.Session == session && ownInRange(r, sender, min, max)
	})
}

func (m *MemoryStore) Len(_ context.Context, session string) (int, error) {
	recs, err := m.filter(func(r *Record) bool { return r.Session == session })
	return len(recs), err
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
