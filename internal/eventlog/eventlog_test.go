package eventlog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeJamon/causalmesh/internal/vectorclock"
)

type backendCase struct {
	name    string
	open    func(t *testing.T, dir string) Store
	durable bool
}

func backends(t *testing.T) []backendCase {
	cases := []backendCase{
		{"memory", func(t *testing.T, _ string) Store { return NewMemoryStore() }, false},
		{"sqlite", func(t *testing.T, dir string) Store {
			s, err := OpenSQLite(context.Background(), filepath.Join(dir, "history.sqlite"))
			require.NoError(t, err)
			return s
		}, true},
		{"pebble", func(t *testing.T, dir string) Store {
			s, err := OpenPebble(filepath.Join(dir, "pebble"))
			require.NoError(t, err)
			return s
		}, true},
		{"leveldb", func(t *testing.T, dir string) Store {
			s, err := OpenLevelDB(filepath.Join(dir, "leveldb"))
			require.NoError(t, err)
			return s
		}, true},
	}
	if dsn := os.Getenv("CAUSALMESH_TEST_POSTGRES_DSN"); dsn != "" {
		cases = append(cases, backendCase{"postgres", func(t *testing.T, _ string) Store {
			s, err := OpenPostgres(context.Background(), dsn)
			require.NoError(t, err)
			return s
		}, true})
	}
	return cases
}

func record(session, sender, origin string, own uint64, clock string) *Record {
	c := vectorclock.MustParse(clock)
	return &Record{
		Session:     session,
		Timestamp:   time.Unix(1700000000, 42),
		SenderID:    sender,
		OriginID:    origin,
		OwnSequence: own,
		Clock:       c,
		LocalClock:  c.Copy(),
		Message:     []byte("payload " + clock),
	}
}

// TestStore_Backends tests every backend against the same behaviour
func TestStore_Backends(t *testing.T) {
	ctx := context.Background()

	for _, bc := range backends(t) {
		t.Run(bc.name, func(t *testing.T) {
			// postgres shares one database across runs, so scope by a fresh session
			session := "s-" + time.Now().Format("150405.000000000")
			s := bc.open(t, t.TempDir())
			defer s.Close()

			recs := []*Record{
				record(session, "a", "a", 1, "a:1"),
				record(session, "b", "b", 0, "a:1;b:1"),
				record(session, "a", "a", 2, "a:2;b:1"),
				record("other", "a", "a", 1, "a:1"),
				record(session, "a", "a", 3, "a:3;b:1"),
			}
			var ids []int64
			for _, r := range recs {
				id, err := s.Append(ctx, r)
				require.NoError(t, err)
				ids = append(ids, id)
			}
			for i := 1; i < len(ids); i++ {
				assert.Greater(t, ids[i], ids[i-1])
			}

			t.Run("Get", func(t *testing.T) {
				got, err := s.Get(ctx, ids[1])
				require.NoError(t, err)
				assert.Equal(t, ids[1], got.ID)
				assert.Equal(t, session, got.Session)
				assert.Equal(t, "b", got.SenderID)
				assert.Equal(t, "a:1;b:1", got.Clock.String())
				assert.Equal(t, "a:1;b:1", got.LocalClock.String())
				assert.Equal(t, []byte("payload a:1;b:1"), got.Message)
				assert.Equal(t, recs[1].Timestamp.UnixNano(), got.Timestamp.UnixNano())

				_, err = s.Get(ctx, ids[len(ids)-1]+100)
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("ByClock", func(t *testing.T) {
				got, err := s.ByClock(ctx, session, vectorclock.MustParse("a:2;b:1"))
				require.NoError(t, err)
				assert.Equal(t, ids[2], got.ID)

				_, err = s.ByClock(ctx, session, vectorclock.MustParse("z:9"))
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("After", func(t *testing.T) {
				all, err := s.After(ctx, session, vectorclock.New())
				require.NoError(t, err)
				require.Len(t, all, 4)

				after, err := s.After(ctx, session, vectorclock.MustParse("a:1;b:1"))
				require.NoError(t, err)
				require.Len(t, after, 2)
				assert.Equal(t, "a:2;b:1", after[0].Clock.String())
				assert.Equal(t, "a:3;b:1", after[1].Clock.String())

				none, err := s.After(ctx, session, vectorclock.MustParse("a:3;b:1"))
				require.NoError(t, err)
				assert.Empty(t, none)
			})

			t.Run("Own", func(t *testing.T) {
				own, err := s.Own(ctx, session, "a", 1, 3)
				require.NoError(t, err)
				require.Len(t, own, 1)
				assert.Equal(t, uint64(2), own[0].OwnSequence)

				own, err = s.Own(ctx, session, "a", 0, ^uint64(0))
				require.NoError(t, err)
				assert.Len(t, own, 3)
			})

			t.Run("Len", func(t *testing.T) {
				n, err := s.Len(ctx, session)
				require.NoError(t, err)
				assert.Equal(t, 4, n)
			})
		})
	}
}

// TestStore_Reopen tests that durable backends keep records and id order across restarts
func TestStore_Reopen(t *testing.T) {
	ctx := context.Background()

	for _, bc := range backends(t) {
		if !bc.durable || bc.name == "postgres" {
			continue
		}
		t.Run(bc.name, func(t *testing.T) {
			dir := t.TempDir()

			s := bc.open(t, dir)
			first, err := s.Append(ctx, record("g", "a", "a", 1, "a:1"))
			require.NoError(t, err)
			require.NoError(t, s.Close())

			s = bc.open(t, dir)
			defer s.Close()
			second, err := s.Append(ctx, record("g", "a", "a", 2, "a:2"))
			require.NoError(t, err)
			assert.Greater(t, second, first)

			n, err := s.Len(ctx, "g")
			require.NoError(t, err)
			assert.Equal(t, 2, n)
		})
	}
}

// TestStore_Closed tests that operations fail after Close
func TestStore_Closed(t *testing.T) {
	for _, bc := range backends(t) {
		t.Run(bc.name, func(t *testing.T) {
			s := bc.open(t, t.TempDir())
			require.NoError(t, s.Close())
			require.NoError(t, s.Close())

			_, err := s.Append(context.Background(), record("g", "a", "a", 1, "a:1"))
			assert.ErrorIs(t, err, ErrClosed)
			_, err = s.After(context.Background(), "g", nil)
			assert.ErrorIs(t, err, ErrClosed)
		})
	}
}

// TestStore_CloseWhileWriting tests closing a SQL store while appends are
// in flight
func TestStore_CloseWhileWriting(t *testing.T) {
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "history.sqlite"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 1; i <= 50; i++ {
				clock := fmt.Sprintf("w%d:%d", w, i)
				if _, err := s.Append(context.Background(), record("g", "a", "a", uint64(i), clock)); err != nil {
					return
				}
				if _, err := s.Len(context.Background(), "g"); err != nil {
					return
				}
			}
		}(w)
	}
	require.NoError(t, s.Close())
	wg.Wait()

	_, err = s.Append(context.Background(), record("g", "a", "a", 1, "a:1"))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.Len(context.Background(), "g")
	assert.ErrorIs(t, err, ErrClosed)
}

// TestOpen tests backend selection
func TestOpen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(ctx, Config{})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = Open(ctx, Config{Backend: BackendSQLite, Path: filepath.Join(dir, "h.sqlite")})
	require.NoError(t, err)
	assert.IsType(t, &SQLStore{}, s)
	require.NoError(t, s.Close())

	s, err = Open(ctx, Config{Backend: BackendPebble, Path: filepath.Join(dir, "p")})
	require.NoError(t, err)
	assert.IsType(t, &KVStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open(ctx, Config{Backend: "cassandra"})
	assert.ErrorIs(t, err, ErrUnknownBackend)
	_, err = Open(ctx, Config{Backend: BackendLevelDB})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = Open(ctx, Config{Backend: BackendPostgres})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

// TestPrefixUpperBound tests key range computation
func TestPrefixUpperBound(t *testing.T) {
	assert.Equal(t, []byte("r0"), prefixUpperBound([]byte("r/")))
	assert.Equal(t, []byte{0x02}, prefixUpperBound([]byte{0x01, 0xff}))
	assert.Nil(t, prefixUpperBound([]byte{0xff, 0xff}))
}
