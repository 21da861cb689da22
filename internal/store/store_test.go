package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/vazonhub/rhizome/internal/rherr"
)

func newTestStore(t *testing.T) (*Store, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	path := filepath.Join(t.TempDir(), "store.db")
	s, err := Open(path, 1<<20, WithClock(mock))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, mock
}

// Invariant 5: store/get round-trip.
func TestPutGetRoundTrip(t *testing.T) {
	s, mock := newTestStore(t)

	require.NoError(t, s.Put([]byte("k"), []byte("v"), 10))

	v, ok, err := s.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), v)

	mock.Add(11 * time.Second)
	_, ok, err = s.Get([]byte("k"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGetOnNeverStoredKeyReportsAbsentWithoutError(t *testing.T) {
	s, _ := newTestStore(t)
	_, ok, err := s.Get([]byte("never-put"))
	require.NoError(t, err)
	require.False(t, ok)
}

// The seen filter is rebuilt from existing records on reopen, so a key
// written before a restart is still found afterward.
func TestSeenFilterSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	s1, err := Open(path, 1<<20)
	require.NoError(t, err)
	require.NoError(t, s1.Put([]byte("k"), []byte("v"), 100))
	require.NoError(t, s1.Close())

	s2, err := Open(path, 1<<20)
	require.NoError(t, err)
	t.Cleanup(func() { s2.Close() })

	v, ok, err := s2.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), v)
}

// Invariant 6: TTL extension.
func TestExtendTTL(t *testing.T) {
	s, mock := newTestStore(t)
	require.NoError(t, s.Put([]byte("k"), []byte("v"), 100))

	mock.Add(10 * time.Second)
	existed, err := s.ExtendTTL([]byte("k"), 1.0) // double remaining life
	require.NoError(t, err)
	require.True(t, existed)

	// remaining life was 90s, doubled to 180s from T=10s -> expires at 190s
	mock.Add(150 * time.Second) // now at 160s, still < 190s
	_, ok, err := s.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)

	mock.Add(40 * time.Second) // now at 200s > 190s
	_, ok, err = s.Get([]byte("k"))
	require.NoError(t, err)
	require.False(t, ok)
}

// Invariant 7: cleanup idempotence.
func TestCleanupExpiredIdempotent(t *testing.T) {
	s, mock := newTestStore(t)
	require.NoError(t, s.Put([]byte("a"), []byte("1"), 5))
	require.NoError(t, s.Put([]byte("b"), []byte("2"), 5))

	mock.Add(6 * time.Second)

	n, err := s.CleanupExpired()
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = s.CleanupExpired()
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestDeleteIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Put([]byte("k"), []byte("v"), 10))
	require.NoError(t, s.Delete([]byte("k")))
	require.NoError(t, s.Delete([]byte("k")))

	_, ok, err := s.Get([]byte("k"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStorageFull(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	s, err := Open(path, 4, WithClock(clock.NewMock()))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	err = s.Put([]byte("k"), []byte("toolong"), 10)
	require.ErrorIs(t, err, rherr.StorageFull)
}
