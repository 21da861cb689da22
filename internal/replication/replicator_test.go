package replication

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vazonhub/rhizome/internal/popularity"
	"github.com/vazonhub/rhizome/internal/rhizid"
)

type fakeStorer struct {
	values     map[rhizid.Key][]byte
	storeCalls []rhizid.Key
	ttls       map[rhizid.Key]float64
}

func newFakeStorer() *fakeStorer {
	return &fakeStorer{values: make(map[rhizid.Key][]byte), ttls: make(map[rhizid.Key]float64)}
}

func (f *fakeStorer) Get(key []byte) ([]byte, bool, error) {
	var k rhizid.Key
	copy(k[:], key)
	v, ok := f.values[k]
	return v, ok, nil
}

func (f *fakeStorer) Store(ctx context.Context, key rhizid.Key, value []byte, ttlSeconds float64) (bool, error) {
	f.storeCalls = append(f.storeCalls, key)
	f.ttls[key] = ttlSeconds
	return true, nil
}

func TestReplicatePopularItemsSkipsBelowThreshold(t *testing.T) {
	storer := newFakeStorer()
	key := rhizid.HashKey("k")
	storer.values[key] = []byte("v")

	r := New(storer, 10, nil)
	ranked := []popularity.RankedItem{
		{Key: popularity.Metrics{Key: key, ReplicationCount: 1}, Score: 3.0},
	}
	r.ReplicatePopularItems(context.Background(), ranked, 7.0)
	require.Empty(t, storer.storeCalls)
}

func TestReplicatePopularItemsSkipsAtTarget(t *testing.T) {
	storer := newFakeStorer()
	key := rhizid.HashKey("k")
	storer.values[key] = []byte("v")

	r := New(storer, 10, nil)
	ranked := []popularity.RankedItem{
		{Key: popularity.Metrics{Key: key, ReplicationCount: 10}, Score: 9.0},
	}
	r.ReplicatePopularItems(context.Background(), ranked, 7.0)
	require.Empty(t, storer.storeCalls, "must not re-store once target replication is met")
}

func TestReplicatePopularItemsStoresWithThirtyDayTTL(t *testing.T) {
	storer := newFakeStorer()
	key := rhizid.HashKey("k")
	storer.values[key] = []byte("v")

	r := New(storer, 10, nil)
	ranked := []popularity.RankedItem{
		{Key: popularity.Metrics{Key: key, ReplicationCount: 2}, Score: 9.0},
	}
	r.ReplicatePopularItems(context.Background(), ranked, 7.0)
	require.Len(t, storer.storeCalls, 1)
	require.Equal(t, float64(popularTTLSeconds), storer.ttls[key])
}

func TestEnsureMinimalReplicationUsesOneDayTTL(t *testing.T) {
	storer := newFakeStorer()
	key := rhizid.HashKey("k")
	storer.values[key] = []byte("v")

	r := New(storer, 10, nil)
	r.EnsureMinimalReplication(context.Background(), []rhizid.Key{key})
	require.Equal(t, float64(minimalTTLSeconds), storer.ttls[key])
}

func TestEmergencyReplicationUsesThirtyDayTTL(t *testing.T) {
	storer := newFakeStorer()
	key := rhizid.HashKey("k")

	r := New(storer, 10, nil)
	ok, err := r.EmergencyReplication(context.Background(), key, []byte("v"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, float64(emergencyTTLSeconds), storer.ttls[key])
}
