package popularity

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/vazonhub/rhizome/internal/rhizid"
)

func TestRequestRateFormula(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Unix(1000, 0))
	c := NewCollector(mock)
	key := rhizid.HashKey("k")

	c.RecordRequest(key)
	mock.Add(3600 * time.Second)
	c.RecordRequest(key)

	m, ok := c.Snapshot(key)
	require.True(t, ok)
	// 2 requests spanning 3600s -> (2/3600)*3600 = 2
	require.InDelta(t, 2.0, m.RequestRate, 0.001)
}

func TestFreshnessBands(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Unix(0, 0))
	c := NewCollector(mock)
	key := rhizid.HashKey("k")
	c.RecordRequest(key)

	m, _ := c.Snapshot(key)
	require.Equal(t, 1.0, m.Freshness)

	mock.Add(7200 * time.Second) // 2h -> in [1h,24h) band
	c.RefreshFreshness()
	m, _ = c.Snapshot(key)
	require.InDelta(t, 1.0-(7200.0/86400)*0.5, m.Freshness, 0.0001)

	mock.Add(30 * 86400 * time.Second) // now well over 1 day total
	c.RefreshFreshness()
	m, _ = c.Snapshot(key)
	require.GreaterOrEqual(t, m.Freshness, 0.1)
	require.Less(t, m.Freshness, 0.5)
}

// Invariant 12: replication monotonicity.
func TestReplicationMonotonic(t *testing.T) {
	c := NewCollector(clock.NewMock())
	key := rhizid.HashKey("k")

	c.RecordReplication(key, 5)
	c.RecordReplication(key, 2) // must not decrease
	m, _ := c.Snapshot(key)
	require.Equal(t, 5, m.ReplicationCount)

	c.RecordReplication(key, 9)
	m, _ = c.Snapshot(key)
	require.Equal(t, 9, m.ReplicationCount)
}

func TestMergeOnlyRaisesReplicationOnKnownKeys(t *testing.T) {
	c := NewCollector(clock.NewMock())
	key := rhizid.HashKey("k")
	c.RecordRequest(key)
	c.RecordReplication(key, 3)

	reported := Metrics{Key: key, ReplicationCount: 7, RequestRate: 999}
	c.Merge(reported)

	m, _ := c.Snapshot(key)
	require.Equal(t, 7, m.ReplicationCount)
	require.NotEqual(t, 999.0, m.RequestRate, "merge must not adopt peer-reported request rate")
}

func TestMergeAdoptsUnknownKeyWholesale(t *testing.T) {
	c := NewCollector(clock.NewMock())
	key := rhizid.HashKey("new")
	c.Merge(Metrics{Key: key, ReplicationCount: 4})

	m, ok := c.Snapshot(key)
	require.True(t, ok)
	require.Equal(t, 4, m.ReplicationCount)
}

func TestCleanupOldMetrics(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Unix(0, 0))
	c := NewCollector(mock)

	key := rhizid.HashKey("old")
	c.RecordRequest(key)

	mock.Add(31 * 24 * time.Hour)
	removed := c.CleanupOldMetrics(30)
	require.Equal(t, 1, removed)

	_, ok := c.Snapshot(key)
	require.False(t, ok)
}
