package popularity

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/vazonhub/rhizome/internal/rhizid"
)

// Invariant 11: ranking determinism — for fixed time and metrics,
// rank_items is a total order (stable, reproducible).
func TestRankItemsDeterministic(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Unix(10_000, 0))
	ranker := NewRanker(mock, 7.0, 5.0)

	metrics := []Metrics{
		{Key: rhizid.HashKey("a"), RequestRate: 50, ReplicationCount: 10, Freshness: 1, FirstSeen: 9_000},
		{Key: rhizid.HashKey("b"), RequestRate: 5, ReplicationCount: 1, Freshness: 0.2, FirstSeen: 9_000},
	}

	first := ranker.RankItems(metrics, 0)
	second := ranker.RankItems(metrics, 0)
	require.Equal(t, first, second)
	require.True(t, first[0].Score >= first[1].Score)
}

// Scenario S3: popularity promotion — heavy request volume should push a
// key's score above 7.0.
func TestHighRequestRateScoresHigh(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Unix(0, 0))
	c := NewCollector(mock)
	ranker := NewRanker(mock, 7.0, 5.0)

	key := rhizid.HashKey("popular")
	for i := 0; i < 200; i++ {
		c.RecordRequestFrom(key, "peer")
		mock.Add(time.Second)
	}
	c.RecordReplication(key, 10)

	m, _ := c.Snapshot(key)
	score := ranker.Score(m)
	require.Greater(t, score, 7.0, "200 requests in ~200s should drive request_rate near its cap")
}

func TestScoreClampedToRange(t *testing.T) {
	mock := clock.NewMock()
	ranker := NewRanker(mock, 7.0, 5.0)
	m := Metrics{RequestRate: 100000, ReplicationCount: 100000, Freshness: 1, SeedCoverage: 1, SocialEngagements: 100000}
	m.Audience = map[string]struct{}{"a": {}, "b": {}}
	score := ranker.Score(m)
	require.LessOrEqual(t, score, 10.0)
	require.GreaterOrEqual(t, score, 0.0)
}

func TestAgeBandSelection(t *testing.T) {
	require.Equal(t, weightsUnderOneDay, weightsForAge(0))
	require.Equal(t, weightsUnderOneWeek, weightsForAge(2*86400))
	require.Equal(t, weightsOverOneWeek, weightsForAge(8*86400))
}
