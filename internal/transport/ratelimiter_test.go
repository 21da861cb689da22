package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Invariant 10 / scenario S4: rate-limit monotonicity.
func TestRateLimitPerPeerCap(t *testing.T) {
	rl := NewRateLimiter(100, 5, time.Minute)

	accepted := 0
	for i := 0; i < 20; i++ {
		if rl.Allow("peer-a") {
			accepted++
		}
	}
	require.Equal(t, 5, accepted)
}

func TestRateLimitGlobalCap(t *testing.T) {
	rl := NewRateLimiter(10, 100, time.Minute)

	accepted := 0
	for i := 0; i < 20; i++ {
		peer := "peer-" + string(rune('a'+i%5))
		if rl.Allow(peer) {
			accepted++
		}
	}
	require.Equal(t, 10, accepted)
}

// A peer's bucket refills over the window rather than staying exhausted
// forever, and distinct peer keys never share a bucket.
func TestRateLimitWindowRefillsAndPeersAreIndependent(t *testing.T) {
	rl := NewRateLimiter(100, 2, 100*time.Millisecond)

	require.True(t, rl.Allow("p"))
	require.True(t, rl.Allow("p"))
	require.False(t, rl.Allow("p"))

	require.True(t, rl.Allow("q"), "a different peer key must have its own budget")

	time.Sleep(150 * time.Millisecond)
	require.True(t, rl.Allow("p"), "bucket must refill once the window elapses")
}

func TestRateLimiterTracksDistinctPeerBuckets(t *testing.T) {
	rl := NewRateLimiter(100, 5, time.Minute)
	rl.Allow("peer-a")
	rl.Allow("peer-b")
	rl.Allow("peer-a")

	require.Equal(t, 2, rl.TrackedPeers())
}
