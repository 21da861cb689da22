package transport

import (
	"sync"
	"time"

	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"
)

// RateLimiter enforces a global inbound cap and a per-peer cap, each a
// continuously-refilling token bucket capped at the window's full
// allotment as its burst size. It is not a sliding-window count: once a
// peer has spent its full burst, refilled tokens admit further requests
// before the window has passed, so up to about twice the cap can be
// admitted within one trailing window.
//
// Per-peer buckets are created lazily on first sight of a peer key and kept
// for the transport's lifetime; an attacker cycling through unbounded
// distinct peer keys is still caught by the shared global bucket.
type RateLimiter struct {
	peerMax int
	window  time.Duration

	global *limiter.TokenBucket

	mu     sync.Mutex
	byPeer map[string]*limiter.TokenBucket
}

// NewRateLimiter builds a limiter admitting at most globalMax requests per
// window overall, and at most peerMax requests per window from any one
// peer key.
func NewRateLimiter(globalMax, peerMax int, window time.Duration) *RateLimiter {
	global, _ := limiter.NewTokenBucket(limiter.Config{
		Rate:     int64(globalMax),
		Duration: window,
		Burst:    int64(globalMax),
	}, store.NewMemoryStore(window))

	return &RateLimiter{
		peerMax: peerMax,
		window:  window,
		global:  global,
		byPeer:  make(map[string]*limiter.TokenBucket),
	}
}

// Allow checks the global cap and then the per-peer cap for peerKey; both
// must pass for the request to be admitted.
func (r *RateLimiter) Allow(peerKey string) bool {
	if r.global != nil && !r.global.Allow("global") {
		return false
	}
	return r.peerBucket(peerKey).Allow(peerKey)
}

func (r *RateLimiter) peerBucket(peerKey string) *limiter.TokenBucket {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.byPeer[peerKey]
	if !ok {
		b, _ = limiter.NewTokenBucket(limiter.Config{
			Rate:     int64(r.peerMax),
			Duration: r.window,
			Burst:    int64(r.peerMax),
		}, store.NewMemoryStore(r.window))
		r.byPeer[peerKey] = b
	}
	return b
}

// TrackedPeers reports the number of distinct peer keys with an active
// bucket, for diagnostics. The library doesn't expose a bucket's internal
// fill level, so unlike the prior sliding-window implementation this no
// longer reports window occupancy.
func (r *RateLimiter) TrackedPeers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byPeer)
}
