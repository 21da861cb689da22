// Package routing implements the XOR-metric k-bucket routing table:
// bucket indexing by leading-zero-count of XOR distance, LRU-with-stale-
// eviction insertion, and closest-node queries.
package routing

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/vazonhub/rhizome/internal/rhizid"
)

// maxFailedPings is the consecutive-failure streak past which a peer is
// treated as eviction-eligible even if it hasn't gone stale by timeout,
// mirroring original_source's Node::record_failed_ping counter but
// actually consulting it at eviction time rather than leaving it inert.
const maxFailedPings = 3

// Peer is a routing-table entry: identifier, address, last-seen time, and
// consecutive-failed-ping counter.
type Peer struct {
	ID          rhizid.ID
	Address     string
	Port        int
	LastSeen    time.Time
	FailedPings int
}

func (p Peer) IsStale(now time.Time, timeout time.Duration) bool {
	return now.Sub(p.LastSeen) > timeout
}

// bucket holds at most K peers, ordered least-recently-seen at head.
type bucket struct {
	peers       []Peer
	lastUpdated time.Time
}

// Table is the fixed-size, 160-bucket XOR routing table.
type Table struct {
	mu      sync.RWMutex
	local   rhizid.ID
	buckets []bucket
	k       int
	staleTimeout time.Duration
	clock   clock.Clock

	pingerMu sync.RWMutex
	// pinger is invoked to probe a candidate-for-eviction peer before the
	// new peer is allowed to replace it. Nil disables the probe (insert
	// replaces the eviction-eligible peer without pinging it). Set at construction via
	// WithPinger, or later via SetPinger once a dependency that needs the
	// table to already exist (the RPC client) is itself ready.
	pinger func(Peer) bool
}

// SetPinger installs the eviction-probe callback after construction, for
// callers whose pinger depends on the table itself (a RPC client
// constructed against this table).
func (t *Table) SetPinger(p func(Peer) bool) {
	t.pingerMu.Lock()
	defer t.pingerMu.Unlock()
	t.pinger = p
}

func (t *Table) getPinger() func(Peer) bool {
	t.pingerMu.RLock()
	defer t.pingerMu.RUnlock()
	return t.pinger
}

// Option configures a Table at construction.
type Option func(*Table)

func WithClock(c clock.Clock) Option { return func(t *Table) { t.clock = c } }
func WithStaleTimeout(d time.Duration) Option {
	return func(t *Table) { t.staleTimeout = d }
}
func WithPinger(p func(Peer) bool) Option {
	return func(t *Table) { t.pinger = p }
}

// New constructs a routing table with bucketCount buckets (default 160) and
// bucket size k (default 20).
func New(local rhizid.ID, bucketCount, k int, opts ...Option) *Table {
	t := &Table{
		local:        local,
		buckets:      make([]bucket, bucketCount),
		k:            k,
		staleTimeout: 3600 * time.Second,
		clock:        clock.New(),
	}
	for _, opt := range opts {
		opt(t)
	}
	now := t.clock.Now()
	for i := range t.buckets {
		t.buckets[i].lastUpdated = now
	}
	return t
}

func (t *Table) bucketIndex(id rhizid.ID) int {
	idx := rhizid.BucketIndex(t.local, id)
	if idx >= len(t.buckets) {
		idx = len(t.buckets) - 1
	}
	return idx
}

// Add inserts or refreshes a peer. No-op if the peer's identifier equals
// the local identifier.
func (t *Table) Add(p Peer) {
	if p.ID.Equal(t.local) {
		return
	}
	idx := t.bucketIndex(p.ID)

	t.mu.Lock()
	b := &t.buckets[idx]
	now := t.clock.Now()

	for i, existing := range b.peers {
		if existing.ID == p.ID {
			p.LastSeen = now
			b.peers = append(append(b.peers[:i], b.peers[i+1:]...), p)
			b.lastUpdated = now
			t.mu.Unlock()
			return
		}
	}

	if len(b.peers) < t.k {
		if p.LastSeen.IsZero() {
			p.LastSeen = now
		}
		b.peers = append(b.peers, p)
		b.lastUpdated = now
		t.mu.Unlock()
		return
	}

	staleIdx := -1
	for i, existing := range b.peers {
		if existing.IsStale(now, t.staleTimeout) || existing.FailedPings >= maxFailedPings {
			staleIdx = i
			break
		}
	}
	if staleIdx == -1 {
		t.mu.Unlock()
		return // bucket full of live peers: drop the new peer
	}
	oldest := b.peers[staleIdx]
	t.mu.Unlock()

	// Probe outside the lock: pinging is a blocking network call.
	if pinger := t.getPinger(); pinger != nil && pinger(oldest) {
		// oldest answered; refresh it and drop the new peer instead.
		t.RecordPingResult(oldest.ID, true)
		return
	}
	t.RecordPingResult(oldest.ID, false)

	t.mu.Lock()
	defer t.mu.Unlock()
	for i, existing := range b.peers {
		if existing.ID == oldest.ID {
			if p.LastSeen.IsZero() {
				p.LastSeen = t.clock.Now()
			}
			b.peers[i] = p
			b.lastUpdated = t.clock.Now()
			return
		}
	}
}

// RecordPingResult updates a peer's liveness bookkeeping after a ping
// attempt: success refreshes last-seen and clears the failure streak,
// failure increments it. A peer whose streak reaches maxFailedPings
// becomes eviction-eligible the next time Add needs to make room in its
// bucket, even if it hasn't gone stale by timeout.
func (t *Table) RecordPingResult(id rhizid.ID, ok bool) {
	idx := t.bucketIndex(id)
	t.mu.Lock()
	defer t.mu.Unlock()
	b := &t.buckets[idx]
	for i := range b.peers {
		if b.peers[i].ID == id {
			if ok {
				b.peers[i].LastSeen = t.clock.Now()
				b.peers[i].FailedPings = 0
			} else {
				b.peers[i].FailedPings++
			}
			return
		}
	}
}

// PeersInBucket returns a snapshot of the peers currently in bucket i, for
// callers that want to probe a specific bucket's liveness (e.g. the
// maintenance loop's stale-bucket sweep).
func (t *Table) PeersInBucket(i int) []Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if i < 0 || i >= len(t.buckets) {
		return nil
	}
	out := make([]Peer, len(t.buckets[i].peers))
	copy(out, t.buckets[i].peers)
	return out
}

// Remove deletes a peer from its bucket, if present.
func (t *Table) Remove(id rhizid.ID) {
	idx := t.bucketIndex(id)
	t.mu.Lock()
	defer t.mu.Unlock()
	b := &t.buckets[idx]
	for i, p := range b.peers {
		if p.ID == id {
			b.peers = append(b.peers[:i], b.peers[i+1:]...)
			return
		}
	}
}

// Get returns a peer by identifier.
func (t *Table) Get(id rhizid.ID) (Peer, bool) {
	idx := t.bucketIndex(id)
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, p := range t.buckets[idx].peers {
		if p.ID == id {
			return p, true
		}
	}
	return Peer{}, false
}

// Closest assembles up to count peers closest to target, expanding
// cyclically out from target's own bucket until at least 2*count
// candidates are gathered (or the table is exhausted), then sorts and
// truncates.
func (t *Table) Closest(target rhizid.ID, count int) []Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := len(t.buckets)
	start := t.bucketIndex(target)
	want := 2 * count

	var candidates []Peer
	seen := map[rhizid.ID]bool{}
	for offset := 0; offset < n; offset++ {
		for _, sign := range []int{1, -1} {
			if offset == 0 && sign == -1 {
				continue
			}
			idx := start + sign*offset
			if idx < 0 || idx >= n {
				continue
			}
			for _, p := range t.buckets[idx].peers {
				if !seen[p.ID] {
					seen[p.ID] = true
					candidates = append(candidates, p)
				}
			}
		}
		if len(candidates) >= want {
			break
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		di := rhizid.Xor(candidates[i].ID, target)
		dj := rhizid.Xor(candidates[j].ID, target)
		if di == dj {
			return candidates[i].ID.Less(candidates[j].ID)
		}
		return di.Less(dj)
	})
	if len(candidates) > count {
		candidates = candidates[:count]
	}
	return candidates
}

// All flattens every bucket into one slice.
func (t *Table) All() []Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Peer
	for _, b := range t.buckets {
		out = append(out, b.peers...)
	}
	return out
}

// StaleBuckets returns the indexes of buckets whose last_updated is older
// than refreshInterval, used by the maintenance loop to pick refresh
// targets.
func (t *Table) StaleBuckets(refreshInterval time.Duration) []int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	now := t.clock.Now()
	var out []int
	for i, b := range t.buckets {
		if now.Sub(b.lastUpdated) > refreshInterval {
			out = append(out, i)
		}
	}
	return out
}

// BucketCount returns the number of buckets (fixed at construction).
func (t *Table) BucketCount() int { return len(t.buckets) }

// TotalPeers returns the total number of peers across all buckets.
func (t *Table) TotalPeers() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, b := range t.buckets {
		n += len(b.peers)
	}
	return n
}

// BucketsWithPeers returns the count of non-empty buckets.
func (t *Table) BucketsWithPeers() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, b := range t.buckets {
		if len(b.peers) > 0 {
			n++
		}
	}
	return n
}

// RandomIDInBucket generates an identifier that the bucket-index function
// would place in bucket i relative to local: flips bit i then randomizes
// the remaining suffix bits, matching the source's refresh-target
// generation.
func RandomIDInBucket(local rhizid.ID, i int, randBytes func(n int) []byte) rhizid.ID {
	id := local
	byteIdx := i / 8
	bitIdx := uint(7 - i%8)
	id[byteIdx] ^= 1 << bitIdx

	suffix := randBytes(rhizid.IDLen)
	for j := byteIdx + 1; j < rhizid.IDLen; j++ {
		id[j] = suffix[j]
	}
	// randomize the bits after the flipped one within the same byte
	mask := byte(0xFF) >> uint(8-bitIdx)
	id[byteIdx] = (id[byteIdx] &^ mask) | (suffix[byteIdx] & mask)
	return id
}
