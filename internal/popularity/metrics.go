// Package popularity implements per-key metrics collection, age-adaptive
// weighted ranking, gossip exchange, and seed-consensus aggregation.
package popularity

import (
	"math"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/vazonhub/rhizome/internal/rhizid"
)

const maxTimestampQueue = 1000

// Metrics is the per-key popularity record.
type Metrics struct {
	Key               rhizid.Key
	RequestCount      int64
	Timestamps        []float64 // rolling queue, cap maxTimestampQueue, unix seconds
	RequestRate       float64   // requests/hour
	ReplicationCount  int
	Freshness         float64
	Audience          map[string]struct{}
	SocialEngagements int64
	ViewTime          float64
	SeedCoverage      float64
	FirstSeen         float64
	LastRequest       float64
	CreatedAt         float64
}

func newMetrics(key rhizid.Key, now float64) *Metrics {
	return &Metrics{
		Key:       key,
		Audience:  make(map[string]struct{}),
		FirstSeen: now,
		Freshness: 1.0,
		CreatedAt: now,
	}
}

// AudienceSize returns the cardinality of the requesting-peer set.
func (m *Metrics) AudienceSize() int { return len(m.Audience) }

// Collector is the single-mutex metrics store. Handlers copy snapshots
// out rather than holding the lock across blocking calls.
type Collector struct {
	mu      sync.Mutex
	clock   clock.Clock
	metrics map[rhizid.Key]*Metrics
}

func NewCollector(c clock.Clock) *Collector {
	if c == nil {
		c = clock.New()
	}
	return &Collector{clock: c, metrics: make(map[rhizid.Key]*Metrics)}
}

func (c *Collector) now() float64 {
	return float64(c.clock.Now().UnixNano()) / 1e9
}

func (c *Collector) getOrCreate(key rhizid.Key) *Metrics {
	m, ok := c.metrics[key]
	if !ok {
		m = newMetrics(key, c.now())
		c.metrics[key] = m
	}
	return m
}

// RecordRequest implements the FIND_VALUE bookkeeping: appends a
// timestamp to the rolling queue (capped) and recomputes request_rate.
// No requester is known here, so the audience set is left unchanged; use
// RecordRequestFrom to add one.
func (c *Collector) RecordRequest(key rhizid.Key) {
	c.RecordRequestFrom(key, "")
}

// RecordRequestFrom is RecordRequest plus an explicit requester identity
// for the audience set.
func (c *Collector) RecordRequestFrom(key rhizid.Key, requester string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.getOrCreate(key)
	now := c.now()
	m.RequestCount++
	m.LastRequest = now
	if requester != "" {
		m.Audience[requester] = struct{}{}
	}

	m.Timestamps = append(m.Timestamps, now)
	if len(m.Timestamps) > maxTimestampQueue {
		m.Timestamps = m.Timestamps[len(m.Timestamps)-maxTimestampQueue:]
	}

	if len(m.Timestamps) > 0 {
		span := now - m.Timestamps[0]
		if span > 0 {
			m.RequestRate = (float64(len(m.Timestamps)) / span) * 3600.0
		} else {
			m.RequestRate = float64(len(m.Timestamps)) * 3600.0
		}
	}

	c.updateFreshnessLocked(m, now)
}

// RecordReplication sets replication_count to max(old, new): the count is
// "observed maximum" and must never decrease.
func (c *Collector) RecordReplication(key rhizid.Key, count int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.getOrCreate(key)
	if count > m.ReplicationCount {
		m.ReplicationCount = count
	}
}

// RecordSocialEngagement is a monotone accumulator.
func (c *Collector) RecordSocialEngagement(key rhizid.Key, delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.getOrCreate(key)
	m.SocialEngagements += delta
}

// RecordViewTime accumulates view-time seconds.
func (c *Collector) RecordViewTime(key rhizid.Key, seconds float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.getOrCreate(key)
	m.ViewTime += seconds
}

// SetSeedCoverage overwrites the seed-coverage fraction for a key.
func (c *Collector) SetSeedCoverage(key rhizid.Key, fraction float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.getOrCreate(key)
	m.SeedCoverage = fraction
}

// updateFreshnessLocked recomputes freshness from age since first-seen,
// per the piecewise formula of §4.5. Must be called with c.mu held.
func (c *Collector) updateFreshnessLocked(m *Metrics, now float64) {
	age := now - m.FirstSeen
	switch {
	case age < 3600:
		m.Freshness = 1.0
	case age < 86400:
		m.Freshness = 1.0 - (age/86400)*0.5
	default:
		m.Freshness = math.Max(0.1, 0.5*math.Pow(0.5, age/86400/7))
	}
}

// RefreshFreshness recomputes freshness for every key without any other
// side effect, used by the popularity loop's "every wake" step.
func (c *Collector) RefreshFreshness() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for _, m := range c.metrics {
		c.updateFreshnessLocked(m, now)
	}
}

// Snapshot returns a copy of the metrics record for key, or false if
// absent.
func (c *Collector) Snapshot(key rhizid.Key) (Metrics, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.metrics[key]
	if !ok {
		return Metrics{}, false
	}
	return cloneMetrics(m), true
}

// SnapshotAll returns a copy of every metrics record, safe to use after
// releasing the lock.
func (c *Collector) SnapshotAll() []Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Metrics, 0, len(c.metrics))
	for _, m := range c.metrics {
		out = append(out, cloneMetrics(m))
	}
	return out
}

// Merge folds an externally reported metrics record into the local one,
// per the gossip-merge rule: unknown keys are adopted wholesale; known
// keys only have replication_count raised, never other fields.
func (c *Collector) Merge(reported Metrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	existing, ok := c.metrics[reported.Key]
	if !ok {
		c.metrics[reported.Key] = cloneMetricsPtr(&reported)
		return
	}
	if reported.ReplicationCount > existing.ReplicationCount {
		existing.ReplicationCount = reported.ReplicationCount
	}
}

// CleanupOldMetrics drops entries whose last_request is older than
// maxAgeDays.
func (c *Collector) CleanupOldMetrics(maxAgeDays float64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for k, m := range c.metrics {
		if now-m.LastRequest > maxAgeDays*86400 {
			delete(c.metrics, k)
			removed++
		}
	}
	return removed
}

func cloneMetrics(m *Metrics) Metrics {
	return *cloneMetricsPtr(m)
}

func cloneMetricsPtr(m *Metrics) *Metrics {
	cp := *m
	cp.Audience = make(map[string]struct{}, len(m.Audience))
	for k := range m.Audience {
		cp.Audience[k] = struct{}{}
	}
	cp.Timestamps = append([]float64(nil), m.Timestamps...)
	return &cp
}
