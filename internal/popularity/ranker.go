package popularity

import (
	"sort"

	"github.com/benbjohnson/clock"
)

// weights is one age band's weight distribution across the six
// normalized metrics: request_rate, replication, freshness, audience,
// social, seed_coverage.
type weights struct {
	rate, replication, freshness, audience, social, seedCov float64
}

// Age-band weights, resolved per the original ranking.rs source: the
// "<1 day" band sums to 1.00 (0.25+0.20+0.30+0.10+0.10+0.05).
var (
	weightsUnderOneDay  = weights{0.25, 0.20, 0.30, 0.10, 0.10, 0.05}
	weightsUnderOneWeek = weights{0.25, 0.20, 0.10, 0.10, 0.30, 0.05}
	weightsOverOneWeek  = weights{0.25, 0.20, 0.05, 0.10, 0.15, 0.25}
)

func weightsForAge(ageSeconds float64) weights {
	switch {
	case ageSeconds < 86400:
		return weightsUnderOneDay
	case ageSeconds < 7*86400:
		return weightsUnderOneWeek
	default:
		return weightsOverOneWeek
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// RankedItem pairs a key's score with the metrics snapshot it was
// computed from.
type RankedItem struct {
	Key     Metrics
	Score   float64
}

// Ranker scores and orders metrics snapshots.
type Ranker struct {
	clock               clock.Clock
	popularityThreshold float64
	activeThreshold     float64
}

func NewRanker(c clock.Clock, popularityThreshold, activeThreshold float64) *Ranker {
	if c == nil {
		c = clock.New()
	}
	return &Ranker{clock: c, popularityThreshold: popularityThreshold, activeThreshold: activeThreshold}
}

func (r *Ranker) now() float64 {
	return float64(r.clock.Now().UnixNano()) / 1e9
}

// Score computes the age-adaptive weighted score for one metrics
// snapshot: 10 * sum(normalized_metric * weight), clamped to [0,10].
func (r *Ranker) Score(m Metrics) float64 {
	age := r.now() - m.FirstSeen
	w := weightsForAge(age)

	normRate := clamp01(m.RequestRate / 100.0)
	normRepl := clamp01(float64(m.ReplicationCount) / 20.0)
	normFresh := clamp01(m.Freshness)
	normAudience := clamp01(float64(m.AudienceSize()) / 50.0)
	normSocial := clamp01(float64(m.SocialEngagements) / 100.0)
	normSeedCov := clamp01(m.SeedCoverage)

	sum := normRate*w.rate + normRepl*w.replication + normFresh*w.freshness +
		normAudience*w.audience + normSocial*w.social + normSeedCov*w.seedCov

	score := 10 * sum
	if score < 0 {
		score = 0
	}
	if score > 10 {
		score = 10
	}
	return score
}

// RankItems scores every snapshot, sorts descending by score (ties broken
// by ascending byte-lex of key), and truncates to limit if limit > 0.
func (r *Ranker) RankItems(metrics []Metrics, limit int) []RankedItem {
	items := make([]RankedItem, len(metrics))
	for i, m := range metrics {
		items[i] = RankedItem{Key: m, Score: r.Score(m)}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Score != items[j].Score {
			return items[i].Score > items[j].Score
		}
		return string(items[i].Key.Key[:]) < string(items[j].Key.Key[:])
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

// PopularItems filters ranked items by the popularity threshold.
func (r *Ranker) PopularItems(metrics []Metrics) []RankedItem {
	return r.filterByThreshold(metrics, r.popularityThreshold)
}

// ActiveItems filters ranked items by the (lower) active threshold.
func (r *Ranker) ActiveItems(metrics []Metrics) []RankedItem {
	return r.filterByThreshold(metrics, r.activeThreshold)
}

func (r *Ranker) filterByThreshold(metrics []Metrics, threshold float64) []RankedItem {
	ranked := r.RankItems(metrics, 0)
	out := ranked[:0:0]
	for _, item := range ranked {
		if item.Score >= threshold {
			out = append(out, item)
		}
	}
	return out
}
