package popularity

import (
	"context"
	"math/rand"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/vazonhub/rhizome/internal/rhizid"
	"github.com/vazonhub/rhizome/internal/routing"
)

// GossipOps is "popularity operations needed by the wire handler":
// satisfied by the wire protocol, installed into the exchanger after both
// are constructed via a mutable slot (the cyclic-ownership resolution of
// the design notes).
type GossipOps interface {
	ExchangeWith(ctx context.Context, peer routing.Peer, items []PopularityPayload) ([]PopularityPayload, error)
	RequestGlobalRanking(ctx context.Context, peer routing.Peer) ([]PopularityPayload, error)
}

// PopularityPayload is the over-the-wire shape of one exchanged item: a
// key, its reporter's score, and the raw metrics fields needed by Merge.
type PopularityPayload struct {
	Key              rhizid.Key
	Score            float64
	ReplicationCount int
}

const (
	defaultGossipTopN          = 100
	defaultGossipNeighborCount = 5
	defaultSeedQueryCount      = 10
	consensusListCap           = 100
)

// Exchanger runs top-N gossip and seed-consensus aggregation.
type Exchanger struct {
	collector *Collector
	ranker    *Ranker
	table     *routing.Table
	net       GossipOps
	clock     clock.Clock

	mu               sync.Mutex
	consensus        []RankedItem
	consensusAt      float64
}

func NewExchanger(collector *Collector, ranker *Ranker, table *routing.Table, net GossipOps, c clock.Clock) *Exchanger {
	if c == nil {
		c = clock.New()
	}
	return &Exchanger{collector: collector, ranker: ranker, table: table, net: net, clock: c}
}

// SetNetOps installs the gossip operations interface after construction,
// completing the mutable-slot cyclic-dependency injection.
func (e *Exchanger) SetNetOps(net GossipOps) { e.net = net }

// GossipRound ranks local metrics, takes the top N, and issues a real
// POPULARITY_EXCHANGE RPC to up to defaultGossipNeighborCount random neighbors,
// merging whatever they return. Unlike the dead-task-list bug in the
// reference implementation, this actually calls the network.
func (e *Exchanger) GossipRound(ctx context.Context) error {
	all := e.collector.SnapshotAll()
	ranked := e.ranker.RankItems(all, defaultGossipTopN)
	outgoing := toPayloads(ranked)

	neighbors := e.pickRandomNeighbors(defaultGossipNeighborCount)
	if len(neighbors) == 0 || e.net == nil {
		return nil
	}

	var wg sync.WaitGroup
	for _, n := range neighbors {
		wg.Add(1)
		go func(n routing.Peer) {
			defer wg.Done()
			received, err := e.net.ExchangeWith(ctx, n, outgoing)
			if err != nil {
				return // one peer's failure does not abort the round.
			}
			for _, item := range received {
				e.collector.Merge(Metrics{Key: item.Key, ReplicationCount: item.ReplicationCount})
			}
		}(n)
	}
	wg.Wait()
	return nil
}

func (e *Exchanger) pickRandomNeighbors(count int) []routing.Peer {
	all := e.table.All()
	if len(all) <= count {
		return all
	}
	rand.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
	return all[:count]
}

// RunSeedConsensus queries up to defaultSeedQueryCount seed peers for
// their global ranking, computes the per-key median across all reported
// scores (including the local one), sorts descending, truncates to 100,
// and caches the result.
func (e *Exchanger) RunSeedConsensus(ctx context.Context, seeds []routing.Peer) error {
	if len(seeds) > defaultSeedQueryCount {
		seeds = seeds[:defaultSeedQueryCount]
	}

	localRanked := e.ranker.RankItems(e.collector.SnapshotAll(), 0)
	scoresByKey := make(map[rhizid.Key][]float64)
	for _, item := range localRanked {
		scoresByKey[item.Key.Key] = append(scoresByKey[item.Key.Key], item.Score)
	}

	if e.net != nil {
		var mu sync.Mutex
		var wg sync.WaitGroup
		for _, seed := range seeds {
			wg.Add(1)
			go func(seed routing.Peer) {
				defer wg.Done()
				reported, err := e.net.RequestGlobalRanking(ctx, seed)
				if err != nil {
					return
				}
				mu.Lock()
				defer mu.Unlock()
				for _, item := range reported {
					scoresByKey[item.Key] = append(scoresByKey[item.Key], item.Score)
				}
			}(seed)
		}
		wg.Wait()
	}

	consensus := make([]RankedItem, 0, len(scoresByKey))
	for key, scores := range scoresByKey {
		consensus = append(consensus, RankedItem{
			Key:   Metrics{Key: key},
			Score: median(scores),
		})
	}
	sort.Slice(consensus, func(i, j int) bool {
		if consensus[i].Score != consensus[j].Score {
			return consensus[i].Score > consensus[j].Score
		}
		return string(consensus[i].Key.Key[:]) < string(consensus[j].Key.Key[:])
	})
	if len(consensus) > consensusListCap {
		consensus = consensus[:consensusListCap]
	}

	e.mu.Lock()
	e.consensus = consensus
	e.consensusAt = float64(e.clock.Now().UnixNano()) / 1e9
	e.mu.Unlock()
	return nil
}

// GlobalRanking serves the cached consensus list for GLOBAL_RANKING_REQUEST.
func (e *Exchanger) GlobalRanking() ([]RankedItem, float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]RankedItem(nil), e.consensus...), e.consensusAt
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return sorted[len(sorted)/2]
}

func toPayloads(items []RankedItem) []PopularityPayload {
	out := make([]PopularityPayload, len(items))
	for i, item := range items {
		out[i] = PopularityPayload{
			Key:              item.Key.Key,
			Score:            item.Score,
			ReplicationCount: item.Key.ReplicationCount,
		}
	}
	return out
}
