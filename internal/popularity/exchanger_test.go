package popularity

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/vazonhub/rhizome/internal/rhizid"
	"github.com/vazonhub/rhizome/internal/routing"
)

type fakeGossip struct {
	calls        int32
	exchangeResp []PopularityPayload
	rankingByPeer map[rhizid.ID][]PopularityPayload
}

func (f *fakeGossip) ExchangeWith(ctx context.Context, peer routing.Peer, items []PopularityPayload) ([]PopularityPayload, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.exchangeResp, nil
}

func (f *fakeGossip) RequestGlobalRanking(ctx context.Context, peer routing.Peer) ([]PopularityPayload, error) {
	return f.rankingByPeer[peer.ID], nil
}

func tableWithPeers(t *testing.T, n int) (*routing.Table, []routing.Peer) {
	t.Helper()
	local, err := rhizid.GenerateID()
	require.NoError(t, err)
	table := routing.New(local, 160, 20)
	var peers []routing.Peer
	for i := 0; i < n; i++ {
		id, err := rhizid.GenerateID()
		require.NoError(t, err)
		p := routing.Peer{ID: id, Address: "x"}
		table.Add(p)
		peers = append(peers, p)
	}
	return table, peers
}

// GossipRound must actually issue the RPC (unlike the dead-task-list bug
// the original source contains).
func TestGossipRoundIssuesRealRPC(t *testing.T) {
	table, _ := tableWithPeers(t, 8)
	collector := NewCollector(clock.NewMock())
	ranker := NewRanker(clock.NewMock(), 7.0, 5.0)
	net := &fakeGossip{}
	ex := NewExchanger(collector, ranker, table, net, clock.NewMock())

	key := rhizid.HashKey("k")
	collector.RecordReplication(key, 1)

	require.NoError(t, ex.GossipRound(context.Background()))
	require.Greater(t, atomic.LoadInt32(&net.calls), int32(0), "gossip round must call the network, not just build an unused task list")
}

func TestGossipMergeRaisesReplicationFromPeers(t *testing.T) {
	table, _ := tableWithPeers(t, 3)
	collector := NewCollector(clock.NewMock())
	ranker := NewRanker(clock.NewMock(), 7.0, 5.0)
	key := rhizid.HashKey("shared")
	net := &fakeGossip{exchangeResp: []PopularityPayload{{Key: key, ReplicationCount: 9}}}
	ex := NewExchanger(collector, ranker, table, net, clock.NewMock())

	collector.RecordReplication(key, 2)
	require.NoError(t, ex.GossipRound(context.Background()))

	m, ok := collector.Snapshot(key)
	require.True(t, ok)
	require.Equal(t, 9, m.ReplicationCount)
}

// Scenario S6: seed consensus median.
func TestSeedConsensusMedian(t *testing.T) {
	table, seeds := tableWithPeers(t, 3)
	collector := NewCollector(clock.NewMock())
	ranker := NewRanker(clock.NewMock(), 7.0, 5.0)
	key := rhizid.HashKey("consensus-key")

	net := &fakeGossip{rankingByPeer: map[rhizid.ID][]PopularityPayload{
		seeds[0].ID: {{Key: key, Score: 3.0}},
		seeds[1].ID: {{Key: key, Score: 7.0}},
		seeds[2].ID: {{Key: key, Score: 5.0}},
	}}
	ex := NewExchanger(collector, ranker, table, net, clock.NewMock())

	// no local score reported for this key, so the three seed scores are
	// the entire input set: median of {3,5,7} = 5.
	require.NoError(t, ex.RunSeedConsensus(context.Background(), seeds))

	ranking, _ := ex.GlobalRanking()
	require.Len(t, ranking, 1)
	require.Equal(t, 5.0, ranking[0].Score)
}
