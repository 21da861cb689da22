package protocol

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/vazonhub/rhizome/internal/popularity"
	"github.com/vazonhub/rhizome/internal/rhizid"
	"github.com/vazonhub/rhizome/internal/routing"
	"github.com/vazonhub/rhizome/internal/store"
	"github.com/vazonhub/rhizome/internal/transport"
)

type testNode struct {
	id    rhizid.ID
	proto *Protocol
	trans *transport.Transport
}

func newTestNode(t *testing.T) *testNode {
	return newTestNodeWithTimeout(t, 2*time.Second)
}

func newTestNodeWithTimeout(t *testing.T, requestTimeout time.Duration) *testNode {
	t.Helper()
	id, err := rhizid.GenerateID()
	require.NoError(t, err)

	st, err := store.Open(t.TempDir()+"/store.db", 1<<20)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	table := routing.New(id, 160, 20)
	collector := popularity.NewCollector(clock.NewMock())
	ranker := popularity.NewRanker(clock.NewMock(), 7.0, 5.0)

	cfg := transport.DefaultConfig()
	cfg.ListenHost = "127.0.0.1"
	cfg.ListenPort = 0
	cfg.RequestTimeout = requestTimeout

	var nodeID [20]byte
	copy(nodeID[:], id[:])
	tr := transport.New(cfg, nodeID, slog.Default())

	proto := New(tr, table, st, collector, ranker, id, false, slog.Default())
	require.NoError(t, tr.Start(proto.Handle))
	t.Cleanup(func() { tr.Stop() })

	return &testNode{id: id, proto: proto, trans: tr}
}

func (n *testNode) peer() routing.Peer {
	addr := n.trans.LocalAddr().(*net.UDPAddr)
	return routing.Peer{ID: n.id, Address: addr.IP.String(), Port: addr.Port}
}

func TestPingLearnsPeerIdentity(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)

	err := a.proto.Ping(context.Background(), b.peer())
	require.NoError(t, err)

	_, known := b.proto.table.Get(a.id)
	require.True(t, known, "the pinged node must record the sender's identity")
}

func TestStoreAtThenFindValueOnRemote(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)

	key := rhizid.HashKey("protocol-test-key")
	ok, err := a.proto.StoreAt(context.Background(), b.peer(), key, []byte("payload"), 3600)
	require.NoError(t, err)
	require.True(t, ok)

	value, found, _, err := a.proto.FindValue(context.Background(), b.peer(), key)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("payload"), value)
}

func TestFindNodeReturnsClosestFromRemoteTable(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	c := newTestNode(t)

	b.proto.rememberPeer(c.id, &net.UDPAddr{IP: net.ParseIP(c.peer().Address), Port: c.peer().Port})

	peers, err := a.proto.FindNode(context.Background(), b.peer(), c.id)
	require.NoError(t, err)

	var found bool
	for _, p := range peers {
		if p.ID == c.id {
			found = true
		}
	}
	require.True(t, found, "remote table's known peer must appear in FIND_NODE response")
}

func TestPopularityExchangeRoundTrip(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)

	key := rhizid.HashKey("popular-key")
	b.proto.collector.RecordReplication(key, 5)

	received, err := a.proto.ExchangeWith(context.Background(), b.peer(), nil)
	require.NoError(t, err)

	var found bool
	for _, item := range received {
		if item.Key == key && item.ReplicationCount == 5 {
			found = true
		}
	}
	require.True(t, found)
}

func TestGlobalRankingRequestWithNoExchangerReturnsEmpty(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)

	ranking, err := a.proto.RequestGlobalRanking(context.Background(), b.peer())
	require.NoError(t, err)
	require.Empty(t, ranking)
}

func TestParseIDRejectsWrongLength(t *testing.T) {
	_, err := parseID(strconv.Itoa(1234)) // valid hex, 2 bytes instead of 20
	require.Error(t, err)
}

// After breakerOpenAfter consecutive failures to an unreachable peer, the
// breaker trips and further Pings fail fast rather than each waiting out
// the full request timeout.
func TestPingToDeadPeerTripsBreaker(t *testing.T) {
	a := newTestNodeWithTimeout(t, 50*time.Millisecond)

	deadPeer := routing.Peer{ID: rhizid.ID{0x01}, Address: "127.0.0.1", Port: 1}

	for i := 0; i < breakerOpenAfter; i++ {
		require.Error(t, a.proto.Ping(context.Background(), deadPeer))
	}

	start := time.Now()
	err := a.proto.Ping(context.Background(), deadPeer)
	require.Error(t, err)
	require.Less(t, time.Since(start), 100*time.Millisecond, "a tripped breaker must fail fast, not wait out the request timeout")
}
