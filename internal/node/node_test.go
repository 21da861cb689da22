package node

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vazonhub/rhizome/internal/config"
	"github.com/vazonhub/rhizome/internal/rhizid"
	"github.com/vazonhub/rhizome/internal/routing"
)

func newTestConfig(t *testing.T, bootstrap []string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Node.AutoDetectType = false
	cfg.Node.NodeType = "full"
	cfg.Node.NodeIDFile = t.TempDir() + "/node_id.bin"
	cfg.Node.StateFile = t.TempDir() + "/state.json"
	cfg.Storage.DataDir = t.TempDir()
	cfg.Network.ListenHost = "127.0.0.1"
	cfg.Network.ListenPort = 0
	cfg.Network.BootstrapNodes = bootstrap
	cfg.Popularity.UpdateInterval = 3600
	cfg.Popularity.ExchangeInterval = 21600
	cfg.Popularity.GlobalUpdateInterval = 10800
	return cfg
}

func peerOf(t *testing.T, n *Node) routing.Peer {
	t.Helper()
	addr := n.transport.LocalAddr().(*net.UDPAddr)
	return routing.Peer{ID: n.localID, Address: addr.IP.String(), Port: addr.Port}
}

// S1-style two-node store/get: each node's table is seeded directly with
// the other's peer record, equivalent to a completed bootstrap exchange,
// then A stores a key and B retrieves it through the iterative lookup.
func TestTwoNodeStoreFindValue(t *testing.T) {
	a, err := New(newTestConfig(t, nil), nil)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()

	b, err := New(newTestConfig(t, nil), nil)
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop()

	a.table.Add(peerOf(t, b))
	b.table.Add(peerOf(t, a))

	key := (rhizid.Keys{}).ThreadMeta("t1")
	ok, err := a.Store(context.Background(), key, []byte("world"), 60)
	require.NoError(t, err)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	value, err := b.FindValue(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("world"), value)
}

func TestLifecycleRequiresNewBeforeStart(t *testing.T) {
	n, err := New(newTestConfig(t, nil), nil)
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	defer n.Stop()

	require.Error(t, n.Start(context.Background()), "starting a running node must fail")
}

func TestStopIsIdempotent(t *testing.T) {
	n, err := New(newTestConfig(t, nil), nil)
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))

	require.NoError(t, n.Stop())
	require.NoError(t, n.Stop())
}

func TestBootstrapWithNoConfiguredNodesDoesNotBlockStart(t *testing.T) {
	n, err := New(newTestConfig(t, nil), nil)
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	defer n.Stop()
	require.Equal(t, "running", n.State())
}
