// Package node wires storage, routing, transport, DHT, popularity, and
// replication into one lifecycle-managed process: construct everything
// eagerly, bootstrap on start, run background loops for bucket refresh
// and popularity maintenance, and flush state on stop.
package node

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/vazonhub/rhizome/internal/config"
	"github.com/vazonhub/rhizome/internal/dht"
	"github.com/vazonhub/rhizome/internal/popularity"
	"github.com/vazonhub/rhizome/internal/protocol"
	"github.com/vazonhub/rhizome/internal/replication"
	"github.com/vazonhub/rhizome/internal/rherr"
	"github.com/vazonhub/rhizome/internal/rhizid"
	"github.com/vazonhub/rhizome/internal/routing"
	"github.com/vazonhub/rhizome/internal/store"
	"github.com/vazonhub/rhizome/internal/telemetry"
	"github.com/vazonhub/rhizome/internal/transport"
)

// state is the new -> running -> stopped lifecycle.
type state int32

const (
	stateNew state = iota
	stateRunning
	stateStopped
)

func (s state) String() string {
	switch s {
	case stateNew:
		return "new"
	case stateRunning:
		return "running"
	case stateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// engineStorer adapts the DHT engine and local store to the replicator's
// narrow Storer interface.
type engineStorer struct {
	store  *store.Store
	engine *dht.Engine
}

func (s engineStorer) Get(key []byte) ([]byte, bool, error) { return s.store.Get(key) }
func (s engineStorer) Store(ctx context.Context, key rhizid.Key, value []byte, ttlSeconds float64) (bool, error) {
	return s.engine.Store(ctx, key, value, ttlSeconds)
}

// Node is the fully wired rhizome process.
type Node struct {
	cfg      *config.Config
	nodeType config.NodeType
	localID  rhizid.ID
	logger   *slog.Logger

	table      *routing.Table
	store      *store.Store
	transport  *transport.Transport
	protocol   *protocol.Protocol
	engine     *dht.Engine
	collector  *popularity.Collector
	ranker     *popularity.Ranker
	exchanger  *popularity.Exchanger
	replicator *replication.Replicator
	clock      clock.Clock
	metrics    *telemetry.Metrics

	isSeed bool

	state     atomic.Int32
	startTime float64
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New constructs every component described by BaseNode::new, without
// starting any background activity.
func New(cfg *config.Config, logger *slog.Logger) (*Node, error) {
	if logger == nil {
		logger = slog.Default()
	}

	nodeType := config.NodeType(cfg.Node.NodeType)
	if cfg.Node.AutoDetectType {
		if detected, err := config.DetectNodeType(cfg.Storage.DataDir); err == nil {
			nodeType = detected
		} else {
			logger.Warn("node type auto-detection failed, using configured type", "error", err)
		}
	}
	isSeed := nodeType == config.NodeTypeSeed

	localID, err := loadOrCreateIdentity(cfg.Node.NodeIDFile)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.Open(cfg.Storage.DataDir+"/rhizome.db", cfg.Storage.MaxStorageSize)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	table := routing.New(localID, cfg.DHT.BucketCount, cfg.DHT.K,
		routing.WithStaleTimeout(cfg.DHT.RefreshIntervalDuration()))

	tcfg := transport.DefaultConfig()
	tcfg.ListenHost = cfg.Network.ListenHost
	tcfg.ListenPort = cfg.Network.ListenPort
	tcfg.RequestTimeout = cfg.DHT.RequestTimeoutDuration()
	tcfg.RateLimitGlobal = cfg.Security.RateLimitRequests
	tcfg.RateLimitWindow = cfg.Security.WindowDuration()

	var wireID [20]byte
	copy(wireID[:], localID[:])
	tr := transport.New(tcfg, wireID, logger)

	collector := popularity.NewCollector(nil)
	ranker := popularity.NewRanker(nil, cfg.Popularity.PopularityThreshold, cfg.Popularity.ActiveThreshold)

	metrics := telemetry.New()

	proto := protocol.New(tr, table, st, collector, ranker, localID, isSeed, logger)
	table.SetPinger(func(p routing.Peer) bool {
		pingCtx, cancel := context.WithTimeout(context.Background(), cfg.DHT.PingTimeoutDuration())
		defer cancel()
		return proto.Ping(pingCtx, p) == nil
	})
	engine := dht.New(localID, table, st, proto, cfg.DHT.Alpha, cfg.DHT.K, logger, dht.WithMetrics(collectorAdapter{collector, metrics}))

	exchanger := popularity.NewExchanger(collector, ranker, table, proto, nil)
	proto.SetExchanger(exchanger)

	storer := engineStorer{store: st, engine: engine}
	replicator := replication.New(storer, cfg.DHT.K, logger)

	n := &Node{
		cfg:        cfg,
		nodeType:   nodeType,
		localID:    localID,
		logger:     logger.With("component", "node", "node_id", localID.String()[:16]),
		table:      table,
		store:      st,
		transport:  tr,
		protocol:   proto,
		engine:     engine,
		collector:  collector,
		ranker:     ranker,
		exchanger:  exchanger,
		replicator: replicator,
		clock:      clock.New(),
		metrics:    metrics,
		isSeed:     isSeed,
	}
	n.state.Store(int32(stateNew))
	return n, nil
}

// collectorAdapter satisfies dht.MetricsRecorder against the popularity
// collector, whose RecordRequest/RecordReplication already match in shape
// but live in a different package than dht wants to import, and also
// feeds the Prometheus lookup/replication counters.
type collectorAdapter struct {
	c *popularity.Collector
	m *telemetry.Metrics
}

func (a collectorAdapter) RecordRequest(key rhizid.Key) {
	a.c.RecordRequest(key)
	a.m.DHTLookups.WithLabelValues("find_value").Inc()
}

func (a collectorAdapter) RecordReplication(key rhizid.Key, n int) {
	a.c.RecordReplication(key, n)
	a.m.ReplicationsRecorded.Add(float64(n))
}

// Metrics exposes the Prometheus collectors for an HTTP /metrics handler.
func (n *Node) Metrics() *telemetry.Metrics { return n.metrics }

// Start binds the transport, bootstraps into the network, and launches the
// background maintenance and popularity loops. Requires state new.
func (n *Node) Start(ctx context.Context) error {
	if !n.state.CompareAndSwap(int32(stateNew), int32(stateRunning)) {
		return rherr.New(rherr.FamilyConfig, rherr.CodeInvalidNodeType, "start requires state new")
	}
	n.startTime = nowSeconds(n.clock)

	if err := n.transport.Start(n.protocol.Handle); err != nil {
		n.state.Store(int32(stateNew))
		return fmt.Errorf("start transport: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel

	n.bootstrap(ctx)

	n.wg.Add(1)
	go n.maintenanceLoop(runCtx)

	n.wg.Add(1)
	go n.popularityLoop(runCtx)

	if n.isSeed {
		n.wg.Add(1)
		go n.seedConsensusLoop(runCtx)
	}

	n.logger.Info("node started", "type", string(n.nodeType))
	return nil
}

// Stop drains the background loops, flushes state to disk, and closes the
// transport. Requires state running.
func (n *Node) Stop() error {
	if !n.state.CompareAndSwap(int32(stateRunning), int32(stateStopped)) {
		return nil
	}
	n.logger.Info("stopping node")

	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()

	if err := n.flushState(); err != nil {
		n.logger.Error("failed to save node state", "error", err)
	}

	if err := n.transport.Stop(); err != nil {
		n.logger.Warn("transport stop error", "error", err)
	}
	if err := n.store.Close(); err != nil {
		n.logger.Warn("store close error", "error", err)
	}

	n.logger.Info("node stopped")
	return nil
}

func (n *Node) State() string { return state(n.state.Load()).String() }

func (n *Node) flushState() error {
	var st persistedState
	st.NodeID = n.localID.String()
	st.NodeType = string(n.nodeType)
	st.StartTime = n.startTime
	st.IsRunning = false
	st.RoutingTableStats.TotalNodes = n.table.TotalPeers()
	st.RoutingTableStats.BucketsWithNodes = n.table.BucketsWithPeers()
	return saveState(n.cfg.Node.StateFile, st)
}

// bootstrap pings each configured bootstrap address, adds it to the
// routing table under a provisional all-zero identifier if it answers,
// and runs find_node(local_id) to populate buckets from there. The
// provisional zero ID is carried over from BaseNode::bootstrap, which
// never corrects it to the peer's real ID after the PING; a later
// FIND_NODE response that includes this peer's real entry naturally
// supersedes the placeholder bucket slot.
func (n *Node) bootstrap(ctx context.Context) {
	if len(n.cfg.Network.BootstrapNodes) == 0 {
		n.logger.Warn("no bootstrap nodes configured")
		return
	}

	for _, addrStr := range n.cfg.Network.BootstrapNodes {
		addr, err := resolveBootstrapEntry(addrStr)
		if err != nil {
			n.logger.Warn("unresolvable bootstrap entry", "entry", addrStr, "error", err)
			continue
		}

		provisional := routing.Peer{ID: rhizid.ID{}, Address: addr.IP.String(), Port: addr.Port}
		pingCtx, cancel := context.WithTimeout(ctx, n.cfg.DHT.PingTimeoutDuration())
		err = n.protocol.Ping(pingCtx, provisional)
		cancel()
		if err != nil {
			n.logger.Warn("bootstrap node unreachable", "address", addrStr, "error", err)
			continue
		}

		n.table.Add(provisional)
		n.logger.Info("bootstrap node connected", "address", addrStr)

		if _, err := n.engine.FindNode(ctx, n.localID); err != nil {
			n.logger.Warn("self-lookup after bootstrap failed", "error", err)
		}
	}
}

// maintenanceLoop runs storage cleanup and stale-bucket refresh once per
// minute, per BaseNode::background_loop.
func (n *Node) maintenanceLoop(ctx context.Context) {
	defer n.wg.Done()
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if deleted, err := n.store.CleanupExpired(); err != nil {
				n.logger.Warn("cleanup expired failed", "error", err)
			} else if deleted > 0 {
				n.logger.Debug("cleaned up expired data", "count", deleted)
				n.metrics.StoreEntriesExpired.Add(float64(deleted))
			}
			n.metrics.StoreBytesUsed.Set(float64(n.store.UsedBytes()))

			n.metrics.RateLimiterOccupancy.Set(float64(n.transport.RateLimiterTrackedPeers()))

			stale := n.table.StaleBuckets(n.cfg.DHT.RefreshIntervalDuration())
			for _, idx := range stale {
				for _, p := range n.table.PeersInBucket(idx) {
					pingCtx, cancel := context.WithTimeout(ctx, n.cfg.DHT.PingTimeoutDuration())
					err := n.protocol.Ping(pingCtx, p)
					cancel()
					n.table.RecordPingResult(p.ID, err == nil)
				}

				target := routing.RandomIDInBucket(n.localID, idx, randomBytes)
				if _, err := n.engine.FindNode(ctx, target); err != nil {
					n.logger.Warn("bucket refresh failed", "bucket", idx, "error", err)
					continue
				}
				n.metrics.DHTLookups.WithLabelValues("find_node").Inc()
				n.logger.Debug("bucket refreshed", "index", idx)
			}
		}
	}
}

// popularityLoop runs the hourly rank/extend-TTL/replicate step and the
// six-hourly gossip exchange, refreshing freshness every wake, per
// BaseNode::popularity_loop.
func (n *Node) popularityLoop(ctx context.Context) {
	defer n.wg.Done()
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	var lastUpdate, lastExchange float64

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := nowSeconds(n.clock)

			if now-lastUpdate >= n.cfg.Popularity.UpdateInterval {
				all := n.collector.SnapshotAll()
				ranked := n.ranker.RankItems(all, 100)

				for _, item := range ranked {
					if item.Score >= n.cfg.Popularity.PopularityThreshold {
						if _, err := n.store.ExtendTTL(item.Key.Key[:], 1.0); err != nil {
							n.logger.Warn("extend ttl failed", "key", item.Key.Key.String(), "error", err)
						}
					}
				}
				n.replicator.ReplicatePopularItems(ctx, ranked, n.cfg.Popularity.PopularityThreshold)
				lastUpdate = now
			}

			if now-lastExchange >= n.cfg.Popularity.ExchangeInterval {
				if err := n.exchanger.GossipRound(ctx); err != nil {
					n.logger.Warn("gossip round failed", "error", err)
				}
				n.metrics.PopularityExchanges.Inc()
				lastExchange = now
			}

			n.collector.RefreshFreshness()
		}
	}
}

// seedConsensusLoop runs RunSeedConsensus every global_update_interval,
// querying peers for their global ranking and caching the median. The
// peers queried are the first ones from the routing table (up to the
// exchanger's query cap); the table does not record which peers are seeds.
// Only launched for nodes whose auto-detected or configured type is seed.
func (n *Node) seedConsensusLoop(ctx context.Context) {
	defer n.wg.Done()
	interval := n.cfg.Popularity.GlobalUpdateIntervalDuration()
	if interval <= 0 {
		interval = 300 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seeds := n.table.All()
			if err := n.exchanger.RunSeedConsensus(ctx, seeds); err != nil {
				n.logger.Warn("seed consensus failed", "error", err)
			}
		}
	}
}

// Store writes a value under key with the given TTL via the DHT engine's
// iterative store, and records the resulting replication count.
func (n *Node) Store(ctx context.Context, key rhizid.Key, value []byte, ttlSeconds float64) (bool, error) {
	n.metrics.DHTLookups.WithLabelValues("store").Inc()
	ok, err := n.engine.Store(ctx, key, value, ttlSeconds)
	if err != nil {
		return false, err
	}
	replicationCount := 1
	if ok {
		replicationCount = n.cfg.DHT.K
	}
	n.collector.RecordReplication(key, replicationCount)
	return ok, nil
}

// FindValue looks up key via the DHT engine's iterative lookup, recording
// the request for popularity bookkeeping.
func (n *Node) FindValue(ctx context.Context, key rhizid.Key) ([]byte, error) {
	return n.engine.FindValue(ctx, key)
}

// LocalID returns this node's identifier.
func (n *Node) LocalID() rhizid.ID { return n.localID }

func nowSeconds(c clock.Clock) float64 {
	return float64(c.Now().UnixNano()) / 1e9
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return b
}

// StateJSON reports structured lifecycle info for /healthz-style callers
// that want more than the bare state string, without reading the state
// file from disk.
func (n *Node) StateJSON() ([]byte, error) {
	return json.Marshal(struct {
		NodeID   string `json:"node_id"`
		NodeType string `json:"node_type"`
		State    string `json:"state"`
	}{n.localID.String(), string(n.nodeType), n.State()})
}
