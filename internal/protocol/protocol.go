// Package protocol wires the wire codec and transport to the DHT engine
// and popularity subsystem: it is the "network operations needed by the
// DHT" and "popularity operations needed by the wire handler" interfaces
// the design notes describe, implemented against one concrete transport.
package protocol

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vazonhub/rhizome/internal/popularity"
	"github.com/vazonhub/rhizome/internal/rhizid"
	"github.com/vazonhub/rhizome/internal/routing"
	"github.com/vazonhub/rhizome/internal/store"
	"github.com/vazonhub/rhizome/internal/transport"
	"github.com/vazonhub/rhizome/internal/wire"
)

// breakerOpenAfter trips a peer's breaker once 5 consecutive requests to it
// have failed, so a dead peer stops eating a full request-timeout on every
// lookup step that touches it.
const breakerOpenAfter = 5

// breakerCooldown is how long a tripped breaker stays open before letting a
// single probe request through to see if the peer has recovered.
const breakerCooldown = 30 * time.Second

// Protocol implements dht.NetOps and popularity.GossipOps against a
// concrete Transport, local store, and routing table, and dispatches
// inbound requests that the transport could not correlate to an
// outstanding caller.
type Protocol struct {
	transport *transport.Transport
	table     *routing.Table
	store     *store.Store
	collector *popularity.Collector
	ranker    *popularity.Ranker
	localID   rhizid.ID
	logger    *slog.Logger

	mu        sync.RWMutex
	exchanger *popularity.Exchanger // installed after construction: the mutable slot.
	isSeed    bool

	breakers sync.Map // peer address string -> *gobreaker.CircuitBreaker[any]
}

func New(t *transport.Transport, table *routing.Table, st *store.Store, collector *popularity.Collector, ranker *popularity.Ranker, localID rhizid.ID, isSeed bool, logger *slog.Logger) *Protocol {
	if logger == nil {
		logger = slog.Default()
	}
	return &Protocol{
		transport: t,
		table:     table,
		store:     st,
		collector: collector,
		ranker:    ranker,
		localID:   localID,
		isSeed:    isSeed,
		logger:    logger.With("component", "protocol"),
	}
}

// SetExchanger installs the popularity exchanger after both it and the
// protocol have been constructed, completing the cyclic-dependency
// mutable-slot injection.
func (p *Protocol) SetExchanger(ex *popularity.Exchanger) {
	p.mu.Lock()
	p.exchanger = ex
	p.mu.Unlock()
}

func (p *Protocol) Handle(ctx context.Context, from *net.UDPAddr, senderID [wire.NodeIDLen]byte, msgType wire.Type, payload map[string]interface{}) (wire.Type, map[string]interface{}, error) {
	switch msgType {
	case wire.PING:
		return p.handlePing(from, senderID)
	case wire.FindNode:
		return p.handleFindNode(payload)
	case wire.FindValue:
		return p.handleFindValue(ctx, payload, peerKeyFromAddr(from))
	case wire.Store:
		return p.handleStore(payload)
	case wire.PopularityExchange:
		return p.handlePopularityExchange(payload)
	case wire.GlobalRankingRequest:
		return p.handleGlobalRankingRequest()
	default:
		return 0, nil, fmt.Errorf("unhandled message type %x", msgType)
	}
}

func peerKeyFromAddr(addr *net.UDPAddr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}

func (p *Protocol) rememberPeer(id rhizid.ID, addr *net.UDPAddr) {
	if addr == nil {
		return
	}
	p.table.Add(routing.Peer{ID: id, Address: addr.IP.String(), Port: addr.Port})
}

func (p *Protocol) handlePing(from *net.UDPAddr, senderID [wire.NodeIDLen]byte) (wire.Type, map[string]interface{}, error) {
	var id rhizid.ID
	copy(id[:], senderID[:])
	p.rememberPeer(id, from)

	return wire.PONG, map[string]interface{}{
		"node_id": p.localID.String(),
		"address": p.transport.LocalAddr().String(),
	}, nil
}

func (p *Protocol) handleFindNode(payload map[string]interface{}) (wire.Type, map[string]interface{}, error) {
	targetHex, _ := payload["target_id"].(string)
	target, err := parseID(targetHex)
	if err != nil {
		return 0, nil, err
	}
	closest := p.table.Closest(target, 20)
	return wire.FindNodeResponse, map[string]interface{}{"nodes": peersToWire(closest)}, nil
}

func (p *Protocol) handleFindValue(ctx context.Context, payload map[string]interface{}, requester string) (wire.Type, map[string]interface{}, error) {
	keyHex, _ := payload["key"].(string)
	key, err := parseKey(keyHex)
	if err != nil {
		return 0, nil, err
	}
	p.collector.RecordRequestFrom(key, requester)

	if v, ok, err := p.store.Get(key[:]); err != nil {
		return 0, nil, err
	} else if ok {
		return wire.FindValueResponse, map[string]interface{}{"found": true, "value": v}, nil
	}

	target := rhizid.NodeSpaceID(key[:])
	closest := p.table.Closest(target, 20)
	return wire.FindValueResponse, map[string]interface{}{"found": false, "nodes": peersToWire(closest)}, nil
}

func (p *Protocol) handleStore(payload map[string]interface{}) (wire.Type, map[string]interface{}, error) {
	keyHex, _ := payload["key"].(string)
	key, err := parseKey(keyHex)
	if err != nil {
		return 0, nil, err
	}
	value, _ := payload["value"].([]byte)
	ttl := asFloat(payload["ttl"])

	if err := p.store.Put(key[:], value, ttl); err != nil {
		return wire.StoreResponse, map[string]interface{}{"success": false}, nil
	}
	p.collector.RecordReplication(key, 1)
	return wire.StoreResponse, map[string]interface{}{"success": true}, nil
}

func (p *Protocol) handlePopularityExchange(payload map[string]interface{}) (wire.Type, map[string]interface{}, error) {
	compressed, _ := payload["items_z"].([]byte)
	items, err := decompressItems(compressed)
	if err != nil {
		items = nil
	}
	for _, raw := range items {
		m, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		keyHex, _ := m["key"].(string)
		key, err := parseKey(keyHex)
		if err != nil {
			continue
		}
		p.collector.Merge(popularity.Metrics{
			Key:              key,
			ReplicationCount: int(asFloat(m["replication_count"])),
		})
	}

	all := p.collector.SnapshotAll()
	top := p.ranker.RankItems(all, 100)
	outgoing, err := compressItems(rankedToWire(top))
	if err != nil {
		return 0, nil, err
	}
	return wire.PopularityExchangeResponse, map[string]interface{}{"items_z": outgoing}, nil
}

func (p *Protocol) handleGlobalRankingRequest() (wire.Type, map[string]interface{}, error) {
	p.mu.RLock()
	ex := p.exchanger
	p.mu.RUnlock()
	if ex == nil {
		empty, _ := compressItems(nil)
		return wire.GlobalRankingResponse, map[string]interface{}{"ranking_z": empty}, nil
	}
	ranking, _ := ex.GlobalRanking()
	outgoing, err := compressItems(rankedToWire(ranking))
	if err != nil {
		return 0, nil, err
	}
	return wire.GlobalRankingResponse, map[string]interface{}{"ranking_z": outgoing}, nil
}

// --- dht.NetOps ---

// breakerFor returns the per-peer circuit breaker for addr, creating it on
// first use. A peer that has failed breakerOpenAfter requests in a row
// trips its breaker; further calls fail immediately with
// gobreaker.ErrOpenState instead of blocking for a full request timeout,
// until breakerCooldown elapses and a single probe request is let through.
func (p *Protocol) breakerFor(addr string) *gobreaker.CircuitBreaker[any] {
	if b, ok := p.breakers.Load(addr); ok {
		return b.(*gobreaker.CircuitBreaker[any])
	}
	b := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:    addr,
		Timeout: breakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerOpenAfter
		},
	})
	actual, _ := p.breakers.LoadOrStore(addr, b)
	return actual.(*gobreaker.CircuitBreaker[any])
}

func (p *Protocol) Ping(ctx context.Context, peer routing.Peer) error {
	addr := peerAddr(peer)
	_, err := p.breakerFor(addr.String()).Execute(func() (any, error) {
		return p.transport.Request(ctx, addr, wire.PING, map[string]interface{}{"node_id": p.localID.String()})
	})
	return err
}

func (p *Protocol) FindNode(ctx context.Context, peer routing.Peer, target rhizid.ID) ([]routing.Peer, error) {
	addr := peerAddr(peer)
	result, err := p.breakerFor(addr.String()).Execute(func() (any, error) {
		return p.transport.Request(ctx, addr, wire.FindNode, map[string]interface{}{"target_id": target.String()})
	})
	if err != nil {
		return nil, err
	}
	resp := result.(transport.Response)
	return wireToPeers(resp.Payload["nodes"]), nil
}

func (p *Protocol) FindValue(ctx context.Context, peer routing.Peer, key rhizid.Key) ([]byte, bool, []routing.Peer, error) {
	addr := peerAddr(peer)
	result, err := p.breakerFor(addr.String()).Execute(func() (any, error) {
		return p.transport.Request(ctx, addr, wire.FindValue, map[string]interface{}{"key": key.String()})
	})
	if err != nil {
		return nil, false, nil, err
	}
	resp := result.(transport.Response)
	found, _ := resp.Payload["found"].(bool)
	if found {
		value, _ := resp.Payload["value"].([]byte)
		return value, true, nil, nil
	}
	return nil, false, wireToPeers(resp.Payload["nodes"]), nil
}

func (p *Protocol) StoreAt(ctx context.Context, peer routing.Peer, key rhizid.Key, value []byte, ttlSeconds float64) (bool, error) {
	addr := peerAddr(peer)
	result, err := p.breakerFor(addr.String()).Execute(func() (any, error) {
		return p.transport.Request(ctx, addr, wire.Store, map[string]interface{}{
			"key": key.String(), "value": value, "ttl": ttlSeconds,
		})
	})
	if err != nil {
		return false, err
	}
	resp := result.(transport.Response)
	success, _ := resp.Payload["success"].(bool)
	return success, nil
}

// --- popularity.GossipOps ---

func (p *Protocol) ExchangeWith(ctx context.Context, peer routing.Peer, items []popularity.PopularityPayload) ([]popularity.PopularityPayload, error) {
	outgoing, err := compressItems(payloadsToWire(items))
	if err != nil {
		return nil, err
	}
	resp, err := p.transport.Request(ctx, peerAddr(peer), wire.PopularityExchange, map[string]interface{}{
		"items_z": outgoing,
	})
	if err != nil {
		return nil, err
	}
	compressed, _ := resp.Payload["items_z"].([]byte)
	received, err := decompressItems(compressed)
	if err != nil {
		return nil, err
	}
	return wireToPayloads(received), nil
}

func (p *Protocol) RequestGlobalRanking(ctx context.Context, peer routing.Peer) ([]popularity.PopularityPayload, error) {
	resp, err := p.transport.Request(ctx, peerAddr(peer), wire.GlobalRankingRequest, map[string]interface{}{})
	if err != nil {
		return nil, err
	}
	compressed, _ := resp.Payload["ranking_z"].([]byte)
	received, err := decompressItems(compressed)
	if err != nil {
		return nil, err
	}
	return wireToPayloads(received), nil
}

// --- marshaling helpers ---

func peerAddr(p routing.Peer) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(p.Address), Port: p.Port}
}

func peersToWire(peers []routing.Peer) []interface{} {
	out := make([]interface{}, len(peers))
	for i, p := range peers {
		out[i] = map[string]interface{}{
			"node_id": p.ID.String(),
			"address": p.Address,
			"port":    p.Port,
		}
	}
	return out
}

func wireToPeers(raw interface{}) []routing.Peer {
	list, _ := raw.([]interface{})
	out := make([]routing.Peer, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		idHex, _ := m["node_id"].(string)
		id, err := parseID(idHex)
		if err != nil {
			continue
		}
		addr, _ := m["address"].(string)
		out = append(out, routing.Peer{ID: id, Address: addr, Port: int(asFloat(m["port"]))})
	}
	return out
}

func rankedToWire(items []popularity.RankedItem) []interface{} {
	out := make([]interface{}, len(items))
	for i, item := range items {
		out[i] = map[string]interface{}{
			"key":                item.Key.Key.String(),
			"score":              item.Score,
			"replication_count":  item.Key.ReplicationCount,
		}
	}
	return out
}

func payloadsToWire(items []popularity.PopularityPayload) []interface{} {
	out := make([]interface{}, len(items))
	for i, item := range items {
		out[i] = map[string]interface{}{
			"key":                item.Key.String(),
			"score":              item.Score,
			"replication_count":  item.ReplicationCount,
		}
	}
	return out
}

func wireToPayloads(raw interface{}) []popularity.PopularityPayload {
	list, _ := raw.([]interface{})
	out := make([]popularity.PopularityPayload, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		keyHex, _ := m["key"].(string)
		key, err := parseKey(keyHex)
		if err != nil {
			continue
		}
		out = append(out, popularity.PopularityPayload{
			Key:              key,
			Score:            asFloat(m["score"]),
			ReplicationCount: int(asFloat(m["replication_count"])),
		})
	}
	return out
}

func asFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int64:
		return float64(n)
	case int:
		return float64(n)
	case uint64:
		return float64(n)
	default:
		return 0
	}
}

func parseID(hexStr string) (rhizid.ID, error) {
	var id rhizid.ID
	b, err := decodeHex(hexStr, rhizid.IDLen)
	if err != nil {
		return id, err
	}
	copy(id[:], b)
	return id, nil
}

func parseKey(hexStr string) (rhizid.Key, error) {
	var k rhizid.Key
	b, err := decodeHex(hexStr, rhizid.KeyLen)
	if err != nil {
		return k, err
	}
	copy(k[:], b)
	return k, nil
}

func decodeHex(s string, wantLen int) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != wantLen {
		return nil, fmt.Errorf("expected %d bytes, got %d", wantLen, len(b))
	}
	return b, nil
}
