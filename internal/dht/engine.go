// Package dht implements the iterative FIND_NODE / FIND_VALUE / STORE
// lookup algorithms with alpha-parallelism.
package dht

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"go.uber.org/multierr"

	"github.com/vazonhub/rhizome/internal/rherr"
	"github.com/vazonhub/rhizome/internal/rhizid"
	"github.com/vazonhub/rhizome/internal/routing"
	"github.com/vazonhub/rhizome/internal/store"
)

// NetOps is "network operations needed by the DHT": the interface the
// wire protocol satisfies, resolving the cyclic ownership between the
// transport and the engine without either importing the other's
// concrete type.
type NetOps interface {
	Ping(ctx context.Context, peer routing.Peer) error
	FindNode(ctx context.Context, peer routing.Peer, target rhizid.ID) ([]routing.Peer, error)
	FindValue(ctx context.Context, peer routing.Peer, key rhizid.Key) (value []byte, found bool, nodes []routing.Peer, err error)
	StoreAt(ctx context.Context, peer routing.Peer, key rhizid.Key, value []byte, ttlSeconds float64) (bool, error)
}

// MetricsRecorder is the subset of the popularity metrics collector the
// engine needs, kept as an interface so dht does not import popularity.
type MetricsRecorder interface {
	RecordRequest(key rhizid.Key)
	RecordReplication(key rhizid.Key, count int)
}

type noopRecorder struct{}

func (noopRecorder) RecordRequest(rhizid.Key)            {}
func (noopRecorder) RecordReplication(rhizid.Key, int) {}

// Engine runs the iterative lookup algorithms over a routing table, local
// store, and network-operations interface.
type Engine struct {
	local   rhizid.ID
	table   *routing.Table
	store   *store.Store
	net     NetOps
	alpha   int
	k       int
	logger  *slog.Logger
	metrics MetricsRecorder
}

type Option func(*Engine)

func WithMetrics(m MetricsRecorder) Option { return func(e *Engine) { e.metrics = m } }

func New(local rhizid.ID, table *routing.Table, st *store.Store, net NetOps, alpha, k int, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		local:   local,
		table:   table,
		store:   st,
		net:     net,
		alpha:   alpha,
		k:       k,
		logger:  logger.With("component", "dht"),
		metrics: noopRecorder{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type candidate struct {
	peer    routing.Peer
	queried bool
}

// FindNode is the iterative node lookup of §4.4: seed from the local
// table, fan out alpha requests per round, merge results, terminate when
// a round surfaces no new peers or no unqueried candidates remain.
func (e *Engine) FindNode(ctx context.Context, target rhizid.ID) ([]routing.Peer, error) {
	seen := make(map[rhizid.ID]*candidate)
	for _, p := range e.table.Closest(target, e.alpha) {
		seen[p.ID] = &candidate{peer: p}
	}

	for {
		wave := e.nextWave(seen, target)
		if len(wave) == 0 {
			break
		}

		var mu sync.Mutex
		var wg sync.WaitGroup
		newlySeen := false
		var errs error

		for _, c := range wave {
			c.queried = true
			wg.Add(1)
			go func(c *candidate) {
				defer wg.Done()
				nodes, err := e.net.FindNode(ctx, c.peer, target)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errs = multierr.Append(errs, err)
					return
				}
				for _, n := range nodes {
					if n.ID == e.local {
						continue
					}
					if _, ok := seen[n.ID]; !ok {
						seen[n.ID] = &candidate{peer: n}
						newlySeen = true
					}
				}
			}(c)
		}
		wg.Wait()

		if errs != nil {
			e.logger.Debug("lookup round had unreachable peers", "target", target.String(), "error", errs)
		}

		if !newlySeen {
			break
		}
	}

	return e.closestSeen(seen, target, e.k), nil
}

// nextWave selects up to alpha unqueried candidates, closest to target
// first.
func (e *Engine) nextWave(seen map[rhizid.ID]*candidate, target rhizid.ID) []*candidate {
	var unqueried []*candidate
	for _, c := range seen {
		if !c.queried {
			unqueried = append(unqueried, c)
		}
	}
	sort.Slice(unqueried, func(i, j int) bool {
		return rhizid.Xor(unqueried[i].peer.ID, target).Less(rhizid.Xor(unqueried[j].peer.ID, target))
	})
	if len(unqueried) > e.alpha {
		unqueried = unqueried[:e.alpha]
	}
	return unqueried
}

func (e *Engine) closestSeen(seen map[rhizid.ID]*candidate, target rhizid.ID, limit int) []routing.Peer {
	peers := make([]routing.Peer, 0, len(seen))
	for _, c := range seen {
		peers = append(peers, c.peer)
	}
	sort.Slice(peers, func(i, j int) bool {
		return rhizid.Xor(peers[i].ID, target).Less(rhizid.Xor(peers[j].ID, target))
	})
	if len(peers) > limit {
		peers = peers[:limit]
	}
	return peers
}

// FindValue checks the local store first, then runs the same iterative
// loop, issuing FIND_VALUE first each round and falling back to
// FIND_NODE against the same candidates to expand the frontier.
func (e *Engine) FindValue(ctx context.Context, key rhizid.Key) ([]byte, error) {
	e.metrics.RecordRequest(key)

	if v, ok, err := e.store.Get(key[:]); err != nil {
		return nil, err
	} else if ok {
		return v, nil
	}

	target := rhizid.NodeSpaceID(key[:])
	seen := make(map[rhizid.ID]*candidate)
	for _, p := range e.table.Closest(target, e.alpha) {
		seen[p.ID] = &candidate{peer: p}
	}

	for {
		wave := e.nextWave(seen, target)
		if len(wave) == 0 {
			return nil, rherr.ValueNotFound
		}

		var mu sync.Mutex
		var wg sync.WaitGroup
		var found []byte
		foundAny := false

		for _, c := range wave {
			c.queried = true
			wg.Add(1)
			go func(c *candidate) {
				defer wg.Done()
				value, ok, nodes, err := e.net.FindValue(ctx, c.peer, key)
				if err == nil && !ok {
					if more, ferr := e.net.FindNode(ctx, c.peer, target); ferr == nil {
						nodes = append(nodes, more...)
					}
				}
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					return
				}
				if ok && !foundAny {
					foundAny = true
					found = value
				}
				for _, n := range nodes {
					if n.ID == e.local {
						continue
					}
					if _, exists := seen[n.ID]; !exists {
						seen[n.ID] = &candidate{peer: n}
					}
				}
			}(c)
		}
		wg.Wait()

		if foundAny {
			return found, nil // first value wins; no reconciliation.
		}
	}
}

// Store writes locally, finds the closest peers to the key's node-space
// id, and issues STORE to all of them in parallel, succeeding if any
// peer ACKs.
func (e *Engine) Store(ctx context.Context, key rhizid.Key, value []byte, ttlSeconds float64) (bool, error) {
	if err := e.store.Put(key[:], value, ttlSeconds); err != nil {
		return false, err
	}

	target := rhizid.NodeSpaceID(key[:])
	peers, err := e.FindNode(ctx, target)
	if err != nil {
		return false, err
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	acks := 0

	for _, p := range peers {
		wg.Add(1)
		go func(p routing.Peer) {
			defer wg.Done()
			ok, err := e.net.StoreAt(ctx, p, key, value, ttlSeconds)
			if err != nil {
				e.logger.Warn("store rpc failed", "peer", p.ID.String(), "error", err)
				return
			}
			if ok {
				mu.Lock()
				acks++
				mu.Unlock()
			}
		}(p)
	}
	wg.Wait()

	e.metrics.RecordReplication(key, acks)
	return acks > 0, nil
}
