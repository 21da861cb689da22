// Package replication implements popularity-threshold-gated re-storage:
// routine promotion of popular items, minimal-replication floors, and
// emergency re-store on holder departure.
package replication

import (
	"context"
	"log/slog"

	"github.com/vazonhub/rhizome/internal/popularity"
	"github.com/vazonhub/rhizome/internal/rhizid"
)

const (
	popularTTLSeconds  = 30 * 24 * 3600
	minimalTTLSeconds  = 24 * 3600
	emergencyTTLSeconds = 30 * 24 * 3600
	defaultTargetReplication = 10
)

// Storer is the subset of the DHT engine the replicator needs: a
// local-store lookup and the iterative store operation.
type Storer interface {
	Get(key []byte) ([]byte, bool, error)
	Store(ctx context.Context, key rhizid.Key, value []byte, ttlSeconds float64) (bool, error)
}

type Replicator struct {
	storer              Storer
	logger              *slog.Logger
	targetReplication   int
}

func New(storer Storer, targetReplication int, logger *slog.Logger) *Replicator {
	if logger == nil {
		logger = slog.Default()
	}
	if targetReplication <= 0 {
		targetReplication = defaultTargetReplication
	}
	return &Replicator{storer: storer, logger: logger.With("component", "replicator"), targetReplication: targetReplication}
}

// ReplicatePopularItems re-stores every item at or above the popularity
// threshold whose observed replication count is below target.
func (r *Replicator) ReplicatePopularItems(ctx context.Context, ranked []popularity.RankedItem, popularityThreshold float64) {
	for _, item := range ranked {
		if item.Score < popularityThreshold {
			continue
		}
		if item.Key.ReplicationCount >= r.targetReplication {
			continue
		}
		value, ok, err := r.storer.Get(item.Key.Key[:])
		if err != nil || !ok {
			continue
		}
		ack, err := r.storer.Store(ctx, item.Key.Key, value, popularTTLSeconds)
		if err != nil {
			r.logger.Warn("replicate popular item failed", "key", item.Key.Key.String(), "error", err)
			continue
		}
		r.logger.Info("replicated popular item", "key", item.Key.Key.String(), "acked", ack)
	}
}

// EnsureMinimalReplication re-stores each key with a one-day TTL if it is
// present locally. It takes no replication floor and does not check
// replication counts: every given key held locally is re-stored.
func (r *Replicator) EnsureMinimalReplication(ctx context.Context, keys []rhizid.Key) {
	for _, key := range keys {
		value, ok, err := r.storer.Get(key[:])
		if err != nil || !ok {
			continue
		}
		if _, err := r.storer.Store(ctx, key, value, minimalTTLSeconds); err != nil {
			r.logger.Warn("ensure minimal replication failed", "key", key.String(), "error", err)
		}
	}
}

// EmergencyReplication immediately re-stores a key with a 30-day TTL,
// used when a holder is detected to have departed.
func (r *Replicator) EmergencyReplication(ctx context.Context, key rhizid.Key, value []byte) (bool, error) {
	return r.storer.Store(ctx, key, value, emergencyTTLSeconds)
}
