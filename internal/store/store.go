// Package store implements the local TTL-bound key-value store: two
// logical maps ("main" and "meta") sharing one transactional backend, with
// lazy expiry on read and a periodic cleanup sweep.
package store

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/bits-and-blooms/bloom/v3"
	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"

	"github.com/vazonhub/rhizome/internal/rherr"
)

// bloomFalsePositiveRate bounds the seen-filter's false-positive rate; a
// false positive just costs one wasted bbolt lookup, never a wrong answer,
// since Get always confirms against the real record.
const bloomFalsePositiveRate = 0.01

var (
	mainBucket = []byte("main")
	metaBucket = []byte("meta")
)

// Meta is the metadata record kept alongside every stored value.
type Meta struct {
	ExpiresAt float64 `msgpack:"expires_at"`
	Size      int     `msgpack:"size"`
}

// Store is a bbolt-backed, byte-budgeted key-value store with TTL.
type Store struct {
	db        *bbolt.DB
	maxBytes  int64
	usedBytes int64 // approximate, updated on put/delete
	clock     clock.Clock

	seenMu sync.RWMutex
	// seen is a probabilistic pre-check for Get: a definite miss here
	// skips the bbolt lookup entirely, the same role the teacher's gossip
	// dedup filter plays for "have I relayed this message id already".
	// It never produces a false "present" that Get would trust blindly -
	// a positive still falls through to the real bucket read.
	seen *bloom.BloomFilter
}

// Option configures a Store at construction.
type Option func(*Store)

// WithClock overrides the store's time source, used in tests.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// Open opens (creating if absent) a bbolt database at path with the given
// byte budget.
func Open(path string, maxBytes int64, opts ...Option) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(mainBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}

	s := &Store{db: db, maxBytes: maxBytes, clock: clock.New()}
	for _, opt := range opts {
		opt(s)
	}
	s.recomputeUsedBytes()
	if err := s.rebuildSeenFilter(); err != nil {
		db.Close()
		return nil, fmt.Errorf("rebuild seen filter: %w", err)
	}
	return s, nil
}

// rebuildSeenFilter sizes the bloom filter off the current key count (with
// headroom for growth) and replays every existing key into it, so a
// restarted store doesn't report false misses for data it already holds.
func (s *Store) rebuildSeenFilter() error {
	var n uint
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(metaBucket).ForEach(func(k, v []byte) error {
			n++
			return nil
		})
	})
	if err != nil {
		return err
	}
	estimate := n*2 + 1024
	filter := bloom.NewWithEstimates(estimate, bloomFalsePositiveRate)
	err = s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(metaBucket).ForEach(func(k, v []byte) error {
			filter.Add(k)
			return nil
		})
	})
	if err != nil {
		return err
	}
	s.seenMu.Lock()
	s.seen = filter
	s.seenMu.Unlock()
	return nil
}

func (s *Store) maybeSeen(key []byte) bool {
	s.seenMu.RLock()
	defer s.seenMu.RUnlock()
	if s.seen == nil {
		return true
	}
	return s.seen.Test(key)
}

func (s *Store) markSeen(key []byte) {
	s.seenMu.Lock()
	defer s.seenMu.Unlock()
	if s.seen != nil {
		s.seen.Add(key)
	}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) recomputeUsedBytes() {
	var used int64
	s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(metaBucket).ForEach(func(k, v []byte) error {
			var m Meta
			if err := msgpack.Unmarshal(v, &m); err == nil {
				used += int64(m.Size)
			}
			return nil
		})
	})
	atomic.StoreInt64(&s.usedBytes, used)
}

// Put atomically writes the value and its metadata record. Fails with
// StorageFull if the configured byte budget would be exceeded (this is a
// soft check: it samples usedBytes rather than locking for the whole
// transaction).
func (s *Store) Put(key []byte, value []byte, ttlSeconds float64) error {
	if atomic.LoadInt64(&s.usedBytes)+int64(len(value)) > s.maxBytes {
		return rherr.StorageFull
	}
	now := float64(s.clock.Now().UnixNano()) / 1e9
	meta := Meta{ExpiresAt: now + ttlSeconds, Size: len(value)}
	metaBytes, err := msgpack.Marshal(&meta)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(mainBucket).Put(key, value); err != nil {
			return err
		}
		return tx.Bucket(metaBucket).Put(key, metaBytes)
	})
	if err != nil {
		return fmt.Errorf("put: %w", err)
	}
	atomic.AddInt64(&s.usedBytes, int64(len(value)))
	s.markSeen(key)
	return nil
}

// Get returns the value iff a metadata record exists and is unexpired;
// otherwise it deletes both records (lazy expiry) and reports absence. A
// definite bloom-filter miss short-circuits straight to "absent" without
// touching bbolt at all; a positive still falls through to the real
// lookup, since the filter never removes entries on delete and can report
// false positives.
func (s *Store) Get(key []byte) ([]byte, bool, error) {
	if !s.maybeSeen(key) {
		return nil, false, nil
	}

	now := float64(s.clock.Now().UnixNano()) / 1e9

	var value []byte
	var expired bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		metaBytes := tx.Bucket(metaBucket).Get(key)
		if metaBytes == nil {
			return nil
		}
		var meta Meta
		if err := msgpack.Unmarshal(metaBytes, &meta); err != nil {
			return fmt.Errorf("unmarshal meta: %w", err)
		}
		if now >= meta.ExpiresAt {
			expired = true
			return nil
		}
		v := tx.Bucket(mainBucket).Get(key)
		if v != nil {
			value = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if expired {
		_ = s.Delete(key)
		return nil, false, nil
	}
	if value == nil {
		return nil, false, nil
	}
	return value, true, nil
}

// Delete removes both records; idempotent.
func (s *Store) Delete(key []byte) error {
	var freed int64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(mainBucket).Get(key); v != nil {
			freed = int64(len(v))
		}
		if err := tx.Bucket(mainBucket).Delete(key); err != nil {
			return err
		}
		return tx.Bucket(metaBucket).Delete(key)
	})
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	if freed > 0 {
		atomic.AddInt64(&s.usedBytes, -freed)
	}
	return nil
}

// ExtendTTL applies new_expiry = now + (old_expiry-now)*(1+factor) and
// reports whether the key existed.
func (s *Store) ExtendTTL(key []byte, factor float64) (bool, error) {
	now := float64(s.clock.Now().UnixNano()) / 1e9
	var existed bool
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(metaBucket)
		raw := b.Get(key)
		if raw == nil {
			return nil
		}
		existed = true
		var meta Meta
		if err := msgpack.Unmarshal(raw, &meta); err != nil {
			return fmt.Errorf("unmarshal meta: %w", err)
		}
		meta.ExpiresAt = now + (meta.ExpiresAt-now)*(1+factor)
		updated, err := msgpack.Marshal(&meta)
		if err != nil {
			return err
		}
		return b.Put(key, updated)
	})
	if err != nil {
		return false, fmt.Errorf("extend ttl: %w", err)
	}
	return existed, nil
}

// CleanupExpired scans the metadata map and removes every entry whose
// expires_at has passed, returning the count removed.
func (s *Store) CleanupExpired() (int, error) {
	now := float64(s.clock.Now().UnixNano()) / 1e9
	var expiredKeys [][]byte
	var freed int64

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(metaBucket).ForEach(func(k, v []byte) error {
			var meta Meta
			if err := msgpack.Unmarshal(v, &meta); err != nil {
				return nil
			}
			if meta.ExpiresAt < now {
				expiredKeys = append(expiredKeys, append([]byte(nil), k...))
				freed += int64(meta.Size)
			}
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("scan expired: %w", err)
	}
	if len(expiredKeys) == 0 {
		return 0, nil
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		main := tx.Bucket(mainBucket)
		meta := tx.Bucket(metaBucket)
		for _, k := range expiredKeys {
			if err := main.Delete(k); err != nil {
				return err
			}
			if err := meta.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete expired: %w", err)
	}
	atomic.AddInt64(&s.usedBytes, -freed)
	return len(expiredKeys), nil
}

// UsedBytes reports the approximate total size of live values.
func (s *Store) UsedBytes() int64 { return atomic.LoadInt64(&s.usedBytes) }
