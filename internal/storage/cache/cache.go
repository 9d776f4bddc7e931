// Package cache provides a read-through cache for pool counts and statistics
// in front of a storage.ProofStore.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/vrfpool/internal/proof"
	"github.com/R3E-Network/vrfpool/internal/storage"
)

// Cache keys and TTLs.
const (
	KeyCountsByType = "vrf_counts_by_type"
	KeySystemStats  = "vrf_system_stats"

	CountsTTL = 300 * time.Second
	StatsTTL  = 60 * time.Second
)

// Backend stores opaque values with a TTL.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// =============================================================================
// Backends
// =============================================================================

// RedisBackend stores values in Redis.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend parses url (redis://...) and connects.
func NewRedisBackend(ctx context.Context, url string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &RedisBackend{client: client}, nil
}

func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (r *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisBackend) Delete(ctx context.Context, keys ...string) error {
	return r.client.Del(ctx, keys...).Err()
}

// Close closes the Redis client.
func (r *RedisBackend) Close() error {
	return r.client.Close()
}

// MemoryBackend stores values in process memory.
type MemoryBackend struct {
	c *gocache.Cache
}

// NewMemoryBackend creates an in-process backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{c: gocache.New(CountsTTL, 10*time.Minute)}
}

func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := m.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	return v.([]byte), true, nil
}

func (m *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.c.Set(key, value, ttl)
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, keys ...string) error {
	for _, k := range keys {
		m.c.Delete(k)
	}
	return nil
}

// =============================================================================
// Cached Store
// =============================================================================

// Store wraps a ProofStore. CountAllTypes and SystemStats are served from the
// backend when fresh; every write invalidates both. Backend failures fall
// through to the wrapped store.
//
// A read that overlaps a write never repopulates the cache: gen is bumped on
// every invalidation and a read only stores its result when gen is unchanged.
type Store struct {
	storage.ProofStore
	backend Backend
	logger  *logrus.Entry

	// mu orders populate against invalidate.
	mu  sync.Mutex
	gen uint64
}

var _ storage.ProofStore = (*Store)(nil)

// Wrap returns a cached view of inner.
func Wrap(inner storage.ProofStore, backend Backend, logger *logrus.Entry) *Store {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Store{ProofStore: inner, backend: backend, logger: logger}
}

func (s *Store) CountAllTypes(ctx context.Context, now time.Time) (proof.PoolLevels, error) {
	var cached map[proof.GameType]int
	if s.load(ctx, KeyCountsByType, &cached) {
		return proof.PoolLevels(cached), nil
	}
	gen := s.generation()
	levels, err := s.ProofStore.CountAllTypes(ctx, now)
	if err != nil {
		return nil, err
	}
	s.store(ctx, gen, KeyCountsByType, map[proof.GameType]int(levels), CountsTTL)
	return levels, nil
}

func (s *Store) SystemStats(ctx context.Context, now time.Time) (proof.SystemStats, error) {
	var cached proof.SystemStats
	if s.load(ctx, KeySystemStats, &cached) {
		return cached, nil
	}
	gen := s.generation()
	stats, err := s.ProofStore.SystemStats(ctx, now)
	if err != nil {
		return stats, err
	}
	s.store(ctx, gen, KeySystemStats, stats, StatsTTL)
	return stats, nil
}

func (s *Store) InsertPending(ctx context.Context, reqs []proof.ProofRequest) error {
	defer s.Invalidate(ctx)
	return s.ProofStore.InsertPending(ctx, reqs)
}

func (s *Store) MarkFulfilled(ctx context.Context, f storage.Fulfillment) (bool, error) {
	applied, err := s.ProofStore.MarkFulfilled(ctx, f)
	if applied {
		s.Invalidate(ctx)
	}
	return applied, err
}

func (s *Store) MarkFailed(ctx context.Context, requestID string, now time.Time) (bool, error) {
	applied, err := s.ProofStore.MarkFailed(ctx, requestID, now)
	if applied {
		s.Invalidate(ctx)
	}
	return applied, err
}

func (s *Store) ClaimAndConsume(ctx context.Context, requestID, consumerID string, now time.Time) (*proof.ProofRequest, error) {
	rec, err := s.ProofStore.ClaimAndConsume(ctx, requestID, consumerID, now)
	if err == nil {
		s.Invalidate(ctx)
	}
	return rec, err
}

func (s *Store) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	n, err := s.ProofStore.SweepExpired(ctx, now)
	if n > 0 {
		s.Invalidate(ctx)
	}
	return n, err
}

func (s *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	n, err := s.ProofStore.PurgeOlderThan(ctx, cutoff)
	if n > 0 {
		s.Invalidate(ctx)
	}
	return n, err
}

// Invalidate drops every cached entry.
func (s *Store) Invalidate(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	if err := s.backend.Delete(ctx, KeyCountsByType, KeySystemStats); err != nil {
		s.logger.WithError(err).Warn("cache invalidation failed")
	}
}

// Fresh returns a view that writes through s, so writes still invalidate the
// cache, but reads counts and statistics from the wrapped store. Decisions
// that must see expiry as of now use it.
func (s *Store) Fresh() storage.ProofStore {
	return fresh{s}
}

type fresh struct{ *Store }

func (f fresh) CountAllTypes(ctx context.Context, now time.Time) (proof.PoolLevels, error) {
	return f.Store.ProofStore.CountAllTypes(ctx, now)
}

func (f fresh) SystemStats(ctx context.Context, now time.Time) (proof.SystemStats, error) {
	return f.Store.ProofStore.SystemStats(ctx, now)
}

func (s *Store) generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

func (s *Store) load(ctx context.Context, key string, out any) bool {
	raw, ok, err := s.backend.Get(ctx, key)
	if err != nil {
		s.logger.WithError(err).WithField("key", key).Warn("cache read failed")
		return false
	}
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		s.logger.WithError(err).WithField("key", key).Warn("cache entry corrupt")
		return false
	}
	return true
}

func (s *Store) store(ctx context.Context, gen uint64, key string, v any, ttl time.Duration) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	if err := s.backend.Set(ctx, key, raw, ttl); err != nil {
		s.logger.WithError(err).WithField("key", key).Warn("cache write failed")
	}
}
