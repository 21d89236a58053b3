package ranker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/redis/go-redis/v9"

	"github.com/ricesearch/recipe-eval/internal/pkg/hash"
	"github.com/ricesearch/recipe-eval/internal/pkg/logger"
)

// ResultStore persists ranked hit lists by search key.
type ResultStore interface {
	Get(ctx context.Context, key string) ([]Hit, bool, error)
	Set(ctx context.Context, key string, hits []Hit) error
	Close() error
}

// CacheStats counts cache lookups.
type CacheStats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// Cached wraps a Ranker and memoises Search results keyed by
// (namespace, query, k, k1, b). FetchRaw is passed through.
//
// The namespace must identify everything besides the query and mode that
// changes a ranking, so rankers sharing one store never see each other's
// results. Elastic.Namespace provides it for the Elasticsearch adapter.
type Cached struct {
	inner     Ranker
	store     ResultStore
	namespace string
	log       *logger.Logger
	hits   atomic.Int64
	misses atomic.Int64
}

var _ Ranker = (*Cached)(nil)

// NewCached creates a caching decorator around inner.
func NewCached(inner Ranker, store ResultStore, namespace string, log *logger.Logger) *Cached {
	if log == nil {
		log = logger.Default()
	}
	return &Cached{inner: inner, store: store, namespace: namespace, log: log}
}

// Search returns cached hits when available and otherwise delegates.
// Store failures are logged and never fail the search.
func (c *Cached) Search(ctx context.Context, query string, k int, mode Mode) ([]Hit, error) {
	if err := validateSearch(k, mode); err != nil {
		return nil, err
	}

	key := hash.SearchKey(c.namespace, query, k, mode.K1, mode.B)

	cached, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.log.Warn("Result cache lookup failed", "error", err)
	}
	if ok {
		c.hits.Add(1)
		return copyHits(Truncate(cached, k)), nil
	}
	c.misses.Add(1)

	hits, err := c.inner.Search(ctx, query, k, mode)
	if err != nil {
		return nil, err
	}

	if err := c.store.Set(ctx, key, hits); err != nil {
		c.log.Warn("Result cache store failed", "error", err)
	}
	return hits, nil
}

// FetchRaw delegates to the wrapped ranker.
func (c *Cached) FetchRaw(ctx context.Context, docID string) (*Document, error) {
	return c.inner.FetchRaw(ctx, docID)
}

// Stats returns lookup counters.
func (c *Cached) Stats() CacheStats {
	return CacheStats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}

// Close closes the store and the wrapped ranker.
func (c *Cached) Close() error {
	storeErr := c.store.Close()
	if err := c.inner.Close(); err != nil {
		return err
	}
	return storeErr
}

func copyHits(hits []Hit) []Hit {
	out := make([]Hit, len(hits))
	copy(out, hits)
	return out
}

// MemoryStore is an in-process LRU result store.
type MemoryStore struct {
	cache *lru.Cache
}

// NewMemoryStore creates an LRU store holding up to size entries.
func NewMemoryStore(size int) (*MemoryStore, error) {
	if size <= 0 {
		size = 4096
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("creating lru cache: %w", err)
	}
	return &MemoryStore{cache: cache}, nil
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]Hit, bool, error) {
	v, ok := m.cache.Get(key)
	if !ok {
		return nil, false, nil
	}
	return v.([]Hit), true, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, hits []Hit) error {
	m.cache.Add(key, copyHits(hits))
	return nil
}

// Len returns the number of cached entries.
func (m *MemoryStore) Len() int {
	return m.cache.Len()
}

func (m *MemoryStore) Close() error {
	m.cache.Purge()
	return nil
}

// RedisStore keeps result lists in Redis as JSON strings.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects to Redis. Returns error if connection fails.
func NewRedisStore(url string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &RedisStore{
		client: client,
		prefix: "recipe-eval:search:",
		ttl:    ttl,
	}, nil
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]Hit, bool, error) {
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading cached hits: %w", err)
	}

	var hits []Hit
	if err := json.Unmarshal(data, &hits); err != nil {
		return nil, false, fmt.Errorf("decoding cached hits: %w", err)
	}
	return hits, true, nil
}

func (r *RedisStore) Set(ctx context.Context, key string, hits []Hit) error {
	data, err := json.Marshal(hits)
	if err != nil {
		return fmt.Errorf("encoding hits: %w", err)
	}
	if err := r.client.Set(ctx, r.prefix+key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("writing cached hits: %w", err)
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
