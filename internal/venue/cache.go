package venue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/quantfold/quantfold/internal/exec"
)

// FiltersCache stores symbol trading filters. Filters change rarely, so a
// generous TTL is fine; a miss or backend failure just means one extra
// exchangeInfo round trip.
type FiltersCache interface {
	Get(ctx context.Context, symbol string) (exec.Filters, bool)
	Put(ctx context.Context, symbol string, f exec.Filters)
}

// MemoryFiltersCache is the in-process default.
type MemoryFiltersCache struct {
	mu   sync.RWMutex
	ttl  time.Duration
	data map[string]memEntry
}

type memEntry struct {
	filters exec.Filters
	expires time.Time
}

func NewMemoryFiltersCache(ttl time.Duration) *MemoryFiltersCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &MemoryFiltersCache{ttl: ttl, data: make(map[string]memEntry)}
}

func (c *MemoryFiltersCache) Get(_ context.Context, symbol string) (exec.Filters, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.data[symbol]
	if !ok || time.Now().After(e.expires) {
		return exec.Filters{}, false
	}
	return e.filters, true
}

func (c *MemoryFiltersCache) Put(_ context.Context, symbol string, f exec.Filters) {
	c.mu.Lock()
	c.data[symbol] = memEntry{filters: f, expires: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}

// RedisFiltersCache shares filters across timeframe instances of the same
// deployment. Backend errors degrade to a miss.
type RedisFiltersCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisFiltersCache(rdb *redis.Client, ttl time.Duration) *RedisFiltersCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisFiltersCache{rdb: rdb, ttl: ttl}
}

func key(symbol string) string { return "quantfold:filters:" + symbol }

func (c *RedisFiltersCache) Get(ctx context.Context, symbol string) (exec.Filters, bool) {
	raw, err := c.rdb.Get(ctx, key(symbol)).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Debug().Err(err).Str("symbol", symbol).Msg("filters cache read failed")
		}
		return exec.Filters{}, false
	}
	var f exec.Filters
	if err := json.Unmarshal(raw, &f); err != nil {
		return exec.Filters{}, false
	}
	return f, true
}

func (c *RedisFiltersCache) Put(ctx context.Context, symbol string, f exec.Filters) {
	raw, err := json.Marshal(f)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, key(symbol), raw, c.ttl).Err(); err != nil {
		log.Debug().Err(err).Str("symbol", symbol).Msg("filters cache write failed")
	}
}
