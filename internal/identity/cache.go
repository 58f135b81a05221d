package identity

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/blake2b"

	"github.com/erazemk/najdeno/internal/model"
)

// Cache stores verified claims for a short time. Keys are token hashes.
type Cache interface {
	Get(ctx context.Context, key string) (Claim, bool, error)
	Set(ctx context.Context, key string, claim Claim, ttl time.Duration) error
}

// CachingVerifier remembers successful verifications for ttl. Failures are
// never cached, so a rejected token is re-checked on every request.
type CachingVerifier struct {
	next   Verifier
	cache  Cache
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachingVerifier wraps next with cache.
func NewCachingVerifier(next Verifier, cache Cache, ttl time.Duration, logger *slog.Logger) *CachingVerifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachingVerifier{next: next, cache: cache, ttl: ttl, logger: logger}
}

// Verify returns a cached claim when one is present, otherwise delegates.
// Cache errors are logged and otherwise ignored.
func (v *CachingVerifier) Verify(ctx context.Context, token string) (Claim, error) {
	key := cacheKey(token)

	claim, ok, err := v.cache.Get(ctx, key)
	if err != nil {
		v.logger.Warn("identity cache read failed", "error", err)
	} else if ok {
		return claim, nil
	}

	claim, err = v.next.Verify(ctx, token)
	if err != nil {
		return Claim{}, err
	}

	if err := v.cache.Set(ctx, key, claim, v.ttl); err != nil {
		v.logger.Warn("identity cache write failed", "error", err)
	}
	return claim, nil
}

// cacheKey hashes the token so raw credentials never reach the cache.
func cacheKey(token string) string {
	sum := blake2b.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

type memoryEntry struct {
	claim   Claim
	expires time.Time
}

// MemoryCache is an in-process Cache.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryCache returns an empty in-process cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, key string) (Claim, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return Claim{}, false, nil
	}
	if !c.now().Before(entry.expires) {
		delete(c.entries, key)
		return Claim{}, false, nil
	}
	return entry.claim, true, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, claim Claim, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()

	// Opportunistically drop expired entries.
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
		}
	}

	c.entries[key] = memoryEntry{claim: claim, expires: now.Add(ttl)}
	return nil
}

// RedisCache is a Cache shared between service instances through Redis.
type RedisCache struct {
	rdb    redis.Cmdable
	prefix string
}

// NewRedisCache returns a cache storing entries under prefix.
func NewRedisCache(rdb redis.Cmdable, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "najdeno:identity:"
	}
	return &RedisCache{rdb: rdb, prefix: prefix}
}

func (c *RedisCache) Get(ctx context.Context, key string) (Claim, bool, error) {
	data, err := c.rdb.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Claim{}, false, nil
	}
	if err != nil {
		return Claim{}, false, fmt.Errorf("reading cached claim: %w", err)
	}

	var claim Claim
	if err := json.Unmarshal(data, &claim); err != nil {
		return Claim{}, false, fmt.Errorf("decoding cached claim: %w", err)
	}
	// Entries written by another version could carry a role we no longer know.
	if _, err := model.ParseRole(string(claim.Role)); err != nil {
		return Claim{}, false, fmt.Errorf("decoding cached claim: %w", err)
	}
	return claim, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, claim Claim, ttl time.Duration) error {
	data, err := json.Marshal(claim)
	if err != nil {
		return fmt.Errorf("encoding claim: %w", err)
	}
	if err := c.rdb.Set(ctx, c.prefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("caching claim: %w", err)
	}
	return nil
}
