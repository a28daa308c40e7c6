package netlimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/riftsec/auditcore/internal/logger"
)

// Bypass selects how a reader interacts with the network cache for one
// request: Auto consults the cache and falls through to the network on a
// miss, Force requires a cache hit (the caller is asserting the response
// was already cached), Skip always goes to the network and never reads
// the cache (the write still happens so later readers benefit).
type Bypass int

const (
	Auto Bypass = iota
	Force
	Skip
)

// CachedResponse is the unit the cache stores: the raw response bytes the
// plugin received plus how long the request took, so later readers can
// replay both.
type CachedResponse struct {
	RawResponse []byte        `json:"raw_response"`
	Elapsed     time.Duration `json:"elapsed"`
}

// View is the read/write surface a plugin call sees into the network
// cache. Cache itself satisfies View (direct, persistent access); CallView
// satisfies it too, layering a discard-on-exit write buffer over a shared
// Cache for one plugin call.
type View interface {
	Digest(method, url string, body []byte) string
	Get(ctx context.Context, key string, mode Bypass) (CachedResponse, bool)
	Put(ctx context.Context, key string, resp CachedResponse)
}

// Cache is the shared network response cache, namespaced per audit
// (its "scheme"). It prefers a Redis backing store
// (github.com/redis/go-redis/v9) and falls back to an in-process map when
// Redis is disabled or unreachable.
type Cache struct {
	client *redis.Client
	scheme string

	mu   sync.RWMutex
	mem  map[string]CachedResponse
}

// Config describes the Redis backing store for a Cache.
type Config struct {
	Host     string
	Port     string
	Password string
	DB       int
	Enabled  bool
}

// NewCache builds a Cache namespaced to scheme (conventionally the audit
// name). When config.Enabled is false, or the Redis ping fails, the cache
// runs entirely in-process for the life of this Cache value.
func NewCache(scheme string, config Config) *Cache {
	c := &Cache{scheme: scheme, mem: make(map[string]CachedResponse)}
	if !config.Enabled {
		return c
	}

	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%s", config.Host, config.Port),
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     25,
		MinIdleConns: 5,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		MaxRetries:   3,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.NetLimit().Warn().Err(err).Msg("netcache: redis unavailable, falling back to in-process cache")
		return c
	}
	c.client = client
	return c
}

// Digest computes the cache key for a request as digest(method|url|body),
// namespaced by scheme so two audits never collide even if they happen
// to request the same URL.
func (c *Cache) Digest(method, url string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte("|"))
	h.Write([]byte(url))
	h.Write([]byte("|"))
	h.Write(body)
	return fmt.Sprintf("netcache:%s:%s", c.scheme, hex.EncodeToString(h.Sum(nil)))
}

// Get reads a response for key honoring mode. Skip always misses without
// touching the backing store (so callers that pass Skip should not bother
// calling Get at all, but doing so is harmless). Force that misses is
// reported as a miss, not an error — callers decide whether that is fatal.
func (c *Cache) Get(ctx context.Context, key string, mode Bypass) (CachedResponse, bool) {
	if mode == Skip {
		return CachedResponse{}, false
	}

	if c.client != nil {
		val, err := c.client.Get(ctx, key).Result()
		if err == nil {
			var resp CachedResponse
			if jsonErr := json.Unmarshal([]byte(val), &resp); jsonErr == nil {
				return resp, true
			}
		}
		return CachedResponse{}, false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	resp, ok := c.mem[key]
	return resp, ok
}

// Put stores a cacheable response under key. Writers always store
// regardless of the reader's bypass mode — Skip only affects reads.
func (c *Cache) Put(ctx context.Context, key string, resp CachedResponse) {
	if c.client != nil {
		data, err := json.Marshal(resp)
		if err != nil {
			logger.NetLimit().Warn().Err(err).Msg("netcache: failed to marshal response")
			return
		}
		if err := c.client.Set(ctx, key, data, 0).Err(); err != nil {
			logger.NetLimit().Warn().Err(err).Msg("netcache: redis set failed")
		}
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.mem[key] = resp
}

// Clear wipes every entry under this cache's scheme namespace, called when
// the audit it belongs to closes.
func (c *Cache) Clear(ctx context.Context) error {
	if c.client != nil {
		pattern := fmt.Sprintf("netcache:%s:*", c.scheme)
		iter := c.client.Scan(ctx, 0, pattern, 0).Iterator()
		var keys []string
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return err
		}
		if len(keys) > 0 {
			return c.client.Del(ctx, keys...).Err()
		}
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.mem = make(map[string]CachedResponse)
	return nil
}

// Close releases the underlying Redis connection, if any.
func (c *Cache) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

// CallView is the fresh, per-call view into a shared Cache: reads fall
// through to backing so a call still benefits from responses cached by
// earlier calls, but writes land only in the view's own local map and are
// never forwarded to backing — they discard the moment the view is
// dropped at the end of the call, the same way a fresh temp-data store
// would.
type CallView struct {
	backing View

	mu    sync.Mutex
	local map[string]CachedResponse
}

// NewCallView wraps backing in a fresh, discard-on-exit view.
func NewCallView(backing View) *CallView {
	return &CallView{backing: backing, local: make(map[string]CachedResponse)}
}

func (v *CallView) Digest(method, url string, body []byte) string {
	return v.backing.Digest(method, url, body)
}

func (v *CallView) Get(ctx context.Context, key string, mode Bypass) (CachedResponse, bool) {
	if mode == Skip {
		return CachedResponse{}, false
	}
	v.mu.Lock()
	resp, ok := v.local[key]
	v.mu.Unlock()
	if ok {
		return resp, true
	}
	return v.backing.Get(ctx, key, mode)
}

func (v *CallView) Put(ctx context.Context, key string, resp CachedResponse) {
	v.mu.Lock()
	v.local[key] = resp
	v.mu.Unlock()
}
