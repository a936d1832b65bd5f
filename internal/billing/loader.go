package billing

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// LoaderFunc fetches the rule set for one tool+method from wherever rule
// definitions live (settings snapshot, upstream API, fixture).
type LoaderFunc func(ctx context.Context, toolsetKey, toolName string) (*Config, error)

// ConfigCache memoizes rule configs per tool+method with a TTL. It is an
// explicit value+expiry+loader struct with a guarded refresh rather than
// ambient global state.
type ConfigCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	loaderFn LoaderFunc
	entries  map[string]*configCacheEntry
	now      func() time.Time
}

type configCacheEntry struct {
	value  *Config
	expiry time.Time
}

// NewConfigCache constructs a ConfigCache.
func NewConfigCache(ttl time.Duration, loaderFn LoaderFunc) *ConfigCache {
	return &ConfigCache{
		ttl:      ttl,
		loaderFn: loaderFn,
		entries:  make(map[string]*configCacheEntry),
		now:      time.Now,
	}
}

// Load returns the cached config for toolsetKey+toolName, refreshing it
// through the loader when absent or expired.
func (c *ConfigCache) Load(ctx context.Context, toolsetKey, toolName string) (*Config, error) {
	if c == nil || c.loaderFn == nil {
		return nil, fmt.Errorf("billing: config cache not initialized")
	}
	key := strings.TrimSpace(toolsetKey) + ":" + strings.TrimSpace(toolName)

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok && c.now().Before(entry.expiry) {
		return entry.value, nil
	}

	value, errLoad := c.loaderFn(ctx, toolsetKey, toolName)
	if errLoad != nil {
		return nil, errLoad
	}
	c.entries[key] = &configCacheEntry{value: value, expiry: c.now().Add(c.ttl)}
	return value, nil
}
