package contextguard

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
)

// limitsNamespace is the persistence namespace for learned limits.
const limitsNamespace = "context_limits"

// Persister is the key-value store learned limits are written to.
// *opstate.Store satisfies it.
type Persister interface {
	List(ctx context.Context, namespace string) (map[string]string, error)
	Set(ctx context.Context, namespace, key, value string) error
}

// LimitCache remembers context window sizes learned from overflow
// errors, keyed by model. It is safe for concurrent use; turns copy the
// value they need at start so a limit learned by one turn only affects
// turns that begin later.
type LimitCache struct {
	mu     sync.RWMutex
	limits map[string]int
	store  Persister
	logger *slog.Logger
}

// NewLimitCache creates a cache. store may be nil for memory-only use.
func NewLimitCache(store Persister, logger *slog.Logger) *LimitCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &LimitCache{
		limits: make(map[string]int),
		store:  store,
		logger: logger,
	}
}

// Load seeds the cache from the persister. Unparseable entries are
// skipped.
func (c *LimitCache) Load(ctx context.Context) error {
	if c == nil || c.store == nil {
		return nil
	}
	entries, err := c.store.List(ctx, limitsNamespace)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for model, v := range entries {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.logger.Warn("ignoring stored context limit", "model", model, "value", v)
			continue
		}
		c.limits[model] = n
	}
	return nil
}

// Get returns the learned limit for model.
func (c *LimitCache) Get(model string) (int, bool) {
	if c == nil {
		return 0, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.limits[model]
	return n, ok
}

// Learn records a limit for model and persists it. Persistence failures
// are logged, not returned.
func (c *LimitCache) Learn(ctx context.Context, model string, maxTokens int) {
	if c == nil || maxTokens <= 0 {
		return
	}
	c.mu.Lock()
	prev := c.limits[model]
	c.limits[model] = maxTokens
	c.mu.Unlock()

	if prev == maxTokens || c.store == nil {
		return
	}
	if err := c.store.Set(ctx, limitsNamespace, model, strconv.Itoa(maxTokens)); err != nil {
		c.logger.Warn("failed to persist context limit", "model", model, "error", err)
	}
}

// Seed sets a starting limit for model unless one is already known.
// Seeded limits are not persisted.
func (c *LimitCache) Seed(model string, maxTokens int) {
	if c == nil || maxTokens <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.limits[model]; !ok {
		c.limits[model] = maxTokens
	}
}

// Snapshot returns a copy of all learned limits.
func (c *LimitCache) Snapshot() map[string]int {
	out := make(map[string]int)
	if c == nil {
		return out
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for k, v := range c.limits {
		out[k] = v
	}
	return out
}
