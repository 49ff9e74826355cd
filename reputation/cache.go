package reputation

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

// CachedSource wraps a Source with a per-instance TTL cache. The cache is
// best-effort and safe to lose on restart.
type CachedSource struct {
	inner  Source
	cache  *expirable.LRU[string, float64]
	logger *zap.SugaredLogger
}

// NewCachedSource caches lookups from inner for ttl, holding at most size
// entries.
func NewCachedSource(inner Source, size int, ttl time.Duration, logger *zap.SugaredLogger) *CachedSource {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &CachedSource{
		inner:  inner,
		cache:  expirable.NewLRU[string, float64](size, nil, ttl),
		logger: logger,
	}
}

// Name returns the wrapped source name.
func (c *CachedSource) Name() string { return c.inner.Name() }

// Lookup serves from cache when possible. Lookup errors are not cached so a
// transient source failure does not stick for the full TTL.
func (c *CachedSource) Lookup(ctx context.Context, addr string) (float64, error) {
	if score, ok := c.cache.Get(addr); ok {
		return score, nil
	}
	score, err := c.inner.Lookup(ctx, addr)
	if err != nil {
		return 0, err
	}
	c.cache.Add(addr, score)
	return score, nil
}
