package querycache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config configures the two-level cache.
type Config struct {
	// L1Capacity bounds the in-process level (strict LRU).
	L1Capacity int

	// L2Path is the persistent level's database file. Empty disables L2.
	L2Path string

	// L2Capacity bounds the persistent level (oldest-first eviction).
	L2Capacity int

	// TTL is applied to every entry at put time.
	TTL time.Duration

	// SweepInterval is how often expired entries are removed.
	SweepInterval time.Duration

	// GraceWindow bounds how long Close waits for in-flight operations
	// to drain before supporting structures are torn down.
	GraceWindow time.Duration
}

// Stats is a point-in-time cache snapshot.
type Stats struct {
	L1Hits    uint64  `json:"l1_hits"`
	L2Hits    uint64  `json:"l2_hits"`
	Misses    uint64  `json:"misses"`
	L1HitRate float64 `json:"l1_hit_rate"`
	L2HitRate float64 `json:"l2_hit_rate"`
	L1Size    int     `json:"l1_size"`
	L2Size    int     `json:"l2_size"`
}

// Cache is the two-level query cache. L1 serves sub-millisecond hits;
// L2 survives restarts and repopulates L1 on hit.
//
// All methods are safe for concurrent use. Reads never block on writes:
// entries are immutable, and invalidation only drops index pointers.
type Cache struct {
	cfg     Config
	l1      *l1Cache
	l2      *l2Store // nil when persistence is disabled
	metrics *Metrics
	logger  *zap.Logger

	l1Hits atomic.Uint64
	l2Hits atomic.Uint64
	misses atomic.Uint64

	inflight sync.WaitGroup

	sweepOnce sync.Once
	closeOnce sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// New creates the cache. The sweeper does not run until Start is called.
func New(cfg Config, logger *zap.Logger) (*Cache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 15 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = 100 * time.Millisecond
	}

	c := &Cache{
		cfg:    cfg,
		l1:     newL1(cfg.L1Capacity),
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	if cfg.L2Path != "" {
		l2, err := newL2(cfg.L2Path, cfg.L2Capacity)
		if err != nil {
			return nil, err
		}
		c.l2 = l2
	}
	return c, nil
}

// SetMetrics attaches Prometheus metrics. Optional; a nil receiver in
// the metrics helpers makes instrumentation a no-op otherwise.
func (c *Cache) SetMetrics(m *Metrics) {
	c.metrics = m
}

// Start launches the background sweeper.
func (c *Cache) Start() {
	c.sweepOnce.Do(func() {
		go c.sweepLoop()
	})
}

// Get returns the cached entry for fingerprint, or nil on miss. An L2
// hit is promoted into L1. The returned entry is shared and must be
// treated as read-only.
func (c *Cache) Get(ctx context.Context, fingerprint uint64) *Entry {
	c.inflight.Add(1)
	defer c.inflight.Done()

	now := time.Now()
	if entry := c.l1.get(fingerprint, now); entry != nil {
		c.l1Hits.Add(1)
		c.metrics.recordHit("l1")
		return entry
	}

	if c.l2 != nil {
		entry, err := c.l2.get(ctx, fingerprint, now)
		if err != nil {
			c.logger.Warn("l2 cache lookup failed", zap.Error(err))
		} else if entry != nil && !entry.Expired(now) {
			c.l1.put(entry)
			c.metrics.setL1Size(c.l1.size())
			c.l2Hits.Add(1)
			c.metrics.recordHit("l2")
			return entry
		}
	}

	c.misses.Add(1)
	c.metrics.recordMiss()
	return nil
}

// Put inserts an entry into both levels, stamping CreatedAt and the
// configured TTL.
func (c *Cache) Put(ctx context.Context, entry *Entry) {
	c.inflight.Add(1)
	defer c.inflight.Done()

	entry.CreatedAt = time.Now()
	entry.TTL = c.cfg.TTL

	c.l1.put(entry)
	c.metrics.setL1Size(c.l1.size())

	if c.l2 != nil {
		if err := c.l2.put(ctx, entry); err != nil {
			c.logger.Warn("l2 cache store failed", zap.Error(err))
		}
	}
}

// Invalidate drops every entry whose categories or tags intersect the
// given sets. Called after a write commits, never before.
func (c *Cache) Invalidate(ctx context.Context, categories, tags []string) {
	c.inflight.Add(1)
	defer c.inflight.Done()

	if len(categories) == 0 && len(tags) == 0 {
		return
	}

	catSet, tagSet := toSet(categories), toSet(tags)
	removed := c.l1.removeIf(func(e *Entry) bool {
		return e.touches(catSet, tagSet)
	})
	c.metrics.setL1Size(c.l1.size())

	if c.l2 != nil {
		n, err := c.l2.invalidate(ctx, categories, tags)
		if err != nil {
			c.logger.Warn("l2 cache invalidation failed", zap.Error(err))
		} else {
			removed += n
		}
	}
	c.metrics.recordInvalidations(removed)

	if removed > 0 {
		c.logger.Debug("cache entries invalidated",
			zap.Int("removed", removed),
			zap.Strings("categories", categories),
			zap.Strings("tags", tags))
	}
}

// Clear empties both levels.
func (c *Cache) Clear(ctx context.Context) {
	c.l1.clear()
	c.metrics.setL1Size(0)
	if c.l2 != nil {
		if err := c.l2.clear(ctx); err != nil {
			c.logger.Warn("l2 cache clear failed", zap.Error(err))
		}
	}
}

// Sweep removes TTL-expired entries from both levels and returns how
// many were removed. Normally driven by the background sweeper.
func (c *Cache) Sweep(ctx context.Context) int {
	now := time.Now()
	removed := c.l1.removeIf(func(e *Entry) bool {
		return e.Expired(now)
	})
	c.metrics.setL1Size(c.l1.size())

	if c.l2 != nil {
		n, err := c.l2.sweep(ctx, now)
		if err != nil {
			c.logger.Warn("l2 cache sweep failed", zap.Error(err))
		} else {
			removed += n
		}
	}
	c.metrics.recordSwept(removed)
	return removed
}

// Stats returns hit/miss counters and current sizes.
func (c *Cache) Stats(ctx context.Context) Stats {
	l1Hits := c.l1Hits.Load()
	l2Hits := c.l2Hits.Load()
	misses := c.misses.Load()
	total := l1Hits + l2Hits + misses

	s := Stats{
		L1Hits: l1Hits,
		L2Hits: l2Hits,
		Misses: misses,
		L1Size: c.l1.size(),
	}
	if total > 0 {
		s.L1HitRate = float64(l1Hits) / float64(total)
		s.L2HitRate = float64(l2Hits) / float64(total)
	}
	if c.l2 != nil {
		if n, err := c.l2.size(ctx); err == nil {
			s.L2Size = n
		}
	}
	return s
}

// Close stops the sweeper, waits up to the grace window for in-flight
// operations to drain, then tears down the persistent level.
func (c *Cache) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stopCh)
		c.sweepOnce.Do(func() { close(c.doneCh) })
		select {
		case <-c.doneCh:
		case <-time.After(c.cfg.GraceWindow):
		}

		drained := make(chan struct{})
		go func() {
			c.inflight.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-time.After(c.cfg.GraceWindow):
			c.logger.Warn("cache closed with operations still in flight")
		}

		if c.l2 != nil {
			err = c.l2.close()
		}
	})
	return err
}

func (c *Cache) sweepLoop() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SweepInterval)
			removed := c.Sweep(ctx)
			cancel()
			if removed > 0 {
				c.logger.Debug("cache sweep completed", zap.Int("removed", removed))
			}
		}
	}
}
