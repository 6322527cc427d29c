package project

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultCacheCapacity is the number of checkouts kept when unset.
const DefaultCacheCapacity = 20

// CacheEntry is one shared checkout.
type CacheEntry struct {
	Key     string
	Project Project
	BaseDir string

	lastAccessOrder uint64
	evictOnce       sync.Once
}

// EvictionFunc is called exactly once for every entry leaving the cache.
type EvictionFunc func(e *CacheEntry)

// CachingLoader reuses read-only checkouts of exact commits and cleans up
// every other checkout it creates.
//
// Check-then-insert is not atomic: two concurrent misses for the same key
// both clone, the later insert wins, and the loser's directory is cleaned
// up like any ephemeral checkout.
type CachingLoader struct {
	cloner       Cloner
	capacity     int
	cleanupDelay time.Duration
	onEvict      EvictionFunc
	logger       *zap.Logger
	metrics      *Metrics

	mu      sync.Mutex
	entries map[string]*CacheEntry
	clock   uint64

	pendingMu sync.Mutex
	pending   map[string]*time.Timer
	closed    bool
}

// CachingOption configures a CachingLoader.
type CachingOption func(*CachingLoader)

// WithCapacity bounds the number of cached checkouts.
func WithCapacity(n int) CachingOption {
	return func(c *CachingLoader) {
		if n > 0 {
			c.capacity = n
		}
	}
}

// WithCleanupDelay sets how long non-cached checkouts live when the caller
// supplies no Disposer.
func WithCleanupDelay(d time.Duration) CachingOption {
	return func(c *CachingLoader) {
		if d > 0 {
			c.cleanupDelay = d
		}
	}
}

// WithEvictionFunc replaces the default eviction callback, which removes
// the checkout directory.
func WithEvictionFunc(fn EvictionFunc) CachingOption {
	return func(c *CachingLoader) { c.onEvict = fn }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) CachingOption {
	return func(c *CachingLoader) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics enables cache metrics.
func WithMetrics(m *Metrics) CachingOption {
	return func(c *CachingLoader) { c.metrics = m }
}

// NewCachingLoader wraps cloner.
func NewCachingLoader(cloner Cloner, opts ...CachingOption) *CachingLoader {
	c := &CachingLoader{
		cloner:       cloner,
		capacity:     DefaultCacheCapacity,
		cleanupDelay: DefaultCleanupDelay,
		logger:       zap.NewNop(),
		entries:      make(map[string]*CacheEntry),
		pending:      make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.onEvict == nil {
		c.onEvict = c.removeEntryDir
	}
	return c
}

// DoWithProject runs action against a checkout of params.ID.
func (c *CachingLoader) DoWithProject(ctx context.Context, params Params, action Action) error {
	if !params.Cacheable() {
		return c.doEphemeral(ctx, params, action)
	}

	key := params.CacheKey()
	if p, ok := c.lookup(key); ok {
		return action(ctx, p)
	}

	p, err := c.cloner.Clone(ctx, params)
	if err != nil {
		return err
	}
	dir, _ := p.BaseDir(ctx)
	c.insert(&CacheEntry{Key: key, Project: p, BaseDir: dir})
	return action(ctx, p)
}

// lookup returns a cached project whose directory still exists.
func (c *CachingLoader) lookup(key string) (Project, bool) {
	c.mu.Lock()
	entry, ok := c.entries[key]
	if ok {
		if _, err := os.Stat(entry.BaseDir); errors.Is(err, fs.ErrNotExist) {
			delete(c.entries, key)
			c.updateSize()
			c.mu.Unlock()
			c.logger.Warn("cached checkout vanished", zap.String("key", key), zap.String("dir", entry.BaseDir))
			c.evict(entry)
			c.recordMiss()
			return nil, false
		}
		c.clock++
		entry.lastAccessOrder = c.clock
	}
	c.mu.Unlock()

	if !ok {
		c.recordMiss()
		return nil, false
	}
	if c.metrics != nil {
		c.metrics.CacheHitsTotal.Inc()
	}
	return entry.Project, true
}

func (c *CachingLoader) insert(entry *CacheEntry) {
	var evicted []*CacheEntry

	c.mu.Lock()
	c.clock++
	entry.lastAccessOrder = c.clock
	if prev, ok := c.entries[entry.Key]; ok && prev.BaseDir != entry.BaseDir {
		c.scheduleCleanup(prev.BaseDir)
	}
	c.entries[entry.Key] = entry
	for len(c.entries) > c.capacity {
		evicted = append(evicted, c.evictLRU())
	}
	c.updateSize()
	c.mu.Unlock()

	for _, e := range evicted {
		c.evict(e)
	}
}

// evictLRU removes the least recently used entry. Caller holds mu.
func (c *CachingLoader) evictLRU() *CacheEntry {
	var oldest *CacheEntry
	for _, e := range c.entries {
		if oldest == nil || e.lastAccessOrder < oldest.lastAccessOrder {
			oldest = e
		}
	}
	delete(c.entries, oldest.Key)
	return oldest
}

func (c *CachingLoader) evict(e *CacheEntry) {
	e.evictOnce.Do(func() {
		if c.metrics != nil {
			c.metrics.CacheEvictionsTotal.Inc()
		}
		c.onEvict(e)
	})
}

func (c *CachingLoader) removeEntryDir(e *CacheEntry) {
	if err := os.RemoveAll(e.BaseDir); err != nil {
		c.logger.Warn("removing evicted checkout", zap.String("dir", e.BaseDir), zap.Error(err))
		return
	}
	c.logger.Debug("evicted checkout", zap.String("key", e.Key), zap.String("dir", e.BaseDir))
}

func (c *CachingLoader) doEphemeral(ctx context.Context, params Params, action Action) error {
	p, err := c.cloner.Clone(ctx, params)
	if err != nil {
		return err
	}
	dir, _ := p.BaseDir(ctx)
	if params.Disposer != nil {
		params.Disposer.OnDispose(func() error { return os.RemoveAll(dir) })
	} else {
		c.scheduleCleanup(dir)
	}
	return action(ctx, p)
}

// scheduleCleanup removes dir after the cleanup delay, or at Close.
func (c *CachingLoader) scheduleCleanup(dir string) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if c.closed {
		_ = os.RemoveAll(dir)
		return
	}
	if _, ok := c.pending[dir]; ok {
		return
	}
	c.pending[dir] = time.AfterFunc(c.cleanupDelay, func() {
		c.pendingMu.Lock()
		delete(c.pending, dir)
		c.pendingMu.Unlock()
		if err := os.RemoveAll(dir); err != nil {
			c.logger.Warn("removing ephemeral checkout", zap.String("dir", dir), zap.Error(err))
		}
	})
}

// Len returns the number of cached checkouts.
func (c *CachingLoader) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// PendingCleanups returns the number of ephemeral checkouts awaiting
// removal.
func (c *CachingLoader) PendingCleanups() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

// Close removes every ephemeral checkout still pending and evicts the
// cache. Safe to call more than once.
func (c *CachingLoader) Close() error {
	c.pendingMu.Lock()
	c.closed = true
	dirs := make([]string, 0, len(c.pending))
	for dir, t := range c.pending {
		t.Stop()
		dirs = append(dirs, dir)
	}
	c.pending = make(map[string]*time.Timer)
	c.pendingMu.Unlock()

	var errs []error
	for _, dir := range dirs {
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, err)
		}
	}

	c.mu.Lock()
	entries := make([]*CacheEntry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e)
	}
	c.entries = make(map[string]*CacheEntry)
	c.updateSize()
	c.mu.Unlock()

	for _, e := range entries {
		c.evict(e)
	}
	return errors.Join(errs...)
}

func (c *CachingLoader) recordMiss() {
	if c.metrics != nil {
		c.metrics.CacheMissesTotal.Inc()
	}
}

// updateSize requires mu.
func (c *CachingLoader) updateSize() {
	if c.metrics != nil {
		c.metrics.CacheSize.Set(float64(len(c.entries)))
	}
}
