// Package s3fifo implements an in-process cache bounded by total bytes and
// evicted with the S3-FIFO algorithm: a small probationary queue, a main
// queue with second chance, and a ghost set of recently evicted keys that
// routes re-admissions straight to main.
package s3fifo

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wolfeidau/bache/telemetry"
)

const (
	defaultSmallQueuePercent = 10
	ghostFloor               = 128 // minimum ghost max entries when auto-sizing
	maxAccessCount           = 3

	QueueSmall = "small"
	QueueMain  = "main"
)

// Config holds S3-FIFO eviction configuration.
type Config struct {
	// MaxSize is the maximum total size of cached values in bytes.
	MaxSize int64

	// SmallQueuePercent is the fraction of MaxSize reserved for the small
	// (probationary) queue. Default: 10.
	SmallQueuePercent int

	// GhostMaxEntries caps the ghost set size.
	// 0 = auto: capped at the current main queue entry count (with a floor of ghostFloor).
	GhostMaxEntries int

	// Logger for eviction events.
	Logger *slog.Logger
}

type entry[K comparable, V any] struct {
	key         K
	value       V
	size        int64
	accessCount int
	queue       string
	elem        *list.Element
}

// Cache is a byte-bounded S3-FIFO cache. Eviction runs inline on Add so the
// total size never exceeds MaxSize once Add returns.
type Cache[K comparable, V any] struct {
	config Config
	sizeOf func(V) int64
	logger *slog.Logger

	mu         sync.Mutex
	items      map[K]*entry[K, V]
	small      *list.List
	main       *list.List
	ghost      *list.List
	ghostIndex map[K]*list.Element
	smallBytes int64
	mainBytes  int64
}

// New creates a Cache. sizeOf reports the byte cost of a value.
func New[K comparable, V any](cfg Config, sizeOf func(V) int64) *Cache[K, V] {
	if cfg.SmallQueuePercent <= 0 {
		cfg.SmallQueuePercent = defaultSmallQueuePercent
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Cache[K, V]{
		config:     cfg,
		sizeOf:     sizeOf,
		logger:     cfg.Logger,
		items:      make(map[K]*entry[K, V]),
		small:      list.New(),
		main:       list.New(),
		ghost:      list.New(),
		ghostIndex: make(map[K]*list.Element),
	}
}

// Get returns the value for key and records an access.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	if e.accessCount < maxAccessCount {
		e.accessCount++
	}
	return e.value, true
}

// Peek returns the value for key without recording an access.
func (c *Cache[K, V]) Peek(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Contains reports whether key is cached without recording an access.
func (c *Cache[K, V]) Contains(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[key]
	return ok
}

// Add caches value under key, evicting older entries first so the new one
// fits within MaxSize. It returns false when the value alone is larger than
// MaxSize. Adding a key that is already present leaves the existing entry
// untouched.
func (c *Cache[K, V]) Add(ctx context.Context, key K, value V) bool {
	size := c.sizeOf(value)
	if size > c.config.MaxSize {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.items[key]; ok {
		return true
	}

	elem, ghostHit := c.ghostIndex[key]
	if ghostHit {
		c.ghost.Remove(elem)
		delete(c.ghostIndex, key)
	}

	// Make room before linking so the new entry is never its own victim.
	c.evict(ctx, size)

	e := &entry[K, V]{key: key, value: value, size: size}
	if ghostHit {
		e.queue = QueueMain
		e.elem = c.main.PushFront(e)
		c.mainBytes += size
		telemetry.RecordS3FIFOGhostHit(ctx)
		telemetry.RecordS3FIFOAdmission(ctx, QueueMain, "ghost_hit", size)
	} else {
		e.queue = QueueSmall
		e.elem = c.small.PushFront(e)
		c.smallBytes += size
		telemetry.RecordS3FIFOAdmission(ctx, QueueSmall, "new", size)
	}
	c.items[key] = e
	return true
}

// Remove drops key from the cache and the ghost set.
func (c *Cache[K, V]) Remove(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.items[key]; ok {
		c.unlink(e)
	}
	if elem, ok := c.ghostIndex[key]; ok {
		c.ghost.Remove(elem)
		delete(c.ghostIndex, key)
	}
}

// Len returns the number of cached entries.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Bytes returns the total size of cached values.
func (c *Cache[K, V]) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.smallBytes + c.mainBytes
}

// evict runs S3-FIFO decisions until incoming more bytes fit. Callers hold
// c.mu.
func (c *Cache[K, V]) evict(ctx context.Context, incoming int64) {
	if c.smallBytes+c.mainBytes+incoming <= c.config.MaxSize {
		return
	}
	start := time.Now()
	smallTarget := c.config.MaxSize * int64(c.config.SmallQueuePercent) / 100

	for c.smallBytes+c.mainBytes+incoming > c.config.MaxSize {
		// Prefer evicting from small when it exceeds its quota.
		if c.small.Len() > 0 && (c.smallBytes > smallTarget || c.main.Len() == 0) {
			c.evictFromSmall(ctx)
			continue
		}
		if c.main.Len() == 0 {
			break
		}
		c.evictFromMain(ctx)
	}

	telemetry.UpdateS3FIFOQueueState(ctx,
		c.smallBytes, c.mainBytes,
		c.small.Len(), c.main.Len(), c.ghost.Len(),
		c.config.MaxSize, smallTarget,
	)
	telemetry.RecordS3FIFOEvictionRun(ctx, time.Since(start))
}

// evictFromSmall pops the tail of the small queue and either promotes it to
// main (accessed while on probation) or evicts it into the ghost set.
func (c *Cache[K, V]) evictFromSmall(ctx context.Context) {
	e := c.small.Remove(c.small.Back()).(*entry[K, V])
	c.smallBytes -= e.size

	if e.accessCount > 0 {
		// Passed probation; re-evaluated from scratch in main.
		e.accessCount = 0
		e.queue = QueueMain
		e.elem = c.main.PushFront(e)
		c.mainBytes += e.size
		telemetry.RecordS3FIFOPromotion(ctx)
		return
	}

	delete(c.items, e.key)
	c.ghostIndex[e.key] = c.ghost.PushFront(e.key)
	c.trimGhost()
	c.logger.Debug("s3fifo: evicted one-hit wonder", "size", e.size)
	telemetry.RecordS3FIFOOneHitEviction(ctx, e.size)
	telemetry.RecordS3FIFOEviction(ctx, QueueSmall, e.size)
}

// evictFromMain pops the tail of the main queue and either reinserts it with
// a decremented access count (second chance) or evicts it.
func (c *Cache[K, V]) evictFromMain(ctx context.Context) {
	e := c.main.Remove(c.main.Back()).(*entry[K, V])

	if e.accessCount > 0 {
		e.accessCount--
		e.elem = c.main.PushFront(e)
		telemetry.RecordS3FIFOSecondChance(ctx)
		return
	}

	c.mainBytes -= e.size
	delete(c.items, e.key)
	c.logger.Debug("s3fifo: evicted from main", "size", e.size)
	telemetry.RecordS3FIFOEviction(ctx, QueueMain, e.size)
}

func (c *Cache[K, V]) unlink(e *entry[K, V]) {
	switch e.queue {
	case QueueSmall:
		c.small.Remove(e.elem)
		c.smallBytes -= e.size
	case QueueMain:
		c.main.Remove(e.elem)
		c.mainBytes -= e.size
	}
	delete(c.items, e.key)
}

func (c *Cache[K, V]) trimGhost() {
	limit := c.ghostMaxEntries()
	for c.ghost.Len() > limit {
		key := c.ghost.Remove(c.ghost.Back()).(K)
		delete(c.ghostIndex, key)
	}
}

// ghostMaxEntries returns the effective maximum ghost set size.
// When GhostMaxEntries is 0 (auto), it mirrors the current main queue count
// with a minimum floor.
func (c *Cache[K, V]) ghostMaxEntries() int {
	if c.config.GhostMaxEntries > 0 {
		return c.config.GhostMaxEntries
	}
	return max(c.main.Len(), ghostFloor)
}
