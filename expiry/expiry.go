// Package expiry removes blobs that have gone unused for too long (TTL) and
// trims the least recently used blobs when a store grows past its size
// limit (LRU).
package expiry

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/wolfeidau/bache/store/metadb"
	"github.com/wolfeidau/bache/telemetry"
)

// Source is the store being expired.
type Source interface {
	// ListBlobs returns the metadata of every stored blob.
	ListBlobs(ctx context.Context) ([]*metadb.BlobEntry, error)

	// Evict removes the blob with the given metadata key.
	Evict(ctx context.Context, key string) error
}

// Config holds expiration configuration.
type Config struct {
	// TTL is the time-to-live for blobs since last access.
	// Zero means no TTL-based expiration.
	TTL time.Duration

	// MaxSize is the maximum total stored size in bytes.
	// When exceeded, LRU eviction removes oldest blobs until under limit.
	// Zero means no size limit.
	MaxSize int64

	// CheckInterval is how often to run expiration checks.
	// Default is 5 minutes.
	CheckInterval time.Duration

	// Name labels metrics and logs.
	Name string

	// Logger for expiration events.
	Logger *slog.Logger
}

// Manager runs TTL and LRU expiration against a Source.
type Manager struct {
	config Config
	source Source
	logger *slog.Logger
	now    func() time.Time

	// runMu serialises expiration runs.
	runMu sync.Mutex

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewManager creates a new expiration manager.
func NewManager(source Source, cfg Config) *Manager {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 5 * time.Minute
	}
	if cfg.Name == "" {
		cfg.Name = "expiry"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Manager{
		config: cfg,
		source: source,
		logger: cfg.Logger,
		now:    time.Now,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Enabled reports whether either expiration strategy is configured.
func (m *Manager) Enabled() bool {
	return m.config.TTL > 0 || m.config.MaxSize > 0
}

// Start begins background expiration checks. Calling Start more than once,
// or after Stop, does nothing.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running || m.stopped {
		return
	}
	m.running = true
	go m.run(ctx)
}

// Stop stops background expiration checks and waits for a run in progress.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running || m.stopped {
		m.stopped = true
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	m.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

// ExpireResult contains the results of an expiration run.
type ExpireResult struct {
	TTLExpired int
	LRUEvicted int
	BytesFreed int64
	Errors     int
	Duration   time.Duration
}

// RunOnce performs a single expiration check.
func (m *Manager) RunOnce(ctx context.Context) *ExpireResult {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	start := m.now()
	result := &ExpireResult{}

	blobs, err := m.source.ListBlobs(ctx)
	if err != nil {
		m.logger.Error("failed to list blobs", "error", err)
		result.Errors++
		return result
	}

	if m.config.TTL > 0 {
		blobs = m.expireByTTL(ctx, blobs, result)
	}
	if m.config.MaxSize > 0 {
		m.evictByLRU(ctx, blobs, result)
	}

	result.Duration = m.now().Sub(start)
	telemetry.RecordExpiryRun(ctx, m.config.Name, result.TTLExpired+result.LRUEvicted, result.Duration)

	if result.TTLExpired > 0 || result.LRUEvicted > 0 {
		m.logger.Info("expiration complete",
			"ttl_expired", result.TTLExpired,
			"lru_evicted", result.LRUEvicted,
			"bytes_freed", result.BytesFreed,
			"duration", result.Duration,
		)
	} else {
		m.logger.Debug("expiration complete, nothing to expire")
	}

	return result
}

// expireByTTL evicts blobs not accessed within the TTL and returns the rest.
func (m *Manager) expireByTTL(ctx context.Context, blobs []*metadb.BlobEntry, result *ExpireResult) []*metadb.BlobEntry {
	cutoff := m.now().Add(-m.config.TTL)
	remaining := blobs[:0:0]

	for _, entry := range blobs {
		if !entry.LastAccess.Before(cutoff) {
			remaining = append(remaining, entry)
			continue
		}
		if err := m.source.Evict(ctx, entry.Key); err != nil {
			m.logger.Warn("failed to delete expired blob", "key", entry.Key, "error", err)
			result.Errors++
			remaining = append(remaining, entry)
			continue
		}
		result.TTLExpired++
		result.BytesFreed += entry.StoredSize
		m.logger.Debug("expired blob by TTL",
			"key", entry.Key,
			"last_access", entry.LastAccess,
		)
	}
	return remaining
}

// evictByLRU evicts the least recently accessed blobs until the total
// stored size is within MaxSize.
func (m *Manager) evictByLRU(ctx context.Context, blobs []*metadb.BlobEntry, result *ExpireResult) {
	var totalSize int64
	for _, entry := range blobs {
		totalSize += entry.StoredSize
	}
	if totalSize <= m.config.MaxSize {
		return
	}

	slices.SortFunc(blobs, func(a, b *metadb.BlobEntry) int {
		return a.LastAccess.Compare(b.LastAccess)
	})

	for _, entry := range blobs {
		if totalSize <= m.config.MaxSize {
			break
		}
		if err := m.source.Evict(ctx, entry.Key); err != nil {
			m.logger.Warn("failed to evict blob by LRU", "key", entry.Key, "error", err)
			result.Errors++
			continue
		}
		result.LRUEvicted++
		result.BytesFreed += entry.StoredSize
		totalSize -= entry.StoredSize

		m.logger.Debug("evicted blob by LRU",
			"key", entry.Key,
			"last_access", entry.LastAccess,
			"stored_size", entry.StoredSize,
		)
	}
}

// Stats returns aggregate statistics about stored blobs.
type Stats struct {
	TotalBlobs int64
	TotalSize  int64
	OldestBlob time.Time
	NewestBlob time.Time
}

// GetStats returns aggregate statistics over the source.
func (m *Manager) GetStats(ctx context.Context) (*Stats, error) {
	blobs, err := m.source.ListBlobs(ctx)
	if err != nil {
		return nil, err
	}

	stats := &Stats{}
	for _, entry := range blobs {
		stats.TotalBlobs++
		stats.TotalSize += entry.StoredSize

		if stats.OldestBlob.IsZero() || entry.LastAccess.Before(stats.OldestBlob) {
			stats.OldestBlob = entry.LastAccess
		}
		if entry.LastAccess.After(stats.NewestBlob) {
			stats.NewestBlob = entry.LastAccess
		}
	}
	return stats, nil
}
