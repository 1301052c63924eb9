// Package telemetry provides request tagging for structured logging and metrics.
package telemetry

import (
	"context"
	"sync"
)

type contextKey string

const (
	// requestTagsKey is the context key for the request tags holder.
	requestTagsKey contextKey = "request_tags"
	// instanceKey propagates the instance name to work that outlives the RPC.
	instanceKey contextKey = "instance"
)

// CacheResult represents the outcome of a cache lookup.
type CacheResult string

const (
	CacheHit     CacheResult = "hit"
	CacheMiss    CacheResult = "miss"
	CachePartial CacheResult = "partial"
	CacheNA      CacheResult = "na"
)

// RequestTags holds mutable RPC metadata that handlers set for logging and
// metrics. Batch handlers set tags from several goroutines.
type RequestTags struct {
	mu          sync.Mutex
	instance    string
	cacheResult CacheResult
}

// Instance returns the instance name tag.
func (t *RequestTags) Instance() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.instance
}

// CacheResult returns the cache result tag.
func (t *RequestTags) CacheResult() CacheResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cacheResult
}

// InjectTags returns a context carrying an empty RequestTags.
// Call this in an interceptor before handlers run.
func InjectTags(ctx context.Context) (context.Context, *RequestTags) {
	tags := &RequestTags{cacheResult: CacheNA}
	return context.WithValue(ctx, requestTagsKey, tags), tags
}

// GetTags retrieves the request tags from ctx, or nil outside an
// intercepted RPC.
func GetTags(ctx context.Context) *RequestTags {
	if tags, ok := ctx.Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetCacheResult sets the cache result tag.
func SetCacheResult(ctx context.Context, result CacheResult) {
	if tags := GetTags(ctx); tags != nil {
		tags.mu.Lock()
		tags.cacheResult = result
		tags.mu.Unlock()
	}
}

// SetInstance sets the instance name tag.
func SetInstance(ctx context.Context, instance string) {
	if tags := GetTags(ctx); tags != nil {
		tags.mu.Lock()
		tags.instance = instance
		tags.mu.Unlock()
	}
}

// InstanceFromContext returns the instance name set by WithInstanceContext
// or, failing that, by SetInstance.
func InstanceFromContext(ctx context.Context) string {
	if name, ok := ctx.Value(instanceKey).(string); ok {
		return name
	}
	if tags := GetTags(ctx); tags != nil {
		return tags.Instance()
	}
	return ""
}

// WithInstanceContext returns a context with the instance name stored.
func WithInstanceContext(ctx context.Context, instance string) context.Context {
	return context.WithValue(ctx, instanceKey, instance)
}
