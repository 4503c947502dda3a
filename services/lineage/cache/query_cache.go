// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache provides LRU+TTL caching for lineage traversal results.
package cache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/AleutianLineage/services/lineage/graph"
)

// QueryCache provides LRU caching for traversal query results.
//
// # Description
//
// Caches TraverseResult values to absorb repeated dashboard queries.
// Staleness is bounded by TTL alone: an entry cached just before an
// ingest can serve a slightly old view until it expires. The TTL is
// short by default, and lineage queries tolerate that window.
//
// # Cache Key Format
//
// Keys are computed as SHA256 over the full request shape: from, mode,
// depth, asOf, and the sorted type filters. Distinct requests never
// collide on one entry.
//
// # Thread Safety
//
// Safe for concurrent use. Uses sync.RWMutex for the entry map and
// singleflight.Group to deduplicate concurrent computes.
type QueryCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	lru     *list.List
	flight  singleflight.Group
	options Options

	// Stats
	hits       int64
	misses     int64
	evictions  int64
	computes   int64
	errorCount int64
}

// cacheEntry represents one cached traversal result.
type cacheEntry struct {
	// Key is the cache key.
	Key string

	// Result is the cached traversal result.
	Result *graph.TraverseResult

	// ComputedAtMilli is when the result was computed.
	ComputedAtMilli int64

	// LastAccessMilli is when the entry was last accessed.
	LastAccessMilli int64

	// lruElement is the position in the LRU list.
	lruElement *list.Element
}

// Options configures QueryCache.
type Options struct {
	// MaxEntries is the maximum number of cached results.
	// Default: 1000
	MaxEntries int

	// MaxAge is the TTL for cached entries.
	// Default: 30 seconds
	MaxAge time.Duration

	// ComputeTimeout is the maximum time for a single traversal.
	// Default: 500ms
	ComputeTimeout time.Duration
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxEntries:     1000,
		MaxAge:         30 * time.Second,
		ComputeTimeout: 500 * time.Millisecond,
	}
}

// Option is a functional option for configuring QueryCache.
type Option func(*Options)

// WithMaxEntries sets the maximum number of cached entries.
func WithMaxEntries(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.MaxEntries = n
		}
	}
}

// WithMaxAge sets the TTL for cached entries.
func WithMaxAge(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.MaxAge = d
		}
	}
}

// WithComputeTimeout sets the traversal timeout.
func WithComputeTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.ComputeTimeout = d
		}
	}
}

// NewQueryCache creates a new QueryCache.
func NewQueryCache(opts ...Option) *QueryCache {
	options := DefaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	return &QueryCache{
		entries: make(map[string]*cacheEntry),
		lru:     list.New(),
		options: options,
	}
}

// ComputeFunc is the function signature for running a traversal.
type ComputeFunc func(ctx context.Context) (*graph.TraverseResult, error)

// Key computes the cache key for a traversal request.
func Key(req *graph.TraverseRequest) string {
	var b strings.Builder
	b.WriteString(req.From)
	b.WriteByte('|')
	b.WriteString(string(req.Mode))
	b.WriteByte('|')
	fmt.Fprintf(&b, "%d", req.DepthMax)
	b.WriteByte('|')
	if req.AsOf != nil {
		b.WriteString(req.AsOf.UTC().Format(time.RFC3339Nano))
	}
	b.WriteByte('|')
	b.WriteString(joinSorted(nodeTypeStrings(req.NodeTypes)))
	b.WriteByte('|')
	b.WriteString(joinSorted(edgeTypeStrings(req.EdgeTypes)))

	h := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(h[:16]) // 32-char key (first 16 bytes)
}

func nodeTypeStrings(types []graph.NodeType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

func edgeTypeStrings(types []graph.EdgeType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

func joinSorted(values []string) string {
	sort.Strings(values)
	return strings.Join(values, ",")
}

// Get retrieves a cached result by key.
//
// # Outputs
//
//   - *graph.TraverseResult: The cached result, or nil if not found.
//   - bool: True if the entry was found and within its TTL.
func (c *QueryCache) Get(key string) (*graph.TraverseResult, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	if !ok {
		c.mu.RUnlock()
		atomic.AddInt64(&c.misses, 1)
		recordCacheMiss(context.Background())
		return nil, false
	}

	if c.isExpired(entry) {
		c.mu.RUnlock()
		c.remove(key)
		atomic.AddInt64(&c.misses, 1)
		recordCacheMiss(context.Background())
		return nil, false
	}

	entry.LastAccessMilli = time.Now().UnixMilli()
	c.mu.RUnlock()

	c.updateLRU(entry)

	atomic.AddInt64(&c.hits, 1)
	recordCacheHit(context.Background())
	return entry.Result, true
}

// GetOrCompute retrieves a cached result or runs the traversal.
//
// # Description
//
// Uses singleflight so concurrent identical queries run one traversal
// and share the result.
//
// # Inputs
//
//   - ctx: Context for cancellation.
//   - key: Cache key from Key().
//   - compute: Function to run the traversal on a miss.
//
// # Outputs
//
//   - *graph.TraverseResult: The result (cached or newly computed).
//   - bool: True if the result was served from the cache.
//   - error: Non-nil if the traversal failed.
func (c *QueryCache) GetOrCompute(ctx context.Context, key string, compute ComputeFunc) (*graph.TraverseResult, bool, error) {
	if result, ok := c.Get(key); ok {
		return result, true, nil
	}

	computed := false
	result, err, _ := c.flight.Do(key, func() (interface{}, error) {
		// Double-check: another flight may have populated the entry.
		if result, ok := c.Get(key); ok {
			return result, nil
		}

		computeCtx, cancel := context.WithTimeout(ctx, c.options.ComputeTimeout)
		defer cancel()

		result, err := compute(computeCtx)
		if err != nil {
			atomic.AddInt64(&c.errorCount, 1)
			return nil, err
		}

		c.put(key, result)
		atomic.AddInt64(&c.computes, 1)
		computed = true

		return result, nil
	})

	if err != nil {
		return nil, false, err
	}

	return result.(*graph.TraverseResult), !computed, nil
}

// put adds a result to the cache.
func (c *QueryCache) put(key string, result *graph.TraverseResult) {
	now := time.Now().UnixMilli()
	entry := &cacheEntry{
		Key:             key,
		Result:          result,
		ComputedAtMilli: now,
		LastAccessMilli: now,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; exists {
		return
	}

	c.evictIfNeededLocked()

	entry.lruElement = c.lru.PushFront(key)
	c.entries[key] = entry
}

// isExpired checks if an entry has exceeded its TTL.
func (c *QueryCache) isExpired(entry *cacheEntry) bool {
	if c.options.MaxAge == 0 {
		return false
	}
	age := time.Since(time.UnixMilli(entry.ComputedAtMilli))
	return age > c.options.MaxAge
}

// updateLRU moves an entry to the front of the LRU list.
func (c *QueryCache) updateLRU(entry *cacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry.lruElement != nil {
		c.lru.MoveToFront(entry.lruElement)
	}
}

// remove removes an entry from the cache.
func (c *QueryCache) remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return
	}

	if entry.lruElement != nil {
		c.lru.Remove(entry.lruElement)
	}
	delete(c.entries, key)
}

// evictIfNeededLocked evicts LRU entries if at capacity (must hold lock).
func (c *QueryCache) evictIfNeededLocked() {
	for len(c.entries) >= c.options.MaxEntries {
		if !c.evictLRULocked() {
			break
		}
	}
}

// evictLRULocked evicts the least recently used entry (must hold lock).
func (c *QueryCache) evictLRULocked() bool {
	elem := c.lru.Back()
	if elem == nil {
		return false
	}

	key := elem.Value.(string)
	entry := c.entries[key]
	if entry != nil {
		c.lru.Remove(entry.lruElement)
		delete(c.entries, key)
		atomic.AddInt64(&c.evictions, 1)
		recordCacheEviction(context.Background())
		return true
	}
	return false
}

// Clear removes all entries from the cache.
func (c *QueryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*cacheEntry)
	c.lru.Init()
}

// Stats contains cache statistics.
type Stats struct {
	EntryCount int
	Hits       int64
	Misses     int64
	Evictions  int64
	Computes   int64
	ErrorCount int64
	MaxEntries int
	MaxAge     time.Duration
}

// HitRate returns the cache hit rate as a percentage.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}

// Stats returns current cache statistics.
func (c *QueryCache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Stats{
		EntryCount: len(c.entries),
		Hits:       atomic.LoadInt64(&c.hits),
		Misses:     atomic.LoadInt64(&c.misses),
		Evictions:  atomic.LoadInt64(&c.evictions),
		Computes:   atomic.LoadInt64(&c.computes),
		ErrorCount: atomic.LoadInt64(&c.errorCount),
		MaxEntries: c.options.MaxEntries,
		MaxAge:     c.options.MaxAge,
	}
}

// Len returns the number of entries in the cache.
func (c *QueryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
