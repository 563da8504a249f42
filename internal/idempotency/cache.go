// Package idempotency deduplicates enrichment work by request fingerprint:
// a fresh cached result short-circuits providers entirely, and concurrent
// callers for the same fingerprint share a single in-flight computation.
package idempotency

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/enrich-cli/internal/model"
)

// TTLPolicy sets how long results stay fresh, by outcome. Successful results
// are kept longer; exhausted or cancelled runs expire sooner so a retry can
// do better.
type TTLPolicy struct {
	ConfidenceMet time.Duration
	Fallback      time.Duration
}

// DefaultTTLPolicy returns the standard 24h/1h split.
func DefaultTTLPolicy() TTLPolicy {
	return TTLPolicy{
		ConfidenceMet: 24 * time.Hour,
		Fallback:      time.Hour,
	}
}

func (p TTLPolicy) ttlFor(res *model.EnrichmentResult) time.Duration {
	if res.StopReason == model.StopConfidenceMet {
		return p.ConfidenceMet
	}
	return p.Fallback
}

// Store is an optional persistent backend checked behind the in-memory map.
type Store interface {
	GetResult(ctx context.Context, fingerprint string) (*model.EnrichmentResult, error)
	SaveResult(ctx context.Context, result *model.EnrichmentResult, ttl time.Duration) error
}

type cached struct {
	result    *model.EnrichmentResult
	expiresAt time.Time
}

// Cache is the fingerprint-keyed result cache with in-flight deduplication.
type Cache struct {
	policy TTLPolicy
	store  Store

	mu      sync.Mutex
	results map[string]cached

	flight  singleflight.Group
	nowFunc func() time.Time
}

// New creates a cache. store may be nil for purely in-memory operation.
func New(policy TTLPolicy, store Store) *Cache {
	if policy.ConfidenceMet <= 0 {
		policy.ConfidenceMet = DefaultTTLPolicy().ConfidenceMet
	}
	if policy.Fallback <= 0 {
		policy.Fallback = DefaultTTLPolicy().Fallback
	}
	return &Cache{
		policy:  policy,
		store:   store,
		results: make(map[string]cached),
		nowFunc: time.Now,
	}
}

// WithNow injects a clock for tests.
func (c *Cache) WithNow(now func() time.Time) *Cache {
	c.nowFunc = now
	return c
}

// GetOrCompute returns the cached result for the fingerprint, or runs
// compute exactly once while concurrent callers wait for the same outcome.
// The winning caller's context drives the computation; waiters inherit its
// result or error.
func (c *Cache) GetOrCompute(ctx context.Context, fingerprint string, compute func(ctx context.Context) (*model.EnrichmentResult, error)) (*model.EnrichmentResult, error) {
	if res := c.lookup(ctx, fingerprint); res != nil {
		return res, nil
	}

	v, err, shared := c.flight.Do(fingerprint, func() (any, error) {
		// Re-check under the flight: another caller may have finished
		// between our lookup and joining the group.
		if res := c.lookup(ctx, fingerprint); res != nil {
			return res, nil
		}
		res, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		c.put(ctx, res)
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		zap.L().Debug("idempotency: joined in-flight computation",
			zap.String("fingerprint", fingerprint),
		)
	}
	return v.(*model.EnrichmentResult), nil
}

// Invalidate drops a cached result, forcing the next caller to recompute.
func (c *Cache) Invalidate(fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.results, fingerprint)
}

func (c *Cache) lookup(ctx context.Context, fingerprint string) *model.EnrichmentResult {
	now := c.nowFunc()

	c.mu.Lock()
	entry, ok := c.results[fingerprint]
	if ok && now.Before(entry.expiresAt) {
		c.mu.Unlock()
		return entry.result
	}
	if ok {
		delete(c.results, fingerprint)
	}
	c.mu.Unlock()

	if c.store == nil {
		return nil
	}
	res, err := c.store.GetResult(ctx, fingerprint)
	if err != nil {
		zap.L().Warn("idempotency: store lookup failed",
			zap.String("fingerprint", fingerprint),
			zap.Error(err),
		)
		return nil
	}
	if res == nil {
		return nil
	}
	// Re-warm the in-memory layer for the remainder of the TTL window.
	c.mu.Lock()
	c.results[fingerprint] = cached{result: res, expiresAt: now.Add(c.policy.ttlFor(res))}
	c.mu.Unlock()
	return res
}

func (c *Cache) put(ctx context.Context, res *model.EnrichmentResult) {
	ttl := c.policy.ttlFor(res)

	c.mu.Lock()
	c.results[res.RequestFingerprint] = cached{
		result:    res,
		expiresAt: c.nowFunc().Add(ttl),
	}
	c.mu.Unlock()

	if c.store == nil {
		return
	}
	if err := c.store.SaveResult(ctx, res, ttl); err != nil {
		zap.L().Warn("idempotency: store save failed",
			zap.String("fingerprint", res.RequestFingerprint),
			zap.Error(err),
		)
	}
}
