package geocode

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Cache stores provider answers by address so an address shared by several
// prescribers or years is sent once. Empty answers are cached too; errors
// are not.
type Cache interface {
	GetCandidates(ctx context.Context, provider, key string) ([]Candidate, bool, error)
	PutCandidates(ctx context.Context, provider, key string, cands []Candidate) error
}

// CacheKey is the SHA-256 of the normalized address fields.
func CacheKey(q Query) string {
	norm := func(s string) string { return strings.Join(strings.Fields(strings.ToLower(s)), " ") }
	h := sha256.Sum256([]byte(norm(q.Street) + "|" + norm(q.City) + "|" + norm(q.State) + "|" + strings.TrimSpace(q.Zip)))
	return hex.EncodeToString(h[:])
}

// WithCache wraps p with c. Batch capability is preserved.
func WithCache(p Provider, c Cache) Provider {
	if c == nil {
		return p
	}
	cp := &cached{Provider: p, cache: c}
	if bp, ok := p.(BatchProvider); ok {
		return &cachedBatch{cached: cp, batch: bp}
	}
	return cp
}

type cached struct {
	Provider
	cache Cache
}

func (c *cached) lookup(ctx context.Context, key string) ([]Candidate, bool) {
	cands, ok, err := c.cache.GetCandidates(ctx, c.Name(), key)
	if err != nil {
		zap.L().Debug("geocode cache read failed", zap.String("provider", c.Name()), zap.Error(err))
		return nil, false
	}
	return cands, ok
}

func (c *cached) store(ctx context.Context, key string, cands []Candidate) {
	if err := c.cache.PutCandidates(ctx, c.Name(), key, cands); err != nil {
		zap.L().Debug("geocode cache write failed", zap.String("provider", c.Name()), zap.Error(err))
	}
}

// Cached reports a stored answer for q without calling the provider.
func (c *cached) Cached(ctx context.Context, q Query) ([]Candidate, bool) {
	return c.lookup(ctx, CacheKey(q))
}

func (c *cached) Geocode(ctx context.Context, q Query) ([]Candidate, error) {
	key := CacheKey(q)
	if cands, ok := c.lookup(ctx, key); ok {
		return cands, nil
	}
	cands, err := c.Provider.Geocode(ctx, q)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, cands)
	return cands, nil
}

type cachedBatch struct {
	*cached
	batch BatchProvider
}

func (c *cachedBatch) MaxBatch() int { return c.batch.MaxBatch() }

func (c *cachedBatch) BatchGeocode(ctx context.Context, qs []Query) ([][]Candidate, error) {
	out := make([][]Candidate, len(qs))
	keys := make([]string, len(qs))
	var misses []int
	for i, q := range qs {
		keys[i] = CacheKey(q)
		if cands, ok := c.lookup(ctx, keys[i]); ok {
			out[i] = cands
			continue
		}
		misses = append(misses, i)
	}
	if len(misses) == 0 {
		return out, nil
	}

	pending := make([]Query, len(misses))
	for j, i := range misses {
		pending[j] = qs[i]
	}
	got, err := c.batch.BatchGeocode(ctx, pending)
	if err != nil {
		return nil, err
	}
	for j, i := range misses {
		if j < len(got) {
			out[i] = got[j]
			c.store(ctx, keys[i], got[j])
		}
	}
	return out, nil
}

// MemoryCache is an in-process Cache, used when no store is configured.
type MemoryCache struct {
	mu sync.Mutex
	m  map[string][]Candidate
}

// NewMemoryCache returns an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{m: make(map[string][]Candidate)}
}

// GetCandidates implements Cache.
func (m *MemoryCache) GetCandidates(_ context.Context, provider, key string) ([]Candidate, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.m[provider+"|"+key]
	return c, ok, nil
}

// PutCandidates implements Cache.
func (m *MemoryCache) PutCandidates(_ context.Context, provider, key string, cands []Candidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.m[provider+"|"+key] = cands
	return nil
}
