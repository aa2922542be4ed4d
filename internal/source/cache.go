package source

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// DefaultCacheTTL bounds how long a decoded matrix stays in memory.
// Embedding artifacts are immutable once written, so the TTL exists only
// to cap resident memory, not to pick up changes.
const DefaultCacheTTL = 10 * time.Minute

// CachingSource wraps a Source with an in-memory TTL cache keyed by path.
// Reconstruction runs on every read and edit; without this cache each one
// would re-read and re-decompress the same artifact.
type CachingSource struct {
	inner Source
	cache *gocache.Cache
}

type cachedEntry struct {
	matrix *Matrix
	ids    []string
}

// NewCachingSource wraps inner with a cache using ttl (0 means DefaultCacheTTL).
func NewCachingSource(inner Source, ttl time.Duration) *CachingSource {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachingSource{
		inner: inner,
		cache: gocache.New(ttl, ttl),
	}
}

// Load returns the cached matrix for path, or loads and caches it.
// Failures are never cached.
func (s *CachingSource) Load(ctx context.Context, path string) (*Matrix, []string, error) {
	if v, ok := s.cache.Get(path); ok {
		entry := v.(cachedEntry)
		return entry.matrix, entry.ids, nil
	}

	m, ids, err := s.inner.Load(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	s.cache.SetDefault(path, cachedEntry{matrix: m, ids: ids})
	return m, ids, nil
}

// Invalidate drops the cached entry for path, if any.
func (s *CachingSource) Invalidate(path string) {
	s.cache.Delete(path)
}
