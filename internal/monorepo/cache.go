package monorepo

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/radicle-dev/coco/internal/identity"
)

// CachingProjectStore wraps a ProjectStore with a bounded LRU cache keyed
// by URN, so FindDefaultBranch/GetBranch/RewriteIncludeForProject don't
// each re-resolve the same project's metadata during a single include
// sweep.
type CachingProjectStore struct {
	inner ProjectStore
	cache *lru.Cache[identity.Revision, identity.Project]
}

// NewCachingProjectStore wraps inner with an LRU cache holding up to size
// entries.
func NewCachingProjectStore(inner ProjectStore, size int) *CachingProjectStore {
	if size <= 0 {
		size = 256
	}
	cache, _ := lru.New[identity.Revision, identity.Project](size)
	return &CachingProjectStore{inner: inner, cache: cache}
}

// GetProject satisfies ProjectStore, serving from cache when possible.
func (c *CachingProjectStore) GetProject(urn identity.URN) (identity.Project, error) {
	if p, ok := c.cache.Get(urn.Id()); ok {
		return p, nil
	}
	p, err := c.inner.GetProject(urn)
	if err != nil {
		return identity.Project{}, err
	}
	c.cache.Add(urn.Id(), p)
	return p, nil
}

// Invalidate drops any cached entry for urn, for callers that learn a
// project's metadata changed (e.g. after a successful seed fetch).
func (c *CachingProjectStore) Invalidate(urn identity.URN) {
	c.cache.Remove(urn.Id())
}
