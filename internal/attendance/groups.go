package attendance

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/your-org/presence/internal/models"
)

const contextTTL = 120 * time.Second

// DirectorySource supplies groups and enrolled person ids.
type DirectorySource interface {
	ListGroups(ctx context.Context) ([]models.Group, error)
	PersonIDs(ctx context.Context) (map[string]string, error)
}

// ContextCache serves GroupContext views with a short TTL so override
// matching and person-id resolution do not hit the repository per frame.
type ContextCache struct {
	mu      sync.Mutex
	src     DirectorySource
	ttl     time.Duration
	cached  *GroupContext
	fetched time.Time
}

func NewContextCache(src DirectorySource) *ContextCache {
	return &ContextCache{src: src, ttl: contextTTL}
}

// Get returns the cached context, refreshing when stale. A refresh
// failure falls back to the previous view when one exists.
func (c *ContextCache) Get(ctx context.Context) (*GroupContext, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached != nil && time.Since(c.fetched) < c.ttl {
		return c.cached, nil
	}

	groups, err := c.src.ListGroups(ctx)
	if err != nil {
		if c.cached != nil {
			slog.Warn("group refresh failed, using stale context", "error", err)
			return c.cached, nil
		}
		return nil, err
	}
	persons, err := c.src.PersonIDs(ctx)
	if err != nil {
		if c.cached != nil {
			slog.Warn("person refresh failed, using stale context", "error", err)
			return c.cached, nil
		}
		return nil, err
	}

	c.cached = NewGroupContext(groups, persons)
	c.fetched = time.Now()
	return c.cached, nil
}

// Resolver adapts the cache into a label -> person id lookup.
func (c *ContextCache) Resolver() Resolver {
	return func(label string) string {
		gc, err := c.Get(context.Background())
		if err != nil {
			return ""
		}
		return gc.PersonID(label)
	}
}

// Invalidate forces the next Get to refetch.
func (c *ContextCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cached = nil
}
