// Package matcher locates the block that mirrors a given source event on
// the blocker calendar.
package matcher

import (
	"context"
	"fmt"

	"blocksync/internal/calendar"
	appLog "blocksync/internal/log"
	"blocksync/internal/model"
)

// PassCache memoizes lookups for the duration of one reconciliation pass.
// A nil entry means "checked, no block" and is trusted for the rest of the
// pass; only the pass itself creates blocks and it updates the cache when it
// does.
type PassCache struct {
	entries map[string]*model.Event
	hits    int
	misses  int
}

// NewPassCache returns an empty cache for a new pass.
func NewPassCache() *PassCache {
	return &PassCache{entries: make(map[string]*model.Event)}
}

// Lookup returns the cached block (possibly nil) and whether the id was seen.
func (c *PassCache) Lookup(sourceID string) (*model.Event, bool) {
	b, ok := c.entries[sourceID]
	return b, ok
}

// Store records block as the match for sourceID.
func (c *PassCache) Store(sourceID string, block *model.Event) {
	c.entries[sourceID] = block
}

// StoreNone records that sourceID has no block.
func (c *PassCache) StoreNone(sourceID string) {
	c.entries[sourceID] = nil
}

// Stats returns hit and miss counters.
func (c *PassCache) Stats() (hits, misses int) {
	return c.hits, c.misses
}

// Matcher finds blocks by exact description match.
type Matcher struct {
	api calendar.API
}

// New builds a Matcher over api.
func New(api calendar.API) *Matcher {
	return &Matcher{api: api}
}

// Find returns the block on blockerCalID whose description equals sourceID,
// or nil. The host's text search is only a superset filter, so every
// candidate is checked for an exact description match; with duplicates the
// first one wins. The outcome is cached under both results.
func (m *Matcher) Find(ctx context.Context, blockerCalID, sourceID string, cache *PassCache) (*model.Event, error) {
	if block, ok := cache.Lookup(sourceID); ok {
		cache.hits++
		appLog.Debug("using cached block status", "event_id", sourceID, "found", block != nil)
		return block, nil
	}
	cache.misses++

	page, err := m.api.List(ctx, blockerCalID, calendar.ListOptions{Q: sourceID})
	if err != nil {
		return nil, fmt.Errorf("search blocks for %s: %w", sourceID, err)
	}

	for _, candidate := range page.Items {
		if candidate.Description == sourceID && !candidate.Cancelled() {
			appLog.Debug("found exact matching block", "event_id", sourceID, "block_id", candidate.ID)
			cache.Store(sourceID, candidate)
			return candidate, nil
		}
	}

	if len(page.Items) > 0 {
		appLog.Debug("found blocks with similar ids but no exact match", "event_id", sourceID, "candidates", len(page.Items))
	}
	cache.StoreNone(sourceID)
	return nil, nil
}
