package recurrence

import (
	"fmt"
	"strings"
	"sync"

	"github.com/plannerd/feedsync/pkg/feed"
)

// entry is one cached expansion: the materialized instances plus the window
// they cover.
type entry struct {
	instances  []feed.CalendarEvent
	truncated  bool
	totalCount int
	window     feed.DateRange
}

// expansionCache stores expansions keyed by (event, rule, timezone, options);
// an entry answers any request whose window lies inside the cached one. The
// options are part of the key so a capped or exception-filtered list is never
// served to a request with different settings.
type expansionCache struct {
	mu      sync.Mutex
	entries map[string]entry
}

func newExpansionCache() *expansionCache {
	return &expansionCache{entries: make(map[string]entry)}
}

func cacheKey(eventID, rule, zone string, opts Options) string {
	return fmt.Sprintf("%s|%s|%s|%d|%t", eventID, rule, zone, opts.MaxInstances, opts.IncludeExceptions)
}

func (c *expansionCache) get(key string, window feed.DateRange) ([]feed.CalendarEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || !e.window.Contains(window) {
		return nil, false
	}
	return e.instances, true
}

func (c *expansionCache) put(key string, e entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = e
}

func (c *expansionCache) prune(keep feed.DateRange) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.entries {
		if e.window.End.Before(keep.Start) || e.window.Start.After(keep.End) {
			delete(c.entries, key)
		}
	}
}

func (c *expansionCache) clearEvent(eventID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := eventID + "|"
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
		}
	}
}

func (c *expansionCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry)
}

func (c *expansionCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
