package feedcache

import (
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"

	"github.com/plannerd/feedsync/internal/utils"
	"github.com/plannerd/feedsync/pkg/feed"
)

const (
	DefaultTTL        = 15 * time.Minute
	DefaultMaxEntries = 100
)

// Entry is one cached fetch result. Window is nil when the whole feed was
// fetched without a range.
type Entry struct {
	Events    []feed.CalendarEvent
	LastFetch time.Time
	Window    *feed.DateRange
}

// Stats is the externally visible cache shape.
type Stats struct {
	Size    int `json:"size"`
	MaxSize int `json:"maxSize"`
}

// Cache is a bounded, TTL-bound store of fetched event lists keyed by feed
// and request window. Reads refresh recency, so hot feeds survive eviction.
//
// A cached window answers a request only when it fully contains the
// requested window; partial-window stitching is never attempted. An entry
// cached without a window (a whole-feed fetch) answers any request.
type Cache struct {
	mu         sync.Mutex
	lru        *lru.Cache[string, Entry]
	ttl        time.Duration
	maxEntries int
	clock      utils.Clock
}

func New(ttl time.Duration, maxEntries int, clock utils.Clock) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if clock == nil {
		clock = utils.SystemClock{}
	}
	backing, err := lru.New[string, Entry](maxEntries)
	if err != nil {
		// Only reachable with a non-positive size, which is guarded above.
		panic(err)
	}
	return &Cache{lru: backing, ttl: ttl, maxEntries: maxEntries, clock: clock}
}

// Key builds the cache key for a feed and optional request window.
func Key(feedID string, rng *feed.DateRange) string {
	if rng == nil {
		return feedID
	}
	return fmt.Sprintf("%s:%s:%s", feedID,
		rng.Start.UTC().Format(time.RFC3339), rng.End.UTC().Format(time.RFC3339))
}

// Get returns the cached events able to answer the request, if any entry for
// the feed is fresh and covers the requested window.
func (c *Cache) Get(feedID string, rng *feed.DateRange) ([]feed.CalendarEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()

	// Exact key first, then any fresh entry of this feed whose window
	// contains the request.
	if entry, ok := c.getFresh(Key(feedID, rng), now); ok {
		return entry.Events, true
	}
	for _, key := range c.lru.Keys() {
		if key != feedID && !strings.HasPrefix(key, feedID+":") {
			continue
		}
		entry, ok := c.getFresh(key, now)
		if !ok {
			continue
		}
		if entry.Window == nil || (rng != nil && entry.Window.Contains(*rng)) {
			return entry.Events, true
		}
	}
	return nil, false
}

// getFresh reads one key, evicting it when past TTL. Caller holds the lock.
func (c *Cache) getFresh(key string, now time.Time) (Entry, bool) {
	entry, ok := c.lru.Get(key)
	if !ok {
		return Entry{}, false
	}
	if now.Sub(entry.LastFetch) >= c.ttl {
		c.lru.Remove(key)
		log.Debugf("cache entry %s expired", key)
		return Entry{}, false
	}
	return entry, true
}

// Put stores a fetch result for the feed and window.
func (c *Cache) Put(feedID string, rng *feed.DateRange, events []feed.CalendarEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var window *feed.DateRange
	if rng != nil {
		w := *rng
		window = &w
	}
	c.lru.Add(Key(feedID, rng), Entry{
		Events:    events,
		LastFetch: c.clock.Now(),
		Window:    window,
	})
}

// ClearFeed drops every entry belonging to one feed.
func (c *Cache) ClearFeed(feedID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range c.lru.Keys() {
		if key == feedID || strings.HasPrefix(key, feedID+":") {
			c.lru.Remove(key)
		}
	}
}

// ClearAll empties the cache.
func (c *Cache) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

// ListFeedIDs returns the distinct feed ids with at least one cached entry,
// so callers can invalidate per feed without reaching into key internals.
func (c *Cache) ListFeedIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := map[string]bool{}
	var ids []string
	for _, key := range c.lru.Keys() {
		id := key
		if idx := strings.Index(key, ":"); idx >= 0 {
			id = key[:idx]
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}

// StaleFeedIDs returns the feed ids whose newest entry is older than the TTL
// allows; used by the refresh lifecycle.
func (c *Cache) StaleFeedIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	newest := map[string]time.Time{}
	for _, key := range c.lru.Keys() {
		entry, ok := c.lru.Peek(key)
		if !ok {
			continue
		}
		id := key
		if idx := strings.Index(key, ":"); idx >= 0 {
			id = key[:idx]
		}
		if entry.LastFetch.After(newest[id]) {
			newest[id] = entry.LastFetch
		}
	}

	var stale []string
	for id, last := range newest {
		if now.Sub(last) >= c.ttl {
			stale = append(stale, id)
		}
	}
	return stale
}

// Stats reports current occupancy.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Size: c.lru.Len(), MaxSize: c.maxEntries}
}
