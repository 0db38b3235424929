package feedcache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plannerd/feedsync/internal/utils"
	"github.com/plannerd/feedsync/pkg/feed"
)

func eventsNamed(titles ...string) []feed.CalendarEvent {
	out := make([]feed.CalendarEvent, 0, len(titles))
	for _, title := range titles {
		out = append(out, feed.CalendarEvent{Title: title})
	}
	return out
}

func TestCacheTTL(t *testing.T) {
	clock := &utils.MockClock{FixedNow: time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)}
	cache := New(15*time.Minute, 100, clock)

	cache.Put("work", nil, eventsNamed("a"))

	t.Run("fresh entry hits", func(t *testing.T) {
		events, ok := cache.Get("work", nil)
		require.True(t, ok)
		assert.Len(t, events, 1)
	})

	t.Run("entry expires after the TTL", func(t *testing.T) {
		clock.Advance(15 * time.Minute)
		_, ok := cache.Get("work", nil)
		assert.False(t, ok)
		assert.Equal(t, 0, cache.Stats().Size)
	})
}

func TestCacheWindowContainment(t *testing.T) {
	clock := &utils.MockClock{FixedNow: time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)}
	cache := New(15*time.Minute, 100, clock)

	cached := feed.DateRange{
		Start: time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, time.March, 31, 0, 0, 0, 0, time.UTC),
	}
	cache.Put("work", &cached, eventsNamed("a", "b"))

	t.Run("narrower request window hits", func(t *testing.T) {
		narrower := feed.DateRange{
			Start: cached.Start.AddDate(0, 0, 7),
			End:   cached.End.AddDate(0, 0, -7),
		}
		events, ok := cache.Get("work", &narrower)
		require.True(t, ok)
		assert.Len(t, events, 2)
	})

	t.Run("equal request window hits", func(t *testing.T) {
		_, ok := cache.Get("work", &cached)
		assert.True(t, ok)
	})

	t.Run("wider request window misses", func(t *testing.T) {
		wider := feed.DateRange{
			Start: cached.Start.AddDate(0, 0, -1),
			End:   cached.End,
		}
		_, ok := cache.Get("work", &wider)
		assert.False(t, ok)
	})

	t.Run("whole-feed entry answers any window", func(t *testing.T) {
		cache.Put("home", nil, eventsNamed("x"))
		anyRange := feed.DateRange{Start: cached.Start, End: cached.End}
		_, ok := cache.Get("home", &anyRange)
		assert.True(t, ok)
	})

	t.Run("range-keyed entry does not answer a whole-feed request", func(t *testing.T) {
		_, ok := cache.Get("work", nil)
		assert.False(t, ok)
	})
}

func TestCacheEviction(t *testing.T) {
	clock := &utils.MockClock{FixedNow: time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)}
	cache := New(15*time.Minute, 3, clock)

	for i := 0; i < 3; i++ {
		cache.Put(fmt.Sprintf("feed%d", i), nil, eventsNamed("e"))
	}

	// Touch feed0 so feed1 is the least recently used.
	_, ok := cache.Get("feed0", nil)
	require.True(t, ok)

	cache.Put("feed3", nil, eventsNamed("e"))

	assert.Equal(t, 3, cache.Stats().Size)
	_, ok = cache.Get("feed1", nil)
	assert.False(t, ok, "least recently used entry should have been evicted")
	_, ok = cache.Get("feed0", nil)
	assert.True(t, ok)
}

func TestCacheClear(t *testing.T) {
	clock := &utils.MockClock{FixedNow: time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)}
	cache := New(15*time.Minute, 100, clock)

	rng := feed.DateRange{
		Start: time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, time.March, 8, 0, 0, 0, 0, time.UTC),
	}
	cache.Put("work", nil, eventsNamed("a"))
	cache.Put("work", &rng, eventsNamed("b"))
	cache.Put("home", nil, eventsNamed("c"))

	t.Run("clearing one feed keeps the others", func(t *testing.T) {
		cache.ClearFeed("work")
		_, ok := cache.Get("work", nil)
		assert.False(t, ok)
		_, ok = cache.Get("work", &rng)
		assert.False(t, ok)
		_, ok = cache.Get("home", nil)
		assert.True(t, ok)
	})

	t.Run("clear all empties the cache", func(t *testing.T) {
		cache.ClearAll()
		assert.Equal(t, 0, cache.Stats().Size)
	})
}

func TestCacheListFeedIDs(t *testing.T) {
	clock := &utils.MockClock{FixedNow: time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)}
	cache := New(15*time.Minute, 100, clock)

	rng := feed.DateRange{
		Start: time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, time.March, 8, 0, 0, 0, 0, time.UTC),
	}
	cache.Put("work", nil, eventsNamed("a"))
	cache.Put("work", &rng, eventsNamed("b"))
	cache.Put("home", nil, eventsNamed("c"))

	ids := cache.ListFeedIDs()
	assert.ElementsMatch(t, []string{"work", "home"}, ids)
}

func TestCacheStaleFeedIDs(t *testing.T) {
	clock := &utils.MockClock{FixedNow: time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)}
	cache := New(15*time.Minute, 100, clock)

	cache.Put("old", nil, eventsNamed("a"))
	clock.Advance(10 * time.Minute)
	cache.Put("new", nil, eventsNamed("b"))
	clock.Advance(5 * time.Minute)

	assert.ElementsMatch(t, []string{"old"}, cache.StaleFeedIDs())
}
