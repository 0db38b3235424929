package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plannerd/feedsync/internal/utils"
	"github.com/plannerd/feedsync/pkg/dedup"
	"github.com/plannerd/feedsync/pkg/feed"
	"github.com/plannerd/feedsync/pkg/feedcache"
	"github.com/plannerd/feedsync/pkg/offline"
	"github.com/plannerd/feedsync/pkg/ratelimit"
	"github.com/plannerd/feedsync/pkg/recurrence"
	"github.com/plannerd/feedsync/pkg/retry"
	"github.com/plannerd/feedsync/pkg/timezone"
)

type fixture struct {
	orchestrator *Orchestrator
	fetcher      *StubFetcher
	store        *offline.StubStore
	retries      *retry.Policy
	clock        *utils.MockClock
}

type fixtureOptions struct {
	rateLimit  int
	maxRetries int
	resolver   dedup.Resolver
}

func icalFeed() feed.CalendarFeed {
	return feed.CalendarFeed{ID: "work", Name: "Work", Type: feed.TypeICal, URL: "https://example.com/work.ics", Color: "#1a73e8"}
}

func sampleEvent(id string) feed.CalendarEvent {
	start := time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)
	return feed.CalendarEvent{
		ID:        "work:" + id,
		Title:     "Event " + id,
		StartTime: start,
		EndTime:   start.Add(time.Hour),
		Timezone:  "UTC",
		FeedID:    "work",
		Source:    feed.TypeICal,
	}
}

func newFixture(t *testing.T, o fixtureOptions) *fixture {
	t.Helper()
	clock := &utils.MockClock{}
	clock.SetNow(time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC))

	if o.rateLimit == 0 {
		o.rateLimit = 60
	}
	if o.maxRetries == 0 {
		o.maxRetries = 2
	}
	if o.resolver == nil {
		o.resolver = dedup.NewResolver([]feed.CalendarFeed{icalFeed()})
	}

	fetcher := &StubFetcher{Events: []feed.CalendarEvent{sampleEvent("e1")}}
	store := offline.NewStubStore()
	retries := retry.NewPolicy(o.maxRetries, time.Millisecond, 5*time.Millisecond, clock)

	orchestrator := NewOrchestrator(
		map[feed.FeedType]Fetcher{feed.TypeICal: fetcher},
		[]feed.CalendarFeed{icalFeed()},
		feedcache.New(15*time.Minute, 100, clock),
		ratelimit.NewLimiter(o.rateLimit, time.Hour, clock),
		retries,
		recurrence.NewEngine(clock),
		store,
		timezone.NewService("UTC"),
		o.resolver,
		nil,
		clock,
		Options{WindowWeeks: 4, MaxInstances: 100},
	)
	return &fixture{orchestrator: orchestrator, fetcher: fetcher, store: store, retries: retries, clock: clock}
}

func TestFetchFeedEvents(t *testing.T) {
	ctx := context.Background()

	t.Run("serves second request from cache", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{})

		first, err := f.orchestrator.FetchFeedEvents(ctx, icalFeed(), nil)
		require.NoError(t, err)
		second, err := f.orchestrator.FetchFeedEvents(ctx, icalFeed(), nil)
		require.NoError(t, err)

		assert.Equal(t, 1, f.fetcher.Calls)
		assert.Equal(t, first, second)
	})

	t.Run("narrower window hits the cached wider one", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{})
		wide := &feed.DateRange{
			Start: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC),
		}
		narrow := &feed.DateRange{
			Start: time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2024, 6, 20, 0, 0, 0, 0, time.UTC),
		}

		_, err := f.orchestrator.FetchFeedEvents(ctx, icalFeed(), wide)
		require.NoError(t, err)
		_, err = f.orchestrator.FetchFeedEvents(ctx, icalFeed(), narrow)
		require.NoError(t, err)

		assert.Equal(t, 1, f.fetcher.Calls)
	})

	t.Run("rejects when the request budget is spent", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{rateLimit: 1})

		_, err := f.orchestrator.FetchFeedEvents(ctx, icalFeed(), nil)
		require.NoError(t, err)

		f.orchestrator.ClearCache("work")
		_, err = f.orchestrator.FetchFeedEvents(ctx, icalFeed(), nil)
		assert.True(t, feed.IsCode(err, feed.ErrRateLimitExceeded))
		assert.Equal(t, 1, f.fetcher.Calls, "a limited feed must never reach the network")
	})

	t.Run("rejects unknown feed types", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{})
		cf := icalFeed()
		cf.Type = feed.FeedType("caldav")

		_, err := f.orchestrator.FetchFeedEvents(ctx, cf, nil)
		assert.True(t, feed.IsCode(err, feed.ErrUnsupportedType))
	})

	t.Run("rejects an inverted window", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{})
		rng := &feed.DateRange{
			Start: time.Date(2024, 6, 20, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC),
		}
		_, err := f.orchestrator.FetchFeedEvents(ctx, icalFeed(), rng)
		assert.True(t, feed.IsCode(err, feed.ErrInvalidDateRange))
		assert.Equal(t, 0, f.fetcher.Calls)
	})

	t.Run("falls back to the offline snapshot on a network failure", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{})
		stale := []feed.CalendarEvent{sampleEvent("stale")}
		f.store.Snapshots["work"] = stale
		f.fetcher.Errs = []error{feed.Errorf(feed.ErrFetchFailed, "work", "connection refused")}

		events, err := f.orchestrator.FetchFeedEvents(ctx, icalFeed(), nil)
		require.NoError(t, err)

		assert.Equal(t, stale, events)
		assert.Equal(t, 1, f.fetcher.Calls, "stale data must be served without retrying")
	})

	t.Run("retries a transient failure and clears retry state on success", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{})
		f.fetcher.Errs = []error{feed.Errorf(feed.ErrHTTPError, "work", "status 503")}

		events, err := f.orchestrator.FetchFeedEvents(ctx, icalFeed(), nil)
		require.NoError(t, err)

		assert.Equal(t, 2, f.fetcher.Calls)
		assert.NotEmpty(t, events)
		assert.Equal(t, 0, f.retries.Attempts("work"))
	})

	t.Run("re-raises the original error after retries are exhausted", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{maxRetries: 2})
		cause := feed.Errorf(feed.ErrFetchFailed, "work", "connection refused")
		f.fetcher.Errs = []error{cause, cause, cause, cause, cause}

		_, err := f.orchestrator.FetchFeedEvents(ctx, icalFeed(), nil)

		assert.True(t, feed.IsCode(err, feed.ErrFetchFailed))
		assert.Equal(t, 3, f.fetcher.Calls, "initial attempt plus maxRetries")
	})

	t.Run("does not retry deterministic failures", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{})
		f.store.Snapshots["work"] = []feed.CalendarEvent{sampleEvent("stale")}
		f.fetcher.Errs = []error{feed.Errorf(feed.ErrInvalidICalContent, "work", "not a calendar")}

		_, err := f.orchestrator.FetchFeedEvents(ctx, icalFeed(), nil)

		assert.True(t, feed.IsCode(err, feed.ErrInvalidICalContent))
		assert.Equal(t, 1, f.fetcher.Calls)
	})

	t.Run("expands recurring templates into instances", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{})
		template := sampleEvent("weekly")
		template.IsRecurring = true
		template.RecurrenceRule = "FREQ=DAILY;COUNT=3"
		f.fetcher.Events = []feed.CalendarEvent{template}

		events, err := f.orchestrator.FetchFeedEvents(ctx, icalFeed(), nil)
		require.NoError(t, err)

		require.Len(t, events, 3)
		for _, e := range events {
			assert.False(t, e.IsRecurring)
			assert.Equal(t, "work:weekly", e.OriginalEvent)
		}
	})

	t.Run("stores a snapshot after a successful fetch", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{})

		_, err := f.orchestrator.FetchFeedEvents(ctx, icalFeed(), nil)
		require.NoError(t, err)

		assert.NotEmpty(t, f.store.Snapshots["work"])
	})
}

type failingResolver struct{}

func (failingResolver) ResolveEvents(events []feed.CalendarEvent) (dedup.Resolution, error) {
	return dedup.Resolution{}, errors.New("resolver exploded")
}

func TestResolveEventDuplicates(t *testing.T) {
	t.Run("applies the winning feed color", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{})
		a := sampleEvent("e1")
		a.ExternalID = "shared"
		b := sampleEvent("e2")
		b.ExternalID = "shared"

		out := f.orchestrator.ResolveEventDuplicates([]feed.CalendarEvent{a, b})

		require.Len(t, out, 1)
		assert.Equal(t, "#1a73e8", out[0].Color)
	})

	t.Run("returns input unchanged when the resolver fails", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{resolver: failingResolver{}})
		events := []feed.CalendarEvent{sampleEvent("e1"), sampleEvent("e2")}

		out := f.orchestrator.ResolveEventDuplicates(events)

		assert.Equal(t, events, out)
	})
}

func TestRefresh(t *testing.T) {
	ctx := context.Background()

	t.Run("bypasses the cache", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{})

		_, err := f.orchestrator.FetchFeedEvents(ctx, icalFeed(), nil)
		require.NoError(t, err)
		_, err = f.orchestrator.Refresh(ctx, "work")
		require.NoError(t, err)

		assert.Equal(t, 2, f.fetcher.Calls)
	})

	t.Run("rejects unknown feeds", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{})
		_, err := f.orchestrator.Refresh(ctx, "nope")
		assert.Error(t, err)
	})
}

func TestBackgroundRefresh(t *testing.T) {
	ctx := context.Background()

	t.Run("leaves freshly cached feeds alone", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{})
		_, err := f.orchestrator.FetchFeedEvents(ctx, icalFeed(), nil)
		require.NoError(t, err)

		f.orchestrator.refreshAll()
		assert.Equal(t, 1, f.fetcher.Calls)
	})

	t.Run("picks up never-fetched feeds, then stale ones", func(t *testing.T) {
		f := newFixture(t, fixtureOptions{})

		f.orchestrator.refreshAll()
		assert.Equal(t, 1, f.fetcher.Calls, "a feed with no cache entry is fetched")

		f.clock.Advance(16 * time.Minute)
		f.orchestrator.refreshAll()
		assert.Equal(t, 2, f.fetcher.Calls, "a feed past its TTL is re-fetched")
	})
}

func TestCacheManagement(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOptions{})

	_, err := f.orchestrator.FetchFeedEvents(ctx, icalFeed(), nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"work"}, f.orchestrator.ListCachedFeedIDs())
	assert.Equal(t, 1, f.orchestrator.CacheStats().Size)

	f.orchestrator.ClearCache("")
	assert.Empty(t, f.orchestrator.ListCachedFeedIDs())
	assert.Equal(t, 0, f.orchestrator.CacheStats().Size)
}
