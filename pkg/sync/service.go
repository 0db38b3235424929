package sync

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/plannerd/feedsync/internal/event_bus"
	"github.com/plannerd/feedsync/internal/metrics"
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

// Fetcher retrieves raw events from one provider type.
type Fetcher interface {
	Fetch(ctx context.Context, cf feed.CalendarFeed, rng *feed.DateRange) ([]feed.CalendarEvent, error)
}

// Service is the synchronization engine surface consumed by the rest of the
// application.
type Service interface {
	FetchFeedEvents(ctx context.Context, cf feed.CalendarFeed, rng *feed.DateRange) ([]feed.CalendarEvent, error)
	ExpandRecurringEvents(ctx context.Context, events []feed.CalendarEvent, reference time.Time) []feed.CalendarEvent
	ResolveEventDuplicates(events []feed.CalendarEvent) []feed.CalendarEvent
	ClearCache(feedID string)
	CacheStats() feedcache.Stats
	ListCachedFeedIDs() []string
	Feeds() []feed.CalendarFeed
	FeedByID(feedID string) (feed.CalendarFeed, bool)
}

// Options carries the orchestrator tunables.
type Options struct {
	WindowWeeks     int
	MaxInstances    int
	RefreshInterval time.Duration
}

// Orchestrator drives the fetch pipeline: cache lookup, rate limiting, the
// provider fetch, timezone normalization, recurrence expansion, and the
// offline fallback with retries.
type Orchestrator struct {
	fetchers map[feed.FeedType]Fetcher
	feeds    []feed.CalendarFeed
	cache    *feedcache.Cache
	limiter  *ratelimit.Limiter
	retries  *retry.Policy
	engine   *recurrence.Engine
	offline  offline.Store
	tz       timezone.Service
	resolver dedup.Resolver
	bus      *event_bus.EventBus
	clock    utils.Clock
	opts     Options

	stop chan struct{}
	done chan struct{}
}

func NewOrchestrator(
	fetchers map[feed.FeedType]Fetcher,
	feeds []feed.CalendarFeed,
	cache *feedcache.Cache,
	limiter *ratelimit.Limiter,
	retries *retry.Policy,
	engine *recurrence.Engine,
	offlineStore offline.Store,
	tz timezone.Service,
	resolver dedup.Resolver,
	bus *event_bus.EventBus,
	clock utils.Clock,
	opts Options,
) *Orchestrator {
	if clock == nil {
		clock = utils.SystemClock{}
	}
	if opts.WindowWeeks <= 0 {
		opts.WindowWeeks = recurrence.DefaultWindowWeeks
	}
	if opts.MaxInstances <= 0 {
		opts.MaxInstances = recurrence.DefaultMaxInstances
	}
	return &Orchestrator{
		fetchers: fetchers,
		feeds:    feeds,
		cache:    cache,
		limiter:  limiter,
		retries:  retries,
		engine:   engine,
		offline:  offlineStore,
		tz:       tz,
		resolver: resolver,
		bus:      bus,
		clock:    clock,
		opts:     opts,
	}
}

// FetchFeedEvents returns the events of one feed for the requested window.
// A fresh cached window that contains the request is served without touching
// the network. On a transient fetch failure the offline snapshot is consulted
// first; without one the fetch is retried with backoff until the policy gives
// up, at which point the original error is returned.
func (s *Orchestrator) FetchFeedEvents(ctx context.Context, cf feed.CalendarFeed, rng *feed.DateRange) ([]feed.CalendarEvent, error) {
	if rng != nil && !feed.ValidateDateRange(rng.Start, rng.End) {
		return nil, feed.Errorf(feed.ErrInvalidDateRange, cf.ID, "invalid date range: start %s is after end %s", rng.Start, rng.End)
	}

	if events, ok := s.cache.Get(cf.ID, rng); ok {
		metrics.CacheHit(cf.ID)
		return events, nil
	}
	metrics.CacheMiss(cf.ID)

	fetcher, ok := s.fetchers[cf.Type]
	if !ok {
		return nil, feed.Errorf(feed.ErrUnsupportedType, cf.ID, "unsupported feed type %q", cf.Type)
	}

	if s.limiter.IsLimited(cf.ID) {
		metrics.RateLimited(cf.ID)
		return nil, feed.Errorf(feed.ErrRateLimitExceeded, cf.ID, "feed %s exhausted its request budget", cf.ID)
	}

	events, err := s.fetchOnce(ctx, fetcher, cf, rng)
	for err != nil {
		if !isTransient(err) {
			break
		}

		if stale, staleErr := s.offline.HandleNetworkFailure(ctx, cf.ID, err); staleErr == nil {
			metrics.StaleServed(cf.ID)
			s.publish(ctx, event_bus.FeedServedStale, event_bus.FeedSynced{
				FeedId:     cf.ID,
				FeedName:   cf.Name,
				EventCount: len(stale),
				FetchedAt:  s.clock.Now(),
			})
			return stale, nil
		}

		delay, retryable := s.retries.NextDelay(cf.ID)
		if !retryable {
			log.Warnf("giving up on feed %s after exhausting retries: %v", cf.ID, err)
			break
		}
		log.Infof("retrying feed %s in %s after: %v", cf.ID, delay, err)
		select {
		case <-ctx.Done():
			return nil, feed.NewError(feed.ErrFetchFailed, cf.ID, ctx.Err())
		case <-time.After(delay):
		}

		if s.limiter.IsLimited(cf.ID) {
			metrics.RateLimited(cf.ID)
			break
		}
		events, err = s.fetchOnce(ctx, fetcher, cf, rng)
	}
	if err != nil {
		s.publish(ctx, event_bus.FeedSyncFailed, event_bus.FeedSyncFailure{
			FeedId: cf.ID,
			Code:   string(feed.CodeOf(err)),
			Reason: err.Error(),
		})
		return nil, err
	}

	return s.finishFetch(ctx, cf, rng, events), nil
}

func (s *Orchestrator) fetchOnce(ctx context.Context, fetcher Fetcher, cf feed.CalendarFeed, rng *feed.DateRange) ([]feed.CalendarEvent, error) {
	s.limiter.Record(cf.ID)
	start := s.clock.Now()
	events, err := fetcher.Fetch(ctx, cf, rng)
	metrics.ObserveFetch(string(cf.Type), s.clock.Now().Sub(start).Seconds())
	if err != nil {
		metrics.FetchFailed(string(cf.Type))
		return nil, err
	}
	metrics.FetchSucceeded(string(cf.Type))
	return events, nil
}

// finishFetch runs the post-fetch half of the pipeline: timezone
// normalization, recurrence expansion, then cache and snapshot writes.
func (s *Orchestrator) finishFetch(ctx context.Context, cf feed.CalendarFeed, rng *feed.DateRange, events []feed.CalendarEvent) []feed.CalendarEvent {
	zone := s.tz.UserTimezone(ctx)
	normalized := make([]feed.CalendarEvent, 0, len(events))
	for _, e := range events {
		normalized = append(normalized, s.tz.ConvertToLocalTimeSafe(e, zone))
	}

	expanded := s.expand(normalized, s.clock.Now(), zone)

	s.cache.Put(cf.ID, rng, expanded)
	if err := s.offline.CacheEvents(ctx, cf.ID, cf.Name, expanded); err != nil {
		log.Warnf("could not store offline snapshot for feed %s: %v", cf.ID, err)
	}
	s.retries.Clear(cf.ID)

	s.publish(ctx, event_bus.FeedSyncSucceeded, event_bus.FeedSynced{
		FeedId:     cf.ID,
		FeedName:   cf.Name,
		EventCount: len(expanded),
		FetchedAt:  s.clock.Now(),
	})
	return expanded
}

// expand replaces recurring templates with their concrete instances around
// the reference date; non-recurring events pass through untouched.
func (s *Orchestrator) expand(events []feed.CalendarEvent, reference time.Time, zone string) []feed.CalendarEvent {
	concrete := make([]feed.CalendarEvent, 0, len(events))
	var recurring []feed.CalendarEvent
	for _, e := range events {
		if e.IsRecurring && e.RecurrenceRule != "" {
			recurring = append(recurring, e)
		} else {
			concrete = append(concrete, e)
		}
	}
	if len(recurring) == 0 {
		return concrete
	}

	opts := recurrence.DefaultOptions(zone)
	opts.WindowWeeks = s.opts.WindowWeeks
	opts.MaxInstances = s.opts.MaxInstances
	instances, truncated := s.engine.ExpandMultiple(recurring, reference, opts)
	if truncated {
		metrics.ExpansionTruncated()
	}
	return append(concrete, instances...)
}

// ExpandRecurringEvents expands recurring templates in the given list around
// referenceDate, in the viewer's zone taken from the context.
func (s *Orchestrator) ExpandRecurringEvents(ctx context.Context, events []feed.CalendarEvent, reference time.Time) []feed.CalendarEvent {
	return s.expand(events, reference, s.tz.UserTimezone(ctx))
}

// ResolveEventDuplicates collapses events that appear in more than one feed
// and applies the winning feed's color. Resolution is fail-open: on any
// resolver error the input is returned unchanged.
func (s *Orchestrator) ResolveEventDuplicates(events []feed.CalendarEvent) []feed.CalendarEvent {
	res, err := s.resolver.ResolveEvents(events)
	if err != nil {
		log.Warnf("duplicate resolution failed, returning events unresolved: %v", err)
		return events
	}
	if res.ResolvedCount > 0 {
		log.Debugf("duplicate resolution collapsed %d events", res.ResolvedCount)
	}

	out := make([]feed.CalendarEvent, 0, len(res.CanonicalEvents))
	seen := make(map[string]bool, len(res.CanonicalEvents))
	for _, e := range events {
		canonical, ok := res.CanonicalEvents[e.ID]
		if !ok || seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		if color, ok := res.ColorAssignments[e.ID]; ok {
			canonical = canonical.Clone()
			canonical.Color = color
		}
		out = append(out, canonical)
	}
	return out
}

// ClearCache drops cached events for one feed, or everything when feedID is
// empty. Recurrence expansions are keyed by rule, so per-feed clears leave
// them in place; they are recomputed only when a rule actually changes.
func (s *Orchestrator) ClearCache(feedID string) {
	if feedID == "" {
		s.cache.ClearAll()
		s.engine.ClearAll()
		return
	}
	s.cache.ClearFeed(feedID)
}

func (s *Orchestrator) CacheStats() feedcache.Stats {
	return s.cache.Stats()
}

func (s *Orchestrator) ListCachedFeedIDs() []string {
	return s.cache.ListFeedIDs()
}

// Feeds returns the configured feeds.
func (s *Orchestrator) Feeds() []feed.CalendarFeed {
	out := make([]feed.CalendarFeed, len(s.feeds))
	copy(out, s.feeds)
	return out
}

// FeedByID looks up one configured feed.
func (s *Orchestrator) FeedByID(feedID string) (feed.CalendarFeed, bool) {
	for _, f := range s.feeds {
		if f.ID == feedID {
			return f, true
		}
	}
	return feed.CalendarFeed{}, false
}

// Start launches the background refresh loop. Every RefreshInterval each
// configured feed is re-fetched so the cache stays warm.
func (s *Orchestrator) Start() {
	if s.opts.RefreshInterval <= 0 {
		log.Info("background refresh disabled")
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.refreshLoop()
}

// Stop terminates the background refresh loop and waits for it to finish.
func (s *Orchestrator) Stop() {
	if s.stop == nil {
		return
	}
	close(s.stop)
	<-s.done
	s.stop = nil
}

// Refresh forces a re-fetch of one feed, bypassing the cache.
func (s *Orchestrator) Refresh(ctx context.Context, feedID string) ([]feed.CalendarEvent, error) {
	cf, ok := s.FeedByID(feedID)
	if !ok {
		return nil, feed.Errorf(feed.ErrFetchFailed, feedID, "unknown feed %q", feedID)
	}
	s.cache.ClearFeed(feedID)
	return s.FetchFeedEvents(ctx, cf, nil)
}

func (s *Orchestrator) refreshLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.opts.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.refreshAll()
		}
	}
}

// refreshAll re-fetches feeds whose cache went stale, plus feeds that were
// never fetched at all. Feeds with a fresh cache are left alone.
func (s *Orchestrator) refreshAll() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	stale := map[string]bool{}
	for _, id := range s.cache.StaleFeedIDs() {
		stale[id] = true
	}
	cached := map[string]bool{}
	for _, id := range s.cache.ListFeedIDs() {
		cached[id] = true
	}

	for _, cf := range s.feeds {
		if cached[cf.ID] && !stale[cf.ID] {
			continue
		}
		if _, err := s.FetchFeedEvents(ctx, cf, nil); err != nil {
			log.Warnf("background refresh of feed %s failed: %v", cf.ID, err)
		}
	}
	s.engine.PruneCache(s.clock.Now(), s.opts.WindowWeeks)
}

func (s *Orchestrator) publish(ctx context.Context, eventType event_bus.EventType, data any) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(event_bus.NewEvent(ctx, eventType, data)); err != nil {
		log.Warnf("event publication failed for %s: %v", eventType, err)
	}
}

// isTransient reports whether a fetch error is worth an offline fallback or a
// retry. Deterministic failures, bad URLs or rules for example, are not.
func isTransient(err error) bool {
	switch feed.CodeOf(err) {
	case feed.ErrFetchFailed, feed.ErrHTTPError, feed.ErrGoogleAPIError:
		return true
	default:
		return false
	}
}
