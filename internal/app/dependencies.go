package app

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/plannerd/feedsync/internal/config"
	"github.com/plannerd/feedsync/internal/event_bus"
	"github.com/plannerd/feedsync/internal/utils"
	"github.com/plannerd/feedsync/pkg/dedup"
	"github.com/plannerd/feedsync/pkg/feed"
	"github.com/plannerd/feedsync/pkg/feedcache"
	"github.com/plannerd/feedsync/pkg/google"
	"github.com/plannerd/feedsync/pkg/ical"
	"github.com/plannerd/feedsync/pkg/offline"
	"github.com/plannerd/feedsync/pkg/ratelimit"
	"github.com/plannerd/feedsync/pkg/recurrence"
	"github.com/plannerd/feedsync/pkg/retry"
	"github.com/plannerd/feedsync/pkg/sync"
	"github.com/plannerd/feedsync/pkg/timezone"
)

// Dependencies holds all services and handlers for the application.
type Dependencies struct {
	Bus *event_bus.EventBus

	GoogleAuth    *google.Auth
	GoogleFetcher *google.Fetcher
	ICalFetcher   *ical.Fetcher

	FeedCache   *feedcache.Cache
	RateLimiter *ratelimit.Limiter
	RetryPolicy *retry.Policy
	Engine      *recurrence.Engine
	Offline     offline.Store
	Timezone    timezone.Service
	Resolver    dedup.Resolver

	Orchestrator *sync.Orchestrator
	SyncHandler  *sync.Handler

	Clock utils.Clock
}

// BuildDependencies initializes and wires all application services and handlers.
func BuildDependencies(db *pgxpool.Pool, cfg config.Application) *Dependencies {
	deps := &Dependencies{}

	deps.Clock = utils.SystemClock{}
	deps.Bus = event_bus.NewEventBus()

	deps.GoogleAuth = google.NewAuth(db, cfg)
	deps.GoogleFetcher = google.NewFetcher(deps.GoogleAuth)
	deps.ICalFetcher = ical.NewFetcher()

	deps.FeedCache = feedcache.New(cfg.Sync.CacheTTL, cfg.Sync.CacheMaxEntries, deps.Clock)
	deps.RateLimiter = ratelimit.NewLimiter(cfg.Sync.RateLimit, cfg.Sync.RateWindow, deps.Clock)
	deps.RetryPolicy = retry.NewPolicy(cfg.Sync.MaxRetries, cfg.Sync.BaseDelay, cfg.Sync.MaxDelay, deps.Clock)
	deps.Engine = recurrence.NewEngine(deps.Clock)
	deps.Offline = offline.NewStore(db)
	deps.Timezone = timezone.NewService(cfg.Timezone)

	feeds := configuredFeeds(cfg)
	deps.Resolver = dedup.NewResolver(feeds)

	deps.Orchestrator = sync.NewOrchestrator(
		map[feed.FeedType]sync.Fetcher{
			feed.TypeICal:   deps.ICalFetcher,
			feed.TypeGoogle: deps.GoogleFetcher,
		},
		feeds,
		deps.FeedCache,
		deps.RateLimiter,
		deps.RetryPolicy,
		deps.Engine,
		deps.Offline,
		deps.Timezone,
		deps.Resolver,
		deps.Bus,
		deps.Clock,
		sync.Options{
			WindowWeeks:     cfg.Sync.WindowWeeks,
			MaxInstances:    cfg.Sync.MaxInstances,
			RefreshInterval: cfg.Sync.RefreshInterval,
		},
	)
	deps.SyncHandler = sync.NewHandler(deps.Orchestrator)

	return deps
}

func configuredFeeds(cfg config.Application) []feed.CalendarFeed {
	out := make([]feed.CalendarFeed, 0, len(cfg.Feeds))
	for _, f := range cfg.Feeds {
		out = append(out, feed.CalendarFeed{
			ID:               f.Id,
			Name:             f.Name,
			Type:             feed.FeedType(f.Type),
			URL:              f.Url,
			GoogleCalendarID: f.CalendarId,
			Color:            f.Color,
		})
	}
	return out
}
