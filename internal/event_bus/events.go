package event_bus

import "time"

const (
	FeedSyncSucceeded EventType = "feed.sync.succeeded"
	FeedSyncFailed    EventType = "feed.sync.failed"
	FeedServedStale   EventType = "feed.sync.stale"
)

type FeedSynced struct {
	FeedId     string
	FeedName   string
	EventCount int
	FetchedAt  time.Time
}

type FeedSyncFailure struct {
	FeedId string
	Code   string
	Reason string
}
