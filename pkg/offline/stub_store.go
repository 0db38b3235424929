package offline

import (
	"context"

	"github.com/plannerd/feedsync/pkg/feed"
)

type StubStore struct {
	Snapshots map[string][]feed.CalendarEvent
	StoreErr  error
}

func NewStubStore() *StubStore {
	return &StubStore{Snapshots: make(map[string][]feed.CalendarEvent)}
}

func (s *StubStore) CachedEvents(ctx context.Context, feedID string) ([]feed.CalendarEvent, error) {
	return s.Snapshots[feedID], nil
}

func (s *StubStore) CacheEvents(ctx context.Context, feedID, feedName string, events []feed.CalendarEvent) error {
	if s.StoreErr != nil {
		return s.StoreErr
	}
	s.Snapshots[feedID] = append([]feed.CalendarEvent(nil), events...)
	return nil
}

func (s *StubStore) HandleNetworkFailure(ctx context.Context, feedID string, cause error) ([]feed.CalendarEvent, error) {
	if events, ok := s.Snapshots[feedID]; ok && events != nil {
		return events, nil
	}
	return nil, cause
}

func (s *StubStore) Cleanup() {
	s.Snapshots = make(map[string][]feed.CalendarEvent)
}
