package sync

import (
	"context"

	"github.com/plannerd/feedsync/pkg/feed"
)

type StubFetcher struct {
	Events []feed.CalendarEvent
	Errs   []error
	Calls  int
}

// Fetch returns the queued error for the current call when one is set,
// otherwise the configured events.
func (s *StubFetcher) Fetch(ctx context.Context, cf feed.CalendarFeed, rng *feed.DateRange) ([]feed.CalendarEvent, error) {
	call := s.Calls
	s.Calls++
	if call < len(s.Errs) && s.Errs[call] != nil {
		return nil, s.Errs[call]
	}
	out := make([]feed.CalendarEvent, len(s.Events))
	copy(out, s.Events)
	return out, nil
}

func (s *StubFetcher) Cleanup() {
	s.Calls = 0
	s.Errs = nil
}
