package dedup

import (
	"fmt"
	"sort"

	"github.com/plannerd/feedsync/pkg/feed"
)

// Resolution is the outcome of collapsing duplicates across feeds.
// CanonicalEvents is keyed by event ID; ColorAssignments maps event IDs to
// the color of the feed chosen as the source of truth.
type Resolution struct {
	CanonicalEvents  map[string]feed.CalendarEvent
	ColorAssignments map[string]string
	ResolvedCount    int
}

// Resolver collapses events that appear in more than one feed.
type Resolver interface {
	ResolveEvents(events []feed.CalendarEvent) (Resolution, error)
}

// ResolverImpl groups events by external UID when present, otherwise by
// title plus start and end instants. Within a group the most recently
// modified event wins; ties break on the lexically smallest feed ID so the
// outcome is stable across runs.
type ResolverImpl struct {
	feedColors map[string]string
}

func NewResolver(feeds []feed.CalendarFeed) *ResolverImpl {
	colors := make(map[string]string, len(feeds))
	for _, f := range feeds {
		colors[f.ID] = f.Color
	}
	return &ResolverImpl{feedColors: colors}
}

func (r *ResolverImpl) ResolveEvents(events []feed.CalendarEvent) (Resolution, error) {
	groups := make(map[string][]feed.CalendarEvent)
	order := make([]string, 0, len(events))
	for _, e := range events {
		key := identityKey(e)
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], e)
	}

	res := Resolution{
		CanonicalEvents:  make(map[string]feed.CalendarEvent, len(order)),
		ColorAssignments: make(map[string]string, len(order)),
	}
	for _, key := range order {
		group := groups[key]
		winner := pickCanonical(group)
		res.CanonicalEvents[winner.ID] = winner
		if color, ok := r.feedColors[winner.FeedID]; ok && color != "" {
			res.ColorAssignments[winner.ID] = color
		}
		res.ResolvedCount += len(group) - 1
	}
	return res, nil
}

func identityKey(e feed.CalendarEvent) string {
	if e.ExternalID != "" {
		return "uid|" + e.ExternalID + "|" + e.StartTime.UTC().Format("2006-01-02T15:04:05Z")
	}
	return fmt.Sprintf("sig|%s|%d|%d", e.Title, e.StartTime.UTC().Unix(), e.EndTime.UTC().Unix())
}

func pickCanonical(group []feed.CalendarEvent) feed.CalendarEvent {
	sorted := make([]feed.CalendarEvent, len(group))
	copy(sorted, group)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].LastModified.Equal(sorted[j].LastModified) {
			return sorted[i].LastModified.After(sorted[j].LastModified)
		}
		return sorted[i].FeedID < sorted[j].FeedID
	})
	return sorted[0]
}
