package feed

import (
	"fmt"
	"time"
)

// FeedType identifies the provider behind a calendar feed.
type FeedType string

const (
	TypeICal   FeedType = "ical"
	TypeGoogle FeedType = "google"
)

// CalendarFeed is the configuration of a single subscribed feed. It is owned
// by the surrounding application and passed in by value.
type CalendarFeed struct {
	ID               string
	Name             string
	Type             FeedType
	URL              string
	GoogleCalendarID string
	Color            string
}

// DateRange is a half-open-agnostic request window; Start and End are both
// inclusive instants.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether other lies fully inside this range.
func (r DateRange) Contains(other DateRange) bool {
	return !r.Start.After(other.Start) && !r.End.Before(other.End)
}

// CalendarEvent is the canonical, provider-agnostic event representation.
// Instances are created fresh on every fetch or expansion and are never
// mutated afterwards; callers that need to change a field work on a Clone.
type CalendarEvent struct {
	ID             string
	Title          string
	Description    string
	StartTime      time.Time
	EndTime        time.Time
	Timezone       string
	IsAllDay       bool
	Color          string
	Location       string
	Attendees      []string
	FeedID         string
	FeedName       string
	ExternalID     string
	Sequence       int
	RecurrenceRule string
	IsRecurring    bool
	ExceptionDates []time.Time
	Source         FeedType
	LastModified   time.Time
	OriginalEvent  string
}

// Clone returns a deep copy of the event.
func (e CalendarEvent) Clone() CalendarEvent {
	out := e
	if e.Attendees != nil {
		out.Attendees = append([]string(nil), e.Attendees...)
	}
	if e.ExceptionDates != nil {
		out.ExceptionDates = append([]time.Time(nil), e.ExceptionDates...)
	}
	return out
}

// Duration returns the span of the event.
func (e CalendarEvent) Duration() time.Duration {
	return e.EndTime.Sub(e.StartTime)
}

// EventID builds the canonical event identifier for a provider-native event.
func EventID(feedID, externalID string) string {
	return fmt.Sprintf("%s:%s", feedID, externalID)
}

// InstanceID builds the identifier of an expanded occurrence of a recurring
// event.
func InstanceID(eventID string, occurrence time.Time) string {
	return fmt.Sprintf("%s:%s", eventID, occurrence.UTC().Format(time.RFC3339))
}
