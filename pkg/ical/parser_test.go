package ical

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plannerd/feedsync/pkg/feed"
)

var testFeed = feed.CalendarFeed{
	ID:    "work",
	Name:  "Work Calendar",
	Type:  feed.TypeICal,
	URL:   "https://calendar.example.com/work.ics",
	Color: "#336699",
}

const sampleICS = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//Example//EN\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:standup@example.com\r\n" +
	"SEQUENCE:3\r\n" +
	"SUMMARY:Daily standup\r\n" +
	"DESCRIPTION:Agenda <script>alert(1)</script><strong>here</strong>\r\n" +
	"LOCATION:Room 4\r\n" +
	"ATTENDEE;CN=Alex Kim:mailto:alex@example.com\r\n" +
	"ATTENDEE:mailto:sam@example.com\r\n" +
	"DTSTART:20240108T090000Z\r\n" +
	"DTEND:20240108T091500Z\r\n" +
	"RRULE:FREQ=DAILY;COUNT=10\r\n" +
	"EXDATE:20240110T090000Z\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:offsite@example.com\r\n" +
	"SUMMARY:Team offsite\r\n" +
	"DTSTART;VALUE=DATE:20240115\r\n" +
	"DTEND;VALUE=DATE:20240116\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:broken@example.com\r\n" +
	"SUMMARY:No start time\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

func TestParseEvents(t *testing.T) {
	events, err := ParseEvents(testFeed, []byte(sampleICS))
	require.NoError(t, err)

	t.Run("malformed VEVENT is skipped, not fatal", func(t *testing.T) {
		assert.Len(t, events, 2)
	})

	t.Run("recurring timed event", func(t *testing.T) {
		ev := events[0]
		assert.Equal(t, "work:standup@example.com", ev.ID)
		assert.Equal(t, "standup@example.com", ev.ExternalID)
		assert.Equal(t, "Daily standup", ev.Title)
		assert.Equal(t, "Room 4", ev.Location)
		assert.Equal(t, 3, ev.Sequence)
		assert.Equal(t, feed.TypeICal, ev.Source)
		assert.Equal(t, "#336699", ev.Color)
		assert.Equal(t, "Work Calendar", ev.FeedName)
		assert.False(t, ev.IsAllDay)
		assert.True(t, ev.IsRecurring)
		assert.Equal(t, "FREQ=DAILY;COUNT=10", ev.RecurrenceRule)
		assert.Equal(t, time.Date(2024, time.January, 8, 9, 0, 0, 0, time.UTC), ev.StartTime.UTC())
		assert.Equal(t, 15*time.Minute, ev.Duration())

		require.Len(t, ev.ExceptionDates, 1)
		assert.Equal(t, time.Date(2024, time.January, 10, 9, 0, 0, 0, time.UTC), ev.ExceptionDates[0].UTC())

		assert.Equal(t, []string{"Alex Kim", "sam@example.com"}, ev.Attendees)
	})

	t.Run("description is sanitized", func(t *testing.T) {
		assert.NotContains(t, events[0].Description, "<script")
		assert.Contains(t, events[0].Description, "<strong>here</strong>")
	})

	t.Run("all-day event", func(t *testing.T) {
		ev := events[1]
		assert.True(t, ev.IsAllDay)
		assert.False(t, ev.IsRecurring)
		assert.Equal(t, "Team offsite", ev.Title)
	})
}

func TestParseEventsRecurrenceOverride(t *testing.T) {
	body := "BEGIN:VCALENDAR\r\n" +
		"VERSION:2.0\r\n" +
		"BEGIN:VEVENT\r\n" +
		"UID:weekly@example.com\r\n" +
		"SUMMARY:Weekly review\r\n" +
		"DTSTART:20240101T100000Z\r\n" +
		"DTEND:20240101T110000Z\r\n" +
		"RRULE:FREQ=WEEKLY;COUNT=4\r\n" +
		"END:VEVENT\r\n" +
		"BEGIN:VEVENT\r\n" +
		"UID:weekly@example.com\r\n" +
		"RECURRENCE-ID:20240108T100000Z\r\n" +
		"SUMMARY:Weekly review (moved)\r\n" +
		"DTSTART:20240108T140000Z\r\n" +
		"DTEND:20240108T150000Z\r\n" +
		"END:VEVENT\r\n" +
		"END:VCALENDAR\r\n"

	events, err := ParseEvents(testFeed, []byte(body))
	require.NoError(t, err)
	require.Len(t, events, 2)

	template := events[0]
	override := events[1]

	t.Run("overridden occurrence becomes an exception on the template", func(t *testing.T) {
		require.Len(t, template.ExceptionDates, 1)
		assert.Equal(t, time.Date(2024, time.January, 8, 10, 0, 0, 0, time.UTC), template.ExceptionDates[0].UTC())
	})

	t.Run("override is emitted as a concrete instance", func(t *testing.T) {
		assert.Equal(t, "Weekly review (moved)", override.Title)
		assert.Equal(t, "work:weekly@example.com", override.OriginalEvent)
		assert.Equal(t, "work:weekly@example.com:2024-01-08T10:00:00Z", override.ID)
		assert.False(t, override.IsRecurring)
	})
}

func TestParseEventsRejectsGarbage(t *testing.T) {
	_, err := ParseEvents(testFeed, []byte("k\x00rnfl\x07kes"))
	assert.Equal(t, feed.ErrParseFailed, feed.CodeOf(err))
}
