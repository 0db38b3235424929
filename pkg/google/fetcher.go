package google

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/plannerd/feedsync/pkg/feed"
)

const maxResults = 2500

// Fetcher reads events from the Google Calendar API and converts them into
// canonical events.
type Fetcher struct {
	auth *Auth
}

func NewFetcher(auth *Auth) *Fetcher {
	return &Fetcher{auth: auth}
}

// Fetch lists the feed's calendar within the optional date range. Recurring
// events are returned as templates (singleEvents=false); expansion happens
// downstream with exception handling and DST correction.
func (f *Fetcher) Fetch(ctx context.Context, cf feed.CalendarFeed, rng *feed.DateRange) ([]feed.CalendarEvent, error) {
	if cf.GoogleCalendarID == "" {
		return nil, feed.Errorf(feed.ErrMissingCredentials, cf.ID, "feed has no Google calendar id")
	}

	client, err := f.auth.client(ctx, cf.ID)
	if err != nil {
		return nil, err
	}

	service, err := gcal.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		err := feed.NewError(feed.ErrGoogleAPIError, cf.ID, err)
		log.Error(err)
		return nil, err
	}

	call := service.Events.List(cf.GoogleCalendarID).
		SingleEvents(false).
		MaxResults(maxResults).
		Context(ctx)
	if rng != nil {
		call = call.TimeMin(rng.Start.Format(time.RFC3339)).TimeMax(rng.End.Format(time.RFC3339))
	}

	result, err := call.Do()
	if err != nil {
		return nil, f.mapAPIError(cf.ID, err)
	}

	events := make([]feed.CalendarEvent, 0, len(result.Items))
	for _, item := range result.Items {
		if item.Status == "cancelled" {
			continue
		}
		ev, err := convertItem(cf, item)
		if err != nil {
			log.Warnf("skipping unconvertible Google event %s in feed %s: %v", item.Id, cf.ID, err)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func (f *Fetcher) mapAPIError(feedId string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusUnauthorized {
		return feed.NewError(feed.ErrTokenExpired, feedId, err)
	}
	wrapped := feed.NewError(feed.ErrGoogleAPIError, feedId, err)
	log.Error(wrapped)
	return wrapped
}

// convertItem maps a Google event onto the canonical shape. Google's all-day
// end.date is exclusive; the canonical end is inclusive, so the end becomes
// midnight of that date minus one millisecond.
func convertItem(cf feed.CalendarFeed, item *gcal.Event) (feed.CalendarEvent, error) {
	var out feed.CalendarEvent

	start, allDay, tz, err := convertEventTime(item.Start)
	if err != nil {
		return out, err
	}
	end, _, _, err := convertEventTime(item.End)
	if err != nil {
		return out, err
	}
	if allDay {
		end = end.Add(-time.Millisecond)
	}
	if !feed.ValidateDateRange(start, end) {
		return out, feed.Errorf(feed.ErrParseFailed, cf.ID, "invalid time range for %s", item.Id)
	}

	out = feed.CalendarEvent{
		ID:          feed.EventID(cf.ID, item.Id),
		Title:       item.Summary,
		Description: feed.SanitizeDescription(item.Description),
		StartTime:   start,
		EndTime:     end,
		Timezone:    tz,
		IsAllDay:    allDay,
		Color:       cf.Color,
		Location:    item.Location,
		FeedID:      cf.ID,
		FeedName:    cf.Name,
		ExternalID:  item.Id,
		Sequence:    int(item.Sequence),
		Source:      feed.TypeGoogle,
	}

	for _, attendee := range item.Attendees {
		if attendee.DisplayName != "" {
			out.Attendees = append(out.Attendees, attendee.DisplayName)
		} else {
			out.Attendees = append(out.Attendees, attendee.Email)
		}
	}

	if item.Updated != "" {
		if t, err := time.Parse(time.RFC3339, item.Updated); err == nil {
			out.LastModified = t
		}
	}

	applyRecurrence(&out, item.Recurrence)
	return out, nil
}

// convertEventTime resolves a Google EventDateTime into an instant, reporting
// whether it was a date-only (all-day) value and any explicit timezone.
func convertEventTime(edt *gcal.EventDateTime) (time.Time, bool, string, error) {
	if edt == nil {
		return time.Time{}, false, "", errors.New("missing event time")
	}
	if edt.DateTime != "" {
		t, err := time.Parse(time.RFC3339, edt.DateTime)
		return t, false, edt.TimeZone, err
	}
	if edt.Date != "" {
		loc := time.Local
		if edt.TimeZone != "" {
			if l, err := time.LoadLocation(edt.TimeZone); err == nil {
				loc = l
			}
		}
		t, err := time.ParseInLocation("2006-01-02", edt.Date, loc)
		return t, true, edt.TimeZone, err
	}
	return time.Time{}, false, "", errors.New("event time has neither date nor dateTime")
}

// applyRecurrence extracts RRULE and EXDATE lines from the Google recurrence
// property set.
func applyRecurrence(ev *feed.CalendarEvent, recurrence []string) {
	for _, line := range recurrence {
		switch {
		case strings.HasPrefix(line, "RRULE:"):
			ev.RecurrenceRule = strings.TrimPrefix(line, "RRULE:")
			ev.IsRecurring = true
		case strings.HasPrefix(line, "EXDATE"):
			value := line
			if idx := strings.Index(line, ":"); idx >= 0 {
				value = line[idx+1:]
			}
			for _, part := range strings.Split(value, ",") {
				if t, err := parseRecurrenceTime(strings.TrimSpace(part), ev.StartTime.Location()); err == nil {
					ev.ExceptionDates = append(ev.ExceptionDates, t)
				}
			}
		}
	}
}

func parseRecurrenceTime(v string, loc *time.Location) (time.Time, error) {
	if strings.HasSuffix(v, "Z") {
		return time.Parse("20060102T150405Z", v)
	}
	if strings.Contains(v, "T") {
		return time.ParseInLocation("20060102T150405", v, loc)
	}
	return time.ParseInLocation("20060102", v, loc)
}
