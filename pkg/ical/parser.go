package ical

import (
	"bytes"
	"strconv"
	"strings"
	"time"

	ics "github.com/arran4/golang-ical"
	log "github.com/sirupsen/logrus"

	"github.com/plannerd/feedsync/pkg/feed"
)

// parsedEvent is the intermediate result of a single VEVENT walk, before
// recurrence overrides are folded in.
type parsedEvent struct {
	event        feed.CalendarEvent
	recurrenceID *time.Time
}

// ParseEvents turns a validated ICS payload into canonical events.
//
// Malformed individual VEVENTs are skipped with a warning instead of failing
// the whole feed. A VEVENT carrying a RECURRENCE-ID is an override of one
// occurrence of its recurring template: it is emitted as a concrete event and
// the overridden occurrence is added to the template's exception dates so the
// expansion never produces both.
func ParseEvents(f feed.CalendarFeed, body []byte) ([]feed.CalendarEvent, error) {
	cal, err := ics.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, feed.NewError(feed.ErrParseFailed, f.ID, err)
	}

	templatesByUID := map[string]int{}
	events := make([]feed.CalendarEvent, 0, len(cal.Events()))
	var overrides []parsedEvent

	for _, component := range cal.Events() {
		parsed, err := parseVEvent(f, component)
		if err != nil {
			log.Warnf("skipping malformed VEVENT in feed %s: %v", f.ID, err)
			continue
		}
		if parsed.recurrenceID != nil {
			overrides = append(overrides, parsed)
			continue
		}
		if parsed.event.IsRecurring {
			templatesByUID[parsed.event.ExternalID] = len(events)
		}
		events = append(events, parsed.event)
	}

	for _, o := range overrides {
		if idx, ok := templatesByUID[o.event.ExternalID]; ok {
			events[idx].ExceptionDates = append(events[idx].ExceptionDates, *o.recurrenceID)
		}
		// The override itself is a plain concrete event.
		o.event.ID = feed.InstanceID(feed.EventID(f.ID, o.event.ExternalID), *o.recurrenceID)
		o.event.OriginalEvent = feed.EventID(f.ID, o.event.ExternalID)
		events = append(events, o.event)
	}

	log.Debugf("parsed %d events from feed %s", len(events), f.ID)
	return events, nil
}

func parseVEvent(f feed.CalendarFeed, ve *ics.VEvent) (parsedEvent, error) {
	var out parsedEvent

	uidProp := ve.GetProperty(ics.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		return out, feed.Errorf(feed.ErrParseFailed, f.ID, "missing UID")
	}
	uid := uidProp.Value

	start, err := ve.GetStartAt()
	if err != nil {
		return out, feed.Errorf(feed.ErrParseFailed, f.ID, "unreadable DTSTART for %s: %v", uid, err)
	}
	end, endErr := ve.GetEndAt()

	allDay, tzid := startMeta(ve)
	if endErr != nil || end.IsZero() {
		// DTEND is optional; all-day events default to one day, timed events
		// to a zero-length instant.
		if allDay {
			end = start.Add(24 * time.Hour)
		} else {
			end = start
		}
	}
	if !feed.ValidateDateRange(start, end) {
		return out, feed.Errorf(feed.ErrParseFailed, f.ID, "invalid time range for %s", uid)
	}

	event := feed.CalendarEvent{
		ID:         feed.EventID(f.ID, uid),
		StartTime:  start,
		EndTime:    end,
		Timezone:   tzid,
		IsAllDay:   allDay,
		Color:      f.Color,
		FeedID:     f.ID,
		FeedName:   f.Name,
		ExternalID: uid,
		Source:     feed.TypeICal,
	}

	if p := ve.GetProperty(ics.ComponentPropertySummary); p != nil {
		event.Title = p.Value
	}
	if p := ve.GetProperty(ics.ComponentPropertyDescription); p != nil {
		event.Description = feed.SanitizeDescription(p.Value)
	}
	if p := ve.GetProperty(ics.ComponentPropertyLocation); p != nil {
		event.Location = p.Value
	}
	if p := ve.GetProperty(ics.ComponentPropertySequence); p != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(p.Value)); err == nil {
			event.Sequence = n
		}
	}
	if p := ve.GetProperty(ics.ComponentPropertyLastModified); p != nil {
		if t, err := parseICSTime(p.Value, time.UTC); err == nil {
			event.LastModified = t
		}
	}
	for _, p := range ve.GetProperties(ics.ComponentPropertyAttendee) {
		event.Attendees = append(event.Attendees, attendeeDisplay(p))
	}

	if p := ve.GetProperty(ics.ComponentPropertyRrule); p != nil && p.Value != "" {
		event.RecurrenceRule = p.Value
		event.IsRecurring = true
	}

	loc := start.Location()
	for _, p := range ve.GetProperties(ics.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if t, err := parseICSTime(part, loc); err == nil {
				event.ExceptionDates = append(event.ExceptionDates, t)
			} else {
				log.Warnf("feed %s: unparseable EXDATE %q for %s", f.ID, part, uid)
			}
		}
	}

	if p := ve.GetProperty("RECURRENCE-ID"); p != nil {
		if t, err := parseICSTime(p.Value, loc); err == nil {
			out.recurrenceID = &t
		}
	}

	out.event = event
	return out, nil
}

// startMeta inspects DTSTART for the all-day form (VALUE=DATE or a date-only
// value) and an explicit TZID.
func startMeta(ve *ics.VEvent) (allDay bool, tzid string) {
	p := ve.GetProperty(ics.ComponentPropertyDtStart)
	if p == nil {
		return false, ""
	}
	if params := p.ICalParameters; params != nil {
		if vs, ok := params["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
			allDay = true
		}
		if tzs, ok := params["TZID"]; ok && len(tzs) > 0 {
			tzid = tzs[0]
		}
	}
	if !strings.Contains(p.Value, "T") {
		allDay = true
	}
	return allDay, tzid
}

func attendeeDisplay(p *ics.IANAProperty) string {
	if params := p.ICalParameters; params != nil {
		if cns, ok := params["CN"]; ok && len(cns) > 0 && cns[0] != "" {
			return cns[0]
		}
	}
	return strings.TrimPrefix(p.Value, "mailto:")
}

// parseICSTime parses the basic ICS date / date-time forms used by EXDATE,
// RECURRENCE-ID and LAST-MODIFIED.
func parseICSTime(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	if strings.HasSuffix(v, "Z") {
		return time.Parse("20060102T150405Z", v)
	}
	if strings.Contains(v, "T") {
		return time.ParseInLocation("20060102T150405", v, loc)
	}
	return time.ParseInLocation("20060102", v, loc)
}
