package timezone

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/plannerd/feedsync/pkg/feed"
)

type contextKey string

// ViewerZoneKey carries the viewer's IANA zone name on the request context;
// the HTTP middleware sets it from the X-Timezone header.
const ViewerZoneKey contextKey = "viewerTimezone"

// WithViewerZone returns a context carrying the viewer's zone name.
func WithViewerZone(ctx context.Context, zone string) context.Context {
	return context.WithValue(ctx, ViewerZoneKey, zone)
}

// Service normalizes event times into the viewer's local zone.
type Service interface {
	UserTimezone(ctx context.Context) string
	ConvertToLocalTimeSafe(event feed.CalendarEvent, zone string) feed.CalendarEvent
	HandleFloatingTime(t time.Time, zone string) time.Time
	ValidateAllDayEvent(event feed.CalendarEvent, zone string) bool
	LocalDayBounds(t time.Time, zone string) (time.Time, time.Time)
}

type ServiceImpl struct {
	defaultZone string
}

func NewService(defaultZone string) *ServiceImpl {
	if defaultZone == "" {
		defaultZone = "UTC"
	}
	return &ServiceImpl{defaultZone: defaultZone}
}

// UserTimezone returns the viewer's zone from the request context, falling
// back to the configured default.
func (s *ServiceImpl) UserTimezone(ctx context.Context) string {
	if zone, ok := ctx.Value(ViewerZoneKey).(string); ok && zone != "" {
		if _, err := time.LoadLocation(zone); err == nil {
			return zone
		}
		log.Warnf("ignoring unknown viewer timezone %q", zone)
	}
	return s.defaultZone
}

// ConvertToLocalTimeSafe returns a copy of the event with start and end in
// the viewer's zone. Events carrying an explicit zone are instant-preserving
// conversions; events without one are floating times reinterpreted in the
// viewer's zone. All-day events that end up crossing a local day boundary
// are snapped to that day's bounds. Conversion never fails; on any zone
// problem the event is returned unchanged.
func (s *ServiceImpl) ConvertToLocalTimeSafe(event feed.CalendarEvent, zone string) feed.CalendarEvent {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		log.Warnf("could not load location for timezone %s, leaving event %s unconverted: %v", zone, event.ID, err)
		return event
	}

	out := event.Clone()
	if event.Timezone != "" {
		out.StartTime = event.StartTime.In(loc)
		out.EndTime = event.EndTime.In(loc)
	} else {
		out.StartTime = s.HandleFloatingTime(event.StartTime, zone)
		out.EndTime = s.HandleFloatingTime(event.EndTime, zone)
	}

	if out.IsAllDay && !s.ValidateAllDayEvent(out, zone) {
		dayStart, dayEnd := s.LocalDayBounds(out.StartTime, zone)
		log.Debugf("all-day event %s crossed a local day boundary, snapping to [%s, %s)", event.ID, dayStart, dayEnd)
		out.StartTime = dayStart
		out.EndTime = dayEnd.Add(-time.Millisecond)
	}
	return out
}

// HandleFloatingTime reinterprets a zone-less wall-clock time directly in the
// viewer's zone.
func (s *ServiceImpl) HandleFloatingTime(t time.Time, zone string) time.Time {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return t
	}
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc)
}

// ValidateAllDayEvent reports whether the event stays within one local
// calendar day.
func (s *ServiceImpl) ValidateAllDayEvent(event feed.CalendarEvent, zone string) bool {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return true
	}
	start := event.StartTime.In(loc)
	end := event.EndTime.In(loc)
	return start.Year() == end.Year() && start.YearDay() == end.YearDay()
}

// LocalDayBounds returns [00:00, next 00:00) of t's calendar day in the
// viewer's zone.
func (s *ServiceImpl) LocalDayBounds(t time.Time, zone string) (time.Time, time.Time) {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		loc = time.Local
	}
	day := t.In(loc)
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}
