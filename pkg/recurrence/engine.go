package recurrence

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/teambition/rrule-go"

	"github.com/plannerd/feedsync/internal/utils"
	"github.com/plannerd/feedsync/pkg/feed"
)

const (
	// MaxRawOccurrences is the hard ceiling on raw enumeration; a rule that
	// produces more aborts instead of materializing (sub-minute frequencies
	// over a wide window would otherwise explode).
	MaxRawOccurrences = 5000
	// AggregateInstanceCap bounds the combined output of a batch expansion.
	AggregateInstanceCap = 5000

	DefaultWindowWeeks  = 4
	DefaultMaxInstances = 100
)

// Options controls a single expansion.
type Options struct {
	WindowWeeks       int
	MaxInstances      int
	Timezone          string
	IncludeExceptions bool
}

// DefaultOptions returns the expansion defaults for a viewer in the given
// timezone.
func DefaultOptions(timezone string) Options {
	return Options{
		WindowWeeks:       DefaultWindowWeeks,
		MaxInstances:      DefaultMaxInstances,
		Timezone:          timezone,
		IncludeExceptions: true,
	}
}

func (o Options) withDefaults() Options {
	if o.WindowWeeks <= 0 {
		o.WindowWeeks = DefaultWindowWeeks
	}
	if o.MaxInstances <= 0 {
		o.MaxInstances = DefaultMaxInstances
	}
	return o
}

// Engine expands recurring template events into concrete, time-bounded
// instances with DST correction and exception filtering, caching expansions
// per event and window.
type Engine struct {
	cache *expansionCache
	clock utils.Clock

	mu           sync.Mutex
	enumerations int
}

func NewEngine(clock utils.Clock) *Engine {
	if clock == nil {
		clock = utils.SystemClock{}
	}
	return &Engine{cache: newExpansionCache(), clock: clock}
}

// ExpandEvent expands one recurring template around the reference date.
// Instances are clones of the template with fresh identity and times; the
// template itself is never mutated.
func (e *Engine) ExpandEvent(event feed.CalendarEvent, reference time.Time, opts Options) ([]feed.CalendarEvent, error) {
	opts = opts.withDefaults()
	if !event.IsRecurring || event.RecurrenceRule == "" {
		return nil, feed.Errorf(feed.ErrExpansionFailed, event.FeedID, "event %s has no recurrence rule", event.ID)
	}

	loc := resolveLocation(opts.Timezone, event.Timezone)
	window := expansionWindow(reference.In(loc), opts.WindowWeeks)

	key := cacheKey(event.ID, event.RecurrenceRule, loc.String(), opts)
	if cached, ok := e.cache.get(key, window); ok {
		return cached, nil
	}

	e.mu.Lock()
	e.enumerations++
	e.mu.Unlock()

	rule, err := rrule.StrToRRule(event.RecurrenceRule)
	if err != nil {
		return nil, feed.NewError(feed.ErrInvalidRRule, event.FeedID, err)
	}
	// Enumerate on the template's local calendar: BYDAY and friends are
	// relative to DTSTART's local day, and a UTC-based enumeration puts
	// occurrences near midnight on the wrong local weekday.
	rule.DTStart(event.StartTime.In(loc))

	raw := rule.Between(window.Start, window.End, true)
	if len(raw) > MaxRawOccurrences {
		return nil, feed.Errorf(feed.ErrTooManyInstances, event.FeedID,
			"rule %q yields %d occurrences in window, limit is %d", event.RecurrenceRule, len(raw), MaxRawOccurrences)
	}

	totalCount := len(raw)
	truncated := totalCount > opts.MaxInstances
	if truncated {
		raw = raw[:opts.MaxInstances]
	}

	duration := event.Duration()
	instances := make([]feed.CalendarEvent, 0, len(raw))
	for _, occ := range raw {
		// Occurrences come back on calendar fields in loc, so the template's
		// wall-clock start carries across DST transitions on its own; the
		// absolute instant moves with the zone offset instead.
		instance := event.Clone()
		instance.ID = feed.InstanceID(event.ID, occ)
		instance.StartTime = occ
		instance.EndTime = occ.Add(duration)
		instance.OriginalEvent = event.ID
		instance.IsRecurring = false
		instance.RecurrenceRule = ""
		instance.ExceptionDates = nil
		instances = append(instances, instance)
	}

	if opts.IncludeExceptions {
		instances = filterExceptions(event, instances, loc)
	}

	e.cache.put(key, entry{
		instances:  instances,
		truncated:  truncated,
		totalCount: totalCount,
		window:     window,
	})
	return instances, nil
}

// ExpandMultiple expands every recurring event independently. A failing event
// contributes nothing and never aborts the batch. The combined output is
// capped; truncation is deterministic in input order, so once the budget is
// spent later events contribute zero instances. The returned flag reports
// whether any truncation occurred.
func (e *Engine) ExpandMultiple(events []feed.CalendarEvent, reference time.Time, opts Options) ([]feed.CalendarEvent, bool) {
	budget := AggregateInstanceCap
	truncated := false
	out := make([]feed.CalendarEvent, 0, len(events))

	for _, event := range events {
		instances, err := e.ExpandEvent(event, reference, opts)
		if err != nil {
			log.Warnf("expansion of event %s failed, contributing no instances: %v", event.ID, err)
			continue
		}
		if len(instances) > budget {
			instances = instances[:budget]
			truncated = true
		}
		budget -= len(instances)
		out = append(out, instances...)
	}

	if truncated {
		log.Warnf("batch expansion truncated to %d combined instances", AggregateInstanceCap)
	}
	return out, truncated
}

// PruneCache evicts cached expansions whose window no longer overlaps a
// window of windowWeeks around currentWeek.
func (e *Engine) PruneCache(currentWeek time.Time, windowWeeks int) {
	if windowWeeks <= 0 {
		windowWeeks = DefaultWindowWeeks
	}
	keep := expansionWindow(currentWeek, windowWeeks)
	e.cache.prune(keep)
}

// ClearCache removes one event's cached expansions.
func (e *Engine) ClearCache(eventID string) {
	e.cache.clearEvent(eventID)
}

// ClearAll empties the expansion cache.
func (e *Engine) ClearAll() {
	e.cache.clear()
}

// CacheSize returns the number of cached expansions.
func (e *Engine) CacheSize() int {
	return e.cache.size()
}

// expansionWindow is [startOfWeek(ref - weeks), endOfWeek(ref + weeks)],
// weeks starting on Monday.
func expansionWindow(reference time.Time, weeks int) feed.DateRange {
	start := startOfWeek(reference.AddDate(0, 0, -7*weeks))
	end := startOfWeek(reference.AddDate(0, 0, 7*weeks)).AddDate(0, 0, 7).Add(-time.Nanosecond)
	return feed.DateRange{Start: start, End: end}
}

func startOfWeek(t time.Time) time.Time {
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	offset := (int(day.Weekday()) + 6) % 7 // Monday-based week
	return day.AddDate(0, 0, -offset)
}

// resolveLocation picks the zone used for window math and enumeration:
// the requested viewer zone first, then the event's own zone, then the
// ambient local zone. A zone that fails to load is logged and skipped, never
// fatal.
func resolveLocation(requested, eventZone string) *time.Location {
	for _, name := range []string{requested, eventZone} {
		if name == "" {
			continue
		}
		loc, err := time.LoadLocation(name)
		if err != nil {
			log.Warnf("unknown timezone %q, falling back: %v", name, err)
			continue
		}
		return loc
	}
	return time.Local
}

// filterExceptions drops instances whose start matches a normalized exception
// key: calendar day for all-day events, exact instant otherwise.
func filterExceptions(template feed.CalendarEvent, instances []feed.CalendarEvent, loc *time.Location) []feed.CalendarEvent {
	if len(template.ExceptionDates) == 0 {
		return instances
	}

	keys := make(map[string]struct{}, len(template.ExceptionDates))
	for _, ex := range template.ExceptionDates {
		keys[exceptionKey(ex, template.IsAllDay, loc)] = struct{}{}
	}

	kept := instances[:0]
	for _, instance := range instances {
		if _, excluded := keys[exceptionKey(instance.StartTime, template.IsAllDay, loc)]; excluded {
			continue
		}
		kept = append(kept, instance)
	}
	return kept
}

func exceptionKey(t time.Time, allDay bool, loc *time.Location) string {
	if allDay {
		return t.In(loc).Format("2006-01-02")
	}
	return t.UTC().Format(time.RFC3339)
}
