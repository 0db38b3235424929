package ratelimit

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/plannerd/feedsync/internal/utils"
)

const (
	DefaultLimit  = 60
	DefaultWindow = time.Hour

	// maxEntries bounds the per-feed state map against unbounded growth.
	maxEntries = 10000
)

// window is the request budget state of one feed.
type window struct {
	requests  int
	resetTime time.Time
}

// Limiter enforces a per-feed request budget over a rolling window. The
// budget is consulted before any network call, so an exhausted feed never
// reaches its provider.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	limit   int
	period  time.Duration
	clock   utils.Clock
}

func NewLimiter(limit int, period time.Duration, clock utils.Clock) *Limiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if period <= 0 {
		period = DefaultWindow
	}
	if clock == nil {
		clock = utils.SystemClock{}
	}
	return &Limiter{
		windows: make(map[string]*window),
		limit:   limit,
		period:  period,
		clock:   clock,
	}
}

// IsLimited reports whether the feed has exhausted its budget. A window past
// its reset time counts as cleared.
func (l *Limiter) IsLimited(feedID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[feedID]
	if !ok {
		return false
	}
	if !l.clock.Now().Before(w.resetTime) {
		delete(l.windows, feedID)
		return false
	}
	return w.requests >= l.limit
}

// Record counts one request against the feed, opening a fresh window when
// none exists or the previous one expired.
func (l *Limiter) Record(feedID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	w, ok := l.windows[feedID]
	if !ok || !now.Before(w.resetTime) {
		if len(l.windows) >= maxEntries {
			l.evictOldest()
		}
		l.windows[feedID] = &window{requests: 1, resetTime: now.Add(l.period)}
		return
	}
	w.requests++
	if w.requests == l.limit {
		log.Warnf("feed %s reached its rate budget of %d requests, window resets at %s", feedID, l.limit, w.resetTime)
	}
}

// Remaining returns how many requests the feed may still make in the current
// window.
func (l *Limiter) Remaining(feedID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[feedID]
	if !ok || !l.clock.Now().Before(w.resetTime) {
		return l.limit
	}
	if w.requests >= l.limit {
		return 0
	}
	return l.limit - w.requests
}

// Reset clears the feed's window.
func (l *Limiter) Reset(feedID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, feedID)
}

// Size returns the number of tracked feeds.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// evictOldest drops the window closest to expiry. Caller holds the lock.
func (l *Limiter) evictOldest() {
	var oldestKey string
	var oldestReset time.Time
	for key, w := range l.windows {
		if oldestKey == "" || w.resetTime.Before(oldestReset) {
			oldestKey = key
			oldestReset = w.resetTime
		}
	}
	if oldestKey != "" {
		delete(l.windows, oldestKey)
	}
}
