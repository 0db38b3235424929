package retry

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/plannerd/feedsync/internal/utils"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 1 * time.Second
	DefaultMaxDelay   = 30 * time.Second

	// InactivityReset is how long a feed must stay quiet before its next
	// failure counts as a new incident with a fresh backoff.
	InactivityReset = 60 * time.Second
)

type state struct {
	backoff     *backoff.ExponentialBackOff
	attempts    int
	lastAttempt time.Time
}

// Policy hands out per-feed retry delays: exponential growth with jitter,
// bounded by a maximum delay and a maximum attempt count.
type Policy struct {
	mu         sync.Mutex
	states     map[string]*state
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	clock      utils.Clock
}

func NewPolicy(maxRetries int, baseDelay, maxDelay time.Duration, clock utils.Clock) *Policy {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	if clock == nil {
		clock = utils.SystemClock{}
	}
	return &Policy{
		states:     make(map[string]*state),
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		clock:      clock,
	}
}

func (p *Policy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.baseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.MaxInterval = p.maxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// NextDelay returns the wait before the feed's next attempt. The second
// return value is false once the retry budget is exhausted; the state is
// cleared at that point so the next failure starts a new incident.
func (p *Policy) NextDelay(feedID string) (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	s, ok := p.states[feedID]
	if !ok || now.Sub(s.lastAttempt) > InactivityReset {
		s = &state{backoff: p.newBackOff()}
		p.states[feedID] = s
	}

	s.attempts++
	s.lastAttempt = now
	if s.attempts > p.maxRetries {
		delete(p.states, feedID)
		return 0, false
	}

	delay := s.backoff.NextBackOff()
	if delay > p.maxDelay {
		delay = p.maxDelay
	}
	return delay, true
}

// Attempts returns how many retries the feed's current incident has used.
func (p *Policy) Attempts(feedID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.states[feedID]; ok {
		return s.attempts
	}
	return 0
}

// Clear drops the feed's retry state after a successful attempt.
func (p *Policy) Clear(feedID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.states, feedID)
}

// Size returns the number of feeds with an active incident.
func (p *Policy) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.states)
}
