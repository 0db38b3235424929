package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"

	"github.com/plannerd/feedsync/pkg/feed"
)

// Store keeps the last successful snapshot of every feed so the engine can
// serve stale data when the network is down.
type Store interface {
	CachedEvents(ctx context.Context, feedID string) ([]feed.CalendarEvent, error)
	CacheEvents(ctx context.Context, feedID, feedName string, events []feed.CalendarEvent) error
	HandleNetworkFailure(ctx context.Context, feedID string, cause error) ([]feed.CalendarEvent, error)
}

type StoreImpl struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *StoreImpl {
	return &StoreImpl{db: db}
}

// CachedEvents returns the last stored snapshot for a feed, or nil when no
// snapshot exists.
func (s *StoreImpl) CachedEvents(ctx context.Context, feedID string) ([]feed.CalendarEvent, error) {
	var payload []byte
	err := s.db.QueryRow(ctx,
		"SELECT events FROM offline_events WHERE feed_id = $1", feedID,
	).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read offline snapshot for feed %s: %w", feedID, err)
	}

	var events []feed.CalendarEvent
	if err := json.Unmarshal(payload, &events); err != nil {
		return nil, fmt.Errorf("failed to decode offline snapshot for feed %s: %w", feedID, err)
	}
	return events, nil
}

// CacheEvents stores a snapshot, replacing any previous one for the feed.
func (s *StoreImpl) CacheEvents(ctx context.Context, feedID, feedName string, events []feed.CalendarEvent) error {
	payload, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("failed to encode offline snapshot for feed %s: %w", feedID, err)
	}

	const query = `
		INSERT INTO offline_events (feed_id, feed_name, events, stored_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (feed_id)
		DO UPDATE SET feed_name = EXCLUDED.feed_name, events = EXCLUDED.events, stored_at = EXCLUDED.stored_at`
	if _, err := s.db.Exec(ctx, query, feedID, feedName, payload, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to store offline snapshot for feed %s: %w", feedID, err)
	}
	return nil
}

// HandleNetworkFailure returns a stale snapshot for the feed when one exists;
// otherwise the original cause is returned so the caller can keep handling it.
func (s *StoreImpl) HandleNetworkFailure(ctx context.Context, feedID string, cause error) ([]feed.CalendarEvent, error) {
	events, err := s.CachedEvents(ctx, feedID)
	if err != nil {
		log.Warnf("offline snapshot lookup failed for feed %s: %v", feedID, err)
		return nil, cause
	}
	if events == nil {
		return nil, cause
	}
	log.Infof("serving %d stale events for feed %s after network failure: %v", len(events), feedID, cause)
	return events, nil
}
