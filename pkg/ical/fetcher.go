package ical

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/plannerd/feedsync/pkg/feed"
)

// FetchTimeout is the hard deadline for a single feed download.
const FetchTimeout = 30 * time.Second

// conditional holds the HTTP revalidation state of one feed URL so unchanged
// feeds cost a 304 instead of a full download.
type conditional struct {
	etag         string
	lastModified string
	body         []byte
}

// Fetcher downloads and parses iCal feeds into canonical events.
type Fetcher struct {
	client *http.Client

	mu    sync.Mutex
	conds map[string]*conditional
}

func NewFetcher() *Fetcher {
	return &Fetcher{
		client: &http.Client{Timeout: FetchTimeout},
		conds:  make(map[string]*conditional),
	}
}

// Fetch downloads the feed URL and returns its events. The date range is
// accepted for interface symmetry with other providers; an ICS document is
// always delivered whole, so windowing happens downstream.
func (f *Fetcher) Fetch(ctx context.Context, cf feed.CalendarFeed, _ *feed.DateRange) ([]feed.CalendarEvent, error) {
	if !feed.ValidateURL(cf.URL) {
		return nil, feed.Errorf(feed.ErrInvalidURL, cf.ID, "rejected feed URL")
	}

	body, err := f.download(ctx, cf)
	if err != nil {
		return nil, err
	}

	if !feed.ValidateContent(string(body)) {
		return nil, feed.Errorf(feed.ErrInvalidICalContent, cf.ID, "payload is not a VCALENDAR document")
	}

	return ParseEvents(cf, body)
}

func (f *Fetcher) download(ctx context.Context, cf feed.CalendarFeed) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cf.URL, nil)
	if err != nil {
		return nil, feed.NewError(feed.ErrFetchFailed, cf.ID, err)
	}

	f.mu.Lock()
	cond := f.conds[cf.URL]
	f.mu.Unlock()
	if cond != nil {
		if cond.etag != "" {
			req.Header.Set("If-None-Match", cond.etag)
		}
		if cond.lastModified != "" {
			req.Header.Set("If-Modified-Since", cond.lastModified)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, feed.NewError(feed.ErrFetchFailed, cf.ID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified && cond != nil && len(cond.body) > 0:
		log.Debugf("feed %s not modified, reusing cached body", cf.ID)
		return cond.body, nil

	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, feed.Errorf(feed.ErrHTTPError, cf.ID, "unexpected status %d", resp.StatusCode)
	}

	if resp.ContentLength > feed.MaxFeedSize {
		return nil, feed.Errorf(feed.ErrFeedTooLarge, cf.ID, "content length %d exceeds limit", resp.ContentLength)
	}

	// Servers may omit Content-Length, so the read itself is bounded too.
	body, err := io.ReadAll(io.LimitReader(resp.Body, feed.MaxFeedSize+1))
	if err != nil {
		return nil, feed.NewError(feed.ErrFetchFailed, cf.ID, err)
	}
	if len(body) > feed.MaxFeedSize {
		return nil, feed.Errorf(feed.ErrFeedTooLarge, cf.ID, "body exceeds %d bytes", feed.MaxFeedSize)
	}

	f.mu.Lock()
	f.conds[cf.URL] = &conditional{
		etag:         resp.Header.Get("ETag"),
		lastModified: resp.Header.Get("Last-Modified"),
		body:         body,
	}
	f.mu.Unlock()

	return body, nil
}
