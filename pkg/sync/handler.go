package sync

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/plannerd/feedsync/internal/rest"
	"github.com/plannerd/feedsync/pkg/feed"
)

type FeedDTO struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Type  string `json:"type"`
	URL   string `json:"url,omitempty"`
	Color string `json:"color,omitempty"`
}

type EventDTO struct {
	ID            string   `json:"id"`
	Title         string   `json:"title"`
	Description   string   `json:"description,omitempty"`
	StartTime     string   `json:"startTime"`
	EndTime       string   `json:"endTime"`
	Timezone      string   `json:"timezone,omitempty"`
	IsAllDay      bool     `json:"isAllDay,omitempty"`
	Color         string   `json:"color,omitempty"`
	Location      string   `json:"location,omitempty"`
	Attendees     []string `json:"attendees,omitempty"`
	FeedID        string   `json:"feedId"`
	FeedName      string   `json:"feedName,omitempty"`
	OriginalEvent string   `json:"originalEvent,omitempty"`
}

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// ListFeeds godoc
// @Summary List configured calendar feeds
// @Produce json
// @Success 200 {array} FeedDTO
// @Router /api/feeds [get]
func (h *Handler) ListFeeds(w http.ResponseWriter, r *http.Request) {
	feeds := h.service.Feeds()
	out := make([]FeedDTO, 0, len(feeds))
	for _, f := range feeds {
		out = append(out, feedToDTO(f))
	}
	rest.WriteJSON(w, http.StatusOK, out)
}

// GetFeedEvents godoc
// @Summary Get events of one feed
// @Produce json
// @Param feedId path string true "Feed ID"
// @Param from query string false "Window start (RFC3339)"
// @Param to query string false "Window end (RFC3339)"
// @Success 200 {array} EventDTO
// @Failure 400 {object} rest.ErrorResponse "Invalid feed or window"
// @Router /api/feeds/{feedId}/events [get]
func (h *Handler) GetFeedEvents(w http.ResponseWriter, r *http.Request) {
	feedID := mux.Vars(r)["feedId"]
	cf, ok := h.service.FeedByID(feedID)
	if !ok {
		rest.WriteError(w, http.StatusNotFound, "Unknown feed: "+feedID)
		return
	}

	rng, err := parseWindow(r)
	if err != nil {
		rest.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := h.service.FetchFeedEvents(r.Context(), cf, rng)
	if err != nil {
		writeFeedError(w, err)
		return
	}
	rest.WriteJSON(w, http.StatusOK, eventsToDTO(events))
}

// GetAllEvents godoc
// @Summary Get deduplicated events across all feeds
// @Produce json
// @Param from query string false "Window start (RFC3339)"
// @Param to query string false "Window end (RFC3339)"
// @Success 200 {array} EventDTO
// @Router /api/events [get]
func (h *Handler) GetAllEvents(w http.ResponseWriter, r *http.Request) {
	rng, err := parseWindow(r)
	if err != nil {
		rest.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	var all []feed.CalendarEvent
	for _, cf := range h.service.Feeds() {
		events, err := h.service.FetchFeedEvents(r.Context(), cf, rng)
		if err != nil {
			// One broken feed must not hide the others.
			log.Warnf("skipping feed %s: %v", cf.ID, err)
			continue
		}
		all = append(all, events...)
	}

	resolved := h.service.ResolveEventDuplicates(all)
	rest.WriteJSON(w, http.StatusOK, eventsToDTO(resolved))
}

// RefreshFeed godoc
// @Summary Force a re-fetch of one feed, bypassing the cache
// @Produce json
// @Param feedId path string true "Feed ID"
// @Success 200 {array} EventDTO
// @Router /api/feeds/{feedId}/refresh [post]
func (h *Handler) RefreshFeed(w http.ResponseWriter, r *http.Request) {
	feedID := mux.Vars(r)["feedId"]
	cf, ok := h.service.FeedByID(feedID)
	if !ok {
		rest.WriteError(w, http.StatusNotFound, "Unknown feed: "+feedID)
		return
	}

	h.service.ClearCache(cf.ID)
	events, err := h.service.FetchFeedEvents(r.Context(), cf, nil)
	if err != nil {
		writeFeedError(w, err)
		return
	}
	rest.WriteJSON(w, http.StatusOK, eventsToDTO(events))
}

// ClearCache godoc
// @Summary Drop cached events, for one feed or all of them
// @Param feedId query string false "Feed ID; empty clears everything"
// @Success 204
// @Router /api/cache [delete]
func (h *Handler) ClearCache(w http.ResponseWriter, r *http.Request) {
	feedID := r.URL.Query().Get("feedId")
	h.service.ClearCache(feedID)
	w.WriteHeader(http.StatusNoContent)
}

// CacheStats godoc
// @Summary Report cache occupancy
// @Produce json
// @Success 200 {object} feedcache.Stats
// @Router /api/cache/stats [get]
func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	rest.WriteJSON(w, http.StatusOK, h.service.CacheStats())
}

// ListCachedFeeds godoc
// @Summary List feed IDs with cached events
// @Produce json
// @Success 200 {array} string
// @Router /api/cache/feeds [get]
func (h *Handler) ListCachedFeeds(w http.ResponseWriter, r *http.Request) {
	rest.WriteJSON(w, http.StatusOK, h.service.ListCachedFeedIDs())
}

func parseWindow(r *http.Request) (*feed.DateRange, error) {
	from := r.URL.Query().Get("from")
	to := r.URL.Query().Get("to")
	if from == "" && to == "" {
		return nil, nil
	}

	start, err := time.Parse(time.RFC3339, from)
	if err != nil {
		return nil, errInvalidWindow("from")
	}
	end, err := time.Parse(time.RFC3339, to)
	if err != nil {
		return nil, errInvalidWindow("to")
	}
	if !feed.ValidateDateRange(start, end) {
		return nil, errInvalidWindow("from/to")
	}
	return &feed.DateRange{Start: start, End: end}, nil
}

type windowError string

func errInvalidWindow(param string) error {
	return windowError("invalid " + param + " parameter, expected RFC3339 with from before to")
}

func (e windowError) Error() string { return string(e) }

func writeFeedError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch feed.CodeOf(err) {
	case feed.ErrInvalidURL, feed.ErrInvalidDateRange, feed.ErrInvalidICalContent, feed.ErrUnsupportedType, feed.ErrInvalidRRule:
		status = http.StatusBadRequest
	case feed.ErrRateLimitExceeded:
		status = http.StatusTooManyRequests
	case feed.ErrMissingCredentials, feed.ErrTokenExpired, feed.ErrOAuthNotConfigured:
		status = http.StatusUnauthorized
	case feed.ErrFeedTooLarge:
		status = http.StatusRequestEntityTooLarge
	case feed.ErrParseFailed:
		status = http.StatusUnprocessableEntity
	case feed.ErrHTTPError, feed.ErrFetchFailed, feed.ErrGoogleAPIError:
		status = http.StatusBadGateway
	}
	rest.WriteError(w, status, err.Error())
}

func feedToDTO(f feed.CalendarFeed) FeedDTO {
	return FeedDTO{
		ID:    f.ID,
		Name:  f.Name,
		Type:  string(f.Type),
		URL:   f.URL,
		Color: f.Color,
	}
}

func eventsToDTO(events []feed.CalendarEvent) []EventDTO {
	out := make([]EventDTO, 0, len(events))
	for _, e := range events {
		out = append(out, eventToDTO(e))
	}
	return out
}

func eventToDTO(e feed.CalendarEvent) EventDTO {
	return EventDTO{
		ID:            e.ID,
		Title:         e.Title,
		Description:   e.Description,
		StartTime:     e.StartTime.Format(time.RFC3339),
		EndTime:       e.EndTime.Format(time.RFC3339),
		Timezone:      e.Timezone,
		IsAllDay:      e.IsAllDay,
		Color:         e.Color,
		Location:      e.Location,
		Attendees:     e.Attendees,
		FeedID:        e.FeedID,
		FeedName:      e.FeedName,
		OriginalEvent: e.OriginalEvent,
	}
}
