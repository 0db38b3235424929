package app

import (
	"github.com/gorilla/mux"

	"github.com/plannerd/feedsync/internal/config"
	"github.com/plannerd/feedsync/internal/metrics"
)

// RegisterRoutes registers all API endpoints.
func RegisterRoutes(r *mux.Router, deps *Dependencies, cfg config.Application) {

	// Feeds and events
	r.HandleFunc("/api/feeds", deps.SyncHandler.ListFeeds).Methods("GET")
	r.HandleFunc("/api/feeds/{feedId}/events", deps.SyncHandler.GetFeedEvents).Methods("GET")
	r.HandleFunc("/api/feeds/{feedId}/refresh", deps.SyncHandler.RefreshFeed).Methods("POST")
	r.HandleFunc("/api/events", deps.SyncHandler.GetAllEvents).Methods("GET")

	// Cache management
	r.HandleFunc("/api/cache", deps.SyncHandler.ClearCache).Methods("DELETE")
	r.HandleFunc("/api/cache/stats", deps.SyncHandler.CacheStats).Methods("GET")
	r.HandleFunc("/api/cache/feeds", deps.SyncHandler.ListCachedFeeds).Methods("GET")

	// Google integration
	r.HandleFunc("/api/integrations/google/auth/login", deps.GoogleAuth.OAuthLogin).Methods("GET")
	r.HandleFunc("/api/integrations/google/auth/logout", deps.GoogleAuth.OAuthLogout).Methods("DELETE")
	r.HandleFunc("/api/integrations/google/auth/callback", deps.GoogleAuth.OAuthCallback).Methods("GET")

	// Observability
	r.Handle("/metrics", metrics.Handler()).Methods("GET")
}
