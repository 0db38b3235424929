package app

import (
	"net/http"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/plannerd/feedsync/internal/config"
	"github.com/plannerd/feedsync/pkg/timezone"
)

// SetupMiddleware wires all HTTP middlewares for the application.
func SetupMiddleware(r *mux.Router, deps *Dependencies, cfg config.Application) {

	// Propagate X-Timezone header into context for downstream services
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx := req.Context()

			if zone := req.Header.Get("X-Timezone"); zone != "" {
				log.Debugf("viewer timezone: %s", zone)
				ctx = timezone.WithViewerZone(ctx, zone)
			}
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	})
}
