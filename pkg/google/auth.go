package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
	gcal "google.golang.org/api/calendar/v3"

	"github.com/plannerd/feedsync/internal/config"
	"github.com/plannerd/feedsync/internal/rest"
	"github.com/plannerd/feedsync/pkg/feed"
)

type authRedirect struct {
	RedirectUrl string `json:"redirectUrl"`
}

// Auth owns the OAuth flow against Google and the per-feed token store.
// Tokens never leave the server; the browser only sees the consent redirect.
type Auth struct {
	pool        *pgxpool.Pool
	oauthConfig *oauth2.Config
}

func NewAuth(pool *pgxpool.Pool, cfg config.Application) *Auth {
	oauthConfig := &oauth2.Config{
		ClientID:     cfg.Google.ClientId,
		ClientSecret: cfg.Google.ClientSecret,
		Endpoint:     googleoauth.Endpoint,
		RedirectURL:  cfg.Host + "/api/integrations/google/auth/callback",
		Scopes:       []string{gcal.CalendarReadonlyScope},
	}
	return &Auth{pool: pool, oauthConfig: oauthConfig}
}

func (a *Auth) configured() bool {
	return a.oauthConfig.ClientID != "" && a.oauthConfig.ClientSecret != ""
}

// OAuthLogin starts the consent flow for one feed and returns the redirect
// URL to follow.
func (a *Auth) OAuthLogin(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if !a.configured() {
		rest.WriteError(w, http.StatusServiceUnavailable, "Google OAuth is not configured")
		return
	}
	feedId := r.URL.Query().Get("feedId")
	if feedId == "" {
		rest.WriteError(w, http.StatusBadRequest, "feedId query parameter is required")
		return
	}

	ctx := r.Context()
	if _, err := a.pool.Exec(ctx, "DELETE FROM google_feed_auth WHERE feed_id = $1", feedId); err != nil {
		log.Errorf("failed to delete old Google auth row for feed %s: %v", feedId, err)
		rest.WriteError(w, http.StatusInternalServerError, "Failed to handle Google authentication")
		return
	}

	stateNonce := uuid.New().String()
	finalUrl := r.URL.Query().Get("finalUrl")

	if _, err := a.pool.Exec(ctx, "INSERT INTO google_feed_auth (feed_id, nonce) VALUES ($1, $2)", feedId, stateNonce); err != nil {
		log.Errorf("failed to store Google auth nonce for feed %s: %v", feedId, err)
		rest.WriteError(w, http.StatusInternalServerError, "Failed to handle Google authentication")
		return
	}

	log.Tracef("Redirecting to Google auth URL with nonce: %s", stateNonce)
	u := a.oauthConfig.AuthCodeURL(finalUrl+"|"+stateNonce, oauth2.AccessTypeOffline, oauth2.ApprovalForce)

	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(authRedirect{RedirectUrl: u}); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// OAuthCallback exchanges the consent code for tokens and stores them for
// the feed identified by the state nonce.
func (a *Auth) OAuthCallback(w http.ResponseWriter, r *http.Request) {
	code := r.FormValue("code")
	state := r.FormValue("state")

	parts := strings.SplitN(state, "|", 2)
	if len(parts) != 2 {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}
	finalUrl := parts[0]
	nonce := parts[1]

	token, err := a.oauthConfig.Exchange(r.Context(), code)
	if err != nil {
		err := fmt.Errorf("unable to exchange code for token: %v", err)
		log.Error(err)
		http.Redirect(w, r, finalUrl+"?success=false", http.StatusFound)
		return
	}

	_, err = a.pool.Exec(r.Context(),
		"UPDATE google_feed_auth SET access_token = $1, refresh_token = $2, expiry = $3 WHERE nonce = $4",
		token.AccessToken, token.RefreshToken, token.Expiry.Unix(), nonce)
	if err != nil {
		err := fmt.Errorf("unable to store Google auth token for nonce: %v", err)
		log.Error(err)
		http.Redirect(w, r, finalUrl+"?success=false", http.StatusFound)
		return
	}
	log.Debug("Successfully stored Google auth token for nonce: ", nonce)
	http.Redirect(w, r, finalUrl+"?success=true", http.StatusFound)
}

// OAuthLogout drops the stored token of a feed.
func (a *Auth) OAuthLogout(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	feedId := r.URL.Query().Get("feedId")
	if feedId == "" {
		rest.WriteError(w, http.StatusBadRequest, "feedId query parameter is required")
		return
	}
	if _, err := a.pool.Exec(r.Context(), "DELETE FROM google_feed_auth WHERE feed_id = $1", feedId); err != nil {
		log.Errorf("failed to delete Google auth row for feed %s: %v", feedId, err)
		rest.WriteError(w, http.StatusInternalServerError, "Failed to handle Google authentication")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *Auth) getToken(ctx context.Context, feedId string) (*oauth2.Token, error) {
	var token oauth2.Token
	var expiryTimestamp int64
	err := a.pool.QueryRow(ctx,
		"SELECT access_token, refresh_token, expiry FROM google_feed_auth WHERE feed_id = $1 AND access_token IS NOT NULL",
		feedId).Scan(&token.AccessToken, &token.RefreshToken, &expiryTimestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("unable to retrieve Google auth token: %v", err)
	}

	token.Expiry = time.Unix(expiryTimestamp, 0)
	return &token, nil
}

// client returns an HTTP client that authenticates as the feed's account,
// refreshing the access token transparently when expired.
func (a *Auth) client(ctx context.Context, feedId string) (*http.Client, error) {
	if !a.configured() {
		return nil, feed.Errorf(feed.ErrOAuthNotConfigured, feedId, "no Google OAuth client credentials")
	}
	token, err := a.getToken(ctx, feedId)
	if err != nil {
		log.Error(err)
		return nil, feed.NewError(feed.ErrMissingCredentials, feedId, err)
	}
	if token == nil {
		return nil, feed.Errorf(feed.ErrMissingCredentials, feedId, "feed is not authenticated with Google")
	}
	if token.Expiry.Before(time.Now()) && token.RefreshToken == "" {
		return nil, feed.Errorf(feed.ErrTokenExpired, feedId, "access token expired and no refresh token stored")
	}
	return a.oauthConfig.Client(ctx, token), nil
}
