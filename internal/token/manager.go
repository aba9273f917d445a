// Package token obtains currently-valid access tokens for channel
// connections, refreshing against the provider token endpoint when the stored
// token is near expiry.
package token

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/uniboxhq/unibox-sync/internal/apperr"
	"github.com/uniboxhq/unibox-sync/internal/store"
)

// refreshMargin is how long before expiry a token is treated as stale.
const refreshMargin = 5 * time.Minute

// refreshTimeout bounds one token endpoint exchange. A stalled endpoint must
// fail the sync, not hang it.
const refreshTimeout = 30 * time.Second

// Manager refreshes and persists OAuth tokens. One instance serves all
// providers; refresh endpoints are keyed by provider name.
type Manager struct {
	store      *store.Store
	configs    map[string]*oauth2.Config
	httpClient *http.Client
	now        func() time.Time
}

// NewManager creates a token manager. configs maps provider names to the
// oauth2 client configuration used for refresh-token exchange.
func NewManager(st *store.Store, configs map[string]*oauth2.Config) *Manager {
	return &Manager{
		store:      st,
		configs:    configs,
		httpClient: &http.Client{Timeout: refreshTimeout},
		now:        time.Now,
	}
}

// AccessToken returns a currently-valid access token for the connection,
// refreshing first when the stored token expires within the safety margin.
func (m *Manager) AccessToken(ctx context.Context, connectionID string) (string, error) {
	conn, err := m.store.GetConnection(ctx, connectionID)
	if err != nil {
		return "", fmt.Errorf("get connection: %w", err)
	}
	return m.AccessTokenFor(ctx, conn)
}

// AccessTokenFor is AccessToken for an already-loaded connection. The caller
// must hold the connection's single-flight lock: a refresh token can be
// single-use, and two concurrent refreshes invalidate each other.
func (m *Manager) AccessTokenFor(ctx context.Context, conn *store.ChannelConnection) (string, error) {
	// No recorded expiry: assume non-expiring or externally managed.
	if conn.TokenExpiresAt == nil {
		return conn.AccessToken, nil
	}
	if m.now().Add(refreshMargin).Before(*conn.TokenExpiresAt) {
		return conn.AccessToken, nil
	}
	return m.refresh(ctx, conn)
}

func (m *Manager) refresh(ctx context.Context, conn *store.ChannelConnection) (string, error) {
	cfg, ok := m.configs[conn.Provider]
	if !ok {
		return "", fmt.Errorf("no oauth config for provider %q", conn.Provider)
	}
	if conn.RefreshToken == "" {
		return "", apperr.New(apperr.KindAuth, "token.refresh", "no refresh token stored")
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
	ts := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: conn.RefreshToken})
	tok, err := ts.Token()
	if err != nil {
		return "", classifyRefreshError(err)
	}

	// A rotated refresh token replaces the stored one; absence means the
	// provider kept the old grant alive.
	refreshToken := tok.RefreshToken
	if refreshToken == "" {
		refreshToken = conn.RefreshToken
	}
	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = m.now().Add(time.Hour)
	}

	if err := m.store.SaveTokens(ctx, conn.ID, tok.AccessToken, refreshToken, expiry); err != nil {
		return "", fmt.Errorf("persist refreshed tokens: %w", err)
	}

	conn.AccessToken = tok.AccessToken
	conn.RefreshToken = refreshToken
	conn.TokenExpiresAt = &expiry

	log.Printf("token refreshed: connection %s, expires %s", conn.ID, expiry.Format(time.RFC3339))
	return tok.AccessToken, nil
}

// classifyRefreshError separates "re-authentication required" from transient
// token endpoint failures.
func classifyRefreshError(err error) error {
	var rErr *oauth2.RetrieveError
	if errors.As(err, &rErr) {
		switch rErr.ErrorCode {
		case "invalid_grant", "invalid_client", "unauthorized_client":
			return apperr.Wrap(apperr.KindAuth, "token.refresh", err)
		}
		if rErr.Response != nil {
			code := rErr.Response.StatusCode
			switch {
			case code == http.StatusTooManyRequests || code >= 500:
				return apperr.Wrap(apperr.KindTransient, "token.refresh", err)
			case code == http.StatusBadRequest || code == http.StatusUnauthorized || code == http.StatusForbidden:
				return apperr.Wrap(apperr.KindAuth, "token.refresh", err)
			}
		}
		return apperr.Wrap(apperr.KindTransient, "token.refresh", err)
	}
	// Network-level failure, timeout, connection refused.
	return apperr.Wrap(apperr.KindTransient, "token.refresh", err)
}
