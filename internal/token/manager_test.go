package token

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/uniboxhq/unibox-sync/internal/apperr"
	"github.com/uniboxhq/unibox-sync/internal/store"
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func makeConnection(t *testing.T, st *store.Store, expiresAt *time.Time) *store.ChannelConnection {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.EnsureWorkspace(ctx, "ws-1", "Test", "pro"))
	conn := &store.ChannelConnection{
		ID:             uuid.NewString(),
		WorkspaceID:    "ws-1",
		UserID:         "user-1",
		Provider:       "microsoft",
		AccessToken:    "at-stored",
		RefreshToken:   "rt-stored",
		TokenExpiresAt: expiresAt,
	}
	require.NoError(t, st.CreateConnection(ctx, conn))
	return conn
}

func newManager(st *store.Store, tokenURL string) *Manager {
	return NewManager(st, map[string]*oauth2.Config{
		"microsoft": {
			ClientID:     "client-id",
			ClientSecret: "client-secret",
			Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
		},
	})
}

func TestAccessTokenStillValid(t *testing.T) {
	st := setupTestStore(t)
	expiry := time.Now().Add(time.Hour)
	conn := makeConnection(t, st, &expiry)

	// Token endpoint that fails the test if it is ever called.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("refresh endpoint called for a valid token")
	}))
	defer srv.Close()

	m := newManager(st, srv.URL)
	got, err := m.AccessToken(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "at-stored", got)
}

func TestAccessTokenNoExpiryPassthrough(t *testing.T) {
	st := setupTestStore(t)
	conn := makeConnection(t, st, nil)

	m := newManager(st, "http://invalid.test/token")
	got, err := m.AccessTokenFor(context.Background(), conn)
	require.NoError(t, err)
	assert.Equal(t, "at-stored", got)
}

func TestAccessTokenRefreshesNearExpiry(t *testing.T) {
	st := setupTestStore(t)
	// Inside the 5 minute margin.
	expiry := time.Now().Add(2 * time.Minute)
	conn := makeConnection(t, st, &expiry)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "rt-stored", r.Form.Get("refresh_token"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at-fresh","refresh_token":"rt-rotated","token_type":"Bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	m := newManager(st, srv.URL)
	got, err := m.AccessTokenFor(context.Background(), conn)
	require.NoError(t, err)
	assert.Equal(t, "at-fresh", got)

	// The refreshed triple is persisted and the in-memory copy updated.
	stored, err := st.GetConnection(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "at-fresh", stored.AccessToken)
	assert.Equal(t, "rt-rotated", stored.RefreshToken)
	require.NotNil(t, stored.TokenExpiresAt)
	assert.True(t, stored.TokenExpiresAt.After(time.Now().Add(30*time.Minute)))
	assert.Equal(t, "at-fresh", conn.AccessToken)
}

func TestRefreshKeepsOldRefreshTokenWhenNotRotated(t *testing.T) {
	st := setupTestStore(t)
	expiry := time.Now().Add(-time.Minute)
	conn := makeConnection(t, st, &expiry)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at-fresh","token_type":"Bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	m := newManager(st, srv.URL)
	_, err := m.AccessTokenFor(context.Background(), conn)
	require.NoError(t, err)

	stored, err := st.GetConnection(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "rt-stored", stored.RefreshToken)
}

func TestRefreshInvalidGrantIsAuthError(t *testing.T) {
	st := setupTestStore(t)
	expiry := time.Now().Add(-time.Minute)
	conn := makeConnection(t, st, &expiry)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant","error_description":"token revoked"}`))
	}))
	defer srv.Close()

	m := newManager(st, srv.URL)
	_, err := m.AccessTokenFor(context.Background(), conn)
	require.Error(t, err)
	assert.True(t, apperr.IsAuth(err), "invalid_grant must classify as auth, got %v", err)

	// The stored tokens stay untouched on a failed refresh.
	stored, err := st.GetConnection(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "at-stored", stored.AccessToken)
}

func TestRefreshServerErrorIsTransient(t *testing.T) {
	st := setupTestStore(t)
	expiry := time.Now().Add(-time.Minute)
	conn := makeConnection(t, st, &expiry)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	m := newManager(st, srv.URL)
	_, err := m.AccessTokenFor(context.Background(), conn)
	require.Error(t, err)
	assert.True(t, apperr.IsTransient(err), "5xx must classify as transient, got %v", err)
}

func TestRefreshFailsFastAgainstStalledEndpoint(t *testing.T) {
	st := setupTestStore(t)
	expiry := time.Now().Add(-time.Minute)
	conn := makeConnection(t, st, &expiry)

	// Token endpoint that never answers.
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	m := newManager(st, srv.URL)
	m.httpClient = &http.Client{Timeout: 100 * time.Millisecond}

	start := time.Now()
	_, err := m.AccessTokenFor(context.Background(), conn)
	require.Error(t, err)
	assert.True(t, apperr.IsTransient(err), "timeout must classify as transient, got %v", err)
	assert.Less(t, time.Since(start), 5*time.Second, "refresh must be bounded by the client timeout")
}

func TestRefreshWithoutRefreshToken(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.EnsureWorkspace(ctx, "ws-1", "Test", "pro"))
	expiry := time.Now().Add(-time.Minute)
	conn := &store.ChannelConnection{
		ID:             uuid.NewString(),
		WorkspaceID:    "ws-1",
		UserID:         "user-1",
		Provider:       "microsoft",
		AccessToken:    "at-stored",
		TokenExpiresAt: &expiry,
	}
	require.NoError(t, st.CreateConnection(ctx, conn))

	m := newManager(st, "http://invalid.test/token")
	_, err := m.AccessTokenFor(ctx, conn)
	require.Error(t, err)
	assert.True(t, apperr.IsAuth(err))
}

func TestUnknownProvider(t *testing.T) {
	st := setupTestStore(t)
	expiry := time.Now().Add(-time.Minute)
	conn := makeConnection(t, st, &expiry)
	conn.Provider = "smoke-signal"

	m := newManager(st, "http://invalid.test/token")
	_, err := m.AccessTokenFor(context.Background(), conn)
	assert.Error(t, err)
}
