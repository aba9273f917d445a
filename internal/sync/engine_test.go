package sync

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/uniboxhq/unibox-sync/internal/apperr"
	"github.com/uniboxhq/unibox-sync/internal/store"
	"github.com/uniboxhq/unibox-sync/internal/token"
)

// fakeProvider serves canned pages and records subscription calls.
type fakeProvider struct {
	page    MessagePage
	listErr error
	listed  []ListOptions
}

func (f *fakeProvider) Name() ProviderName { return ProviderMicrosoft }

func (f *fakeProvider) ListMessages(ctx context.Context, opts ListOptions) (*MessagePage, error) {
	f.listed = append(f.listed, opts)
	if f.listErr != nil {
		return nil, f.listErr
	}
	page := f.page
	return &page, nil
}

func (f *fakeProvider) SupportsPush() bool { return true }

func (f *fakeProvider) CreateSubscription(ctx context.Context, req SubscriptionRequest) (*Subscription, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeProvider) RenewSubscription(ctx context.Context, id string, expiresAt time.Time) (*Subscription, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeProvider) DeleteSubscription(ctx context.Context, id string) error {
	return errors.New("not implemented")
}

// recordingResolver counts Resolve calls and optionally fails.
type recordingResolver struct {
	calls []string
	err   error
}

func (r *recordingResolver) Resolve(ctx context.Context, workspaceID, userID, channelType, channelID, displayName string) (string, bool, error) {
	r.calls = append(r.calls, channelID)
	if r.err != nil {
		return "", false, r.err
	}
	return uuid.NewString(), true, nil
}

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func makeConnection(t *testing.T, st *store.Store) *store.ChannelConnection {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.EnsureWorkspace(ctx, "ws-1", "Test", "pro"))
	conn := &store.ChannelConnection{
		ID:           uuid.NewString(),
		WorkspaceID:  "ws-1",
		UserID:       "user-1",
		Provider:     string(ProviderMicrosoft),
		AccessToken:  "at-valid",
		RefreshToken: "rt-valid",
		// No expiry recorded, the token manager uses the stored token as-is.
	}
	require.NoError(t, st.CreateConnection(ctx, conn))
	return conn
}

func newTestEngine(st *store.Store, provider *fakeProvider, resolver ContactResolver) *Engine {
	tokens := token.NewManager(st, map[string]*oauth2.Config{})
	factories := map[ProviderName]Factory{
		ProviderMicrosoft: func(ctx context.Context, accessToken string) (ChannelProvider, error) {
			return provider, nil
		},
	}
	return NewEngine(st, tokens, resolver, factories, NewKeyedMutex())
}

func remoteMessage(id string) RemoteMessage {
	return RemoteMessage{
		ID:         id,
		ThreadID:   "thread-1",
		Subject:    "subject " + id,
		Body:       "body of " + id,
		BodyType:   BodyText,
		Sender:     Address{Email: "sender@example.com", Name: "Sender"},
		To:         []Address{{Email: "to@example.com"}},
		ReceivedAt: time.Now(),
	}
}

func TestSyncIngestsNewMessages(t *testing.T) {
	st := setupTestStore(t)
	conn := makeConnection(t, st)
	provider := &fakeProvider{page: MessagePage{
		Messages:   []RemoteMessage{remoteMessage("m1"), remoteMessage("m2"), remoteMessage("m3")},
		NextCursor: "cursor-next",
	}}
	resolver := &recordingResolver{}
	engine := newTestEngine(st, provider, resolver)

	res, err := engine.Sync(context.Background(), conn.ID, "ws-1", Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Synced)
	assert.Equal(t, 3, res.New)
	assert.Equal(t, 0, res.Errors)
	assert.True(t, res.HasMore)

	n, err := st.CountMessages(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// Cursor advanced after the loop.
	stored, err := st.GetConnection(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "cursor-next", stored.SyncCursor)
	require.NotNil(t, stored.LastSyncedAt)

	// One contact resolution per new message, all for the same sender.
	assert.Len(t, resolver.calls, 3)
	assert.Equal(t, "sender@example.com", resolver.calls[0])

	// The default listing bound applies when the caller passes none.
	require.Len(t, provider.listed, 1)
	assert.Equal(t, DefaultMaxMessages, provider.listed[0].MaxMessages)
	assert.Empty(t, provider.listed[0].Cursor)
}

func TestSyncSkipsDuplicates(t *testing.T) {
	st := setupTestStore(t)
	conn := makeConnection(t, st)
	provider := &fakeProvider{page: MessagePage{
		Messages: []RemoteMessage{remoteMessage("m1"), remoteMessage("m2")},
	}}
	engine := newTestEngine(st, provider, &recordingResolver{})

	_, err := engine.Sync(context.Background(), conn.ID, "ws-1", Options{})
	require.NoError(t, err)

	// Second pass returns the same two plus one unseen message.
	provider.page.Messages = append(provider.page.Messages, remoteMessage("m3"))
	res, err := engine.Sync(context.Background(), conn.ID, "ws-1", Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Synced, "duplicates still count as synced")
	assert.Equal(t, 1, res.New)

	n, err := st.CountMessages(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestSyncIsolatesPerMessageFailures(t *testing.T) {
	st := setupTestStore(t)
	conn := makeConnection(t, st)
	bad := remoteMessage("")
	provider := &fakeProvider{page: MessagePage{
		Messages:   []RemoteMessage{remoteMessage("m1"), bad, remoteMessage("m2")},
		NextCursor: "cursor-next",
	}}
	engine := newTestEngine(st, provider, &recordingResolver{})

	res, err := engine.Sync(context.Background(), conn.ID, "ws-1", Options{})
	require.NoError(t, err, "per-message failures do not fail the call")
	assert.Equal(t, 2, res.Synced)
	assert.Equal(t, 2, res.New)
	assert.Equal(t, 1, res.Errors)

	// The cursor still advances past the failed message.
	stored, err := st.GetConnection(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "cursor-next", stored.SyncCursor)
}

func TestSyncContactFailureIsNonFatal(t *testing.T) {
	st := setupTestStore(t)
	conn := makeConnection(t, st)
	provider := &fakeProvider{page: MessagePage{
		Messages: []RemoteMessage{remoteMessage("m1")},
	}}
	resolver := &recordingResolver{err: errors.New("directory unavailable")}
	engine := newTestEngine(st, provider, resolver)

	res, err := engine.Sync(context.Background(), conn.ID, "ws-1", Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)
	assert.Equal(t, 1, res.New)
	assert.Equal(t, 0, res.Errors, "contact failure is not a message failure")

	n, err := st.CountMessages(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "message persists despite contact failure")
}

func TestResolveContactClassifiesFailure(t *testing.T) {
	st := setupTestStore(t)
	conn := makeConnection(t, st)
	resolver := &recordingResolver{err: errors.New("directory unavailable")}
	engine := newTestEngine(st, &fakeProvider{}, resolver)

	err := engine.resolveContact(context.Background(), conn, &store.Message{SenderEmail: "sender@example.com"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindContact, apperr.KindOf(err))

	// No sender or no resolver is a clean no-op.
	assert.NoError(t, engine.resolveContact(context.Background(), conn, &store.Message{}))
}

func TestSyncUsesStoredCursor(t *testing.T) {
	st := setupTestStore(t)
	conn := makeConnection(t, st)
	require.NoError(t, st.SaveSyncState(context.Background(), conn.ID, "cursor-a", time.Now()))

	provider := &fakeProvider{page: MessagePage{}}
	engine := newTestEngine(st, provider, &recordingResolver{})

	res, err := engine.Sync(context.Background(), conn.ID, "ws-1", Options{MaxMessages: 10, Filter: "isRead eq false"})
	require.NoError(t, err)
	assert.False(t, res.HasMore)

	require.Len(t, provider.listed, 1)
	assert.Equal(t, "cursor-a", provider.listed[0].Cursor)
	assert.Equal(t, 10, provider.listed[0].MaxMessages)
	assert.Equal(t, "isRead eq false", provider.listed[0].Filter)

	// An empty next cursor clears the stored one.
	stored, err := st.GetConnection(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.SyncCursor)
}

func TestSyncUnknownConnection(t *testing.T) {
	st := setupTestStore(t)
	engine := newTestEngine(st, &fakeProvider{}, &recordingResolver{})

	_, err := engine.Sync(context.Background(), "missing", "ws-1", Options{})
	assert.ErrorContains(t, err, "not found")
}

func TestSyncWorkspaceMismatch(t *testing.T) {
	st := setupTestStore(t)
	conn := makeConnection(t, st)
	engine := newTestEngine(st, &fakeProvider{}, &recordingResolver{})

	_, err := engine.Sync(context.Background(), conn.ID, "ws-other", Options{})
	assert.ErrorContains(t, err, "does not belong")
}

func TestSyncAuthFailureMarksNeedsReauth(t *testing.T) {
	st := setupTestStore(t)
	conn := makeConnection(t, st)
	provider := &fakeProvider{
		listErr: apperr.New(apperr.KindAuth, "graph.list", "token rejected"),
	}
	engine := newTestEngine(st, provider, &recordingResolver{})

	_, err := engine.Sync(context.Background(), conn.ID, "ws-1", Options{})
	require.Error(t, err)
	assert.True(t, apperr.IsAuth(err))

	stored, err := st.GetConnection(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusNeedsReauth, stored.Status)
}

func TestSyncTokenAuthFailureMarksNeedsReauth(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.EnsureWorkspace(ctx, "ws-1", "Test", "pro"))
	expiry := time.Now().Add(-time.Minute)
	conn := &store.ChannelConnection{
		ID:          uuid.NewString(),
		WorkspaceID: "ws-1",
		UserID:      "user-1",
		Provider:    string(ProviderMicrosoft),
		AccessToken: "at-expired",
		// No refresh token stored, the refresh itself is an auth failure.
		TokenExpiresAt: &expiry,
	}
	require.NoError(t, st.CreateConnection(ctx, conn))

	tokens := token.NewManager(st, map[string]*oauth2.Config{
		string(ProviderMicrosoft): {Endpoint: oauth2.Endpoint{TokenURL: "http://invalid.test/token"}},
	})
	factories := map[ProviderName]Factory{
		ProviderMicrosoft: func(ctx context.Context, accessToken string) (ChannelProvider, error) {
			t.Error("provider built despite auth failure")
			return nil, nil
		},
	}
	engine := NewEngine(st, tokens, &recordingResolver{}, factories, NewKeyedMutex())

	_, err := engine.Sync(ctx, conn.ID, "ws-1", Options{})
	require.Error(t, err)
	assert.True(t, apperr.IsAuth(err))

	stored, err := st.GetConnection(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusNeedsReauth, stored.Status)
}

func TestSyncUnsupportedProvider(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.EnsureWorkspace(ctx, "ws-1", "Test", "pro"))
	conn := &store.ChannelConnection{
		ID:          uuid.NewString(),
		WorkspaceID: "ws-1",
		UserID:      "user-1",
		Provider:    "telex",
		AccessToken: "at",
	}
	require.NoError(t, st.CreateConnection(ctx, conn))

	engine := newTestEngine(st, &fakeProvider{}, &recordingResolver{})
	_, err := engine.Sync(ctx, conn.ID, "ws-1", Options{})
	assert.ErrorContains(t, err, "unsupported provider")
}
