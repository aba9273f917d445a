package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// ConnectionStatus is the lifecycle state of a channel connection.
type ConnectionStatus string

const (
	StatusActive      ConnectionStatus = "active"
	StatusNeedsReauth ConnectionStatus = "needs_reauth"
	StatusDisabled    ConnectionStatus = "disabled"
)

// ChannelConnection links a workspace to one external mailbox.
//
// Mutation ownership: the token triple is written only by the token manager,
// webhook fields only by the subscription manager, cursor and last-sync only
// by the sync engine.
type ChannelConnection struct {
	ID                    string
	WorkspaceID           string
	UserID                string
	Provider              string
	Status                ConnectionStatus
	AccessToken           string
	RefreshToken          string
	TokenExpiresAt        *time.Time
	SyncCursor            string
	LastSyncedAt          *time.Time
	WebhookEnabled        bool
	WebhookSubscriptionID string
	WebhookExpiresAt      *time.Time
	Metadata              map[string]string
}

// HasSubscription reports whether a provider push subscription is recorded.
// The subscription id and expiry are both present or both absent.
func (c *ChannelConnection) HasSubscription() bool {
	return c.WebhookSubscriptionID != "" && c.WebhookExpiresAt != nil
}

const connectionColumns = `id, workspace_id, user_id, provider, status,
	access_token, refresh_token, token_expires_at, sync_cursor, last_synced_at,
	webhook_enabled, webhook_subscription_id, webhook_expires_at, metadata_json`

func scanConnection(row interface{ Scan(...any) error }) (*ChannelConnection, error) {
	var (
		c            ChannelConnection
		tokenExpiry  sql.NullInt64
		cursor       sql.NullString
		lastSynced   sql.NullInt64
		subID        sql.NullString
		subExpiry    sql.NullInt64
		metadataJSON string
	)
	err := row.Scan(&c.ID, &c.WorkspaceID, &c.UserID, &c.Provider, &c.Status,
		&c.AccessToken, &c.RefreshToken, &tokenExpiry, &cursor, &lastSynced,
		&c.WebhookEnabled, &subID, &subExpiry, &metadataJSON)
	if err != nil {
		return nil, err
	}
	if tokenExpiry.Valid {
		t := time.Unix(tokenExpiry.Int64, 0)
		c.TokenExpiresAt = &t
	}
	c.SyncCursor = cursor.String
	if lastSynced.Valid {
		t := time.Unix(lastSynced.Int64, 0)
		c.LastSyncedAt = &t
	}
	c.WebhookSubscriptionID = subID.String
	if subExpiry.Valid {
		t := time.Unix(subExpiry.Int64, 0)
		c.WebhookExpiresAt = &t
	}
	if metadataJSON != "" {
		_ = json.Unmarshal([]byte(metadataJSON), &c.Metadata)
	}
	// Rows written before metadata existed can hold "null"; keep the map writable.
	if c.Metadata == nil {
		c.Metadata = map[string]string{}
	}
	return &c, nil
}

// CreateConnection inserts a new connection created at OAuth completion.
func (s *Store) CreateConnection(ctx context.Context, c *ChannelConnection) error {
	if c.Status == "" {
		c.Status = StatusActive
	}
	if c.Metadata == nil {
		c.Metadata = map[string]string{}
	}
	metadata, err := json.Marshal(c.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	var tokenExpiry any
	if c.TokenExpiresAt != nil {
		tokenExpiry = c.TokenExpiresAt.Unix()
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO channel_connections
		(id, workspace_id, user_id, provider, status, access_token, refresh_token,
		 token_expires_at, webhook_enabled, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.WorkspaceID, c.UserID, c.Provider, c.Status, c.AccessToken,
		c.RefreshToken, tokenExpiry, c.WebhookEnabled, string(metadata))
	if err != nil {
		return fmt.Errorf("failed to insert connection: %w", err)
	}
	return nil
}

// GetConnection loads one connection by id. Returns sql.ErrNoRows when absent.
func (s *Store) GetConnection(ctx context.Context, id string) (*ChannelConnection, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT `+connectionColumns+` FROM channel_connections WHERE id = ?
	`, id)
	c, err := scanConnection(row)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load connection: %w", err)
	}
	return c, nil
}

// GetConnectionBySubscriptionID resolves the connection a webhook
// notification refers to.
func (s *Store) GetConnectionBySubscriptionID(ctx context.Context, subscriptionID string) (*ChannelConnection, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT `+connectionColumns+` FROM channel_connections
		WHERE webhook_subscription_id = ?
	`, subscriptionID)
	c, err := scanConnection(row)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load connection by subscription: %w", err)
	}
	return c, nil
}

// ListActiveConnections returns active connections for a provider. A sweep
// reads these without holding any connection lock.
func (s *Store) ListActiveConnections(ctx context.Context, provider string) ([]*ChannelConnection, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+connectionColumns+` FROM channel_connections
		WHERE provider = ? AND status = ?
		ORDER BY id
	`, provider, StatusActive)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	var conns []*ChannelConnection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		conns = append(conns, c)
	}
	return conns, rows.Err()
}

// SaveTokens persists a refreshed token triple. Called by the token manager
// immediately after every successful refresh.
func (s *Store) SaveTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE channel_connections
		SET access_token = ?, refresh_token = ?, token_expires_at = ?, updated_at = unixepoch()
		WHERE id = ?
	`, accessToken, refreshToken, expiresAt.Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to save tokens: %w", err)
	}
	return nil
}

// MarkNeedsReauth flags a connection after a failed refresh attempt.
func (s *Store) MarkNeedsReauth(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE channel_connections SET status = ?, updated_at = unixepoch() WHERE id = ?
	`, StatusNeedsReauth, id)
	if err != nil {
		return fmt.Errorf("failed to mark needs-reauth: %w", err)
	}
	return nil
}

// SetStatus updates the connection status.
func (s *Store) SetStatus(ctx context.Context, id string, status ConnectionStatus) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE channel_connections SET status = ?, updated_at = unixepoch() WHERE id = ?
	`, status, id)
	if err != nil {
		return fmt.Errorf("failed to set status: %w", err)
	}
	return nil
}

// SaveSubscription records the webhook subscription id, expiry and the
// client-state secret used to validate notifications.
func (s *Store) SaveSubscription(ctx context.Context, id, subscriptionID string, expiresAt time.Time, clientState string) error {
	conn, err := s.GetConnection(ctx, id)
	if err != nil {
		return err
	}
	conn.Metadata["client_state"] = clientState
	metadata, err := json.Marshal(conn.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
		UPDATE channel_connections
		SET webhook_enabled = 1, webhook_subscription_id = ?, webhook_expires_at = ?,
		    metadata_json = ?, updated_at = unixepoch()
		WHERE id = ?
	`, subscriptionID, expiresAt.Unix(), string(metadata), id)
	if err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	return nil
}

// UpdateSubscriptionExpiry extends the recorded expiry after a renewal.
func (s *Store) UpdateSubscriptionExpiry(ctx context.Context, id string, expiresAt time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE channel_connections SET webhook_expires_at = ?, updated_at = unixepoch() WHERE id = ?
	`, expiresAt.Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update subscription expiry: %w", err)
	}
	return nil
}

// ClearSubscription removes the webhook fields after a provider-side delete.
func (s *Store) ClearSubscription(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE channel_connections
		SET webhook_subscription_id = NULL, webhook_expires_at = NULL, updated_at = unixepoch()
		WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("failed to clear subscription: %w", err)
	}
	return nil
}

// SaveSyncState advances the cursor and last-sync timestamp. Called by the
// sync engine strictly after the per-message loop, success or partial failure.
func (s *Store) SaveSyncState(ctx context.Context, id, cursor string, syncedAt time.Time) error {
	var cur any
	if cursor != "" {
		cur = cursor
	}
	_, err := s.DB.ExecContext(ctx, `
		UPDATE channel_connections
		SET sync_cursor = ?, last_synced_at = ?, updated_at = unixepoch()
		WHERE id = ?
	`, cur, syncedAt.Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to save sync state: %w", err)
	}
	return nil
}
