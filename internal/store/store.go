// Package store is the sqlite-backed credential and message store. It owns
// the ChannelConnection rows (tokens, webhook state, sync cursor), the
// deduplicated message mirror, contact records and the transactional outbox.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Capabilities describes optional schema features detected once at open.
// Deployments without the webhook columns run polling-only.
type Capabilities struct {
	Webhooks bool
}

// Store wraps the sqlite database.
type Store struct {
	DB   *sql.DB
	caps Capabilities
}

// Open opens or creates the database at dbPath and applies the schema.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." && dbPath != ":memory:" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &Store{DB: db}
	s.caps = s.detectCapabilities()
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.DB.Close()
}

// Capabilities reports what the schema supports. Resolved once at open.
func (s *Store) Capabilities() Capabilities {
	return s.caps
}

// detectCapabilities inspects the channel_connections columns. Older
// deployments that have not applied the webhook migration lack
// webhook_subscription_id; those run polling-only.
func (s *Store) detectCapabilities() Capabilities {
	rows, err := s.DB.Query(`SELECT name FROM pragma_table_info('channel_connections')`)
	if err != nil {
		return Capabilities{}
	}
	defer rows.Close()

	caps := Capabilities{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			continue
		}
		if name == "webhook_subscription_id" {
			caps.Webhooks = true
		}
	}
	return caps
}

// EnsureWorkspace upserts a workspace row with the given plan tier.
func (s *Store) EnsureWorkspace(ctx context.Context, id, name, planTier string) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO workspaces (id, name, plan_tier)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, plan_tier = excluded.plan_tier
	`, id, name, planTier)
	if err != nil {
		return fmt.Errorf("failed to upsert workspace: %w", err)
	}
	return nil
}

// WorkspacePlanTier returns the plan tier for a workspace, or "free" if the
// workspace row does not exist.
func (s *Store) WorkspacePlanTier(ctx context.Context, workspaceID string) (string, error) {
	var tier string
	err := s.DB.QueryRowContext(ctx, `
		SELECT plan_tier FROM workspaces WHERE id = ?
	`, workspaceID).Scan(&tier)
	if err == sql.ErrNoRows {
		return "free", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load workspace plan: %w", err)
	}
	return tier, nil
}
