package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// Contact is one person per workspace.
type Contact struct {
	ID          string
	WorkspaceID string
	DisplayName string
	CreatedBy   string
}

// FindOrCreateContact resolves a contact and channel link for a sender,
// creating both when missing. Idempotent: repeated calls with the same
// (workspace, channelType, channelID) return the same contact id.
func (s *Store) FindOrCreateContact(ctx context.Context, workspaceID, userID, channelType, channelID, displayName string) (string, bool, error) {
	var contactID string
	err := s.DB.QueryRowContext(ctx, `
		SELECT contact_id FROM contact_channels
		WHERE workspace_id = ? AND channel_type = ? AND channel_id = ?
	`, workspaceID, channelType, channelID).Scan(&contactID)
	if err == nil {
		return contactID, false, nil
	}
	if err != sql.ErrNoRows {
		return "", false, fmt.Errorf("failed to look up contact channel: %w", err)
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	contactID = uuid.NewString()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO contacts (id, workspace_id, display_name, created_by)
		VALUES (?, ?, ?, ?)
	`, contactID, workspaceID, displayName, userID); err != nil {
		return "", false, fmt.Errorf("failed to insert contact: %w", err)
	}

	// A concurrent resolver may have inserted the channel link between the
	// lookup and this insert; the unique index turns that into a no-op and
	// the existing link wins.
	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO contact_channels (id, contact_id, workspace_id, channel_type, channel_id)
		VALUES (?, ?, ?, ?, ?)
	`, uuid.NewString(), contactID, workspaceID, channelType, channelID)
	if err != nil {
		return "", false, fmt.Errorf("failed to insert contact channel: %w", err)
	}
	inserted, _ := res.RowsAffected()
	if inserted == 0 {
		// Lost the race: drop our contact row and return the winner.
		if err := tx.Rollback(); err != nil {
			return "", false, fmt.Errorf("failed to roll back: %w", err)
		}
		err = s.DB.QueryRowContext(ctx, `
			SELECT contact_id FROM contact_channels
			WHERE workspace_id = ? AND channel_type = ? AND channel_id = ?
		`, workspaceID, channelType, channelID).Scan(&contactID)
		if err != nil {
			return "", false, fmt.Errorf("failed to reload contact channel: %w", err)
		}
		return contactID, false, nil
	}

	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("failed to commit: %w", err)
	}
	return contactID, true, nil
}
