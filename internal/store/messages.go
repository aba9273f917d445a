package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// RecipientRole distinguishes to/cc/bcc entries in the flat recipient list.
type RecipientRole string

const (
	RoleTo  RecipientRole = "to"
	RoleCc  RecipientRole = "cc"
	RoleBcc RecipientRole = "bcc"
)

// Recipient is one typed entry in a message's recipient list.
type Recipient struct {
	Email string        `json:"email"`
	Name  string        `json:"name,omitempty"`
	Role  RecipientRole `json:"role"`
}

// Message is one normalized remote message mirrored locally. Rows are written
// once by the sync engine and never mutated or deleted by it; the pair
// (connection_id, provider_message_id) is unique.
type Message struct {
	ID                string
	WorkspaceID       string
	ConnectionID      string
	ProviderMessageID string
	ProviderThreadID  string
	Subject           string
	BodyText          string
	BodyHTML          string
	Snippet           string
	SenderEmail       string
	SenderName        string
	Recipients        []Recipient
	Labels            []string
	Raw               []byte
	ReceivedAt        time.Time
}

// MessageExists reports whether a provider message has already been ingested
// for this connection. The dedup check the sync engine runs per message.
func (s *Store) MessageExists(ctx context.Context, connectionID, providerMessageID string) (bool, error) {
	var one int
	err := s.DB.QueryRowContext(ctx, `
		SELECT 1 FROM messages WHERE connection_id = ? AND provider_message_id = ?
	`, connectionID, providerMessageID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check message: %w", err)
	}
	return true, nil
}

// InsertMessageTx inserts a message row and its outbox entry in one
// transaction, so an event is published if and only if the row landed.
func (s *Store) InsertMessageTx(ctx context.Context, tx *sql.Tx, m *Message, natsSubject, eventType string, payload []byte, msgID string) error {
	recipients, err := json.Marshal(m.Recipients)
	if err != nil {
		return fmt.Errorf("failed to encode recipients: %w", err)
	}
	labels, err := json.Marshal(m.Labels)
	if err != nil {
		return fmt.Errorf("failed to encode labels: %w", err)
	}

	var bodyHTML any
	if m.BodyHTML != "" {
		bodyHTML = m.BodyHTML
	}
	var threadID any
	if m.ProviderThreadID != "" {
		threadID = m.ProviderThreadID
	}
	var raw any
	if len(m.Raw) > 0 {
		raw = string(m.Raw)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages
		(id, workspace_id, connection_id, provider_message_id, provider_thread_id,
		 subject, body_text, body_html, snippet, sender_email, sender_name,
		 recipients_json, labels_json, raw_json, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.WorkspaceID, m.ConnectionID, m.ProviderMessageID, threadID,
		m.Subject, m.BodyText, bodyHTML, m.Snippet, m.SenderEmail, m.SenderName,
		string(recipients), string(labels), raw, m.ReceivedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, time.Now().Unix(), natsSubject, eventType, payload, msgID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to insert outbox entry: %w", err)
	}

	return nil
}

// CountMessages returns the number of stored messages for a connection.
func (s *Store) CountMessages(ctx context.Context, connectionID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages WHERE connection_id = ?
	`, connectionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}
