// Package sync lists remote messages for a channel connection, normalizes
// them into the unified store and keeps the connection's cursor advancing.
// All work is single-flight per connection.
package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/uniboxhq/unibox-sync/internal/apperr"
	"github.com/uniboxhq/unibox-sync/internal/store"
	"github.com/uniboxhq/unibox-sync/internal/token"
)

// DefaultMaxMessages bounds one listing call when the caller does not.
const DefaultMaxMessages = 50

// EventMessageSynced is the outbox event type emitted per ingested message.
const EventMessageSynced = "message.synced"

// ContactResolver finds-or-creates a contact for a message sender.
// Implementations must be idempotent; the engine retries freely.
type ContactResolver interface {
	Resolve(ctx context.Context, workspaceID, userID, channelType, channelID, displayName string) (contactID string, isNew bool, err error)
}

// Options tune one sync call.
type Options struct {
	// MaxMessages bounds the listing; 0 means DefaultMaxMessages.
	MaxMessages int
	// Filter is a provider-syntax listing filter. Empty deliberately lists
	// recent messages regardless of read state.
	Filter string
}

// Result summarizes one sync call. A result with Errors > 0 is still a
// successful call.
type Result struct {
	Synced  int
	New     int
	Errors  int
	HasMore bool
}

// Engine is the message sync engine.
type Engine struct {
	store     *store.Store
	tokens    *token.Manager
	contacts  ContactResolver
	factories map[ProviderName]Factory
	locks     *KeyedMutex
}

// NewEngine creates a sync engine. locks is shared with the subscription
// manager so a sync and a renewal never refresh the same token concurrently.
func NewEngine(st *store.Store, tokens *token.Manager, contacts ContactResolver, factories map[ProviderName]Factory, locks *KeyedMutex) *Engine {
	return &Engine{
		store:     st,
		tokens:    tokens,
		contacts:  contacts,
		factories: factories,
		locks:     locks,
	}
}

// Sync lists remote messages for the connection and ingests the new ones.
// Per-message failures are counted and skipped; only conditions that make
// continuing meaningless (unknown connection, wrong provider, no valid
// token) return an error.
func (e *Engine) Sync(ctx context.Context, connectionID, workspaceID string, opts Options) (Result, error) {
	release := e.locks.Lock(connectionID)
	defer release()

	conn, err := e.store.GetConnection(ctx, connectionID)
	if err == sql.ErrNoRows {
		return Result{}, fmt.Errorf("connection %s not found", connectionID)
	}
	if err != nil {
		return Result{}, err
	}
	if conn.WorkspaceID != workspaceID {
		return Result{}, fmt.Errorf("connection %s does not belong to workspace %s", connectionID, workspaceID)
	}

	factory, ok := e.factories[ProviderName(conn.Provider)]
	if !ok {
		return Result{}, fmt.Errorf("unsupported provider %q for connection %s", conn.Provider, connectionID)
	}

	accessToken, err := e.tokens.AccessTokenFor(ctx, conn)
	if err != nil {
		if apperr.IsAuth(err) {
			if markErr := e.store.MarkNeedsReauth(ctx, conn.ID); markErr != nil {
				log.Printf("sync %s: mark needs-reauth: %v", conn.ID, markErr)
			}
		}
		return Result{}, err
	}

	provider, err := factory(ctx, accessToken)
	if err != nil {
		return Result{}, fmt.Errorf("create provider: %w", err)
	}

	maxMessages := opts.MaxMessages
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}

	page, err := provider.ListMessages(ctx, ListOptions{
		MaxMessages: maxMessages,
		Filter:      opts.Filter,
		Cursor:      conn.SyncCursor,
	})
	if err != nil {
		if apperr.IsAuth(err) {
			if markErr := e.store.MarkNeedsReauth(ctx, conn.ID); markErr != nil {
				log.Printf("sync %s: mark needs-reauth: %v", conn.ID, markErr)
			}
		}
		return Result{}, fmt.Errorf("list messages: %w", err)
	}

	var res Result
	for i := range page.Messages {
		rm := &page.Messages[i]
		isNew, err := e.ingest(ctx, conn, rm)
		if err != nil {
			res.Errors++
			log.Printf("sync %s: message %s: %v", conn.ID, rm.ID, err)
			continue
		}
		res.Synced++
		if isNew {
			res.New++
		}
	}

	// Cursor and last-sync advance after the loop, success or partial
	// failure, never before.
	if err := e.store.SaveSyncState(ctx, conn.ID, page.NextCursor, time.Now()); err != nil {
		log.Printf("sync %s: save sync state: %v", conn.ID, err)
	}

	res.HasMore = page.NextCursor != ""
	log.Printf("sync %s: synced=%d new=%d errors=%d hasMore=%v", conn.ID, res.Synced, res.New, res.Errors, res.HasMore)
	return res, nil
}

// ingest handles one remote message: normalize, dedup, persist, then
// best-effort contact resolution. Returns whether a new row was inserted.
func (e *Engine) ingest(ctx context.Context, conn *store.ChannelConnection, rm *RemoteMessage) (bool, error) {
	msg, err := normalizeMessage(conn, rm)
	if err != nil {
		return false, err
	}

	exists, err := e.store.MessageExists(ctx, conn.ID, msg.ProviderMessageID)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	if err := e.persist(ctx, conn, msg); err != nil {
		return false, err
	}

	if err := e.resolveContact(ctx, conn, msg); err != nil {
		log.Printf("sync %s: %v", conn.ID, err)
	}
	return true, nil
}

// persist inserts the message and its outbox event in one transaction.
func (e *Engine) persist(ctx context.Context, conn *store.ChannelConnection, msg *store.Message) error {
	event := map[string]any{
		"message_id":          msg.ID,
		"workspace_id":        msg.WorkspaceID,
		"connection_id":       msg.ConnectionID,
		"provider":            conn.Provider,
		"provider_message_id": msg.ProviderMessageID,
		"provider_thread_id":  msg.ProviderThreadID,
		"subject":             msg.Subject,
		"sender_email":        msg.SenderEmail,
		"snippet":             msg.Snippet,
		"received_at":         msg.ReceivedAt.Unix(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	natsSubject := fmt.Sprintf("workspace.%s.message.synced", msg.WorkspaceID)
	msgID := fmt.Sprintf("%s|%s|%s", EventMessageSynced, conn.Provider, msg.ProviderMessageID)

	tx, err := e.store.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := e.store.InsertMessageTx(ctx, tx, msg, natsSubject, EventMessageSynced, payload, msgID); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// resolveContact links the sender to a contact record. Failures classify as
// contact errors and never affect the message's own persistence.
func (e *Engine) resolveContact(ctx context.Context, conn *store.ChannelConnection, msg *store.Message) error {
	if e.contacts == nil || msg.SenderEmail == "" {
		return nil
	}
	_, _, err := e.contacts.Resolve(ctx, conn.WorkspaceID, conn.UserID, conn.Provider, msg.SenderEmail, msg.SenderName)
	return apperr.Wrap(apperr.KindContact, "sync.contact", err)
}
