// Package contacts resolves message senders into contact records. The sync
// engine calls Resolve once per new message; the operation is an idempotent
// find-or-create.
package contacts

import (
	"context"
	"log"

	"github.com/uniboxhq/unibox-sync/internal/store"
)

// Resolver finds-or-creates contacts and channel links in the store.
type Resolver struct {
	store *store.Store
}

// NewResolver creates a store-backed resolver.
func NewResolver(st *store.Store) *Resolver {
	return &Resolver{store: st}
}

// Resolve returns the contact id for (workspace, channelType, channelID),
// creating the contact and channel link when missing. Safe to retry.
func (r *Resolver) Resolve(ctx context.Context, workspaceID, userID, channelType, channelID, displayName string) (string, bool, error) {
	contactID, isNew, err := r.store.FindOrCreateContact(ctx, workspaceID, userID, channelType, channelID, displayName)
	if err != nil {
		return "", false, err
	}
	if isNew {
		log.Printf("contact created: workspace %s, %s %s", workspaceID, channelType, channelID)
	}
	return contactID, isNew, nil
}
