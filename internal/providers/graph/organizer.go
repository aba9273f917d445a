package graph

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"

	"github.com/uniboxhq/unibox-sync/internal/apperr"
	"github.com/uniboxhq/unibox-sync/internal/sync"
)

var _ sync.MailboxOrganizer = (*Adapter)(nil)

// EnsureHandledCategory creates the handled master category if the mailbox
// does not already have it. A concurrent "already exists" response from the
// provider counts as success.
func (a *Adapter) EnsureHandledCategory(ctx context.Context) error {
	existing, err := a.client.Me().Outlook().MasterCategories().Get(ctx, nil)
	if err != nil {
		return classify("graph.list_categories", err)
	}
	for _, cat := range existing.GetValue() {
		if name := cat.GetDisplayName(); name != nil && *name == HandledCategory {
			return nil
		}
	}

	cat := models.NewOutlookCategory()
	name := HandledCategory
	cat.SetDisplayName(&name)
	color := models.PRESET3_CATEGORYCOLOR
	cat.SetColor(&color)

	if _, err := a.client.Me().Outlook().MasterCategories().Post(ctx, cat, nil); err != nil {
		if isConflict(err) {
			return nil
		}
		return classify("graph.create_category", err)
	}
	return nil
}

// MarkHandled applies the handled category to each message, preserving the
// categories already present. Calls are paced by the batch limiter.
func (a *Adapter) MarkHandled(ctx context.Context, messageIDs []string) error {
	for _, id := range messageIDs {
		if err := a.batchLimiter.Wait(ctx); err != nil {
			return err
		}
		if err := a.applyHandled(ctx, id); err != nil {
			// One unlabelable message does not stop the batch.
			log.Printf("graph: mark handled %s: %v", id, err)
		}
	}
	return nil
}

func (a *Adapter) applyHandled(ctx context.Context, messageID string) error {
	requestConfig := &users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{
			Select: []string{"id", "categories"},
		},
	}
	current, err := a.client.Me().Messages().ByMessageId(messageID).Get(ctx, requestConfig)
	if err != nil {
		return classify("graph.get_message", err)
	}

	categories := current.GetCategories()
	for _, c := range categories {
		if c == HandledCategory {
			return nil
		}
	}

	update := models.NewMessage()
	update.SetCategories(append(categories, HandledCategory))
	if _, err := a.client.Me().Messages().ByMessageId(messageID).Patch(ctx, update, nil); err != nil {
		return classify("graph.patch_message", err)
	}
	return nil
}

// Archive moves a message into the archive folder, creating the folder first
// when the provider reports it missing.
func (a *Adapter) Archive(ctx context.Context, messageID string) error {
	folderID, err := a.findFolder(ctx, archiveFolderName)
	if apperr.IsNotFound(err) {
		folderID, err = a.createFolder(ctx, archiveFolderName)
	}
	if err != nil {
		return err
	}

	body := users.NewItemMessagesItemMovePostRequestBody()
	body.SetDestinationId(&folderID)
	if _, err := a.client.Me().Messages().ByMessageId(messageID).Move().Post(ctx, body, nil); err != nil {
		return classify("graph.move_message", err)
	}
	return nil
}

func (a *Adapter) findFolder(ctx context.Context, displayName string) (string, error) {
	filter := fmt.Sprintf("displayName eq '%s'", displayName)
	requestConfig := &users.ItemMailFoldersRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMailFoldersRequestBuilderGetQueryParameters{
			Filter: &filter,
		},
	}
	result, err := a.client.Me().MailFolders().Get(ctx, requestConfig)
	if err != nil {
		return "", classify("graph.list_folders", err)
	}
	for _, folder := range result.GetValue() {
		if id := folder.GetId(); id != nil {
			return *id, nil
		}
	}
	return "", apperr.New(apperr.KindNotFound, "graph.find_folder", fmt.Sprintf("folder %q not found", displayName))
}

func (a *Adapter) createFolder(ctx context.Context, displayName string) (string, error) {
	folder := models.NewMailFolder()
	folder.SetDisplayName(&displayName)
	created, err := a.client.Me().MailFolders().Post(ctx, folder, nil)
	if err != nil {
		return "", classify("graph.create_folder", err)
	}
	if id := created.GetId(); id != nil {
		return *id, nil
	}
	return "", fmt.Errorf("created folder %q has no id", displayName)
}

func isConflict(err error) bool {
	var odErr *odataerrors.ODataError
	return errors.As(err, &odErr) && odErr.ResponseStatusCode == http.StatusConflict
}
