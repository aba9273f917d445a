// Package graph adapts the Microsoft Graph mailbox API to the channel
// provider contract: message listing, push subscriptions, and the handled
// category and archive folder side operations.
package graph

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	kiotajson "github.com/microsoft/kiota-serialization-json-go"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	"golang.org/x/time/rate"

	"github.com/uniboxhq/unibox-sync/internal/apperr"
	"github.com/uniboxhq/unibox-sync/internal/sync"
)

const (
	// HandledCategory is the side-channel category applied to processed
	// messages.
	HandledCategory = "Unibox Handled"

	archiveFolderName = "Archive"

	subscriptionResource   = "me/mailFolders('inbox')/messages"
	subscriptionChangeType = "created"
)

var messageSelect = []string{
	"id", "conversationId", "subject", "from", "toRecipients", "ccRecipients",
	"bccRecipients", "body", "bodyPreview", "receivedDateTime", "categories",
}

// Adapter implements the channel provider contract for Microsoft Graph.
type Adapter struct {
	client *msgraphsdk.GraphServiceClient

	// batchLimiter throttles multi-message side effects such as applying
	// the handled category, replacing a fixed inter-call delay.
	batchLimiter *rate.Limiter
}

// New creates a Graph adapter bound to an access token.
func New(ctx context.Context, accessToken string) (*Adapter, error) {
	cred := &staticTokenCredential{token: accessToken}

	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}

	return &Adapter{
		client:       client,
		batchLimiter: rate.NewLimiter(rate.Every(100*time.Millisecond), 1),
	}, nil
}

// Factory builds adapters for the provider registry.
func Factory(ctx context.Context, accessToken string) (sync.ChannelProvider, error) {
	return New(ctx, accessToken)
}

func (a *Adapter) Name() sync.ProviderName { return sync.ProviderMicrosoft }

func (a *Adapter) SupportsPush() bool { return true }

// ListMessages lists recent messages newest first. A cursor resumes from the
// stored next-page link; without one a fresh listing starts at the top of
// the mailbox.
func (a *Adapter) ListMessages(ctx context.Context, opts sync.ListOptions) (*sync.MessagePage, error) {
	var (
		result models.MessageCollectionResponseable
		err    error
	)

	if opts.Cursor != "" {
		builder := users.NewItemMessagesRequestBuilder(opts.Cursor, a.client.GetAdapter())
		result, err = builder.Get(ctx, nil)
	} else {
		requestConfig := &users.ItemMessagesRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.ItemMessagesRequestBuilderGetQueryParameters{
				Top:     int32Ptr(int32(opts.MaxMessages)),
				Select:  messageSelect,
				Orderby: []string{"receivedDateTime DESC"},
			},
		}
		if opts.Filter != "" {
			requestConfig.QueryParameters.Filter = &opts.Filter
		}
		result, err = a.client.Me().Messages().Get(ctx, requestConfig)
	}
	if err != nil {
		return nil, classify("graph.list_messages", err)
	}

	page := &sync.MessagePage{}
	for _, msg := range result.GetValue() {
		page.Messages = append(page.Messages, normalize(msg))
	}
	if next := result.GetOdataNextLink(); next != nil {
		page.NextCursor = *next
	}
	return page, nil
}

// CreateSubscription registers a push subscription on the inbox resource.
func (a *Adapter) CreateSubscription(ctx context.Context, req sync.SubscriptionRequest) (*sync.Subscription, error) {
	sub := models.NewSubscription()
	changeType := subscriptionChangeType
	resource := subscriptionResource
	sub.SetChangeType(&changeType)
	sub.SetResource(&resource)
	sub.SetNotificationUrl(&req.NotificationURL)
	sub.SetClientState(&req.ClientState)
	expiry := req.ExpiresAt
	sub.SetExpirationDateTime(&expiry)

	created, err := a.client.Subscriptions().Post(ctx, sub, nil)
	if err != nil {
		return nil, classify("graph.create_subscription", err)
	}

	out := &sync.Subscription{}
	if id := created.GetId(); id != nil {
		out.ID = *id
	}
	if exp := created.GetExpirationDateTime(); exp != nil {
		out.ExpiresAt = *exp
	}
	return out, nil
}

// RenewSubscription patches the subscription's expiry.
func (a *Adapter) RenewSubscription(ctx context.Context, id string, expiresAt time.Time) (*sync.Subscription, error) {
	sub := models.NewSubscription()
	sub.SetExpirationDateTime(&expiresAt)

	patched, err := a.client.Subscriptions().BySubscriptionId(id).Patch(ctx, sub, nil)
	if err != nil {
		return nil, classify("graph.renew_subscription", err)
	}

	out := &sync.Subscription{ID: id}
	if patchedID := patched.GetId(); patchedID != nil {
		out.ID = *patchedID
	}
	if exp := patched.GetExpirationDateTime(); exp != nil {
		out.ExpiresAt = *exp
	}
	return out, nil
}

// DeleteSubscription removes the provider-side subscription.
func (a *Adapter) DeleteSubscription(ctx context.Context, id string) error {
	if err := a.client.Subscriptions().BySubscriptionId(id).Delete(ctx, nil); err != nil {
		return classify("graph.delete_subscription", err)
	}
	return nil
}

// normalize converts a Graph message to the provider-agnostic shape.
func normalize(m models.Messageable) sync.RemoteMessage {
	rm := sync.RemoteMessage{}

	if id := m.GetId(); id != nil {
		rm.ID = *id
	}
	if convID := m.GetConversationId(); convID != nil {
		rm.ThreadID = *convID
	}
	if subject := m.GetSubject(); subject != nil {
		rm.Subject = *subject
	}
	if body := m.GetBody(); body != nil {
		if content := body.GetContent(); content != nil {
			rm.Body = *content
		}
		if ct := body.GetContentType(); ct != nil {
			switch *ct {
			case models.HTML_BODYTYPE:
				rm.BodyType = sync.BodyHTML
			case models.TEXT_BODYTYPE:
				rm.BodyType = sync.BodyText
			}
		}
	}
	if preview := m.GetBodyPreview(); preview != nil {
		rm.Preview = *preview
	}
	if from := m.GetFrom(); from != nil {
		rm.Sender = extractAddress(from)
	}
	rm.To = extractAddresses(m.GetToRecipients())
	rm.Cc = extractAddresses(m.GetCcRecipients())
	rm.Bcc = extractAddresses(m.GetBccRecipients())
	rm.Labels = m.GetCategories()
	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		rm.ReceivedAt = *rcvd
	}
	rm.Raw = serializeRaw(m)

	return rm
}

// serializeRaw re-serializes the provider payload so it can be stored
// opaquely alongside the normalized message.
func serializeRaw(m models.Messageable) []byte {
	writer := kiotajson.NewJsonSerializationWriter()
	defer writer.Close()
	if err := writer.WriteObjectValue("", m); err != nil {
		return nil
	}
	content, err := writer.GetSerializedContent()
	if err != nil {
		return nil
	}
	return content
}

func extractAddress(r models.Recipientable) sync.Address {
	addr := sync.Address{}
	if emailAddr := r.GetEmailAddress(); emailAddr != nil {
		if a := emailAddr.GetAddress(); a != nil {
			addr.Email = *a
		}
		if n := emailAddr.GetName(); n != nil {
			addr.Name = *n
		}
	}
	return addr
}

func extractAddresses(recipients []models.Recipientable) []sync.Address {
	var addrs []sync.Address
	for _, r := range recipients {
		addrs = append(addrs, extractAddress(r))
	}
	return addrs
}

// classify maps Graph errors onto the error taxonomy.
func classify(op string, err error) error {
	var odErr *odataerrors.ODataError
	if errors.As(err, &odErr) {
		switch code := odErr.ResponseStatusCode; {
		case code == http.StatusUnauthorized || code == http.StatusForbidden:
			return apperr.Wrap(apperr.KindAuth, op, err)
		case code == http.StatusNotFound:
			return apperr.Wrap(apperr.KindNotFound, op, err)
		case code == http.StatusTooManyRequests || code >= 500:
			return apperr.Wrap(apperr.KindTransient, op, err)
		}
		return apperr.Wrap(apperr.KindTransient, op, err)
	}
	return apperr.Wrap(apperr.KindTransient, op, err)
}

// staticTokenCredential bridges an already-resolved access token into the
// Azure credential interface the SDK expects.
type staticTokenCredential struct {
	token string
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{
		Token:     c.token,
		ExpiresOn: time.Now().Add(1 * time.Hour),
	}, nil
}

func int32Ptr(i int32) *int32 {
	return &i
}
