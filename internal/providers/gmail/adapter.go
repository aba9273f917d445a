// Package gmail adapts the Gmail API to the channel provider contract.
// Gmail connections run polling-only here: the adapter reports no push
// support, so subscription lifecycle management never touches it.
package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"golang.org/x/oauth2"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/uniboxhq/unibox-sync/internal/apperr"
	"github.com/uniboxhq/unibox-sync/internal/sync"
)

// Adapter implements the channel provider contract for Gmail.
type Adapter struct {
	svc *gmailapi.Service
}

// New creates a Gmail adapter bound to an access token.
func New(ctx context.Context, accessToken string) (*Adapter, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})
	svc, err := gmailapi.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return &Adapter{svc: svc}, nil
}

// Factory builds adapters for the provider registry.
func Factory(ctx context.Context, accessToken string) (sync.ChannelProvider, error) {
	return New(ctx, accessToken)
}

func (a *Adapter) Name() sync.ProviderName { return sync.ProviderGoogle }

func (a *Adapter) SupportsPush() bool { return false }

// ListMessages lists recent messages newest first (Gmail's natural order),
// resuming from the page token in opts.Cursor.
func (a *Adapter) ListMessages(ctx context.Context, opts sync.ListOptions) (*sync.MessagePage, error) {
	call := a.svc.Users.Messages.List("me").
		IncludeSpamTrash(false).
		MaxResults(int64(opts.MaxMessages)).
		Context(ctx)
	if opts.Filter != "" {
		call = call.Q(opts.Filter)
	}
	if opts.Cursor != "" {
		call = call.PageToken(opts.Cursor)
	}

	listing, err := call.Do()
	if err != nil {
		return nil, classify("gmail.list_messages", err)
	}

	page := &sync.MessagePage{NextCursor: listing.NextPageToken}
	for _, ref := range listing.Messages {
		full, err := a.svc.Users.Messages.Get("me", ref.Id).Format("full").Context(ctx).Do()
		if err != nil {
			classified := classify("gmail.get_message", err)
			// A message deleted between List and Get vanishes, it does
			// not fail the page.
			if apperr.IsNotFound(classified) {
				log.Printf("gmail: message %s gone between list and get, skipping", ref.Id)
				continue
			}
			return nil, classified
		}
		page.Messages = append(page.Messages, normalize(full))
	}
	return page, nil
}

// CreateSubscription is never reached; Gmail connections poll.
func (a *Adapter) CreateSubscription(ctx context.Context, req sync.SubscriptionRequest) (*sync.Subscription, error) {
	return nil, errors.New("gmail: push subscriptions not supported")
}

func (a *Adapter) RenewSubscription(ctx context.Context, id string, expiresAt time.Time) (*sync.Subscription, error) {
	return nil, errors.New("gmail: push subscriptions not supported")
}

func (a *Adapter) DeleteSubscription(ctx context.Context, id string) error {
	return errors.New("gmail: push subscriptions not supported")
}

// normalize converts a Gmail message to the provider-agnostic shape.
func normalize(m *gmailapi.Message) sync.RemoteMessage {
	headers := make(map[string]string)
	if m.Payload != nil {
		for _, kv := range m.Payload.Headers {
			headers[kv.Name] = kv.Value
		}
	}

	body, bodyType := extractBody(m.Payload)

	rm := sync.RemoteMessage{
		ID:         m.Id,
		ThreadID:   m.ThreadId,
		Subject:    headers["Subject"],
		Body:       body,
		BodyType:   bodyType,
		Preview:    m.Snippet,
		Sender:     parseAddress(headers["From"]),
		To:         parseAddressList(headers["To"]),
		Cc:         parseAddressList(headers["Cc"]),
		Bcc:        parseAddressList(headers["Bcc"]),
		Labels:     m.LabelIds,
		ReceivedAt: time.UnixMilli(m.InternalDate),
	}
	if raw, err := json.Marshal(m); err == nil {
		rm.Raw = raw
	}
	return rm
}

// extractBody walks the MIME tree preferring text/html so rich content is
// retained; text/plain is the fallback.
func extractBody(part *gmailapi.MessagePart) (string, sync.BodyType) {
	if part == nil {
		return "", sync.BodyUnknown
	}
	if html := findPart(part, "text/html"); html != "" {
		return html, sync.BodyHTML
	}
	if plain := findPart(part, "text/plain"); plain != "" {
		return plain, sync.BodyText
	}
	return "", sync.BodyUnknown
}

func findPart(part *gmailapi.MessagePart, mimeType string) string {
	if part.MimeType == mimeType && part.Body != nil && part.Body.Data != "" {
		decoded, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(part.Body.Data)
		if err != nil {
			return ""
		}
		return string(decoded)
	}
	for _, child := range part.Parts {
		if found := findPart(child, mimeType); found != "" {
			return found
		}
	}
	return ""
}

func parseAddress(s string) sync.Address {
	if s == "" {
		return sync.Address{}
	}
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return sync.Address{Email: strings.TrimSpace(s)}
	}
	return sync.Address{Email: addr.Address, Name: addr.Name}
}

func parseAddressList(s string) []sync.Address {
	if s == "" {
		return nil
	}
	addrs, err := mail.ParseAddressList(s)
	if err != nil {
		var out []sync.Address
		for _, part := range strings.Split(s, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, sync.Address{Email: trimmed})
			}
		}
		return out
	}
	out := make([]sync.Address, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, sync.Address{Email: a.Address, Name: a.Name})
	}
	return out
}

// classify maps Gmail API errors onto the error taxonomy.
func classify(op string, err error) error {
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		switch code := gErr.Code; {
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
