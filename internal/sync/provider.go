package sync

import (
	"context"
	"time"
)

// ProviderName identifies an external message source.
type ProviderName string

const (
	ProviderMicrosoft ProviderName = "microsoft"
	ProviderGoogle    ProviderName = "google"
)

// BodyType is the content type a provider reported for a message body.
type BodyType string

const (
	BodyHTML    BodyType = "html"
	BodyText    BodyType = "text"
	BodyUnknown BodyType = ""
)

// Address is one mailbox participant.
type Address struct {
	Email string
	Name  string
}

// RemoteMessage is a provider message before normalization. Raw carries the
// provider's own serialization of the message, retained opaquely.
type RemoteMessage struct {
	ID         string
	ThreadID   string
	Subject    string
	Body       string
	BodyType   BodyType
	Preview    string
	Sender     Address
	To         []Address
	Cc         []Address
	Bcc        []Address
	Labels     []string
	Raw        []byte
	ReceivedAt time.Time
}

// ListOptions bound one listing call. An empty Filter deliberately lists
// recent messages regardless of read state, so that sync also discovers
// senders for contact creation among already-read mail.
type ListOptions struct {
	MaxMessages int
	Filter      string
	Cursor      string
}

// MessagePage is one page of listed messages, newest first. NextCursor is the
// provider's opaque pagination token, empty when no further page exists.
type MessagePage struct {
	Messages   []RemoteMessage
	NextCursor string
}

// SubscriptionRequest describes the push subscription to register.
type SubscriptionRequest struct {
	NotificationURL string
	ClientState     string
	ExpiresAt       time.Time
}

// Subscription is a provider-side push registration with a bounded lifetime.
type Subscription struct {
	ID        string
	ExpiresAt time.Time
}

// ChannelProvider is the contract any single provider integration satisfies.
// Adapters are constructed per operation with a currently-valid access token.
type ChannelProvider interface {
	// Name returns the provider identifier stored on connections.
	Name() ProviderName

	// ListMessages lists up to opts.MaxMessages recent messages, newest
	// first, resuming from opts.Cursor when set.
	ListMessages(ctx context.Context, opts ListOptions) (*MessagePage, error)

	// SupportsPush reports whether the provider offers push subscriptions.
	// Polling-only providers return false and never see the methods below.
	SupportsPush() bool

	// CreateSubscription registers a push subscription for the inbox.
	CreateSubscription(ctx context.Context, req SubscriptionRequest) (*Subscription, error)

	// RenewSubscription extends an existing subscription's expiry.
	RenewSubscription(ctx context.Context, id string, expiresAt time.Time) (*Subscription, error)

	// DeleteSubscription removes the provider-side subscription.
	DeleteSubscription(ctx context.Context, id string) error
}

// MailboxOrganizer is implemented by providers that support server-side
// message labeling and folder moves. Optional; assert at the call site.
type MailboxOrganizer interface {
	// EnsureHandledCategory creates the side-channel category applied to
	// processed messages, tolerating "already exists".
	EnsureHandledCategory(ctx context.Context) error

	// MarkHandled applies the handled category to the given messages.
	MarkHandled(ctx context.Context, messageIDs []string) error

	// Archive moves a message into the archive folder, creating the
	// folder when the provider reports it missing.
	Archive(ctx context.Context, messageID string) error
}

// Factory builds a provider adapter bound to an access token.
type Factory func(ctx context.Context, accessToken string) (ChannelProvider, error)
