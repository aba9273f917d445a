// Package subscriptions manages provider push subscriptions: creation,
// renewal, deletion and the periodic sweep that renews everything nearing
// expiry.
package subscriptions

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	stdsync "sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/uniboxhq/unibox-sync/internal/apperr"
	"github.com/uniboxhq/unibox-sync/internal/store"
	mailsync "github.com/uniboxhq/unibox-sync/internal/sync"
	"github.com/uniboxhq/unibox-sync/internal/token"
)

const (
	// DefaultLifetime is the provider's maximum subscription lifetime
	// (3 days for Graph mailbox resources) minus a safety margin.
	DefaultLifetime = 72*time.Hour - 15*time.Minute

	// DefaultThresholdHours is how close to expiry a subscription must be
	// before the sweep renews it.
	DefaultThresholdHours = 12

	// DefaultSweepConcurrency bounds the sweep's fan-out so one run cannot
	// trip the provider's rate limiter.
	DefaultSweepConcurrency = 4
)

// PlanChecker gates push subscriptions on the workspace's plan tier.
// Workspaces without push rely purely on polling.
type PlanChecker interface {
	SupportsPush(ctx context.Context, workspaceID string) (bool, error)
}

// Config tunes the manager.
type Config struct {
	// NotificationURL is the public webhook endpoint registered with the
	// provider. Empty (local/dev) turns subscription creation into a
	// deliberate no-op.
	NotificationURL  string
	Lifetime         time.Duration
	SweepConcurrency int
}

// SweepResult summarizes one sweep run.
type SweepResult struct {
	Checked int
	Renewed int
	Failed  int
}

// Manager is the subscription lifecycle manager.
type Manager struct {
	store     *store.Store
	tokens    *token.Manager
	factories map[mailsync.ProviderName]mailsync.Factory
	locks     *mailsync.KeyedMutex
	plans     PlanChecker
	caps      store.Capabilities
	cfg       Config
	now       func() time.Time
}

// NewManager creates a subscription manager. locks must be the same registry
// the sync engine uses; both hold it around token refresh.
func NewManager(st *store.Store, tokens *token.Manager, factories map[mailsync.ProviderName]mailsync.Factory, locks *mailsync.KeyedMutex, plans PlanChecker, cfg Config) *Manager {
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = DefaultLifetime
	}
	if cfg.SweepConcurrency <= 0 {
		cfg.SweepConcurrency = DefaultSweepConcurrency
	}
	return &Manager{
		store:     st,
		tokens:    tokens,
		factories: factories,
		locks:     locks,
		plans:     plans,
		caps:      st.Capabilities(),
		cfg:       cfg,
		now:       time.Now,
	}
}

// Create registers a push subscription for the connection's inbox. Returns
// (nil, nil) when the environment has no notification URL, the schema lacks
// webhook support, the workspace's plan has no push, or the provider cannot
// push: all of those are polling-only outcomes, not failures.
func (m *Manager) Create(ctx context.Context, connectionID string) (*mailsync.Subscription, error) {
	release := m.locks.Lock(connectionID)
	defer release()

	conn, err := m.loadConnection(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	return m.createLocked(ctx, conn)
}

func (m *Manager) createLocked(ctx context.Context, conn *store.ChannelConnection) (*mailsync.Subscription, error) {
	if !m.caps.Webhooks {
		log.Printf("subscription create %s: schema has no webhook support, polling only", conn.ID)
		return nil, nil
	}
	if m.cfg.NotificationURL == "" {
		log.Printf("subscription create %s: no notification URL configured, skipping", conn.ID)
		return nil, nil
	}

	if m.plans != nil {
		ok, err := m.plans.SupportsPush(ctx, conn.WorkspaceID)
		if err != nil {
			return nil, fmt.Errorf("plan check: %w", err)
		}
		if !ok {
			log.Printf("subscription create %s: workspace %s plan has no push, polling only", conn.ID, conn.WorkspaceID)
			return nil, nil
		}
	}

	provider, err := m.provider(ctx, conn)
	if err != nil {
		return nil, err
	}
	if !provider.SupportsPush() {
		log.Printf("subscription create %s: provider %s has no push support", conn.ID, conn.Provider)
		return nil, nil
	}

	clientState := uuid.NewString()
	sub, err := provider.CreateSubscription(ctx, mailsync.SubscriptionRequest{
		NotificationURL: m.cfg.NotificationURL,
		ClientState:     clientState,
		ExpiresAt:       m.now().Add(m.cfg.Lifetime),
	})
	if err != nil {
		if apperr.IsAuth(err) {
			m.markReauth(ctx, conn.ID)
		}
		return nil, fmt.Errorf("create subscription: %w", err)
	}

	if org, ok := provider.(mailsync.MailboxOrganizer); ok {
		if err := org.EnsureHandledCategory(ctx); err != nil {
			log.Printf("subscription create %s: ensure handled category: %v", conn.ID, err)
		}
	}

	if err := m.store.SaveSubscription(ctx, conn.ID, sub.ID, sub.ExpiresAt, clientState); err != nil {
		return nil, err
	}
	log.Printf("subscription created: connection %s, id %s, expires %s", conn.ID, sub.ID, sub.ExpiresAt.Format(time.RFC3339))
	return sub, nil
}

// Renew extends the subscription's expiry. A provider not-found response
// falls back to creating a fresh subscription; that case never surfaces as
// a hard failure.
func (m *Manager) Renew(ctx context.Context, connectionID, subscriptionID string) (*mailsync.Subscription, error) {
	release := m.locks.Lock(connectionID)
	defer release()

	conn, err := m.loadConnection(ctx, connectionID)
	if err != nil {
		return nil, err
	}

	provider, err := m.provider(ctx, conn)
	if err != nil {
		return nil, err
	}

	sub, err := provider.RenewSubscription(ctx, subscriptionID, m.now().Add(m.cfg.Lifetime))
	if apperr.IsNotFound(err) {
		log.Printf("subscription renew %s: %s gone at provider, recreating", conn.ID, subscriptionID)
		// Drop the stale record first: when recreation legitimately
		// no-ops (plan downgraded, notification URL removed), a kept id
		// would make every sweep retry a subscription that no longer
		// exists.
		if err := m.store.ClearSubscription(ctx, conn.ID); err != nil {
			return nil, err
		}
		return m.createLocked(ctx, conn)
	}
	if err != nil {
		if apperr.IsAuth(err) {
			m.markReauth(ctx, conn.ID)
		}
		return nil, fmt.Errorf("renew subscription: %w", err)
	}

	if err := m.store.UpdateSubscriptionExpiry(ctx, conn.ID, sub.ExpiresAt); err != nil {
		return nil, err
	}
	log.Printf("subscription renewed: connection %s, id %s, expires %s", conn.ID, sub.ID, sub.ExpiresAt.Format(time.RFC3339))
	return sub, nil
}

// Delete removes the provider-side subscription and clears the local webhook
// fields. "Already gone" is success.
func (m *Manager) Delete(ctx context.Context, connectionID, subscriptionID string) error {
	release := m.locks.Lock(connectionID)
	defer release()

	conn, err := m.loadConnection(ctx, connectionID)
	if err != nil {
		return err
	}

	if subscriptionID != "" {
		provider, err := m.provider(ctx, conn)
		if err != nil {
			return err
		}
		if err := provider.DeleteSubscription(ctx, subscriptionID); err != nil && !apperr.IsNotFound(err) {
			if apperr.IsAuth(err) {
				m.markReauth(ctx, conn.ID)
			}
			return fmt.Errorf("delete subscription: %w", err)
		}
	}

	if err := m.store.ClearSubscription(ctx, conn.ID); err != nil {
		return err
	}
	log.Printf("subscription deleted: connection %s", conn.ID)
	return nil
}

// RenewIfNeeded renews when the subscription expires within thresholdHours
// (inclusive). Without a recorded subscription it delegates to Create.
// Returns whether a renewal happened.
func (m *Manager) RenewIfNeeded(ctx context.Context, connectionID, subscriptionID string, expiresAt time.Time, thresholdHours int) (bool, error) {
	if thresholdHours <= 0 {
		thresholdHours = DefaultThresholdHours
	}

	if subscriptionID == "" {
		_, err := m.Create(ctx, connectionID)
		return false, err
	}

	hoursUntil := expiresAt.Sub(m.now()).Hours()
	if hoursUntil > float64(thresholdHours) {
		return false, nil
	}

	if _, err := m.Renew(ctx, connectionID, subscriptionID); err != nil {
		return false, err
	}
	return true, nil
}

// SweepAll renews every active, webhook-enabled connection with a recorded
// expiry. Per-connection failures are isolated; fan-out is bounded.
func (m *Manager) SweepAll(ctx context.Context, thresholdHours int) (SweepResult, error) {
	var conns []*store.ChannelConnection
	for name := range m.factories {
		provConns, err := m.store.ListActiveConnections(ctx, string(name))
		if err != nil {
			return SweepResult{}, err
		}
		for _, c := range provConns {
			if c.WebhookEnabled && c.HasSubscription() {
				conns = append(conns, c)
			}
		}
	}

	var renewed, failed atomic.Int64
	sem := make(chan struct{}, m.cfg.SweepConcurrency)
	var wg stdsync.WaitGroup

	for _, conn := range conns {
		conn := conn
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			ok, err := m.RenewIfNeeded(ctx, conn.ID, conn.WebhookSubscriptionID, *conn.WebhookExpiresAt, thresholdHours)
			if err != nil {
				failed.Add(1)
				log.Printf("sweep: connection %s: %v", conn.ID, err)
				return
			}
			if ok {
				renewed.Add(1)
			}
		}()
	}
	wg.Wait()

	res := SweepResult{Checked: len(conns), Renewed: int(renewed.Load()), Failed: int(failed.Load())}
	log.Printf("sweep done: checked=%d renewed=%d failed=%d", len(conns), res.Renewed, res.Failed)
	return res, nil
}

func (m *Manager) loadConnection(ctx context.Context, connectionID string) (*store.ChannelConnection, error) {
	conn, err := m.store.GetConnection(ctx, connectionID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("connection %s not found", connectionID)
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// provider resolves a fresh access token and builds the adapter.
func (m *Manager) provider(ctx context.Context, conn *store.ChannelConnection) (mailsync.ChannelProvider, error) {
	factory, ok := m.factories[mailsync.ProviderName(conn.Provider)]
	if !ok {
		return nil, fmt.Errorf("unsupported provider %q for connection %s", conn.Provider, conn.ID)
	}
	accessToken, err := m.tokens.AccessTokenFor(ctx, conn)
	if err != nil {
		if apperr.IsAuth(err) {
			m.markReauth(ctx, conn.ID)
		}
		return nil, err
	}
	return factory(ctx, accessToken)
}

func (m *Manager) markReauth(ctx context.Context, connectionID string) {
	if err := m.store.MarkNeedsReauth(ctx, connectionID); err != nil {
		log.Printf("subscription %s: mark needs-reauth: %v", connectionID, err)
	}
}
