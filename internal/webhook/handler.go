// Package webhook receives provider push notifications, validates their
// client state against the value stored at subscription creation, and
// triggers incremental syncs.
package webhook

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/uniboxhq/unibox-sync/internal/apperr"
	"github.com/uniboxhq/unibox-sync/internal/store"
	"github.com/uniboxhq/unibox-sync/internal/sync"
)

// webhookBatchSize keeps notification-triggered syncs small; the periodic
// poll picks up anything a burst of notifications misses.
const webhookBatchSize = 10

// syncTimeout bounds the background sync a notification kicks off.
const syncTimeout = 2 * time.Minute

// SyncTrigger starts an incremental sync for a connection.
type SyncTrigger interface {
	Sync(ctx context.Context, connectionID, workspaceID string, opts sync.Options) (sync.Result, error)
}

// Notification is the provider's push payload.
type Notification struct {
	Value []ChangeNotification `json:"value"`
}

// ChangeNotification is one change entry inside a notification.
type ChangeNotification struct {
	SubscriptionID string `json:"subscriptionId"`
	ClientState    string `json:"clientState"`
	ChangeType     string `json:"changeType"`
	Resource       string `json:"resource"`
	ResourceData   struct {
		ID string `json:"id"`
	} `json:"resourceData"`
}

// Handler is the webhook HTTP endpoint.
type Handler struct {
	store  *store.Store
	engine SyncTrigger
}

// NewHandler creates a webhook handler.
func NewHandler(st *store.Store, engine SyncTrigger) *Handler {
	return &Handler{store: st, engine: engine}
}

// Register mounts the webhook route.
func (h *Handler) Register(r gin.IRoutes) {
	r.POST("/webhooks/graph", h.handleGraph)
}

// handleGraph answers the subscription handshake and processes change
// notifications. The provider expects a fast 2xx; syncs run in the
// background after acknowledgment.
func (h *Handler) handleGraph(c *gin.Context) {
	// Subscription-creation handshake: echo the validation token.
	if token := c.Query("validationToken"); token != "" {
		c.String(http.StatusOK, "%s", token)
		return
	}

	var notification Notification
	if err := c.ShouldBindJSON(&notification); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed notification"})
		return
	}

	accepted := 0
	for _, change := range notification.Value {
		if err := h.process(c.Request.Context(), change); err != nil {
			log.Printf("webhook: subscription %s: %v", change.SubscriptionID, err)
			continue
		}
		accepted++
	}

	if accepted == 0 && len(notification.Value) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "client state validation failed"})
		return
	}
	c.Status(http.StatusAccepted)
}

// process validates one change notification and, on success, starts a
// small-batch incremental sync. An invalid notification returns a classified
// error and is dropped.
func (h *Handler) process(ctx context.Context, change ChangeNotification) error {
	conn, err := h.store.GetConnectionBySubscriptionID(ctx, change.SubscriptionID)
	if err == sql.ErrNoRows {
		return apperr.New(apperr.KindWebhookValidation, "webhook.validate", "unknown subscription")
	}
	if err != nil {
		return fmt.Errorf("load connection: %w", err)
	}

	stored := conn.Metadata["client_state"]
	if stored == "" || change.ClientState != stored {
		return apperr.New(apperr.KindWebhookValidation, "webhook.validate", "client state mismatch")
	}

	// Acknowledge first, sync after: the request context dies with the
	// response, so the sync gets its own.
	go func() {
		syncCtx, cancel := context.WithTimeout(context.Background(), syncTimeout)
		defer cancel()

		if _, err := h.engine.Sync(syncCtx, conn.ID, conn.WorkspaceID, sync.Options{MaxMessages: webhookBatchSize}); err != nil {
			log.Printf("webhook: sync %s: %v", conn.ID, err)
		}
	}()
	return nil
}
