// Package api exposes the sync trigger surface over HTTP: manual sync,
// subscription management and the sweep, behind JWT auth. The webhook
// endpoint is mounted unauthenticated; its client state is the credential.
package api

import (
	"context"
	"database/sql"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/uniboxhq/unibox-sync/internal/store"
	"github.com/uniboxhq/unibox-sync/internal/subscriptions"
	"github.com/uniboxhq/unibox-sync/internal/sync"
)

// Engine is the sync engine surface the API consumes.
type Engine interface {
	Sync(ctx context.Context, connectionID, workspaceID string, opts sync.Options) (sync.Result, error)
}

// Subscriptions is the lifecycle manager surface the API consumes.
type Subscriptions interface {
	Create(ctx context.Context, connectionID string) (*sync.Subscription, error)
	Delete(ctx context.Context, connectionID, subscriptionID string) error
	SweepAll(ctx context.Context, thresholdHours int) (subscriptions.SweepResult, error)
}

// Server wires the HTTP routes.
type Server struct {
	store    *store.Store
	engine   Engine
	subs     Subscriptions
	verifier *JWTVerifier
}

// NewServer creates an API server. verifier may be nil in tests, disabling
// auth.
func NewServer(st *store.Store, engine Engine, subs Subscriptions, verifier *JWTVerifier) *Server {
	return &Server{store: st, engine: engine, subs: subs, verifier: verifier}
}

// Register mounts the authenticated trigger routes onto the router.
func (s *Server) Register(r *gin.Engine) {
	authorized := r.Group("/")
	if s.verifier != nil {
		authorized.Use(s.authMiddleware())
	}

	authorized.GET("/connections/:id", s.getConnection)
	authorized.POST("/connections/:id/sync", s.triggerSync)
	authorized.POST("/connections/:id/subscription", s.createSubscription)
	authorized.DELETE("/connections/:id/subscription", s.deleteSubscription)
	authorized.POST("/connections/:id/disconnect", s.disconnect)
	authorized.POST("/subscriptions/sweep", s.sweep)
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := s.verifier.UserFromRequest(c.Request)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}
		c.Set("user_id", user.ID)
		c.Next()
	}
}

type syncRequest struct {
	WorkspaceID string `json:"workspace_id" binding:"required"`
	MaxMessages int    `json:"max_messages"`
	Filter      string `json:"filter"`
}

func (s *Server) triggerSync(c *gin.Context) {
	var req syncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.engine.Sync(c.Request.Context(), c.Param("id"), req.WorkspaceID, sync.Options{
		MaxMessages: req.MaxMessages,
		Filter:      req.Filter,
	})
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"synced_count": result.Synced,
		"new_count":    result.New,
		"error_count":  result.Errors,
		"has_more":     result.HasMore,
	})
}

func (s *Server) getConnection(c *gin.Context) {
	conn, err := s.store.GetConnection(c.Request.Context(), c.Param("id"))
	if err == sql.ErrNoRows {
		c.JSON(http.StatusNotFound, gin.H{"error": "connection not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	// Tokens never leave the store through this surface.
	c.JSON(http.StatusOK, gin.H{
		"id":                      conn.ID,
		"workspace_id":            conn.WorkspaceID,
		"provider":                conn.Provider,
		"status":                  conn.Status,
		"last_synced_at":          conn.LastSyncedAt,
		"webhook_enabled":         conn.WebhookEnabled,
		"webhook_subscription_id": conn.WebhookSubscriptionID,
		"webhook_expires_at":      conn.WebhookExpiresAt,
	})
}

func (s *Server) createSubscription(c *gin.Context) {
	sub, err := s.subs.Create(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	if sub == nil {
		c.JSON(http.StatusOK, gin.H{"created": false, "reason": "push not available, polling only"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"created": true, "id": sub.ID, "expires_at": sub.ExpiresAt})
}

func (s *Server) deleteSubscription(c *gin.Context) {
	conn, err := s.store.GetConnection(c.Request.Context(), c.Param("id"))
	if err == sql.ErrNoRows {
		c.JSON(http.StatusNotFound, gin.H{"error": "connection not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if err := s.subs.Delete(c.Request.Context(), conn.ID, conn.WebhookSubscriptionID); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// disconnect deletes the provider subscription first, then disables the
// connection.
func (s *Server) disconnect(c *gin.Context) {
	conn, err := s.store.GetConnection(c.Request.Context(), c.Param("id"))
	if err == sql.ErrNoRows {
		c.JSON(http.StatusNotFound, gin.H{"error": "connection not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if conn.WebhookSubscriptionID != "" {
		if err := s.subs.Delete(c.Request.Context(), conn.ID, conn.WebhookSubscriptionID); err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
	}
	if err := s.store.SetStatus(c.Request.Context(), conn.ID, store.StatusDisabled); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

type sweepRequest struct {
	ThresholdHours int `json:"threshold_hours"`
}

func (s *Server) sweep(c *gin.Context) {
	var req sweepRequest
	_ = c.ShouldBindJSON(&req)

	result, err := s.subs.SweepAll(c.Request.Context(), req.ThresholdHours)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"checked": result.Checked, "renewed": result.Renewed, "failed": result.Failed})
}
