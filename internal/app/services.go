package app

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/oauth2"

	"github.com/uniboxhq/unibox-sync/internal/config"
	"github.com/uniboxhq/unibox-sync/internal/contacts"
	"github.com/uniboxhq/unibox-sync/internal/providers/gmail"
	"github.com/uniboxhq/unibox-sync/internal/providers/graph"
	"github.com/uniboxhq/unibox-sync/internal/store"
	"github.com/uniboxhq/unibox-sync/internal/subscriptions"
	"github.com/uniboxhq/unibox-sync/internal/sync"
	"github.com/uniboxhq/unibox-sync/internal/token"
)

// services is the assembled object graph shared by the commands.
type services struct {
	cfg    config.Config
	store  *store.Store
	tokens *token.Manager
	engine *sync.Engine
	subs   *subscriptions.Manager
}

func buildServices() (*services, error) {
	cfg := config.Load()

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	tokens := token.NewManager(st, map[string]*oauth2.Config{
		string(sync.ProviderMicrosoft): cfg.MicrosoftOAuth(),
		string(sync.ProviderGoogle):    cfg.GoogleOAuth(),
	})

	factories := map[sync.ProviderName]sync.Factory{
		sync.ProviderMicrosoft: graph.Factory,
		sync.ProviderGoogle:    gmail.Factory,
	}

	locks := sync.NewKeyedMutex()
	resolver := contacts.NewResolver(st)
	engine := sync.NewEngine(st, tokens, resolver, factories, locks)

	plans := subscriptions.NewTierPlanChecker(st, cfg.PushPlanTiers)
	subs := subscriptions.NewManager(st, tokens, factories, locks, plans, subscriptions.Config{
		NotificationURL:  cfg.NotificationURL,
		SweepConcurrency: cfg.Concurrency,
	})

	return &services{
		cfg:    cfg,
		store:  st,
		tokens: tokens,
		engine: engine,
		subs:   subs,
	}, nil
}

func (s *services) close() {
	s.store.Close()
}
