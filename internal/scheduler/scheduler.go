// Package scheduler drives the background cadence: a polling sync pass over
// every active connection and a subscription renewal sweep, each on its own
// ticker with bounded fan-out.
package scheduler

import (
	"context"
	"log"
	stdsync "sync"
	"time"

	"github.com/uniboxhq/unibox-sync/internal/store"
	"github.com/uniboxhq/unibox-sync/internal/subscriptions"
	"github.com/uniboxhq/unibox-sync/internal/sync"
)

// Per-pass deadlines. Every pass talks to external HTTP endpoints, so a
// stalled provider must time out rather than wedge the run loop.
const (
	syncTimeout  = 2 * time.Minute
	sweepTimeout = 10 * time.Minute
)

// Config tunes the scheduler.
type Config struct {
	PollInterval   time.Duration
	SweepInterval  time.Duration
	ThresholdHours int
	Concurrency    int
	Providers      []string
}

// Scheduler runs the periodic jobs.
type Scheduler struct {
	store  *store.Store
	engine *sync.Engine
	subs   *subscriptions.Manager
	cfg    Config
}

// New creates a scheduler.
func New(st *store.Store, engine *sync.Engine, subs *subscriptions.Manager, cfg Config) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Hour
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Scheduler{store: st, engine: engine, subs: subs, cfg: cfg}
}

// Run blocks until ctx is cancelled, firing poll and sweep passes on their
// intervals.
func (s *Scheduler) Run(ctx context.Context) {
	pollTicker := time.NewTicker(s.cfg.PollInterval)
	defer pollTicker.Stop()
	sweepTicker := time.NewTicker(s.cfg.SweepInterval)
	defer sweepTicker.Stop()

	log.Printf("scheduler start: poll every %s, sweep every %s", s.cfg.PollInterval, s.cfg.SweepInterval)

	for {
		select {
		case <-ctx.Done():
			log.Printf("scheduler stop")
			return
		case <-pollTicker.C:
			s.pollAll(ctx)
		case <-sweepTicker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, sweepTimeout)
			if _, err := s.subs.SweepAll(sweepCtx, s.cfg.ThresholdHours); err != nil {
				log.Printf("scheduler: sweep: %v", err)
			}
			cancel()
		}
	}
}

// pollAll syncs every active connection with bounded concurrency. The
// engine's per-connection lock keeps a poll from overlapping a
// webhook-triggered sync on the same connection.
func (s *Scheduler) pollAll(ctx context.Context) {
	var conns []*store.ChannelConnection
	for _, provider := range s.cfg.Providers {
		provConns, err := s.store.ListActiveConnections(ctx, provider)
		if err != nil {
			log.Printf("scheduler: list %s connections: %v", provider, err)
			continue
		}
		conns = append(conns, provConns...)
	}

	sem := make(chan struct{}, s.cfg.Concurrency)
	var wg stdsync.WaitGroup
	for _, conn := range conns {
		conn := conn
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			syncCtx, cancel := context.WithTimeout(ctx, syncTimeout)
			defer cancel()
			if _, err := s.engine.Sync(syncCtx, conn.ID, conn.WorkspaceID, sync.Options{}); err != nil {
				log.Printf("scheduler: sync %s: %v", conn.ID, err)
			}
		}()
	}
	wg.Wait()
}
