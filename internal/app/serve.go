package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/uniboxhq/unibox-sync/internal/api"
	"github.com/uniboxhq/unibox-sync/internal/natsjs"
	"github.com/uniboxhq/unibox-sync/internal/scheduler"
	"github.com/uniboxhq/unibox-sync/internal/sync"
	"github.com/uniboxhq/unibox-sync/internal/webhook"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync service",
	Long:  "Serves the webhook receiver and trigger API and runs the background poll and renewal loops",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		svcs, err := buildServices()
		if err != nil {
			return err
		}
		defer svcs.close()

		if svcs.cfg.NATSUrl != "" {
			publisher, err := natsjs.NewPublisher(svcs.cfg.NATSUrl)
			if err != nil {
				return fmt.Errorf("connect NATS: %w", err)
			}
			defer publisher.Close()

			if err := publisher.EnsureStream(ctx); err != nil {
				return fmt.Errorf("ensure stream: %w", err)
			}
			go publisher.DispatchLoop(ctx, svcs.store)
		} else {
			log.Printf("NATS disabled, synced events stay queued in the outbox")
		}

		var verifier *api.JWTVerifier
		if svcs.cfg.JWKSUrl != "" {
			verifier, err = api.NewJWTVerifier(svcs.cfg.JWKSUrl, svcs.cfg.JWTIssuer, svcs.cfg.JWTAudience)
			if err != nil {
				return fmt.Errorf("init JWT verifier: %w", err)
			}
		} else {
			log.Printf("JWKS URL not set, API authentication disabled")
		}

		sched := scheduler.New(svcs.store, svcs.engine, svcs.subs, scheduler.Config{
			PollInterval:   svcs.cfg.PollInterval,
			SweepInterval:  svcs.cfg.SweepInterval,
			ThresholdHours: svcs.cfg.ThresholdHours,
			Concurrency:    svcs.cfg.Concurrency,
			Providers:      []string{string(sync.ProviderMicrosoft), string(sync.ProviderGoogle)},
		})
		go sched.Run(ctx)

		r := gin.Default()
		webhook.NewHandler(svcs.store, svcs.engine).Register(r)
		api.NewServer(svcs.store, svcs.engine, svcs.subs, verifier).Register(r)

		srv := &http.Server{
			Addr:    svcs.cfg.HTTPAddr,
			Handler: r,
		}

		errChan := make(chan error, 1)
		go func() {
			log.Printf("listening on %s", svcs.cfg.HTTPAddr)
			errChan <- srv.ListenAndServe()
		}()

		select {
		case <-ctx.Done():
			log.Printf("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			return nil
		case err := <-errChan:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		}
	},
}
