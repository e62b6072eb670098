package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/use-agent/mercury-crawler/api"
	"github.com/use-agent/mercury-crawler/api/handler"
	"github.com/use-agent/mercury-crawler/crawler"
	"github.com/use-agent/mercury-crawler/models"
	"github.com/use-agent/mercury-crawler/runstore"
	"github.com/use-agent/mercury-crawler/webhook"
)

const shutdownGrace = 5 * time.Second

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve an HTTP API that triggers runs, one at a time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context())
		},
	}
}

func (a *app) serve(parent context.Context) error {
	cfg := a.cfg
	log := zap.L()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ── 1. Run registry and manager ─────────────────────────────────
	store := runstore.New(cfg.Server.MaxRuns, cfg.Server.RunTTL)
	defer store.Close()

	run := func(ctx context.Context, id string, req models.RunRequest, progress func(models.RunSummary)) (*crawler.RunResult, error) {
		r, err := a.runner(func(o *crawler.Options) {
			*o = o.Apply(req)
			o.RunID = id
			o.Progress = progress
		})
		if err != nil {
			return nil, err
		}
		return r.Run(ctx)
	}
	notifier := webhook.New(cfg.Notify.WebhookURL, cfg.Notify.WebhookSecret)
	manager := handler.NewRunManager(ctx, store, run, notifier, cfg.Notify.Timeout)

	// ── 2. HTTP server ──────────────────────────────────────────────
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewRouter(ctx, cfg, manager, time.Now()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP server listening", zap.String("addr", addr), zap.String("engine", cfg.Browser.Engine))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// ── 3. Graceful shutdown ────────────────────────────────────────
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		err := srv.Shutdown(sctx)
		if err != nil {
			log.Error("HTTP server forced shutdown", zap.Error(err))
		}

		// The active run sees the cancelled context, writes what it has and
		// returns.
		manager.Wait()
		log.Info("mercury-crawler stopped")
		return err
	})

	return g.Wait()
}
