package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/use-agent/mercury-crawler/webhook"
)

func newRunCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Crawl every listing page and write mercury_investors_<timestamp>.json",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			r, err := a.runner(nil)
			if err != nil {
				return usageError(err)
			}

			res, runErr := r.Run(ctx)
			if res != nil {
				sum := res.Summary
				if sum.OutputPath != "" {
					fmt.Fprintln(cmd.OutOrStdout(), sum.OutputPath)
				}
				zap.L().Info("run finished",
					zap.String("run_id", sum.ID),
					zap.String("state", string(sum.State)),
					zap.String("stop_reason", sum.StopReason),
					zap.Int("records", sum.Records),
					zap.Int("pages", sum.PagesVisited),
					zap.Int("pages_skipped", sum.PagesSkipped),
					zap.Int("detail_failures", sum.DetailFailures),
					zap.Bool("partial", sum.Partial),
				)

				// Delivery is bounded by notify.timeout.
				if n := webhook.New(a.cfg.Notify.WebhookURL, a.cfg.Notify.WebhookSecret); n != nil {
					nctx, cancel := context.WithTimeout(context.Background(), a.cfg.Notify.Timeout)
					_ = n.DeliverWithRetry(nctx, webhook.NewRunEvent(sum, time.Now()))
					cancel()
				}
			}
			return runErr
		},
	}
}
