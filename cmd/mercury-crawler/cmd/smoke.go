package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/use-agent/mercury-crawler/crawler"
	"github.com/use-agent/mercury-crawler/models"
)

const smokeColumnWidth = 40

func newSmokeCmd(a *app) *cobra.Command {
	var opts crawler.SmokeOptions

	cmd := &cobra.Command{
		Use:   "smoke",
		Short: "Log in, extract one listing page and print the records; writes no file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			r, err := a.runner(nil)
			if err != nil {
				return usageError(err)
			}
			res, err := r.Smoke(ctx, opts)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			renderRecords(out, a.schema.Keys(), res.Records)
			fmt.Fprintf(out, "%s: %d records, %d missing required fields\n", res.Page, len(res.Records), len(res.Issues))
			for _, is := range res.Issues {
				fmt.Fprintln(out, "  -", is.Error())
			}
			if len(res.Records) == 0 {
				return errors.New("smoke: no records extracted; check listing.record and listing.wait_for")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.URL, "url", "", "listing page to test instead of the first one")
	cmd.Flags().IntVar(&opts.DetailLimit, "detail-limit", 3, "enrich the first N records from their profile pages")
	return cmd
}

func renderRecords(w io.Writer, keys []string, records []models.Record) {
	t := table.NewWriter()
	t.SetOutputMirror(w)

	header := table.Row{"#"}
	configs := make([]table.ColumnConfig, 0, len(keys))
	for i, k := range keys {
		header = append(header, k)
		configs = append(configs, table.ColumnConfig{Number: i + 2, WidthMax: smokeColumnWidth, WidthMaxEnforcer: text.Trim})
	}
	t.AppendHeader(header)
	t.SetColumnConfigs(configs)

	for i, rec := range records {
		row := table.Row{i + 1}
		for _, k := range keys {
			v, _ := rec.Get(k)
			row = append(row, v)
		}
		t.AppendRow(row)
	}

	t.SetStyle(table.StyleRounded)
	t.Render()
}
