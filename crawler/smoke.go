package crawler

import (
	"context"

	"go.uber.org/zap"

	"github.com/use-agent/mercury-crawler/extractor"
	"github.com/use-agent/mercury-crawler/models"
)

// SmokeOptions narrows a smoke test.
type SmokeOptions struct {
	// URL overrides the first listing page.
	URL string

	// DetailLimit enriches at most this many records from their profile
	// pages when detail enrichment is enabled. Zero skips detail pages.
	DetailLimit int
}

// SmokeResult is what one smoke page produced.
type SmokeResult struct {
	Page    models.Cursor
	Records []models.Record
	Issues  []extractor.Issue
	Summary models.RunSummary
}

// Smoke authenticates, fetches a single listing page and extracts it. It
// checks that the schema still matches the portal and never writes a file.
func (r *Runner) Smoke(ctx context.Context, opts SmokeOptions) (*SmokeResult, error) {
	cursor, err := r.firstCursor()
	if err != nil {
		return nil, err
	}
	if opts.URL != "" {
		cursor.URL = opts.URL
	}

	session, err := r.Authenticate(ctx, r.opts.Credentials)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	sum := models.RunSummary{ID: "smoke", Engine: session.EngineName(), StartedAt: r.now(), State: models.StateFetchingPage}
	page, err := r.fetch(ctx, session, cursor, r.opts.Schema.Listing.WaitFor, &sum)
	if err != nil {
		return nil, err
	}
	sum.PagesVisited = 1

	recs, issues := r.ExtractRecords(page)
	log := r.log.With(zap.String("run_id", sum.ID))
	r.logIssues(log, issues)
	sum.FieldIssues = len(issues)

	if n := min(opts.DetailLimit, len(recs)); n > 0 && r.detailEnabled() {
		enriched := r.enrich(ctx, session, cursor, recs[:n], &sum, log)
		recs = append(enriched, recs[n:]...)
	}

	sum.Records = len(recs)
	sum.State = models.StateDone
	finished := r.now()
	sum.FinishedAt = &finished
	return &SmokeResult{Page: cursor, Records: recs, Issues: issues, Summary: sum}, nil
}
