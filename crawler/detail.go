package crawler

import (
	"context"

	"go.uber.org/zap"

	"github.com/use-agent/mercury-crawler/models"
)

// enrich visits the detail link of every record and merges the profile
// fields into it. A record whose profile cannot be fetched keeps its
// listing values and gets the detail keys with empty values, so every
// record carries the same keys. Once ctx is done the remaining records are
// padded the same way without navigating.
func (r *Runner) enrich(ctx context.Context, s *Session, listing models.Cursor, recs []models.Record, sum *models.RunSummary, log *zap.Logger) []models.Record {
	out := make([]models.Record, len(recs))
	empty := r.ext.EmptyDetail()
	waitFor := r.opts.Schema.Detail.WaitFor

	for i, rec := range recs {
		link, _ := rec.Get(models.FieldURL)
		if link == "" || ctx.Err() != nil {
			out[i] = rec.Merge(empty)
			continue
		}

		cursor := models.Cursor{Page: listing.Page, URL: link}
		page, err := r.fetch(ctx, s, cursor, waitFor, sum)
		if err != nil {
			sum.DetailFailures++
			sum.Partial = true
			log.Warn("detail page failed, keeping listing values",
				zap.String("url", link),
				zap.String("code", models.ErrorCode(err)),
				zap.Error(err),
			)
			out[i] = rec.Merge(empty)
			continue
		}

		detail, issues := r.ext.Detail(page)
		for j := range issues {
			issues[j].Record = i
		}
		r.logIssues(log, issues)
		sum.FieldIssues += len(issues)
		out[i] = rec.Merge(detail)
	}
	return out
}
