package crawler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/use-agent/mercury-crawler/engine"
	"github.com/use-agent/mercury-crawler/models"
)

// navigationAttempts is the number of tries per page: one retry after the
// first failure.
const navigationAttempts = 2

// FetchPage navigates to cursor.URL and captures the rendered document once
// the listing's wait_for selector is present. A failed navigation is retried
// once.
func (r *Runner) FetchPage(ctx context.Context, s *Session, cursor models.Cursor) (*models.PageContent, error) {
	var sum models.RunSummary
	return r.fetch(ctx, s, cursor, r.opts.Schema.Listing.WaitFor, &sum)
}

func (r *Runner) fetch(ctx context.Context, s *Session, cursor models.Cursor, waitFor string, sum *models.RunSummary) (*models.PageContent, error) {
	var lastErr error
	for attempt := 1; attempt <= navigationAttempts; attempt++ {
		page, err := r.fetchOnce(ctx, s.engine, cursor, waitFor)
		if err == nil {
			return page, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if attempt < navigationAttempts {
			sum.NavigationRetries++
			r.log.Warn("navigation failed, retrying",
				zap.Stringer("cursor", cursor),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}
	}
	return nil, categorizeError(lastErr, "page fetch failed").At(cursor)
}

func (r *Runner) fetchOnce(ctx context.Context, eng engine.Engine, cursor models.Cursor, waitFor string) (*models.PageContent, error) {
	if err := r.navigate(ctx, eng, cursor.URL); err != nil {
		return nil, err
	}
	if waitFor != "" {
		if err := eng.WaitFor(ctx, waitFor, r.opts.Scraper.WaitTimeout); err != nil {
			return nil, err
		}
	}
	if d := r.opts.Scraper.SettleDelay; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	html, err := eng.HTML(ctx)
	if err != nil {
		return nil, err
	}
	final := eng.URL(ctx)
	if final == "" {
		final = cursor.URL
	}
	return &models.PageContent{
		Cursor:    cursor,
		URL:       final,
		HTML:      html,
		FetchedAt: r.now(),
	}, nil
}

// categorizeError maps a navigation or wait error to a typed CrawlError.
func categorizeError(err error, msg string) *models.CrawlError {
	var ce *models.CrawlError
	switch {
	case errors.As(err, &ce):
		return ce
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, engine.ErrWaitTimeout):
		return models.NewCrawlError(models.ErrCodeTimeout, msg, err)
	case errors.Is(err, context.Canceled):
		return models.NewCrawlError(models.ErrCodeTimeout, "request canceled", err)
	default:
		return models.NewCrawlError(models.ErrCodeNavigation, msg, err)
	}
}
