// Package crawler drives one portal crawl: authenticate, walk listing pages,
// extract records, optionally enrich them from detail pages, and write the
// result file. A run is strictly sequential; one engine, one page at a time.
package crawler

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/use-agent/mercury-crawler/config"
	"github.com/use-agent/mercury-crawler/engine"
	"github.com/use-agent/mercury-crawler/extractor"
	"github.com/use-agent/mercury-crawler/models"
	"github.com/use-agent/mercury-crawler/output"
)

// Credentials authenticate against portals that declare a login block.
type Credentials struct {
	Username string
	Password string
}

// Options configures a Runner.
type Options struct {
	Schema      *extractor.Schema
	Credentials Credentials
	Crawl       config.CrawlConfig
	Scraper     config.ScraperConfig
	Output      config.OutputConfig

	// NewEngine opens the browser session. Required.
	NewEngine engine.Factory

	// RunID identifies the run in summaries; a UUID is generated when empty.
	RunID string

	// Progress, when set, receives a copy of the summary on every state
	// transition.
	Progress func(models.RunSummary)

	Logger *zap.Logger
	Now    func() time.Time
}

// RunResult is what a finished run produced.
type RunResult struct {
	Summary models.RunSummary
	Records []models.Record
}

// Runner executes crawl runs. A Runner may be reused for several runs but
// not concurrently.
type Runner struct {
	opts    Options
	ext     *extractor.Extractor
	limiter *rate.Limiter
	log     *zap.Logger
	now     func() time.Time
}

// New validates opts and builds a Runner.
func New(opts Options) (*Runner, error) {
	if opts.Schema == nil {
		return nil, models.NewCrawlError(models.ErrCodeInvalidConfig, "crawler: schema is required", nil)
	}
	if opts.NewEngine == nil {
		return nil, models.NewCrawlError(models.ErrCodeInvalidConfig, "crawler: engine factory is required", nil)
	}
	if opts.Crawl.MaxPages <= 0 {
		return nil, models.NewCrawlError(models.ErrCodeInvalidConfig, "crawler: max pages must be > 0", nil)
	}
	if opts.Output.Prefix == "" {
		opts.Output.Prefix = "mercury_investors"
	}

	log := opts.Logger
	if log == nil {
		log = zap.L()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Runner{
		opts:    opts,
		ext:     extractor.New(opts.Schema),
		limiter: newPacer(opts.Crawl.Delay),
		log:     log.With(zap.String("component", "crawler")),
		now:     now,
	}, nil
}

// newPacer allows one navigation per delay. The first navigation is never
// delayed.
func newPacer(delay time.Duration) *rate.Limiter {
	if delay <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(delay), 1)
}

// Extractor exposes the extractor built from the schema.
func (r *Runner) Extractor() *extractor.Extractor { return r.ext }

// Run performs a full crawl and writes the output file.
//
// It fails without writing a file when authentication fails or when no
// listing page could be fetched at all. Once at least one page was fetched,
// the records collected so far are always written, even if the run later
// stops on a timeout or cancellation; in that case the error is returned
// together with the result.
func (r *Runner) Run(ctx context.Context) (*RunResult, error) {
	if r.opts.Crawl.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.Crawl.RunTimeout)
		defer cancel()
	}

	id := r.opts.RunID
	if id == "" {
		id = uuid.NewString()
	}
	sum := &models.RunSummary{ID: id, State: models.StatePending, StartedAt: r.now()}
	log := r.log.With(zap.String("run_id", id))

	// ── 1. Authenticate ──────────────────────────────────────────────
	r.transition(sum, models.StateAuthenticating, nil)
	session, err := r.Authenticate(ctx, r.opts.Credentials)
	if err != nil {
		return r.fail(sum, nil, err)
	}
	defer session.Close()
	sum.Engine = session.EngineName()
	log.Info("session opened", zap.String("engine", sum.Engine), zap.Bool("anonymous", session.Anonymous))

	// ── 2. Walk listing pages ────────────────────────────────────────
	records, crawlErr := r.crawl(ctx, session, sum, log)
	sum.Records = len(records)
	if sum.PagesVisited == 0 {
		if crawlErr == nil {
			crawlErr = models.NewCrawlError(models.ErrCodeNavigation, "portal unreachable: no listing page could be fetched", nil)
		}
		return r.fail(sum, records, crawlErr)
	}

	// ── 3. Write output ──────────────────────────────────────────────
	path, err := output.WriteJSON(r.opts.Output.Dir, r.opts.Output.Prefix, records, r.now())
	if err != nil {
		return r.fail(sum, records, err)
	}
	sum.OutputPath = path
	log.Info("records written",
		zap.String("path", path),
		zap.Int("records", len(records)),
		zap.Int("pages", sum.PagesVisited),
		zap.Bool("partial", sum.Partial),
	)

	if crawlErr != nil {
		sum.Partial = true
		return r.fail(sum, records, crawlErr)
	}

	r.finish(sum)
	r.transition(sum, models.StateDone, nil)
	return &RunResult{Summary: *sum, Records: records}, nil
}

// crawl is the page loop. It returns every record collected and, for
// fatal conditions (cancellation, run timeout, unreachable first page), an
// error.
func (r *Runner) crawl(ctx context.Context, s *Session, sum *models.RunSummary, log *zap.Logger) ([]models.Record, error) {
	first, err := r.firstCursor()
	if err != nil {
		return nil, err
	}

	var (
		records []models.Record
		cursor  = first
		visited = map[string]struct{}{}
		prev    []models.Record
	)
	for {
		if attempted := sum.PagesVisited + sum.PagesSkipped; attempted >= r.opts.Crawl.MaxPages {
			sum.StopReason = models.StopMaxPages
			return records, nil
		}
		if err := ctx.Err(); err != nil {
			sum.StopReason = models.StopCanceled
			return records, categorizeError(err, "run stopped").At(cursor)
		}
		visited[cursor.URL] = struct{}{}

		r.transition(sum, models.StateFetchingPage, &cursor)
		page, err := r.fetch(ctx, s, cursor, r.opts.Schema.Listing.WaitFor, sum)
		if err != nil {
			if ctx.Err() != nil {
				sum.StopReason = models.StopCanceled
				return records, err
			}
			sum.PagesSkipped++
			log.Error("listing page skipped", zap.Stringer("cursor", cursor), zap.Error(err))

			// The first page is the reachability check for the whole run.
			if sum.PagesVisited == 0 {
				sum.StopReason = models.StopPageFailed
				return records, err
			}
			sum.Partial = true
			next, ok := r.skipCursor(cursor)
			if !ok {
				sum.StopReason = models.StopPageFailed
				return records, nil
			}
			cursor = next
			continue
		}
		sum.PagesVisited++

		r.transition(sum, models.StateExtracting, &cursor)
		recs, issues := r.ExtractRecords(page)
		r.logIssues(log, issues)
		sum.FieldIssues += len(issues)

		// A portal that ignores the page parameter serves the same records
		// under every URL; those records were already collected. Only an
		// exact repeat counts.
		if len(recs) > 0 && slices.EqualFunc(recs, prev, models.Record.Equal) {
			log.Warn("listing page repeats the previous page, stopping", zap.Stringer("cursor", cursor))
			sum.StopReason = models.StopRepeated
			return records, nil
		}
		prev = recs

		if limit := r.opts.Crawl.MaxRecords; limit > 0 && len(records)+len(recs) > limit {
			recs = recs[:limit-len(records)]
		}
		if r.detailEnabled() {
			recs = r.enrich(ctx, s, cursor, recs, sum, log)
		}
		records = append(records, recs...)
		sum.Records = len(records)
		log.Info("page extracted",
			zap.Int("page", cursor.Page),
			zap.Int("records", len(recs)),
			zap.Int("total", len(records)),
		)

		if limit := r.opts.Crawl.MaxRecords; limit > 0 && len(records) >= limit {
			sum.StopReason = models.StopMaxRecords
			return records, nil
		}
		if err := ctx.Err(); err != nil {
			sum.StopReason = models.StopCanceled
			return records, categorizeError(err, "run stopped").At(cursor)
		}

		next, ok := r.NextCursor(page)
		if !ok {
			sum.StopReason = models.StopExhausted
			return records, nil
		}
		if _, seen := visited[next.URL]; seen {
			log.Warn("pagination loops back to a visited page, stopping", zap.Stringer("cursor", next))
			sum.StopReason = models.StopCycle
			return records, nil
		}
		cursor = next
	}
}

// ExtractRecords maps one listing page onto records. Missing fields are
// empty strings; missing required fields are also reported as issues.
func (r *Runner) ExtractRecords(page *models.PageContent) ([]models.Record, []extractor.Issue) {
	return r.ext.Records(page)
}

func (r *Runner) detailEnabled() bool {
	return r.opts.Crawl.Detail && r.opts.Schema.HasDetail()
}

func (r *Runner) logIssues(log *zap.Logger, issues []extractor.Issue) {
	for _, is := range issues {
		log.Warn("required field missing",
			zap.Stringer("cursor", is.Cursor),
			zap.Int("record", is.Record),
			zap.String("field", is.Field),
			zap.Strings("selectors", is.Selectors),
			zap.Error(is.Err),
		)
	}
}

// transition moves the state machine and notifies the progress callback.
func (r *Runner) transition(sum *models.RunSummary, to models.RunState, cursor *models.Cursor) {
	if sum.State.Terminal() {
		return
	}
	from := sum.State
	sum.State = to
	if cursor != nil {
		c := *cursor
		sum.Cursor = &c
	}
	r.log.Debug("state transition",
		zap.String("run_id", sum.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	if r.opts.Progress != nil {
		r.opts.Progress(*sum)
	}
}

func (r *Runner) finish(sum *models.RunSummary) {
	t := r.now()
	sum.FinishedAt = &t
}

// fail records err on the summary and moves to Failed. records collected
// before the failure are still returned.
func (r *Runner) fail(sum *models.RunSummary, records []models.Record, err error) (*RunResult, error) {
	sum.Error = models.DetailOf(err)
	r.finish(sum)
	r.transition(sum, models.StateFailed, nil)
	r.log.Error("run failed",
		zap.String("run_id", sum.ID),
		zap.String("code", models.ErrorCode(err)),
		zap.Error(err),
	)
	return &RunResult{Summary: *sum, Records: records}, err
}
