package crawler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/use-agent/mercury-crawler/engine"
	"github.com/use-agent/mercury-crawler/models"
)

// Session is an open engine that passed the login step. Anonymous sessions
// belong to portals without a login block.
type Session struct {
	engine    engine.Engine
	Anonymous bool
	OpenedAt  time.Time
}

// Engine returns the underlying browser session.
func (s *Session) Engine() engine.Engine { return s.engine }

// EngineName returns the backend name, e.g. "rod".
func (s *Session) EngineName() string { return s.engine.Name() }

// Close releases the browser. It is safe to call on a nil session.
func (s *Session) Close() error {
	if s == nil || s.engine == nil {
		return nil
	}
	return s.engine.Close()
}

// Authenticate opens an engine and logs in with creds.
//
// For public portals it only checks that base_url answers. Otherwise the
// credentials must be non-empty; they are checked before any browser is
// launched. A login counts as successful when the schema's success marker
// appears; when it never does, or the failure marker shows up, the session
// is closed and an AUTH_FAILED error is returned.
func (r *Runner) Authenticate(ctx context.Context, creds Credentials) (*Session, error) {
	login := r.opts.Schema.Login
	if login != nil && (creds.Username == "" || creds.Password == "") {
		return nil, models.NewCrawlError(models.ErrCodeAuth, "credentials are required for this portal", nil)
	}

	eng, err := r.opts.NewEngine()
	if err != nil {
		var ce *models.CrawlError
		if errors.As(err, &ce) {
			return nil, ce
		}
		return nil, models.NewCrawlError(models.ErrCodeBrowserCrash, "failed to start browser", err)
	}
	s := &Session{engine: eng, Anonymous: login == nil, OpenedAt: r.now()}

	if login == nil {
		if err := r.navigate(ctx, eng, r.opts.Schema.BaseURL); err != nil {
			s.Close()
			return nil, categorizeError(err, "portal unreachable")
		}
		return s, nil
	}

	if err := r.login(ctx, eng, creds); err != nil {
		s.Close()
		return nil, err
	}
	r.log.Info("logged in", zap.String("user", creds.Username))
	return s, nil
}

func (r *Runner) login(ctx context.Context, eng engine.Engine, creds Credentials) error {
	spec := r.opts.Schema.Login
	wait := r.opts.Scraper.WaitTimeout

	loginURL, err := r.opts.Schema.LoginURL()
	if err != nil {
		return models.NewCrawlError(models.ErrCodeInvalidConfig, "invalid login path", err)
	}

	// ── 1. Open the login form ──────────────────────────────────────
	if err := r.navigate(ctx, eng, loginURL); err != nil {
		return categorizeError(err, "login page unreachable")
	}
	if err := eng.WaitFor(ctx, spec.Username, wait); err != nil {
		return models.NewCrawlError(models.ErrCodeAuth, "login form not found", err)
	}

	// ── 2. Submit credentials ───────────────────────────────────────
	if err := eng.Fill(ctx, spec.Username, creds.Username); err != nil {
		return models.NewCrawlError(models.ErrCodeAuth, "cannot fill username", err)
	}
	if err := eng.Fill(ctx, spec.Password, creds.Password); err != nil {
		return models.NewCrawlError(models.ErrCodeAuth, "cannot fill password", err)
	}
	if err := eng.Click(ctx, spec.Submit); err != nil {
		if ctx.Err() != nil {
			return categorizeError(err, "login interrupted")
		}
		return models.NewCrawlError(models.ErrCodeAuth, "login submit failed", err)
	}

	// ── 3. Confirm ──────────────────────────────────────────────────
	err = eng.WaitFor(ctx, spec.Success, wait)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return categorizeError(err, "login interrupted")
	}
	if spec.Failure != "" {
		if found, _ := eng.QueryAll(ctx, spec.Failure); len(found) > 0 {
			return models.NewCrawlError(models.ErrCodeAuth, "credentials rejected", nil)
		}
	}
	return models.NewCrawlError(models.ErrCodeAuth, "login not confirmed", err)
}

// navigate paces and performs one navigation, bounded by the navigation
// timeout.
func (r *Runner) navigate(ctx context.Context, eng engine.Engine, url string) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	if d := r.opts.Scraper.NavigationTimeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	return eng.Navigate(ctx, url)
}
