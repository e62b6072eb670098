package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/use-agent/mercury-crawler/config"
	"github.com/use-agent/mercury-crawler/models"
)

// PlaywrightEngine drives Chromium through playwright-go. Playwright calls
// take millisecond timeouts instead of contexts, so each call is bounded by
// the smaller of the configured timeout and the context deadline.
type PlaywrightEngine struct {
	pw         *playwright.Playwright
	browser    playwright.Browser
	page       playwright.Page
	navTimeout time.Duration
}

// NewPlaywrightEngine starts the playwright driver and opens one page.
func NewPlaywrightEngine(browserCfg config.BrowserConfig, scraperCfg config.ScraperConfig) (*PlaywrightEngine, error) {
	pw, err := playwright.Run()
	if err != nil {
		return nil, models.NewCrawlError(models.ErrCodeBrowserCrash, "failed to start playwright", err)
	}

	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(browserCfg.Headless),
		Args:     []string{"--disable-blink-features=AutomationControlled"},
	}
	if browserCfg.NoSandbox {
		launchOpts.Args = append(launchOpts.Args, "--no-sandbox")
	}
	if browserCfg.Bin != "" {
		launchOpts.ExecutablePath = playwright.String(browserCfg.Bin)
	}
	if browserCfg.Proxy != "" {
		launchOpts.Proxy = &playwright.Proxy{Server: browserCfg.Proxy}
	}

	browser, err := pw.Chromium.Launch(launchOpts)
	if err != nil {
		_ = pw.Stop()
		return nil, models.NewCrawlError(models.ErrCodeBrowserCrash, "failed to launch browser", err)
	}

	pageOpts := playwright.BrowserNewPageOptions{}
	if browserCfg.UserAgent != "" {
		pageOpts.UserAgent = playwright.String(browserCfg.UserAgent)
	}
	if len(browserCfg.Headers) > 0 {
		pageOpts.ExtraHttpHeaders = browserCfg.Headers
	}
	page, err := browser.NewPage(pageOpts)
	if err != nil {
		_ = browser.Close()
		_ = pw.Stop()
		return nil, models.NewCrawlError(models.ErrCodeBrowserCrash, "failed to open page", err)
	}

	if blocked := blockedSet(browserCfg.BlockedResources); len(blocked) > 0 {
		err := page.Route("**/*", func(route playwright.Route) {
			if _, ok := blocked[route.Request().ResourceType()]; ok {
				_ = route.Abort("blockedbyclient")
				return
			}
			_ = route.Continue()
		})
		if err != nil {
			zap.L().Warn("playwright: resource blocking disabled", zap.Error(err))
		}
	}

	return &PlaywrightEngine{
		pw:         pw,
		browser:    browser,
		page:       page,
		navTimeout: scraperCfg.NavigationTimeout,
	}, nil
}

func (e *PlaywrightEngine) Name() string { return NamePlaywright }

func (e *PlaywrightEngine) Navigate(ctx context.Context, url string) error {
	ms, err := budget(ctx, e.navTimeout)
	if err != nil {
		return err
	}
	_, err = e.page.Goto(url, playwright.PageGotoOptions{
		Timeout:   playwright.Float(ms),
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	})
	return err
}

func (e *PlaywrightEngine) WaitFor(ctx context.Context, selector string, timeout time.Duration) error {
	ms, err := budget(ctx, timeout)
	if err != nil {
		return err
	}
	err = e.page.Locator(selector).First().WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateAttached,
		Timeout: playwright.Float(ms),
	})
	if err != nil {
		return waitError(selector, err)
	}
	return nil
}

func (e *PlaywrightEngine) QueryAll(ctx context.Context, selector string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res, err := e.page.Locator(selector).EvaluateAll(`els => els.map(e => e.outerHTML)`)
	if err != nil {
		return nil, err
	}
	items, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("playwright: unexpected evaluate result %T", res)
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func (e *PlaywrightEngine) HTML(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return e.page.Content()
}

func (e *PlaywrightEngine) URL(_ context.Context) string {
	return e.page.URL()
}

func (e *PlaywrightEngine) Fill(ctx context.Context, selector, value string) error {
	loc, err := e.first(ctx, selector)
	if err != nil {
		return err
	}
	return loc.Fill(value)
}

func (e *PlaywrightEngine) Click(ctx context.Context, selector string) error {
	loc, err := e.first(ctx, selector)
	if err != nil {
		return err
	}
	return loc.Click()
}

func (e *PlaywrightEngine) first(ctx context.Context, selector string) (playwright.Locator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	loc := e.page.Locator(selector)
	n, err := loc.Count()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, selector)
	}
	return loc.First(), nil
}

func (e *PlaywrightEngine) Close() error {
	_ = e.page.Close()
	if err := e.browser.Close(); err != nil {
		zap.L().Warn("playwright: browser close failed", zap.Error(err))
	}
	return e.pw.Stop()
}

// budget converts the smaller of d and the time left on ctx into
// playwright's millisecond timeout.
func budget(ctx context.Context, d time.Duration) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < d {
			d = left
		}
	}
	if d <= 0 {
		return 0, context.DeadlineExceeded
	}
	return float64(d.Milliseconds()), nil
}
