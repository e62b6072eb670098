package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/use-agent/mercury-crawler/config"
	"github.com/use-agent/mercury-crawler/models"
)

// ChromedpEngine drives Chromium through chromedp's exec allocator.
type ChromedpEngine struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	navTimeout  time.Duration
}

// NewChromedpEngine starts a browser and its first tab.
func NewChromedpEngine(browserCfg config.BrowserConfig, scraperCfg config.ScraperConfig) (*ChromedpEngine, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", browserCfg.Headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-extensions", true),
	)
	if browserCfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if browserCfg.Bin != "" {
		opts = append(opts, chromedp.ExecPath(browserCfg.Bin))
	}
	if browserCfg.Proxy != "" {
		opts = append(opts, chromedp.ProxyServer(browserCfg.Proxy))
	}
	if browserCfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(browserCfg.UserAgent))
	}
	if _, ok := blockedSet(browserCfg.BlockedResources)["image"]; ok {
		opts = append(opts, chromedp.Flag("blink-settings", "imagesEnabled=false"))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	ctx, cancel := chromedp.NewContext(allocCtx)

	// The first Run starts the browser.
	if err := chromedp.Run(ctx); err != nil {
		cancel()
		allocCancel()
		return nil, models.NewCrawlError(models.ErrCodeBrowserCrash, "failed to launch browser", err)
	}

	if len(browserCfg.Headers) > 0 {
		headers := make(network.Headers, len(browserCfg.Headers))
		for k, v := range browserCfg.Headers {
			headers[k] = v
		}
		if err := chromedp.Run(ctx, network.Enable(), network.SetExtraHTTPHeaders(headers)); err != nil {
			cancel()
			allocCancel()
			return nil, models.NewCrawlError(models.ErrCodeBrowserCrash, "failed to set extra headers", err)
		}
	}

	return &ChromedpEngine{
		ctx:         ctx,
		cancel:      cancel,
		allocCancel: allocCancel,
		navTimeout:  scraperCfg.NavigationTimeout,
	}, nil
}

func (e *ChromedpEngine) Name() string { return NameChromedp }

// run executes actions on the tab, bounded by timeout and by the caller's
// ctx. The tab context itself is never cancelled here.
func (e *ChromedpEngine) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(e.ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (e *ChromedpEngine) Navigate(ctx context.Context, url string) error {
	return e.run(ctx, e.navTimeout, chromedp.Navigate(url))
}

func (e *ChromedpEngine) WaitFor(ctx context.Context, selector string, timeout time.Duration) error {
	if err := e.run(ctx, timeout, chromedp.WaitReady(selector, chromedp.ByQuery)); err != nil {
		return waitError(selector, err)
	}
	return nil
}

func (e *ChromedpEngine) QueryAll(ctx context.Context, selector string) ([]string, error) {
	sel, err := json.Marshal(selector)
	if err != nil {
		return nil, err
	}
	var out []string
	js := fmt.Sprintf(`Array.from(document.querySelectorAll(%s)).map(e => e.outerHTML)`, sel)
	if err := e.run(ctx, e.navTimeout, chromedp.Evaluate(js, &out)); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *ChromedpEngine) HTML(ctx context.Context) (string, error) {
	var html string
	err := e.run(ctx, e.navTimeout, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	return html, err
}

func (e *ChromedpEngine) URL(ctx context.Context) string {
	var u string
	if err := e.run(ctx, e.navTimeout, chromedp.Location(&u)); err != nil {
		return ""
	}
	return u
}

func (e *ChromedpEngine) Fill(ctx context.Context, selector, value string) error {
	if err := e.exists(ctx, selector); err != nil {
		return err
	}
	return e.run(ctx, e.navTimeout,
		chromedp.SetValue(selector, "", chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
}

func (e *ChromedpEngine) Click(ctx context.Context, selector string) error {
	if err := e.exists(ctx, selector); err != nil {
		return err
	}
	return e.run(ctx, e.navTimeout, chromedp.Click(selector, chromedp.ByQuery))
}

// exists checks for selector without chromedp's implicit wait, which would
// otherwise block until the timeout when the element is absent.
func (e *ChromedpEngine) exists(ctx context.Context, selector string) error {
	sel, err := json.Marshal(selector)
	if err != nil {
		return err
	}
	var found bool
	js := fmt.Sprintf(`document.querySelector(%s) !== null`, sel)
	if err := e.run(ctx, e.navTimeout, chromedp.Evaluate(js, &found)); err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %q", ErrNotFound, selector)
	}
	return nil
}

// Close cancels the tab and the allocator, which kills the browser.
func (e *ChromedpEngine) Close() error {
	e.cancel()
	e.allocCancel()
	return nil
}
