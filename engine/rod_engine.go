package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/ysmood/gson"
	"go.uber.org/zap"

	"github.com/use-agent/mercury-crawler/config"
	"github.com/use-agent/mercury-crawler/models"
)

// RodEngine drives a local Chromium through go-rod. It is the default
// backend.
type RodEngine struct {
	browser    *rod.Browser
	page       *rod.Page
	router     *rod.HijackRouter
	navTimeout time.Duration
}

// NewRodEngine launches a browser with stealth flags and opens one tab.
//
// Setup order matters: stealth JS, extra headers and the hijack router only
// apply to navigations that happen after they are installed, so all three
// are mounted before the first Navigate.
func NewRodEngine(browserCfg config.BrowserConfig, scraperCfg config.ScraperConfig) (*RodEngine, error) {
	l := launcher.New().
		Headless(browserCfg.Headless).
		NoSandbox(browserCfg.NoSandbox)

	if browserCfg.Bin != "" {
		l = l.Bin(browserCfg.Bin)
	}
	if browserCfg.Proxy != "" {
		l = l.Proxy(browserCfg.Proxy)
	}

	// ── Stealth flags ────────────────────────────────────────────────
	l.Set(flags.Flag("disable-blink-features"), "AutomationControlled")
	l.Delete(flags.Flag("enable-automation"))
	l.Set(flags.Flag("disable-features"), "AudioServiceOutOfProcess,TranslateUI")
	l.Set(flags.Flag("disable-popup-blocking"))
	l.Set(flags.Flag("disable-renderer-backgrounding"))
	l.Set(flags.Flag("disable-background-timer-throttling"))
	l.Set(flags.Flag("disable-dev-shm-usage"))
	l.Set(flags.Flag("disable-extensions"))
	l.Set(flags.Flag("no-first-run"))
	if browserCfg.UserAgent != "" {
		l.Set(flags.Flag("user-agent"), browserCfg.UserAgent)
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, models.NewCrawlError(models.ErrCodeBrowserCrash, "failed to launch browser", err)
	}
	zap.L().Debug("browser launched", zap.String("engine", NameRod), zap.String("control_url", controlURL))

	browser, err := connectBrowser(controlURL, l.Kill)
	if err != nil {
		return nil, err
	}

	page, err := browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		_ = browser.Close()
		return nil, models.NewCrawlError(models.ErrCodeBrowserCrash, "failed to open page", err)
	}

	if browserCfg.Stealth {
		if _, err := page.EvalOnNewDocument(stealth.JS); err != nil {
			zap.L().Warn("stealth injection failed, proceeding without stealth", zap.Error(err))
		}
	}

	if len(browserCfg.Headers) > 0 {
		_ = proto.NetworkSetExtraHTTPHeaders{
			Headers: toHeadersMap(browserCfg.Headers),
		}.Call(page)
	}

	return &RodEngine{
		browser:    browser,
		page:       page,
		router:     setupHijack(page, browserCfg.BlockedResources),
		navTimeout: scraperCfg.NavigationTimeout,
	}, nil
}

// connectBrowser attaches to the browser at controlURL. kill stops the
// launched process when the connection fails, so no Chrome is left behind.
func connectBrowser(controlURL string, kill func()) (*rod.Browser, error) {
	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		kill()
		return nil, models.NewCrawlError(models.ErrCodeBrowserCrash, "failed to connect to browser", err)
	}
	return browser, nil
}

func (e *RodEngine) Name() string { return NameRod }

func (e *RodEngine) Navigate(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, e.navTimeout)
	defer cancel()

	p := e.page.Context(ctx)
	if err := p.Navigate(url); err != nil {
		return err
	}
	// WaitRequestIdle conflicts with the hijack router on recent Chromium;
	// DOM stability is good enough before the selector wait.
	if err := p.WaitDOMStable(300*time.Millisecond, 0.1); err != nil {
		zap.L().Debug("WaitDOMStable did not converge, proceeding with current DOM",
			zap.String("url", url), zap.Error(err))
	}
	return nil
}

func (e *RodEngine) WaitFor(ctx context.Context, selector string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := e.page.Context(ctx).WaitElementsMoreThan(selector, 0); err != nil {
		return waitError(selector, err)
	}
	return nil
}

func (e *RodEngine) QueryAll(ctx context.Context, selector string) ([]string, error) {
	els, err := e.page.Context(ctx).Elements(selector)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(els))
	for _, el := range els {
		h, err := el.HTML()
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

func (e *RodEngine) HTML(ctx context.Context) (string, error) {
	return e.page.Context(ctx).HTML()
}

func (e *RodEngine) URL(ctx context.Context) string {
	return evalStringOrEmpty(e.page.Context(ctx), `() => window.location.href`)
}

func (e *RodEngine) Fill(ctx context.Context, selector, value string) error {
	el, err := e.element(ctx, selector)
	if err != nil {
		return err
	}
	if err := el.SelectAllText(); err != nil {
		return err
	}
	return el.Input(value)
}

func (e *RodEngine) Click(ctx context.Context, selector string) error {
	el, err := e.element(ctx, selector)
	if err != nil {
		return err
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

// element finds selector without rod's implicit retry loop, which would
// otherwise block until ctx expires when the element is absent.
func (e *RodEngine) element(ctx context.Context, selector string) (*rod.Element, error) {
	p := e.page.Context(ctx)
	has, el, err := p.Has(selector)
	if err != nil {
		return nil, err
	}
	if !has {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, selector)
	}
	return el, nil
}

// Close stops the hijack router and kills the browser so no Chrome process
// outlives the run.
func (e *RodEngine) Close() error {
	if e.router != nil {
		_ = e.router.Stop()
	}
	_ = e.page.Close()
	return e.browser.Close()
}

// evalStringOrEmpty evaluates a JS expression and returns the string result,
// swallowing any errors.
func evalStringOrEmpty(page *rod.Page, js string) string {
	res, err := page.Eval(js)
	if err != nil {
		return ""
	}
	return res.Value.Str()
}

// toHeadersMap converts a plain string map to the proto.NetworkHeaders type
// (map[string]gson.JSON) required by NetworkSetExtraHTTPHeaders.
func toHeadersMap(headers map[string]string) proto.NetworkHeaders {
	m := make(proto.NetworkHeaders, len(headers))
	for k, v := range headers {
		m[k] = gson.New(v)
	}
	return m
}
