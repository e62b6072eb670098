// Package engine hides the browser automation library behind a small
// capability interface so the crawler can drive rod, playwright, chromedp
// or a plain HTTP client the same way.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/use-agent/mercury-crawler/config"
	"github.com/use-agent/mercury-crawler/models"
)

// Engine names accepted by New.
const (
	NameRod        = "rod"
	NamePlaywright = "playwright"
	NameChromedp   = "chromedp"
	NameHTTP       = "http"
)

// ErrWaitTimeout is returned (wrapped) by WaitFor when the selector never
// matched within the timeout.
var ErrWaitTimeout = errors.New("engine: wait condition not met")

// ErrNotFound is returned (wrapped) by Fill and Click when the target
// element does not exist.
var ErrNotFound = errors.New("engine: element not found")

// Engine is one browser session: a single tab with its cookies. It is not
// safe for concurrent use; the crawler drives it from one goroutine.
type Engine interface {
	// Name returns the engine identifier (e.g. "rod", "http").
	Name() string

	// Navigate loads url and waits for the document to settle.
	Navigate(ctx context.Context, url string) error

	// WaitFor blocks until selector matches at least one element.
	WaitFor(ctx context.Context, selector string, timeout time.Duration) error

	// QueryAll returns the outer HTML of every element matching selector.
	QueryAll(ctx context.Context, selector string) ([]string, error)

	// HTML returns the rendered document.
	HTML(ctx context.Context) (string, error)

	// URL returns the current location, or "" when unknown.
	URL(ctx context.Context) string

	// Fill replaces the value of the input matching selector.
	Fill(ctx context.Context, selector, value string) error

	// Click activates the element matching selector.
	Click(ctx context.Context, selector string) error

	// Close releases the tab and the browser process.
	Close() error
}

// Factory opens a new Engine. The crawler calls it once per session.
type Factory func() (Engine, error)

// New opens the backend selected by browser.engine.
func New(browserCfg config.BrowserConfig, scraperCfg config.ScraperConfig) (Engine, error) {
	switch strings.ToLower(browserCfg.Engine) {
	case "", NameRod:
		return NewRodEngine(browserCfg, scraperCfg)
	case NamePlaywright:
		return NewPlaywrightEngine(browserCfg, scraperCfg)
	case NameChromedp:
		return NewChromedpEngine(browserCfg, scraperCfg)
	case NameHTTP:
		return NewHTTPEngine(browserCfg, scraperCfg)
	default:
		return nil, models.NewCrawlError(models.ErrCodeInvalidConfig,
			fmt.Sprintf("unknown browser engine %q", browserCfg.Engine), nil)
	}
}

// NewFactory binds New to a fixed configuration.
func NewFactory(browserCfg config.BrowserConfig, scraperCfg config.ScraperConfig) Factory {
	return func() (Engine, error) {
		return New(browserCfg, scraperCfg)
	}
}

// blockedSet normalises configured resource type names to lower case.
func blockedSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}

// waitError tags a failed wait so callers can tell it from a navigation
// error.
func waitError(selector string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %q: %w", ErrWaitTimeout, selector, err)
}
