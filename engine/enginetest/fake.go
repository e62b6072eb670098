// Package enginetest provides a scripted engine.Engine for tests that must
// not launch a browser.
package enginetest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/use-agent/mercury-crawler/engine"
)

// Page is one scripted document.
type Page struct {
	HTML string

	// FailTimes makes the next N navigations to this page fail with a
	// timeout.
	FailTimes int
}

// Fake serves scripted pages by URL. Navigating to an unknown URL fails.
type Fake struct {
	mu sync.Mutex

	pages map[string]*Page

	// OnSubmit is called by Click with the values filled so far and returns
	// the URL to land on. Click on an element that is a link follows its
	// href when OnSubmit is nil.
	OnSubmit func(filled map[string]string) string

	current string
	filled  map[string]string
	visits  []string
	closed  bool
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		pages:  make(map[string]*Page),
		filled: make(map[string]string),
	}
}

// Set registers html under url.
func (f *Fake) Set(url, html string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[url] = &Page{HTML: html}
	return f
}

// FailNext makes the next n navigations to url time out.
func (f *Fake) FailNext(url string, n int) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pages[url]
	if !ok {
		p = &Page{}
		f.pages[url] = p
	}
	p.FailTimes = n
	return f
}

// Factory returns an engine.Factory that always hands out f.
func (f *Fake) Factory() engine.Factory {
	return func() (engine.Engine, error) { return f, nil }
}

// Visits returns every URL passed to Navigate, in order.
func (f *Fake) Visits() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.visits...)
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *Fake) Name() string { return "fake" }

func (f *Fake) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.visits = append(f.visits, url)
	p, ok := f.pages[url]
	if !ok {
		return fmt.Errorf("fake: %s unreachable", url)
	}
	if p.FailTimes > 0 {
		p.FailTimes--
		return fmt.Errorf("fake: navigate %s: %w", url, context.DeadlineExceeded)
	}
	f.current = url
	clear(f.filled)
	return nil
}

func (f *Fake) doc() (*goquery.Document, error) {
	p, ok := f.pages[f.current]
	if !ok {
		return nil, fmt.Errorf("fake: no page loaded")
	}
	return goquery.NewDocumentFromReader(strings.NewReader(p.HTML))
}

func (f *Fake) WaitFor(ctx context.Context, selector string, _ time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.doc()
	if err != nil {
		return err
	}
	if doc.Find(selector).Length() == 0 {
		return fmt.Errorf("%w: %q", engine.ErrWaitTimeout, selector)
	}
	return nil
}

func (f *Fake) QueryAll(_ context.Context, selector string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.doc()
	if err != nil {
		return nil, err
	}
	var out []string
	var herr error
	doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		h, err := goquery.OuterHtml(s)
		if err != nil {
			herr = err
			return
		}
		out = append(out, h)
	})
	return out, herr
}

func (f *Fake) HTML(_ context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pages[f.current]
	if !ok {
		return "", fmt.Errorf("fake: no page loaded")
	}
	return p.HTML, nil
}

func (f *Fake) URL(_ context.Context) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *Fake) Fill(_ context.Context, selector, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.doc()
	if err != nil {
		return err
	}
	if doc.Find(selector).Length() == 0 {
		return fmt.Errorf("%w: %q", engine.ErrNotFound, selector)
	}
	f.filled[selector] = value
	return nil
}

func (f *Fake) Click(ctx context.Context, selector string) error {
	f.mu.Lock()
	doc, err := f.doc()
	if err != nil {
		f.mu.Unlock()
		return err
	}
	s := doc.Find(selector).First()
	if s.Length() == 0 {
		f.mu.Unlock()
		return fmt.Errorf("%w: %q", engine.ErrNotFound, selector)
	}
	filled := make(map[string]string, len(f.filled))
	for k, v := range f.filled {
		filled[k] = v
	}
	onSubmit := f.OnSubmit
	f.mu.Unlock()

	var target string
	switch {
	case onSubmit != nil:
		target = onSubmit(filled)
	default:
		target = s.AttrOr("href", "")
	}
	if target == "" {
		return fmt.Errorf("fake: click on %q leads nowhere", selector)
	}
	return f.Navigate(ctx, target)
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
