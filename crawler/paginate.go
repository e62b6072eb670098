package crawler

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/use-agent/mercury-crawler/models"
)

func (r *Runner) firstCursor() (models.Cursor, error) {
	u, err := r.opts.Schema.ListingURL()
	if err != nil {
		return models.Cursor{}, models.NewCrawlError(models.ErrCodeInvalidConfig, "invalid listing path", err)
	}
	return models.Cursor{Page: 1, URL: u}, nil
}

// NextCursor derives the cursor of the page after page. It reports false
// when the page has no usable next control, which ends the crawl.
//
// With link pagination the control's href (or pagination.attr) is resolved
// against the page URL. With param pagination the control only signals that
// more pages exist and the next URL is built from the listing URL.
func (r *Runner) NextCursor(page *models.PageContent) (models.Cursor, bool) {
	spec := r.opts.Schema.Pagination
	if spec.Next == "" {
		return models.Cursor{}, false
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.HTML))
	if err != nil {
		return models.Cursor{}, false
	}
	next := doc.Find(spec.Next).First()
	if next.Length() == 0 {
		return models.Cursor{}, false
	}
	if _, disabled := next.Attr("disabled"); disabled || next.AttrOr("aria-disabled", "") == "true" {
		return models.Cursor{}, false
	}

	if spec.Param != "" {
		return r.paramCursor(page.Cursor.Page + 1)
	}

	attr := spec.Attr
	if attr == "" {
		attr = "href"
	}
	ref := strings.TrimSpace(next.AttrOr(attr, ""))
	if ref == "" || ref == "#" || strings.HasPrefix(strings.ToLower(ref), "javascript:") {
		return models.Cursor{}, false
	}
	base := page.URL
	if base == "" {
		base = page.Cursor.URL
	}
	b, err := url.Parse(base)
	if err != nil {
		return models.Cursor{}, false
	}
	u, err := b.Parse(ref)
	if err != nil {
		return models.Cursor{}, false
	}
	u.Fragment = ""
	return models.Cursor{Page: page.Cursor.Page + 1, URL: u.String()}, true
}

// skipCursor returns the cursor after one that could not be fetched. Only
// param pagination can skip: with link pagination the next link lives on
// the page that failed.
func (r *Runner) skipCursor(c models.Cursor) (models.Cursor, bool) {
	if r.opts.Schema.Pagination.Param == "" {
		return models.Cursor{}, false
	}
	return r.paramCursor(c.Page + 1)
}

func (r *Runner) paramCursor(n int) (models.Cursor, bool) {
	listing, err := r.opts.Schema.ListingURL()
	if err != nil {
		return models.Cursor{}, false
	}
	u, err := url.Parse(listing)
	if err != nil {
		return models.Cursor{}, false
	}
	q := u.Query()
	q.Set(r.opts.Schema.Pagination.Param, strconv.Itoa(n))
	u.RawQuery = q.Encode()
	return models.Cursor{Page: n, URL: u.String()}, true
}
