// Package extractor turns captured page HTML into records according to a
// Schema. It works on snapshots only and never touches the browser, so
// extracting the same PageContent twice yields the same records.
package extractor

import (
	"fmt"
	nurl "net/url"
	"strings"
	"unicode/utf8"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/PuerkitoBio/goquery"

	"github.com/use-agent/mercury-crawler/models"
)

// Issue reports a required field that no selector or fallback could fill.
// The record is still emitted with an empty value for the field.
type Issue struct {
	Cursor    models.Cursor
	Record    int
	Field     string
	Selectors []string
	Err       error
}

func (i Issue) Error() string {
	msg := fmt.Sprintf("%s: record %d: field %q not found (selectors %q)", i.Cursor, i.Record, i.Field, i.Selectors)
	if i.Err != nil {
		msg += ": " + i.Err.Error()
	}
	return msg
}

// AsError wraps the issue in an extraction CrawlError.
func (i Issue) AsError() *models.CrawlError {
	return models.NewCrawlError(models.ErrCodeExtraction, fmt.Sprintf("field %q missing in record %d", i.Field, i.Record), i.Err).At(i.Cursor)
}

// Extractor applies a Schema to page snapshots. It is safe for concurrent
// use.
type Extractor struct {
	schema *Schema
	md     *converter.Converter
}

// New creates an Extractor for schema, which must already be validated.
func New(schema *Schema) *Extractor {
	return &Extractor{schema: schema, md: newMarkdownConverter()}
}

// Schema returns the schema the extractor was built with.
func (x *Extractor) Schema() *Schema { return x.schema }

// Records extracts one record per listing.record match, in document order.
func (x *Extractor) Records(page *models.PageContent) ([]models.Record, []Issue) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.HTML))
	if err != nil {
		return nil, []Issue{{Cursor: page.Cursor, Field: "*", Err: err}}
	}
	base := pageBase(page)
	spec := x.schema.Listing

	var scopes []*goquery.Selection
	if spec.Record == "" {
		scopes = append(scopes, doc.Selection)
	} else {
		doc.Find(spec.Record).Each(func(_ int, s *goquery.Selection) {
			scopes = append(scopes, s)
		})
	}

	var (
		records []models.Record
		issues  []Issue
		seen    = make(map[string]struct{})
	)
	for _, scope := range scopes {
		fields := make([]models.Field, 0, len(spec.Fields)+1)
		link := ""
		if spec.Link != nil {
			link = resolveLink(scope, spec.Link, base)
			if spec.Unique && link != "" {
				if _, dup := seen[link]; dup {
					continue
				}
				seen[link] = struct{}{}
			}
			fields = append(fields, models.Field{Name: models.FieldURL, Value: link})
		}

		recordURL := link
		if recordURL == "" {
			recordURL = page.URL
		}
		for _, f := range spec.Fields {
			v, ok := x.value(scope, f, base, page.HTML, recordURL)
			if !ok && f.Required {
				issues = append(issues, Issue{Cursor: page.Cursor, Record: len(records), Field: f.Name, Selectors: f.Selectors})
			}
			fields = append(fields, models.Field{Name: f.Name, Value: v})
		}
		records = append(records, models.NewRecord(fields))
	}
	return records, issues
}

// Detail extracts the detail fields of one profile page as a single record.
func (x *Extractor) Detail(page *models.PageContent) (models.Record, []Issue) {
	if x.schema.Detail == nil {
		return models.NewRecord(nil), nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.HTML))
	if err != nil {
		return x.EmptyDetail(), []Issue{{Cursor: page.Cursor, Field: "*", Err: err}}
	}
	base := pageBase(page)

	var issues []Issue
	fields := make([]models.Field, 0, len(x.schema.Detail.Fields))
	for _, f := range x.schema.Detail.Fields {
		v, ok := x.value(doc.Selection, f, base, page.HTML, page.Cursor.URL)
		if !ok && f.Required {
			issues = append(issues, Issue{Cursor: page.Cursor, Field: f.Name, Selectors: f.Selectors})
		}
		fields = append(fields, models.Field{Name: f.Name, Value: v})
	}
	return models.NewRecord(fields), issues
}

// EmptyDetail returns the detail record used when a profile page could not
// be fetched: every detail key present with an empty value.
func (x *Extractor) EmptyDetail() models.Record {
	if x.schema.Detail == nil {
		return models.NewRecord(nil)
	}
	fields := make([]models.Field, len(x.schema.Detail.Fields))
	for i, f := range x.schema.Detail.Fields {
		fields[i] = models.Field{Name: f.Name}
	}
	return models.NewRecord(fields)
}

// value resolves one field inside scope. The bool is false when neither a
// selector nor the fallback produced a value.
func (x *Extractor) value(scope *goquery.Selection, f FieldSpec, base *nurl.URL, rawHTML, recordURL string) (string, bool) {
	if len(f.Selectors) == 0 {
		if v := x.collect(scope, f, base); v != "" {
			return v, true
		}
	}
	for _, sel := range f.Selectors {
		matches := scope.Find(sel)
		if matches.Length() == 0 {
			continue
		}
		if v := x.collect(matches, f, base); v != "" {
			return v, true
		}
	}

	var v string
	switch f.Fallback {
	case FallbackSlug:
		v = nameFromURL(recordURL)
	case FallbackReadability:
		v = readabilityExcerpt(rawHTML, recordURL)
	}
	if v == "" || tooShort(v, f.MinLength) {
		return "", false
	}
	return v, true
}

// tooShort reports whether v has fewer than n characters.
func tooShort(v string, n int) bool {
	return n > 0 && utf8.RuneCountInString(v) < n
}

// collect renders the matches of one selector. Single-valued fields take
// the first non-empty match; multiple fields join every distinct value.
func (x *Extractor) collect(matches *goquery.Selection, f FieldSpec, base *nurl.URL) string {
	var values []string
	seen := make(map[string]struct{})
	matches.EachWithBreak(func(_ int, s *goquery.Selection) bool {
		v := x.render(s, f, base)
		if v == "" || tooShort(v, f.MinLength) {
			return true
		}
		if !f.Multiple {
			values = append(values, v)
			return false
		}
		if _, dup := seen[v]; !dup {
			seen[v] = struct{}{}
			values = append(values, v)
		}
		return true
	})

	sep := f.Separator
	if sep == "" {
		sep = DefaultSeparator
	}
	return strings.Join(values, sep)
}

func (x *Extractor) render(s *goquery.Selection, f FieldSpec, base *nurl.URL) string {
	var v string
	switch {
	case f.Attr != "":
		v = strings.TrimSpace(s.AttrOr(f.Attr, ""))
		if (f.Attr == "href" || f.Attr == "src") && v != "" {
			v = resolveRef(base, v)
		}
	case f.Format == FormatHTML:
		h, err := s.Html()
		if err != nil {
			return ""
		}
		v = strings.TrimSpace(h)
	case f.Format == FormatMarkdown:
		h, err := s.Html()
		if err != nil {
			return ""
		}
		domain := ""
		if base != nil {
			domain = base.Host
		}
		md, err := toMarkdown(x.md, h, domain)
		if err != nil {
			return normalizeSpace(s.Text())
		}
		v = md
	default:
		v = normalizeSpace(s.Text())
	}
	if f.TrimPrefix != "" {
		v = strings.TrimSpace(strings.TrimPrefix(v, f.TrimPrefix))
	}
	return v
}

func resolveLink(scope *goquery.Selection, spec *LinkSpec, base *nurl.URL) string {
	target := scope
	if spec.Selector != "" {
		target = scope.Find(spec.Selector).First()
	}
	attr := spec.Attr
	if attr == "" {
		attr = "href"
	}
	href := strings.TrimSpace(target.AttrOr(attr, ""))
	if href == "" {
		return ""
	}
	return resolveRef(base, href)
}

// resolveRef makes ref absolute against base. mailto:, tel: and other
// opaque references are returned as-is.
func resolveRef(base *nurl.URL, ref string) string {
	if base == nil {
		return ref
	}
	u, err := base.Parse(ref)
	if err != nil || u.Opaque != "" {
		return ref
	}
	return u.String()
}

func pageBase(page *models.PageContent) *nurl.URL {
	raw := page.URL
	if raw == "" {
		raw = page.Cursor.URL
	}
	u, err := nurl.Parse(raw)
	if err != nil || u.Host == "" {
		return nil
	}
	return u
}
