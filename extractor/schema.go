package extractor

import (
	_ "embed"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/andybalholm/cascadia"
	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/use-agent/mercury-crawler/models"
)

//go:embed schemas/mercury.yaml
var mercurySchema []byte

// Field formats.
const (
	FormatText     = "text"
	FormatMarkdown = "markdown"
	FormatHTML     = "html"
)

// Field fallbacks, applied when no selector yields a value.
const (
	FallbackSlug        = "slug"
	FallbackReadability = "readability"
)

// DefaultSeparator joins the values of a multiple field.
const DefaultSeparator = ", "

// Schema describes how to log in to a portal, walk its listing pages and
// map page elements onto record fields.
type Schema struct {
	Name       string         `yaml:"name"`
	BaseURL    string         `yaml:"base_url"`
	Login      *LoginSpec     `yaml:"login"`
	Listing    ListingSpec    `yaml:"listing"`
	Pagination PaginationSpec `yaml:"pagination"`
	Detail     *DetailSpec    `yaml:"detail"`
}

// LoginSpec locates the login form. A nil LoginSpec means the portal is
// public.
type LoginSpec struct {
	Path     string `yaml:"path"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Submit   string `yaml:"submit"`

	// Success must appear after a successful login.
	Success string `yaml:"success"`

	// Failure, when set, identifies a rejected login.
	Failure string `yaml:"failure"`
}

// ListingSpec describes one listing page.
type ListingSpec struct {
	Path    string `yaml:"path"`
	WaitFor string `yaml:"wait_for"`

	// Record selects one element per record. Empty treats the whole page as
	// a single record.
	Record string `yaml:"record"`

	// Unique drops records whose link was already seen on the same page.
	Unique bool `yaml:"unique"`

	Link   *LinkSpec   `yaml:"link"`
	Fields []FieldSpec `yaml:"fields"`
}

// LinkSpec locates a record's detail link. An empty Selector uses the
// record element itself.
type LinkSpec struct {
	Selector string `yaml:"selector"`
	Attr     string `yaml:"attr"`
}

// PaginationSpec locates the next-page control.
type PaginationSpec struct {
	Next string `yaml:"next"`
	Attr string `yaml:"attr"`

	// Param switches to query-parameter pagination: while the Next control
	// is present, page N+1 is the listing URL with Param=N+1.
	Param string `yaml:"param"`
}

// DetailSpec describes a record's profile page.
type DetailSpec struct {
	WaitFor string      `yaml:"wait_for"`
	Fields  []FieldSpec `yaml:"fields"`
}

// FieldSpec maps one record field onto page elements.
type FieldSpec struct {
	Name string `yaml:"name"`

	// Selectors are tried in order; the first that yields a value wins.
	// Empty targets the record element itself.
	Selectors []string `yaml:"selectors"`

	Attr       string `yaml:"attr"`
	Format     string `yaml:"format"`
	Multiple   bool   `yaml:"multiple"`
	Separator  string `yaml:"separator"`
	TrimPrefix string `yaml:"trim_prefix"`

	// MinLength drops values shorter than this many characters. The bound
	// is inclusive: a value of exactly MinLength characters is kept.
	MinLength int `yaml:"min_length"`

	Required bool   `yaml:"required"`
	Fallback string `yaml:"fallback"`
}

// DefaultSchema returns the built-in Mercury investor database schema.
func DefaultSchema() (*Schema, error) {
	return ParseSchema(mercurySchema)
}

// LoadSchema reads and validates a schema file. An empty path returns the
// default schema.
func LoadSchema(path string) (*Schema, error) {
	if path == "" {
		return DefaultSchema()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "extractor: read schema %s", path)
	}
	return ParseSchema(data)
}

// ParseSchema decodes and validates a YAML schema.
func ParseSchema(data []byte) (*Schema, error) {
	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, models.NewCrawlError(models.ErrCodeInvalidConfig, "schema is not valid YAML", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate compiles every selector and checks field names.
func (s *Schema) Validate() error {
	var errs []string
	check := func(where, sel string, required bool) {
		if sel == "" {
			if required {
				errs = append(errs, where+" is required")
			}
			return
		}
		if _, err := cascadia.ParseGroup(sel); err != nil {
			errs = append(errs, fmt.Sprintf("%s: invalid selector %q: %v", where, sel, err))
		}
	}

	if u, err := url.Parse(s.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, "base_url must be an absolute URL")
	}

	if s.Login != nil {
		check("login.username", s.Login.Username, true)
		check("login.password", s.Login.Password, true)
		check("login.submit", s.Login.Submit, true)
		check("login.success", s.Login.Success, true)
		check("login.failure", s.Login.Failure, false)
	}

	check("listing.wait_for", s.Listing.WaitFor, false)
	check("listing.record", s.Listing.Record, false)
	if s.Listing.Link != nil {
		check("listing.link.selector", s.Listing.Link.Selector, false)
	}
	if s.Listing.Link == nil && len(s.Listing.Fields) == 0 {
		errs = append(errs, "listing needs a link or at least one field")
	}

	check("pagination.next", s.Pagination.Next, false)
	if s.Pagination.Param != "" && s.Pagination.Next == "" {
		errs = append(errs, "pagination.param requires pagination.next")
	}

	checkFields := func(block string, fields []FieldSpec, selectorsRequired bool) {
		seen := make(map[string]struct{}, len(fields))
		if block == "listing" && s.Listing.Link != nil {
			seen[models.FieldURL] = struct{}{}
		}
		for i, f := range fields {
			where := fmt.Sprintf("%s.fields[%d]", block, i)
			if f.Name == "" {
				errs = append(errs, where+": name is required")
				continue
			}
			if _, ok := seen[f.Name]; ok {
				errs = append(errs, fmt.Sprintf("%s: duplicate field %q", where, f.Name))
			}
			seen[f.Name] = struct{}{}
			if selectorsRequired && len(f.Selectors) == 0 {
				errs = append(errs, fmt.Sprintf("%s (%s): at least one selector is required", where, f.Name))
			}
			for j, sel := range f.Selectors {
				check(fmt.Sprintf("%s.selectors[%d]", where, j), sel, true)
			}
			switch f.Format {
			case "", FormatText, FormatMarkdown, FormatHTML:
			default:
				errs = append(errs, fmt.Sprintf("%s: unknown format %q", where, f.Format))
			}
			switch f.Fallback {
			case "", FallbackSlug, FallbackReadability:
			default:
				errs = append(errs, fmt.Sprintf("%s: unknown fallback %q", where, f.Fallback))
			}
			if f.MinLength < 0 {
				errs = append(errs, where+": min_length must be >= 0")
			}
		}
	}

	checkFields("listing", s.Listing.Fields, s.Listing.Record == "")
	if s.Detail != nil {
		check("detail.wait_for", s.Detail.WaitFor, false)
		if s.Listing.Link == nil {
			errs = append(errs, "detail requires listing.link")
		}
		if len(s.Detail.Fields) == 0 {
			errs = append(errs, "detail needs at least one field")
		}
		checkFields("detail", s.Detail.Fields, true)
	}

	if len(errs) > 0 {
		return models.NewCrawlError(models.ErrCodeInvalidConfig,
			"schema validation failed: "+strings.Join(errs, "; "), nil)
	}
	return nil
}

// WithBaseURL returns a copy of s pointing at another host, used when the
// config overrides portal.base_url.
func (s *Schema) WithBaseURL(base string) *Schema {
	cp := *s
	cp.BaseURL = base
	return &cp
}

// Resolve turns a schema path into an absolute URL under base_url.
func (s *Schema) Resolve(ref string) (string, error) {
	base, err := url.Parse(s.BaseURL)
	if err != nil {
		return "", err
	}
	u, err := base.Parse(ref)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// ListingURL is the absolute URL of the first listing page.
func (s *Schema) ListingURL() (string, error) {
	return s.Resolve(s.Listing.Path)
}

// LoginURL is the absolute URL of the login page, or "" for public portals.
func (s *Schema) LoginURL() (string, error) {
	if s.Login == nil || s.Login.Path == "" {
		return "", nil
	}
	return s.Resolve(s.Login.Path)
}

// HasDetail reports whether records should be enriched from their link.
func (s *Schema) HasDetail() bool {
	return s.Detail != nil && s.Listing.Link != nil
}

// Keys returns the field names every record carries, in output order.
func (s *Schema) Keys() []string {
	var keys []string
	seen := make(map[string]struct{})
	add := func(name string) {
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		keys = append(keys, name)
	}
	if s.Listing.Link != nil {
		add(models.FieldURL)
	}
	for _, f := range s.Listing.Fields {
		add(f.Name)
	}
	if s.Detail != nil {
		for _, f := range s.Detail.Fields {
			add(f.Name)
		}
	}
	return keys
}
