package crawler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/use-agent/mercury-crawler/config"
	"github.com/use-agent/mercury-crawler/engine"
	"github.com/use-agent/mercury-crawler/engine/enginetest"
	"github.com/use-agent/mercury-crawler/extractor"
	"github.com/use-agent/mercury-crawler/models"
)

const portalSchema = `
name: portal
base_url: https://portal.test
login:
  path: /login
  username: '#user'
  password: '#pass'
  submit: 'button[type="submit"]'
  success: '#dashboard'
  failure: '.login-error'
listing:
  path: /investors
  wait_for: table
  record: tr.investor
  fields:
    - name: name
      selectors: [td.name]
      required: true
    - name: firm
      selectors: [td.firm]
pagination:
  next: a.next
`

const (
	loginURL  = "https://portal.test/login"
	homeURL   = "https://portal.test/home"
	deniedURL = "https://portal.test/login?error=1"
	page1URL  = "https://portal.test/investors"
	page2URL  = "https://portal.test/investors?page=2"
	page3URL  = "https://portal.test/investors?page=3"
)

const loginHTML = `<form><input id="user"><input id="pass" type="password"><button type="submit">Sign in</button></form>`

var fixedNow = time.Date(2025, 1, 31, 14, 25, 1, 0, time.Local)

func listingPage(next string, rows ...string) string {
	html := "<table>"
	for _, r := range rows {
		html += r
	}
	html += "</table>"
	if next != "" {
		html += `<a class="next" href="` + next + `">Next</a>`
	}
	return html
}

func row(name, firm string) string {
	return `<tr class="investor"><td class="name">` + name + `</td><td class="firm">` + firm + `</td></tr>`
}

// newPortal returns a fake portal that accepts alice/secret.
func newPortal() *enginetest.Fake {
	f := enginetest.New().
		Set(loginURL, loginHTML).
		Set(homeURL, `<div id="dashboard">Welcome</div>`).
		Set(deniedURL, loginHTML+`<p class="login-error">Invalid credentials</p>`)
	f.OnSubmit = func(filled map[string]string) string {
		if filled["#user"] == "alice" && filled["#pass"] == "secret" {
			return homeURL
		}
		return deniedURL
	}
	return f
}

type harness struct {
	fake *enginetest.Fake
	dir  string
	logs *observer.ObservedLogs
	opts Options
}

func newHarness(t *testing.T, schemaYAML string) *harness {
	t.Helper()
	schema, err := extractor.ParseSchema([]byte(schemaYAML))
	require.NoError(t, err)

	core, logs := observer.New(zap.DebugLevel)
	h := &harness{fake: newPortal(), dir: t.TempDir(), logs: logs}
	h.opts = Options{
		Schema:      schema,
		Credentials: Credentials{Username: "alice", Password: "secret"},
		Crawl:       config.CrawlConfig{MaxPages: 10, Detail: true},
		Output:      config.OutputConfig{Dir: h.dir, Prefix: "mercury_investors"},
		NewEngine:   h.fake.Factory(),
		RunID:       "run-1",
		Logger:      zap.New(core),
		Now:         func() time.Time { return fixedNow },
	}
	return h
}

func (h *harness) run(t *testing.T, ctx context.Context) (*RunResult, error) {
	t.Helper()
	r, err := New(h.opts)
	require.NoError(t, err)
	return r.Run(ctx)
}

func (h *harness) outputFiles(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(h.dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func readOutput(t *testing.T, path string) []map[string]string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var out []map[string]string
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestRunTwoPages(t *testing.T) {
	h := newHarness(t, portalSchema)
	h.fake.
		Set(page1URL, listingPage("/investors?page=2", row("A", "Acme"))).
		Set(page2URL, listingPage("", row("B", "Beta")))

	res, err := h.run(t, context.Background())
	require.NoError(t, err)

	sum := res.Summary
	assert.Equal(t, models.StateDone, sum.State)
	assert.Equal(t, models.StopExhausted, sum.StopReason)
	assert.Equal(t, 2, sum.PagesVisited)
	assert.Equal(t, 2, sum.Records)
	assert.False(t, sum.Partial)
	assert.Equal(t, "fake", sum.Engine)
	assert.Equal(t, filepath.Join(h.dir, "mercury_investors_20250131_142501.json"), sum.OutputPath)

	want := []map[string]string{
		{"name": "A", "firm": "Acme"},
		{"name": "B", "firm": "Beta"},
	}
	if diff := cmp.Diff(want, readOutput(t, sum.OutputPath)); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []string{loginURL, homeURL, page1URL, page2URL}, h.fake.Visits())
	assert.True(t, h.fake.Closed())
}

func TestRunTwoPagesNameOnly(t *testing.T) {
	schema := `
name: names
base_url: https://portal.test
listing:
  path: /investors
  record: tr.investor
  fields:
    - name: name
      selectors: [td.name]
pagination:
  next: a.next
`
	h := newHarness(t, schema)
	h.fake.
		Set("https://portal.test", `<p>home</p>`).
		Set(page1URL, listingPage("/investors?page=2", row("A", ""))).
		Set(page2URL, listingPage("", row("B", ""))).
		FailNext(page2URL, 1)

	res, err := h.run(t, context.Background())
	require.NoError(t, err)

	data, err := os.ReadFile(res.Summary.OutputPath)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"name":"A"},{"name":"B"}]`, string(data))
	assert.Equal(t, 1, h.logs.FilterMessage("navigation failed, retrying").Len())
	assert.Equal(t, []string{"https://portal.test", page1URL, page2URL, page2URL}, h.fake.Visits())
}

func TestRunPreservesRecordCount(t *testing.T) {
	h := newHarness(t, portalSchema)
	rows := []string{row("A", "Acme"), row("B", ""), row("", "Gamma"), row("D", "Delta")}
	h.fake.Set(page1URL, listingPage("", rows...))

	res, err := h.run(t, context.Background())
	require.NoError(t, err)
	require.Len(t, res.Records, len(rows))

	out := readOutput(t, res.Summary.OutputPath)
	require.Len(t, out, len(rows))
	for _, rec := range out {
		assert.Len(t, rec, 2)
	}
	assert.Equal(t, "", out[1]["firm"])
	assert.Equal(t, "", out[2]["name"])

	// The record without a name is kept and reported.
	assert.Equal(t, 1, res.Summary.FieldIssues)
	issues := h.logs.FilterMessage("required field missing").All()
	require.Len(t, issues, 1)
	assert.Equal(t, "name", issues[0].ContextMap()["field"])
}

func TestRunEmptyListingWritesEmptyArray(t *testing.T) {
	h := newHarness(t, portalSchema)
	h.fake.Set(page1URL, listingPage(""))

	res, err := h.run(t, context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.StateDone, res.Summary.State)
	assert.Equal(t, 0, res.Summary.Records)

	data, err := os.ReadFile(res.Summary.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, "[]\n", string(data))
}

func TestRunAuthRejectedWritesNothing(t *testing.T) {
	h := newHarness(t, portalSchema)
	h.opts.Credentials.Password = "wrong"
	h.fake.Set(page1URL, listingPage("", row("A", "Acme")))

	res, err := h.run(t, context.Background())
	require.Error(t, err)
	assert.True(t, models.IsAuth(err))
	assert.Contains(t, err.Error(), "credentials rejected")
	assert.Equal(t, models.StateFailed, res.Summary.State)
	assert.Empty(t, h.outputFiles(t))
	assert.NotContains(t, h.fake.Visits(), page1URL)
	assert.True(t, h.fake.Closed())
}

func TestRunMissingCredentialsFailsBeforeBrowser(t *testing.T) {
	h := newHarness(t, portalSchema)
	h.opts.Credentials = Credentials{}
	opened := 0
	h.opts.NewEngine = func() (engine.Engine, error) {
		opened++
		return h.fake, nil
	}

	_, err := h.run(t, context.Background())
	require.Error(t, err)
	assert.True(t, models.IsAuth(err))
	assert.Zero(t, opened)
	assert.Empty(t, h.outputFiles(t))
}

func TestRunRetryLogsOneWarning(t *testing.T) {
	h := newHarness(t, portalSchema)
	h.fake.
		Set(page1URL, listingPage("", row("A", "Acme"))).
		FailNext(page1URL, 1)

	res, err := h.run(t, context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Summary.Records)
	assert.Equal(t, 1, res.Summary.NavigationRetries)
	assert.Equal(t, 0, res.Summary.PagesSkipped)

	warnings := h.logs.FilterMessage("navigation failed, retrying").All()
	require.Len(t, warnings, 1)
	assert.Equal(t, zap.WarnLevel, warnings[0].Level)
	assert.Equal(t, "page 1 ("+page1URL+")", warnings[0].ContextMap()["cursor"])
}

func TestRunUnreachablePortalFails(t *testing.T) {
	h := newHarness(t, portalSchema)
	h.fake.Set(page1URL, listingPage("", row("A", "Acme"))).FailNext(page1URL, 2)

	res, err := h.run(t, context.Background())
	require.Error(t, err)
	assert.True(t, models.IsNavigation(err))
	assert.Equal(t, models.StateFailed, res.Summary.State)
	assert.Equal(t, models.StopPageFailed, res.Summary.StopReason)
	assert.Empty(t, h.outputFiles(t))
}

func TestRunLinkPaginationStopsOnFailedPage(t *testing.T) {
	h := newHarness(t, portalSchema)
	h.fake.
		Set(page1URL, listingPage("/investors?page=2", row("A", "Acme"))).
		Set(page2URL, listingPage("", row("B", "Beta"))).
		FailNext(page2URL, 2)

	res, err := h.run(t, context.Background())
	require.NoError(t, err)
	sum := res.Summary
	assert.Equal(t, models.StateDone, sum.State)
	assert.True(t, sum.Partial)
	assert.Equal(t, models.StopPageFailed, sum.StopReason)
	assert.Equal(t, 1, sum.PagesSkipped)
	assert.Len(t, readOutput(t, sum.OutputPath), 1)
}

func TestRunParamPaginationSkipsFailedPage(t *testing.T) {
	schema := portalSchema + "  param: page\n"
	h := newHarness(t, schema)
	h.fake.
		Set(page1URL, listingPage("#", row("A", "Acme"))).
		Set(page2URL, listingPage("#", row("B", "Beta"))).
		Set(page3URL, listingPage("", row("C", "Gamma"))).
		FailNext(page2URL, 2)

	res, err := h.run(t, context.Background())
	require.NoError(t, err)
	sum := res.Summary
	assert.True(t, sum.Partial)
	assert.Equal(t, models.StopExhausted, sum.StopReason)
	assert.Equal(t, 2, sum.PagesVisited)
	assert.Equal(t, 1, sum.PagesSkipped)

	out := readOutput(t, sum.OutputPath)
	require.Len(t, out, 2)
	assert.Equal(t, "A", out[0]["name"])
	assert.Equal(t, "C", out[1]["name"])
}

func TestRunTerminates(t *testing.T) {
	t.Run("cycle", func(t *testing.T) {
		h := newHarness(t, portalSchema)
		h.fake.
			Set(page1URL, listingPage("/investors?page=2", row("A", "Acme"))).
			Set(page2URL, listingPage("/investors", row("B", "Beta")))

		res, err := h.run(t, context.Background())
		require.NoError(t, err)
		assert.Equal(t, models.StopCycle, res.Summary.StopReason)
		assert.Equal(t, 2, res.Summary.PagesVisited)
	})

	t.Run("max pages", func(t *testing.T) {
		h := newHarness(t, portalSchema)
		h.opts.Crawl.MaxPages = 1
		h.fake.
			Set(page1URL, listingPage("/investors?page=2", row("A", "Acme"))).
			Set(page2URL, listingPage("", row("B", "Beta")))

		res, err := h.run(t, context.Background())
		require.NoError(t, err)
		assert.Equal(t, models.StopMaxPages, res.Summary.StopReason)
		assert.Equal(t, 1, res.Summary.Records)
		assert.NotContains(t, h.fake.Visits(), page2URL)
	})

	t.Run("max records", func(t *testing.T) {
		h := newHarness(t, portalSchema)
		h.opts.Crawl.MaxRecords = 3
		h.fake.
			Set(page1URL, listingPage("/investors?page=2", row("A", ""), row("B", ""))).
			Set(page2URL, listingPage("/investors?page=3", row("C", ""), row("D", ""))).
			Set(page3URL, listingPage("", row("E", "")))

		res, err := h.run(t, context.Background())
		require.NoError(t, err)
		assert.Equal(t, models.StopMaxRecords, res.Summary.StopReason)
		require.Len(t, res.Records, 3)
		name, _ := res.Records[2].Get("name")
		assert.Equal(t, "C", name)
	})
}

func TestRunStopsWhenPortalIgnoresPageParam(t *testing.T) {
	h := newHarness(t, portalSchema+"  param: page\n")
	same := listingPage("#", row("A", "Acme"), row("B", "Beta"))
	h.fake.Set(page1URL, same).Set(page2URL, same).Set(page3URL, same)

	res, err := h.run(t, context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.StopRepeated, res.Summary.StopReason)
	assert.Equal(t, 2, res.Summary.PagesVisited)
	assert.Len(t, res.Records, 2)
	assert.NotContains(t, h.fake.Visits(), page3URL)
}

func TestRunKeepsSimilarPages(t *testing.T) {
	h := newHarness(t, `
name: portal
base_url: https://portal.test
listing:
  path: /investors
  record: tr.investor
  fields:
    - name: name
      selectors: [td.name]
    - name: firm
      selectors: [td.firm]
    - name: stage
      selectors: [td.stage]
    - name: location
      selectors: [td.location]
pagination:
  next: a.next
`)
	const firm = "Andreessen Horowitz Venture Capital Growth Fund Menlo Park California United States"
	investor := func(name string) string {
		return `<tr class="investor"><td class="name">` + name + `</td><td class="firm">` + firm +
			`</td><td class="stage">Seed</td><td class="location">San Francisco, CA</td></tr>`
	}
	var first, second []string
	for i := range 20 {
		first = append(first, investor(fmt.Sprintf("Alice%d", i)))
		second = append(second, investor(fmt.Sprintf("Bob%d", i)))
	}
	h.fake.
		Set("https://portal.test", "<html></html>").
		Set(page1URL, listingPage("/investors?page=2", first...)).
		Set(page2URL, listingPage("", second...))

	res, err := h.run(t, context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.StopExhausted, res.Summary.StopReason)
	require.Len(t, res.Records, 40)
	name, _ := res.Records[20].Get("name")
	assert.Equal(t, "Bob0", name)
}

func TestRunCanceledWritesPartialFile(t *testing.T) {
	h := newHarness(t, portalSchema)
	h.fake.
		Set(page1URL, listingPage("/investors?page=2", row("A", "Acme"))).
		Set(page2URL, listingPage("", row("B", "Beta")))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.opts.Progress = func(s models.RunSummary) {
		if s.State == models.StateExtracting {
			cancel()
		}
	}

	res, err := h.run(t, ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	sum := res.Summary
	assert.Equal(t, models.StateFailed, sum.State)
	assert.Equal(t, models.StopCanceled, sum.StopReason)
	assert.True(t, sum.Partial)
	require.NotEmpty(t, sum.OutputPath)
	assert.Len(t, readOutput(t, sum.OutputPath), 1)
}

func TestRunProgressStates(t *testing.T) {
	h := newHarness(t, portalSchema)
	h.fake.Set(page1URL, listingPage("", row("A", "Acme")))

	var states []models.RunState
	h.opts.Progress = func(s models.RunSummary) { states = append(states, s.State) }

	_, err := h.run(t, context.Background())
	require.NoError(t, err)
	assert.Equal(t, []models.RunState{
		models.StateAuthenticating,
		models.StateFetchingPage,
		models.StateExtracting,
		models.StateDone,
	}, states)
}

func TestExtractRecordsIdempotent(t *testing.T) {
	h := newHarness(t, portalSchema)
	r, err := New(h.opts)
	require.NoError(t, err)

	page := &models.PageContent{
		Cursor: models.Cursor{Page: 1, URL: page1URL},
		URL:    page1URL,
		HTML:   listingPage("", row("A", "Acme"), row("B", "")),
	}
	first, _ := r.ExtractRecords(page)
	second, _ := r.ExtractRecords(page)
	if diff := cmp.Diff(first, second, cmp.AllowUnexported(models.Record{})); diff != "" {
		t.Errorf("extraction not idempotent (-first +second):\n%s", diff)
	}
}

func TestNextCursor(t *testing.T) {
	h := newHarness(t, portalSchema)
	r, err := New(h.opts)
	require.NoError(t, err)

	page := func(html string) *models.PageContent {
		return &models.PageContent{Cursor: models.Cursor{Page: 4, URL: page1URL}, URL: page1URL, HTML: html}
	}

	next, ok := r.NextCursor(page(listingPage("/investors?page=5#top")))
	require.True(t, ok)
	assert.Equal(t, models.Cursor{Page: 5, URL: "https://portal.test/investors?page=5"}, next)

	for name, html := range map[string]string{
		"no control": listingPage(""),
		"hash":       listingPage("#"),
		"javascript": listingPage("javascript:void(0)"),
		"disabled":   `<a class="next" href="/investors?page=5" aria-disabled="true">Next</a>`,
	} {
		t.Run(name, func(t *testing.T) {
			_, ok := r.NextCursor(page(html))
			assert.False(t, ok)
		})
	}
}

func TestRunEnrichesFromDetailPages(t *testing.T) {
	schema, err := extractor.DefaultSchema()
	require.NoError(t, err)
	schema = schema.WithBaseURL("https://mercury.test")

	const (
		base    = "https://mercury.test"
		listing = "https://mercury.test/investor-database?perPage=All"
		jane    = "https://mercury.test/investor-database/jane-doe"
		john    = "https://mercury.test/investor-database/john-smith"
	)
	fake := enginetest.New().
		Set(base, `<html><body>Mercury</body></html>`).
		Set(listing, `<ul>
<li><a href="/investor-database/jane-doe">Jane Doe</a></li>
<li><a href="/investor-database/john-smith">John Smith</a></li>
<li><a href="/investor-database/jane-doe">Jane again</a></li>
</ul>`).
		Set(jane, `<main><h1>Jane Doe</h1><a href="https://www.linkedin.com/in/janedoe">in</a></main>`).
		Set(john, `<main></main>`).
		FailNext(john, 2)

	dir := t.TempDir()
	core, logs := observer.New(zap.WarnLevel)
	r, err := New(Options{
		Schema:    schema,
		Crawl:     config.CrawlConfig{MaxPages: 5, Detail: true},
		Output:    config.OutputConfig{Dir: dir, Prefix: "mercury_investors"},
		NewEngine: fake.Factory(),
		Logger:    zap.New(core),
		Now:       func() time.Time { return fixedNow },
	})
	require.NoError(t, err)

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Records, 2)
	assert.Equal(t, 1, res.Summary.DetailFailures)
	assert.Equal(t, 1, logs.FilterMessage("detail page failed, keeping listing values").Len())

	assert.Equal(t, schema.Keys(), res.Records[0].Keys())
	assert.Equal(t, schema.Keys(), res.Records[1].Keys())

	name, _ := res.Records[0].Get("name")
	assert.Equal(t, "Jane Doe", name)
	li, _ := res.Records[0].Get("linkedin")
	assert.Equal(t, "https://www.linkedin.com/in/janedoe", li)

	u, _ := res.Records[1].Get(models.FieldURL)
	assert.Equal(t, john, u)
	name, _ = res.Records[1].Get("name")
	assert.Equal(t, "", name)
}

func TestSmokeWritesNothing(t *testing.T) {
	h := newHarness(t, portalSchema)
	h.fake.
		Set(page1URL, listingPage("/investors?page=2", row("A", "Acme"), row("B", "Beta"))).
		Set(page2URL, listingPage("", row("C", "Gamma")))

	r, err := New(h.opts)
	require.NoError(t, err)
	res, err := r.Smoke(context.Background(), SmokeOptions{URL: page2URL})
	require.NoError(t, err)

	require.Len(t, res.Records, 1)
	name, _ := res.Records[0].Get("name")
	assert.Equal(t, "C", name)
	assert.Equal(t, page2URL, res.Page.URL)
	assert.Equal(t, models.StateDone, res.Summary.State)
	assert.Empty(t, h.outputFiles(t))
	assert.NotContains(t, h.fake.Visits(), page1URL)
}

func TestSmokeDetailFollowsCrawlSetting(t *testing.T) {
	schema, err := extractor.DefaultSchema()
	require.NoError(t, err)
	schema = schema.WithBaseURL("https://mercury.test")

	const (
		listing = "https://mercury.test/investor-database?perPage=All"
		jane    = "https://mercury.test/investor-database/jane-doe"
	)
	for _, detail := range []bool{true, false} {
		t.Run(fmt.Sprintf("detail=%v", detail), func(t *testing.T) {
			fake := enginetest.New().
				Set("https://mercury.test", `<html><body>Mercury</body></html>`).
				Set(listing, `<ul><li><a href="/investor-database/jane-doe">Jane Doe</a></li></ul>`).
				Set(jane, `<main><h1>Jane Doe</h1><a href="https://www.linkedin.com/in/janedoe">in</a></main>`)
			r, err := New(Options{
				Schema:    schema,
				Crawl:     config.CrawlConfig{MaxPages: 5, Detail: detail},
				NewEngine: fake.Factory(),
				Logger:    zap.NewNop(),
				Now:       func() time.Time { return fixedNow },
			})
			require.NoError(t, err)

			res, err := r.Smoke(context.Background(), SmokeOptions{DetailLimit: 3})
			require.NoError(t, err)
			require.Len(t, res.Records, 1)

			li, _ := res.Records[0].Get("linkedin")
			if detail {
				assert.Contains(t, fake.Visits(), jane)
				assert.Equal(t, "https://www.linkedin.com/in/janedoe", li)
			} else {
				assert.NotContains(t, fake.Visits(), jane)
				assert.Empty(t, li)
			}
		})
	}
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	assert.Equal(t, models.ErrCodeInvalidConfig, models.ErrorCode(err))

	h := newHarness(t, portalSchema)
	h.opts.Crawl.MaxPages = 0
	_, err = New(h.opts)
	require.Error(t, err)
}
