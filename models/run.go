package models

import "time"

// RunState is a stage of the crawl state machine.
type RunState string

const (
	StatePending        RunState = "pending"
	StateAuthenticating RunState = "authenticating"
	StateFetchingPage   RunState = "fetching_page"
	StateExtracting     RunState = "extracting"
	StateDone           RunState = "done"
	StateFailed         RunState = "failed"
)

// Terminal reports whether no further transitions can follow s.
func (s RunState) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Reasons a crawl loop stopped.
const (
	StopExhausted  = "exhausted"
	StopMaxPages   = "max_pages"
	StopMaxRecords = "max_records"
	StopCycle      = "cycle"
	StopRepeated   = "repeated"
	StopPageFailed = "page_failed"
	StopCanceled   = "canceled"
)

// RunSummary describes the progress and outcome of one crawl run.
type RunSummary struct {
	ID         string     `json:"id"`
	State      RunState   `json:"state"`
	Engine     string     `json:"engine"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	Cursor *Cursor `json:"cursor,omitempty"`

	PagesVisited      int `json:"pages_visited"`
	PagesSkipped      int `json:"pages_skipped"`
	NavigationRetries int `json:"navigation_retries"`
	DetailFailures    int `json:"detail_failures"`
	Records           int `json:"records"`
	FieldIssues       int `json:"field_issues"`

	// Partial is set when some pages or detail links could not be
	// fetched but the run still produced output.
	Partial    bool   `json:"partial"`
	StopReason string `json:"stop_reason,omitempty"`
	OutputPath string `json:"output_path,omitempty"`

	Error *ErrorDetail `json:"error,omitempty"`
}

// RunRequest is the body of POST /api/v1/runs. Zero values fall back to the
// configured limits.
type RunRequest struct {
	MaxPages   int `json:"max_pages"`
	MaxRecords int `json:"max_records"`

	// Detail overrides crawl.detail when set.
	Detail *bool `json:"detail,omitempty"`
}

// RunResponse is returned when a run is accepted.
type RunResponse struct {
	Success bool       `json:"success"`
	Run     RunSummary `json:"run"`
}

// RecordsResponse is returned by GET /api/v1/runs/:id/records.
type RecordsResponse struct {
	Success bool     `json:"success"`
	RunID   string   `json:"run_id"`
	Count   int      `json:"count"`
	Records []Record `json:"records"`
}

// HealthResponse is the response for GET /api/v1/health.
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Engine    string `json:"engine"`
	ActiveRun string `json:"active_run,omitempty"`
	Uptime    string `json:"uptime"`
}
