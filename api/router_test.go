package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/use-agent/mercury-crawler/api/handler"
	"github.com/use-agent/mercury-crawler/config"
	"github.com/use-agent/mercury-crawler/crawler"
	"github.com/use-agent/mercury-crawler/models"
	"github.com/use-agent/mercury-crawler/runstore"
)

type testServer struct {
	router  http.Handler
	manager *handler.RunManager
	release chan struct{}
	got     chan models.RunRequest
}

func newTestServer(t *testing.T, keys ...string) *testServer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store := runstore.New(10, time.Hour)
	t.Cleanup(store.Close)

	ts := &testServer{release: make(chan struct{}), got: make(chan models.RunRequest, 1)}
	run := func(ctx context.Context, id string, req models.RunRequest, progress func(models.RunSummary)) (*crawler.RunResult, error) {
		ts.got <- req
		sum := models.RunSummary{ID: id, State: models.StateFetchingPage, Engine: "fake"}
		progress(sum)
		<-ts.release
		sum.State = models.StateDone
		sum.Records = 1
		rec := models.NewRecord([]models.Field{{Name: "name", Value: "Jane"}})
		return &crawler.RunResult{Summary: sum, Records: []models.Record{rec}}, nil
	}
	ts.manager = handler.NewRunManager(ctx, store, run, nil, time.Second)

	cfg := &config.Config{
		Browser: config.BrowserConfig{Engine: "rod"},
		Server:  config.ServerConfig{Mode: "test", APIKeys: keys, RateRPS: 100, RateBurst: 100},
	}
	ts.router = NewRouter(ctx, cfg, ts.manager, time.Now())
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body, key string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func TestHealthIsOpen(t *testing.T) {
	ts := newTestServer(t, "secret")

	w := ts.do(t, http.MethodGet, "/api/v1/health", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	h := decode[models.HealthResponse](t, w)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, "rod", h.Engine)
	assert.Equal(t, handler.Version, h.Version)
}

func TestRunsRequireAPIKey(t *testing.T) {
	ts := newTestServer(t, "secret")

	w := ts.do(t, http.MethodPost, "/api/v1/runs", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, models.ErrCodeUnauthorized, decode[models.ErrorResponse](t, w).Error.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/runs/x", "", "wrong")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRunLifecycle(t *testing.T) {
	ts := newTestServer(t, "secret")

	w := ts.do(t, http.MethodPost, "/api/v1/runs", `{"max_pages":3}`, "secret")
	require.Equal(t, http.StatusAccepted, w.Code)
	started := decode[models.RunResponse](t, w)
	require.True(t, started.Success)
	id := started.Run.ID
	require.NotEmpty(t, id)
	assert.Equal(t, 3, (<-ts.got).MaxPages)

	// A second run is refused while the first holds the browser.
	w = ts.do(t, http.MethodPost, "/api/v1/runs", "", "secret")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, models.ErrCodeRunBusy, decode[models.ErrorResponse](t, w).Error.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/runs/"+id+"/records", "", "secret")
	assert.Equal(t, http.StatusConflict, w.Code)

	close(ts.release)
	ts.manager.Wait()

	w = ts.do(t, http.MethodGet, "/api/v1/runs/"+id, "", "secret")
	require.Equal(t, http.StatusOK, w.Code)
	run := decode[models.RunResponse](t, w).Run
	assert.Equal(t, models.StateDone, run.State)
	assert.Equal(t, 1, run.Records)

	w = ts.do(t, http.MethodGet, "/api/v1/runs/"+id+"/records", "", "secret")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success":true,"run_id":"`+id+`","count":1,"records":[{"name":"Jane"}]}`, w.Body.String())
	assert.Empty(t, ts.manager.Active())
}

func TestRunBadRequests(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/v1/runs", `{"max_pages":-1}`, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, models.ErrCodeInvalidInput, decode[models.ErrorResponse](t, w).Error.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/runs", `{`, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/runs/nope", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t)
	cfg := &config.Config{Server: config.ServerConfig{Mode: "test", RateRPS: 0.001, RateBurst: 1}}
	router := NewRouter(context.Background(), cfg, ts.manager, time.Now())

	req := func() int {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/runs/none", nil))
		return w.Code
	}
	assert.Equal(t, http.StatusNotFound, req())
	assert.Equal(t, http.StatusTooManyRequests, req())
}
