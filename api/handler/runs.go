package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/use-agent/mercury-crawler/crawler"
	"github.com/use-agent/mercury-crawler/models"
	"github.com/use-agent/mercury-crawler/runstore"
	"github.com/use-agent/mercury-crawler/webhook"
)

// RunFunc executes one crawl. It is called on its own goroutine and must
// report every state change through progress.
type RunFunc func(ctx context.Context, id string, req models.RunRequest, progress func(models.RunSummary)) (*crawler.RunResult, error)

// ErrRunBusy is returned by Start while another run is in progress.
var ErrRunBusy = models.NewCrawlError(models.ErrCodeRunBusy, "a run is already in progress", nil)

// RunManager starts runs in the background, one at a time, and records
// their progress in a runstore.Store.
type RunManager struct {
	ctx    context.Context
	store  *runstore.Store
	run    RunFunc
	notify *webhook.Notifier

	notifyTimeout time.Duration
	now           func() time.Time
	log           *zap.Logger

	mu     sync.Mutex
	active string
	wg     sync.WaitGroup
}

// NewRunManager creates a manager. Runs inherit ctx, so cancelling it stops
// the active run.
func NewRunManager(ctx context.Context, store *runstore.Store, run RunFunc, notify *webhook.Notifier, notifyTimeout time.Duration) *RunManager {
	return &RunManager{
		ctx:           ctx,
		store:         store,
		run:           run,
		notify:        notify,
		notifyTimeout: notifyTimeout,
		now:           time.Now,
		log:           zap.L().With(zap.String("component", "runs")),
	}
}

// Store returns the run registry.
func (m *RunManager) Store() *runstore.Store { return m.store }

// Active returns the id of the run in progress, or "".
func (m *RunManager) Active() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Start launches a run and returns its initial summary.
func (m *RunManager) Start(req models.RunRequest) (models.RunSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != "" {
		return models.RunSummary{}, ErrRunBusy
	}

	sum := models.RunSummary{ID: uuid.NewString(), State: models.StatePending, StartedAt: m.now()}
	m.store.Put(sum)
	m.active = sum.ID

	m.wg.Add(1)
	go m.execute(sum.ID, req)
	return sum, nil
}

func (m *RunManager) execute(id string, req models.RunRequest) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		m.active = ""
		m.mu.Unlock()
	}()

	res, err := m.run(m.ctx, id, req, m.store.Put)

	var sum models.RunSummary
	switch {
	case res != nil:
		sum = res.Summary
		m.store.Put(sum)
		m.store.SetRecords(id, res.Records)
	default:
		// The runner refused to start; record the failure ourselves.
		sum, _ = m.store.Get(id)
		finished := m.now()
		sum.State = models.StateFailed
		sum.FinishedAt = &finished
		sum.Error = models.DetailOf(err)
		m.store.Put(sum)
	}

	if err != nil {
		m.log.Error("run failed", zap.String("run_id", id), zap.Error(err))
	}
	m.notify.DeliverAsync(webhook.NewRunEvent(sum, m.now()), m.notifyTimeout)
}

// Wait blocks until the active run, if any, has returned.
func (m *RunManager) Wait() { m.wg.Wait() }

// PostRun returns a handler for POST /api/v1/runs.
func PostRun(m *RunManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.RunRequest
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			respondError(c, http.StatusBadRequest, models.ErrCodeInvalidInput, "invalid request body: "+err.Error())
			return
		}
		if req.MaxPages < 0 || req.MaxRecords < 0 {
			respondError(c, http.StatusBadRequest, models.ErrCodeInvalidInput, "max_pages and max_records must be >= 0")
			return
		}

		sum, err := m.Start(req)
		if err != nil {
			respondError(c, http.StatusConflict, models.ErrCodeRunBusy, "a run is already in progress: "+m.Active())
			return
		}
		c.JSON(http.StatusAccepted, models.RunResponse{Success: true, Run: sum})
	}
}

// GetRun returns a handler for GET /api/v1/runs/:id.
func GetRun(store *runstore.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		sum, ok := store.Get(c.Param("id"))
		if !ok {
			respondError(c, http.StatusNotFound, models.ErrCodeNotFound, "run not found")
			return
		}
		c.JSON(http.StatusOK, models.RunResponse{Success: true, Run: sum})
	}
}

// GetRecords returns a handler for GET /api/v1/runs/:id/records.
func GetRecords(store *runstore.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		sum, ok := store.Get(id)
		if !ok {
			respondError(c, http.StatusNotFound, models.ErrCodeNotFound, "run not found")
			return
		}
		if !sum.State.Terminal() {
			respondError(c, http.StatusConflict, models.ErrCodeRunBusy, "run is still in progress")
			return
		}
		recs, _ := store.Records(id)
		if recs == nil {
			recs = []models.Record{}
		}
		c.JSON(http.StatusOK, models.RecordsResponse{Success: true, RunID: id, Count: len(recs), Records: recs})
	}
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, models.ErrorResponse{
		Success: false,
		Error:   &models.ErrorDetail{Code: code, Message: msg},
	})
}
