// Package runstore keeps the summaries and records of recent runs for the
// HTTP API.
package runstore

import (
	"sync"
	"time"

	"github.com/use-agent/mercury-crawler/models"
)

// entry holds one run with its last update timestamp.
type entry struct {
	summary   models.RunSummary
	records   []models.Record
	updatedAt time.Time
}

// Store is a bounded in-memory run registry. Finished runs expire after
// ttl. It is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	runs    map[string]*entry
	maxRuns int
	ttl     time.Duration
	now     func() time.Time

	stop chan struct{}
	once sync.Once
}

// New creates a Store holding at most maxRuns runs. A background goroutine
// evicts finished runs older than ttl; Close stops it.
func New(maxRuns int, ttl time.Duration) *Store {
	s := newStore(maxRuns, ttl, time.Now)
	go s.cleanupLoop()
	return s
}

func newStore(maxRuns int, ttl time.Duration, now func() time.Time) *Store {
	if maxRuns <= 0 {
		maxRuns = 1
	}
	return &Store{
		runs:    make(map[string]*entry),
		maxRuns: maxRuns,
		ttl:     ttl,
		now:     now,
		stop:    make(chan struct{}),
	}
}

// Put registers or replaces a run summary. At capacity the oldest finished
// run is evicted; runs still in progress are never evicted.
func (s *Store) Put(sum models.RunSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.runs[sum.ID]
	if !ok {
		if len(s.runs) >= s.maxRuns {
			s.evictOldestLocked()
		}
		e = &entry{}
		s.runs[sum.ID] = e
	}
	e.summary = sum
	e.updatedAt = s.now()
}

// SetRecords attaches the records of a finished run. Unknown ids are
// ignored.
func (s *Store) SetRecords(id string, records []models.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.runs[id]; ok {
		e.records = records
		e.updatedAt = s.now()
	}
}

// Get returns the summary of run id.
func (s *Store) Get(id string) (models.RunSummary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.runs[id]
	if !ok {
		return models.RunSummary{}, false
	}
	return e.summary, true
}

// Records returns the records of run id. The second result is false when
// the run is unknown.
func (s *Store) Records(id string) ([]models.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.runs[id]
	if !ok {
		return nil, false
	}
	return e.records, true
}

// Len reports the number of stored runs.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.runs)
}

// Close stops the cleanup goroutine.
func (s *Store) Close() {
	s.once.Do(func() { close(s.stop) })
}

func (s *Store) evictOldestLocked() {
	var (
		oldestID string
		oldest   time.Time
	)
	for id, e := range s.runs {
		if !e.summary.State.Terminal() {
			continue
		}
		if oldestID == "" || e.updatedAt.Before(oldest) {
			oldestID, oldest = id, e.updatedAt
		}
	}
	if oldestID != "" {
		delete(s.runs, oldestID)
	}
}

// evictExpired drops finished runs not updated since ttl.
func (s *Store) evictExpired() int {
	if s.ttl <= 0 {
		return 0
	}
	cutoff := s.now().Add(-s.ttl)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.runs {
		if e.summary.State.Terminal() && e.updatedAt.Before(cutoff) {
			delete(s.runs, id)
			n++
		}
	}
	return n
}

// cleanupLoop evicts expired runs every 5 minutes.
func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.evictExpired()
		case <-s.stop:
			return
		}
	}
}
