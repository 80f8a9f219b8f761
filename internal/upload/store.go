package upload

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tsviz/backend/internal/models"
)

// JobStore is the in-memory registry of upload jobs. Every mutation is an
// atomic read-modify-write of one job under the store lock; readers always
// get copies.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]*entry
	now  func() time.Time
}

type entry struct {
	job   models.UploadJob
	parts map[int]int64 // chunk index -> bytes
}

// NewJobStore creates an empty store.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs: make(map[string]*entry),
		now:  time.Now,
	}
}

// Create registers a new job with a generated id.
func (s *JobStore) Create(job models.UploadJob) models.UploadJob {
	now := s.now()
	job.ID = uuid.New().String()
	job.CreatedAt = now
	job.UpdatedAt = now

	s.mu.Lock()
	s.jobs[job.ID] = &entry{job: job, parts: make(map[int]int64)}
	s.mu.Unlock()
	return job
}

// Get returns a copy of the job.
func (s *JobStore) Get(id string) (models.UploadJob, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.jobs[id]
	if !ok {
		return models.UploadJob{}, false
	}
	return e.job, true
}

// Update applies fn to the job atomically. If fn returns an error the job is
// left unchanged.
func (s *JobStore) Update(id string, fn func(job *models.UploadJob) error) (models.UploadJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[id]
	if !ok {
		return models.UploadJob{}, ErrJobNotFound
	}
	next := e.job
	if err := fn(&next); err != nil {
		return e.job, err
	}
	next.UpdatedAt = s.now()
	if next.Status.Terminal() && next.CompletedAt == nil {
		at := next.UpdatedAt
		next.CompletedAt = &at
	}
	e.job = next
	return next, nil
}

// RecordPart stores the size of a received chunk and refreshes the counters.
// A re-sent index replaces its previous size. check runs first, under the
// same lock, and can veto the update.
func (s *JobStore) RecordPart(id string, index int, size int64, check func(job *models.UploadJob) error) (models.UploadJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[id]
	if !ok {
		return models.UploadJob{}, ErrJobNotFound
	}
	if check != nil {
		if err := check(&e.job); err != nil {
			return e.job, err
		}
	}

	e.parts[index] = size
	var received int64
	for _, n := range e.parts {
		received += n
	}
	e.job.ReceivedBytes = received
	e.job.ReceivedChunks = len(e.parts)
	e.job.Percent = uploadPercent(received, e.job.Size)
	e.job.UpdatedAt = s.now()
	return e.job, nil
}

// List returns summaries of every job, oldest first.
func (s *JobStore) List() []models.JobSummary {
	s.mu.RLock()
	list := make([]models.JobSummary, 0, len(s.jobs))
	for _, e := range s.jobs {
		list = append(list, e.job.Summary())
	}
	s.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	return list
}

// Delete forgets a job.
func (s *JobStore) Delete(id string) {
	s.mu.Lock()
	delete(s.jobs, id)
	s.mu.Unlock()
}

// Len returns the number of known jobs.
func (s *JobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// evict removes jobs matching stale and returns their ids.
func (s *JobStore) evict(stale func(job *models.UploadJob) bool) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, e := range s.jobs {
		if stale(&e.job) {
			delete(s.jobs, id)
			ids = append(ids, id)
		}
	}
	return ids
}

func uploadPercent(received, size int64) int {
	if size <= 0 {
		return 0
	}
	return min(95, int(received*100/size))
}
