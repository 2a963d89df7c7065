package store

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"modelgen-service/internal/entity"
)

var ErrNotFound = errors.New("job not found")

// historyLimit bounds how many finished jobs are kept around for status
// lookups by id. The most recent job is never trimmed.
const historyLimit = 32

// MemoryStore holds the current generation job plus a bounded history of
// past ones. All mutation funnels through Update; Get and Latest return
// deep copies so pollers never race with the orchestrator.
type MemoryStore struct {
	mu    sync.RWMutex
	jobs  map[uuid.UUID]*entity.Job
	order []uuid.UUID // creation order, oldest first
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[uuid.UUID]*entity.Job)}
}

// Create registers a new job. The caller keeps no shared reference: the
// store owns its copy from here on.
func (s *MemoryStore) Create(job *entity.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs[job.ID] = job.Clone()
	s.order = append(s.order, job.ID)

	for len(s.order) > historyLimit {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.jobs, oldest)
	}
}

func (s *MemoryStore) Get(id uuid.UUID) (*entity.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}

// Latest returns the most recently created job.
func (s *MemoryStore) Latest() (*entity.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.order) == 0 {
		return nil, ErrNotFound
	}
	return s.jobs[s.order[len(s.order)-1]].Clone(), nil
}

// Update applies mutate to the stored job under the store lock, bumps
// UpdatedAt and returns a copy of the result. The mutation and its
// visibility to readers are atomic.
func (s *MemoryStore) Update(id uuid.UUID, mutate func(*entity.Job)) (*entity.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	mutate(job)
	job.UpdatedAt = time.Now().UTC()
	return job.Clone(), nil
}
