package storage

import (
	"slices"
	"strings"
	"sync"

	"github.com/nemanja-m/mvexec/internal/engine/core"
)

type InMemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]*core.JobStatus
}

func NewInMemoryJobStore() *InMemoryJobStore {
	return &InMemoryJobStore{
		jobs: make(map[string]*core.JobStatus),
	}
}

func (s *InMemoryJobStore) SaveJob(job *core.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID()] = job
	return nil
}

func (s *InMemoryJobStore) GetJobByID(id string) (*core.JobStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, exists := s.jobs[id]
	if !exists {
		return nil, core.ErrJobNotFound
	}
	return job, nil
}

// GetJobs returns the jobs matching filter oldest first, with the number of
// matches before paging. A non-positive limit returns all matches.
func (s *InMemoryJobStore) GetJobs(filter core.JobFilter) ([]*core.JobStatus, int, error) {
	s.mu.RLock()
	matched := make([]*core.JobStatus, 0, len(s.jobs))
	for _, job := range s.jobs {
		if filter.State != nil && job.State() != *filter.State {
			continue
		}
		matched = append(matched, job)
	}
	s.mu.RUnlock()

	slices.SortFunc(matched, func(a, b *core.JobStatus) int {
		if c := a.Descriptor().SubmittedAt.Compare(b.Descriptor().SubmittedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID(), b.ID())
	})

	total := len(matched)
	start := min(max(filter.Offset, 0), total)
	end := total
	if filter.Limit > 0 {
		end = min(start+filter.Limit, total)
	}
	return matched[start:end], total, nil
}

func (s *InMemoryJobStore) DeleteJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[id]; !exists {
		return core.ErrJobNotFound
	}
	delete(s.jobs, id)
	return nil
}
