package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Gleato/rawthumb/internal/domain"
)

var ErrJobNotFound = errors.New("job not found")

type MemoryJobStore struct {
	mu    sync.RWMutex
	jobs  map[string]domain.ThumbnailJob
	usage []domain.UsageLog
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs: make(map[string]domain.ThumbnailJob),
	}
}

func (s *MemoryJobStore) Create(_ context.Context, job domain.ThumbnailJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

func (s *MemoryJobStore) Get(_ context.Context, id string) (domain.ThumbnailJob, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	return job, ok, nil
}

func (s *MemoryJobStore) UpdateStatus(_ context.Context, id, status string) (domain.ThumbnailJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutate(id, func(job *domain.ThumbnailJob) {
		job.Status = status
	})
}

func (s *MemoryJobStore) MarkFailed(_ context.Context, id, message string) (domain.ThumbnailJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutate(id, func(job *domain.ThumbnailJob) {
		job.Status = domain.JobStatusFailed
		job.Error = message
	})
}

func (s *MemoryJobStore) SetResult(_ context.Context, id string, result domain.JobResult) (domain.ThumbnailJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutate(id, func(job *domain.ThumbnailJob) {
		job.Status = domain.JobStatusSucceeded
		job.Result = result
		job.Error = ""
	})
}

func (s *MemoryJobStore) CreateUsageLog(_ context.Context, usage domain.UsageLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = append(s.usage, usage)
	return nil
}

// UsageLogs returns a copy of the recorded usage, for tests.
func (s *MemoryJobStore) UsageLogs() []domain.UsageLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.UsageLog(nil), s.usage...)
}

func (s *MemoryJobStore) mutate(id string, fn func(*domain.ThumbnailJob)) (domain.ThumbnailJob, error) {
	job, ok := s.jobs[id]
	if !ok {
		return domain.ThumbnailJob{}, ErrJobNotFound
	}
	fn(&job)
	job.UpdatedAt = time.Now().UTC()
	s.jobs[id] = job
	return job, nil
}
