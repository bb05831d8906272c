package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "concierge/pkg/errors"
)

type memoryJob struct {
	job     Job
	updated time.Time
}

type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*memoryJob
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*memoryJob)}
}

func (s *MemoryStore) Schedule(ctx context.Context, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return apperrors.ErrConflict.WithDetail("job_id", job.ID)
	}
	if job.Status == "" {
		job.Status = StatusPending
	}
	s.jobs[job.ID] = &memoryJob{job: job, updated: job.DueAt}
	return nil
}

func (s *MemoryStore) Claim(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*memoryJob
	for _, j := range s.jobs {
		if j.job.Status == StatusPending && !j.job.DueAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool {
		if due[i].job.DueAt.Equal(due[k].job.DueAt) {
			return due[i].job.ID < due[k].job.ID
		}
		return due[i].job.DueAt.Before(due[k].job.DueAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]Job, 0, len(due))
	for _, j := range due {
		j.job.Status = StatusRunning
		j.job.Attempts++
		j.updated = now
		out = append(out, j.job)
	}
	return out, nil
}

func (s *MemoryStore) Complete(ctx context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return apperrors.ErrNotFound.WithDetail("job_id", id)
	}
	j.job.Status = StatusDone
	j.updated = now
	return nil
}

func (s *MemoryStore) Fail(ctx context.Context, id, lastError string, retryAt time.Time, maxAttempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return apperrors.ErrNotFound.WithDetail("job_id", id)
	}
	j.job.LastError = lastError
	j.job.DueAt = retryAt
	if j.job.Attempts >= maxAttempts {
		j.job.Status = StatusFailed
	} else {
		j.job.Status = StatusPending
	}
	return nil
}

func (s *MemoryStore) CancelPending(ctx context.Context, bookingID string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, j := range s.jobs {
		if j.job.BookingID == bookingID && j.job.Status == StatusPending {
			j.job.Status = StatusCancelled
			j.updated = now
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ReleaseStale(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, j := range s.jobs {
		if j.job.Status == StatusRunning && j.updated.Before(olderThan) {
			j.job.Status = StatusPending
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Pending(ctx context.Context, bookingID string) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Job
	for _, j := range s.jobs {
		if j.job.BookingID == bookingID && j.job.Status == StatusPending {
			out = append(out, j.job)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].DueAt.Before(out[k].DueAt) })
	return out, nil
}
