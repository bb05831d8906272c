package grace

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "concierge/pkg/errors"
)

type MemoryStore struct {
	mu      sync.Mutex
	records map[string]GracePeriod
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]GracePeriod)}
}

func (s *MemoryStore) Create(ctx context.Context, g GracePeriod) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[g.BookingID]; exists {
		return false, nil
	}
	s.records[g.BookingID] = g
	return true, nil
}

func (s *MemoryStore) Get(ctx context.Context, bookingID string) (GracePeriod, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.records[bookingID]
	return g, ok, nil
}

func (s *MemoryStore) MarkExpired(ctx context.Context, bookingID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.records[bookingID]
	if !ok {
		return apperrors.ErrNotFound.WithDetail("booking_id", bookingID)
	}
	g.Expired = true
	s.records[bookingID] = g
	return nil
}

func (s *MemoryStore) Close(ctx context.Context, g GracePeriod) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[g.BookingID]; ok {
		g = existing
	}
	g.Expired = true
	g.Closed = true
	s.records[g.BookingID] = g
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, bookingID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, bookingID)
	return nil
}

func (s *MemoryStore) Due(ctx context.Context, now time.Time, limit int) ([]GracePeriod, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]GracePeriod, 0)
	for _, g := range s.records {
		if !g.Expired && !g.Deadline.After(now) {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Deadline.Equal(out[j].Deadline) {
			return out[i].BookingID < out[j].BookingID
		}
		return out[i].Deadline.Before(out[j].Deadline)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CountPending(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, g := range s.records {
		if !g.Expired {
			n++
		}
	}
	return n, nil
}
