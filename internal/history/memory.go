package history

import (
	"context"
	"sort"
	"sync"
	"time"

	"concierge/internal/decision"
	"concierge/internal/notification"
	"concierge/internal/rules"
	apperrors "concierge/pkg/errors"
)

type MemoryStore struct {
	mu            sync.RWMutex
	decisions     []DecisionRecord
	notifications []notification.Result
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) AppendDecision(ctx context.Context, d decision.Decision, e rules.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.decisions {
		if r.Decision.ID == d.ID {
			return apperrors.ErrConflict.WithDetail("decision_id", d.ID)
		}
	}
	d.Actions = append([]decision.ActionRecord(nil), d.Actions...)
	s.decisions = append(s.decisions, DecisionRecord{Decision: d, Event: e})
	return nil
}

func (s *MemoryStore) UpdateActions(ctx context.Context, decisionID string, actions []decision.ActionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.decisions {
		if s.decisions[i].Decision.ID == decisionID {
			s.decisions[i].Decision.Actions = append([]decision.ActionRecord(nil), actions...)
			return nil
		}
	}
	return apperrors.ErrNotFound.WithDetail("decision_id", decisionID)
}

func (s *MemoryStore) AppendNotifications(ctx context.Context, results []notification.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, results...)
	return nil
}

func (s *MemoryStore) RecordDeliveryEvent(ctx context.Context, messageID string, event notification.DeliveryEvent, at time.Time) (notification.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.notifications {
		if messageID != "" && s.notifications[i].MessageID == messageID {
			s.notifications[i].Apply(event, at)
			return s.notifications[i], nil
		}
	}
	return notification.Result{}, apperrors.ErrNotFound.WithDetail("message_id", messageID)
}

func (s *MemoryStore) Decisions(ctx context.Context, bookingID string) ([]DecisionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []DecisionRecord
	for _, r := range s.decisions {
		if r.Decision.BookingID == bookingID {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Decision.DecidedAt.Before(out[j].Decision.DecidedAt)
	})
	return out, nil
}

func (s *MemoryStore) Notifications(ctx context.Context, bookingID string) ([]notification.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []notification.Result
	for _, r := range s.notifications {
		if r.BookingID == bookingID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryStore) LastFailureEvent(ctx context.Context, bookingID string) (rules.Event, bool, error) {
	records, _ := s.Decisions(ctx, bookingID)
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Event.Kind == rules.EventPaymentFailed {
			return records[i].Event, true, nil
		}
	}
	return rules.Event{}, false, nil
}

func (s *MemoryStore) DecisionsBetween(ctx context.Context, from, to time.Time) ([]decision.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []decision.Decision
	for _, r := range s.decisions {
		if inWindow(r.Decision.DecidedAt, from, to) {
			out = append(out, r.Decision)
		}
	}
	return out, nil
}

func (s *MemoryStore) NotificationsBetween(ctx context.Context, from, to time.Time) ([]notification.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []notification.Result
	for _, r := range s.notifications {
		if inWindow(r.SentAt, from, to) {
			out = append(out, r)
		}
	}
	return out, nil
}

// inWindow is [from, to).
func inWindow(t, from, to time.Time) bool {
	return !t.Before(from) && t.Before(to)
}
