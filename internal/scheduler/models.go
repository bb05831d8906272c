package scheduler

import (
	"context"
	"time"
)

type JobKind string

const (
	JobRetryPayment JobKind = "retry_payment"
	JobFollowUp     JobKind = "follow_up"
	JobEscalation   JobKind = "escalation"
)

type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusDone      JobStatus = "done"
	StatusCancelled JobStatus = "cancelled"
	StatusFailed    JobStatus = "failed"
)

// Payload keys.
const (
	PayloadTrigger    = "trigger"
	PayloadRetryCount = "retry_count"
	PayloadMessage    = "message"
	PayloadRuleID     = "rule_id"
	// PayloadEvent holds the JSON event the job was scheduled for.
	PayloadEvent = "event"
)

// Job is a unit of deferred work that must survive a restart.
type Job struct {
	ID         string            `json:"id"`
	Kind       JobKind           `json:"kind"`
	BookingID  string            `json:"booking_id"`
	PropertyID string            `json:"property_id"`
	DecisionID string            `json:"decision_id,omitempty"`
	DueAt      time.Time         `json:"due_at"`
	Payload    map[string]string `json:"payload,omitempty"`
	Attempts   int               `json:"attempts"`
	Status     JobStatus         `json:"status"`
	LastError  string            `json:"last_error,omitempty"`
}

type Store interface {
	Schedule(ctx context.Context, job Job) error
	// Claim moves up to limit pending jobs due at now to running and bumps their attempt count.
	Claim(ctx context.Context, now time.Time, limit int) ([]Job, error)
	Complete(ctx context.Context, id string, now time.Time) error
	// Fail puts the job back to pending at retryAt, or marks it failed once maxAttempts is reached.
	Fail(ctx context.Context, id, lastError string, retryAt time.Time, maxAttempts int) error
	// CancelPending cancels every pending job of a booking and returns how many were cancelled.
	CancelPending(ctx context.Context, bookingID string, now time.Time) (int, error)
	// ReleaseStale returns running jobs last touched before olderThan to pending.
	ReleaseStale(ctx context.Context, olderThan time.Time) (int, error)
	Pending(ctx context.Context, bookingID string) ([]Job, error)
}
