package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"

	apperrors "concierge/pkg/errors"
	"concierge/pkg/metrics"
)

const jobColumns = `id, kind, booking_id, property_id, decision_id, due_at, payload, attempts, status, last_error`

// PostgresStore keeps jobs in scheduled_jobs. Claims use SKIP LOCKED so several instances can sweep at once.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Schedule(ctx context.Context, job Job) (err error) {
	start := time.Now()
	defer func() { metrics.ObserveQuery("postgres", "insert_job", start, err) }()

	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal job payload: %w", err)
	}
	if job.Status == "" {
		job.Status = StatusPending
	}

	query := `
		INSERT INTO scheduled_jobs (id, kind, booking_id, property_id, decision_id, due_at, payload, attempts, status, last_error, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $6)
	`
	_, err = s.db.ExecContext(ctx, query,
		job.ID, string(job.Kind), job.BookingID, job.PropertyID, job.DecisionID, job.DueAt,
		payload, job.Attempts, string(job.Status), job.LastError,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return apperrors.ErrConflict.WithDetail("job_id", job.ID)
		}
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

func (s *PostgresStore) Claim(ctx context.Context, now time.Time, limit int) (out []Job, err error) {
	start := time.Now()
	defer func() { metrics.ObserveQuery("postgres", "claim_jobs", start, err) }()

	rows, err := s.db.QueryContext(ctx, `
		UPDATE scheduled_jobs
		SET status = 'running', attempts = attempts + 1, updated_at = $1
		WHERE id IN (
			SELECT id FROM scheduled_jobs
			WHERE status = 'pending' AND due_at <= $1
			ORDER BY due_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim jobs: %w", err)
	}
	defer rows.Close()

	out, err = scanJobs(rows)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, k int) bool { return out[i].DueAt.Before(out[k].DueAt) })
	return out, nil
}

func (s *PostgresStore) Complete(ctx context.Context, id string, now time.Time) (err error) {
	start := time.Now()
	defer func() { metrics.ObserveQuery("postgres", "complete_job", start, err) }()

	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_jobs SET status = 'done', updated_at = $2 WHERE id = $1`,
		id, now,
	)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return expectRow(res, id)
}

func (s *PostgresStore) Fail(ctx context.Context, id, lastError string, retryAt time.Time, maxAttempts int) (err error) {
	start := time.Now()
	defer func() { metrics.ObserveQuery("postgres", "fail_job", start, err) }()

	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs
		SET status = CASE WHEN attempts >= $3 THEN 'failed' ELSE 'pending' END,
			last_error = $2, due_at = $4, updated_at = NOW()
		WHERE id = $1
	`, id, lastError, maxAttempts, retryAt)
	if err != nil {
		return fmt.Errorf("failed to record job failure: %w", err)
	}
	return expectRow(res, id)
}

func (s *PostgresStore) CancelPending(ctx context.Context, bookingID string, now time.Time) (n int, err error) {
	start := time.Now()
	defer func() { metrics.ObserveQuery("postgres", "cancel_jobs", start, err) }()

	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_jobs SET status = 'cancelled', updated_at = $2 WHERE booking_id = $1 AND status = 'pending'`,
		bookingID, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel jobs: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return int(affected), nil
}

func (s *PostgresStore) ReleaseStale(ctx context.Context, olderThan time.Time) (n int, err error) {
	start := time.Now()
	defer func() { metrics.ObserveQuery("postgres", "release_stale_jobs", start, err) }()

	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_jobs SET status = 'pending' WHERE status = 'running' AND updated_at < $1`,
		olderThan,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to release stale jobs: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return int(affected), nil
}

func (s *PostgresStore) Pending(ctx context.Context, bookingID string) (out []Job, err error) {
	start := time.Now()
	defer func() { metrics.ObserveQuery("postgres", "select_pending_jobs", start, err) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM scheduled_jobs WHERE booking_id = $1 AND status = 'pending' ORDER BY due_at ASC`,
		bookingID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

func scanJobs(rows *sql.Rows) ([]Job, error) {
	var out []Job
	for rows.Next() {
		var (
			j            Job
			kind, status string
			payload      []byte
		)
		if err := rows.Scan(
			&j.ID, &kind, &j.BookingID, &j.PropertyID, &j.DecisionID, &j.DueAt,
			&payload, &j.Attempts, &status, &j.LastError,
		); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &j.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode job payload: %w", err)
			}
		}
		j.Kind = JobKind(kind)
		j.Status = JobStatus(status)
		j.DueAt = j.DueAt.UTC()
		out = append(out, j)
	}
	return out, rows.Err()
}

func expectRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return apperrors.ErrNotFound.WithDetail("job_id", id)
	}
	return nil
}
