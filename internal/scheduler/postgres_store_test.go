package scheduler

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "concierge/pkg/errors"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(db), mock
}

func jobRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "kind", "booking_id", "property_id", "decision_id", "due_at", "payload", "attempts", "status", "last_error",
	})
}

func TestPostgresStore_Schedule(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO scheduled_jobs")).
		WithArgs("j1", "retry_payment", "bk-1", "prop-1", "d1", t0, sqlmock.AnyArg(), 0, "pending", "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.Schedule(context.Background(), Job{
		ID: "j1", Kind: JobRetryPayment, BookingID: "bk-1", PropertyID: "prop-1", DecisionID: "d1",
		DueAt: t0, Payload: map[string]string{PayloadRetryCount: "1"},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Claim(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE SKIP LOCKED")).
		WithArgs(t0, 10).
		WillReturnRows(jobRows().
			AddRow("j2", "follow_up", "bk-2", "prop-1", "", t0, []byte(`{"trigger":"pre_arrival"}`), int64(1), "running", "").
			AddRow("j1", "retry_payment", "bk-1", "prop-1", "d1", t0.Add(-time.Hour), []byte(`{"retry_count":"1"}`), int64(1), "running", ""))

	jobs, err := s.Claim(context.Background(), t0, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "j1", jobs[0].ID)
	assert.Equal(t, JobRetryPayment, jobs[0].Kind)
	assert.Equal(t, "1", jobs[0].Payload[PayloadRetryCount])
	assert.Equal(t, StatusRunning, jobs[1].Status)
	assert.Equal(t, "pre_arrival", jobs[1].Payload[PayloadTrigger])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompleteFailCancel(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE scheduled_jobs SET status = 'done'")).
		WithArgs("j1", t0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.Complete(ctx, "j1", t0))

	mock.ExpectExec(regexp.QuoteMeta("UPDATE scheduled_jobs SET status = 'done'")).
		WithArgs("missing", t0).
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.True(t, apperrors.IsNotFound(s.Complete(ctx, "missing", t0)))

	retryAt := t0.Add(5 * time.Minute)
	mock.ExpectExec(regexp.QuoteMeta("CASE WHEN attempts >= $3 THEN 'failed' ELSE 'pending' END")).
		WithArgs("j1", "boom", 5, retryAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.Fail(ctx, "j1", "boom", retryAt, 5))

	mock.ExpectExec(regexp.QuoteMeta("SET status = 'cancelled'")).
		WithArgs("bk-1", t0).
		WillReturnResult(sqlmock.NewResult(0, 3))
	n, err := s.CancelPending(ctx, "bk-1", t0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	mock.ExpectExec(regexp.QuoteMeta("WHERE status = 'running' AND updated_at < $1")).
		WithArgs(t0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	n, err = s.ReleaseStale(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Pending(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM scheduled_jobs WHERE booking_id = $1 AND status = 'pending'")).
		WithArgs("bk-1").
		WillReturnRows(jobRows().AddRow("j1", "escalation", "bk-1", "prop-1", "d1", t0, nil, int64(0), "pending", ""))

	jobs, err := s.Pending(context.Background(), "bk-1")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, JobEscalation, jobs[0].Kind)
	assert.Nil(t, jobs[0].Payload)
	assert.NoError(t, mock.ExpectationsWereMet())
}
