//go:build integration

package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"concierge/internal/testinfra"
	apperrors "concierge/pkg/errors"
)

func TestPostgresStore_Integration(t *testing.T) {
	infra := testinfra.Setup(t, testinfra.Options{Postgres: true})
	s := NewPostgresStore(infra.PostgresDB)
	ctx := context.Background()

	jobs := []Job{
		{ID: "j2", Kind: JobFollowUp, BookingID: "bk-1", DueAt: t0.Add(2 * time.Minute), Payload: map[string]string{PayloadTrigger: "pre_arrival"}},
		{ID: "j1", Kind: JobRetryPayment, BookingID: "bk-1", DueAt: t0.Add(time.Minute)},
		{ID: "j3", Kind: JobEscalation, BookingID: "bk-2", DueAt: t0.Add(time.Hour)},
	}
	for _, j := range jobs {
		require.NoError(t, s.Schedule(ctx, j))
	}
	assert.True(t, apperrors.IsConflict(s.Schedule(ctx, jobs[0])))

	claimed, err := s.Claim(ctx, t0.Add(5*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, "j1", claimed[0].ID)
	assert.Equal(t, 1, claimed[0].Attempts)
	assert.Equal(t, "pre_arrival", claimed[1].Payload[PayloadTrigger])

	// claimed jobs are not handed out twice
	again, err := s.Claim(ctx, t0.Add(5*time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, s.Complete(ctx, "j1", t0.Add(6*time.Minute)))
	require.NoError(t, s.Fail(ctx, "j2", "smtp down", t0.Add(7*time.Minute), 3))

	pending, err := s.Pending(ctx, "bk-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "j2", pending[0].ID)
	assert.Equal(t, "smtp down", pending[0].LastError)

	n, err := s.CancelPending(ctx, "bk-1", t0.Add(8*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.True(t, apperrors.IsNotFound(s.Complete(ctx, "missing", t0)))
}
